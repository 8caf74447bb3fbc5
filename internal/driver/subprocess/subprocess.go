// Package subprocess implements driver.Driver for in-process-mode
// kernels: the interpreter runs as a direct host subprocess, with no
// container isolation, wrapped in the embedded worker protocol defined
// in agent.go so it still speaks the same outer wire format the bridge
// expects from any driver's Connect.
package subprocess

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kernelforge/kerneld/internal/driver"
)

const DriverName = "subprocess"

type instance struct {
	id      string
	cfg     driver.KernelConfig
	created time.Time
	state   driver.KernelState
	worker  *workerProcess
	mu      sync.Mutex
}

// Driver implements driver.Driver by spawning host subprocesses.
type Driver struct {
	mu        sync.Mutex
	instances map[string]*instance
}

// New creates a new subprocess Driver.
func New(cfg map[string]any) (driver.Driver, error) {
	return &Driver{instances: make(map[string]*instance)}, nil
}

func init() {
	driver.RegisterDriver(DriverName, New)
}

func (d *Driver) DriverName() string { return DriverName }

func (d *Driver) Healthy(ctx context.Context) error { return nil }

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, inst := range d.instances {
		if inst.worker != nil {
			inst.worker.close()
		}
		delete(d.instances, id)
	}
	return nil
}

func (d *Driver) Create(ctx context.Context, cfg driver.KernelConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if cfg.Mode != driver.ModeInProcess {
		return "", fmt.Errorf("%w: subprocess driver only serves in-process kernels", driver.ErrInvalidConfig)
	}

	id := uuid.NewString()
	inst := &instance{id: id, cfg: cfg, created: time.Now(), state: driver.StateCreating}

	d.mu.Lock()
	d.instances[id] = inst
	d.mu.Unlock()
	return id, nil
}

func (d *Driver) Start(ctx context.Context, id string) error {
	inst, err := d.get(id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state == driver.StateReady {
		return driver.ErrKernelAlreadyRunning
	}

	env := os.Environ()
	for k, v := range inst.cfg.Env {
		env = append(env, k+"="+v)
	}

	worker, err := startWorker(inst.cfg.Language, env)
	if err != nil {
		inst.state = driver.StateError
		return fmt.Errorf("start interpreter: %w", err)
	}

	inst.worker = worker
	inst.state = driver.StateReady
	return nil
}

func (d *Driver) Stop(ctx context.Context, id string) error {
	inst, err := d.get(id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.worker != nil {
		inst.worker.close()
	}
	inst.state = driver.StateStopped

	d.mu.Lock()
	delete(d.instances, id)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Connect(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	inst, err := d.get(id)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != driver.StateReady || inst.worker == nil {
		return nil, driver.ErrKernelNotRunning
	}
	return newAgentConn(inst.worker), nil
}

// InterruptPath always reports unsupported: there is no separate memory
// space to share a byte with, so in-process kernels cannot be
// interrupted.
func (d *Driver) InterruptPath(ctx context.Context, id string) (string, error) {
	return "", driver.ErrNotSupported
}

func (d *Driver) ListFiles(ctx context.Context, id, path string) ([]*driver.FileEntry, error) {
	return nil, driver.ErrNotSupported
}

func (d *Driver) PutFile(ctx context.Context, id, path string, content io.Reader) error {
	return driver.ErrNotSupported
}

func (d *Driver) GetFile(ctx context.Context, id, path string) (io.ReadCloser, error) {
	return nil, driver.ErrNotSupported
}

func (d *Driver) Info(ctx context.Context, id string) (*driver.KernelInfo, error) {
	inst, err := d.get(id)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return &driver.KernelInfo{
		ID:         inst.id,
		State:      inst.state,
		CreatedAt:  inst.created,
		Config:     inst.cfg,
		DriverType: DriverName,
	}, nil
}

func (d *Driver) List(ctx context.Context, states []driver.KernelState) ([]*driver.KernelInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	results := make([]*driver.KernelInfo, 0, len(d.instances))
	for _, inst := range d.instances {
		inst.mu.Lock()
		results = append(results, &driver.KernelInfo{ID: inst.id, State: inst.state, CreatedAt: inst.created, DriverType: DriverName})
		inst.mu.Unlock()
	}
	return results, nil
}

func (d *Driver) get(id string) (*instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[id]
	if !ok {
		return nil, driver.ErrKernelNotFound
	}
	return inst, nil
}
