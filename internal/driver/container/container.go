// Package container implements driver.Driver for sandboxed-mode kernels
// using the Docker engine. Each kernel is a container kept alive with a
// "tail -f /dev/null" entrypoint; Connect execs the in-guest agent binary
// and returns a demultiplexed stream to it.
package container

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/kernelforge/kerneld/internal/driver"
)

const (
	DriverName      = "container"
	AgentBinaryPath = "/usr/local/bin/kerneld-agent"
	ManagedLabel    = "dev.kernelforge.managed"
	InterruptMount  = "/var/run/kerneld/interrupt"
)

// imageFor maps a language to the container image that provides that
// interpreter. It takes no mode: this driver only ever serves
// ModeSandboxed (Create rejects any other mode).
func imageFor(lang driver.Language) string {
	switch lang {
	case driver.LanguageJavascript:
		return "kerneld-node:20"
	default:
		return "kerneld-python:3.11"
	}
}

// Driver implements driver.Driver using the Docker engine.
type Driver struct {
	cli *client.Client
	// hostAgentPath is the path to the compiled in-guest agent binary on
	// the host, bind-mounted read-only into every container.
	hostAgentPath string
	// interruptDir is where per-kernel interrupt byte files are created
	// on the host before being bind-mounted into their container.
	interruptDir string
}

// New creates a new container Driver. cfg["agent_path"] overrides the
// host path to the agent binary; cfg["interrupt_dir"] overrides where
// interrupt-byte files are staged (default: os.TempDir()/kerneld-interrupt).
func New(cfg map[string]any) (driver.Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	go cleanupOrphans(cli)

	agentPath := "kerneld-agent"
	if p, ok := cfg["agent_path"].(string); ok && p != "" {
		agentPath = p
	} else if abs, err := filepath.Abs("agent/target/release/kerneld-agent"); err == nil {
		agentPath = abs
	}

	interruptDir := filepath.Join(os.TempDir(), "kerneld-interrupt")
	if d, ok := cfg["interrupt_dir"].(string); ok && d != "" {
		interruptDir = d
	}
	if err := os.MkdirAll(interruptDir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", interruptDir).Msg("failed to create interrupt dir, interrupt channel disabled")
		interruptDir = ""
	}

	return &Driver{cli: cli, hostAgentPath: agentPath, interruptDir: interruptDir}, nil
}

func init() {
	driver.RegisterDriver(DriverName, New)
}

func (d *Driver) DriverName() string { return DriverName }

func (d *Driver) Healthy(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Driver) Close() error { return d.cli.Close() }

func cleanupOrphans(cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("sweeping orphaned kernel containers from a previous run")
	list, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to list orphaned kernel containers")
		return
	}

	count := 0
	for _, c := range list {
		if err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn().Str("id", c.ID).Err(err).Msg("failed to remove orphaned kernel container")
			continue
		}
		count++
	}
	log.Info().Int("count", count).Msg("orphan sweep complete")
}

func (d *Driver) Create(ctx context.Context, cfg driver.KernelConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if cfg.Mode != driver.ModeSandboxed {
		return "", fmt.Errorf("%w: container driver only serves sandboxed kernels", driver.ErrInvalidConfig)
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: d.hostAgentPath, Target: AgentBinaryPath, ReadOnly: true},
			{Type: mount.TypeTmpfs, Target: "/tmp"},
			{Type: mount.TypeTmpfs, Target: "/output"},
		},
	}

	if cfg.Filesystem.Enabled && cfg.Filesystem.HostRoot != "" {
		guest := cfg.Filesystem.GuestMount
		if guest == "" {
			guest = "/workspace"
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: cfg.Filesystem.HostRoot,
			Target: guest,
		})
	}

	if d.interruptDir != "" {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: d.interruptDir,
			Target: InterruptMount,
		})
	}

	if len(cfg.Capabilities.Net) == 0 {
		hostConfig.NetworkMode = "none"
	}

	env := []string{
		"KERNELD_MODE=sandboxed",
		"KERNELD_LANGUAGE=" + string(cfg.Language),
	}
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	image := imageFor(cfg.Language)
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, image); client.IsErrNotFound(err) {
		log.Info().Str("image", image).Msg("image not found locally, pulling")
		reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
		if err != nil {
			return "", fmt.Errorf("pull image %s: %w", image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	} else if err != nil {
		return "", fmt.Errorf("inspect image: %w", err)
	}

	labels := cfg.Labels
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[ManagedLabel] = "true"

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  image,
			Cmd:    []string{"tail", "-f", "/dev/null"},
			Env:    env,
			Labels: labels,
		},
		hostConfig, nil, nil, "",
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if d.interruptDir != "" {
		if err := d.provisionInterruptFile(resp.ID); err != nil {
			log.Warn().Err(err).Str("id", resp.ID).Msg("failed to provision interrupt channel, continuing without it")
		}
	}

	for _, file := range cfg.Context {
		data, err := base64.StdEncoding.DecodeString(file.ContentBase64)
		if err != nil {
			log.Error().Err(err).Str("path", file.Path).Msg("failed to decode context file")
			continue
		}
		if err := d.PutFile(ctx, resp.ID, file.Path, bytes.NewReader(data)); err != nil {
			d.Stop(ctx, resp.ID)
			return "", fmt.Errorf("inject file %s: %w", file.Path, err)
		}
	}

	return resp.ID, nil
}

// provisionInterruptFile creates the kernel's interrupt byte (a single
// zero) on the host at interruptDir/<container id>, exposed to callers
// via InterruptPath. Docker does not support adding mounts after create,
// so the file is not mounted on its own: Create bind-mounts the whole
// interruptDir, shared across all kernels on this host, at
// InterruptMount, where the guest finds its byte under its container ID.
func (d *Driver) provisionInterruptFile(id string) error {
	path := filepath.Join(d.interruptDir, id)
	return os.WriteFile(path, []byte{0}, 0o644)
}

func (d *Driver) InterruptPath(ctx context.Context, id string) (string, error) {
	if d.interruptDir == "" {
		return "", driver.ErrNotSupported
	}
	path := filepath.Join(d.interruptDir, id)
	if _, err := os.Stat(path); err != nil {
		return "", driver.ErrNotSupported
	}
	return path, nil
}

func (d *Driver) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (d *Driver) Stop(ctx context.Context, id string) error {
	opts := types.ContainerRemoveOptions{Force: true, RemoveVolumes: true}
	if err := d.cli.ContainerRemove(ctx, id, opts); err != nil {
		if client.IsErrNotFound(err) {
			return driver.ErrKernelNotFound
		}
		return fmt.Errorf("remove container: %w", err)
	}
	if d.interruptDir != "" {
		os.Remove(filepath.Join(d.interruptDir, id))
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, driver.ErrKernelNotFound
		}
		return nil, err
	}
	if !info.State.Running {
		return nil, driver.ErrKernelNotRunning
	}

	execConfig := types.ExecConfig{
		Cmd:          []string{AgentBinaryPath},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	execIDResp, err := d.cli.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}
	resp, err := d.cli.ContainerExecAttach(ctx, execIDResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	return newStream(resp), nil
}

func (d *Driver) Info(ctx context.Context, id string) (*driver.KernelInfo, error) {
	json, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, driver.ErrKernelNotFound
		}
		return nil, err
	}

	state := driver.StateStopped
	switch {
	case json.State.Running:
		state = driver.StateReady
	case json.State.Dead, json.State.OOMKilled:
		state = driver.StateError
	}

	created, _ := time.Parse(time.RFC3339Nano, json.Created)
	return &driver.KernelInfo{
		ID:         json.ID,
		State:      state,
		CreatedAt:  created,
		DriverType: DriverName,
	}, nil
}

func (d *Driver) List(ctx context.Context, states []driver.KernelState) ([]*driver.KernelInfo, error) {
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, err
	}

	var results []*driver.KernelInfo
	for _, c := range containers {
		state := driver.StateStopped
		if c.State == "running" {
			state = driver.StateReady
		}
		results = append(results, &driver.KernelInfo{ID: c.ID, State: state, DriverType: DriverName})
	}
	return results, nil
}

// stream de-multiplexes the Docker exec-attach wire format (8-byte frame
// headers ahead of each chunk) into a clean io.ReadWriteCloser carrying
// only the agent's stdout, matching the raw bidirectional stream the
// protocol package expects.
type stream struct {
	resp   types.HijackedResponse
	reader *io.PipeReader
	writer *io.PipeWriter
}

func newStream(resp types.HijackedResponse) *stream {
	pr, pw := io.Pipe()
	s := &stream{resp: resp, reader: pr, writer: pw}
	go s.demux()
	return s
}

func (s *stream) demux() {
	defer s.writer.Close()
	for {
		header := make([]byte, 8)
		if _, err := io.ReadFull(s.resp.Reader, header); err != nil {
			return
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size < 0 {
			return
		}
		switch header[0] {
		case 1: // stdout
			if _, err := io.CopyN(s.writer, s.resp.Reader, int64(size)); err != nil {
				return
			}
		case 2: // stderr — keep out of the protocol stream
			io.CopyN(os.Stderr, s.resp.Reader, int64(size))
		default:
			io.CopyN(io.Discard, s.resp.Reader, int64(size))
		}
	}
}

func (s *stream) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }
func (s *stream) Close() error {
	s.resp.Close()
	s.writer.Close()
	return nil
}
