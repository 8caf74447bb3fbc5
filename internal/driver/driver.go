// Package driver defines the abstraction layer for kernel backends — the
// "mode" axis of the (mode, language) kernel type. A Driver provisions and
// connects to the isolated environment a kernel runs in; everything above
// Connect (the execute/stream protocol) is spoken over the returned
// io.ReadWriteCloser using package protocol.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Sentinel errors returned by Driver implementations.
var (
	// ErrKernelNotFound indicates the requested kernel does not exist at
	// the driver level (distinct from manager.ErrNotFound, which is the
	// caller-facing namespaced-ID lookup failure).
	ErrKernelNotFound = errors.New("driver: kernel not found")

	// ErrKernelAlreadyRunning indicates an attempt to start an already
	// running kernel.
	ErrKernelAlreadyRunning = errors.New("driver: kernel already running")

	// ErrKernelNotRunning indicates an attempt to connect to or stop a
	// non-running kernel.
	ErrKernelNotRunning = errors.New("driver: kernel not running")

	// ErrConnectionFailed indicates failure to establish a connection to
	// the driver-side agent/interpreter.
	ErrConnectionFailed = errors.New("driver: failed to connect")

	// ErrResourceExhausted indicates no resources are available to
	// provision a new kernel.
	ErrResourceExhausted = errors.New("driver: resource limit exhausted")

	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("driver: invalid kernel configuration")

	// ErrNotSupported indicates an operation this driver does not
	// implement (e.g. filesystem access from the in-process driver).
	ErrNotSupported = errors.New("driver: operation not supported")
)

// Mode is the execution isolation axis of a kernel type.
type Mode string

const (
	ModeInProcess Mode = "in-process"
	ModeSandboxed Mode = "sandboxed"
)

// Language is the interpreter axis of a kernel type.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavascript Language = "javascript"
)

// KernelState mirrors the provisioning-level lifecycle state of a kernel
// (distinct from protocol.Status, which is the interpreter's own status).
type KernelState string

const (
	StateCreating KernelState = "creating"
	StateReady    KernelState = "ready"
	StateStopping KernelState = "stopping"
	StateStopped  KernelState = "stopped"
	StateError    KernelState = "error"
)

// FileInjection is a file to write into the kernel's filesystem at boot.
type FileInjection struct {
	Path          string `json:"path"`
	ContentBase64 string `json:"content_base64"`
}

// FileEntry describes one file or directory inside a kernel's filesystem.
type FileEntry struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Mode         int64     `json:"mode"`
	IsDir        bool      `json:"is_dir"`
	LastModified time.Time `json:"last_modified"`
}

// FilesystemMount describes a host directory mounted into the kernel.
type FilesystemMount struct {
	Enabled    bool   `json:"enabled"`
	HostRoot   string `json:"host_root,omitempty"`
	GuestMount string `json:"guest_mount,omitempty"`
}

// Capabilities are the per-kernel capability grants: path read/write
// lists, a network allow-list, env-var and subprocess allow-lists.
type Capabilities struct {
	Read []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
	Net   []string `json:"net,omitempty"`
	Env   []string `json:"env,omitempty"`
	Run   []string `json:"run,omitempty"`
}

// IsDefault reports whether these capabilities are the zero grant set —
// used by the pool's eligibility check.
func (c Capabilities) IsDefault() bool {
	return len(c.Read) == 0 && len(c.Write) == 0 && len(c.Net) == 0 && len(c.Env) == 0 && len(c.Run) == 0
}

// KernelConfig is the provisioning contract between the manager and a
// Driver implementation. It corresponds to the "options" field of the
// Kernel Instance's recorded options.
type KernelConfig struct {
	Mode     Mode     `json:"mode"`
	Language Language `json:"language"`

	Filesystem   FilesystemMount   `json:"filesystem"`
	Capabilities Capabilities      `json:"capabilities"`
	Env          map[string]string `json:"env,omitempty"`
	StartupScript string           `json:"startup_script,omitempty"`

	InactivityTimeout time.Duration `json:"inactivity_timeout"`
	MaxExecutionTime  time.Duration `json:"max_execution_time"`

	Context []FileInjection `json:"context,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// UsesNonDefaultConfig reports whether this config would make the pool
// skip a warm instance.
func (c KernelConfig) UsesNonDefaultConfig() bool {
	return c.Filesystem.Enabled ||
		!c.Capabilities.IsDefault() ||
		c.InactivityTimeout != 0 ||
		c.MaxExecutionTime != 0 ||
		len(c.Env) > 0
}

// Validate checks that mode and language are set and known. It does not
// modify the configuration.
func (c *KernelConfig) Validate() error {
	if c.Mode == "" {
		return fmt.Errorf("%w: mode is required", ErrInvalidConfig)
	}
	if c.Language == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidConfig)
	}
	if c.Mode != ModeInProcess && c.Mode != ModeSandboxed {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.Language != LanguagePython && c.Language != LanguageJavascript {
		return fmt.Errorf("%w: unknown language %q", ErrInvalidConfig, c.Language)
	}
	return nil
}

// KernelInfo is driver-level runtime information about a provisioned
// kernel.
type KernelInfo struct {
	ID         string      `json:"id"`
	State      KernelState `json:"state"`
	CreatedAt  time.Time   `json:"created_at"`
	Config     KernelConfig `json:"config"`
	DriverType string      `json:"driver_type"`
	Error      string      `json:"error,omitempty"`
}

// Driver is the abstraction interface for kernel backends. Implementations
// must be safe for concurrent use.
//
// Lifecycle: Create → Start → Connect (repeatable) → Stop.
type Driver interface {
	// Create provisions a new kernel environment for cfg and returns a
	// driver-local ID. The kernel is not started.
	Create(ctx context.Context, cfg KernelConfig) (id string, err error)

	// Start boots a previously created kernel and waits for the
	// driver-side agent/interpreter to become connectable.
	Start(ctx context.Context, id string) error

	// Stop terminates a kernel and releases all associated resources.
	// Not idempotent: stopping a kernel the driver no longer knows
	// (including one already stopped) returns ErrKernelNotFound.
	Stop(ctx context.Context, id string) error

	// Connect establishes a bidirectional stream to the kernel's
	// interpreter/agent. The caller speaks package protocol over it.
	Connect(ctx context.Context, id string) (io.ReadWriteCloser, error)

	// InterruptPath returns a filesystem path to the shared interrupt
	// byte for this kernel, if this driver and kernel support one.
	// Returns "" and ErrNotSupported when unsupported — this must never
	// fail kernel creation.
	InterruptPath(ctx context.Context, id string) (string, error)

	// ListFiles, PutFile, GetFile implement the filesystem supplement
	// inside the kernel. Drivers without a separate kernel filesystem return
	// ErrNotSupported.
	ListFiles(ctx context.Context, id, path string) ([]*FileEntry, error)
	PutFile(ctx context.Context, id, path string, content io.Reader) error
	GetFile(ctx context.Context, id, path string) (io.ReadCloser, error)

	// Info returns runtime information about a kernel.
	Info(ctx context.Context, id string) (*KernelInfo, error)

	// List returns all kernels managed by this driver.
	List(ctx context.Context, states []KernelState) ([]*KernelInfo, error)

	// DriverName identifies this driver implementation (e.g. "container",
	// "subprocess").
	DriverName() string

	// Healthy performs a health check on the driver's backend.
	Healthy(ctx context.Context) error

	// Close releases resources held by the driver itself.
	Close() error
}

// Factory creates a Driver instance from free-form configuration.
type Factory func(cfg map[string]any) (Driver, error)

var registry = make(map[string]Factory)

// RegisterDriver registers a driver factory under name. Called from the
// init() function of driver implementations.
func RegisterDriver(name string, factory Factory) {
	registry[name] = factory
}

// NewDriver constructs a Driver using the registered factory for name.
func NewDriver(name string, cfg map[string]any) (Driver, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("driver: unknown driver %q", name)
	}
	return factory(cfg)
}

// AvailableDrivers lists the names of all registered drivers.
func AvailableDrivers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
