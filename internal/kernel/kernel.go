// Package kernel implements the kernel instance: the runtime façade
// over one driver-provisioned interpreter, exposing
// Execute, ExecuteStream, InputReply, Interrupt, Status, Destroy and the
// filesystem supplement, independent of pooling or namespacing (both
// handled by package pool and package manager above this layer).
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kernelforge/kerneld/internal/bridge"
	"github.com/kernelforge/kerneld/internal/driver"
	"github.com/kernelforge/kerneld/internal/interrupt"
	"github.com/kernelforge/kerneld/internal/protocol"
)

// Sentinel errors returned by Kernel methods.
var (
	ErrDestroyed             = errors.New("kernel: already destroyed")
	ErrNotInitialized        = errors.New("kernel: driver is gone or never became ready")
	ErrBusy                  = errors.New("kernel: busy with another execution")
	ErrNoPendingInput        = errors.New("kernel: no pending input request")
	ErrInterruptUnsupported  = errors.New("kernel: interrupt not supported for this mode")
	ErrFilesystemUnsupported = errors.New("kernel: filesystem access not supported for this mode")
)

// Ring buffer bound for a streaming execution's event backlog:
// whichever of these two limits is hit first triggers backpressure drop
// of the oldest stream event; non-stream events are never evicted.
const (
	ringMaxBytes  = 4 * 1024
	ringMaxEvents = 256
)

// Kernel is one running interpreter instance. FromPool records whether
// the instance was handed out of the warm pool rather than cold-started;
// it exists for introspection only and carries no behavioral weight.
type Kernel struct {
	ID       string
	Config   driver.KernelConfig
	Created  time.Time
	FromPool bool

	drv      driver.Driver
	driverID string
	bridge   *bridge.Bridge
	log      zerolog.Logger

	interruptCh interrupt.Channel

	mu             sync.Mutex
	status         protocol.Status
	executionCount int
	destroyed      bool
	current        *execution

	subsMu  sync.Mutex
	subs    map[int]func(*protocol.Event)
	nextSub int
}

// execution tracks the in-flight streaming execution, if any. Its event
// backlog is a bounded deque rather than a channel so that overflow can
// evict the oldest stream event specifically — display_data and terminal
// events are never dropped.
type execution struct {
	id          string
	started     time.Time
	done        chan struct{}
	doneOnce    sync.Once
	stalled     bool
	cancelStall context.CancelFunc

	qmu        sync.Mutex
	queue      []*protocol.Event
	queueBytes int
	dropMarker *protocol.BackpressureDropEvent
	notify     chan struct{}
}

// finish closes done exactly once, no matter how many paths race to
// terminate the execution (driver terminal event, DriverGone, Destroy).
func (e *execution) finish() { e.doneOnce.Do(func() { close(e.done) }) }

// push appends evt to the backlog, evicting oldest stream events first
// when either ring bound is exceeded. The first eviction inserts a
// backpressure_drop marker whose count grows with each further drop.
func (e *execution) push(kernelID string, evt *protocol.Event) {
	e.qmu.Lock()
	e.queue = append(e.queue, evt)
	e.queueBytes += eventTextSize(evt)

	for (len(e.queue) > ringMaxEvents || e.queueBytes > ringMaxBytes) && e.evictOldestStream(kernelID) {
	}
	e.qmu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// evictOldestStream removes the first droppable stream event from the
// backlog. Returns false when nothing is droppable, in which case the
// backlog is allowed to exceed its bounds rather than lose a display or
// terminal event.
func (e *execution) evictOldestStream(kernelID string) bool {
	for i, evt := range e.queue {
		if evt.Kind != protocol.KindStream {
			continue
		}
		e.queueBytes -= eventTextSize(evt)
		if e.dropMarker == nil {
			// replace the evicted event with the marker in place, so the
			// consumer sees the gap where output actually went missing.
			e.dropMarker = &protocol.BackpressureDropEvent{}
			e.queue[i] = &protocol.Event{
				Kind:             protocol.KindBackpressureDrop,
				KernelID:         kernelID,
				Parent:           e.id,
				BackpressureDrop: e.dropMarker,
			}
		} else {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
		}
		e.dropMarker.DroppedCount++
		return true
	}
	return false
}

// pop removes and returns the head of the backlog, or nil when empty.
// A backpressure marker is snapshotted on the way out: once delivered
// its count must not change under the consumer, so a later overflow
// burst starts a fresh marker instead.
func (e *execution) pop() *protocol.Event {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	evt := e.queue[0]
	e.queue = e.queue[1:]
	e.queueBytes -= eventTextSize(evt)
	if evt.BackpressureDrop != nil && evt.BackpressureDrop == e.dropMarker {
		frozen := *e.dropMarker
		out := *evt
		out.BackpressureDrop = &frozen
		e.dropMarker = nil
		return &out
	}
	return evt
}

func eventTextSize(evt *protocol.Event) int {
	if evt.Kind == protocol.KindStream && evt.Stream != nil {
		return len(evt.Stream.Text)
	}
	return 0
}

// New provisions and starts a kernel via drv, returning the façade once
// the driver-side interpreter is connectable.
func New(ctx context.Context, drv driver.Driver, cfg driver.KernelConfig, log zerolog.Logger) (*Kernel, error) {
	driverID, err := drv.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("kernel: create: %w", err)
	}
	if err := drv.Start(ctx, driverID); err != nil {
		return nil, fmt.Errorf("kernel: start: %w", err)
	}

	conn, err := drv.Connect(ctx, driverID)
	if err != nil {
		drv.Stop(ctx, driverID)
		return nil, fmt.Errorf("kernel: connect: %w", err)
	}

	k := &Kernel{
		ID:       uuid.NewString(),
		Config:   cfg,
		Created:  time.Now(),
		drv:      drv,
		driverID: driverID,
		status:   protocol.StatusStarting,
		subs:     make(map[int]func(*protocol.Event)),
	}
	k.log = log.With().Str("kernel_id", k.ID).Logger()
	k.bridge = bridge.New(conn, k.ID, k.log, k.dispatch)

	if err := k.provisionInterrupt(ctx); err != nil {
		k.log.Warn().Err(err).Msg("interrupt channel unavailable, continuing without it")
	}

	initParams := map[string]any{
		"read_paths":   cfg.Capabilities.Read,
		"write_paths":  cfg.Capabilities.Write,
		"net_allow":    cfg.Capabilities.Net,
		"env_allow":    cfg.Capabilities.Env,
		"env":          cfg.Env,
		"startup_code": cfg.StartupScript,
	}
	if cfg.Filesystem.Enabled {
		initParams["host_root"] = cfg.Filesystem.HostRoot
		initParams["guest_mount"] = cfg.Filesystem.GuestMount
	}
	resp, err := k.bridge.Call(ctx, "initialize", initParams)
	if err != nil {
		k.Destroy(context.Background())
		return nil, fmt.Errorf("kernel: initialize: %w", err)
	}
	if resp.Error != nil {
		k.Destroy(context.Background())
		return nil, fmt.Errorf("kernel: initialize rejected: %s", resp.Error.Message)
	}

	k.mu.Lock()
	k.status = protocol.StatusIdle
	k.mu.Unlock()
	return k, nil
}

func (k *Kernel) provisionInterrupt(ctx context.Context) error {
	// In-process kernels share the manager's address space; there is no
	// second side to poll a shared byte, so they simply cannot be
	// interrupted and get no channel.
	if k.Config.Mode == driver.ModeInProcess {
		return nil
	}
	path, err := k.drv.InterruptPath(ctx, k.driverID)
	if err != nil {
		if errors.Is(err, driver.ErrNotSupported) {
			return nil
		}
		return err
	}
	ch, err := interrupt.OpenFile(path)
	if err != nil {
		return err
	}
	k.interruptCh = ch
	return nil
}

// Status returns the interpreter-level status.
func (k *Kernel) Status() protocol.Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status
}

// Subscribe registers fn to receive every event this kernel emits,
// including ones outside an active ExecuteStream (e.g. late stream
// output after the stream iterator has been abandoned). Returns an
// unsubscribe function; removal is O(1) by integer handle.
func (k *Kernel) Subscribe(fn func(*protocol.Event)) (unsubscribe func()) {
	k.subsMu.Lock()
	id := k.nextSub
	k.nextSub++
	k.subs[id] = fn
	k.subsMu.Unlock()

	return func() {
		k.subsMu.Lock()
		delete(k.subs, id)
		k.subsMu.Unlock()
	}
}

// dispatch is the bridge.Handler: it fans each incoming event out to
// subscribers and, if a streaming execution is active, into its ring
// buffer. Driver-fatal errors (DriverGone, DriverPanic) carry no parent
// tag — they are adopted by whatever execution is in flight and push the
// kernel into a terminal error status.
func (k *Kernel) dispatch(evt *protocol.Event) {
	evt.KernelID = k.ID

	k.mu.Lock()
	if k.destroyed {
		k.mu.Unlock()
		return
	}
	exec := k.current
	if driverFatal(evt) {
		k.status = protocol.StatusError
		if exec != nil {
			evt.Parent = exec.id
		}
	}
	forExec := exec != nil && evt.Parent == exec.id
	if forExec && evt.IsTerminal() {
		if k.status != protocol.StatusError {
			k.status = protocol.StatusIdle
		}
		k.current = nil
		if exec.cancelStall != nil {
			exec.cancelStall()
		}
	}
	k.mu.Unlock()

	k.subsMu.Lock()
	for _, fn := range k.subs {
		fn(evt)
	}
	k.subsMu.Unlock()

	if forExec {
		exec.push(k.ID, evt)
		if evt.IsTerminal() {
			exec.finish()
		}
	}
}

// driverFatal reports whether evt signals the driver itself died, as
// opposed to a user-code error.
func driverFatal(evt *protocol.Event) bool {
	if evt.Kind != protocol.KindExecuteError || evt.ExecuteError == nil {
		return false
	}
	name := evt.ExecuteError.EName
	return name == protocol.ErrNameDriverGone || name == protocol.ErrNameDriverPanic
}

// Execute runs code to completion and returns the final result. Stream
// text is accumulated into the result's StreamBuffer; display events are
// discarded (callers who need them should use ExecuteStream instead).
func (k *Kernel) Execute(ctx context.Context, code string) (*protocol.FinalResult, error) {
	execID, events, err := k.executeStream(ctx, code)
	if err != nil {
		return nil, err
	}
	var buf strings.Builder
	result := protocol.FinalResult{ExecutionID: execID}
	for evt := range events {
		switch evt.Kind {
		case protocol.KindStream:
			buf.WriteString(evt.Stream.Text)
		case protocol.KindExecuteResult:
			result.Status = "ok"
			result.ExecutionCount = evt.ExecuteResult.ExecutionCount
			result.Data = evt.ExecuteResult.Data
		case protocol.KindExecuteError:
			result.Status = "error"
			result.EName = evt.ExecuteError.EName
			result.EValue = evt.ExecuteError.EValue
			result.Traceback = evt.ExecuteError.Traceback
		}
	}
	if result.Status == "" {
		result.Status = "ok"
	}
	result.StreamBuffer = buf.String()
	return &result, nil
}

// ExecuteStream starts an execution and returns a channel of its events.
// The channel is lazy, finite, and non-restartable: it closes once the
// terminal event has been delivered, and a new call to ExecuteStream is
// required to run again. Only one execution may be in flight at a time;
// a concurrent call returns ErrBusy.
func (k *Kernel) ExecuteStream(ctx context.Context, code string) (<-chan *protocol.Event, error) {
	_, events, err := k.executeStream(ctx, code)
	return events, err
}

// ExecuteDetached starts an execution and returns its ID without waiting
// for completion. Events remain observable through Subscribe; the stream
// itself is drained in the background so the execution can finish even
// with no direct consumer.
func (k *Kernel) ExecuteDetached(ctx context.Context, code string) (string, error) {
	execID, events, err := k.executeStream(ctx, code)
	if err != nil {
		return "", err
	}
	go func() {
		for range events {
		}
	}()
	return execID, nil
}

func (k *Kernel) executeStream(ctx context.Context, code string) (string, <-chan *protocol.Event, error) {
	k.mu.Lock()
	if k.destroyed {
		k.mu.Unlock()
		return "", nil, ErrDestroyed
	}
	if k.status == protocol.StatusError {
		k.mu.Unlock()
		return "", nil, ErrNotInitialized
	}
	if k.current != nil {
		k.mu.Unlock()
		return "", nil, ErrBusy
	}

	execID := uuid.NewString()
	k.executionCount++
	count := k.executionCount
	exec := &execution{
		id:      execID,
		started: time.Now(),
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	k.current = exec
	k.status = protocol.StatusBusy
	k.mu.Unlock()

	if k.Config.MaxExecutionTime > 0 {
		stallCtx, cancel := context.WithCancel(context.Background())
		exec.cancelStall = cancel
		go k.watchStall(stallCtx, exec)
	}

	// the echo of the submitted code is always the first event of an
	// execution; synthesizing it here, before the driver is asked to run
	// anything, guarantees that for every driver.
	k.dispatch(&protocol.Event{
		Kind:         protocol.KindExecuteInput,
		Parent:       execID,
		ExecuteInput: &protocol.ExecuteInputEvent{Code: code, ExecutionCount: count},
	})

	_, err := k.bridge.Call(ctx, "execute", map[string]any{"code": code, "parent": execID})
	if err != nil {
		k.mu.Lock()
		k.current = nil
		k.status = protocol.StatusIdle
		k.mu.Unlock()
		return "", nil, fmt.Errorf("kernel: execute: %w", err)
	}

	out := make(chan *protocol.Event, 8)
	go k.forward(ctx, exec, out)
	return execID, out, nil
}

// forward moves events from the execution's backlog to the consumer's
// channel until the terminal event has been delivered or the consumer
// cancels via ctx. Bookkeeping (clearing current, cancelling the stall
// alarm) lives in dispatch, so abandoning the consumer never wedges the
// kernel.
func (k *Kernel) forward(ctx context.Context, exec *execution, out chan<- *protocol.Event) {
	defer close(out)
	for {
		evt := exec.pop()
		if evt == nil {
			select {
			case <-exec.notify:
				continue
			case <-exec.done:
				// done only closes after the terminal event has been
				// pushed, so one more drain pass sees it.
				if evt = exec.pop(); evt == nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			return
		}
		if evt.IsTerminal() {
			return
		}
	}
}

// ExecInfo is the execution-tracking snapshot surfaced by info(id):
// how many executions are in flight, how long the longest has been
// running, and whether it has tripped its stall alarm.
type ExecInfo struct {
	Ongoing          int   `json:"ongoing"`
	LongestRunningMs int64 `json:"longest_running_ms,omitempty"`
	Stuck            bool  `json:"stuck,omitempty"`
}

// ExecutionInfo reports the current in-flight execution bookkeeping.
func (k *Kernel) ExecutionInfo() ExecInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return ExecInfo{}
	}
	return ExecInfo{
		Ongoing:          1,
		LongestRunningMs: time.Since(k.current.started).Milliseconds(),
		Stuck:            k.current.stalled,
	}
}

// Rebrand rebinds a pool-sourced kernel to the configuration of the
// allocation it is being handed out to: merged options, fresh creation
// timestamp, FromPool set. The destroy path is untouched — it is a
// method on this same instance and survives rebranding by construction.
func (k *Kernel) Rebrand(cfg driver.KernelConfig) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cfg.Mode = k.Config.Mode
	cfg.Language = k.Config.Language
	k.Config = cfg
	k.Created = time.Now()
	k.FromPool = true
}

// watchStall emits execution_stalled once MaxExecutionTime elapses
// without the execution completing. It does not terminate the kernel —
// stall detection is advisory only.
func (k *Kernel) watchStall(ctx context.Context, exec *execution) {
	timer := time.NewTimer(k.Config.MaxExecutionTime)
	defer timer.Stop()
	select {
	case <-timer.C:
		k.mu.Lock()
		already := exec.stalled
		exec.stalled = true
		k.mu.Unlock()
		if !already {
			k.dispatch(&protocol.Event{
				Kind:   protocol.KindExecutionStalled,
				Parent: exec.id,
				ExecutionStalled: &protocol.ExecutionStalledEvent{
					ExecutionID:        exec.id,
					MaxExecutionTimeMs: k.Config.MaxExecutionTime.Milliseconds(),
				},
			})
		}
	case <-ctx.Done():
	}
}

// InputReply answers a pending input_request from the running execution.
func (k *Kernel) InputReply(ctx context.Context, value string) error {
	k.mu.Lock()
	exec := k.current
	k.mu.Unlock()
	if exec == nil {
		return ErrNoPendingInput
	}
	_, err := k.bridge.Call(ctx, "input_reply", map[string]any{"value": value})
	return err
}

// Interrupt raises the cooperative interrupt signal for the in-flight
// execution, if any and if this kernel's mode supports one.
func (k *Kernel) Interrupt(ctx context.Context) error {
	if k.interruptCh == nil {
		return ErrInterruptUnsupported
	}
	return k.interruptCh.Raise()
}

// ListFiles, PutFile, GetFile delegate to the driver's filesystem
// surface, mapping driver.ErrNotSupported to ErrFilesystemUnsupported when the
// driver reports driver.ErrNotSupported.
func (k *Kernel) ListFiles(ctx context.Context, path string) ([]*driver.FileEntry, error) {
	entries, err := k.drv.ListFiles(ctx, k.driverID, path)
	return entries, wrapUnsupported(err)
}

func (k *Kernel) PutFile(ctx context.Context, path string, content io.Reader) error {
	return wrapUnsupported(k.drv.PutFile(ctx, k.driverID, path, content))
}

func (k *Kernel) GetFile(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := k.drv.GetFile(ctx, k.driverID, path)
	return rc, wrapUnsupported(err)
}

func wrapUnsupported(err error) error {
	if errors.Is(err, driver.ErrNotSupported) {
		return ErrFilesystemUnsupported
	}
	return err
}

// Destroy tears down the kernel and its driver resources. Idempotent.
func (k *Kernel) Destroy(ctx context.Context) error {
	k.mu.Lock()
	if k.destroyed {
		k.mu.Unlock()
		return nil
	}
	k.destroyed = true
	exec := k.current
	k.current = nil
	k.mu.Unlock()

	if exec != nil {
		evt := &protocol.Event{
			Kind:     protocol.KindExecuteError,
			KernelID: k.ID,
			Parent:   exec.id,
			ExecuteError: &protocol.ExecuteErrorEvent{
				EName:  protocol.ErrNameKernelForcedTerm,
				EValue: "kernel destroyed while execution was in flight",
			},
		}
		k.subsMu.Lock()
		for _, fn := range k.subs {
			fn(evt)
		}
		k.subsMu.Unlock()
		exec.push(k.ID, evt)
		exec.finish()
		if exec.cancelStall != nil {
			exec.cancelStall()
		}
	}

	if k.interruptCh != nil {
		k.interruptCh.Close()
	}
	if k.bridge != nil {
		k.bridge.Close()
	}
	return k.drv.Stop(ctx, k.driverID)
}
