// Package manager implements the kernel manager and its execution
// tracker: namespaced kernel lifecycle, pool-backed creation,
// inactivity eviction, stall surfacing, and the event
// subscription table consumed by the API layer.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kernelforge/kerneld/internal/driver"
	"github.com/kernelforge/kerneld/internal/kernel"
	"github.com/kernelforge/kerneld/internal/pool"
	"github.com/kernelforge/kerneld/internal/protocol"
)

// Sentinel errors returned by Manager methods.
var (
	ErrNotFound       = errors.New("manager: kernel not found")
	ErrAlreadyExists  = errors.New("manager: kernel id already exists")
	ErrInvalidID      = errors.New("manager: id may not contain ':'")
	ErrModeNotAllowed = errors.New("manager: mode not allowed by policy")
	ErrLangNotAllowed = errors.New("manager: language not allowed by policy")
	ErrKernelLimit    = errors.New("manager: live kernel limit reached")
)

// maxHandlersPerKey bounds how many handlers may be registered for one
// (kernel, event type) pair.
const maxHandlersPerKey = 128

// Policy restricts which (mode, language) combinations may be created
// and caps the number of live kernels. A nil or empty Allowed slice
// means no type restriction; MaxKernels 0 means unlimited.
type Policy struct {
	Allowed    []AllowedKind
	MaxKernels int
}

// Defaults are the per-kernel clocks applied when a create request
// leaves them unset. A zero default disables the corresponding timer
// entirely.
type Defaults struct {
	InactivityTimeout time.Duration
	MaxExecutionTime  time.Duration
}

type AllowedKind struct {
	Mode     driver.Mode
	Language driver.Language
}

func (p Policy) permits(mode driver.Mode, lang driver.Language) error {
	if len(p.Allowed) == 0 {
		return nil
	}
	for _, a := range p.Allowed {
		if a.Mode == mode && a.Language == lang {
			return nil
		}
	}
	for _, a := range p.Allowed {
		if a.Mode == mode {
			return ErrLangNotAllowed
		}
	}
	return ErrModeNotAllowed
}

// entry is the manager's bookkeeping record for one namespaced kernel.
type entry struct {
	k            *kernel.Kernel
	namespace    string
	base         string
	lastActivity time.Time
	timer        *time.Timer
	mu           sync.Mutex
}

// qualifiedID composes the effective kernel ID: the ":" delimiter only
// appears when a namespace was supplied.
func qualifiedID(namespace, base string) string {
	if namespace == "" {
		return base
	}
	return namespace + ":" + base
}

func (e *entry) fullID() string { return qualifiedID(e.namespace, e.base) }

// handlerEntry is one registered event subscriber.
type handlerEntry struct {
	id int
	fn func(fullID string, evt *protocol.Event)
}

// handlerTable is the three-level subscription map: kernel ID ("" =
// every kernel) → event kind ("" = every kind) → handlers. Handler
// identity is an integer handle so a single registration can be removed
// without relying on function equality.
type handlerTable map[string]map[protocol.EventKind][]*handlerEntry

// Manager owns every live kernel, namespaced by caller-chosen prefix.
type Manager struct {
	drivers  map[driver.Mode]driver.Driver
	pool     *pool.Pool
	policy   Policy
	defaults Defaults
	log      zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry // fullID -> entry

	subMu    sync.Mutex
	handlers handlerTable
	nextSub  int
}

// New constructs a Manager. drivers maps each supported mode to its
// driver implementation; p may be nil to disable pooling.
func New(drivers map[driver.Mode]driver.Driver, p *pool.Pool, policy Policy, defaults Defaults, log zerolog.Logger) *Manager {
	return &Manager{
		drivers:  drivers,
		pool:     p,
		policy:   policy,
		defaults: defaults,
		log:      log,
		entries:  make(map[string]*entry),
		handlers: make(handlerTable),
	}
}

// resolveClocks fills unset per-kernel timers from the manager-wide
// defaults. Called after the pool-eligibility decision, which must see
// the caller's raw configuration.
func (m *Manager) resolveClocks(cfg driver.KernelConfig) driver.KernelConfig {
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = m.defaults.InactivityTimeout
	}
	if cfg.MaxExecutionTime == 0 {
		cfg.MaxExecutionTime = m.defaults.MaxExecutionTime
	}
	return cfg
}

// Create provisions a new kernel under namespace/base, taking a warm
// instance from the pool when eligible or provisioning fresh
// otherwise.
func (m *Manager) Create(ctx context.Context, namespace, base string, cfg driver.KernelConfig) (string, error) {
	if strings.Contains(base, ":") {
		return "", ErrInvalidID
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := m.policy.permits(cfg.Mode, cfg.Language); err != nil {
		return "", err
	}

	fullID := qualifiedID(namespace, base)
	m.mu.Lock()
	if _, exists := m.entries[fullID]; exists {
		m.mu.Unlock()
		return "", ErrAlreadyExists
	}
	if m.policy.MaxKernels > 0 && len(m.entries) >= m.policy.MaxKernels {
		m.mu.Unlock()
		return "", ErrKernelLimit
	}
	m.mu.Unlock()

	resolved := m.resolveClocks(cfg)

	var kern *kernel.Kernel
	if m.pool != nil {
		if warm, ok := m.pool.Take(cfg); ok {
			warm.Rebrand(resolved)
			kern = warm
		}
	}
	if kern == nil {
		drv, ok := m.drivers[cfg.Mode]
		if !ok {
			return "", fmt.Errorf("%w: no driver registered for mode %q", ErrModeNotAllowed, cfg.Mode)
		}
		k, err := kernel.New(ctx, drv, resolved, m.log)
		if err != nil {
			return "", err
		}
		kern = k
	}

	e := &entry{k: kern, namespace: namespace, base: base, lastActivity: time.Now()}
	kern.Subscribe(func(evt *protocol.Event) { m.onEvent(fullID, evt) })

	m.mu.Lock()
	m.entries[fullID] = e
	m.mu.Unlock()

	m.log.Debug().Str("kernel_id", fullID).Bool("from_pool", kern.FromPool).Msg("manager: kernel created")
	m.scheduleEviction(fullID, e, resolved.InactivityTimeout)
	return fullID, nil
}

func (m *Manager) onEvent(fullID string, evt *protocol.Event) {
	m.subMu.Lock()
	var matched []*handlerEntry
	for _, kernelKey := range [2]string{fullID, ""} {
		byKind := m.handlers[kernelKey]
		matched = append(matched, byKind[evt.Kind]...)
		matched = append(matched, byKind[""]...)
	}
	m.subMu.Unlock()

	for _, h := range matched {
		h.fn(fullID, evt)
	}
}

// scheduleEviction (re)arms the inactivity timer for e. Called on
// create and after every touch. A non-positive timeout disables
// eviction and cancels any armed timer.
func (m *Manager) scheduleEviction(fullID string, e *entry, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if timeout <= 0 {
		return
	}
	e.timer = time.AfterFunc(timeout, func() { m.evict(fullID, timeout) })
}

// evict destroys a kernel that has been idle past its timeout — unless
// an execution is currently in flight, in which case eviction is
// rescheduled for another full interval rather than interrupting work.
func (m *Manager) evict(fullID string, timeout time.Duration) {
	m.mu.RLock()
	e, ok := m.entries[fullID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if e.k.ExecutionInfo().Ongoing > 0 {
		m.log.Debug().Str("kernel_id", fullID).Msg("manager: eviction deferred, execution in flight")
		m.scheduleEviction(fullID, e, timeout)
		return
	}

	m.log.Info().Str("kernel_id", fullID).Msg("manager: evicting idle kernel")
	m.destroyEntry(fullID, e)
}

// touch resets a kernel's inactivity clock, called around every
// operation that counts as activity.
func (m *Manager) touch(fullID string, e *entry, timeout time.Duration) {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
	m.scheduleEviction(fullID, e, timeout)
}

func (m *Manager) lookup(fullID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fullID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Execute runs code to completion on the named kernel.
func (m *Manager) Execute(ctx context.Context, fullID, code string) (*protocol.FinalResult, error) {
	e, err := m.lookup(fullID)
	if err != nil {
		return nil, err
	}
	m.touch(fullID, e, e.k.Config.InactivityTimeout)
	return e.k.Execute(ctx, code)
}

// ExecuteDetached starts an execution on the named kernel and returns
// its execution ID without waiting for completion (fire-and-record).
// Progress is observable via OnKernelEvent.
func (m *Manager) ExecuteDetached(ctx context.Context, fullID, code string) (string, error) {
	e, err := m.lookup(fullID)
	if err != nil {
		return "", err
	}
	m.touch(fullID, e, e.k.Config.InactivityTimeout)
	return e.k.ExecuteDetached(ctx, code)
}

// ExecuteStream starts a streaming execution on the named kernel.
func (m *Manager) ExecuteStream(ctx context.Context, fullID, code string) (<-chan *protocol.Event, error) {
	e, err := m.lookup(fullID)
	if err != nil {
		return nil, err
	}
	m.touch(fullID, e, e.k.Config.InactivityTimeout)
	return e.k.ExecuteStream(ctx, code)
}

// InputReply answers a pending input_request on the named kernel.
func (m *Manager) InputReply(ctx context.Context, fullID, value string) error {
	e, err := m.lookup(fullID)
	if err != nil {
		return err
	}
	return e.k.InputReply(ctx, value)
}

// Interrupt raises the cooperative interrupt signal on the named kernel.
func (m *Manager) Interrupt(ctx context.Context, fullID string) error {
	e, err := m.lookup(fullID)
	if err != nil {
		return err
	}
	return e.k.Interrupt(ctx)
}

// ListFiles, PutFile, GetFile delegate to the named kernel's filesystem
// surface.
func (m *Manager) ListFiles(ctx context.Context, fullID, path string) ([]*driver.FileEntry, error) {
	e, err := m.lookup(fullID)
	if err != nil {
		return nil, err
	}
	return e.k.ListFiles(ctx, path)
}

func (m *Manager) PutFile(ctx context.Context, fullID, path string, content io.Reader) error {
	e, err := m.lookup(fullID)
	if err != nil {
		return err
	}
	return e.k.PutFile(ctx, path, content)
}

func (m *Manager) GetFile(ctx context.Context, fullID, path string) (io.ReadCloser, error) {
	e, err := m.lookup(fullID)
	if err != nil {
		return nil, err
	}
	return e.k.GetFile(ctx, path)
}

// Restart destroys and recreates a kernel under the same full ID and
// configuration.
func (m *Manager) Restart(ctx context.Context, fullID string) error {
	e, err := m.lookup(fullID)
	if err != nil {
		return err
	}
	cfg := e.k.Config
	namespace, base := e.namespace, e.base

	m.destroyEntry(fullID, e)

	_, err = m.Create(ctx, namespace, base, cfg)
	return err
}

// ForceTerminate immediately destroys the named kernel, even mid
// execution, synthesizing a KernelForcedTermination error for any
// in-flight execution (handled inside kernel.Destroy).
func (m *Manager) ForceTerminate(ctx context.Context, fullID string) error {
	e, err := m.lookup(fullID)
	if err != nil {
		return err
	}
	return m.destroyEntry(fullID, e)
}

// Destroy is an alias for ForceTerminate at the manager API surface —
// the manager has no separate "graceful" destroy; in-flight executions
// are always force-terminated.
func (m *Manager) Destroy(ctx context.Context, fullID string) error {
	return m.ForceTerminate(ctx, fullID)
}

func (m *Manager) destroyEntry(fullID string, e *entry) error {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()

	m.mu.Lock()
	delete(m.entries, fullID)
	m.mu.Unlock()

	m.subMu.Lock()
	delete(m.handlers, fullID)
	m.subMu.Unlock()

	return e.k.Destroy(context.Background())
}

// DestroyAll destroys every kernel whose namespace matches filter (""
// matches all namespaces).
func (m *Manager) DestroyAll(ctx context.Context, namespace string) error {
	m.mu.RLock()
	var targets []string
	for fullID, e := range m.entries {
		if namespace == "" || e.namespace == namespace {
			targets = append(targets, fullID)
		}
	}
	m.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, fullID := range targets {
		fullID := fullID
		g.Go(func() error {
			e, err := m.lookup(fullID)
			if err != nil {
				return nil
			}
			return m.destroyEntry(fullID, e)
		})
	}
	return g.Wait()
}

// Info is the caller-facing kernel summary for list/info operations.
type Info struct {
	FullID       string          `json:"id"`
	Namespace    string          `json:"namespace"`
	Mode         driver.Mode     `json:"mode"`
	Language     driver.Language `json:"language"`
	Status       protocol.Status `json:"status"`
	Created      time.Time       `json:"created"`
	LastActivity time.Time       `json:"last_activity"`
	FromPool     bool            `json:"from_pool,omitempty"`

	Ongoing          int   `json:"ongoing"`
	LongestRunningMs int64 `json:"longest_running_ms,omitempty"`
	Stuck            bool  `json:"stuck,omitempty"`
}

// Info returns the summary for one kernel, including its execution
// tracking snapshot (ongoing count, stall flag).
func (m *Manager) Info(fullID string) (Info, error) {
	e, err := m.lookup(fullID)
	if err != nil {
		return Info{}, err
	}
	return m.infoOf(fullID, e), nil
}

func (m *Manager) infoOf(fullID string, e *entry) Info {
	exec := e.k.ExecutionInfo()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		FullID:           fullID,
		Namespace:        e.namespace,
		Mode:             e.k.Config.Mode,
		Language:         e.k.Config.Language,
		Status:           e.k.Status(),
		Created:          e.k.Created,
		LastActivity:     e.lastActivity,
		FromPool:         e.k.FromPool,
		Ongoing:          exec.Ongoing,
		LongestRunningMs: exec.LongestRunningMs,
		Stuck:            exec.Stuck,
	}
}

// List returns every kernel, optionally filtered to one namespace.
func (m *Manager) List(namespace string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.entries))
	for fullID, e := range m.entries {
		if namespace != "" && e.namespace != namespace {
			continue
		}
		out = append(out, m.infoOf(fullID, e))
	}
	return out
}

// PoolStats exposes the backing pool's idle-bucket counts, or nil if
// pooling is disabled.
func (m *Manager) PoolStats() []pool.Stats {
	if m.pool == nil {
		return nil
	}
	return m.pool.Stats()
}

// OnKernelEvent subscribes to events for one kernel (fullID != "") or
// every kernel (fullID == ""), optionally narrowed to one event kind
// (kind != ""). Returns an unsubscribe function; registrations beyond
// the per-key sanity cap are refused and get a no-op unsubscribe.
func (m *Manager) OnKernelEvent(fullID string, kind protocol.EventKind, fn func(fullID string, evt *protocol.Event)) (unsubscribe func()) {
	m.subMu.Lock()
	byKind := m.handlers[fullID]
	if byKind == nil {
		byKind = make(map[protocol.EventKind][]*handlerEntry)
		m.handlers[fullID] = byKind
	}
	if len(byKind[kind]) >= maxHandlersPerKey {
		m.subMu.Unlock()
		m.log.Warn().Str("kernel_id", fullID).Str("kind", string(kind)).Msg("manager: handler cap reached, subscription refused")
		return func() {}
	}
	m.nextSub++
	id := m.nextSub
	byKind[kind] = append(byKind[kind], &handlerEntry{id: id, fn: fn})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		byKind, ok := m.handlers[fullID]
		if !ok {
			return
		}
		list := byKind[kind]
		for i, existing := range list {
			if existing.id == id {
				byKind[kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Listeners reports how many handlers are registered for a (kernel,
// kind) pair.
func (m *Manager) Listeners(fullID string, kind protocol.EventKind) int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return len(m.handlers[fullID][kind])
}
