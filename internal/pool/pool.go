// Package pool implements the warm kernel pool: idle,
// default-configuration kernels kept ready per (mode, language) so that
// Create can hand one out immediately instead of paying interpreter
// boot latency on every request.
package pool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kernelforge/kerneld/internal/driver"
	"github.com/kernelforge/kerneld/internal/kernel"
)

func newID() string { return uuid.NewString() }

// Key identifies one warm pool bucket.
type Key struct {
	Mode     driver.Mode     `json:"mode"`
	Language driver.Language `json:"language"`
}

// Pool maintains idle kernel instances per (mode, language), refilling
// asynchronously up to size after each take when autoRefill is on.
type Pool struct {
	mu      sync.Mutex
	idle    map[Key][]*kernel.Kernel
	size    int
	auto    bool
	drivers map[driver.Mode]driver.Driver
	log     zerolog.Logger

	refilling map[Key]bool
}

// New creates a pool that keeps up to size idle kernels per bucket,
// provisioning them through drivers (keyed by mode). With autoRefill
// off, buckets only refill through explicit Warm calls.
func New(drivers map[driver.Mode]driver.Driver, size int, autoRefill bool, log zerolog.Logger) *Pool {
	return &Pool{
		idle:      make(map[Key][]*kernel.Kernel),
		size:      size,
		auto:      autoRefill,
		drivers:   drivers,
		log:       log,
		refilling: make(map[Key]bool),
	}
}

// Take returns a warm kernel for cfg if one is idle and cfg uses only
// default options, else (nil, false). On success it assigns a fresh
// internal ID and, when auto-refill is on, schedules a background
// top-up of the bucket.
func (p *Pool) Take(cfg driver.KernelConfig) (*kernel.Kernel, bool) {
	if cfg.UsesNonDefaultConfig() {
		return nil, false
	}
	k := Key{cfg.Mode, cfg.Language}

	p.mu.Lock()
	bucket := p.idle[k]
	if len(bucket) == 0 {
		p.mu.Unlock()
		return nil, false
	}
	kern := bucket[0]
	p.idle[k] = bucket[1:]
	p.mu.Unlock()

	kern.ID = newID()
	if p.auto {
		go p.refill(k)
	}
	return kern, true
}

// Put returns an idle kernel to the pool for future Take calls. If the
// bucket is already at capacity the kernel is destroyed instead.
func (p *Pool) Put(ctx context.Context, k *kernel.Kernel) {
	bucketKey := Key{k.Config.Mode, k.Config.Language}
	k.FromPool = false

	p.mu.Lock()
	if len(p.idle[bucketKey]) >= p.size {
		p.mu.Unlock()
		k.Destroy(ctx)
		return
	}
	p.idle[bucketKey] = append(p.idle[bucketKey], k)
	p.mu.Unlock()
}

// refill tops up one bucket by one kernel if it is below capacity and no
// refill for that bucket is already in flight. Runs without holding any
// lock across the (slow) kernel boot.
func (p *Pool) refill(k Key) {
	p.mu.Lock()
	if p.refilling[k] || len(p.idle[k]) >= p.size {
		p.mu.Unlock()
		return
	}
	p.refilling[k] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.refilling[k] = false
		p.mu.Unlock()
	}()

	drv, ok := p.drivers[k.Mode]
	if !ok {
		p.log.Warn().Str("mode", string(k.Mode)).Msg("pool: no driver registered for mode, cannot refill")
		return
	}

	cfg := driver.KernelConfig{Mode: k.Mode, Language: k.Language}
	kern, err := kernel.New(context.Background(), drv, cfg, p.log)
	if err != nil {
		p.log.Warn().Err(err).Str("mode", string(k.Mode)).Str("language", string(k.Language)).Msg("pool: refill failed")
		return
	}

	p.mu.Lock()
	if len(p.idle[k]) >= p.size {
		p.mu.Unlock()
		kern.Destroy(context.Background())
		return
	}
	p.idle[k] = append(p.idle[k], kern)
	p.mu.Unlock()
}

// Warm fills every bucket named in targets up to size, one kernel at a
// time per bucket. Intended to be called once at startup for the
// configured preload keys.
func (p *Pool) Warm(targets []Key) {
	for _, k := range targets {
		go func(k Key) {
			for i := 0; i < p.size; i++ {
				p.refill(k)
			}
		}(k)
	}
}

// Stats reports the idle count and cap per bucket for the pool-stats
// operation.
type Stats struct {
	Mode      driver.Mode     `json:"mode"`
	Language  driver.Language `json:"language"`
	Available int             `json:"available"`
	Cap       int             `json:"cap"`
}

func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stats, 0, len(p.idle))
	for k, bucket := range p.idle {
		out = append(out, Stats{Mode: k.Mode, Language: k.Language, Available: len(bucket), Cap: p.size})
	}
	return out
}

// DestroyAll tears down every idle kernel across all buckets, used on
// shutdown.
func (p *Pool) DestroyAll(ctx context.Context) {
	p.mu.Lock()
	all := p.idle
	p.idle = make(map[Key][]*kernel.Kernel)
	p.mu.Unlock()

	for _, bucket := range all {
		for _, k := range bucket {
			k.Destroy(ctx)
		}
	}
}
