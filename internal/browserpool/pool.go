// Package browserpool implements the bounded headless-browser pool (C6).
// Each instance is launched with an explicit, recycled debug port rather than
// an ever-incrementing counter (see the port free-list below), grounded on
// the acquire/release/health-check/recycle shape of the flaresolverr-go
// browser pool, stripped of its anti-detection launch flags — an audit
// harness has no reason to evade bot detection on the page it is auditing.
package browserpool

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/auditforge/auditforge/internal/model"
	"github.com/auditforge/auditforge/internal/observability"
)

type Config struct {
	PoolSize      int
	LaunchTimeout time.Duration
	IdleTimeout   time.Duration
	BrowserBin    string
	BasePort      int
}

func DefaultConfig() Config {
	return Config{PoolSize: 5, LaunchTimeout: 30 * time.Second, IdleTimeout: 5 * time.Minute, BasePort: 9400}
}

type instance struct {
	browser   *rod.Browser
	port      int
	idle      bool
	idleSince time.Time
	uses      int64
}

// Pool is the C6 bounded browser pool.
type Pool struct {
	cfg Config
	log zerolog.Logger

	sem chan struct{}

	mu          sync.Mutex
	instances   []*instance
	freePorts   []int
	nextPort    int
	resolvedBin string
	closed      atomic.Bool

	totalUses atomic.Int64
}

func New(cfg Config, log zerolog.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		log:      log.With().Str("component", "browserpool").Logger(),
		sem:      make(chan struct{}, cfg.PoolSize),
		nextPort: cfg.BasePort,
	}
}

// Initialize is idempotent: an explicitly configured browser binary must
// exist, or it returns KindDependencyMissing. With no override it resolves
// the binary from PATH and the platform's conventional install locations;
// if none is found it only logs a warning and returns nil, leaving rod to
// download a managed browser on first launch. Actual browser processes are
// launched lazily on first Acquire.
func (p *Pool) Initialize() error {
	if p.cfg.BrowserBin != "" {
		if _, err := exec.LookPath(p.cfg.BrowserBin); err != nil {
			return model.WrapError(model.KindDependencyMissing, fmt.Sprintf("browser binary %q not found", p.cfg.BrowserBin), err)
		}
		p.mu.Lock()
		p.resolvedBin = p.cfg.BrowserBin
		p.mu.Unlock()
		return nil
	}

	if bin, ok := launcher.LookPath(); ok {
		p.mu.Lock()
		p.resolvedBin = bin
		p.mu.Unlock()
		p.log.Debug().Str("bin", bin).Msg("resolved system browser")
	} else {
		p.log.Warn().Msg("no system browser found; a managed browser will be downloaded on first launch")
	}
	return nil
}

// BrowserInstance is the scoped handle returned by Acquire. Release must be
// called exactly once; calling it more than once is a no-op.
type BrowserInstance struct {
	Browser *rod.Browser
	Port    int

	pool     *Pool
	inst     *instance
	released sync.Once
}

// Release marks the underlying instance idle and frees its semaphore slot,
// guaranteed to run exactly once regardless of the caller's error path.
func (b *BrowserInstance) Release() {
	b.released.Do(func() {
		b.pool.mu.Lock()
		b.inst.idle = true
		b.inst.idleSince = time.Now()
		b.pool.mu.Unlock()
		<-b.pool.sem
		observability.BrowserPoolActive.Dec()
		observability.BrowserPoolIdle.Inc()
	})
}

// Acquire blocks on the pool's semaphore, then returns an idle, still-
// connected instance if one exists, or launches a new one.
func (p *Pool) Acquire(ctx context.Context) (*BrowserInstance, error) {
	if p.closed.Load() {
		return nil, model.NewError(model.KindCapacityExceeded, "browser pool is shut down")
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	for _, inst := range p.instances {
		if !inst.idle {
			continue
		}
		if !p.isConnected(inst.browser) {
			p.dropInstanceLocked(inst)
			continue
		}
		inst.idle = false
		inst.uses++
		p.totalUses.Add(1)
		p.mu.Unlock()
		observability.BrowserPoolIdle.Dec()
		observability.BrowserPoolActive.Inc()
		return &BrowserInstance{Browser: inst.browser, Port: inst.port, pool: p, inst: inst}, nil
	}
	p.mu.Unlock()

	inst, err := p.launch(ctx)
	if err != nil {
		<-p.sem
		return nil, err
	}

	p.mu.Lock()
	inst.uses = 1
	p.instances = append(p.instances, inst)
	p.mu.Unlock()

	p.totalUses.Add(1)
	observability.BrowserPoolActive.Inc()
	observability.BrowserLaunches.Inc()
	return &BrowserInstance{Browser: inst.browser, Port: inst.port, pool: p, inst: inst}, nil
}

// allocatePortLocked pops a recycled debug port if one is free, otherwise
// allocates a new one. Must be called with p.mu held.
func (p *Pool) allocatePortLocked() int {
	if n := len(p.freePorts); n > 0 {
		port := p.freePorts[n-1]
		p.freePorts = p.freePorts[:n-1]
		return port
	}
	port := p.nextPort
	p.nextPort++
	return port
}

func (p *Pool) launch(ctx context.Context) (*instance, error) {
	p.mu.Lock()
	port := p.allocatePortLocked()
	bin := p.resolvedBin
	p.mu.Unlock()

	l := launcher.New().Set("remote-debugging-port", fmt.Sprintf("%d", port)).
		Headless(true).
		Set("no-sandbox").
		Set("disable-dev-shm-usage")
	if bin != "" {
		l = l.Bin(bin)
	}

	type result struct {
		browser *rod.Browser
		err     error
	}
	done := make(chan result, 1)
	go func() {
		controlURL, err := l.Launch()
		if err != nil {
			done <- result{err: model.WrapError(model.KindDependencyMissing, "launching browser instance", err)}
			return
		}
		browser := rod.New().ControlURL(controlURL)
		if err := browser.Connect(); err != nil {
			done <- result{err: model.WrapError(model.KindDependencyMissing, "connecting to browser instance", err)}
			return
		}
		done <- result{browser: browser}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			p.mu.Lock()
			p.freePorts = append(p.freePorts, port)
			p.mu.Unlock()
			return nil, r.err
		}
		return &instance{browser: r.browser, port: port}, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.freePorts = append(p.freePorts, port)
		p.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(p.cfg.LaunchTimeout):
		p.mu.Lock()
		p.freePorts = append(p.freePorts, port)
		p.mu.Unlock()
		return nil, model.NewError(model.KindTimeout, "browser launch timed out")
	}
}

func (p *Pool) isConnected(b *rod.Browser) bool {
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer page.Close()
	return page.Navigate("about:blank") == nil
}

// dropInstanceLocked closes and forgets a dead instance, recycling its port.
func (p *Pool) dropInstanceLocked(target *instance) {
	for i, inst := range p.instances {
		if inst == target {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			break
		}
	}
	p.freePorts = append(p.freePorts, target.port)
	go target.browser.Close()
}

// CleanupIdle closes every instance idle longer than IdleTimeout and
// returns the count closed.
func (p *Pool) CleanupIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	var kept []*instance
	closed := 0
	for _, inst := range p.instances {
		if inst.idle && inst.idleSince.Before(cutoff) {
			p.freePorts = append(p.freePorts, inst.port)
			go inst.browser.Close()
			closed++
			observability.BrowserPoolIdle.Dec()
			continue
		}
		kept = append(kept, inst)
	}
	p.instances = kept
	return closed
}

// Shutdown blocks further acquisitions and closes every instance.
func (p *Pool) Shutdown() {
	p.closed.Store(true)
	p.mu.Lock()
	instances := p.instances
	p.instances = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(b *rod.Browser) {
			defer wg.Done()
			_ = b.Close()
		}(inst.browser)
	}
	wg.Wait()
}

// Stats mirrors section 4.6's {active, idle, total, capacity, total_uses}.
type Stats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Total     int   `json:"total"`
	Capacity  int   `json:"capacity"`
	TotalUses int64 `json:"total_uses"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idle int
	for _, inst := range p.instances {
		if inst.idle {
			idle++
		}
	}
	return Stats{
		Active:    len(p.instances) - idle,
		Idle:      idle,
		Total:     len(p.instances),
		Capacity:  p.cfg.PoolSize,
		TotalUses: p.totalUses.Load(),
	}
}
