package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PoolConfig bounds the subprocess pool.
type PoolConfig struct {
	// MaxGlobal caps live servers across all users. Default: 50.
	MaxGlobal int

	// MaxPerUser caps live servers for a single user. Default: 5.
	MaxPerUser int

	// IdleTimeout is the grace period before an unreferenced server is
	// stopped. Default: 5 min.
	IdleTimeout time.Duration

	// SweepInterval is the cleanup cadence. Default: 1 min.
	SweepInterval time.Duration

	// StopGrace is how long Shutdown waits before SIGKILL. Default: 5 s.
	StopGrace time.Duration
}

// CapacityError is returned when acquiring a server would exceed a cap.
type CapacityError struct {
	Scope string // "global" or "user"
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("mcp: %s tool server limit reached (%d)", e.Scope, e.Limit)
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	LiveServers int
	TotalRefs   int
	IdleAges    map[string]time.Duration
}

// toolServer is the per-entry surface the pool manages. *Client implements
// it; tests substitute fakes through the pool's start hook.
type toolServer interface {
	Tools() []Tool
	CallTool(ctx context.Context, tool string, args json.RawMessage) (string, error)
	State() State
	Stop(grace time.Duration)
}

// Gauge receives the live-server count after every change.
type Gauge interface {
	Set(float64)
}

type entryKey struct {
	userID string
	server string
}

type entry struct {
	client   toolServer
	refs     int
	lastUsed time.Time
}

// Pool manages external tool server subprocesses keyed by (user, server).
// Servers are started lazily on acquire, shared within a user, and reaped by
// a background sweeper once unreferenced past the idle timeout.
type Pool struct {
	config PoolConfig
	logger *slog.Logger
	gauge  Gauge

	mu      sync.Mutex
	entries map[entryKey]*entry
	closed  bool

	start func(ctx context.Context, name string, cfg ServerConfig) (toolServer, error)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates the pool and starts its sweeper. gauge may be nil.
func NewPool(config PoolConfig, logger *slog.Logger, gauge Gauge) *Pool {
	if config.MaxGlobal <= 0 {
		config.MaxGlobal = 50
	}
	if config.MaxPerUser <= 0 {
		config.MaxPerUser = 5
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if config.StopGrace <= 0 {
		config.StopGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		config:  config,
		logger:  logger.With("component", "mcp_pool"),
		gauge:   gauge,
		entries: make(map[entryKey]*entry),
		done:    make(chan struct{}),
	}
	p.start = func(ctx context.Context, name string, cfg ServerConfig) (toolServer, error) {
		client := NewClient(name, cfg, logger)
		if err := client.Start(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}

	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// Handle is a user's lease on a set of servers. Close releases it.
type Handle struct {
	pool    *Pool
	userID  string
	servers []string

	once sync.Once
}

// Acquire starts or reuses one server per config entry and bumps refcounts.
// On any failure the partial acquisition is rolled back.
func (p *Pool) Acquire(ctx context.Context, userID string, servers map[string]ServerConfig) (*Handle, error) {
	handle := &Handle{pool: p, userID: userID}

	// Deterministic start order keeps cap errors stable.
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := p.acquireOne(ctx, userID, name, servers[name]); err != nil {
			p.Release(handle)
			return nil, err
		}
		handle.servers = append(handle.servers, name)
	}
	return handle, nil
}

func (p *Pool) acquireOne(ctx context.Context, userID, name string, cfg ServerConfig) error {
	key := entryKey{userID: userID, server: name}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("mcp: pool is shut down")
	}
	if e, ok := p.entries[key]; ok && e.client.State() == StateInitialized {
		e.refs++
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return nil
	}
	// A dead entry is replaced, not restarted.
	if e, ok := p.entries[key]; ok {
		delete(p.entries, key)
		go e.client.Stop(p.config.StopGrace)
	}

	if err := p.checkCapsLocked(userID); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	// Start outside the lock: subprocess launch and handshake are slow.
	client, err := p.start(ctx, name, cfg)
	if err != nil {
		return fmt.Errorf("mcp: start server %s: %w", name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go client.Stop(p.config.StopGrace)
		return fmt.Errorf("mcp: pool is shut down")
	}
	if existing, ok := p.entries[key]; ok && existing.client.State() == StateInitialized {
		// Lost a start race; keep the winner.
		go client.Stop(p.config.StopGrace)
		existing.refs++
		existing.lastUsed = time.Now()
		return nil
	}
	// Concurrent first-time starts all pass the pre-start check; the caps
	// hold only if re-verified at insert time.
	if err := p.checkCapsLocked(userID); err != nil {
		go client.Stop(p.config.StopGrace)
		return err
	}
	p.entries[key] = &entry{client: client, refs: 1, lastUsed: time.Now()}
	p.updateGaugeLocked()
	return nil
}

func (p *Pool) checkCapsLocked(userID string) error {
	live, userLive := 0, 0
	for k := range p.entries {
		live++
		if k.userID == userID {
			userLive++
		}
	}
	if live >= p.config.MaxGlobal {
		return &CapacityError{Scope: "global", Limit: p.config.MaxGlobal}
	}
	if userLive >= p.config.MaxPerUser {
		return &CapacityError{Scope: "user", Limit: p.config.MaxPerUser}
	}
	return nil
}

// Release drops the handle's references. Entries at refcount 0 stay alive
// until the sweeper reaps them after the idle timeout.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, name := range h.servers {
			key := entryKey{userID: h.userID, server: name}
			if e, ok := p.entries[key]; ok {
				if e.refs > 0 {
					e.refs--
				}
				e.lastUsed = time.Now()
			}
		}
	})
}

// Tools returns the union of discovered tools across the handle's servers,
// names prefixed for unambiguous routing.
func (h *Handle) Tools() []Tool {
	var out []Tool
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	for _, name := range h.servers {
		e, ok := h.pool.entries[entryKey{userID: h.userID, server: name}]
		if !ok {
			continue
		}
		for _, t := range e.client.Tools() {
			out = append(out, Tool{
				Name:        JoinToolName(name, t.Name),
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return out
}

// Servers returns the server names this handle covers.
func (h *Handle) Servers() []string {
	return h.servers
}

// Call dispatches a prefixed tool name to its server.
func (h *Handle) Call(ctx context.Context, fullName string, args json.RawMessage) (string, error) {
	server, tool, ok := SplitToolName(fullName)
	if !ok {
		return "", fmt.Errorf("mcp: malformed tool name %q", fullName)
	}

	h.pool.mu.Lock()
	e, found := h.pool.entries[entryKey{userID: h.userID, server: server}]
	if found {
		e.lastUsed = time.Now()
	}
	h.pool.mu.Unlock()
	if !found {
		return "", fmt.Errorf("mcp: server %s not acquired", server)
	}
	return e.client.CallTool(ctx, tool, args)
}

// Close releases the handle.
func (h *Handle) Close() {
	h.pool.Release(h)
}

// Stats reports live servers, total refcounts, and per-server idle ages.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{IdleAges: make(map[string]time.Duration, len(p.entries))}
	now := time.Now()
	for key, e := range p.entries {
		stats.LiveServers++
		stats.TotalRefs += e.refs
		stats.IdleAges[key.userID+"/"+key.server] = now.Sub(e.lastUsed)
	}
	return stats
}

// Shutdown stops the sweeper and all servers. Each server gets the stop
// grace before SIGKILL.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	victims := make([]toolServer, 0, len(p.entries))
	for key, e := range p.entries {
		victims = append(victims, e.client)
		delete(p.entries, key)
	}
	p.updateGaugeLocked()
	p.mu.Unlock()

	close(p.done)

	var wg sync.WaitGroup
	for _, client := range victims {
		wg.Add(1)
		go func(c toolServer) {
			defer wg.Done()
			c.Stop(p.config.StopGrace)
		}(client)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline reached before all tool servers stopped")
	}

	p.wg.Wait()
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.done:
			return
		}
	}
}

// sweep stops entries that are unreferenced past the idle timeout, and
// clears out entries whose subprocess already died.
func (p *Pool) sweep() {
	now := time.Now()
	var victims []toolServer

	p.mu.Lock()
	for key, e := range p.entries {
		dead := e.client.State() != StateInitialized
		idle := e.refs == 0 && now.Sub(e.lastUsed) > p.config.IdleTimeout
		if dead || idle {
			victims = append(victims, e.client)
			delete(p.entries, key)
			p.logger.Info("reaping tool server", "user_id", key.userID, "server", key.server, "dead", dead)
		}
	}
	p.updateGaugeLocked()
	p.mu.Unlock()

	for _, client := range victims {
		client.Stop(p.config.StopGrace)
	}
}

func (p *Pool) updateGaugeLocked() {
	if p.gauge != nil {
		p.gauge.Set(float64(len(p.entries)))
	}
}
