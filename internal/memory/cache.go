// ABOUTME: TTL cache of per-device conversation context with bounded reads.
// ABOUTME: Background refresh, write-behind saves, and idempotent prefetch.

package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// backgroundFetchTimeout bounds fetches that keep running after the request
// path stopped waiting for them. Generous on purpose: the result only feeds
// the cache for the next call.
const backgroundFetchTimeout = 30 * time.Second

// warmupProbeID is the throwaway device id used to force the provider to
// establish its connections at startup.
const warmupProbeID = "warmup-probe"

// entry is one cached context. An entry older than the TTL is logically
// absent; eviction is lazy on read.
type entry struct {
	ctx      *Context
	cachedAt time.Time
}

// fetchTask is a single in-flight provider fetch shared by all waiters.
type fetchTask struct {
	done   chan struct{}
	result *Context
	err    error
}

// Cache keeps read latency for conversation context low without blocking the
// request path on slow storage. Reads are bounded by a short fetch timeout;
// anything slower continues in the background and lands for the next call.
type Cache struct {
	mu            sync.Mutex
	provider      Provider
	entries       map[string]*entry
	inflight      map[string]*fetchTask
	refreshTimers map[string]*time.Timer
	saveCancels   map[string]context.CancelFunc
	closed        bool

	ttl           time.Duration
	refreshMargin time.Duration
	fetchTimeout  time.Duration
	saveTimeout   time.Duration

	logger *slog.Logger
}

// NewCache creates a cache over the given provider. ttl bounds entry age,
// refreshMargin schedules the proactive refetch before expiry, fetchTimeout
// bounds request-path reads, saveTimeout bounds background writes.
func NewCache(provider Provider, ttl, refreshMargin, fetchTimeout, saveTimeout time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		provider:      provider,
		entries:       make(map[string]*entry),
		inflight:      make(map[string]*fetchTask),
		refreshTimers: make(map[string]*time.Timer),
		saveCancels:   make(map[string]context.CancelFunc),
		ttl:           ttl,
		refreshMargin: refreshMargin,
		fetchTimeout:  fetchTimeout,
		saveTimeout:   saveTimeout,
		logger:        logger.With("component", "memory-cache"),
	}
}

// GetContext returns the device's conversation context under a hard latency
// ceiling. Three tiers: a live cache entry returns immediately; an in-flight
// fetch is joined up to the fetch timeout; otherwise a fresh fetch is started
// and waited on up to the same bound. A fetch that misses the deadline keeps
// running in the background and caches its result for the next call.
func (c *Cache) GetContext(ctx context.Context, hardwareID string) Result {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{State: StateAbsent}
	}
	if e, ok := c.entries[hardwareID]; ok && time.Since(e.cachedAt) < c.ttl {
		res := e.ctx
		c.mu.Unlock()
		return Result{State: StatePresent, Context: res}
	}

	task, ok := c.inflight[hardwareID]
	if !ok {
		task = c.startFetchLocked(hardwareID)
	}
	c.mu.Unlock()

	select {
	case <-task.done:
		return taskResult(task)
	case <-time.After(c.fetchTimeout):
		c.logger.Debug("context fetch exceeded request-path timeout",
			"hardware_id", hardwareID,
			"timeout", c.fetchTimeout,
		)
		return Result{State: StateTimedOut}
	case <-ctx.Done():
		return Result{State: StateCanceled}
	}
}

// taskResult classifies a settled fetch task.
func taskResult(task *fetchTask) Result {
	switch {
	case task.err != nil:
		return Result{State: StateErrored}
	case task.result == nil:
		return Result{State: StateAbsent}
	default:
		return Result{State: StatePresent, Context: task.result}
	}
}

// startFetchLocked registers and launches a background fetch for the device.
// Must be called with mu held and at most once per device at a time.
func (c *Cache) startFetchLocked(hardwareID string) *fetchTask {
	task := &fetchTask{done: make(chan struct{})}
	c.inflight[hardwareID] = task

	go func() {
		fctx, cancel := context.WithTimeout(context.Background(), backgroundFetchTimeout)
		defer cancel()

		result, err := c.provider.FetchContext(fctx, hardwareID)

		c.mu.Lock()
		delete(c.inflight, hardwareID)
		if err == nil && result != nil && !c.closed {
			result.FetchedAt = time.Now()
			c.entries[hardwareID] = &entry{ctx: result, cachedAt: result.FetchedAt}
			c.armRefreshLocked(hardwareID)
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("context fetch failed", "hardware_id", hardwareID, "error", err)
		}

		task.result = result
		task.err = err
		close(task.done)
	}()

	return task
}

// armRefreshLocked (re)schedules the proactive refetch for the device at
// TTL − margin. Never more than one outstanding timer per device: an existing
// timer is stopped before the new one is armed. Must be called with mu held.
func (c *Cache) armRefreshLocked(hardwareID string) {
	if t, ok := c.refreshTimers[hardwareID]; ok {
		t.Stop()
	}

	d := c.ttl - c.refreshMargin
	if d <= 0 {
		d = c.ttl / 2
	}
	c.refreshTimers[hardwareID] = time.AfterFunc(d, func() {
		c.refresh(hardwareID)
	})
}

// refresh starts a background refetch unless one is already running.
func (c *Cache) refresh(hardwareID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, ok := c.inflight[hardwareID]; ok {
		return
	}
	c.startFetchLocked(hardwareID)
}

// SaveBackground persists a prompt/response exchange without blocking the
// caller. Incomplete data (missing hardware id, prompt, or response) is a
// silent no-op, not an error. On a successful write the device's context is
// refetched immediately so the cache reflects the update. At most one save
// per device is outstanding: a newer save cancels and replaces the old one.
func (c *Cache) SaveBackground(ex Exchange) {
	if ex.HardwareID == "" || ex.Prompt == "" || ex.Response == "" {
		c.logger.Debug("skipping background save, incomplete exchange",
			"hardware_id", ex.HardwareID,
		)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if cancel, ok := c.saveCancels[ex.HardwareID]; ok {
		cancel()
	}
	sctx, cancel := context.WithCancel(context.Background())
	c.saveCancels[ex.HardwareID] = cancel
	c.mu.Unlock()

	go c.runSave(sctx, cancel, ex)
}

// runSave performs one background save and the follow-up cache refresh.
func (c *Cache) runSave(ctx context.Context, cancel context.CancelFunc, ex Exchange) {
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.saveCancels, ex.HardwareID)
		c.mu.Unlock()
	}()

	sctx, scancel := context.WithTimeout(ctx, c.saveTimeout)
	defer scancel()

	if err := c.provider.SaveExchange(sctx, ex); err != nil {
		c.logger.Warn("background save failed",
			"hardware_id", ex.HardwareID,
			"error", err,
		)
		return
	}

	c.logger.Debug("background save completed", "hardware_id", ex.HardwareID)
	c.refresh(ex.HardwareID)
}

// Prefetch starts a background fetch for the device. Idempotent: a live
// entry or an in-flight fetch means there is nothing to do.
func (c *Cache) Prefetch(hardwareID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if e, ok := c.entries[hardwareID]; ok && time.Since(e.cachedAt) < c.ttl {
		return
	}
	if _, ok := c.inflight[hardwareID]; ok {
		return
	}
	c.startFetchLocked(hardwareID)
}

// Warmup issues one throwaway fetch so the provider establishes its
// connections before the first real request. The result is discarded and any
// error swallowed.
func (c *Cache) Warmup(ctx context.Context) {
	wctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	if _, err := c.provider.FetchContext(wctx, warmupProbeID); err != nil {
		c.logger.Debug("warmup fetch returned error", "error", err)
		return
	}
	c.logger.Debug("warmup fetch completed")
}

// Close stops all refresh timers, cancels outstanding saves, and clears the
// cache. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for hw, t := range c.refreshTimers {
		t.Stop()
		delete(c.refreshTimers, hw)
	}
	for hw, cancel := range c.saveCancels {
		cancel()
		delete(c.saveCancels, hw)
	}
	c.entries = make(map[string]*entry)
}
