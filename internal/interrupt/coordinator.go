// ABOUTME: Device-scoped interrupt coordinator with timed flags and module dispatch.
// ABOUTME: Owns the session registry; a broken module never blocks the others.

package interrupt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/aria-gateway/internal/session"
)

// Interruptible is implemented by modules that can abort in-flight work for a
// device (generation backends, speech synthesizers, playback queues).
type Interruptible interface {
	Interrupt(ctx context.Context, hardwareID string) error
}

// Callback is invoked on every interrupt, after module dispatch.
type Callback func(hardwareID string)

// Result summarizes one interrupt cycle.
type Result struct {
	Success            bool
	InterruptedModules []string
	CleanedSessions    []string
	Elapsed            time.Duration
}

// flagState marks an interrupt cycle in progress for a device. The cycle
// clears it when it settles; the timeout is a backstop so a cycle that dies
// before clearing reads as expired instead of blocking the device forever.
type flagState struct {
	requestedAt time.Time
	timeout     time.Duration
}

// registeredModule pairs a module with its registration name. Registration
// order is preserved for dispatch.
type registeredModule struct {
	name   string
	module Interruptible
}

// Coordinator lets any caller cancel all in-flight work for a hardware id and
// wraps arbitrary pipeline work so it can be cooperatively cancelled.
type Coordinator struct {
	mu        sync.Mutex
	flags     map[string]*flagState
	modules   []registeredModule
	callbacks []struct {
		name string
		fn   Callback
	}
	failCounts map[string]int

	sessions      *session.Registry
	flagTimeout   time.Duration
	moduleTimeout time.Duration
	logger        *slog.Logger
}

// NewCoordinator creates a coordinator owning the given session registry.
// flagTimeout bounds how long an interrupt flag stays set; moduleTimeout
// bounds each module's interrupt call.
func NewCoordinator(sessions *session.Registry, flagTimeout, moduleTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		flags:         make(map[string]*flagState),
		failCounts:    make(map[string]int),
		sessions:      sessions,
		flagTimeout:   flagTimeout,
		moduleTimeout: moduleTimeout,
		logger:        logger.With("component", "interrupt"),
	}
}

// Sessions returns the registry this coordinator owns.
func (c *Coordinator) Sessions() *session.Registry {
	return c.sessions
}

// RegisterModule adds an interruptible module under a unique name. Registering
// the same name again replaces the previous entry instead of duplicating it.
func (c *Coordinator) RegisterModule(name string, m Interruptible) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, reg := range c.modules {
		if reg.name == name {
			c.modules[i].module = m
			return
		}
	}
	c.modules = append(c.modules, registeredModule{name: name, module: m})
	c.logger.Info("interrupt module registered", "module", name, "total", len(c.modules))
}

// RegisterCallback adds a global interrupt callback under a unique name.
// Re-registering a name replaces the previous callback.
func (c *Coordinator) RegisterCallback(name string, fn Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, cb := range c.callbacks {
		if cb.name == name {
			c.callbacks[i].fn = fn
			return
		}
	}
	c.callbacks = append(c.callbacks, struct {
		name string
		fn   Callback
	}{name: name, fn: fn})
}

// Interrupt cancels all in-flight work for the hardware id: it sets the
// device flag, dispatches every registered module in registration order,
// runs the global callbacks, transitions the device's active sessions to
// interrupted, and clears the flag once the cycle has settled so the device's
// next request starts unimpeded. A timeout or failure in one module is logged
// and never aborts the rest.
func (c *Coordinator) Interrupt(ctx context.Context, hardwareID string) Result {
	start := time.Now()

	c.mu.Lock()
	c.flags[hardwareID] = &flagState{requestedAt: start, timeout: c.flagTimeout}
	modules := make([]registeredModule, len(c.modules))
	copy(modules, c.modules)
	callbacks := make([]struct {
		name string
		fn   Callback
	}, len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.Unlock()

	var interrupted []string
	for _, reg := range modules {
		if err := c.interruptModule(ctx, reg, hardwareID); err != nil {
			c.mu.Lock()
			c.failCounts[reg.name]++
			fails := c.failCounts[reg.name]
			c.mu.Unlock()
			c.logger.Warn("module interrupt failed",
				"module", reg.name,
				"hardware_id", hardwareID,
				"error", err,
				"consecutive_failures", fails,
			)
			continue
		}
		interrupted = append(interrupted, reg.name)
	}

	for _, cb := range callbacks {
		c.runCallback(cb.name, cb.fn, hardwareID)
	}

	cleaned := c.sessions.InterruptActive(hardwareID)

	// The cycle has settled: modules dispatched, in-flight sessions
	// transitioned. Clearing the flag here keeps the interruption scoped to
	// the sessions that existed when it was requested; relays for those
	// sessions stop on their interrupted status even after the flag is gone.
	c.clearFlag(hardwareID)

	elapsed := time.Since(start)
	c.logger.Info("interrupt completed",
		"hardware_id", hardwareID,
		"modules", interrupted,
		"sessions", cleaned,
		"elapsed_ms", elapsed.Milliseconds(),
	)

	return Result{
		Success:            true,
		InterruptedModules: interrupted,
		CleanedSessions:    cleaned,
		Elapsed:            elapsed,
	}
}

// interruptModule runs one module's interrupt under the per-module timeout.
// The call executes in its own goroutine so a module that ignores its context
// still cannot hold up the dispatch loop.
func (c *Coordinator) interruptModule(ctx context.Context, reg registeredModule, hardwareID string) error {
	mctx, cancel := context.WithTimeout(ctx, c.moduleTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in module interrupt: %v", r)
			}
		}()
		done <- reg.module.Interrupt(mctx, hardwareID)
	}()

	select {
	case err := <-done:
		return err
	case <-mctx.Done():
		return fmt.Errorf("module interrupt timed out after %s", c.moduleTimeout)
	}
}

// runCallback invokes one global callback, isolating panics.
func (c *Coordinator) runCallback(name string, fn Callback, hardwareID string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("interrupt callback panicked",
				"callback", name,
				"hardware_id", hardwareID,
				"panic", r,
			)
		}
	}()
	fn(hardwareID)
}

// ShouldInterrupt reports whether the device's flag is currently set. An
// expired flag reads as false and triggers an asynchronous reset so a stuck
// flag can never permanently block a device.
func (c *Coordinator) ShouldInterrupt(hardwareID string) bool {
	c.mu.Lock()
	f, ok := c.flags[hardwareID]
	c.mu.Unlock()

	if !ok {
		return false
	}
	if time.Since(f.requestedAt) >= f.timeout {
		go c.clearFlag(hardwareID)
		return false
	}
	return true
}

// clearFlag removes the device's flag if present.
func (c *Coordinator) clearFlag(hardwareID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.flags[hardwareID]; ok {
		delete(c.flags, hardwareID)
		c.logger.Debug("interrupt flag cleared", "hardware_id", hardwareID)
	}
}

// Reset clears all flags and module failure counters. Called on shutdown;
// per-device flags are cleared by their own interrupt cycles.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags = make(map[string]*flagState)
	c.failCounts = make(map[string]int)
}

// ResetDevice clears the flag for one hardware id.
func (c *Coordinator) ResetDevice(hardwareID string) {
	c.clearFlag(hardwareID)
}
