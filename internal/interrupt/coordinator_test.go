// ABOUTME: Tests for the interrupt coordinator flags, dispatch, and fault isolation.
// ABOUTME: Validates flag expiry self-healing and session cleanup diagnostics.

package interrupt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aria-gateway/internal/session"
)

// fakeModule records interrupt calls and can fail, hang, or panic on demand.
type fakeModule struct {
	mu      sync.Mutex
	calls   int
	err     error
	delay   time.Duration
	panics  bool
}

func (m *fakeModule) Interrupt(ctx context.Context, hardwareID string) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.panics {
		panic("module exploded")
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func (m *fakeModule) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestCoordinator(flagTimeout time.Duration) *Coordinator {
	return NewCoordinator(session.NewRegistry(nil), flagTimeout, 50*time.Millisecond, nil)
}

func TestCoordinator_ShouldInterrupt_NoFlag(t *testing.T) {
	c := newTestCoordinator(time.Minute)
	assert.False(t, c.ShouldInterrupt("hw-1"))
}

func TestCoordinator_Interrupt_FlagSetDuringCycle(t *testing.T) {
	c := NewCoordinator(session.NewRegistry(nil), time.Minute, time.Second, nil)
	c.RegisterModule("tts", &fakeModule{delay: 10 * time.Second})

	done := make(chan Result, 1)
	go func() {
		done <- c.Interrupt(context.Background(), "hw-1")
	}()

	// Flag is visible while the cycle is dispatching
	assert.Eventually(t, func() bool {
		return c.ShouldInterrupt("hw-1")
	}, time.Second, 5*time.Millisecond)

	// Other devices are unaffected
	assert.False(t, c.ShouldInterrupt("hw-2"))

	<-done
	assert.False(t, c.ShouldInterrupt("hw-1"))
}

func TestCoordinator_Interrupt_ClearsFlagWhenSettled(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	result := c.Interrupt(context.Background(), "hw-1")
	assert.True(t, result.Success)
	assert.False(t, c.ShouldInterrupt("hw-1"))
}

func TestCoordinator_Reset_ClearsState(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	c.mu.Lock()
	c.flags["hw-1"] = &flagState{requestedAt: time.Now(), timeout: time.Minute}
	c.failCounts["tts"] = 3
	c.mu.Unlock()
	require.True(t, c.ShouldInterrupt("hw-1"))

	c.Reset()
	assert.False(t, c.ShouldInterrupt("hw-1"))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.failCounts)
}

func TestCoordinator_FlagExpiry_SelfHeals(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	c.mu.Lock()
	c.flags["hw-1"] = &flagState{requestedAt: time.Now(), timeout: 30 * time.Millisecond}
	c.mu.Unlock()
	require.True(t, c.ShouldInterrupt("hw-1"))

	time.Sleep(40 * time.Millisecond)

	// Expired flag reads false and is cleared in the background
	assert.False(t, c.ShouldInterrupt("hw-1"))
	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.flags["hw-1"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_Interrupt_DispatchesModulesInOrder(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	m1 := &fakeModule{}
	m2 := &fakeModule{}
	c.RegisterModule("tts", m1)
	c.RegisterModule("llm", m2)

	result := c.Interrupt(context.Background(), "hw-1")
	assert.Equal(t, []string{"tts", "llm"}, result.InterruptedModules)
	assert.Equal(t, 1, m1.callCount())
	assert.Equal(t, 1, m2.callCount())
}

func TestCoordinator_Interrupt_ModuleFailureIsolated(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	failing := &fakeModule{err: errors.New("backend unreachable")}
	healthy := &fakeModule{}
	c.RegisterModule("tts", failing)
	c.RegisterModule("llm", healthy)

	result := c.Interrupt(context.Background(), "hw-1")
	assert.True(t, result.Success)
	assert.Equal(t, []string{"llm"}, result.InterruptedModules)
	assert.Equal(t, 1, healthy.callCount())
}

func TestCoordinator_Interrupt_ModuleTimeoutIsolated(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	hanging := &fakeModule{delay: time.Second}
	healthy := &fakeModule{}
	c.RegisterModule("tts", hanging)
	c.RegisterModule("llm", healthy)

	start := time.Now()
	result := c.Interrupt(context.Background(), "hw-1")
	assert.Equal(t, []string{"llm"}, result.InterruptedModules)
	// The hanging module is bounded by the per-module timeout
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCoordinator_Interrupt_ModulePanicIsolated(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	panicking := &fakeModule{panics: true}
	healthy := &fakeModule{}
	c.RegisterModule("tts", panicking)
	c.RegisterModule("llm", healthy)

	result := c.Interrupt(context.Background(), "hw-1")
	assert.Equal(t, []string{"llm"}, result.InterruptedModules)
}

func TestCoordinator_Interrupt_Callbacks(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	var mu sync.Mutex
	var got []string
	c.RegisterCallback("audit", func(hardwareID string) {
		mu.Lock()
		got = append(got, hardwareID)
		mu.Unlock()
	})
	c.RegisterCallback("boom", func(hardwareID string) {
		panic("callback exploded")
	})

	result := c.Interrupt(context.Background(), "hw-1")
	assert.True(t, result.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hw-1"}, got)
}

func TestCoordinator_RegisterModule_Idempotent(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	m1 := &fakeModule{}
	m2 := &fakeModule{}
	c.RegisterModule("tts", m1)
	c.RegisterModule("tts", m2)

	result := c.Interrupt(context.Background(), "hw-1")
	assert.Equal(t, []string{"tts"}, result.InterruptedModules)
	assert.Equal(t, 0, m1.callCount())
	assert.Equal(t, 1, m2.callCount())
}

func TestCoordinator_Interrupt_CleansActiveSessions(t *testing.T) {
	c := newTestCoordinator(time.Minute)
	c.Sessions().Begin("sess-1", "hw-1")
	c.Sessions().Begin("sess-2", "hw-1")
	c.Sessions().Begin("sess-3", "hw-2")

	result := c.Interrupt(context.Background(), "hw-1")
	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, result.CleanedSessions)

	s, _ := c.Sessions().Get("sess-3")
	assert.Equal(t, session.StatusActive, s.Status)
}

func TestCoordinator_Interrupt_ElapsedRecorded(t *testing.T) {
	c := newTestCoordinator(time.Minute)

	result := c.Interrupt(context.Background(), "hw-1")
	assert.GreaterOrEqual(t, result.Elapsed, time.Duration(0))
}
