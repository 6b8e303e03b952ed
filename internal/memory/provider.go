// ABOUTME: Narrow contract to the conversation-memory collaborator.
// ABOUTME: Defines the context payload and the explicit lookup result type.

package memory

import (
	"context"
	"time"
)

// Exchange is one prompt/response pair for a device.
type Exchange struct {
	HardwareID string
	Prompt     string
	Response   string
	CreatedAt  time.Time
}

// Context is the conversation context payload cached per device.
type Context struct {
	HardwareID string
	Exchanges  []Exchange
	FetchedAt  time.Time
}

// Provider is the memory collaborator contract. FetchContext returns
// (nil, nil) when no context exists yet for the device; an error means the
// store itself failed.
type Provider interface {
	FetchContext(ctx context.Context, hardwareID string) (*Context, error)
	SaveExchange(ctx context.Context, ex Exchange) error
}

// State classifies a cache lookup so callers cannot conflate "no memory yet"
// with "memory store is down".
type State int

const (
	// StatePresent means a context was returned.
	StatePresent State = iota
	// StateAbsent means the store answered and has no context for the device.
	StateAbsent
	// StateTimedOut means no answer arrived within the fetch timeout; the
	// fetch continues in the background for the next call.
	StateTimedOut
	// StateErrored means the store failed.
	StateErrored
	// StateCanceled means the caller's context ended before an answer
	// arrived; the fetch itself keeps running in the background.
	StateCanceled
)

// String returns the lookup state name for logging.
func (s State) String() string {
	switch s {
	case StatePresent:
		return "present"
	case StateAbsent:
		return "absent"
	case StateTimedOut:
		return "timed_out"
	case StateErrored:
		return "errored"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result is the outcome of a context lookup. Context is non-nil only when
// State is StatePresent.
type Result struct {
	State   State
	Context *Context
}
