// ABOUTME: Cooperative-cancellation wrapper for pipeline work.
// ABOUTME: Falls back to unwrapped execution if the wrapper itself faults.

package interrupt

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/aria-gateway/internal/pipeline"
	"github.com/2389/aria-gateway/internal/session"
)

// ErrInterrupted is returned by Wrap when an interrupt cycle for the device
// is in progress at the moment the work would start.
var ErrInterrupted = errors.New("interrupted before start")

// WorkFactory produces the unit of work to run under cancellation.
type WorkFactory func(ctx context.Context) (<-chan pipeline.Fragment, error)

// relayBuffer is the fragment channel buffer between the pipeline and the
// orchestrator.
const relayBuffer = 16

// Wrap executes the factory's work under cooperative cancellation: the device
// flag is checked before start, and the flag plus the session's status at
// each fragment boundary; an observed interrupt stops consumption and closes
// the returned channel.
//
// Availability beats cancellability here: if the wrapper machinery itself
// faults, the factory is invoked directly and unwrapped so a coordinator bug
// can never block the underlying request. The fallback is logged. A panic
// inside the factory is not a wrapper fault: it is converted to an error so
// the pipeline runs at most once per request.
func (c *Coordinator) Wrap(ctx context.Context, hardwareID, sessionID string, factory WorkFactory) (out <-chan pipeline.Fragment, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("interrupt wrapper fault, running work unwrapped",
				"hardware_id", hardwareID,
				"session_id", sessionID,
				"panic", r,
			)
			out, err = runFactory(ctx, factory)
		}
	}()

	if c.ShouldInterrupt(hardwareID) {
		c.logger.Info("work cancelled before start",
			"hardware_id", hardwareID,
			"session_id", sessionID,
		)
		return nil, ErrInterrupted
	}

	src, err := runFactory(ctx, factory)
	if err != nil {
		return nil, err
	}

	relay := make(chan pipeline.Fragment, relayBuffer)
	go c.relay(ctx, hardwareID, sessionID, src, relay)
	return relay, nil
}

// runFactory invokes the factory exactly once, converting a panic into an
// error for the caller to classify. Keeping the factory outside the wrapper's
// own recover means a faulting pipeline can never trigger the unwrapped
// fallback and run twice.
func runFactory(ctx context.Context, factory WorkFactory) (out <-chan pipeline.Fragment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline factory panicked: %v", r)
		}
	}()
	return factory(ctx)
}

// stopRequested reports whether in-flight work for the session should stop:
// an interrupt cycle for the device is in progress, or the session was
// transitioned to interrupted by a cycle that has already settled.
func (c *Coordinator) stopRequested(hardwareID, sessionID string) bool {
	if c.ShouldInterrupt(hardwareID) {
		return true
	}
	if s, ok := c.sessions.Get(sessionID); ok && s.Status == session.StatusInterrupted {
		return true
	}
	return false
}

// relay forwards fragments from the pipeline to the caller, stopping as soon
// as an interrupt is observed or the context is done.
func (c *Coordinator) relay(ctx context.Context, hardwareID, sessionID string, src <-chan pipeline.Fragment, out chan<- pipeline.Fragment) {
	defer close(out)

	for {
		if c.stopRequested(hardwareID, sessionID) {
			c.logger.Info("work interrupted mid-stream",
				"hardware_id", hardwareID,
				"session_id", sessionID,
			)
			return
		}

		select {
		case <-ctx.Done():
			return
		case frag, ok := <-src:
			if !ok {
				return
			}
			select {
			case out <- frag:
			case <-ctx.Done():
				return
			}
		}
	}
}
