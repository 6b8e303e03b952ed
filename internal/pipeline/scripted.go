// ABOUTME: Scripted producer that replays a fixed fragment sequence.
// ABOUTME: Used in tests to exercise the orchestrator without a model backend.

package pipeline

import (
	"context"
	"sync/atomic"
	"time"
)

// ScriptedProducer replays a fixed fragment sequence for every request.
// GenerateErr, when set, is returned instead of a stream. Delay spaces out
// fragments so tests can interleave interrupts mid-stream.
type ScriptedProducer struct {
	Fragments   []Fragment
	Delay       time.Duration
	GenerateErr error

	generateCalls  atomic.Int64
	interruptCalls atomic.Int64
}

// Generate implements Producer.
func (p *ScriptedProducer) Generate(ctx context.Context, req Request) (<-chan Fragment, error) {
	p.generateCalls.Add(1)
	if p.GenerateErr != nil {
		return nil, p.GenerateErr
	}

	out := make(chan Fragment, len(p.Fragments))
	go func() {
		defer close(out)
		for _, frag := range p.Fragments {
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- frag:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Interrupt satisfies the interrupt coordinator's module contract.
func (p *ScriptedProducer) Interrupt(ctx context.Context, hardwareID string) error {
	p.interruptCalls.Add(1)
	return nil
}

// GenerateCalls returns how many times Generate was invoked.
func (p *ScriptedProducer) GenerateCalls() int64 { return p.generateCalls.Load() }

// InterruptCalls returns how many times Interrupt was invoked.
func (p *ScriptedProducer) InterruptCalls() int64 { return p.interruptCalls.Load() }
