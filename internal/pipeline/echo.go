// ABOUTME: Echo producer used when no real model backend is configured.
// ABOUTME: Streams the prompt back word by word so the gateway runs end-to-end.

package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"
)

// EchoProducer is a stand-in generation pipeline that repeats the prompt back
// as a word-by-word stream. It lets the gateway serve real traffic shape
// (streaming, interruption, memory saves) without a model backend attached.
type EchoProducer struct {
	mu         sync.Mutex
	cancels    map[string]context.CancelFunc // hardware_id -> in-flight cancel
	chunkDelay time.Duration
}

// NewEchoProducer creates an echo producer. chunkDelay spaces out fragments
// to approximate streaming generation; zero means no artificial delay.
func NewEchoProducer(chunkDelay time.Duration) *EchoProducer {
	return &EchoProducer{
		cancels:    make(map[string]context.CancelFunc),
		chunkDelay: chunkDelay,
	}
}

// Generate implements Producer.
func (p *EchoProducer) Generate(ctx context.Context, req Request) (<-chan Fragment, error) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if prev, ok := p.cancels[req.HardwareID]; ok {
		prev()
	}
	p.cancels[req.HardwareID] = cancel
	p.mu.Unlock()

	out := make(chan Fragment, 8)
	go func() {
		defer close(out)
		defer func() {
			p.mu.Lock()
			delete(p.cancels, req.HardwareID)
			p.mu.Unlock()
		}()

		words := strings.Fields(req.Prompt)
		var full strings.Builder
		for i, w := range words {
			if p.chunkDelay > 0 {
				select {
				case <-time.After(p.chunkDelay):
				case <-ctx.Done():
					return
				}
			}
			chunk := w
			if i < len(words)-1 {
				chunk += " "
			}
			full.WriteString(chunk)
			select {
			case out <- TextFragment(chunk):
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- FinalFragment(full.String()):
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Interrupt cancels any in-flight generation for the given hardware id.
// It satisfies the interrupt coordinator's module contract.
func (p *EchoProducer) Interrupt(ctx context.Context, hardwareID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[hardwareID]; ok {
		cancel()
		delete(p.cancels, hardwareID)
	}
	return nil
}
