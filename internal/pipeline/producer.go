// ABOUTME: Producer contract for the text+speech generation pipeline.
// ABOUTME: The orchestrator consumes producers as opaque streaming collaborators.

package pipeline

import "context"

// Request carries everything a producer needs to generate a response.
type Request struct {
	SessionID  string
	HardwareID string
	Prompt     string
	Image      []byte
}

// Producer is the narrow contract for the external generation pipeline.
// Generate returns a channel of fragments that is closed when the pipeline
// finishes; the last meaningful fragment carries IsFinal. Implementations
// must honor ctx cancellation and stop producing promptly.
type Producer interface {
	Generate(ctx context.Context, req Request) (<-chan Fragment, error)
}
