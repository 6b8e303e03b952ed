// ABOUTME: Per-request entry point sequencing admission, interruption, and memory.
// ABOUTME: Relays pipeline fragments in order and classifies every exit path.

package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc/codes"

	"github.com/2389/aria-gateway/internal/admission"
	"github.com/2389/aria-gateway/internal/interrupt"
	"github.com/2389/aria-gateway/internal/memory"
	"github.com/2389/aria-gateway/internal/pipeline"
)

// fragmentBuffer is the channel buffer handed to the transport adapter.
const fragmentBuffer = 16

// Request is one incoming streaming request. SessionID is caller-supplied
// and never generated here.
type Request struct {
	SessionID  string
	HardwareID string
	Prompt     string
	Image      []byte
}

// Orchestrator composes the admission controller, interrupt coordinator, and
// memory cache around the external generation pipeline. Every request flows
// through Handle.
type Orchestrator struct {
	admission  *admission.Controller
	interrupts *interrupt.Coordinator
	memory     *memory.Cache
	producer   pipeline.Producer
	logger     *slog.Logger
}

// New creates an orchestrator. The session registry is reached through the
// interrupt coordinator, which owns it.
func New(adm *admission.Controller, coord *interrupt.Coordinator, mem *memory.Cache, producer pipeline.Producer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		admission:  adm,
		interrupts: coord,
		memory:     mem,
		producer:   producer,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Handle processes one request and returns the fragment stream for the
// transport adapter. The channel is closed when the request finishes on any
// path; at most one error fragment is ever emitted.
func (o *Orchestrator) Handle(ctx context.Context, req Request) <-chan pipeline.Fragment {
	out := make(chan pipeline.Fragment, fragmentBuffer)

	// Caller errors are rejected before any admission state is touched.
	if req.SessionID == "" {
		o.logger.Warn("request rejected, missing session id", "hardware_id", req.HardwareID)
		out <- pipeline.ErrorFragment(codes.InvalidArgument, pipeline.ReasonMissingSessionID, "session_id is required")
		close(out)
		return out
	}
	if strings.TrimSpace(req.Prompt) == "" {
		o.logger.Warn("request rejected, empty prompt",
			"session_id", req.SessionID,
			"hardware_id", req.HardwareID,
		)
		out <- pipeline.ErrorFragment(codes.InvalidArgument, pipeline.ReasonEmptyPrompt, "prompt must not be empty")
		close(out)
		return out
	}

	go o.run(ctx, req, out)
	return out
}

// run drives one admitted (or rejected) request to completion.
func (o *Orchestrator) run(ctx context.Context, req Request, out chan<- pipeline.Fragment) {
	defer close(out)

	granted, reason := o.admission.AcquireStream(req.SessionID, req.HardwareID)
	if !granted {
		o.logger.Warn("stream admission rejected",
			"session_id", req.SessionID,
			"hardware_id", req.HardwareID,
			"reason", reason,
		)
		out <- pipeline.ErrorFragment(codes.ResourceExhausted, reason, admissionMessage(reason))
		return
	}
	// Release must happen exactly once per admission; ReleaseStream itself is
	// idempotent so a second call from another exit path stays harmless.
	defer o.admission.ReleaseStream(req.SessionID)

	sessions := o.interrupts.Sessions()
	if _, err := sessions.Begin(req.SessionID, req.HardwareID); err != nil {
		out <- pipeline.ErrorFragment(codes.InvalidArgument, pipeline.ReasonMissingSessionID, err.Error())
		return
	}
	defer sessions.Remove(req.SessionID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frags, err := o.interrupts.Wrap(ctx, req.HardwareID, req.SessionID, func(ctx context.Context) (<-chan pipeline.Fragment, error) {
		return o.producer.Generate(ctx, pipeline.Request{
			SessionID:  req.SessionID,
			HardwareID: req.HardwareID,
			Prompt:     req.Prompt,
			Image:      req.Image,
		})
	})
	if errors.Is(err, interrupt.ErrInterrupted) {
		o.logger.Info("request cancelled before generation started",
			"session_id", req.SessionID,
			"hardware_id", req.HardwareID,
		)
		return
	}
	if err != nil {
		o.logger.Error("generation pipeline failed to start",
			"session_id", req.SessionID,
			"hardware_id", req.HardwareID,
			"error", err,
		)
		out <- pipeline.ErrorFragment(codes.Internal, pipeline.ReasonProcessingError, "generation failed")
		return
	}

	o.relay(ctx, req, frags, out)
}

// admissionMessage maps an admission rejection reason to the human-readable
// message carried on the error fragment.
func admissionMessage(reason string) string {
	switch reason {
	case admission.ReasonDuplicateAdmit:
		return "session already has an active stream"
	case admission.ReasonEmptySession:
		return "session_id is required"
	default:
		return "too many concurrent streams"
	}
}

// relay forwards pipeline fragments to the transport, enforcing the message
// rate per visible fragment and accumulating text for the background save.
func (o *Orchestrator) relay(ctx context.Context, req Request, frags <-chan pipeline.Fragment, out chan<- pipeline.Fragment) {
	var accumulated strings.Builder
	emitted := 0
	sessions := o.interrupts.Sessions()

	for frag := range frags {
		// A pipeline fault is converted exactly once at this boundary; the
		// transport never sees an unclassified failure.
		if frag.Kind == pipeline.KindError {
			o.logger.Error("pipeline emitted error",
				"session_id", req.SessionID,
				"hardware_id", req.HardwareID,
				"reason", frag.Err.Reason,
			)
			o.send(ctx, out, pipeline.ErrorFragment(codes.Internal, pipeline.ReasonProcessingError, "generation failed"))
			return
		}

		if frag.Visible() {
			allowed, reason := o.admission.CheckMessageRate(req.SessionID)
			if !allowed {
				if emitted == 0 {
					o.logger.Warn("rate limit hit before any output",
						"session_id", req.SessionID,
						"hardware_id", req.HardwareID,
						"reason", reason,
					)
					o.send(ctx, out, pipeline.ErrorFragment(codes.ResourceExhausted, reason, "message rate limit exceeded"))
					return
				}
				// Partial output already reached the caller; terminate the
				// stream without a contradictory error frame.
				o.logger.Warn("rate limit hit after partial output, terminating silently",
					"session_id", req.SessionID,
					"hardware_id", req.HardwareID,
					"emitted", emitted,
				)
				o.send(ctx, out, pipeline.SilentErrorFragment(codes.ResourceExhausted, reason))
				return
			}
		}

		if frag.Kind == pipeline.KindText {
			accumulated.WriteString(frag.Text)
		}

		if !o.send(ctx, out, frag) {
			return
		}
		if frag.Visible() {
			emitted++
		}

		if frag.IsFinal {
			o.finish(req, frag, accumulated.String())
			sessions.Complete(req.SessionID)
			return
		}
	}

	// Channel closed without a final fragment: the wrap layer stopped
	// consumption after an interrupt. The stream ends with no error frame.
	o.logger.Info("stream ended without final fragment",
		"session_id", req.SessionID,
		"hardware_id", req.HardwareID,
		"emitted", emitted,
	)
}

// finish hands the accumulated exchange to the memory cache. Both sides of
// the exchange must be non-empty for a save to be worth recording.
func (o *Orchestrator) finish(req Request, final pipeline.Fragment, accumulated string) {
	response := final.FinalText
	if response == "" {
		response = accumulated
	}
	if response == "" {
		return
	}

	o.memory.SaveBackground(memory.Exchange{
		HardwareID: req.HardwareID,
		Prompt:     req.Prompt,
		Response:   response,
	})
	o.logger.Debug("background memory save scheduled",
		"session_id", req.SessionID,
		"hardware_id", req.HardwareID,
	)
}

// send relays one fragment unless the caller has gone away.
func (o *Orchestrator) send(ctx context.Context, out chan<- pipeline.Fragment, frag pipeline.Fragment) bool {
	select {
	case out <- frag:
		return true
	case <-ctx.Done():
		return false
	}
}
