// ABOUTME: HTTP API handlers exposing the orchestration core via SSE.
// ABOUTME: Maps fragment kinds and error codes to wire-level events and statuses.

package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/2389/aria-gateway/internal/auth"
	"github.com/2389/aria-gateway/internal/orchestrator"
	"github.com/2389/aria-gateway/internal/pipeline"
)

// AskRequest is the JSON request body for POST /api/ask.
type AskRequest struct {
	SessionID  string `json:"session_id"`
	HardwareID string `json:"hardware_id"`
	Prompt     string `json:"prompt"`
	ImageB64   string `json:"image_b64,omitempty"`
}

// InterruptRequest is the JSON request body for POST /api/interrupt.
type InterruptRequest struct {
	HardwareID string `json:"hardware_id"`
}

// InterruptResponse is the JSON response for POST /api/interrupt.
type InterruptResponse struct {
	Success            bool     `json:"success"`
	InterruptedModules []string `json:"interrupted_modules"`
	CleanedSessions    []string `json:"cleaned_sessions"`
	ElapsedMs          int64    `json:"elapsed_ms"`
}

// PrefetchRequest is the JSON request body for POST /api/memory/prefetch.
type PrefetchRequest struct {
	HardwareID string `json:"hardware_id"`
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// deviceMismatch rejects a request whose body names a different device than
// the one the bearer token was issued for. No-op when auth is disabled and
// the context carries no device.
func (g *Gateway) deviceMismatch(w http.ResponseWriter, r *http.Request, hardwareID string) bool {
	tokenDevice, ok := auth.DeviceFromContext(r.Context())
	if !ok || tokenDevice == hardwareID {
		return false
	}
	g.logger.Warn("request device does not match token device",
		"token_device", tokenDevice,
		"hardware_id", hardwareID,
	)
	g.sendJSONError(w, http.StatusForbidden, "token was issued for a different device")
	return true
}

// handleAsk handles POST /api/ask: it runs one request through the
// orchestrator and streams the resulting fragments as SSE events. A rejection
// that happens before anything was streamed is returned as a plain JSON error
// with the mapped HTTP status instead of opening a stream.
func (g *Gateway) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var image []byte
	if req.ImageB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ImageB64)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid image encoding")
			return
		}
		image = decoded
	}

	if g.deviceMismatch(w, r, req.HardwareID) {
		return
	}

	// Check streaming support before doing any work (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	requestID := uuid.NewString()
	g.logger.Debug("ask stream opened",
		"request_id", requestID,
		"session_id", req.SessionID,
		"hardware_id", req.HardwareID,
	)

	frags := g.orchestrator.Handle(r.Context(), orchestrator.Request{
		SessionID:  req.SessionID,
		HardwareID: req.HardwareID,
		Prompt:     req.Prompt,
		Image:      image,
	})

	// Peek at the first fragment: a pre-stream rejection maps to a plain
	// HTTP error instead of an SSE stream.
	first, open := <-frags
	if open && first.Kind == pipeline.KindError && !first.Err.Silent {
		g.sendJSONErrorWithReason(w, httpStatusFromCode(first.Err.Code), first.Err.Reason, first.Err.Message)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", map[string]string{
		"session_id": req.SessionID,
		"request_id": requestID,
	})
	flusher.Flush()

	if open {
		if done := g.relayFragment(w, flusher, first); done {
			return
		}
		g.streamFragments(w, flusher, frags)
	}
}

// streamFragments reads from the fragment channel and writes SSE events
// until the stream ends.
func (g *Gateway) streamFragments(w http.ResponseWriter, flusher http.Flusher, frags <-chan pipeline.Fragment) {
	for frag := range frags {
		if done := g.relayFragment(w, flusher, frag); done {
			return
		}
	}
}

// relayFragment writes one fragment as an SSE event. Returns true when the
// stream must end. Silent errors end the stream with no error frame.
func (g *Gateway) relayFragment(w http.ResponseWriter, flusher http.Flusher, frag pipeline.Fragment) bool {
	if frag.Kind == pipeline.KindError {
		if !frag.Err.Silent {
			g.writeSSEEvent(w, "error", map[string]string{
				"code":    frag.Err.Code.String(),
				"reason":  frag.Err.Reason,
				"message": frag.Err.Message,
			})
			flusher.Flush()
		}
		return true
	}

	event := fragmentToSSEEvent(frag)
	g.writeSSEEvent(w, event.Event, event.Data)
	flusher.Flush()
	return frag.IsFinal
}

// fragmentToSSEEvent converts a non-error fragment to an SSE event.
func fragmentToSSEEvent(frag pipeline.Fragment) SSEEvent {
	if frag.IsFinal {
		return SSEEvent{
			Event: "done",
			Data:  map[string]string{"full_response": frag.FinalText},
		}
	}

	switch frag.Kind {
	case pipeline.KindText:
		return SSEEvent{
			Event: "text",
			Data:  map[string]string{"text": frag.Text},
		}
	case pipeline.KindAudio:
		return SSEEvent{
			Event: "audio",
			Data:  map[string]string{"audio_b64": base64.StdEncoding.EncodeToString(frag.Audio)},
		}
	case pipeline.KindCommand:
		return SSEEvent{
			Event: "command",
			Data:  frag.Command,
		}
	default:
		return SSEEvent{Event: "error", Data: map[string]string{"error": "malformed fragment"}}
	}
}

// httpStatusFromCode maps the error taxonomy to HTTP statuses. The mapping is
// exhaustive over the codes the orchestrator emits.
func httpStatusFromCode(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// handleInterrupt handles POST /api/interrupt requests.
func (g *Gateway) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req InterruptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HardwareID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "hardware_id is required")
		return
	}
	if g.deviceMismatch(w, r, req.HardwareID) {
		return
	}

	result := g.interrupts.Interrupt(r.Context(), req.HardwareID)

	resp := InterruptResponse{
		Success:            result.Success,
		InterruptedModules: result.InterruptedModules,
		CleanedSessions:    result.CleanedSessions,
		ElapsedMs:          result.Elapsed.Milliseconds(),
	}
	if resp.InterruptedModules == nil {
		resp.InterruptedModules = []string{}
	}
	if resp.CleanedSessions == nil {
		resp.CleanedSessions = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Error("encoding interrupt response", "error", err)
	}
}

// handlePrefetch handles POST /api/memory/prefetch requests.
func (g *Gateway) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req PrefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HardwareID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "hardware_id is required")
		return
	}
	if g.deviceMismatch(w, r, req.HardwareID) {
		return
	}

	g.memory.Prefetch(req.HardwareID)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"success":true}`))
}

// writeSSEEvent writes a single SSE event to the response.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("marshaling SSE event", "event", event, "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// sendJSONError writes a JSON error response with the given status.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendJSONErrorWithReason writes a JSON error carrying the stable machine
// reason alongside the human message.
func (g *Gateway) sendJSONErrorWithReason(w http.ResponseWriter, status int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "reason": reason})
}
