// ABOUTME: Result fragment types produced by the generation pipeline.
// ABOUTME: Tagged union relayed by the orchestrator to the transport adapter.

package pipeline

import "google.golang.org/grpc/codes"

// Kind discriminates the fragment variants.
type Kind int

const (
	KindText Kind = iota
	KindAudio
	KindCommand
	KindError
)

// Stable machine-readable rejection reasons carried on error fragments.
const (
	ReasonMissingSessionID = "missing_session_id"
	ReasonEmptyPrompt      = "empty_prompt"
	ReasonStreamLimit      = "stream_limit_exceeded"
	ReasonRateLimit        = "rate_limit_exceeded"
	ReasonProcessingError  = "processing_error"
)

// CommandPayload describes a structured action request for the caller's
// environment (volume change, alarm, light control, ...).
type CommandPayload struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// FragmentError classifies a terminal failure on the stream. Code follows the
// gRPC taxonomy so the transport adapter's wire mapping stays exhaustive.
// Silent errors end the stream without a user-visible error frame; they are
// used when a limit trips after partial output has already been sent.
type FragmentError struct {
	Code    codes.Code
	Reason  string
	Message string
	Silent  bool
}

// Fragment is one unit of pipeline output. Exactly one variant is populated
// according to Kind. IsFinal marks the terminal fragment of a stream;
// FinalText optionally carries the aggregated full response on it.
type Fragment struct {
	Kind      Kind
	Text      string
	Audio     []byte
	Command   *CommandPayload
	Err       *FragmentError
	IsFinal   bool
	FinalText string
}

// Visible reports whether the fragment represents user-visible output
// (text, audio, or a command payload) as opposed to stream bookkeeping.
func (f Fragment) Visible() bool {
	switch f.Kind {
	case KindText:
		return f.Text != ""
	case KindAudio:
		return len(f.Audio) > 0
	case KindCommand:
		return f.Command != nil
	default:
		return false
	}
}

// TextFragment builds a text chunk.
func TextFragment(text string) Fragment {
	return Fragment{Kind: KindText, Text: text}
}

// AudioFragment builds an audio chunk.
func AudioFragment(audio []byte) Fragment {
	return Fragment{Kind: KindAudio, Audio: audio}
}

// CommandFragment builds a command payload fragment.
func CommandFragment(cmd *CommandPayload) Fragment {
	return Fragment{Kind: KindCommand, Command: cmd}
}

// FinalFragment builds the terminal fragment carrying the aggregated text.
func FinalFragment(fullText string) Fragment {
	return Fragment{Kind: KindText, IsFinal: true, FinalText: fullText}
}

// ErrorFragment builds a terminal, user-visible error fragment.
func ErrorFragment(code codes.Code, reason, message string) Fragment {
	return Fragment{
		Kind:    KindError,
		IsFinal: true,
		Err:     &FragmentError{Code: code, Reason: reason, Message: message},
	}
}

// SilentErrorFragment builds a terminal error fragment that instructs the
// transport to end the stream without emitting an error frame.
func SilentErrorFragment(code codes.Code, reason string) Fragment {
	return Fragment{
		Kind:    KindError,
		IsFinal: true,
		Err:     &FragmentError{Code: code, Reason: reason, Silent: true},
	}
}
