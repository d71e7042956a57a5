// Package dialogue defines the conversation vocabulary shared by the session
// and controller, the ports to the external dialogue engine and speech
// transcriber, and the per-variant dialogue configuration.
package dialogue

import (
	"context"
	"errors"
	"fmt"
)

// Role marks who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one immutable entry in a conversation transcript.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Engine produces the assistant's next reply. It is stateless between calls:
// the whole prior transcript is passed every time.
type Engine interface {
	GenerateReply(ctx context.Context, systemInstruction string, history []Turn, userMessage string) (string, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// EngineError kinds.
const (
	EngineTimeout   = "timeout"
	EngineCanceled  = "canceled"
	EngineTransport = "transport"
	EngineQuota     = "quota"
	EngineAuth      = "auth"
	EngineRejected  = "rejected"
	EngineEmpty     = "empty"
)

// EngineError is returned when the dialogue engine is unreachable or refuses
// a request.
type EngineError struct {
	Kind string
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("dialogue engine %s: %v", e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// TranscriptionError is returned when audio is empty or cannot be understood.
type TranscriptionError struct {
	Reason string
	Err    error
}

func (e *TranscriptionError) Error() string {
	if e.Err == nil {
		return "transcription failed: " + e.Reason
	}
	return fmt.Sprintf("transcription failed: %s: %v", e.Reason, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// contextKind maps context cancellation onto engine error kinds.
func contextKind(err error) (string, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return EngineTimeout, true
	case errors.Is(err, context.Canceled):
		return EngineCanceled, true
	}
	return "", false
}
