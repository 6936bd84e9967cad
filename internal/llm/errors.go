package llm

import (
	"errors"
	"fmt"
)

// ContextLengthExceededCode is the upstream error code for prompts that do not
// fit the model's context window.
const ContextLengthExceededCode = "context_length_exceeded"

var (
	// ErrNoPendingResponse is returned by Receive when no request has been sent.
	ErrNoPendingResponse = errors.New("no pending response: call Send first")
)

// InvalidModeError is returned for a mode outside the four known ones.
// It is raised before any network activity.
type InvalidModeError struct {
	Mode string
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("undefined mode %q", e.Mode)
}

// ContextLengthExceededError reports that the prompt plus max_tokens overflowed
// the model context. Callers shrink the input and retry.
type ContextLengthExceededError struct {
	Message string
}

func (e *ContextLengthExceededError) Error() string {
	return "context length exceeded: " + e.Message
}

// UnknownUpstreamError is any other 4xx/5xx error body. It is handed to the
// Presenter rather than returned.
type UnknownUpstreamError struct {
	Status  int
	Code    string
	Type    string
	Message string
}

func (e *UnknownUpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream error (%d)", e.Status)
	}
	return e.Message
}

// Label is the title the error is presented under: the code when present,
// otherwise the type.
func (e *UnknownUpstreamError) Label() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Type
}

// IsContextLengthExceeded reports whether err is, or wraps, a ContextLengthExceededError.
func IsContextLengthExceeded(err error) (*ContextLengthExceededError, bool) {
	var cle *ContextLengthExceededError
	if errors.As(err, &cle) {
		return cle, true
	}
	return nil, false
}
