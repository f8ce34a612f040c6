package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes surfaced on the wire as {error, code, suggestion?}.
const (
	CodeCoordinatorUnavailable = "COORDINATOR_UNAVAILABLE"
	CodeAgentNotFound          = "AGENT_NOT_FOUND"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeRateLimited            = "RATE_LIMITED"
	CodeAuthFailed             = "AUTH_FAILED"
	CodeForbidden              = "FORBIDDEN"
	CodeBlobNotFound           = "BLOB_NOT_FOUND"
	CodeBlobTooLarge           = "BLOB_TOO_LARGE"
)

// Error is the structured engine error the dispatcher serializes.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (e *Error) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError unwraps a *Error from err, or wraps unknown errors as an
// unavailable-coordinator condition (the only unstructured failure mode
// engine methods can produce is a store round-trip error).
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{
		Code:       CodeCoordinatorUnavailable,
		Message:    err.Error(),
		Suggestion: "Ensure Redis is running and accessible, then retry.",
	}
}

func ErrUnavailable(err error) *Error {
	return &Error{
		Code:       CodeCoordinatorUnavailable,
		Message:    fmt.Sprintf("Cannot reach the coordination store: %v", err),
		Suggestion: "Ensure Redis is running and accessible, then retry.",
	}
}

func ErrAgentNotFound(target string, available []string) *Error {
	suggestion := "No agents are currently registered. Wait for agents to come online."
	if len(available) > 0 {
		shown := available
		more := ""
		if len(shown) > 5 {
			more = fmt.Sprintf(" (and %d more)", len(shown)-5)
			shown = shown[:5]
		}
		suggestion = fmt.Sprintf("Available agents: %s%s", strings.Join(shown, ", "), more)
	}
	return &Error{
		Code:       CodeAgentNotFound,
		Message:    fmt.Sprintf("Agent '%s' not found.", target),
		Suggestion: suggestion,
	}
}

func ErrInvalidRequest(field, reason string) *Error {
	return &Error{
		Code:       CodeInvalidRequest,
		Message:    fmt.Sprintf("Invalid request: %s - %s", field, reason),
		Suggestion: "Check the method documentation for required parameters.",
	}
}

func ErrRateLimited(identity string, limit, windowSeconds int) *Error {
	return &Error{
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("Rate limit exceeded for '%s'.", identity),
		Suggestion: fmt.Sprintf(
			"Maximum %d requests per %d seconds. Wait before sending more requests.", limit, windowSeconds),
	}
}

func ErrAuthFailed(reason string) *Error {
	if reason == "" {
		reason = "Authentication required"
	}
	return &Error{
		Code:       CodeAuthFailed,
		Message:    reason,
		Suggestion: "Provide a valid Authorization: Bearer <token> header.",
	}
}

func ErrForbidden(agentID string) *Error {
	return &Error{
		Code:       CodeForbidden,
		Message:    fmt.Sprintf("Not authorized to act as agent '%s'.", agentID),
		Suggestion: "Your API key does not have permission for this agent ID.",
	}
}

func ErrBlobNotFound(blobID string) *Error {
	return &Error{
		Code:       CodeBlobNotFound,
		Message:    fmt.Sprintf("Blob '%s' not found or has expired.", blobID),
		Suggestion: "Blobs expire after 24 hours. Check the blob_id and try again.",
	}
}

func ErrBlobTooLarge(size, max int) *Error {
	return &Error{
		Code: CodeBlobTooLarge,
		Message: fmt.Sprintf("Blob size (%.1fMB) exceeds maximum (%.1fMB).",
			float64(size)/(1<<20), float64(max)/(1<<20)),
		Suggestion: "Reduce the file size or split it into smaller parts.",
	}
}
