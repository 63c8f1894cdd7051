// Package session holds session identity validation, per-session metadata,
// and the paged session index that lets stores enumerate known sessions.
package session

import (
	"fmt"
)

// Validation error codes surfaced to callers.
const (
	CodeInvalidSessionID = "invalid_session_id"
)

// ValidationError is a malformed-input failure with a stable code string.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const maxSessionIDLen = 128

// ValidateID checks a session identifier: 1-128 characters of
// [A-Za-z0-9._:-], starting with an alphanumeric. Path separators are
// rejected so ids embed safely into storage keys.
func ValidateID(id string) error {
	if id == "" {
		return &ValidationError{Code: CodeInvalidSessionID, Message: "session id is empty"}
	}
	if len(id) > maxSessionIDLen {
		return &ValidationError{
			Code:    CodeInvalidSessionID,
			Message: fmt.Sprintf("session id exceeds %d characters", maxSessionIDLen),
		}
	}
	if !isAlphanumeric(id[0]) {
		return &ValidationError{Code: CodeInvalidSessionID, Message: "session id must start with an alphanumeric"}
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if isAlphanumeric(c) || c == '.' || c == '_' || c == ':' || c == '-' {
			continue
		}
		return &ValidationError{
			Code:    CodeInvalidSessionID,
			Message: fmt.Sprintf("session id contains invalid character %q", c),
		}
	}
	return nil
}

func isAlphanumeric(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// Meta is per-session bookkeeping, mutated whenever any store records
// activity for the session.
type Meta struct {
	SessionID string `json:"sessionId"`
	CreatedAt int64  `json:"createdAt"` // unix millis
	UpdatedAt int64  `json:"updatedAt"`
}
