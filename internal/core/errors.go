package core

import (
	"fmt"
)

// ValidationError is a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ConflictError is a write rejected because the record already exists.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// AuthError is a rejected credential. Missing is set when no credential was
// presented at all.
type AuthError struct {
	Message string
	Missing bool
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// EmbeddingServiceError is any failure to obtain a vector from the external
// embedding service. StatusCode is 0 when no HTTP response was received.
type EmbeddingServiceError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *EmbeddingServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s embedding request failed with status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s embedding request failed: %v", e.Provider, e.Err)
}

func (e *EmbeddingServiceError) Unwrap() error { return e.Err }
