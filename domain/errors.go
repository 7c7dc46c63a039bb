package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports caller input that fails a precondition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamError reports a failed call to the completion provider.
// StatusCode is zero when no HTTP response was received.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("completion request failed with status %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("completion request failed with status %d", e.StatusCode)
	case e.Err != nil:
		return "completion request failed: " + e.Err.Error()
	default:
		return "completion request failed"
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ParseError reports model output that could not be read as a JSON object.
// The normalizer recovers from it locally.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return "model output is not a JSON object: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// FailureReason classifies why a side effect against a platform failed.
type FailureReason string

const (
	ReasonAuthExpired  FailureReason = "auth_expired"
	ReasonRemoteError  FailureReason = "remote_error"
	ReasonNetworkError FailureReason = "network_error"
)

// IntegrationError wraps a failed call to an external platform.
type IntegrationError struct {
	Platform Platform
	Reason   FailureReason
	Err      error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Platform, e.Reason, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// NotFoundError reports a missing record in a store.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// UnauthorizedError reports a request without a usable identity.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	if e.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Reason
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// RequireUser returns an UnauthorizedError for an empty user id.
func RequireUser(userID string) error {
	if userID == "" {
		return &UnauthorizedError{Reason: "missing user"}
	}
	return nil
}
