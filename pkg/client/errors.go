package client

import (
	"fmt"
	"net/http"
)

// NotAuthorisedError reports a 403: the presented key did not grant the
// required facet.
type NotAuthorisedError struct {
	Operation string
}

func (e *NotAuthorisedError) Error() string {
	return fmt.Sprintf("not authorised for %s", e.Operation)
}

// NotFoundError reports a 404: no such record or blob.
type NotFoundError struct {
	Operation string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity not found for %s", e.Operation)
}

// InvalidRecordError reports a 409: the request or record was malformed.
// Queued relays treat it as terminal.
type InvalidRecordError struct {
	Operation string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid record for %s", e.Operation)
}

// TemporaryFailureError reports a retryable condition: a 503, a failed
// precondition, or a transport-level failure.
type TemporaryFailureError struct {
	Operation string
	Reason    string
}

func (e *TemporaryFailureError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("temporary failure for %s: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("temporary failure: %s", e.Reason)
}

// ProtocolError reports any other unexpected status code.
type ProtocolError struct {
	Operation  string
	StatusCode int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.Operation)
}

func errorFromStatus(code int, operation string) error {
	switch code {
	case http.StatusForbidden:
		return &NotAuthorisedError{Operation: operation}
	case http.StatusNotFound:
		return &NotFoundError{Operation: operation}
	case http.StatusConflict:
		return &InvalidRecordError{Operation: operation}
	case http.StatusServiceUnavailable, http.StatusPreconditionFailed:
		return &TemporaryFailureError{Operation: operation, Reason: fmt.Sprintf("status %d", code)}
	default:
		return &ProtocolError{Operation: operation, StatusCode: code}
	}
}

// IsTerminal reports whether a relay should abandon the upload instead of
// retrying it.
func IsTerminal(err error) bool {
	switch err.(type) {
	case *InvalidRecordError:
		return true
	default:
		return false
	}
}
