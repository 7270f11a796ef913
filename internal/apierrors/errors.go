package apierrors

import (
	"errors"
	"fmt"
)

// The widget surfaces four failure families: locally-resolved validation
// problems, backend-reported failures, missing tenant configuration, and
// transport/parse failures. Everything a handler returns maps onto one of
// these so responses stay structured JSON.

// ValidationError reports bad user input. It never reaches the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// UpstreamError reports a non-success response from a backend service. The
// upstream status code and message are surfaced to the user verbatim.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// ConfigError reports a missing backend credential for a resolved tenant. It
// fails the specific request, never the whole widget.
type ConfigError struct {
	Tenant  string
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tenant %q is missing %s", e.Tenant, e.Missing)
}

// InternalError wraps a transport or parse failure that should be surfaced
// generically to the user.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// AsValidation extracts a ValidationError from an error chain.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

// AsUpstream extracts an UpstreamError from an error chain.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	ok := errors.As(err, &ue)
	return ue, ok
}

// AsConfig extracts a ConfigError from an error chain.
func AsConfig(err error) (*ConfigError, bool) {
	var ce *ConfigError
	ok := errors.As(err, &ce)
	return ce, ok
}

// UserMessage returns the description to show an end user for err. Internal
// details are sanitized; upstream and validation messages pass through.
func UserMessage(err error) string {
	if ve, ok := AsValidation(err); ok {
		return ve.Message
	}
	if ue, ok := AsUpstream(err); ok {
		return ue.Message
	}
	if ce, ok := AsConfig(err); ok {
		return ce.Error()
	}
	return "An internal error occurred. Please try again later."
}
