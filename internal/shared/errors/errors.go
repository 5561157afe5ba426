package errors

import (
	"errors"
	"fmt"
)

// Endpoint failure kinds
var (
	ErrConnectionFailure      = errors.New("broker connection failed")
	ErrAuthRequired           = errors.New("authentication required")
	ErrAuthRejected           = errors.New("authentication rejected")
	ErrTimeoutExceeded        = errors.New("timeout exceeded")
	ErrHelperUnavailable      = errors.New("capture helper unavailable")
	ErrCertificateUnavailable = errors.New("certificate unavailable")
)

// Store errors
var (
	ErrStoreOperation        = errors.New("store operation failed")
	ErrNotFound              = errors.New("not found")
	ErrSerializationFailed   = errors.New("serialization failed")
	ErrDeserializationFailed = errors.New("deserialization failed")
)

// Validation errors
var (
	ErrValidation      = errors.New("validation error")
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
	ErrInvalidTopic    = errors.New("invalid topic filter")
)

// Kind names a per-endpoint failure category as it appears on the wire.
type Kind string

const (
	KindConnectionFailure      Kind = "connection_failure"
	KindAuthRequired           Kind = "auth_required"
	KindAuthRejected           Kind = "auth_rejected"
	KindTimeoutExceeded        Kind = "timeout_exceeded"
	KindHelperUnavailable      Kind = "helper_unavailable"
	KindCertificateUnavailable Kind = "certificate_unavailable"
)

var kindSentinels = map[Kind]error{
	KindConnectionFailure:      ErrConnectionFailure,
	KindAuthRequired:           ErrAuthRequired,
	KindAuthRejected:           ErrAuthRejected,
	KindTimeoutExceeded:        ErrTimeoutExceeded,
	KindHelperUnavailable:      ErrHelperUnavailable,
	KindCertificateUnavailable: ErrCertificateUnavailable,
}

// EndpointError describes why a single broker endpoint produced no readings.
// It is returned as data, never raised past the capture boundary.
type EndpointError struct {
	Kind         Kind
	Message      string
	RequiresAuth bool
	Err          error
}

func (e *EndpointError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap exposes the sentinel for the kind first so errors.Is works against
// the kind even when a transport error is attached.
func (e *EndpointError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewEndpointError builds an EndpointError of the given kind.
func NewEndpointError(kind Kind, message string, requiresAuth bool, cause error) *EndpointError {
	return &EndpointError{
		Kind:         kind,
		Message:      message,
		RequiresAuth: requiresAuth,
		Err:          cause,
	}
}

// KindOf reports the failure kind carried by err, defaulting to
// KindConnectionFailure for unclassified errors.
func KindOf(err error) Kind {
	var epErr *EndpointError
	if errors.As(err, &epErr) {
		return epErr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindConnectionFailure
}
