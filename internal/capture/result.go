package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
)

// EndpointFailure is the wire form of a failed endpoint slot.
type EndpointFailure struct {
	Error        string `json:"error"`
	RequiresAuth bool   `json:"requires_auth"`
	Kind         string `json:"kind,omitempty"`
}

// NewEndpointFailure converts an error into its wire form.
func NewEndpointFailure(err error) *EndpointFailure {
	failure := &EndpointFailure{
		Error: err.Error(),
		Kind:  string(sharedErrors.KindOf(err)),
	}
	var epErr *sharedErrors.EndpointError
	if errors.As(err, &epErr) {
		failure.RequiresAuth = epErr.RequiresAuth
	}
	return failure
}

// EndpointResult is one slot of a CaptureResult: either readings or a
// failure. It marshals as a JSON array or a JSON object respectively.
type EndpointResult struct {
	Readings []broker.Reading
	Failure  *EndpointFailure

	// connected is set when a live session (helper or direct) succeeded.
	connected bool
}

// Readings builds a successful slot.
func Readings(readings []broker.Reading) EndpointResult {
	if readings == nil {
		readings = []broker.Reading{}
	}
	return EndpointResult{Readings: readings}
}

// Failed builds a failed slot.
func Failed(err error) EndpointResult {
	return EndpointResult{Failure: NewEndpointFailure(err)}
}

// OK reports whether the slot holds readings.
func (r EndpointResult) OK() bool {
	return r.Failure == nil
}

// MarshalJSON emits the readings array or the failure object.
func (r EndpointResult) MarshalJSON() ([]byte, error) {
	if r.Failure != nil {
		return json.Marshal(r.Failure)
	}
	readings := r.Readings
	if readings == nil {
		readings = []broker.Reading{}
	}
	return json.Marshal(readings)
}

// UnmarshalJSON accepts either shape.
func (r *EndpointResult) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*r = Readings(nil)
		return nil
	case trimmed[0] == '[':
		var readings []broker.Reading
		if err := json.Unmarshal(trimmed, &readings); err != nil {
			return fmt.Errorf("%w: readings: %w", sharedErrors.ErrDeserializationFailed, err)
		}
		*r = Readings(readings)
		return nil
	case trimmed[0] == '{':
		var failure EndpointFailure
		if err := json.Unmarshal(trimmed, &failure); err != nil {
			return fmt.Errorf("%w: endpoint failure: %w", sharedErrors.ErrDeserializationFailed, err)
		}
		*r = EndpointResult{Failure: &failure}
		return nil
	default:
		return fmt.Errorf("%w: unexpected endpoint slot %q", sharedErrors.ErrDeserializationFailed, trimmed)
	}
}

// CaptureResult is the combined outcome of one capture pass.
type CaptureResult struct {
	Secure    EndpointResult `json:"secure"`
	Insecure  EndpointResult `json:"insecure"`
	Timestamp time.Time      `json:"timestamp"`
}

// Slot returns the result for kind.
func (c CaptureResult) Slot(kind broker.Kind) EndpointResult {
	if kind == broker.KindSecure {
		return c.Secure
	}
	return c.Insecure
}

// AllReadings returns the readings of both slots, secure first.
func (c CaptureResult) AllReadings() []broker.Reading {
	out := make([]broker.Reading, 0, len(c.Secure.Readings)+len(c.Insecure.Readings))
	out = append(out, c.Secure.Readings...)
	return append(out, c.Insecure.Readings...)
}
