package capture

import (
	"context"

	"github.com/hanepo/MQTTScanner/internal/broker"
)

// ReadingSink stores captured readings, e.g. the reading history.
type ReadingSink interface {
	SaveReadings(ctx context.Context, kind broker.Kind, readings []broker.Reading) error
}

// Notifier announces completed capture passes.
type Notifier interface {
	CaptureCompleted(ctx context.Context, result CaptureResult) error
}

// RemoteScanner asks the external scanning service to capture an endpoint
// when a direct connection is not possible.
type RemoteScanner interface {
	Capture(ctx context.Context, kind broker.Kind, endpoint broker.Endpoint, creds broker.Credentials) ([]broker.Reading, error)
}
