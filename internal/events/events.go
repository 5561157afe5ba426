// Package events publishes capture notifications to NATS as CloudEvents.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Defaults
const (
	DefaultSubject = "mqttscanner.capture.completed"
	EventSource    = "mqttscanner/capture"
	EventType      = "io.mqttscanner.capture.completed"
)

// CloudEvent is the envelope of every published event.
type CloudEvent struct {
	SpecVersion     string    `json:"specversion"`
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Type            string    `json:"type"`
	DataContentType string    `json:"datacontenttype"`
	Subject         string    `json:"subject"`
	Time            time.Time `json:"time"`
	Data            any       `json:"data"`
}

// EndpointSummary condenses one slot of a capture result.
type EndpointSummary struct {
	OK           bool     `json:"ok"`
	Readings     int      `json:"readings"`
	Topics       []string `json:"topics,omitempty"`
	Error        string   `json:"error,omitempty"`
	Kind         string   `json:"kind,omitempty"`
	RequiresAuth bool     `json:"requires_auth,omitempty"`
}

// CaptureCompletedData is the payload of a capture-completed event.
type CaptureCompletedData struct {
	CapturedAt time.Time       `json:"captured_at"`
	Secure     EndpointSummary `json:"secure"`
	Insecure   EndpointSummary `json:"insecure"`
}

// Publisher is the part of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Notifier publishes a CloudEvent for every completed capture pass.
type Notifier struct {
	pub     Publisher
	subject string
	logger  *zap.Logger
	clock   func() time.Time
}

// NewNotifier wraps pub. An empty subject selects DefaultSubject.
func NewNotifier(pub Publisher, subject string, logger *zap.Logger) *Notifier {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, subject: subject, logger: logger, clock: time.Now}
}

// Connect dials NATS and returns a Notifier over the connection. The caller
// owns the connection.
func Connect(url, subject string, logger *zap.Logger, opts ...nats.Option) (*Notifier, *nats.Conn, error) {
	opts = append([]nats.Option{nats.Name("mqttscanner")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNotifier(nc, subject, logger), nc, nil
}

// CaptureCompleted publishes a summary of result.
func (n *Notifier) CaptureCompleted(ctx context.Context, result capture.CaptureResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          EventSource,
		Type:            EventType,
		DataContentType: "application/json",
		Subject:         n.subject,
		Time:            n.clock(),
		Data: CaptureCompletedData{
			CapturedAt: result.Timestamp,
			Secure:     summarize(result.Secure),
			Insecure:   summarize(result.Insecure),
		},
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal capture event: %w", err)
	}
	if err := n.pub.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("failed to publish capture event: %w", err)
	}

	n.logger.Debug("published capture event",
		zap.String("event_id", event.ID),
		zap.String("subject", n.subject))
	return nil
}

func summarize(slot capture.EndpointResult) EndpointSummary {
	if !slot.OK() {
		return EndpointSummary{
			Error:        slot.Failure.Error,
			Kind:         slot.Failure.Kind,
			RequiresAuth: slot.Failure.RequiresAuth,
		}
	}
	topics := make([]string, 0, len(slot.Readings))
	for _, r := range slot.Readings {
		topics = append(topics, r.Topic)
	}
	return EndpointSummary{OK: true, Readings: len(slot.Readings), Topics: topics}
}
