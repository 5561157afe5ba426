// Package registry tracks which client identities publish and subscribe to
// which topics, and derives roles and access-pattern findings from them.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hanepo/MQTTScanner/internal/store"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"go.uber.org/zap"
)

// DefaultRetention is the rolling window after which an untouched record
// expires.
const DefaultRetention = time.Hour

const keySeparator = "::"

// Client roles
const (
	RolePublisherSubscriber = "PUBLISHER_SUBSCRIBER"
	RolePublisherOnly       = "PUBLISHER_ONLY"
	RoleSubscriberOnly      = "SUBSCRIBER_ONLY"
	RoleUnknown             = "UNKNOWN"
)

// PublisherRecord is one (client, topic) publishing relationship.
type PublisherRecord struct {
	ClientID        string    `json:"client_id"`
	Topic           string    `json:"topic"`
	FirstSeen       time.Time `json:"first_seen"`
	MessageCount    int       `json:"message_count"`
	LastMessageTime time.Time `json:"last_message_time"`
	Metadata        Metadata  `json:"metadata"`
	Seq             uint64    `json:"seq"`
}

// SubscriberRecord is one (client, filter) subscription.
type SubscriberRecord struct {
	ClientID     string    `json:"client_id"`
	Topic        string    `json:"topic"`
	SubscribedAt time.Time `json:"subscribed_at"`
	Active       bool      `json:"active"`
	Metadata     Metadata  `json:"metadata"`
	Seq          uint64    `json:"seq"`
}

// Config tunes a Registry.
type Config struct {
	Retention time.Duration
	Clock     store.Clock
	Logger    *zap.Logger
}

// Registry is safe for concurrent use; atomicity per record comes from the
// underlying store's Update.
type Registry struct {
	publishers  store.Store[PublisherRecord]
	subscribers store.Store[SubscriberRecord]
	retention   time.Duration
	clock       store.Clock
	logger      *zap.Logger
}

// New builds a Registry over the given stores.
func New(publishers store.Store[PublisherRecord], subscribers store.Store[SubscriberRecord], cfg Config) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		publishers:  publishers,
		subscribers: subscribers,
		retention:   cfg.Retention,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

// NewInMemory builds a Registry backed by in-process stores sharing cfg.Clock.
func NewInMemory(cfg Config) *Registry {
	var opts []store.Option
	if cfg.Clock != nil {
		opts = append(opts, store.WithClock(cfg.Clock))
	}
	return New(
		store.NewMemoryStore[PublisherRecord](opts...),
		store.NewMemoryStore[SubscriberRecord](opts...),
		cfg,
	)
}

func recordKey(clientID, topic string) string {
	return clientID + keySeparator + topic
}

func validateIdentity(clientID, topic string) error {
	if strings.TrimSpace(clientID) == "" {
		return fmt.Errorf("%w: client id", sharedErrors.ErrMissingRequired)
	}
	if topic == "" {
		return fmt.Errorf("%w: topic", sharedErrors.ErrMissingRequired)
	}
	return nil
}

// TrackPublisher records that clientID published to topic.
func (r *Registry) TrackPublisher(ctx context.Context, clientID, topic string, md Metadata) (PublisherRecord, error) {
	if err := validateIdentity(clientID, topic); err != nil {
		return PublisherRecord{}, err
	}

	now := r.clock()
	rec, err := r.publishers.Update(ctx, recordKey(clientID, topic), r.retention,
		func(cur PublisherRecord, exists bool) (PublisherRecord, error) {
			if !exists {
				cur = PublisherRecord{
					ClientID:  clientID,
					Topic:     topic,
					FirstSeen: now,
				}
			}
			cur.MessageCount++
			cur.LastMessageTime = now
			cur.Metadata = cur.Metadata.Merge(md)
			return cur, nil
		})
	if err != nil {
		return PublisherRecord{}, fmt.Errorf("failed to track publisher %s on %s: %w", clientID, topic, err)
	}

	r.logger.Debug("publisher tracked",
		zap.String("client_id", clientID),
		zap.String("topic", topic),
		zap.Int("message_count", rec.MessageCount))
	return rec, nil
}

// TrackSubscriber records that clientID subscribed to topic (a filter).
func (r *Registry) TrackSubscriber(ctx context.Context, clientID, topic string, md Metadata) (SubscriberRecord, error) {
	if err := validateIdentity(clientID, topic); err != nil {
		return SubscriberRecord{}, err
	}
	if !ValidFilter(topic) {
		return SubscriberRecord{}, fmt.Errorf("%w: %q", sharedErrors.ErrInvalidTopic, topic)
	}

	now := r.clock()
	rec, err := r.subscribers.Update(ctx, recordKey(clientID, topic), r.retention,
		func(cur SubscriberRecord, exists bool) (SubscriberRecord, error) {
			if !exists {
				cur = SubscriberRecord{
					ClientID:     clientID,
					Topic:        topic,
					SubscribedAt: now,
				}
			}
			cur.Active = true
			cur.Metadata = cur.Metadata.Merge(md)
			return cur, nil
		})
	if err != nil {
		return SubscriberRecord{}, fmt.Errorf("failed to track subscriber %s on %s: %w", clientID, topic, err)
	}

	r.logger.Debug("subscriber tracked",
		zap.String("client_id", clientID),
		zap.String("topic", topic))
	return rec, nil
}

func (r *Registry) allPublishers(ctx context.Context) ([]PublisherRecord, error) {
	entries, err := r.publishers.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list publishers: %w", err)
	}
	out := make([]PublisherRecord, 0, len(entries))
	for _, e := range entries {
		rec := e.Value
		rec.Seq = e.Seq
		out = append(out, rec)
	}
	return out, nil
}

func (r *Registry) allSubscribers(ctx context.Context) ([]SubscriberRecord, error) {
	entries, err := r.subscribers.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	out := make([]SubscriberRecord, 0, len(entries))
	for _, e := range entries {
		rec := e.Value
		rec.Seq = e.Seq
		out = append(out, rec)
	}
	return out, nil
}
