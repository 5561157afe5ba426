// Package application wires the scanner's stores and services from a
// loaded configuration.
package application

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hanepo/MQTTScanner/internal/analyzer"
	"github.com/hanepo/MQTTScanner/internal/api"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/hanepo/MQTTScanner/internal/config"
	"github.com/hanepo/MQTTScanner/internal/events"
	"github.com/hanepo/MQTTScanner/internal/history"
	"github.com/hanepo/MQTTScanner/internal/registry"
	"github.com/hanepo/MQTTScanner/internal/scanclient"
	"github.com/hanepo/MQTTScanner/internal/shared/constants"
	"github.com/hanepo/MQTTScanner/internal/store"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Bucket names inside the bbolt file.
const (
	bucketCapture     = "capture_cache"
	bucketPublishers  = "publishers"
	bucketSubscribers = "subscribers"
)

// Options lets callers replace collaborators, mostly for tests.
type Options struct {
	Dialer capture.BrokerDialer
	// Certificates replaces the TLS handshake used to inspect the secure
	// listener.
	Certificates analyzer.CertificateFetcher
	Logger       *zap.Logger
}

// Container holds the services built from one configuration.
type Container struct {
	Config       *config.Config
	Registry     *registry.Registry
	Orchestrator *capture.Orchestrator
	History      *history.DB
	Remote       *scanclient.Client
	Notifier     *events.Notifier

	logger  *zap.Logger
	closers []func() error
}

// NewContainer opens the configured stores and builds the orchestrator.
// Optional integrations (history, NATS, remote scanner, helper) are wired
// only when configured.
func NewContainer(cfg *config.Config, opts Options) (*Container, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{Config: cfg, logger: logger}

	deps := capture.Dependencies{
		Dialer: opts.Dialer,
		Logger: logger.Named("capture"),
	}
	if opts.Certificates != nil {
		deps.Analyzer = analyzer.New(
			analyzer.WithLogger(logger.Named("capture")),
			analyzer.WithCertificateFetcher(opts.Certificates),
		)
	}

	regCfg := registry.Config{Retention: cfg.Capture.RegistryRetention, Logger: logger.Named("registry")}
	if cfg.Storage.StorePath != "" {
		if err := ensureParentDir(cfg.Storage.StorePath); err != nil {
			return nil, err
		}
		db, err := store.OpenBolt(cfg.Storage.StorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open store %s: %w", cfg.Storage.StorePath, err)
		}
		c.closers = append(c.closers, db.Close)

		reg, cache, err := boltBackends(db, regCfg)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.Registry = reg
		deps.Cache = cache
	} else {
		c.Registry = registry.NewInMemory(regCfg)
	}
	deps.Registry = c.Registry

	if cfg.Storage.HistoryPath != "" {
		if err := ensureParentDir(cfg.Storage.HistoryPath); err != nil {
			_ = c.Close()
			return nil, err
		}
		db, err := history.Open(cfg.Storage.HistoryPath)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to open history %s: %w", cfg.Storage.HistoryPath, err)
		}
		c.History = db
		c.closers = append(c.closers, db.Close)
		deps.Sink = db
	}

	if cfg.Events.NATSURL != "" {
		notifier, nc, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, logger.Named("events"))
		if err != nil {
			// capture runs without events
			logger.Warn("nats unavailable, capture events disabled", zap.String("url", cfg.Events.NATSURL), zap.Error(err))
		} else {
			c.Notifier = notifier
			c.closers = append(c.closers, func() error {
				nc.Close()
				return nil
			})
			deps.Notifier = notifier
		}
	}

	if cfg.Remote.URL != "" {
		remote, err := newRemote(cfg, logger)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.Remote = remote
		deps.Remote = remote
	}

	if cfg.HelperEnabled() {
		deps.Helper = capture.NewExecHelper(cfg.CaptureHelper())
	}

	orch, err := capture.New(cfg.CaptureConfig(), deps)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to build capture orchestrator: %w", err)
	}
	c.Orchestrator = orch
	return c, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, constants.DefaultDirPerm); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return nil
}

func boltBackends(db *bbolt.DB, regCfg registry.Config) (*registry.Registry, store.Store[capture.CaptureResult], error) {
	pubs, err := store.NewBoltStoreFromDB[registry.PublisherRecord](db, bucketPublishers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open publisher store: %w", err)
	}
	subs, err := store.NewBoltStoreFromDB[registry.SubscriberRecord](db, bucketSubscribers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open subscriber store: %w", err)
	}
	cache, err := store.NewBoltStoreFromDB[capture.CaptureResult](db, bucketCapture)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open capture cache: %w", err)
	}
	return registry.New(pubs, subs, regCfg), cache, nil
}

func newRemote(cfg *config.Config, logger *zap.Logger) (*scanclient.Client, error) {
	opts := []scanclient.Option{
		scanclient.WithAPIKey(cfg.Remote.APIKey),
		scanclient.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout}),
		scanclient.WithPollInterval(cfg.Remote.PollInterval),
		scanclient.WithListenDuration(cfg.Remote.ListenDuration),
		scanclient.WithLogger(logger.Named("remote")),
	}
	remote, err := scanclient.New(cfg.Remote.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build remote scanner: %w", err)
	}
	return remote, nil
}

// ScanService builds the one-off scan service used by the job API. It
// shares the container's registry and dialer settings.
func (c *Container) ScanService(dialer capture.BrokerDialer) *api.ScanService {
	return api.NewScanService(api.ScanServiceConfig{
		Dialer:         dialer,
		Registry:       c.Registry,
		Listen:         c.Config.Listen(),
		TopicFilter:    c.Config.Capture.TopicFilter,
		ConnectTimeout: c.Config.Capture.ConnectTimeout,
		Logger:         c.logger.Named("scans"),
	})
}

// Close releases every opened resource in reverse order.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
