// Package capture drives bounded-time capture passes against the secure and
// insecure broker endpoints and feeds what it sees into the client registry.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hanepo/MQTTScanner/internal/analyzer"
	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/registry"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"github.com/hanepo/MQTTScanner/internal/store"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Defaults for Config
const (
	DefaultTopicFilter = "sensors/#"
	DefaultClientID    = "dashboard-scanner"
	DefaultCacheTTL    = 30 * time.Second
	// DefaultRemoteTimeout bounds one remote fallback scan, polling included.
	DefaultRemoteTimeout = 20 * time.Second
)

const (
	cacheKeyPrefix = "capture/"
	fullCacheKey   = cacheKeyPrefix + "secure+insecure"
)

// Config describes the two endpoints and the capture bounds.
type Config struct {
	Secure            broker.Endpoint
	SecureCredentials broker.Credentials
	Insecure          broker.Endpoint

	TopicFilter    string
	ClientID       string
	ConnectTimeout time.Duration
	Listen         ListenConfig
	CacheTTL       time.Duration
	RemoteTimeout  time.Duration

	// ACL state cannot be observed from outside the broker, so it is
	// declared per endpoint.
	SecureACL   bool
	InsecureACL bool
}

// Dependencies are the collaborators of an Orchestrator. Registry is
// required; everything else has a default or is optional.
type Dependencies struct {
	Cache    store.Store[CaptureResult]
	Registry *registry.Registry
	Analyzer *analyzer.Analyzer
	Helper   HelperRunner
	Dialer   BrokerDialer
	Remote   RemoteScanner
	Sink     ReadingSink
	Notifier Notifier
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Orchestrator runs capture passes. Concurrent passes for the same endpoint
// set are coalesced into one in-flight scan.
type Orchestrator struct {
	cfg      Config
	cache    store.Store[CaptureResult]
	registry *registry.Registry
	analyzer *analyzer.Analyzer
	helper   HelperRunner
	dialer   BrokerDialer
	remote   RemoteScanner
	sink     ReadingSink
	notifier Notifier
	logger   *zap.Logger
	clock    func() time.Time

	group singleflight.Group
}

// New builds an Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: registry", sharedErrors.ErrMissingRequired)
	}
	if cfg.TopicFilter == "" {
		cfg.TopicFilter = DefaultTopicFilter
	}
	if !registry.ValidFilter(cfg.TopicFilter) {
		return nil, fmt.Errorf("%w: %q", sharedErrors.ErrInvalidTopic, cfg.TopicFilter)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	cfg.Listen = cfg.Listen.withDefaults()

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Cache == nil {
		deps.Cache = store.NewMemoryStore[CaptureResult](store.WithClock(deps.Clock))
	}
	if deps.Dialer == nil {
		deps.Dialer = NewPahoDialer(deps.Logger)
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.New(analyzer.WithLogger(deps.Logger), analyzer.WithClock(deps.Clock))
	}

	return &Orchestrator{
		cfg:      cfg,
		cache:    deps.Cache,
		registry: deps.Registry,
		analyzer: deps.Analyzer,
		helper:   deps.Helper,
		dialer:   deps.Dialer,
		remote:   deps.Remote,
		sink:     deps.Sink,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		clock:    deps.Clock,
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// cacheKey separates results by endpoint set so a single-endpoint pass never
// answers a request for the other endpoint.
func cacheKey(scanSecure, scanInsecure bool) string {
	switch {
	case scanSecure && scanInsecure:
		return fullCacheKey
	case scanSecure:
		return cacheKeyPrefix + "secure"
	case scanInsecure:
		return cacheKeyPrefix + "insecure"
	default:
		return cacheKeyPrefix + "none"
	}
}

// CaptureLatestSensorData returns the latest readings from the requested
// endpoints. A cached result younger than the cache TTL is returned as is
// unless forceFresh is set, in which case the cache entry is dropped first.
// Per-endpoint failures are reported inside the result; only cache and
// registry failures are returned as errors.
func (o *Orchestrator) CaptureLatestSensorData(ctx context.Context, scanSecure, scanInsecure, forceFresh bool) (CaptureResult, error) {
	key := cacheKey(scanSecure, scanInsecure)

	if forceFresh {
		if err := o.cache.Invalidate(ctx, key); err != nil {
			return CaptureResult{}, fmt.Errorf("failed to invalidate capture cache: %w", err)
		}
	} else {
		cached, ok, err := o.cache.Get(ctx, key)
		if err != nil {
			return CaptureResult{}, fmt.Errorf("failed to read capture cache: %w", err)
		}
		if ok {
			o.logger.Debug("returning cached sensor data", zap.Time("captured_at", cached.Timestamp))
			return cached, nil
		}
	}

	// The scan outlives any single caller so joined callers are not cut
	// short by the leader's cancellation; each caller still stops waiting
	// on its own context. A forceFresh caller that joins a pass started
	// without it gets that pass's result, which may be the cache entry the
	// leader read just before the invalidation above.
	scanCtx := context.WithoutCancel(ctx)
	ch := o.group.DoChan(key, func() (any, error) {
		if !forceFresh {
			if cached, ok, err := o.cache.Get(scanCtx, key); err == nil && ok {
				return cached, nil
			}
		}
		return o.capture(scanCtx, key, scanSecure, scanInsecure)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return CaptureResult{}, res.Err
		}
		if res.Shared {
			o.logger.Debug("joined in-flight capture", zap.String("key", key))
		}
		return res.Val.(CaptureResult), nil
	case <-ctx.Done():
		return CaptureResult{}, ctx.Err()
	}
}

func (o *Orchestrator) capture(ctx context.Context, key string, scanSecure, scanInsecure bool) (CaptureResult, error) {
	result := CaptureResult{
		Secure:    Readings(nil),
		Insecure:  Readings(nil),
		Timestamp: o.clock(),
	}

	var wg conc.WaitGroup
	if scanSecure {
		wg.Go(func() {
			result.Secure = o.scanEndpoint(ctx, broker.KindSecure, o.cfg.Secure, o.cfg.SecureCredentials)
		})
	}
	if scanInsecure {
		wg.Go(func() {
			result.Insecure = o.scanEndpoint(ctx, broker.KindInsecure, o.cfg.Insecure, broker.Credentials{})
		})
	}
	wg.Wait()

	if err := o.track(ctx, result); err != nil {
		return CaptureResult{}, err
	}

	if err := o.cache.Put(ctx, key, result, o.cfg.CacheTTL); err != nil {
		return CaptureResult{}, fmt.Errorf("failed to cache capture result: %w", err)
	}

	o.publish(ctx, result)
	return result, nil
}

func (o *Orchestrator) scanEndpoint(ctx context.Context, kind broker.Kind, endpoint broker.Endpoint, creds broker.Credentials) EndpointResult {
	logger := o.logger.With(
		zap.String("broker", string(kind)),
		zap.String("endpoint", endpoint.Address()))
	requiresAuth := kind == broker.KindSecure

	if kind == broker.KindSecure && creds.Empty() {
		logger.Info("skipping secure broker scan, no credentials configured")
		return Failed(sharedErrors.NewEndpointError(sharedErrors.KindAuthRequired,
			"Authentication required - secure broker requires username and password", true, nil))
	}

	if o.helper != nil {
		outcome := o.helper.Run(ctx, endpoint, creds)
		if outcome.Status == HelperOK {
			readings := broker.DedupeByTopic(outcome.Readings(endpoint.Address(), o.clock()))
			logger.Info("capture helper collected messages", zap.Int("count", len(readings)))
			return EndpointResult{Readings: readings, connected: true}
		}
		logger.Info("capture helper unavailable, falling back to direct connection",
			zap.String("status", string(outcome.Status)),
			zap.String("detail", outcome.Detail))
	}

	readings, err := o.captureDirect(ctx, logger, endpoint, creds)
	if err == nil {
		return EndpointResult{Readings: broker.DedupeByTopic(readings), connected: true}
	}

	failureKind := sharedErrors.KindOf(err)
	if o.remote != nil && (failureKind == sharedErrors.KindConnectionFailure || failureKind == sharedErrors.KindTimeoutExceeded) {
		remote, rerr := o.captureRemote(ctx, kind, endpoint, creds)
		if rerr == nil {
			logger.Info("remote scanner collected messages", zap.Int("count", len(remote)))
			return Readings(broker.DedupeByTopic(remote))
		}
		logger.Warn("remote scanner failed", zap.Error(rerr))
		if sharedErrors.KindOf(rerr) == sharedErrors.KindTimeoutExceeded {
			return Failed(withRequiresAuth(rerr, requiresAuth))
		}
	}

	logger.Warn("broker scan failed", zap.String("kind", string(failureKind)), zap.Error(err))
	return Failed(withRequiresAuth(err, requiresAuth))
}

// captureRemote runs the remote fallback under RemoteTimeout. A remote
// scanner that ignores its context is abandoned once the deadline passes.
func (o *Orchestrator) captureRemote(ctx context.Context, kind broker.Kind, endpoint broker.Endpoint, creds broker.Credentials) ([]broker.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RemoteTimeout)
	defer cancel()

	type outcome struct {
		readings []broker.Reading
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		readings, err := o.remote.Capture(ctx, kind, endpoint, creds)
		done <- outcome{readings, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, remoteTimeout(o.cfg.RemoteTimeout, out.err)
		}
		return out.readings, out.err
	case <-ctx.Done():
		return nil, remoteTimeout(o.cfg.RemoteTimeout, ctx.Err())
	}
}

func remoteTimeout(limit time.Duration, cause error) error {
	return sharedErrors.NewEndpointError(sharedErrors.KindTimeoutExceeded,
		fmt.Sprintf("Remote scan did not finish within %s", limit), false, cause)
}

func (o *Orchestrator) captureDirect(ctx context.Context, logger *zap.Logger, endpoint broker.Endpoint, creds broker.Credentials) ([]broker.Reading, error) {
	session, err := o.dialer.Dial(ctx, endpoint, DialOptions{
		ClientID:       o.sessionClientID(),
		Credentials:    creds,
		ConnectTimeout: o.cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := session.Disconnect(); derr != nil {
			logger.Debug("disconnect failed", zap.Error(derr))
		}
	}()

	res, err := Listen(ctx, session, o.cfg.TopicFilter, endpoint.Address(), o.cfg.Listen, o.clock)
	if err != nil {
		var epErr *sharedErrors.EndpointError
		if errors.As(err, &epErr) {
			return nil, err
		}
		return nil, sharedErrors.NewEndpointError(sharedErrors.KindConnectionFailure,
			fmt.Sprintf("Subscribe failed on %s: %v", endpoint.Address(), err), false, err)
	}

	logger.Info("collected messages",
		zap.Int("count", len(res.Readings)),
		zap.String("stop", string(res.Stop)),
		zap.Int("loops", res.Loops))
	return res.Readings, nil
}

func withRequiresAuth(err error, requiresAuth bool) error {
	var epErr *sharedErrors.EndpointError
	if errors.As(err, &epErr) {
		out := *epErr
		out.RequiresAuth = requiresAuth
		return &out
	}
	return sharedErrors.NewEndpointError(sharedErrors.KindConnectionFailure, err.Error(), requiresAuth, err)
}

func (o *Orchestrator) sessionClientID() string {
	return fmt.Sprintf("%s-%s", o.cfg.ClientID, uuid.NewString()[:8])
}

func (o *Orchestrator) endpointFor(kind broker.Kind) broker.Endpoint {
	if kind == broker.KindSecure {
		return o.cfg.Secure
	}
	return o.cfg.Insecure
}

// track records every reading as a publisher observation and the scanner as
// a subscriber of the filter on each endpoint it reached.
func (o *Orchestrator) track(ctx context.Context, result CaptureResult) error {
	for _, kind := range []broker.Kind{broker.KindSecure, broker.KindInsecure} {
		slot := result.Slot(kind)
		if !slot.OK() {
			continue
		}
		endpoint := o.endpointFor(kind)

		for _, r := range slot.Readings {
			md := registry.Metadata{
				"endpoint":    endpoint.Address(),
				"tls":         endpoint.TLSEnabled,
				"sensor_type": IdentifySensor(r.Topic, r.Message).Type,
			}
			if r.Retained {
				md["retained"] = true
			}
			if _, err := o.registry.TrackPublisher(ctx, PublisherID(r), r.Topic, md); err != nil {
				if isValidationError(err) {
					o.logger.Debug("skipping untrackable reading", zap.String("topic", r.Topic), zap.Error(err))
					continue
				}
				return fmt.Errorf("failed to track publisher: %w", err)
			}
		}

		if slot.connected {
			md := registry.Metadata{
				"endpoint": endpoint.Address(),
				"tls":      endpoint.TLSEnabled,
				"purpose":  "Security Monitoring",
			}
			if _, err := o.registry.TrackSubscriber(ctx, o.cfg.ClientID, o.cfg.TopicFilter, md); err != nil {
				return fmt.Errorf("failed to track scanner subscription: %w", err)
			}
		}
	}
	return nil
}

func isValidationError(err error) bool {
	return errors.Is(err, sharedErrors.ErrMissingRequired) || errors.Is(err, sharedErrors.ErrInvalidTopic)
}

// publish hands the result to the optional sinks. Their failures are logged
// and otherwise ignored.
func (o *Orchestrator) publish(ctx context.Context, result CaptureResult) {
	if o.sink != nil {
		for _, kind := range []broker.Kind{broker.KindSecure, broker.KindInsecure} {
			slot := result.Slot(kind)
			if !slot.OK() || len(slot.Readings) == 0 {
				continue
			}
			if err := o.sink.SaveReadings(ctx, kind, slot.Readings); err != nil {
				o.logger.Warn("failed to store readings", zap.String("broker", string(kind)), zap.Error(err))
			}
		}
	}
	if o.notifier != nil {
		if err := o.notifier.CaptureCompleted(ctx, result); err != nil {
			o.logger.Warn("failed to publish capture event", zap.Error(err))
		}
	}
}

// CachedResult returns the cached result of the last full pass, if any.
func (o *Orchestrator) CachedResult(ctx context.Context) (CaptureResult, bool, error) {
	result, ok, err := o.cache.Get(ctx, fullCacheKey)
	if err != nil {
		return CaptureResult{}, false, fmt.Errorf("failed to read capture cache: %w", err)
	}
	return result, ok, nil
}

// ClearCache drops every cached capture result.
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	entries, err := o.cache.List(ctx, cacheKeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list capture cache: %w", err)
	}
	for _, e := range entries {
		if err := o.cache.Invalidate(ctx, e.Key); err != nil {
			return fmt.Errorf("failed to clear capture cache: %w", err)
		}
	}
	return nil
}

// ProbeAnonymous connects to endpoint without credentials. It reports true
// when the broker refuses the anonymous CONNECT and false when it accepts
// it. Connection problems are returned as errors.
func (o *Orchestrator) ProbeAnonymous(ctx context.Context, endpoint broker.Endpoint) (bool, error) {
	session, err := o.dialer.Dial(ctx, endpoint, DialOptions{
		ClientID:       o.sessionClientID(),
		ConnectTimeout: o.cfg.ConnectTimeout,
	})
	if err != nil {
		if sharedErrors.KindOf(err) == sharedErrors.KindAuthRejected {
			return true, nil
		}
		return false, err
	}
	if derr := session.Disconnect(); derr != nil {
		o.logger.Debug("disconnect failed", zap.String("endpoint", endpoint.Address()), zap.Error(derr))
	}
	return false, nil
}
