package api

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/hanepo/MQTTScanner/internal/registry"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// MaxListenDuration caps the listen_duration a client may request.
const MaxListenDuration = 30 * time.Second

// ScanRequest is the body of POST /api/scan.
type ScanRequest struct {
	Target         string              `json:"target"`
	Creds          *broker.Credentials `json:"creds,omitempty"`
	ListenDuration float64             `json:"listen_duration,omitempty"`
}

// ScanServiceConfig configures a ScanService.
type ScanServiceConfig struct {
	Jobs           *JobManager
	Dialer         capture.BrokerDialer
	Registry       *registry.Registry
	Listen         capture.ListenConfig
	TopicFilter    string
	ClientID       string
	ConnectTimeout time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// ScanService runs one-off scans of arbitrary endpoints as background jobs.
type ScanService struct {
	jobs           *JobManager
	dialer         capture.BrokerDialer
	registry       *registry.Registry
	listen         capture.ListenConfig
	filter         string
	clientID       string
	connectTimeout time.Duration
	logger         *zap.Logger
	clock          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewScanService builds a ScanService.
func NewScanService(cfg ScanServiceConfig) *ScanService {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Jobs == nil {
		cfg.Jobs = NewJobManager(cfg.Clock)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = capture.NewPahoDialer(cfg.Logger)
	}
	if cfg.TopicFilter == "" {
		cfg.TopicFilter = capture.DefaultTopicFilter
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "scan-service"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ScanService{
		jobs:           cfg.Jobs,
		dialer:         cfg.Dialer,
		registry:       cfg.Registry,
		listen:         cfg.Listen,
		filter:         cfg.TopicFilter,
		clientID:       cfg.ClientID,
		connectTimeout: cfg.ConnectTimeout,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Jobs returns the job manager backing the service.
func (s *ScanService) Jobs() *JobManager {
	return s.jobs
}

// Start validates req, registers a job and runs it in the background.
func (s *ScanService) Start(req ScanRequest) (*Job, error) {
	endpoint, err := broker.ParseTarget(req.Target)
	if err != nil {
		return nil, err
	}
	if req.ListenDuration < 0 {
		return nil, fmt.Errorf("listen_duration cannot be negative")
	}

	listen := s.listen
	if req.ListenDuration > 0 {
		window := time.Duration(req.ListenDuration * float64(time.Second))
		if window > MaxListenDuration {
			window = MaxListenDuration
		}
		listen = listen.WithWindow(window)
	}

	var creds broker.Credentials
	if req.Creds != nil {
		creds = *req.Creds
	}

	job := s.jobs.CreateJob(req.Target, endpoint)
	s.wg.Go(func() {
		s.run(job.ID, endpoint, creds, listen)
	})
	return job, nil
}

// Shutdown cancels running scans and waits for them to finish.
func (s *ScanService) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every started scan has finished.
func (s *ScanService) Wait() {
	s.wg.Wait()
}

func (s *ScanService) run(id string, endpoint broker.Endpoint, creds broker.Credentials, listen capture.ListenConfig) {
	logger := s.logger.With(zap.String("job_id", id), zap.String("endpoint", endpoint.Address()))

	s.jobs.UpdateJob(id, func(j *Job) {
		now := s.clock()
		j.Status = JobRunning
		j.StartedAt = &now
		j.Progress = 10
		j.Message = fmt.Sprintf("Connecting to %s", endpoint.Address())
	})

	session, err := s.dialer.Dial(s.ctx, endpoint, capture.DialOptions{
		ClientID:       fmt.Sprintf("%s-%s", s.clientID, uuid.NewString()[:8]),
		Credentials:    creds,
		ConnectTimeout: s.connectTimeout,
	})
	if err != nil {
		logger.Warn("scan connection failed", zap.Error(err))
		s.fail(id, err)
		return
	}
	defer func() {
		if derr := session.Disconnect(); derr != nil {
			logger.Debug("disconnect failed", zap.Error(derr))
		}
	}()

	s.jobs.UpdateJob(id, func(j *Job) {
		j.Progress = 40
		j.Message = fmt.Sprintf("Listening on %s", s.filter)
	})

	res, err := capture.Listen(s.ctx, session, s.filter, endpoint.Address(), listen, s.clock)
	if err != nil {
		logger.Warn("scan subscribe failed", zap.Error(err))
		s.fail(id, fmt.Errorf("subscribe failed on %s: %w", endpoint.Address(), err))
		return
	}

	readings := broker.DedupeByTopic(res.Readings)
	s.track(logger, endpoint, readings)
	result := capture.Readings(readings)
	s.jobs.UpdateJob(id, func(j *Job) {
		now := s.clock()
		j.Status = JobCompleted
		j.Progress = 100
		j.Message = fmt.Sprintf("Captured %d topics", len(readings))
		j.FinishedAt = &now
		j.Result = &result
	})
	logger.Info("scan completed", zap.Int("topics", len(readings)), zap.String("stop", string(res.Stop)))
}

func (s *ScanService) fail(id string, err error) {
	result := capture.Failed(err)
	s.jobs.UpdateJob(id, func(j *Job) {
		now := s.clock()
		j.Status = JobFailed
		j.Progress = 100
		j.Message = "Scan failed"
		j.Error = err.Error()
		j.FinishedAt = &now
		j.Result = &result
	})
}

// track records scanned publishers when a registry is attached. Failures
// only cost the registry entry, never the scan.
func (s *ScanService) track(logger *zap.Logger, endpoint broker.Endpoint, readings []broker.Reading) {
	if s.registry == nil {
		return
	}
	for _, r := range readings {
		md := registry.Metadata{
			"endpoint":    endpoint.Address(),
			"tls":         endpoint.TLSEnabled,
			"sensor_type": capture.IdentifySensor(r.Topic, r.Message).Type,
			"source":      "scan_job",
		}
		if _, err := s.registry.TrackPublisher(s.ctx, capture.PublisherID(r), r.Topic, md); err != nil {
			logger.Warn("failed to track scanned publisher", zap.String("topic", r.Topic), zap.Error(err))
		}
	}
	if _, err := s.registry.TrackSubscriber(s.ctx, s.clientID, s.filter, registry.Metadata{
		"endpoint": endpoint.Address(),
		"purpose":  "Security Monitoring",
	}); err != nil {
		logger.Warn("failed to track scan subscription", zap.Error(err))
	}
}
