// Package scanclient talks to a remote scanning service over its job API.
package scanclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/capture"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"go.uber.org/zap"
)

// Defaults
const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	maxResponseBytes    = 10 << 20
)

// Job states reported by the service
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ScanRequest starts a scan of one target.
type ScanRequest struct {
	Target         string              `json:"target"`
	Creds          *broker.Credentials `json:"creds,omitempty"`
	ListenDuration float64             `json:"listen_duration,omitempty"`
}

// StartResponse acknowledges a started scan.
type StartResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobStatus is the progress of a scan job.
type JobStatus struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
}

// Finished reports whether the job reached a terminal state.
func (s JobStatus) Finished() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// JobResults is the payload of a finished scan.
type JobResults struct {
	JobID       string                 `json:"job_id"`
	Target      string                 `json:"target"`
	Results     capture.EndpointResult `json:"results"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Client is an HTTP client for the scanning service.
type Client struct {
	baseURL      *url.URL
	apiKey       string
	http         *http.Client
	pollInterval time.Duration
	listen       time.Duration
	logger       *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the X-API-KEY header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithPollInterval sets how often Poll asks for the job status.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithListenDuration sets the listen window requested by Capture.
func WithListenDuration(d time.Duration) Option {
	return func(c *Client) { c.listen = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: scan service URL: %w", sharedErrors.ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scan service URL must be http or https, got %q", sharedErrors.ErrInvalidInput, baseURL)
	}
	c := &Client{
		baseURL:      u,
		http:         &http.Client{Timeout: DefaultTimeout},
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StartScan asks the service to scan req.Target.
func (c *Client) StartScan(ctx context.Context, req ScanRequest) (StartResponse, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, "/api/scan", req, &out); err != nil {
		return StartResponse{}, err
	}
	if out.JobID == "" {
		return StartResponse{}, fmt.Errorf("%w: scan service returned no job id", sharedErrors.ErrDeserializationFailed)
	}
	return out, nil
}

// Status returns the current status of job id.
func (c *Client) Status(ctx context.Context, id string) (JobStatus, error) {
	var out JobStatus
	err := c.do(ctx, http.MethodGet, "/api/scan/"+url.PathEscape(id)+"/status", nil, &out)
	return out, err
}

// Results returns the results of a finished job.
func (c *Client) Results(ctx context.Context, id string) (JobResults, error) {
	var out JobResults
	err := c.do(ctx, http.MethodGet, "/api/scan/"+url.PathEscape(id)+"/results", nil, &out)
	return out, err
}

// Download returns the CSV export of a finished job.
func (c *Client) Download(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/scan/"+url.PathEscape(id)+"/download", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

// Poll waits until job id finishes or ctx ends.
func (c *Client) Poll(ctx context.Context, id string) (JobStatus, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, id)
		if err != nil {
			return JobStatus{}, err
		}
		if status.Finished() {
			return status, nil
		}
		c.logger.Debug("scan job in progress",
			zap.String("job_id", id),
			zap.Int("progress", status.Progress))
		select {
		case <-ctx.Done():
			return status, sharedErrors.NewEndpointError(sharedErrors.KindTimeoutExceeded,
				fmt.Sprintf("scan job %s did not finish in time", id), false, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Capture runs a complete remote scan of endpoint and returns its readings.
// A failed remote scan is returned as an *EndpointError of the same kind.
func (c *Client) Capture(ctx context.Context, kind broker.Kind, endpoint broker.Endpoint, creds broker.Credentials) ([]broker.Reading, error) {
	req := ScanRequest{Target: endpoint.URL(), ListenDuration: c.listen.Seconds()}
	if !creds.Empty() {
		req.Creds = &creds
	}

	started, err := c.StartScan(ctx, req)
	if err != nil {
		return nil, err
	}
	c.logger.Info("remote scan started",
		zap.String("broker", string(kind)),
		zap.String("job_id", started.JobID))

	if _, err := c.Poll(ctx, started.JobID); err != nil {
		return nil, err
	}
	results, err := c.Results(ctx, started.JobID)
	if err != nil {
		return nil, err
	}
	if f := results.Results.Failure; f != nil {
		return nil, sharedErrors.NewEndpointError(sharedErrors.Kind(f.Kind), f.Error, f.RequiresAuth, nil)
	}
	return results.Results.Readings, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", sharedErrors.ErrDeserializationFailed, method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx responses into errors.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", sharedErrors.ErrSerializationFailed, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, sharedErrors.NewEndpointError(sharedErrors.KindTimeoutExceeded,
				fmt.Sprintf("scan service request %s %s timed out", method, path), false, err)
		}
		return nil, sharedErrors.NewEndpointError(sharedErrors.KindConnectionFailure,
			fmt.Sprintf("scan service unreachable: %v", err), false, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, statusError(resp)
}

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scan service returned %d: %s", e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrNotFound) work for 404 answers.
func (e *StatusError) Is(target error) bool {
	return target == sharedErrors.ErrNotFound && e.StatusCode == http.StatusNotFound
}

func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
