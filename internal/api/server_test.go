package api

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/hanepo/MQTTScanner/internal/history"
	"github.com/hanepo/MQTTScanner/internal/registry"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"go.uber.org/zap/zaptest"
)

const testAPIKey = "secret-key"

// staticDialer serves canned messages per address.
type staticDialer struct {
	messages map[string][]string
	errs     map[string]error
}

func (d *staticDialer) Dial(_ context.Context, endpoint broker.Endpoint, _ capture.DialOptions) (capture.BrokerSession, error) {
	if err, ok := d.errs[endpoint.Address()]; ok {
		return nil, err
	}
	return &staticSession{topics: d.messages[endpoint.Address()]}, nil
}

type staticSession struct {
	topics []string
}

func (s *staticSession) Subscribe(_ context.Context, _ string, handler capture.MessageHandler) error {
	for _, topic := range s.topics {
		handler(topic, []byte(`{"temp_c":22,"hum_pct":40}`), false)
	}
	return nil
}

func (s *staticSession) Disconnect() error { return nil }

type fakeCapture struct {
	mu       sync.Mutex
	calls    [][3]bool
	err      error
	cleared  int
	result   capture.CaptureResult
	report   capture.SecurityReport
	assessed int
}

func (f *fakeCapture) CaptureLatestSensorData(_ context.Context, scanSecure, scanInsecure, forceFresh bool) (capture.CaptureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [3]bool{scanSecure, scanInsecure, forceFresh})
	return f.result, f.err
}

func (f *fakeCapture) Assess(context.Context, bool) (capture.SecurityReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assessed++
	return f.report, f.err
}

func (f *fakeCapture) ClearCache(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return f.err
}

type fakeHistory struct {
	lastLimit int
	lastTopic string
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Record, error) {
	f.lastLimit = limit
	return []history.Record{{Topic: "sensors/a"}}, nil
}

func (f *fakeHistory) ByTopic(_ context.Context, topic string, limit int) ([]history.Record, error) {
	f.lastLimit = limit
	f.lastTopic = topic
	return []history.Record{{Topic: topic}}, nil
}

func newTestScans(t *testing.T, dialer capture.BrokerDialer) *ScanService {
	t.Helper()
	jobs := NewJobManager(nil)
	svc := NewScanService(ScanServiceConfig{
		Jobs:   jobs,
		Dialer: dialer,
		Listen: capture.ListenConfig{PollInterval: time.Millisecond, SettleLoops: 1, MaxLoops: 5},
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(func() {
		svc.Shutdown()
		jobs.Close()
	})
	return svc
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	srv := NewServer(cfg)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", rr.Body.String(), err)
	}
	return out
}

func waitForJob(t *testing.T, svc *ScanService, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job := svc.Jobs().GetJob(id); job != nil && job.Status.Finished() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusCreated, map[string]string{"status": "ok"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content-type, got %s", got)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestWriteErrorInternal(t *testing.T) {
	s := &Server{cfg: Config{Logger: zaptest.NewLogger(t)}}

	rr := httptest.NewRecorder()
	s.writeError(rr, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusInternalServerError, errors.New("boom"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal server error") || strings.Contains(rr.Body.String(), "boom") {
		t.Fatalf("expected sanitized message, got %s", rr.Body.String())
	}
}

func TestWriteErrorClient(t *testing.T) {
	s := &Server{}
	rr := httptest.NewRecorder()
	s.writeError(rr, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusBadRequest, errors.New("bad input"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "bad input") {
		t.Fatalf("expected original error message, got %s", rr.Body.String())
	}
}

func TestWriteStreamChunk(t *testing.T) {
	s := &Server{}
	rr := httptest.NewRecorder()
	if !s.writeStreamChunk(rr, []byte("hello")) {
		t.Fatal("expected writeStreamChunk to succeed")
	}
	if rr.Body.String() != "hello" {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}

	if s.writeStreamChunk(&failingWriter{}, []byte("fail")) {
		t.Fatalf("expected writeStreamChunk to fail")
	}
}

type failingWriter struct{}

func (f *failingWriter) Header() http.Header { return http.Header{} }
func (f *failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("write failed")
}
func (f *failingWriter) WriteHeader(statusCode int) {}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: testAPIKey})

	rr := do(t, srv, http.MethodGet, "/api/v1/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestAuthRequiresAPIKey(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: testAPIKey, Capture: &fakeCapture{}})

	if rr := do(t, srv, http.MethodGet, "/api/v1/capture", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/api/v1/capture", "", map[string]string{"X-API-KEY": "wrong"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/api/v1/capture", "", map[string]string{"X-API-KEY": testAPIKey}); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rr.Code)
	}
}

func TestScanLifecycle(t *testing.T) {
	dialer := &staticDialer{messages: map[string][]string{
		"broker.local:1883": {"sensors/lab/dht11", "sensors/lab/dht11", "sensors/lab/pir"},
	}}
	scans := newTestScans(t, dialer)
	srv := newTestServer(t, Config{APIKey: testAPIKey, Scans: scans})
	auth := map[string]string{"X-API-KEY": testAPIKey}

	rr := do(t, srv, http.MethodPost, "/api/scan", `{"target":"tcp://broker.local:1883","listen_duration":1}`, auth)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	id, _ := body["job_id"].(string)
	if id == "" {
		t.Fatalf("missing job_id in %v", body)
	}
	if body["status"] != string(JobQueued) {
		t.Errorf("expected queued status, got %v", body["status"])
	}

	job := waitForJob(t, scans, id)
	if job.Status != JobCompleted {
		t.Fatalf("expected completed job, got %s (%s)", job.Status, job.Error)
	}

	rr = do(t, srv, http.MethodGet, "/api/scan/"+id+"/status", "", auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	status := decode(t, rr)
	if status["status"] != "completed" || status["progress"] != float64(100) {
		t.Errorf("unexpected status body: %v", status)
	}
	if status["completed_at"] == nil {
		t.Error("expected completed_at")
	}

	rr = do(t, srv, http.MethodGet, "/api/scan/"+id+"/results", "", auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var results struct {
		JobID   string                 `json:"job_id"`
		Target  string                 `json:"target"`
		Results capture.EndpointResult `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if results.Target != "tcp://broker.local:1883" {
		t.Errorf("unexpected target %s", results.Target)
	}
	if len(results.Results.Readings) != 2 {
		t.Fatalf("expected 2 deduplicated readings, got %d", len(results.Results.Readings))
	}

	rr = do(t, srv, http.MethodGet, "/api/scan/"+id+"/download", "", auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv, got %s", ct)
	}
	rows, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "topic" || rows[1][0] != "sensors/lab/dht11" {
		t.Fatalf("unexpected csv rows: %v", rows)
	}
}

func TestScanListenDurationCoversQuietBroker(t *testing.T) {
	scans := newTestScans(t, &staticDialer{})

	job, err := scans.Start(ScanRequest{Target: "broker.local", ListenDuration: 0.3})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	job = waitForJob(t, scans, job.ID)
	if job.Status != JobCompleted {
		t.Fatalf("expected completed job, got %s (%s)", job.Status, job.Error)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatal("expected start and finish times")
	}
	if listened := job.FinishedAt.Sub(*job.StartedAt); listened < 300*time.Millisecond {
		t.Errorf("requested a 300ms window, job listened %v", listened)
	}
}

func TestScanFailureIsReported(t *testing.T) {
	dialer := &staticDialer{errs: map[string]error{
		"broker.local:8883": sharedErrors.NewEndpointError(sharedErrors.KindAuthRejected, "Not authorized", true, nil),
	}}
	scans := newTestScans(t, dialer)
	srv := newTestServer(t, Config{Scans: scans})

	rr := do(t, srv, http.MethodPost, "/api/scan", `{"target":"broker.local:8883"}`, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	id := decode(t, rr)["job_id"].(string)
	job := waitForJob(t, scans, id)
	if job.Status != JobFailed || job.Error == "" {
		t.Fatalf("expected failed job with error, got %+v", job)
	}
	if !job.Endpoint.TLSEnabled {
		t.Error("port 8883 should be scanned over TLS")
	}

	rr = do(t, srv, http.MethodGet, "/api/scan/"+id+"/results", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decode(t, rr)
	failure, ok := body["results"].(map[string]any)
	if !ok {
		t.Fatalf("expected failure object, got %v", body["results"])
	}
	if failure["kind"] != string(sharedErrors.KindAuthRejected) || failure["requires_auth"] != true {
		t.Errorf("unexpected failure: %v", failure)
	}
}

func TestScanResultsNotReady(t *testing.T) {
	scans := newTestScans(t, &staticDialer{})
	srv := newTestServer(t, Config{Scans: scans})
	job := scans.Jobs().CreateJob("broker.local", testEndpoint)

	for _, path := range []string{"/results", "/download"} {
		rr := do(t, srv, http.MethodGet, "/api/scan/"+job.ID+path, "", nil)
		if rr.Code != http.StatusConflict {
			t.Fatalf("%s: expected 409, got %d", path, rr.Code)
		}
		body := decode(t, rr)
		if body["error"] != "Scan not completed yet" || body["status"] != "queued" {
			t.Errorf("%s: unexpected body %v", path, body)
		}
	}
}

func TestScanRequestErrors(t *testing.T) {
	scans := newTestScans(t, &staticDialer{})
	srv := newTestServer(t, Config{Scans: scans})

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown job", http.MethodGet, "/api/scan/scan-missing/status", "", http.StatusNotFound},
		{"bad json", http.MethodPost, "/api/scan", "{", http.StatusBadRequest},
		{"empty target", http.MethodPost, "/api/scan", `{"target":""}`, http.StatusBadRequest},
		{"bad scheme", http.MethodPost, "/api/scan", `{"target":"http://broker.local"}`, http.StatusBadRequest},
		{"negative listen", http.MethodPost, "/api/scan", `{"target":"broker.local","listen_duration":-1}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/scan", "", http.StatusMethodNotAllowed},
		{"post status", http.MethodPost, "/api/scan/x/status", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, srv, tc.method, tc.path, tc.body, nil)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestJobsList(t *testing.T) {
	scans := newTestScans(t, &staticDialer{})
	srv := newTestServer(t, Config{Scans: scans})
	scans.Jobs().CreateJob("a", testEndpoint)
	scans.Jobs().CreateJob("b", testEndpoint)

	rr := do(t, srv, http.MethodGet, "/api/v1/jobs?limit=1", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	jobs, _ := decode(t, rr)["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
}

func TestCaptureQueryParameters(t *testing.T) {
	fc := &fakeCapture{result: capture.CaptureResult{
		Secure:   capture.Readings(nil),
		Insecure: capture.Readings(nil),
	}}
	srv := newTestServer(t, Config{Capture: fc})

	rr := do(t, srv, http.MethodGet, "/api/v1/capture?fresh=true&secure=false", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := fc.calls[0]; got != [3]bool{false, true, true} {
		t.Errorf("unexpected call arguments %v", got)
	}
	body := decode(t, rr)
	if _, ok := body["secure"].([]any); !ok {
		t.Errorf("expected secure readings array, got %v", body["secure"])
	}

	if rr := do(t, srv, http.MethodGet, "/api/v1/capture?fresh=maybe", "", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid bool, got %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodPost, "/api/v1/capture", "", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestCaptureFailureIsSanitized(t *testing.T) {
	fc := &fakeCapture{err: errors.New("bolt: database not open")}
	srv := newTestServer(t, Config{Capture: fc})

	rr := do(t, srv, http.MethodGet, "/api/v1/capture", "", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "bolt") {
		t.Fatalf("internal detail leaked: %s", rr.Body.String())
	}
}

func TestSecurityAndCache(t *testing.T) {
	fc := &fakeCapture{}
	srv := newTestServer(t, Config{Capture: fc})

	if rr := do(t, srv, http.MethodGet, "/api/v1/security?fresh=1", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if fc.assessed != 1 {
		t.Errorf("expected one assessment, got %d", fc.assessed)
	}

	if rr := do(t, srv, http.MethodDelete, "/api/v1/cache", "", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if fc.cleared != 1 {
		t.Errorf("expected cache cleared once, got %d", fc.cleared)
	}
	if rr := do(t, srv, http.MethodGet, "/api/v1/cache", "", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestClientRoutes(t *testing.T) {
	reg := registry.NewInMemory(registry.Config{})
	ctx := context.Background()
	if _, err := reg.TrackPublisher(ctx, "esp32-a", "sensors/lab/dht11", nil); err != nil {
		t.Fatalf("track publisher: %v", err)
	}
	if _, err := reg.TrackSubscriber(ctx, "dashboard", "sensors/#", nil); err != nil {
		t.Fatalf("track subscriber: %v", err)
	}
	srv := newTestServer(t, Config{Clients: reg})

	rr := do(t, srv, http.MethodGet, "/api/v1/clients", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if decode(t, rr)["count"] != float64(2) {
		t.Errorf("expected 2 clients, got %s", rr.Body.String())
	}

	rr = do(t, srv, http.MethodGet, "/api/v1/clients/esp32-a", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if decode(t, rr)["role"] != registry.RolePublisherOnly {
		t.Errorf("unexpected details %s", rr.Body.String())
	}

	if rr := do(t, srv, http.MethodGet, "/api/v1/clients/ghost", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown client, got %d", rr.Code)
	}

	if rr := do(t, srv, http.MethodGet, "/api/v1/topics/stats", "", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without topic, got %d", rr.Code)
	}
	rr = do(t, srv, http.MethodGet, "/api/v1/topics/stats?topic=sensors/lab/dht11", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	stats := decode(t, rr)
	if stats["publisher_count"] != float64(1) || stats["subscriber_count"] != float64(1) {
		t.Errorf("unexpected stats %v", stats)
	}

	if rr := do(t, srv, http.MethodGet, "/api/v1/patterns", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHistoryRoutes(t *testing.T) {
	fh := &fakeHistory{}
	srv := newTestServer(t, Config{History: fh, HistoryLimit: 50})

	rr := do(t, srv, http.MethodGet, "/api/v1/readings/history", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if fh.lastLimit != 50 {
		t.Errorf("expected default limit 50, got %d", fh.lastLimit)
	}

	rr = do(t, srv, http.MethodGet, "/api/v1/readings/history?limit=5&topic=sensors/x", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if fh.lastLimit != 5 || fh.lastTopic != "sensors/x" {
		t.Errorf("unexpected query %d %q", fh.lastLimit, fh.lastTopic)
	}
}

func TestMissingServicesReturnNotFound(t *testing.T) {
	srv := newTestServer(t, Config{})

	for _, path := range []string{
		"/api/scan/x/status",
		"/api/v1/capture",
		"/api/v1/security",
		"/api/v1/clients",
		"/api/v1/readings/history",
		"/api/v1/jobs",
	} {
		if rr := do(t, srv, http.MethodGet, path, "", nil); rr.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rr.Code)
		}
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: 1, RateBurst: 1})

	if rr := do(t, srv, http.MethodGet, "/api/v1/health", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/api/v1/health", "", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, Config{CORSOrigins: []string{"https://dash.example"}})

	rr := do(t, srv, http.MethodOptions, "/api/v1/capture", "", map[string]string{"Origin": "https://dash.example"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Errorf("unexpected allow origin %q", got)
	}

	rr = do(t, srv, http.MethodGet, "/api/v1/health", "", map[string]string{"Origin": "https://evil.example"})
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS header for unknown origin, got %q", got)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		remote    string
		forwarded string
		want      string
	}{
		{"10.0.0.1:5555", "", "10.0.0.1"},
		{"10.0.0.1:5555", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"[::1]:5555", "", "[::1]"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tc.forwarded)
		}
		if got := clientIP(req); got != tc.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tc.remote, tc.forwarded, got, tc.want)
		}
	}
}

func TestJobStream(t *testing.T) {
	scans := newTestScans(t, &staticDialer{})
	srv := newTestServer(t, Config{Scans: scans})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/jobs-stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %s", ct)
	}

	job := scans.Jobs().CreateJob("broker.local", testEndpoint)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, job.ID) {
			return
		}
	}
}
