// Package api serves the scanning-service job API and the dashboard REST
// endpoints over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hanepo/MQTTScanner/internal/api/middleware"
	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/hanepo/MQTTScanner/internal/history"
	"github.com/hanepo/MQTTScanner/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// CaptureService runs capture passes and security assessments.
type CaptureService interface {
	CaptureLatestSensorData(ctx context.Context, scanSecure, scanInsecure, forceFresh bool) (capture.CaptureResult, error)
	Assess(ctx context.Context, forceFresh bool) (capture.SecurityReport, error)
	ClearCache(ctx context.Context) error
}

// ClientService answers client registry queries.
type ClientService interface {
	Clients(ctx context.Context) ([]registry.ClientSummary, error)
	ClientDetails(ctx context.Context, clientID string) (registry.ClientDetails, error)
	TopicStatistics(ctx context.Context, topic string) (registry.TopicStatistics, error)
	AnalyzePatterns(ctx context.Context) (registry.PatternAnalysis, error)
}

// HistoryService reads stored readings.
type HistoryService interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
	ByTopic(ctx context.Context, topic string, limit int) ([]history.Record, error)
}

// Config wires the server. Nil services make their routes answer 404.
type Config struct {
	Capture      CaptureService
	Clients      ClientService
	History      HistoryService
	Scans        *ScanService
	APIKey       string
	HistoryLimit int
	Logger       *zap.Logger
	CORSOrigins  []string // Allowed CORS origins (empty = allow all)
	RateLimit    int      // Requests per second per IP (0 = disabled)
	RateBurst    int
}

// Server is the HTTP API.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	limiters *rateLimiterMap
}

// NewServer builds a Server and registers its routes.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	srv := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		limiters: newRateLimiterMap(),
	}
	srv.routes()
	return srv
}

// Close releases background resources.
func (s *Server) Close() {
	s.limiters.close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// RequestID -> Logging -> RateLimit -> CORS -> mux
	handler := middleware.RequestID(s.withLogging(s.withRateLimit(s.withCORS(s.mux))))
	handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// scanning-service job API
	s.mux.Handle("/api/scan", s.withAuth(http.HandlerFunc(s.handleStartScan)))
	s.mux.Handle("/api/scan/{id}/status", s.withAuth(http.HandlerFunc(s.handleScanStatus)))
	s.mux.Handle("/api/scan/{id}/results", s.withAuth(http.HandlerFunc(s.handleScanResults)))
	s.mux.Handle("/api/scan/{id}/download", s.withAuth(http.HandlerFunc(s.handleScanDownload)))
	s.mux.Handle("/api/jobs", s.withAuth(http.HandlerFunc(s.handleJobs)))

	s.mux.HandleFunc("/api/v1/health", s.handleHealth)
	s.mux.Handle("/api/v1/capture", s.withAuth(http.HandlerFunc(s.handleCapture)))
	s.mux.Handle("/api/v1/cache", s.withAuth(http.HandlerFunc(s.handleCache)))
	s.mux.Handle("/api/v1/security", s.withAuth(http.HandlerFunc(s.handleSecurity)))
	s.mux.Handle("/api/v1/clients", s.withAuth(http.HandlerFunc(s.handleClients)))
	s.mux.Handle("/api/v1/clients/{id}", s.withAuth(http.HandlerFunc(s.handleClientByID)))
	s.mux.Handle("/api/v1/topics/stats", s.withAuth(http.HandlerFunc(s.handleTopicStats)))
	s.mux.Handle("/api/v1/patterns", s.withAuth(http.HandlerFunc(s.handlePatterns)))
	s.mux.Handle("/api/v1/readings/history", s.withAuth(http.HandlerFunc(s.handleHistory)))
	s.mux.Handle("/api/v1/jobs", s.withAuth(http.HandlerFunc(s.handleJobs)))
	s.mux.Handle("/api/v1/jobs-stream", s.withAuth(http.HandlerFunc(s.handleJobStream)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scans == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("scan service not available"))
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	job, err := s.cfg.Scans.Start(req)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

// scanJob resolves the {id} path value to a job, writing the error response
// itself when it cannot.
func (s *Server) scanJob(w http.ResponseWriter, r *http.Request) (*Job, bool) {
	if s.cfg.Scans == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("scan service not available"))
		return nil, false
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return nil, false
	}
	job := s.cfg.Scans.Jobs().GetJob(r.PathValue("id"))
	if job == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("Job not found"))
		return nil, false
	}
	return job, true
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.scanJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.scanJob(w, r)
	if !ok {
		return
	}
	if !job.Status.Finished() || job.Result == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "Scan not completed yet",
			"status": string(job.Status),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       job.ID,
		"target":       job.Target,
		"status":       job.Status,
		"results":      job.Result,
		"completed_at": job.FinishedAt,
	})
}

func (s *Server) handleScanDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.scanJob(w, r)
	if !ok {
		return
	}
	if !job.Status.Finished() || job.Result == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "Scan not completed yet",
			"status": string(job.Status),
		})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, job.ID))
	w.WriteHeader(http.StatusOK)

	if err := WriteReadingsCSV(w, job.Result.Readings); err != nil {
		s.requestLogger(r).Error("failed to write csv", zap.Error(err))
	}
}

// WriteReadingsCSV writes readings as topic,endpoint,timestamp,raw rows.
func WriteReadingsCSV(w io.Writer, readings []broker.Reading) error {
	cw := csv.NewWriter(w)
	rows := [][]string{{"topic", "endpoint", "timestamp", "raw"}}
	for _, reading := range readings {
		rows = append(rows, []string{
			reading.Topic,
			reading.Source,
			reading.Timestamp.UTC().Format(time.RFC3339),
			reading.Raw,
		})
	}
	return cw.WriteAll(rows)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scans == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("scan service not available"))
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	limit := queryInt(r, "limit", 25)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.cfg.Scans.Jobs().ListJobs(limit)})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Capture == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("capture service not available"))
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	fresh, err := queryBool(r, "fresh", false)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	scanSecure, err := queryBool(r, "secure", true)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	scanInsecure, err := queryBool(r, "insecure", true)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	result, err := s.cfg.Capture.CaptureLatestSensorData(r.Context(), scanSecure, scanInsecure, fresh)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Capture == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("capture service not available"))
		return
	}
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, r)
		return
	}
	if err := s.cfg.Capture.ClearCache(r.Context()); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Capture == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("capture service not available"))
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	fresh, err := queryBool(r, "fresh", false)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	report, err := s.cfg.Capture.Assess(r.Context(), fresh)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if !s.clientsAvailable(w, r) {
		return
	}
	clients, err := s.cfg.Clients.Clients(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients, "count": len(clients)})
}

func (s *Server) handleClientByID(w http.ResponseWriter, r *http.Request) {
	if !s.clientsAvailable(w, r) {
		return
	}
	details, err := s.cfg.Clients.ClientDetails(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if details.Role == registry.RoleUnknown {
		s.writeError(w, r, http.StatusNotFound, errors.New("client not found"))
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleTopicStats(w http.ResponseWriter, r *http.Request) {
	if !s.clientsAvailable(w, r) {
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("topic query parameter is required"))
		return
	}
	stats, err := s.cfg.Clients.TopicStatistics(r.Context(), topic)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if !s.clientsAvailable(w, r) {
		return
	}
	analysis, err := s.cfg.Clients.AnalyzePatterns(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) clientsAvailable(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Clients == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("client registry not available"))
		return false
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return false
	}
	return true
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("reading history not enabled"))
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	limit := queryInt(r, "limit", s.cfg.HistoryLimit)

	var (
		records []history.Record
		err     error
	)
	if topic := r.URL.Query().Get("topic"); topic != "" {
		records, err = s.cfg.History.ByTopic(r.Context(), topic, limit)
	} else {
		records, err = s.cfg.History.Recent(r.Context(), limit)
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": records, "count": len(records)})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scans == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("scan service not available"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	updates, unsubscribe := s.cfg.Scans.Jobs().Subscribe()
	defer unsubscribe()
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case job, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(job)
			if err != nil {
				s.requestLogger(r).Error("failed to marshal job", zap.Error(err))
				continue
			}
			if !s.writeStreamChunk(w, []byte("event: job\ndata: ")) ||
				!s.writeStreamChunk(w, payload) ||
				!s.writeStreamChunk(w, []byte("\n\n")) {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func queryBool(r *http.Request, key string, def bool) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q", key, raw)
	}
	return v, nil
}

func queryInt(r *http.Request, key string, def int) int {
	if q := r.URL.Query().Get(key); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := clientIP(r)
		limiter := s.limiters.getLimiter(clientIP, s.cfg.RateLimit, s.cfg.RateBurst)
		if !limiter.Allow() {
			s.requestLogger(r).Warn("rate_limit_exceeded", zap.String("client_ip", clientIP))
			s.writeError(w, r, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop and drops the port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(first)
	}
	if idx := strings.LastIndex(ip, ":"); idx > 0 && !strings.HasSuffix(ip, "]") {
		ip = ip[:idx]
	}
	return ip
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowOrigin := "*"
		if len(s.cfg.CORSOrigins) > 0 {
			allowOrigin = ""
			for _, allowed := range s.cfg.CORSOrigins {
				if allowed == origin {
					allowOrigin = origin
					break
				}
			}
		}

		if allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-KEY")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(lrw, r)

		s.cfg.Logger.Info("http_request",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lrw.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.Int64("bytes", lrw.bytesWritten),
		)
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.APIKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-KEY")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingResponseWriter captures the status code and byte count.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesWritten += int64(n)
	return n, err
}

// Flush keeps SSE working through the wrapper.
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError hides the detail of 5xx errors from clients and logs it.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		s.requestLogger(r).Error("internal_server_error",
			zap.Error(err),
			zap.Int("status", status),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) requestLogger(r *http.Request) *zap.Logger {
	logger := s.cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func (s *Server) writeStreamChunk(w http.ResponseWriter, data []byte) bool {
	if _, err := w.Write(data); err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Error("failed to write stream chunk", zap.Error(err))
		}
		return false
	}
	return true
}

// rateLimiterMap manages per-IP rate limiters and forgets idle ones.
type rateLimiterMap struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	stop     chan struct{}
	once     sync.Once
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiterMap() *rateLimiterMap {
	m := &rateLimiterMap{
		limiters: make(map[string]*ipLimiter),
		stop:     make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *rateLimiterMap) getLimiter(ip string, rps, burst int) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if burst <= 0 {
		burst = rps
	}
	l, exists := m.limiters[ip]
	if !exists {
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		m.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.limiter
}

func (m *rateLimiterMap) close() {
	m.once.Do(func() { close(m.stop) })
}

// cleanupLoop removes limiters that haven't been used in 5 minutes
func (m *rateLimiterMap) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			for ip, l := range m.limiters {
				if time.Since(l.lastSeen) > 5*time.Minute {
					delete(m.limiters, ip)
				}
			}
			m.mu.Unlock()
		}
	}
}
