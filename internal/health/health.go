package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/buffer"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
)

const checkTimeout = 2 * time.Second

// Options configures the server. Nil fields disable the matching feature.
type Options struct {
	Port string
	// Buffer receives POST /write records and is reported on /ready.
	Buffer *buffer.Ring
	// Checks are pinged by /ready and by /health?verbose=true.
	Checks map[string]metrics.Pinger
	// Metrics is served at /metrics.
	Metrics http.Handler
	// MaxBody caps ingest request bodies after decompression.
	MaxBody int64
}

// Server provides health, metrics and ingest HTTP endpoints
type Server struct {
	server    *http.Server
	opts      Options
	ready     bool
	readyMu   sync.RWMutex
	startTime time.Time
}

// HealthStatus represents process health
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ReadinessStatus represents system readiness
type ReadinessStatus struct {
	Ready     bool              `json:"ready"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Buffer    *BufferStatus     `json:"buffer,omitempty"`
}

// BufferStatus shows buffer fill
type BufferStatus struct {
	Records  int    `json:"records"`
	Capacity int    `json:"capacity"`
	Evicted  uint64 `json:"evicted"`
	Owner    string `json:"owner,omitempty"`
}

// NewServer creates new health server
func NewServer(opts Options) *Server {
	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         ":" + opts.Port,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		opts:      opts,
		startTime: time.Now(),
	}

	mux.HandleFunc("/health", s.handleHealth)    // Liveness probe
	mux.HandleFunc("/ready", s.handleReadiness)  // Readiness probe
	mux.HandleFunc("/healthz", s.handleHealth)   // Alias
	mux.HandleFunc("/readyz", s.handleReadiness) // Alias

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.Buffer != nil {
		mux.Handle("/write", NewIngestHandler(opts.Buffer, opts.MaxBody))
	}

	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called
func (s *Server) Start() error {
	logger.Info("health server starting",
		zap.String("addr", s.server.Addr),
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping health server")
	return s.server.Shutdown(ctx)
}

// SetReady marks the service as ready
func (s *Server) SetReady(ready bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.ready = ready

	if ready {
		logger.Info("service marked as ready")
	} else {
		logger.Warn("service marked as not ready")
	}
}

// handleHealth is the liveness probe: 200 while the process is up, even
// if dependencies are down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	if r.URL.Query().Get("verbose") == "true" {
		status.Checks, _ = s.runChecks(r.Context())
	}

	writeJSON(w, http.StatusOK, status)
}

// handleReadiness returns 200 only after SetReady(true) and while every
// dependency answers.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.readyMu.RLock()
	ready := s.ready
	s.readyMu.RUnlock()

	checks, allHealthy := s.runChecks(r.Context())
	isReady := ready && allHealthy

	status := ReadinessStatus{
		Ready:     isReady,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if b := s.opts.Buffer; b != nil {
		status.Buffer = &BufferStatus{
			Records:  b.Len(),
			Capacity: b.Cap(),
			Evicted:  b.Evicted(),
			Owner:    b.Owner(),
		}
	}

	code := http.StatusOK
	if !isReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) runChecks(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(s.opts.Checks))
	allHealthy := true

	for name, p := range s.opts.Checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := p.Ping(cctx)
		cancel()

		if err != nil {
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}
	return checks, allHealthy
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}
