// Package server implements URLGuard's HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cvalentine99/urlguard/internal/logging"
	"github.com/cvalentine99/urlguard/internal/metrics"
	"github.com/cvalentine99/urlguard/internal/ml"
	"github.com/cvalentine99/urlguard/internal/models"
)

// Route prefixes. The remainder of the path after a prefix is the URL under
// test, so these are matched before any path cleaning.
const (
	predictPrefix  = "/predict/"
	featuresPrefix = "/features/"
	batchPath      = "/predict/batch"
	healthPath     = "/healthz"
	metricsPath    = "/metrics"
)

// MaxBatchSize is the largest number of URLs accepted by POST /predict/batch.
const MaxBatchSize = 256

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// Submitter accepts predictions for asynchronous publishing.
type Submitter interface {
	Submit(p models.Prediction, requestID string) bool
}

// ModelInfo describes the loaded model for /healthz.
type ModelInfo struct {
	Path   string
	Digest string

	// AvailableSessions reports idle inference sessions; may be nil.
	AvailableSessions func() int
}

// Options configures a Server.
type Options struct {
	Predictor *ml.Predictor
	Publisher Submitter
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	Model     ModelInfo

	// RateLimitRPS of 0 disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// BatchConcurrency bounds concurrent classifications per batch request.
	BatchConcurrency int
}

// Server is the HTTP API. It is an http.Handler.
type Server struct {
	predictor *ml.Predictor
	publisher Submitter
	metrics   *metrics.Metrics
	logger    *logging.Logger
	model     ModelInfo
	limiter   *rate.Limiter
	batchConc int
}

// New creates a server.
func New(opts Options) *Server {
	s := &Server{
		predictor: opts.Predictor,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		model:     opts.Model,
		batchConc: opts.BatchConcurrency,
	}
	if s.predictor == nil {
		s.predictor = ml.NewPredictor(nil)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.logger == nil {
		s.logger = logging.ServerLogger()
	}
	if s.batchConc <= 0 {
		s.batchConc = 16
	}
	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}

	s.metrics.SetModelLoaded(s.predictor.Ready())
	return s
}

// ServeHTTP assigns a request ID, applies rate limiting and routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)
	r = r.WithContext(logging.ContextWithRequestID(r.Context(), requestID))

	path := r.URL.Path

	if s.limiter != nil && path != healthPath && path != metricsPath && !s.limiter.Allow() {
		s.metrics.ObserveError(metrics.KindRateLimited)
		writeError(w, http.StatusTooManyRequests, "Too Many Requests")
		return
	}

	switch {
	case path == batchPath && r.Method == http.MethodPost:
		s.handleBatch(w, r)
	case strings.HasPrefix(path, predictPrefix):
		if !allowGet(w, r) {
			return
		}
		s.handlePredict(w, r, lenientUnquote(strings.TrimPrefix(path, predictPrefix)))
	case strings.HasPrefix(path, featuresPrefix):
		if !allowGet(w, r) {
			return
		}
		s.handleFeatures(w, r, lenientUnquote(strings.TrimPrefix(path, featuresPrefix)))
	case path == healthPath:
		if !allowGet(w, r) {
			return
		}
		s.handleHealth(w, r)
	case path == metricsPath:
		s.metrics.Handler().ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "Not Found")
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET")
	writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	return false
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, models.ErrorResponse{Detail: detail})
}
