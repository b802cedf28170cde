package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cvalentine99/urlguard/internal/logging"
	"github.com/cvalentine99/urlguard/internal/metrics"
	"github.com/cvalentine99/urlguard/internal/ml"
	"github.com/cvalentine99/urlguard/internal/models"
)

// maxBatchBody bounds the POST /predict/batch body.
const maxBatchBody = 1 << 20

// handlePredict serves GET /predict/{url}.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request, rawURL string) {
	log := s.logger.WithContext(r.Context())

	pred, err := s.classify(r.Context(), rawURL)
	if err != nil {
		status, detail := classifyErrorStatus(err)
		log.Warn("prediction failed", logging.URL(rawURL), logging.Err(err))
		writeError(w, status, detail)
		return
	}

	if s.publisher != nil {
		s.publisher.Submit(pred, logging.RequestIDFromContext(r.Context()))
	}

	log.Debug("prediction", logging.Prediction(pred.URL, pred.PredictedClass))
	writeJSON(w, http.StatusOK, pred)
}

// classify runs the predictor and records metrics.
func (s *Server) classify(ctx context.Context, rawURL string) (models.Prediction, error) {
	start := time.Now()
	pred, err := s.predictor.Classify(ctx, rawURL)
	if err != nil {
		s.metrics.ObserveError(errorKind(err))
		return pred, err
	}
	s.metrics.ObservePrediction(pred.PredictedClass, time.Since(start))
	return pred, nil
}

// handleBatch serves POST /predict/batch.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithContext(r.Context())

	var req models.BatchRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBatchBody))
	if err := dec.Decode(&req); err != nil {
		s.metrics.ObserveError(metrics.KindBadRequest)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.URLs) > MaxBatchSize {
		s.metrics.ObserveError(metrics.KindBadRequest)
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d URLs exceeds the limit of %d", len(req.URLs), MaxBatchSize))
		return
	}
	if !s.predictor.Ready() {
		s.metrics.ObserveError(metrics.KindUnavailable)
		writeError(w, http.StatusServiceUnavailable, (&ml.InferenceUnavailableError{}).Error())
		return
	}

	requestID := logging.RequestIDFromContext(r.Context())
	results := make([]models.BatchItem, len(req.URLs))

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(s.batchConc)
	for i, rawURL := range req.URLs {
		g.Go(func() error {
			results[i].URL = rawURL
			pred, err := s.classify(ctx, rawURL)
			if ml.IsRetryable(err) && ctx.Err() == nil {
				log.Debug("retrying batch item", logging.URL(rawURL), logging.Err(err))
				pred, err = s.classify(ctx, rawURL)
			}
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].PredictedClass = pred.PredictedClass
			if s.publisher != nil {
				s.publisher.Submit(pred, requestID)
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Debug("batch classified", logging.Count("urls", int64(len(req.URLs))))
	writeJSON(w, http.StatusOK, models.BatchResponse{Results: results})
}

// handleFeatures serves GET /features/{url}.
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request, rawURL string) {
	vec, parsed, err := s.predictor.Features(rawURL)
	if err != nil {
		s.metrics.ObserveError(errorKind(err))
		status, detail := classifyErrorStatus(err)
		writeError(w, status, detail)
		return
	}

	writeJSON(w, http.StatusOK, models.FeatureReport{
		URL:      rawURL,
		Columns:  s.predictor.Columns(),
		Values:   vec,
		Degraded: parsed.Degraded,
	})
}

// handleHealth serves GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := models.HealthReport{
		Status:      "ok",
		ModelLoaded: s.predictor.Ready(),
		ModelPath:   s.model.Path,
		ModelDigest: s.model.Digest,
	}
	if s.model.AvailableSessions != nil {
		report.AvailableSessions = s.model.AvailableSessions()
	}

	status := http.StatusOK
	if !report.ModelLoaded {
		report.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// classifyErrorStatus maps a prediction error to an HTTP status and detail.
func classifyErrorStatus(err error) (int, string) {
	var missing *ml.MissingFeatureError
	var unavailable *ml.InferenceUnavailableError

	switch {
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, "Model not loaded"
	case errors.As(err, &missing):
		return http.StatusInternalServerError, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Prediction timed out"
	default:
		return http.StatusInternalServerError, "Prediction failed"
	}
}

func errorKind(err error) string {
	var missing *ml.MissingFeatureError
	switch {
	case ml.IsUnavailable(err):
		return metrics.KindUnavailable
	case errors.As(err, &missing):
		return metrics.KindMissingFeature
	default:
		return metrics.KindInference
	}
}
