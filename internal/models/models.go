// Package models defines the data structures exchanged by URLGuard's HTTP
// API, message bus and history store.
package models

import "time"

// Prediction is the classification of a single URL.
// Its JSON form is the body returned by GET /predict/{url}.
type Prediction struct {
	URL            string `json:"url"`
	PredictedClass string `json:"predicted_class"`
}

// PredictionEvent is a Prediction as published to the message bus.
// The first two fields keep the published payload compatible with plain
// Prediction consumers.
type PredictionEvent struct {
	URL            string    `json:"url"`
	PredictedClass string    `json:"predicted_class"`
	ID             string    `json:"id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewPredictionEvent wraps p for publishing.
func NewPredictionEvent(p Prediction, id, requestID string) PredictionEvent {
	return PredictionEvent{
		URL:            p.URL,
		PredictedClass: p.PredictedClass,
		ID:             id,
		RequestID:      requestID,
		Timestamp:      time.Now().UTC(),
	}
}

// FeatureReport is the response of GET /features/{url}: the ordered feature
// vector the model would receive for URL.
type FeatureReport struct {
	URL      string    `json:"url"`
	Columns  []string  `json:"columns"`
	Values   []float64 `json:"values"`
	Degraded bool      `json:"parse_degraded"`
}

// BatchRequest is the body of POST /predict/batch.
type BatchRequest struct {
	URLs []string `json:"urls"`
}

// BatchItem is one entry of a batch response. Exactly one of
// PredictedClass and Error is set.
type BatchItem struct {
	URL            string `json:"url"`
	PredictedClass string `json:"predicted_class,omitempty"`
	Error          string `json:"error,omitempty"`
}

// BatchResponse is the body returned by POST /predict/batch, in request
// order.
type BatchResponse struct {
	Results []BatchItem `json:"results"`
}

// HealthReport is the body returned by GET /healthz.
type HealthReport struct {
	Status            string `json:"status"`
	ModelLoaded       bool   `json:"model_loaded"`
	ModelPath         string `json:"model_path,omitempty"`
	ModelDigest       string `json:"model_digest,omitempty"`
	AvailableSessions int    `json:"available_sessions"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
