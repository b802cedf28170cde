package ml

import (
	"context"
	"fmt"

	"github.com/cvalentine99/urlguard/internal/models"
	"github.com/cvalentine99/urlguard/internal/urlparse"
)

// Classifier is a loaded model. PredictClass returns one class index per row;
// every row has NumFeatures values in CanonicalColumns order.
type Classifier interface {
	PredictClass(ctx context.Context, rows [][]float32) ([]int, error)
}

// Predictor turns raw URLs into predictions. It is immutable after
// construction and safe for concurrent use.
type Predictor struct {
	extractor  *URLFeatureExtractor
	classifier Classifier
	columns    []string
	onDegraded func(rawURL string)
}

// PredictorOption configures a Predictor.
type PredictorOption func(*Predictor)

// WithDegradationHook registers fn to be called for every URL that could not
// be split into components.
func WithDegradationHook(fn func(rawURL string)) PredictorOption {
	return func(p *Predictor) {
		p.onDegraded = fn
	}
}

// NewPredictor creates a predictor backed by classifier. A nil classifier is
// allowed; Classify then fails with *InferenceUnavailableError while feature
// extraction keeps working.
func NewPredictor(classifier Classifier, opts ...PredictorOption) *Predictor {
	p := &Predictor{
		extractor:  NewURLFeatureExtractor(),
		classifier: classifier,
		columns:    CanonicalColumns,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ready reports whether a model is loaded.
func (p *Predictor) Ready() bool {
	return p.classifier != nil
}

// Columns returns the feature order used by the predictor.
func (p *Predictor) Columns() []string {
	return p.columns
}

// Features extracts and assembles the feature vector of rawURL.
func (p *Predictor) Features(rawURL string) (Vector, urlparse.Components, error) {
	features, parsed := p.extractor.Analyze(rawURL)
	if parsed.Degraded && p.onDegraded != nil {
		p.onDegraded(rawURL)
	}

	vec, err := Assemble(features, p.columns)
	if err != nil {
		return nil, parsed, fmt.Errorf("assemble features: %w", err)
	}
	return vec, parsed, nil
}

// Classify predicts the class of rawURL.
func (p *Predictor) Classify(ctx context.Context, rawURL string) (models.Prediction, error) {
	if p.classifier == nil {
		return models.Prediction{}, &InferenceUnavailableError{}
	}

	vec, _, err := p.Features(rawURL)
	if err != nil {
		return models.Prediction{}, err
	}

	classes, err := p.classifier.PredictClass(ctx, [][]float32{vec.ToFloat32()})
	if err != nil {
		return models.Prediction{}, fmt.Errorf("classify %q: %w", rawURL, err)
	}
	if len(classes) != 1 {
		return models.Prediction{}, &InferenceError{
			Op:       "classify",
			InputIdx: -1,
			Cause:    fmt.Errorf("expected 1 prediction, got %d", len(classes)),
		}
	}

	return models.Prediction{
		URL:            rawURL,
		PredictedClass: LabelFor(classes[0]),
	}, nil
}
