package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cvalentine99/urlguard/internal/logging"
	"github.com/cvalentine99/urlguard/internal/metrics"
	"github.com/cvalentine99/urlguard/internal/ml"
	"github.com/cvalentine99/urlguard/internal/models"
)

// keywordClassifier labels URLs containing "login" as phishing.
type keywordClassifier struct {
	err error
}

func (k *keywordClassifier) PredictClass(ctx context.Context, rows [][]float32) ([]int, error) {
	if k.err != nil {
		return nil, k.err
	}
	loginCol := -1
	for i, col := range ml.CanonicalColumns {
		if col == "has_login" {
			loginCol = i
		}
	}
	out := make([]int, len(rows))
	for i, row := range rows {
		if row[loginCol] == 1 {
			out[i] = 1
		}
	}
	return out, nil
}

type recordingSubmitter struct {
	mu    sync.Mutex
	preds []models.Prediction
	ids   []string
}

func (r *recordingSubmitter) Submit(p models.Prediction, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds = append(r.preds, p)
	r.ids = append(r.ids, requestID)
	return true
}

func newTestServer(classifier ml.Classifier, opts Options) (*Server, *recordingSubmitter) {
	sub := &recordingSubmitter{}
	opts.Predictor = ml.NewPredictor(classifier)
	opts.Publisher = sub
	opts.Logger = logging.Discard()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return New(opts), sub
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return v
}

func TestPredict(t *testing.T) {
	s, sub := newTestServer(&keywordClassifier{}, Options{})

	rec := do(t, s, "GET", "/predict/http://paypal.example.com/login", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	pred := decode[models.Prediction](t, rec)
	if pred.URL != "http://paypal.example.com/login" {
		t.Errorf("Expected URL echoed with its double slash, got %q", pred.URL)
	}
	if pred.PredictedClass != "phishing" {
		t.Errorf("Expected phishing, got %s", pred.PredictedClass)
	}

	if len(sub.preds) != 1 || sub.preds[0] != pred {
		t.Errorf("Expected prediction to be submitted, got %v", sub.preds)
	}
	if sub.ids[0] == "" || sub.ids[0] != rec.Header().Get(RequestIDHeader) {
		t.Errorf("Expected request ID %q to be forwarded, got %q", rec.Header().Get(RequestIDHeader), sub.ids[0])
	}
}

func TestPredict_DecodesEscapesTwice(t *testing.T) {
	s, _ := newTestServer(&keywordClassifier{}, Options{})

	// %253F is "%3F" after the router decodes it and "?" after the second pass.
	rec := do(t, s, "GET", "/predict/http%3A%2F%2Fexample.com%2Fa%253Fq%3D1%25zz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	pred := decode[models.Prediction](t, rec)
	if want := "http://example.com/a?q=1%zz"; pred.URL != want {
		t.Errorf("Expected %q, got %q", want, pred.URL)
	}
}

// A raw "%" is rejected by net/http before routing; "%25" reaches the
// handler and survives the second decode.
func TestPredict_RawPercentOverTCP(t *testing.T) {
	s, _ := newTestServer(&keywordClassifier{}, Options{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	get := func(target string) (int, string) {
		conn, err := net.Dial("tcp", ts.Listener.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n", target)
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		if err != nil {
			t.Fatalf("ReadResponse failed: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get("/predict/http://x.com/100%"); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for raw %%, got %d", code)
	}

	code, body := get("/predict/http://x.com/100%25")
	if code != http.StatusOK {
		t.Fatalf("Expected 200 for %%25, got %d", code)
	}
	var pred models.Prediction
	if err := json.Unmarshal([]byte(body), &pred); err != nil {
		t.Fatalf("Response is not JSON: %v (%s)", err, body)
	}
	if want := "http://x.com/100%"; pred.URL != want {
		t.Errorf("Expected %q, got %q", want, pred.URL)
	}
}

func TestPredict_KeepsRequestID(t *testing.T) {
	s, sub := newTestServer(&keywordClassifier{}, Options{})

	req := httptest.NewRequest("GET", "/predict/example.com", nil)
	req.Header.Set(RequestIDHeader, "trace-123")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Header().Get(RequestIDHeader) != "trace-123" {
		t.Errorf("Expected request ID echoed, got %q", rec.Header().Get(RequestIDHeader))
	}
	if len(sub.ids) != 1 || sub.ids[0] != "trace-123" {
		t.Errorf("Expected trace-123 forwarded, got %v", sub.ids)
	}
}

func TestPredict_ModelNotLoaded(t *testing.T) {
	m := metrics.New()
	s, sub := newTestServer(nil, Options{Metrics: m})

	rec := do(t, s, "GET", "/predict/http://example.com", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	if body := decode[models.ErrorResponse](t, rec); body.Detail != "Model not loaded" {
		t.Errorf("Expected detail %q, got %q", "Model not loaded", body.Detail)
	}
	if len(sub.preds) != 0 {
		t.Error("Expected nothing published")
	}
	if got := testutil.ToFloat64(m.PredictionErrors.WithLabelValues(metrics.KindUnavailable)); got != 1 {
		t.Errorf("Expected unavailable error counted, got %v", got)
	}
}

func TestPredict_InferenceFailure(t *testing.T) {
	s, sub := newTestServer(&keywordClassifier{err: errors.New("session crashed")}, Options{})

	rec := do(t, s, "GET", "/predict/http://example.com", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	if len(sub.preds) != 0 {
		t.Error("Expected nothing published")
	}
}

func TestPredict_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(&keywordClassifier{}, Options{})

	rec := do(t, s, "POST", "/predict/http://example.com", "x")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestBatch(t *testing.T) {
	s, sub := newTestServer(&keywordClassifier{}, Options{})

	rec := do(t, s, "POST", "/predict/batch",
		`{"urls": ["http://a.test/login", "http://b.test", "http://[::1/x"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decode[models.BatchResponse](t, rec)
	want := []models.BatchItem{
		{URL: "http://a.test/login", PredictedClass: "phishing"},
		{URL: "http://b.test", PredictedClass: "benign"},
		{URL: "http://[::1/x", PredictedClass: "benign"},
	}
	if len(resp.Results) != len(want) {
		t.Fatalf("Expected %d results, got %d", len(want), len(resp.Results))
	}
	for i := range want {
		if resp.Results[i] != want[i] {
			t.Errorf("Result %d: expected %+v, got %+v", i, want[i], resp.Results[i])
		}
	}
	if len(sub.preds) != 3 {
		t.Errorf("Expected 3 submitted predictions, got %d", len(sub.preds))
	}
}

func TestBatch_Errors(t *testing.T) {
	s, _ := newTestServer(&keywordClassifier{}, Options{})

	if rec := do(t, s, "POST", "/predict/batch", `{"urls": [`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad JSON, got %d", rec.Code)
	}

	urls := make([]string, MaxBatchSize+1)
	for i := range urls {
		urls[i] = "http://example.com"
	}
	body, _ := json.Marshal(models.BatchRequest{URLs: urls})
	if rec := do(t, s, "POST", "/predict/batch", string(body)); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 for oversized batch, got %d", rec.Code)
	}

	unloaded, _ := newTestServer(nil, Options{})
	if rec := do(t, unloaded, "POST", "/predict/batch", `{"urls": ["a"]}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without model, got %d", rec.Code)
	}
}

func TestBatch_PerItemErrors(t *testing.T) {
	s, sub := newTestServer(&keywordClassifier{err: errors.New("boom")}, Options{})

	rec := do(t, s, "POST", "/predict/batch", `{"urls": ["http://a.test"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	resp := decode[models.BatchResponse](t, rec)
	if len(resp.Results) != 1 || resp.Results[0].Error == "" || resp.Results[0].PredictedClass != "" {
		t.Errorf("Expected inline error, got %+v", resp.Results)
	}
	if len(sub.preds) != 0 {
		t.Error("Expected failed items not to be published")
	}
}

// busyClassifier reports a busy session pool for its first busy calls.
type busyClassifier struct {
	keywordClassifier
	mu    sync.Mutex
	busy  int
	calls int
}

func (b *busyClassifier) PredictClass(ctx context.Context, rows [][]float32) ([]int, error) {
	b.mu.Lock()
	b.calls++
	busy := b.calls <= b.busy
	b.mu.Unlock()
	if busy {
		return nil, &ml.InferenceError{Op: "acquire session", InputIdx: -1, Cause: ml.ErrSessionsBusy, Retryable: true}
	}
	return b.keywordClassifier.PredictClass(ctx, rows)
}

func TestBatch_RetriesBusySession(t *testing.T) {
	classifier := &busyClassifier{busy: 1}
	s, sub := newTestServer(classifier, Options{})

	rec := do(t, s, "POST", "/predict/batch", `{"urls": ["http://a.test/login"]}`)
	resp := decode[models.BatchResponse](t, rec)
	if len(resp.Results) != 1 || resp.Results[0].Error != "" || resp.Results[0].PredictedClass != "phishing" {
		t.Errorf("Expected retried item classified, got %+v", resp.Results)
	}
	if classifier.calls != 2 {
		t.Errorf("Expected 2 classifier calls, got %d", classifier.calls)
	}
	if len(sub.preds) != 1 {
		t.Errorf("Expected 1 submitted prediction, got %d", len(sub.preds))
	}

	// Retried once only.
	stuck := &busyClassifier{busy: 10}
	s, _ = newTestServer(stuck, Options{})
	resp = decode[models.BatchResponse](t, do(t, s, "POST", "/predict/batch", `{"urls": ["http://a.test"]}`))
	if len(resp.Results) != 1 || !strings.Contains(resp.Results[0].Error, "sessions busy") {
		t.Errorf("Expected busy error inline, got %+v", resp.Results)
	}
	if stuck.calls != 2 {
		t.Errorf("Expected 2 classifier calls, got %d", stuck.calls)
	}
}

func TestFeatures(t *testing.T) {
	s, _ := newTestServer(nil, Options{})

	rec := do(t, s, "GET", "/features/http://a.b.example.co.uk/login", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 even without a model, got %d", rec.Code)
	}

	report := decode[models.FeatureReport](t, rec)
	if len(report.Columns) != 25 || len(report.Values) != 25 {
		t.Fatalf("Expected 25 columns and values, got %d/%d", len(report.Columns), len(report.Values))
	}
	for i, col := range report.Columns {
		if col == "num_subdomains" && report.Values[i] != 2 {
			t.Errorf("Expected num_subdomains 2, got %v", report.Values[i])
		}
	}
	if report.Degraded {
		t.Error("Expected clean parse")
	}
}

func TestHealth(t *testing.T) {
	loaded, _ := newTestServer(&keywordClassifier{}, Options{
		Model: ModelInfo{Path: "/tmp/modeldir/model.onnx", Digest: "abc", AvailableSessions: func() int { return 4 }},
	})
	rec := do(t, loaded, "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	report := decode[models.HealthReport](t, rec)
	if !report.ModelLoaded || report.ModelDigest != "abc" || report.AvailableSessions != 4 {
		t.Errorf("Unexpected health report %+v", report)
	}

	unloaded, _ := newTestServer(nil, Options{})
	if rec := do(t, unloaded, "GET", "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without model, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(&keywordClassifier{}, Options{})
	do(t, s, "GET", "/predict/http://x.test/login", "")

	rec := do(t, s, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `urlguard_predictions_total{label="phishing"} 1`) {
		t.Error("Expected phishing prediction in metrics")
	}
	if !strings.Contains(rec.Body.String(), "urlguard_model_loaded 1") {
		t.Error("Expected model gauge set")
	}
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(&keywordClassifier{}, Options{RateLimitRPS: 0.001, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		if rec := do(t, s, "GET", "/predict/example.com", ""); rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rec := do(t, s, "GET", "/predict/example.com", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}
	if rec := do(t, s, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected health checks to bypass the limiter, got %d", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	s, _ := newTestServer(&keywordClassifier{}, Options{})

	rec := do(t, s, "GET", "/predict", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if body := decode[models.ErrorResponse](t, rec); body.Detail != "Not Found" {
		t.Errorf("Expected detail Not Found, got %q", body.Detail)
	}
}

func TestLenientUnquote(t *testing.T) {
	tests := map[string]string{
		"plain":           "plain",
		"a%20b":           "a b",
		"%2Fpath%3Fq":     "/path?q",
		"100%":            "100%",
		"%zz%4":           "%zz%4",
		"caf%C3%A9":       "café",
		"bad%FFbyte":      "bad�byte",
		"%25":             "%",
		"mixed%2fCase%2F": "mixed/Case/",
	}

	for in, want := range tests {
		if got := lenientUnquote(in); got != want {
			t.Errorf("lenientUnquote(%q) = %q, expected %q", in, got, want)
		}
	}
}
