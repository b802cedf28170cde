package ml

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig holds configuration for the ONNX Runtime engine
type ONNXConfig struct {
	// SharedLibraryPath is the path to the ONNX Runtime shared library
	SharedLibraryPath string
	// ModelPath is the path to the ONNX model file
	ModelPath string
	// InputName is the name of the [1, NumFeatures] float32 input
	InputName string
	// LabelOutput names an int64 [1] output holding the class index.
	// When empty, ProbabilityOutput is used instead.
	LabelOutput string
	// ProbabilityOutput names a float32 [1, NumClasses] output; the class is
	// its argmax
	ProbabilityOutput string
	// NumThreads sets the intra-op threads of each session
	NumThreads int
	// PoolSize is the number of sessions available for concurrent inference
	PoolSize int
	// AcquireTimeout bounds the wait for a free session; 0 waits as long as
	// the caller's context allows
	AcquireTimeout time.Duration
}

// DefaultONNXConfig returns the configuration matching an XGBoost model
// converted with onnxmltools.
func DefaultONNXConfig() *ONNXConfig {
	return &ONNXConfig{
		InputName:         "input",
		LabelOutput:       "label",
		ProbabilityOutput: "probabilities",
		NumThreads:        1,
		PoolSize:          4,
		AcquireTimeout:    2 * time.Second,
	}
}

// ONNXEngine is a Classifier backed by ONNX Runtime. Sessions are created
// once by Initialize and never replaced.
type ONNXEngine struct {
	config      *ONNXConfig
	initialized bool
	mu          sync.RWMutex

	sessionPool chan *onnxSession
	poolSize    int

	totalInferences  atomic.Int64
	failedInferences atomic.Int64
	lastErr          atomic.Value // string
}

// onnxSession wraps an ONNX Runtime session with its bound tensors
type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	labels  *ort.Tensor[int64]
	probs   *ort.Tensor[float32]
}

// NewONNXEngine creates a new ONNX Runtime engine
func NewONNXEngine(config *ONNXConfig) (*ONNXEngine, error) {
	if config == nil {
		config = DefaultONNXConfig()
	}
	if config.ModelPath == "" {
		return nil, errors.New("onnx: model path is required")
	}
	if config.LabelOutput == "" && config.ProbabilityOutput == "" {
		return nil, errors.New("onnx: a label or probability output is required")
	}

	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}

	return &ONNXEngine{
		config:   config,
		poolSize: poolSize,
	}, nil
}

// Initialize sets up the ONNX Runtime environment and loads the model
func (e *ONNXEngine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}

	if !ort.IsInitialized() {
		if e.config.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(e.config.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	e.sessionPool = make(chan *onnxSession, e.poolSize)
	for i := 0; i < e.poolSize; i++ {
		session, err := e.createSession()
		if err != nil {
			e.cleanup()
			return fmt.Errorf("failed to create session %d: %w", i, err)
		}
		e.sessionPool <- session
	}

	e.initialized = true
	return nil
}

// createSession creates a new ONNX session with tensors
func (e *ONNXEngine) createSession() (*onnxSession, error) {
	s := &onnxSession{}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(NumFeatures)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	s.input = input

	var outputName string
	var output ort.Value
	if e.config.LabelOutput != "" {
		s.labels, err = ort.NewEmptyTensor[int64](ort.NewShape(1))
		outputName, output = e.config.LabelOutput, s.labels
	} else {
		s.probs, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(NumClasses)))
		outputName, output = e.config.ProbabilityOutput, s.probs
	}
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create output tensor %s: %w", outputName, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if e.config.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(e.config.NumThreads); err != nil {
			s.destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	s.session, err = ort.NewAdvancedSession(
		e.config.ModelPath,
		[]string{e.config.InputName},
		[]string{outputName},
		[]ort.Value{input},
		[]ort.Value{output},
		options,
	)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return s, nil
}

// PredictClass runs the model on each row in turn and returns the class
// indices.
func (e *ONNXEngine) PredictClass(ctx context.Context, rows [][]float32) ([]int, error) {
	// Held until the session is back in the pool; Close waits for it.
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized {
		return nil, &InferenceUnavailableError{Reason: "engine not initialized"}
	}

	session, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		e.sessionPool <- session
	}()

	classes := make([]int, len(rows))
	for i, row := range rows {
		if len(row) != NumFeatures {
			return nil, e.fail(&InferenceError{
				Op: "predict", ModelName: e.modelName(), InputIdx: i,
				Cause:     fmt.Errorf("row has %d features, expected %d", len(row), NumFeatures),
				Timestamp: time.Now(),
			})
		}
		class, err := session.run(row)
		if err != nil {
			return nil, e.fail(&InferenceError{
				Op: "predict", ModelName: e.modelName(), InputIdx: i,
				Cause: err, Timestamp: time.Now(),
			})
		}
		classes[i] = class
	}

	e.totalInferences.Add(int64(len(rows)))
	return classes, nil
}

// acquire takes a session from the pool. Running out of AcquireTimeout is
// retryable; a cancelled ctx is not.
func (e *ONNXEngine) acquire(ctx context.Context) (*onnxSession, error) {
	var timeout <-chan time.Time
	if e.config.AcquireTimeout > 0 {
		t := time.NewTimer(e.config.AcquireTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case session := <-e.sessionPool:
		return session, nil
	case <-timeout:
		return nil, e.fail(&InferenceError{
			Op: "acquire session", ModelName: e.modelName(), InputIdx: -1,
			Cause: ErrSessionsBusy, Retryable: true, Timestamp: time.Now(),
		})
	case <-ctx.Done():
		return nil, e.fail(&InferenceError{
			Op: "acquire session", ModelName: e.modelName(), InputIdx: -1,
			Cause: ctx.Err(), Timestamp: time.Now(),
		})
	}
}

func (s *onnxSession) run(row []float32) (int, error) {
	copy(s.input.GetData(), row)

	if err := s.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	if s.labels != nil {
		return int(s.labels.GetData()[0]), nil
	}
	return argmax(s.probs.GetData()), nil
}

func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func (e *ONNXEngine) fail(err *InferenceError) error {
	e.failedInferences.Add(1)
	e.lastErr.Store(err.Error())
	return err
}

func (e *ONNXEngine) modelName() string {
	return filepath.Base(e.config.ModelPath)
}

// Close releases all resources. The ONNX Runtime environment itself is
// process-wide and is left initialized.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil
	}

	e.cleanup()
	e.initialized = false

	return nil
}

// cleanup destroys the pooled sessions. Callers hold the write lock, so no
// session is checked out.
func (e *ONNXEngine) cleanup() {
	for {
		select {
		case session := <-e.sessionPool:
			session.destroy()
		default:
			e.sessionPool = nil
			return
		}
	}
}

func (s *onnxSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.labels != nil {
		s.labels.Destroy()
	}
	if s.probs != nil {
		s.probs.Destroy()
	}
}

// =============================================================================
// Health Checks and Diagnostics
// =============================================================================

// HealthStatus represents the health of an ONNX engine.
type HealthStatus struct {
	Healthy           bool
	Initialized       bool
	ModelPath         string
	SessionPoolSize   int
	AvailableSessions int
	TotalInferences   int64
	FailedInferences  int64
	LastError         string
}

// Health returns the current health status of the engine.
func (e *ONNXEngine) Health() *HealthStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := &HealthStatus{
		Healthy:          e.initialized,
		Initialized:      e.initialized,
		ModelPath:        e.config.ModelPath,
		SessionPoolSize:  e.poolSize,
		TotalInferences:  e.totalInferences.Load(),
		FailedInferences: e.failedInferences.Load(),
	}
	if msg, ok := e.lastErr.Load().(string); ok {
		status.LastError = msg
	}

	if e.initialized && e.sessionPool != nil {
		status.AvailableSessions = len(e.sessionPool)
	}

	return status
}

// Warmup runs the model on an all-zero row so the first request does not pay
// for lazy initialization inside ONNX Runtime.
func (e *ONNXEngine) Warmup(ctx context.Context, numIterations int) error {
	if numIterations <= 0 {
		numIterations = 3
	}

	row := make([]float32, NumFeatures)
	for i := 0; i < numIterations; i++ {
		if _, err := e.PredictClass(ctx, [][]float32{row}); err != nil {
			return fmt.Errorf("warmup iteration %d failed: %w", i, err)
		}
	}

	return nil
}
