// Package mocks provides mock implementations for testing URLGuard components
package mocks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cvalentine99/urlguard/internal/models"
)

// =============================================================================
// Mock Classifier
// =============================================================================

// MockClassifier implements ml.Classifier. Each row is classified by Fn, or
// as Class when Fn is nil.
type MockClassifier struct {
	Class int
	Fn    func(row []float32) int

	mu    sync.Mutex
	err   error
	calls atomic.Int64
}

// NewMockClassifier creates a classifier that always answers class.
func NewMockClassifier(class int) *MockClassifier {
	return &MockClassifier{Class: class}
}

// SetError makes every subsequent call fail with err.
func (m *MockClassifier) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of PredictClass calls.
func (m *MockClassifier) Calls() int64 {
	return m.calls.Load()
}

// PredictClass implements ml.Classifier
func (m *MockClassifier) PredictClass(ctx context.Context, rows [][]float32) ([]int, error) {
	m.calls.Add(1)

	m.mu.Lock()
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]int, len(rows))
	for i, row := range rows {
		if m.Fn != nil {
			out[i] = m.Fn(row)
		} else {
			out[i] = m.Class
		}
	}
	return out, nil
}

// =============================================================================
// Mock Publisher
// =============================================================================

// MockPublisher implements publish.Publisher and records every event.
type MockPublisher struct {
	mu     sync.Mutex
	events []models.PredictionEvent
	err    error
	closed bool
}

// NewMockPublisher creates a new mock publisher
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// SetError makes Publish fail with err.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Publish implements publish.Publisher
func (m *MockPublisher) Publish(ctx context.Context, event models.PredictionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

// Close implements publish.Publisher
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a copy of the published events.
func (m *MockPublisher) Events() []models.PredictionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PredictionEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Closed reports whether Close was called.
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// =============================================================================
// Mock S3
// =============================================================================

// MockS3 implements artifact.S3API over in-memory objects keyed by
// "bucket/key".
type MockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

// NewMockS3 creates an empty mock S3 store
func NewMockS3() *MockS3 {
	return &MockS3{objects: make(map[string][]byte)}
}

// Put stores an object.
func (m *MockS3) Put(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
}

// Gets returns the number of GetObject calls.
func (m *MockS3) Gets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

// GetObject implements artifact.S3API
func (m *MockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++

	bucket, key := aws.ToString(in.Bucket), aws.ToString(in.Key)
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: s3://%s/%s", bucket, key)
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// =============================================================================
// Mock History Store
// =============================================================================

// MockStore implements consumer.Store in memory, ignoring duplicate IDs.
type MockStore struct {
	mu      sync.Mutex
	records []models.PredictionEvent
	seen    map[string]bool
}

// NewMockStore creates an empty store
func NewMockStore() *MockStore {
	return &MockStore{seen: make(map[string]bool)}
}

// Insert implements consumer.Store
func (m *MockStore) Insert(ctx context.Context, event models.PredictionEvent, source string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID != "" && m.seen[event.ID] {
		return false, nil
	}
	m.seen[event.ID] = true
	m.records = append(m.records, event)
	return true, nil
}

// Records returns a copy of the stored events.
func (m *MockStore) Records() []models.PredictionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PredictionEvent, len(m.records))
	copy(out, m.records)
	return out
}
