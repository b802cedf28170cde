package consumer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cvalentine99/urlguard/internal/history"
	"github.com/cvalentine99/urlguard/internal/logging"
	"github.com/cvalentine99/urlguard/internal/metrics"
	"github.com/cvalentine99/urlguard/internal/models"
	"github.com/cvalentine99/urlguard/internal/publish"
)

type sliceReader struct {
	mu        sync.Mutex
	msgs      []Message
	committed []Message
}

func (r *sliceReader) Read(ctx context.Context) (Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (r *sliceReader) Commit(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msg)
	return nil
}

func (r *sliceReader) Close() error { return nil }

type failingStore struct{}

func (failingStore) Insert(context.Context, models.PredictionEvent, string) (bool, error) {
	return false, errors.New("disk full")
}

// flakyStore fails its first `failures` inserts, then records every event.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	urls     []string
}

func (s *flakyStore) Insert(_ context.Context, e models.PredictionEvent, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return false, errors.New("database is locked")
	}
	s.urls = append(s.urls, e.URL)
	return true, nil
}

func (s *flakyStore) stored() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

func TestConsumer_Handle(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	m := metrics.New()
	c := New(&sliceReader{}, store, m, logging.Discard())
	ctx := context.Background()

	good := Message{Source: "kafka", Event: models.PredictionEvent{URL: "http://a.test", PredictedClass: "benign", ID: "x"}}
	if err := c.Handle(ctx, good); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := c.Handle(ctx, good); err != nil {
		t.Fatalf("Handle duplicate failed: %v", err)
	}
	if err := c.Handle(ctx, Message{Source: "kafka", DecodeErr: errors.New("bad json")}); err != nil {
		t.Fatalf("Expected invalid message to be skipped, got %v", err)
	}

	for result, want := range map[string]float64{ResultStored: 1, ResultDuplicate: 1, ResultInvalid: 1} {
		if got := testutil.ToFloat64(m.ConsumedMessages.WithLabelValues(result)); got != want {
			t.Errorf("Expected %s = %v, got %v", result, want, got)
		}
	}
}

func TestConsumer_StoreFailureNotCommitted(t *testing.T) {
	reader := &sliceReader{msgs: []Message{
		{Source: "redis", Event: models.PredictionEvent{URL: "u", PredictedClass: "malware"}},
		{Source: "redis", Event: models.PredictionEvent{URL: "v", PredictedClass: "benign"}},
	}}
	c := New(reader, failingStore{}, nil, logging.Discard())
	c.retryDelay = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(reader.committed) != 0 {
		t.Errorf("Expected no commits, got %d", len(reader.committed))
	}
	// The failing message blocks the partition; nothing behind it is read.
	if len(reader.msgs) != 1 {
		t.Errorf("Expected the second message unread, got %d left", len(reader.msgs))
	}
}

func TestConsumer_RetriesFailedStore(t *testing.T) {
	reader := &sliceReader{msgs: []Message{
		{Source: "kafka", Event: models.PredictionEvent{URL: "http://a.test", PredictedClass: "phishing"}},
		{Source: "kafka", Event: models.PredictionEvent{URL: "http://b.test", PredictedClass: "benign"}},
	}}
	store := &flakyStore{failures: 2}
	m := metrics.New()
	c := New(reader, store, m, logging.Discard())
	c.retryDelay = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := store.stored()
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Errorf("Expected both URLs stored in order, got %v", got)
	}
	if len(reader.committed) != 2 || reader.committed[0].Event.URL != "http://a.test" {
		t.Errorf("Expected both messages committed in order, got %+v", reader.committed)
	}
	if got := testutil.ToFloat64(m.ConsumedMessages.WithLabelValues(ResultFailed)); got != 2 {
		t.Errorf("Expected 2 failed attempts, got %v", got)
	}
}

func TestConsumer_RunCommits(t *testing.T) {
	reader := &sliceReader{msgs: []Message{
		{Source: "kafka", Event: models.PredictionEvent{URL: "a", PredictedClass: "benign"}},
		{Source: "kafka", DecodeErr: errors.New("garbage")},
	}}
	c := New(reader, nil, nil, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(reader.committed) != 2 {
		t.Errorf("Expected both messages committed, got %d", len(reader.committed))
	}
}

func TestRedisStreamReader(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	pub := publish.NewRedisStreamPublisherWithClient(client, "preds")
	event := models.NewPredictionEvent(models.Prediction{URL: "http://x.test", PredictedClass: "defacement"}, "id-9", "")
	if err := pub.Publish(ctx, event); err != nil {
		t.Fatal(err)
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "preds",
		Values: map[string]interface{}{"url": "http://plain.test", "predicted_class": "benign"},
	}).Err(); err != nil {
		t.Fatal(err)
	}

	reader, err := NewRedisStreamReader(ctx, client, "preds", "url-prediction-group", "c1")
	if err != nil {
		t.Fatalf("NewRedisStreamReader failed: %v", err)
	}
	// Joining an existing group is not an error.
	if _, err := NewRedisStreamReader(ctx, client, "preds", "url-prediction-group", "c2"); err != nil {
		t.Fatalf("Rejoining group failed: %v", err)
	}

	first, err := reader.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if first.DecodeErr != nil || first.Event.ID != "id-9" || first.Event.PredictedClass != "defacement" {
		t.Errorf("Unexpected first message %+v", first)
	}

	second, err := reader.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if second.Event.URL != "http://plain.test" || second.Event.PredictedClass != "benign" {
		t.Errorf("Unexpected second message %+v", second)
	}

	for _, msg := range []Message{first, second} {
		if err := reader.Commit(ctx, msg); err != nil {
			t.Errorf("Commit failed: %v", err)
		}
	}

	pending, err := client.XPending(ctx, "preds", "url-prediction-group").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("Expected no pending entries, got %d", pending.Count)
	}
}

func TestConsumer_RedisStoreFailureRedelivered(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	pub := publish.NewRedisStreamPublisherWithClient(client, "preds")
	for i, u := range []string{"http://a.test", "http://b.test"} {
		event := models.NewPredictionEvent(models.Prediction{URL: u, PredictedClass: "benign"}, fmt.Sprintf("id-%d", i), "")
		if err := pub.Publish(ctx, event); err != nil {
			t.Fatal(err)
		}
	}

	reader, err := NewRedisStreamReader(ctx, client, "preds", "url-prediction-group", "c1")
	if err != nil {
		t.Fatalf("NewRedisStreamReader failed: %v", err)
	}
	reader.block = 10 * time.Millisecond
	store := &flakyStore{failures: 1}
	c := New(reader, store, nil, logging.Discard())
	c.retryDelay = time.Millisecond

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := c.Run(runCtx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := store.stored()
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Errorf("Expected both URLs stored, got %v", got)
	}
	pending, err := client.XPending(ctx, "preds", "url-prediction-group").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("Expected no pending entries, got %d", pending.Count)
	}
}

func TestRedisStreamReader_ReplaysPending(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	pub := publish.NewRedisStreamPublisherWithClient(client, "preds")
	for i, u := range []string{"http://a.test", "http://b.test"} {
		event := models.NewPredictionEvent(models.Prediction{URL: u, PredictedClass: "malware"}, fmt.Sprintf("id-%d", i), "")
		if err := pub.Publish(ctx, event); err != nil {
			t.Fatal(err)
		}
	}

	// A consumer that reads without acknowledging, then goes away.
	crashed, err := NewRedisStreamReader(ctx, client, "preds", "g", "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	first, err := crashed.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if first.Event.URL != "http://a.test" {
		t.Fatalf("Expected http://a.test first, got %q", first.Event.URL)
	}

	restarted, err := NewRedisStreamReader(ctx, client, "preds", "g", "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	restarted.block = 10 * time.Millisecond

	var urls []string
	for i := 0; i < 2; i++ {
		msg, err := restarted.Read(ctx)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		urls = append(urls, msg.Event.URL)
		if err := restarted.Commit(ctx, msg); err != nil {
			t.Errorf("Commit failed: %v", err)
		}
	}
	if urls[0] != "http://a.test" || urls[1] != "http://b.test" {
		t.Errorf("Expected unacknowledged entries replayed in order, got %v", urls)
	}

	pending, err := client.XPending(ctx, "preds", "g").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("Expected no pending entries, got %d", pending.Count)
	}
}

func TestDecodeEvent(t *testing.T) {
	e, err := decodeEvent([]byte(`{"url":"http://a.test","predicted_class":"phishing"}`))
	if err != nil || e.URL != "http://a.test" || e.PredictedClass != "phishing" {
		t.Errorf("Unexpected decode %+v, %v", e, err)
	}

	for _, raw := range []string{`not json`, `{}`} {
		if _, err := decodeEvent([]byte(raw)); err == nil {
			t.Errorf("Expected error for %q", raw)
		}
	}
}
