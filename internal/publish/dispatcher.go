package publish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cvalentine99/urlguard/internal/logging"
	"github.com/cvalentine99/urlguard/internal/models"
)

// ErrQueueFull is reported for events dropped because the queue was full.
var ErrQueueFull = errors.New("publish queue full")

// Result is the outcome of one publish attempt.
type Result struct {
	Event   models.PredictionEvent
	Err     error
	Dropped bool
	Elapsed time.Duration
}

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	// QueueSize is the number of events buffered before Submit drops
	QueueSize int
	// ResultBuffer is the capacity of the Results channel
	ResultBuffer int
	// PublishTimeout bounds each Publish call
	PublishTimeout time.Duration
}

// DefaultDispatcherConfig returns default dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:      1024,
		ResultBuffer:   1024,
		PublishTimeout: 5 * time.Second,
	}
}

// Dispatcher publishes events in the background so request handlers never
// wait on the message bus. Outcomes are delivered on Results; when nobody
// drains Results fast enough, outcomes are discarded rather than blocking
// publishing.
type Dispatcher struct {
	pub     Publisher
	cfg     DispatcherConfig
	logger  *logging.Logger
	queue   chan models.PredictionEvent
	results chan Result

	closed  atomic.Bool
	mu      sync.RWMutex
	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	submitted atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher creates a dispatcher around pub. Call Start before Submit.
func NewDispatcher(pub Publisher, cfg DispatcherConfig, logger *logging.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = def.ResultBuffer
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if logger == nil {
		logger = logging.PublishLogger()
	}

	return &Dispatcher{
		pub:     pub,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan models.PredictionEvent, cfg.QueueSize),
		results: make(chan Result, cfg.ResultBuffer),
		done:    make(chan struct{}),
	}
}

// Start launches the publishing goroutine.
func (d *Dispatcher) Start() {
	if d.started.Swap(true) {
		return
	}
	go d.run()
}

// Results returns the channel publish outcomes are delivered on. It is
// closed after Close has drained the queue.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Submit enqueues p for publishing without blocking. It returns false when
// the event was dropped.
func (d *Dispatcher) Submit(p models.Prediction, requestID string) bool {
	event := models.NewPredictionEvent(p, uuid.NewString(), requestID)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed.Load() {
		d.dropped.Add(1)
		return false
	}

	select {
	case d.queue <- event:
		d.submitted.Add(1)
		return true
	default:
		d.dropped.Add(1)
		d.report(Result{Event: event, Err: ErrQueueFull, Dropped: true})
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for event := range d.queue {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
		err := d.pub.Publish(ctx, event)
		cancel()

		if err != nil {
			d.failed.Add(1)
		}
		d.report(Result{Event: event, Err: err, Elapsed: time.Since(start)})
	}
}

func (d *Dispatcher) report(r Result) {
	select {
	case d.results <- r:
	default:
		d.logger.Debug("publish result discarded, results channel full")
	}
}

// Close stops accepting events, publishes what is queued, closes the
// publisher and finally closes Results.
func (d *Dispatcher) Close() error {
	var err error
	d.once.Do(func() {
		d.mu.Lock()
		d.closed.Store(true)
		close(d.queue)
		d.mu.Unlock()

		if d.started.Load() {
			<-d.done
		}
		err = d.pub.Close()
		close(d.results)
	})
	return err
}

// Stats returns counts of queued, dropped and failed events.
func (d *Dispatcher) Stats() (submitted, dropped, failed uint64) {
	return d.submitted.Load(), d.dropped.Load(), d.failed.Load()
}
