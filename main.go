// Command urlguard serves malicious-URL predictions over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cvalentine99/urlguard/internal/artifact"
	"github.com/cvalentine99/urlguard/internal/config"
	"github.com/cvalentine99/urlguard/internal/grpchealth"
	"github.com/cvalentine99/urlguard/internal/logging"
	"github.com/cvalentine99/urlguard/internal/metrics"
	"github.com/cvalentine99/urlguard/internal/ml"
	"github.com/cvalentine99/urlguard/internal/profiling"
	"github.com/cvalentine99/urlguard/internal/publish"
	"github.com/cvalentine99/urlguard/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "urlguard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logging.Init(&logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stderr,
		Format: cfg.LogFormat,
	})
	logging.LogRuntimeInfo(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profCfg := &profiling.Config{HTTPAddr: cfg.PprofAddr, OutputDir: cfg.ProfileDir}
	if profCfg.Enabled() {
		prof, err := profiling.New(profCfg, nil)
		if err != nil {
			return err
		}
		if err := prof.Start(); err != nil {
			return err
		}
		defer func() {
			if err := prof.Stop(); err != nil {
				log.Warn("profiling stop", logging.Err(err))
			}
		}()
	}

	m := metrics.New()

	// The service keeps serving without a model; /predict answers 503.
	done := logging.Timer(logging.MLLogger(), "model load", "path", cfg.ModelPath)
	engine, model, err := loadModel(ctx, cfg)
	done()
	if err != nil {
		log.Error("model not loaded", logging.Err(err))
	} else {
		defer engine.Close()
		log.Info("model loaded", "path", model.ModelPath, "blake3", model.Digest)
	}

	var opts []ml.PredictorOption
	opts = append(opts, ml.WithDegradationHook(func(rawURL string) {
		m.ParseDegradations.Inc()
		logging.MLLogger().Debug("URL parse degraded", logging.URL(rawURL))
	}))
	var predictor *ml.Predictor
	if engine != nil {
		predictor = ml.NewPredictor(engine, opts...)
	} else {
		predictor = ml.NewPredictor(nil, opts...)
	}

	pub, err := publish.New(cfg)
	if err != nil {
		return err
	}
	dispatcher := publish.NewDispatcher(pub, publish.DispatcherConfig{QueueSize: cfg.PublishBuffer}, nil)
	dispatcher.Start()

	info := server.ModelInfo{}
	if model != nil {
		info.Path = model.ModelPath
		info.Digest = model.Digest
		info.AvailableSessions = func() int { return engine.Health().AvailableSessions }
	}

	srv := server.New(server.Options{
		Predictor:      predictor,
		Publisher:      dispatcher,
		Metrics:        m,
		Model:          info,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		drainPublishResults(dispatcher, m)
		return nil
	})

	g.Go(func() error {
		defer dispatcher.Close()
		return srv.ListenAndServe(gctx, cfg.HTTPAddr)
	})

	if cfg.GRPCHealthAddr != "" {
		health := grpchealth.New()
		health.SetServing(predictor.Ready())
		g.Go(func() error {
			log.Info("gRPC health listening", "addr", cfg.GRPCHealthAddr)
			return health.ListenAndServe(cfg.GRPCHealthAddr)
		})
		g.Go(func() error {
			<-gctx.Done()
			health.Stop()
			return nil
		})
	}

	if model != nil && cfg.IntegrityCheckSchedule != "" {
		watcher, err := artifact.NewWatcher(cfg.IntegrityCheckSchedule, *model, nil, nil)
		if err != nil {
			return err
		}
		watcher.Start()
		defer watcher.Stop()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	submitted, dropped, failed := dispatcher.Stats()
	log.Info("shut down",
		"queued", submitted,
		"dropped", dropped,
		"failed", failed)
	return nil
}

// loadModel prepares the artifact and starts an inference engine on it.
func loadModel(ctx context.Context, cfg *config.Config) (*ml.ONNXEngine, *artifact.Artifact, error) {
	var client artifact.S3API
	if cfg.ModelPath == "" {
		s3Client, err := artifact.NewS3Client(ctx)
		if err != nil {
			return nil, nil, err
		}
		client = s3Client
	}

	model, err := artifact.NewPreparer(client, nil).Prepare(ctx, artifact.Source{
		ModelPath: cfg.ModelPath,
		Bucket:    cfg.ModelS3Bucket,
		Key:       cfg.ModelS3Key,
		LocalDir:  cfg.LocalModelDir,
		Extension: cfg.ModelExtension,
	})
	if err != nil {
		return nil, nil, err
	}

	engine, err := ml.NewONNXEngine(&ml.ONNXConfig{
		SharedLibraryPath: cfg.ONNXLibraryPath,
		ModelPath:         model.ModelPath,
		InputName:         cfg.ONNXInputName,
		LabelOutput:       cfg.ONNXLabelOutput,
		ProbabilityOutput: cfg.ONNXProbabilityOutput,
		NumThreads:        cfg.ONNXThreads,
		PoolSize:          cfg.ONNXSessions,
		AcquireTimeout:    cfg.ONNXAcquireTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := engine.Initialize(); err != nil {
		return nil, nil, err
	}
	if err := engine.Warmup(ctx, 1); err != nil {
		engine.Close()
		return nil, nil, err
	}
	return engine, model, nil
}

// drainPublishResults logs and counts publish outcomes until the dispatcher
// closes its result channel.
func drainPublishResults(d *publish.Dispatcher, m *metrics.Metrics) {
	log := logging.PublishLogger()
	for res := range d.Results() {
		switch {
		case res.Dropped:
			m.ObservePublish(metrics.PublishDropped)
			log.Warn("prediction dropped", logging.URL(res.Event.URL))
		case res.Err != nil:
			m.ObservePublish(metrics.PublishFailed)
			log.Error("publish failed",
				logging.URL(res.Event.URL),
				"event_id", res.Event.ID,
				logging.Err(res.Err))
		default:
			m.ObservePublish(metrics.PublishOK)
			log.Debug("published",
				logging.Prediction(res.Event.URL, res.Event.PredictedClass),
				logging.Duration("elapsed", res.Elapsed))
		}
	}
}
