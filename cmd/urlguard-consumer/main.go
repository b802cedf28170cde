// Command urlguard-consumer reads published predictions, logs them and
// records them in the history database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/cvalentine99/urlguard/internal/config"
	"github.com/cvalentine99/urlguard/internal/consumer"
	"github.com/cvalentine99/urlguard/internal/history"
	"github.com/cvalentine99/urlguard/internal/logging"
	"github.com/cvalentine99/urlguard/internal/metrics"
)

func main() {
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	noHistory := flag.Bool("no-history", false, "log predictions without storing them")
	recent := flag.Int("recent", 0, "print the N most recent stored predictions and exit")
	flag.Parse()

	var err error
	if *recent > 0 {
		err = printRecent(os.Stdout, *recent)
	} else {
		err = run(*metricsAddr, *noHistory)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "urlguard-consumer: %v\n", err)
		os.Exit(1)
	}
}

func run(metricsAddr string, noHistory bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logging.Init(&logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stderr,
		Format: cfg.LogFormat,
	}).WithComponent("consumer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store consumer.Store
	if !noHistory {
		db, err := history.Open(cfg.HistoryDBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		store = db
		log.Info("recording history", "path", cfg.HistoryDBPath)
	}

	reader, err := openReader(ctx, cfg)
	if err != nil {
		return err
	}
	defer reader.Close()

	m := metrics.New()
	c := consumer.New(reader, store, m, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("consuming predictions", "backend", cfg.PublishBackend, "group", cfg.ConsumerGroup)
		return c.Run(gctx)
	})

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// openReader connects to the backend named by cfg.PublishBackend.
func openReader(ctx context.Context, cfg *config.Config) (consumer.Reader, error) {
	switch cfg.PublishBackend {
	case config.BackendKafka:
		return consumer.NewKafkaReader(cfg.KafkaBroker, cfg.PredictionTopic, cfg.ConsumerGroup), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		r, err := consumer.NewRedisStreamReader(ctx, client, cfg.RedisStream, cfg.ConsumerGroup, consumerName(cfg))
		if err != nil {
			client.Close()
			return nil, err
		}
		return &ownedRedisReader{RedisStreamReader: r, client: client}, nil
	default:
		return nil, fmt.Errorf("publish backend %q has nothing to consume", cfg.PublishBackend)
	}
}

// consumerName names this process in the Redis consumer group. Pending
// entries are replayed only to the same name, so it must survive restarts.
func consumerName(cfg *config.Config) string {
	if cfg.ConsumerName != "" {
		return cfg.ConsumerName
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "urlguard-consumer"
}

// printRecent writes the newest stored predictions as a table.
func printRecent(w io.Writer, limit int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(context.Background(), limit)
	if err != nil {
		return err
	}
	return writeRecords(w, records)
}

func writeRecords(w io.Writer, records []history.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PREDICTED AT\tCLASS\tSOURCE\tURL")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			r.PredictedAt.UTC().Format(time.RFC3339), r.PredictedClass, r.Source, r.URL)
	}
	return tw.Flush()
}

// ownedRedisReader closes the client it was opened with.
type ownedRedisReader struct {
	*consumer.RedisStreamReader
	client *redis.Client
}

func (r *ownedRedisReader) Close() error {
	return r.client.Close()
}
