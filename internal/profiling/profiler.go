// Package profiling exposes pprof endpoints and writes profiles for URLGuard
package profiling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvalentine99/urlguard/internal/logging"
)

// Profiler serves pprof over HTTP and records file profiles for the
// lifetime of the process.
type Profiler struct {
	config     *Config
	logger     *logging.Logger
	httpServer *http.Server
	cpuFile    *os.File
	running    atomic.Bool
	mu         sync.Mutex
	started    time.Time
}

// Config holds profiler configuration
type Config struct {
	// HTTPAddr serves /debug/pprof/ when set
	HTTPAddr string

	// OutputDir receives a CPU profile and a heap profile when set
	OutputDir   string
	ProfileName string

	// Memory profiling sample rate in bytes; 0 keeps the runtime default
	MemProfileRate int

	// Block and mutex profiling rates; 0 disables
	BlockProfileRate int
	MutexProfileRate int
}

// DefaultConfig returns default profiler configuration
func DefaultConfig() *Config {
	return &Config{
		ProfileName: "urlguard",
	}
}

// Enabled reports whether cfg asks for any profiling.
func (c *Config) Enabled() bool {
	return c != nil && (c.HTTPAddr != "" || c.OutputDir != "")
}

// New creates a new Profiler
func New(cfg *Config, logger *logging.Logger) (*Profiler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ProfileName == "" {
		cfg.ProfileName = "urlguard"
	}
	if logger == nil {
		logger = logging.Default().WithComponent("profiling")
	}

	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	return &Profiler{config: cfg, logger: logger}, nil
}

// Handler returns a mux serving the pprof endpoints under /debug/pprof/.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start applies profiling rates and begins serving and recording.
func (p *Profiler) Start() error {
	if p.running.Swap(true) {
		return errors.New("profiler already running")
	}
	p.started = time.Now()

	if p.config.MemProfileRate > 0 {
		runtime.MemProfileRate = p.config.MemProfileRate
	}
	if p.config.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(p.config.BlockProfileRate)
	}
	if p.config.MutexProfileRate > 0 {
		runtime.SetMutexProfileFraction(p.config.MutexProfileRate)
	}

	if p.config.HTTPAddr != "" {
		p.httpServer = &http.Server{
			Addr:              p.config.HTTPAddr,
			Handler:           Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			p.logger.Info("pprof listening", "addr", p.config.HTTPAddr)
			if err := p.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				p.logger.Warn("pprof server stopped", logging.Err(err))
			}
		}()
	}

	if p.config.OutputDir != "" {
		if err := p.startCPUProfile(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops CPU profiling, writes a heap profile and shuts the HTTP
// endpoint down.
func (p *Profiler) Stop() error {
	if !p.running.Swap(false) {
		return errors.New("profiler not running")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.cpuFile != nil {
		rpprof.StopCPUProfile()
		errs = append(errs, p.cpuFile.Close())
		p.cpuFile = nil
	}

	if p.config.OutputDir != "" {
		errs = append(errs, p.writeProfile("heap"))
	}

	if p.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, p.httpServer.Shutdown(ctx))
	}

	p.logger.Debug("profiling stopped", logging.Duration("profiled", time.Since(p.started)))
	return errors.Join(errs...)
}

// Snapshot writes the named runtime profile ("heap", "goroutine", "block",
// "mutex", ...) to the output directory.
func (p *Profiler) Snapshot(name string) error {
	if p.config.OutputDir == "" {
		return errors.New("profiling: no output directory")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeProfile(name)
}

func (p *Profiler) path(kind string) string {
	return filepath.Join(p.config.OutputDir,
		fmt.Sprintf("%s-%s-%s.pprof", p.config.ProfileName, kind, time.Now().Format("20060102-150405")))
}

func (p *Profiler) startCPUProfile() error {
	f, err := os.Create(p.path("cpu"))
	if err != nil {
		return fmt.Errorf("failed to create CPU profile file: %w", err)
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start CPU profile: %w", err)
	}
	p.cpuFile = f
	return nil
}

func (p *Profiler) writeProfile(name string) error {
	profile := rpprof.Lookup(name)
	if profile == nil {
		return fmt.Errorf("profile %s not found", name)
	}

	path := p.path(name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if name == "heap" {
		runtime.GC()
	}
	if err := profile.WriteTo(f, 0); err != nil {
		return fmt.Errorf("write %s profile: %w", name, err)
	}
	p.logger.Info("profile written", "kind", name, "path", path)
	return nil
}
