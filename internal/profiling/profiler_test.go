package profiling

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cvalentine99/urlguard/internal/logging"
)

func TestConfigEnabled(t *testing.T) {
	if DefaultConfig().Enabled() {
		t.Error("Expected default config to be disabled")
	}
	if !(&Config{HTTPAddr: "localhost:6060"}).Enabled() {
		t.Error("Expected HTTP address to enable profiling")
	}
	if !(&Config{OutputDir: "/tmp/p"}).Enabled() {
		t.Error("Expected output dir to enable profiling")
	}
	var nilCfg *Config
	if nilCfg.Enabled() {
		t.Error("Expected nil config to be disabled")
	}
}

func TestProfiler_FileProfiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	p, err := New(&Config{OutputDir: dir}, logging.Discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Start(); err == nil {
		t.Error("Expected second Start to fail")
	}
	if err := p.Snapshot("goroutine"); err != nil {
		t.Errorf("Snapshot failed: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Stop(); err == nil {
		t.Error("Expected second Stop to fail")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[string]bool{}
	for _, e := range entries {
		for _, kind := range []string{"cpu", "heap", "goroutine"} {
			if strings.HasPrefix(e.Name(), "urlguard-"+kind+"-") {
				kinds[kind] = true
			}
		}
	}
	for _, kind := range []string{"cpu", "heap", "goroutine"} {
		if !kinds[kind] {
			t.Errorf("Expected a %s profile in %s", kind, dir)
		}
	}
}

func TestProfiler_SnapshotErrors(t *testing.T) {
	p, err := New(nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Snapshot("heap"); err == nil {
		t.Error("Expected error without output directory")
	}

	p, err = New(&Config{OutputDir: t.TempDir()}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Snapshot("no-such-profile"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pprof/", nil))

	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "goroutine") {
		t.Error("Expected profile index to list goroutine")
	}
}
