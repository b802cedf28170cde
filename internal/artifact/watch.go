package artifact

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/cvalentine99/urlguard/internal/integrity"
	"github.com/cvalentine99/urlguard/internal/logging"
)

// Watcher periodically re-hashes the loaded model file and warns when it no
// longer matches the digest taken at startup. It never reloads the model.
type Watcher struct {
	cron     *cron.Cron
	artifact Artifact
	hasher   *integrity.BLAKE3Hasher
	logger   *logging.Logger

	mismatches atomic.Int64
	onMismatch func(error)
}

// NewWatcher schedules integrity checks of a on the cron spec. Specs may be
// five-field expressions or descriptors such as "@every 10m".
func NewWatcher(spec string, a Artifact, logger *logging.Logger, onMismatch func(error)) (*Watcher, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("artifact: empty integrity check schedule")
	}
	if logger == nil {
		logger = logging.ArtifactLogger()
	}

	w := &Watcher{
		cron:       cron.New(),
		artifact:   a,
		hasher:     integrity.NewBLAKE3Hasher(),
		logger:     logger,
		onMismatch: onMismatch,
	}

	if _, err := w.cron.AddFunc(spec, func() { w.Check() }); err != nil {
		return nil, fmt.Errorf("invalid integrity check schedule %q: %w", spec, err)
	}
	return w, nil
}

// Start begins running scheduled checks in the background.
func (w *Watcher) Start() {
	w.logger.Info("model integrity checks scheduled", "path", w.artifact.ModelPath)
	w.cron.Start()
}

// Stop stops the scheduler and waits for a running check to finish.
func (w *Watcher) Stop() {
	<-w.cron.Stop().Done()
}

// Check re-hashes the model once.
func (w *Watcher) Check() error {
	err := w.hasher.Verify(w.artifact.ModelPath, w.artifact.Digest)
	switch {
	case err == nil:
		w.logger.Debug("model integrity verified", "path", w.artifact.ModelPath)
	case errors.Is(err, integrity.ErrDigestMismatch):
		w.mismatches.Add(1)
		w.logger.Warn("model file changed on disk; the loaded model keeps serving", logging.Err(err))
		if w.onMismatch != nil {
			w.onMismatch(err)
		}
	default:
		w.logger.Warn("model integrity check failed", logging.Err(err))
	}
	return err
}

// Mismatches returns how many checks found a changed file.
func (w *Watcher) Mismatches() int64 {
	return w.mismatches.Load()
}
