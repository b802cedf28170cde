package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cvalentine99/urlguard/internal/integrity"
	"github.com/cvalentine99/urlguard/internal/logging"
)

// Source says where the model comes from. When ModelPath is set the S3
// fields are ignored.
type Source struct {
	ModelPath string

	Bucket    string
	Key       string
	LocalDir  string
	Extension string
}

// Artifact is a model file ready to be loaded.
type Artifact struct {
	ModelPath string
	Digest    string // BLAKE3, hex
}

// Preparer downloads, extracts and locates the model.
type Preparer struct {
	client S3API
	hasher *integrity.BLAKE3Hasher
	logger *logging.Logger
}

// NewPreparer creates a preparer. client may be nil when only local model
// paths are used.
func NewPreparer(client S3API, logger *logging.Logger) *Preparer {
	if logger == nil {
		logger = logging.ArtifactLogger()
	}
	return &Preparer{
		client: client,
		hasher: integrity.NewBLAKE3Hasher(),
		logger: logger,
	}
}

// Prepare returns the model file described by src, fetching it first when
// src names an S3 object.
func (p *Preparer) Prepare(ctx context.Context, src Source) (*Artifact, error) {
	modelPath := src.ModelPath
	if modelPath == "" {
		var err error
		modelPath, err = p.fetch(ctx, src)
		if err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model path: %w", err)
	}

	digest, err := p.hasher.HashFileHex(modelPath)
	if err != nil {
		return nil, fmt.Errorf("hash model: %w", err)
	}

	p.logger.Info("model artifact ready", "path", modelPath, "blake3", digest)
	return &Artifact{ModelPath: modelPath, Digest: digest}, nil
}

func (p *Preparer) fetch(ctx context.Context, src Source) (string, error) {
	if err := os.MkdirAll(src.LocalDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", src.LocalDir, err)
	}
	archive := filepath.Join(src.LocalDir, "model.tar.gz")

	start := time.Now()
	n, err := Download(ctx, p.client, src.Bucket, src.Key, archive)
	if err != nil {
		return "", err
	}
	p.logger.Info("downloaded model artifact",
		"bucket", src.Bucket,
		"key", src.Key,
		logging.Count("bytes", n),
		logging.Duration("elapsed", time.Since(start)),
	)

	files, err := Extract(archive, src.LocalDir)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", archive, err)
	}
	p.logger.Debug("extracted model artifact", "dir", src.LocalDir, "files", files)

	return FindModel(src.LocalDir, src.Extension)
}
