package artifact

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Size limits for downloaded and extracted artifacts.
const (
	MaxArtifactBytes  = 2 << 30
	MaxExtractedBytes = 4 << 30
	MaxArchiveEntries = 10000
)

var (
	// ErrUnsafePath is returned for archive entries that would land outside
	// the extraction directory.
	ErrUnsafePath = errors.New("unsafe path in archive")

	// ErrNotGzip is returned when the artifact is not a gzip stream.
	ErrNotGzip = errors.New("artifact is not gzip compressed")

	// ErrTooLarge is returned when an artifact exceeds the size limits.
	ErrTooLarge = errors.New("artifact exceeds size limit")
)

// Extract unpacks the gzip-compressed tarball at archivePath into destDir.
// Only directories and regular files are created; links and device nodes
// are skipped.
func Extract(archivePath, destDir string) (int, error) {
	mtype, err := mimetype.DetectFile(archivePath)
	if err != nil {
		return 0, fmt.Errorf("sniff %s: %w", archivePath, err)
	}
	if !mtype.Is("application/gzip") {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotGzip, archivePath, mtype.String())
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("read gzip header: %w", err)
	}
	defer gz.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return 0, err
	}

	tr := tar.NewReader(gz)
	var files int
	var total int64
	for entries := 0; ; entries++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return files, fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		if err != nil {
			return files, fmt.Errorf("read tar entry: %w", err)
		}
		if entries >= MaxArchiveEntries {
			return files, fmt.Errorf("%w: more than %d entries", ErrTooLarge, MaxArchiveEntries)
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > MaxExtractedBytes {
				return files, fmt.Errorf("%w: more than %d bytes extracted", ErrTooLarge, int64(MaxExtractedBytes))
			}
			if err := writeFile(target, tr, hdr.Size); err != nil {
				return files, err
			}
			files++
		}
	}

	return files, nil
}

// safeJoin resolves name under root, rejecting absolute names and names that
// climb out of root.
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(root, name)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(out, r, size); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}
