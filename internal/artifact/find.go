package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrModelDirMissing is returned when the extraction directory does not
	// exist.
	ErrModelDirMissing = errors.New("model directory does not exist")

	// ErrNoModelFile is returned when no file with the model extension is
	// found.
	ErrNoModelFile = errors.New("no model file found")
)

// FindModel returns the first file under dir, searched recursively in
// lexical order, whose name ends in ext.
func FindModel(dir, ext string) (string, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return "", fmt.Errorf("%w: %s", ErrModelDirMissing, dir)
	}
	if err != nil {
		return "", err
	}

	var found string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), ext) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search %s: %w", dir, err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: no *%s under %s", ErrNoModelFile, ext, dir)
	}
	return found, nil
}
