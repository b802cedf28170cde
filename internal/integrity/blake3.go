// Package integrity computes and verifies BLAKE3 digests of model
// artifacts.
package integrity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrDigestMismatch is returned by Verify when the file changed.
var ErrDigestMismatch = errors.New("digest mismatch")

// validatePath checks for path traversal attempts.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return errors.New("path traversal detected")
		}
	}
	return nil
}

// BLAKE3Hasher hashes model files.
type BLAKE3Hasher struct{}

// NewBLAKE3Hasher creates a new BLAKE3 hasher.
func NewBLAKE3Hasher() *BLAKE3Hasher {
	return &BLAKE3Hasher{}
}

// HashHex computes the BLAKE3 hash of data as a hex string.
func (h *BLAKE3Hasher) HashHex(data []byte) string {
	hasher := blake3.New()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashReader computes the BLAKE3 hash from an io.Reader.
func (h *BLAKE3Hasher) HashReader(r io.Reader) ([]byte, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return nil, fmt.Errorf("failed to hash data: %w", err)
	}
	return hasher.Sum(nil), nil
}

// HashFileHex computes the BLAKE3 hash of a file as a hex string.
func (h *BLAKE3Hasher) HashFileHex(path string) (string, error) {
	if err := validatePath(path); err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	sum, err := h.HashReader(f)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// Verify re-hashes path and compares the result with expected.
func (h *BLAKE3Hasher) Verify(path, expected string) error {
	actual, err := h.HashFileHex(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrDigestMismatch, path, actual, expected)
	}
	return nil
}
