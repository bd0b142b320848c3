// Package firmware validates firmware image files before a flash step.
// Images are opaque byte payloads; the only contract is raw byte-copy
// semantics, so validation covers existence, readability, and size.
package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/picoflash/picoflash/pkg/errors"
)

// Image describes a validated firmware image on local disk.
type Image struct {
	Path      string
	SizeBytes int64
}

// Stat validates that the path names a readable, non-empty regular
// file and returns its metadata. It must pass before any flash step
// begins.
func Stat(path string) (*Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "firmware image not accessible")
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("firmware image %s is not a regular file", path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("firmware image %s is empty", path)
	}

	// Confirm readability up front rather than mid-workflow.
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "firmware image not readable")
	}
	f.Close()

	slog.Info("firmware_image_validated", "path", path, "size_mb", info.Size()/1024/1024)
	return &Image{Path: path, SizeBytes: info.Size()}, nil
}

// Checksum computes the SHA-256 of the image file.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open firmware image")
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", errors.Wrap(err, "failed to hash firmware image")
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
