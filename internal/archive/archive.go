// Package archive implements the archive collaborator the Cache Engine
// treats as opaque (§6 of the design spec): create a tar+zstd archive from a
// set of filesystem paths, and extract one back onto disk. This component is
// explicitly out of scope for the coordination-layer spec, but a concrete
// implementation is provided so the module is runnable end to end, the same
// way the teacher ships a runnable example (examples/basic) rather than
// leaving collaborators as bare interfaces.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Archiver is the interface the Cache Engine consumes.
type Archiver interface {
	Create(ctx context.Context, paths []string, workDir string, opts ...CreateOption) (archivePath string, sizeBytes int64, err error)
	Extract(ctx context.Context, archivePath, destDir string) error
}

// createConfig holds the optional knobs from CreateOption.
type createConfig struct {
	level zstd.EncoderLevel
}

// CreateOption customizes Create, matching §6's "[overrides],
// [compressionOpts]" interface note.
type CreateOption func(*createConfig)

// WithLevel overrides the zstd compression level (default
// zstd.SpeedDefault).
func WithLevel(level zstd.EncoderLevel) CreateOption {
	return func(c *createConfig) { c.level = level }
}

// TarZstd creates and extracts archives using the stdlib tar format
// compressed with zstd.
type TarZstd struct{}

// New returns a ready-to-use TarZstd archiver.
func New() *TarZstd { return &TarZstd{} }

// hashPrefixLen mirrors internal/blob's truncated-SHA-256 naming scheme:
// PutFromPath reuses a file's name verbatim as its remote location, so
// Create must itself produce the sha256-<16hex>.tar.zst name the spec
// requires rather than leaving it to the caller.
const hashPrefixLen = 16

// Create walks paths, writes a tar+zstd archive into a temp file under
// workDir, then renames it to sha256-<16hex>.tar.zst where <16hex> is the
// first 16 hex characters of the finished archive's SHA-256 digest — the
// same content-addressed naming internal/blob uses for data passed to Put,
// so PutFromPath's verbatim-filename upload actually content-addresses the
// blob instead of uploading under a random name.
func (TarZstd) Create(ctx context.Context, paths []string, workDir string, opts ...CreateOption) (string, int64, error) {
	cfg := createConfig{level: zstd.SpeedDefault}
	for _, o := range opts {
		o(&cfg)
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("archive: create: %w", err)
	}

	f, err := os.CreateTemp(workDir, "archive-*.tar.zst")
	if err != nil {
		return "", 0, fmt.Errorf("archive: create: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(cfg.level))
	if err != nil {
		return "", 0, fmt.Errorf("archive: create: zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			tw.Close()
			zw.Close()
			return "", 0, err
		}
		if err := addPath(tw, p); err != nil {
			tw.Close()
			zw.Close()
			return "", 0, fmt.Errorf("archive: create: %s: %w", p, err)
		}
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return "", 0, fmt.Errorf("archive: create: close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("archive: create: close zstd: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("archive: create: stat: %w", err)
	}

	digest, err := hashFile(f.Name())
	if err != nil {
		return "", 0, fmt.Errorf("archive: create: hash: %w", err)
	}
	finalPath := filepath.Join(workDir, fmt.Sprintf("sha256-%s.tar.zst", digest))
	if err := os.Rename(f.Name(), finalPath); err != nil {
		return "", 0, fmt.Errorf("archive: create: rename: %w", err)
	}

	return finalPath, info.Size(), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:hashPrefixLen], nil
}

func addPath(tw *tar.Writer, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(root), path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// Extract unpacks archivePath into destDir.
func (TarZstd) Extract(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("archive: extract: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("archive: extract: zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("archive: extract: %w", err)
	}

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: extract: %w", err)
		}

		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if err := guardPathEscape(destDir, target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("archive: extract: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: extract: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("archive: extract: %w", err)
			}
			_, cerr := io.Copy(out, tr)
			cerr2 := out.Close()
			if cerr != nil {
				return fmt.Errorf("archive: extract: %w", cerr)
			}
			if cerr2 != nil {
				return fmt.Errorf("archive: extract: %w", cerr2)
			}
		default:
			// symlinks and other types are skipped; CI artifact trees are
			// overwhelmingly regular files and directories.
		}
	}
}

func guardPathEscape(destDir, target string) error {
	rel, err := filepath.Rel(destDir, target)
	if err != nil {
		return fmt.Errorf("archive: extract: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("archive: extract: entry escapes destination: %s", target)
	}
	return nil
}
