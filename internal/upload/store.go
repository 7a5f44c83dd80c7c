// Package upload stores client-uploaded files on disk, addressed by filename.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"chatrelay/internal/domain"

	"github.com/gabriel-vasile/mimetype"
)

// DiskStore implements domain.BlobStore over a single directory. All access
// goes through an os.Root, so names cannot resolve outside dir.
type DiskStore struct {
	dir    string
	root   *os.Root
	logger *slog.Logger
}

var _ domain.BlobStore = (*DiskStore)(nil)

// NewDiskStore creates dir if needed and binds the store to it.
func NewDiskStore(dir string, logger *slog.Logger) (*DiskStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve uploads dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create uploads directory %s: %w", abs, err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open uploads dir: %w", err)
	}
	return &DiskStore{dir: abs, root: root, logger: logger}, nil
}

// Save writes data to filename, replacing any existing file.
func (s *DiskStore) Save(ctx context.Context, filename string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: save %q: %w", domain.ErrIO, filename, err)
	}
	if err := s.root.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("%w: save %q: %w", domain.ErrIO, filename, err)
	}
	s.logger.Debug("upload saved", "filename", filename, "bytes", len(data))
	return nil
}

// Read returns the stored bytes for filename.
func (s *DiskStore) Read(filename string) ([]byte, error) {
	data, err := s.root.ReadFile(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: read %q: %w", domain.ErrIO, filename, err)
	}
	return data, nil
}

// Dir returns the absolute uploads directory.
func (s *DiskStore) Dir() string { return s.dir }

func (s *DiskStore) Close() error {
	return s.root.Close()
}

// ContentType picks the type to serve filename with: the extension wins,
// otherwise the bytes are sniffed.
func ContentType(filename string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}
