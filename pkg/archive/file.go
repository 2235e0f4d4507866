package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileStore writes objects under a local base directory.
type FileStore struct {
	baseDir string
}

// NewFileStore returns a FileStore rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("archive dir is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

// PutObject writes body to key atomically.
func (s *FileStore) PutObject(ctx context.Context, key string, body io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("PutObject", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".webgrade-put-*")
	if err != nil {
		return s.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return s.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("PutObject", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("PutObject", key, err)
	}
	return nil
}

// URI returns a file:// URI for key.
func (s *FileStore) URI(key string) string {
	full, err := s.fullPath(key)
	if err != nil {
		full = s.baseDir
	}
	return "file://" + filepath.ToSlash(full)
}

func (s *FileStore) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	clean := path.Clean(key)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *FileStore) wrapError(op, key string, err error) error {
	wrapped := &StoreError{Op: op, Store: "file", Key: key, Err: err}
	if os.IsPermission(err) {
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}

var _ Store = (*FileStore)(nil)
