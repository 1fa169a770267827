package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FSStore implements Store on the local filesystem rooted at BaseDir.
// Objects are plain files; the public URL is URLPrefix + path.
type FSStore struct {
	baseDir   string
	urlPrefix string
	logger    *zap.Logger
	mu        sync.Mutex
}

// NewFSStore creates a filesystem store, creating the base directory if
// needed.
func NewFSStore(baseDir, urlPrefix string, logger *zap.Logger) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory %s: %w", baseDir, err)
	}
	return &FSStore{
		baseDir:   baseDir,
		urlPrefix: strings.TrimRight(urlPrefix, "/"),
		logger:    logger.With(zap.String("component", "blob")),
	}, nil
}

func (s *FSStore) resolve(path string) (string, error) {
	rel := filepath.ToSlash(filepath.Clean(strings.TrimLeft(path, "/")))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("blob path %q escapes base directory", path)
	}
	full := filepath.Join(s.baseDir, rel)
	if !strings.HasPrefix(full, filepath.Clean(s.baseDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob path %q escapes base directory", path)
	}
	return full, nil
}

// Put writes an object, refusing to overwrite an existing one.
func (s *FSStore) Put(_ context.Context, path string, data []byte, contentType string) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(full); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob parent directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", path, err)
	}

	s.logger.Debug("Blob stored",
		zap.String("path", path),
		zap.String("content_type", contentType),
		zap.Int("size_bytes", len(data)),
	)
	return s.URL(path), nil
}

// Get reads an object.
func (s *FSStore) Get(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", path, err)
	}
	return data, nil
}

// Exists checks for an object without reading it.
func (s *FSStore) Exists(_ context.Context, path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob %s: %w", path, err)
	}
	return true, nil
}

// URL returns the public URL for a stored path.
func (s *FSStore) URL(path string) string {
	return s.urlPrefix + "/" + strings.TrimLeft(path, "/")
}
