package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// BlobStore persists uploaded bytes on disk keyed by an opaque handle.
// It is content-agnostic and performs no authorization: which handles may
// be served is decided entirely by the attachment layer above it.
type BlobStore struct {
	baseDir string
}

// NewBlobStore ensures the base directory exists and returns a store.
func NewBlobStore(baseDir string) (*BlobStore, error) {
	if baseDir == "" {
		baseDir = "./uploads"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &BlobStore{baseDir: baseDir}, nil
}

// Put writes data under a freshly generated handle. The handle keeps the
// original extension so served files retain a usable suffix; everything
// else about the original name is discarded.
func (s *BlobStore) Put(data []byte, originalName string) (string, error) {
	handle := uuid.NewString() + sanitizeExt(originalName)
	path := s.resolve(handle)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare upload directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", handle, err)
	}
	return handle, nil
}

// PutStream copies from reader into a new blob and returns its handle.
func (s *BlobStore) PutStream(r io.Reader, originalName string) (string, error) {
	handle := uuid.NewString() + sanitizeExt(originalName)
	path := s.resolve(handle)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare upload directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create blob %s: %w", handle, err)
	}
	defer file.Close() //nolint:errcheck
	if _, err := io.Copy(file, r); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write blob stream %s: %w", handle, err)
	}
	return handle, nil
}

// Get reads the full blob content.
func (s *BlobStore) Get(handle string) ([]byte, error) {
	data, err := os.ReadFile(s.resolve(handle))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", handle, err)
	}
	return data, nil
}

// Open returns a read-only handle for streaming the blob.
func (s *BlobStore) Open(handle string) (*os.File, error) {
	file, err := os.Open(s.resolve(handle))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", handle, err)
	}
	return file, nil
}

// Delete removes a blob if present. Retirement in the version chain is the
// authoritative deletion; this is best-effort space reclamation only.
func (s *BlobStore) Delete(handle string) error {
	if err := os.Remove(s.resolve(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", handle, err)
	}
	return nil
}

func (s *BlobStore) resolve(handle string) string {
	// Handles are generated server-side, but guard against traversal anyway.
	return filepath.Join(s.baseDir, filepath.Base(handle))
}

func sanitizeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 10 {
		return ""
	}
	for _, r := range ext {
		if r != '.' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
