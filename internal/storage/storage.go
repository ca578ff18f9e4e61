// Package storage abstracts the blob backend holding rendered PDFs.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type UploadOptions struct {
	ContentType string
}

type UploadResult struct {
	URL  string
	Path string
}

type Store interface {
	Upload(ctx context.Context, data []byte, path string, opts UploadOptions) (UploadResult, error)
	Download(ctx context.Context, path string) ([]byte, error)
}

// FSStore writes blobs under a base directory and serves URLs under a base
// URL. It stands in for the production object-store adapter.
type FSStore struct {
	BaseDir string
	BaseURL string
}

func NewFSStore(baseDir, baseURL string) *FSStore {
	return &FSStore{BaseDir: baseDir, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (s *FSStore) Upload(_ context.Context, data []byte, path string, _ UploadOptions) (UploadResult, error) {
	full := filepath.Join(s.BaseDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return UploadResult{}, err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return UploadResult{}, err
	}
	return UploadResult{URL: s.BaseURL + "/" + path, Path: path}, nil
}

func (s *FSStore) Download(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.BaseDir, filepath.FromSlash(path)))
}

// MemoryStore is the test double.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{blobs: map[string][]byte{}} }

func (s *MemoryStore) Upload(_ context.Context, data []byte, path string, _ UploadOptions) (UploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, len(data))
	copy(b, data)
	s.blobs[path] = b
	return UploadResult{URL: "mem:///" + path, Path: path}, nil
}

func (s *MemoryStore) Download(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", path)
	}
	return b, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
