// Package local implements casemill.BlobStore on a directory tree. It is
// the fallback when no object-storage credentials are configured.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ohanchuk/casemill"
)

// Store implements casemill.BlobStore under one root directory.
type Store struct {
	root string
}

var _ casemill.BlobStore = (*Store)(nil)

// New creates a Store rooted at dir. The directory is created on first
// Put.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Put writes data under key relative to the root and returns the absolute
// file path as the URI. Keys must stay inside the root.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	p, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("blob local: mkdir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("blob local: write %s: %w", key, err)
	}
	return p, nil
}

// Get reads the bytes under key or at an absolute path returned by Put.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	p := key
	if !filepath.IsAbs(p) {
		var err error
		if p, err = s.resolve(key); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, casemill.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob local: read %s: %w", key, err)
	}
	return data, nil
}

// resolve joins key onto the root and rejects traversal outside it.
func (s *Store) resolve(key string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", fmt.Errorf("blob local: resolve root: %w", err)
	}
	pAbs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("blob local: resolve %s: %w", key, err)
	}
	if pAbs != rootAbs && !strings.HasPrefix(pAbs, rootAbs+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob local: key %q escapes root", key)
	}
	return pAbs, nil
}
