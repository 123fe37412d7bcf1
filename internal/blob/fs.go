// Package blob stores downloaded report artifacts on the local
// filesystem, addressed by relative path.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// allowedExtensions bounds artifact types to archive and structured
// markup formats.
var allowedExtensions = map[string]bool{
	".zip":   true,
	".xhtml": true,
	".xml":   true,
}

// Store is a private filesystem blob store. Paths follow
// <orgnr>/annual-reports/<year>/<filename>.
type Store struct {
	root     string
	maxBytes int64
}

// NewStore creates the root directory if needed.
func NewStore(root string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root, maxBytes: maxBytes}, nil
}

// Put writes an artifact atomically and returns its relative path.
func (s *Store) Put(orgnr string, year int, filename string, data []byte) (string, error) {
	if int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("artifact %s exceeds %d byte limit", filename, s.maxBytes)
	}
	cleaned := filepath.Base(filename)
	if cleaned != filename || strings.ContainsAny(filename, "/\\") {
		return "", fmt.Errorf("artifact filename %q is not a plain name", filename)
	}
	if !allowedExtensions[strings.ToLower(filepath.Ext(cleaned))] {
		return "", fmt.Errorf("artifact type %q not allowed", filepath.Ext(cleaned))
	}

	rel := filepath.Join(orgnr, "annual-reports", fmt.Sprintf("%d", year), cleaned)
	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Get reads an artifact by its relative path.
func (s *Store) Get(rel string) ([]byte, error) {
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(abs, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("artifact path %q escapes the store", rel)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", rel, err)
	}
	return data, nil
}

// Exists reports whether an artifact is present.
func (s *Store) Exists(rel string) bool {
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	_, err := os.Stat(abs)
	return err == nil
}
