// Package writer persists generated files without exposing partial writes.
package writer

import (
	"fmt"
	"os"
	"path/filepath"
)

// Writer persists rendered configuration
type Writer interface {
	Write(data []byte) error
}

// FileWriter replaces a file atomically: data goes to a temporary file in
// the same directory, which is then renamed over the target.
type FileWriter struct {
	Path string
	Mode os.FileMode
}

// New returns a FileWriter for path with mode 0644
func New(path string) *FileWriter {
	return &FileWriter{Path: path, Mode: 0644}
}

// Write implements Writer
func (w *FileWriter) Write(data []byte) error {
	return WriteFile(w.Path, data, w.Mode)
}

// WriteFile atomically replaces path with data. On failure the previous
// content of path is left untouched.
func WriteFile(path string, data []byte, mode os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err = tmp.Chmod(mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmp.Name(), err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
