// Package testutil holds directory tree fixtures shared by tests.
package testutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// WriteTree creates root and writes files (slash-separated relative path to
// content) below it
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()

	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("failed to create %s: %v", root, err)
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create parent of %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", rel, err)
		}
	}
}

// ReadTree returns every regular file below root keyed by slash-separated
// relative path
func ReadTree(t testing.TB, root string) map[string]string {
	t.Helper()

	files := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to read tree %s: %v", root, err)
	}
	return files
}

// Dirs returns every directory below root (root excluded) as slash-separated
// relative paths
func Dirs(t testing.TB, root string) []string {
	t.Helper()

	var dirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() || path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		dirs = append(dirs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("failed to list directories of %s: %v", root, err)
	}
	return dirs
}

// Logger returns a logger that only emits errors
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
