package tree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// File is a regular file discovered under a root directory
type File struct {
	RelPath string // slash-separated path relative to the root
	AbsPath string
	Size    int64
	Mode    os.FileMode
}

// Discover finds all regular files under root, keyed by relative path.
// Paths matching any of the exclude globs (doublestar syntax, matched against
// the slash-separated relative path) are skipped; a matching directory is
// pruned entirely.
func Discover(root string, exclude []string) (map[string]File, error) {
	for _, pattern := range exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	files := make(map[string]File)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := RelativePath(root, path)
		if err != nil {
			return err
		}

		if excluded(rel, exclude) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		files[rel] = File{
			RelPath: rel,
			AbsPath: path,
			Size:    info.Size(),
			Mode:    info.Mode().Perm(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// SortedPaths returns the relative paths of files in lexical order
func SortedPaths(files map[string]File) []string {
	paths := make([]string, 0, len(files))
	for rel := range files {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths
}

// RelativePath returns the slash-separated path of target relative to baseDir
func RelativePath(baseDir, target string) (string, error) {
	rel, err := filepath.Rel(baseDir, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Join maps a slash-separated relative path back onto root
func Join(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

// IsDir reports whether path exists and is a directory
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func excluded(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
