package patch

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const tmpPrefix = ".treepatch-tmp-"

type namedRoot struct {
	name string
	path string
}

// checkRoots fails with ErrMissingDirectory on the first root that is not an
// existing directory
func checkRoots(roots ...namedRoot) error {
	for _, r := range roots {
		info, err := os.Stat(r.path)
		if err != nil {
			return missingDirectory(r.name, r.path, err)
		}
		if !info.IsDir() {
			return missingDirectory(r.name, r.path, nil)
		}
	}
	return nil
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// writeMarker creates a zero-length file, replacing any existing content
func writeMarker(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0644)
}

// tempSibling returns an unused path next to dst for codec output. The file
// is not created, so a codec that exits without writing leaves nothing behind.
func tempSibling(dst string) string {
	return filepath.Join(filepath.Dir(dst), tmpPrefix+uuid.NewString())
}

// replaceFile renames tmp over dst and applies mode
func replaceFile(tmp, dst string, mode os.FileMode) error {
	if err := os.Chmod(tmp, mode); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// pruneEmptyDirs removes directories left empty below root, walking up from
// each of dirs. root itself is never removed.
func pruneEmptyDirs(root string, dirs []string) ([]string, error) {
	root = filepath.Clean(root)

	// Deepest first so parents see their children gone.
	sort.Slice(dirs, func(i, j int) bool {
		return len(dirs[i]) > len(dirs[j])
	})

	var pruned []string
	seen := make(map[string]bool)
	for _, dir := range dirs {
		for dir = filepath.Clean(dir); isBelow(root, dir) && !seen[dir]; dir = filepath.Dir(dir) {
			seen[dir] = true

			entries, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return pruned, err
			}
			if len(entries) > 0 {
				break
			}
			if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
				return pruned, err
			}
			pruned = append(pruned, dir)
		}
	}

	return pruned, nil
}

func isBelow(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
