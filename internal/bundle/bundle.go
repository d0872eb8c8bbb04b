// Package bundle packs a delta root into a single zstd-compressed tar file
// and unpacks it again.
package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/schaermu/treepatch/internal/tree"
)

// Extension is the conventional file suffix of a bundle
const Extension = ".tar.zst"

// ErrUnsafePath is returned when an archive entry would land outside the
// destination directory
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Pack writes every regular file below srcDir to w and returns the number of
// files written
func Pack(srcDir string, w io.Writer) (int, error) {
	files, err := tree.Discover(srcDir, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate %s: %w", srcDir, err)
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	count := 0
	for _, rel := range tree.SortedPaths(files) {
		if err := addFile(tw, files[rel]); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			return count, fmt.Errorf("failed to add %s: %w", rel, err)
		}
		count++
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return count, fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("failed to finish zstd stream: %w", err)
	}

	return count, nil
}

func addFile(tw *tar.Writer, f tree.File) error {
	src, err := os.Open(f.AbsPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     f.RelPath,
		Size:     f.Size,
		Mode:     int64(f.Mode.Perm()),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	_, err = io.Copy(tw, src)
	return err
}

// Unpack extracts a bundle read from r into destDir and returns the number of
// files extracted. Entries other than regular files and directories are
// rejected.
func Unpack(r io.Reader, destDir string) (int, error) {
	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve destination: %w", err)
	}
	absDest = filepath.Clean(absDest)

	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	count := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to read bundle: %w", err)
		}

		target := filepath.Join(absDest, filepath.FromSlash(hdr.Name))
		if !isWithinDir(absDest, target) {
			return count, fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, os.FileMode(hdr.Mode).Perm()); err != nil {
				return count, fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			count++
		default:
			return count, fmt.Errorf("unsupported entry type %q for %s", hdr.Typeflag, hdr.Name)
		}
	}
}

func extractFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// IsBundle reports whether path names a regular file, as opposed to an
// unpacked delta root directory
func IsBundle(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isWithinDir(absBaseDir, targetPath string) bool {
	absTarget := filepath.Clean(targetPath)
	return strings.HasPrefix(absTarget, absBaseDir+string(filepath.Separator))
}
