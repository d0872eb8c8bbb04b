// Package compare decides whether two files hold the same content.
//
// Equality is decided by file size and a whole-file SHA-256 digest. There is
// no byte-by-byte fallback, so equal digests are a probabilistic guarantee.
package compare

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FilesEqual reports whether the files at pathA and pathB have identical
// content. Read failures are returned as errors and never reported as a
// difference.
func FilesEqual(pathA, pathB string) (bool, error) {
	infoA, err := os.Stat(pathA)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", pathA, err)
	}
	infoB, err := os.Stat(pathB)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", pathB, err)
	}

	if infoA.Size() != infoB.Size() {
		return false, nil
	}

	digestA, err := Digest(pathA)
	if err != nil {
		return false, err
	}
	digestB, err := Digest(pathB)
	if err != nil {
		return false, err
	}

	return digestA == digestB, nil
}

// Digest computes the hex-encoded SHA-256 digest of a file
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
