package compare

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDigest(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "test.txt", "test content")

	hash1, err := Digest(path)
	if err != nil {
		t.Fatal(err)
	}

	hash2, err := Digest(path)
	if err != nil {
		t.Fatal(err)
	}

	if hash1 != hash2 {
		t.Errorf("hash mismatch: %s != %s", hash1, hash2)
	}
	if len(hash1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(hash1))
	}

	if err := os.WriteFile(path, []byte("different content"), 0644); err != nil {
		t.Fatal(err)
	}

	hash3, err := Digest(path)
	if err != nil {
		t.Fatal(err)
	}

	if hash1 == hash3 {
		t.Error("hash should change when content changes")
	}
}

func TestFilesEqual(t *testing.T) {
	tmpDir := t.TempDir()

	a := writeFile(t, tmpDir, "a", "same bytes")
	b := writeFile(t, tmpDir, "b", "same bytes")
	sameSize := writeFile(t, tmpDir, "c", "SAME BYTES")
	longer := writeFile(t, tmpDir, "d", "same bytes, longer")
	emptyA := writeFile(t, tmpDir, "e", "")
	emptyB := writeFile(t, tmpDir, "f", "")

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "identical", a: a, b: b, want: true},
		{name: "same size different content", a: a, b: sameSize, want: false},
		{name: "different size", a: a, b: longer, want: false},
		{name: "both empty", a: emptyA, b: emptyB, want: true},
		{name: "self", a: a, b: a, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FilesEqual(tt.a, tt.b)
			if err != nil {
				t.Fatalf("FilesEqual() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FilesEqual() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilesEqual_IOErrorIsNotDifference(t *testing.T) {
	tmpDir := t.TempDir()
	a := writeFile(t, tmpDir, "a", "content")
	missing := filepath.Join(tmpDir, "missing")

	equal, err := FilesEqual(a, missing)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if equal {
		t.Error("expected false alongside error")
	}

	if _, err := FilesEqual(missing, a); err == nil {
		t.Fatal("expected error for missing first file")
	}
}
