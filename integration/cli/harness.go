//go:build integration

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const (
	binaryName     = "treepatch"
	defaultTimeout = 5 * time.Minute
)

// Harness builds the treepatch binary once and runs it against scratch trees
type Harness struct {
	t       *testing.T
	binary  string
	xdelta  string
	workDir string
}

// NewHarness creates a new test harness. Tests are skipped when no xdelta3
// binary is available.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	xdelta := os.Getenv("TREEPATCH_XDELTA3")
	if xdelta == "" {
		path, err := exec.LookPath("xdelta3")
		if err != nil {
			t.Skip("xdelta3 not found in PATH, set TREEPATCH_XDELTA3 to run integration tests")
		}
		xdelta = path
	}

	return &Harness{
		t:       t,
		xdelta:  xdelta,
		workDir: t.TempDir(),
	}
}

// Build compiles the CLI into the harness work directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, binaryName)
	if runtime.GOOS == "windows" {
		h.binary += ".exe"
	}
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/treepatch")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Path returns an absolute path below the harness work directory
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.workDir}, elem...)...)
}

// Run executes the CLI with the xdelta3 codec and returns stdout, stderr and
// the exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	args = append(args, "--codec", "xdelta3", "--codec-path", h.xdelta, "--quiet")
	cmd := exec.CommandContext(ctx, h.binary, args...)
	// Keep a developer's own config file out of the run.
	cmd.Env = append(os.Environ(), "HOME="+h.workDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the CLI and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// WriteFile writes content below the work directory, creating parents
func (h *Harness) WriteFile(rel string, content []byte) {
	h.t.Helper()
	path := h.Path(filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// ReadFile reads a file below the work directory
func (h *Harness) ReadFile(rel string) ([]byte, error) {
	return os.ReadFile(h.Path(filepath.FromSlash(rel)))
}

// FileExists checks if a regular file exists below the work directory
func (h *Harness) FileExists(rel string) bool {
	info, err := os.Stat(h.Path(filepath.FromSlash(rel)))
	return err == nil && info.Mode().IsRegular()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
