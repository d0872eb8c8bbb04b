package patch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/schaermu/treepatch/internal/progress"
)

// copyCodec stores the new file verbatim as its delta and counts invocations
type copyCodec struct {
	encodes atomic.Int32
	decodes atomic.Int32

	failEncode map[string]bool // keyed by base name of the new file
	failDecode bool

	// failDecodeFor fails decodes of the named payloads (base name); every
	// other decode then blocks until its context ends
	failDecodeFor map[string]bool
}

func (c *copyCodec) Name() string { return "copy" }

func (c *copyCodec) Encode(_ context.Context, _, newPath, deltaPath string) error {
	c.encodes.Add(1)
	if c.failEncode[filepath.Base(newPath)] {
		// Like a process killed mid-write, leave a truncated payload behind.
		_ = os.WriteFile(deltaPath, []byte("trunc"), 0644)
		return errors.New("encoder exploded")
	}
	return copyBytes(newPath, deltaPath)
}

func (c *copyCodec) Decode(ctx context.Context, _, deltaPath, outPath string) error {
	c.decodes.Add(1)
	if c.failDecode || c.failDecodeFor[filepath.Base(deltaPath)] {
		return errors.New("decoder exploded")
	}
	if c.failDecodeFor != nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return copyBytes(deltaPath, outPath)
}

func copyBytes(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// recorder is a progress sink keeping every snapshot
type recorder struct {
	mu        sync.Mutex
	snapshots []progress.Snapshot
}

func (r *recorder) Report(s progress.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) all() []progress.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Snapshot(nil), r.snapshots...)
}

// roots creates empty reference, target and delta directories
func roots(t *testing.T) (ref, target, delta string) {
	t.Helper()
	base := t.TempDir()
	ref = filepath.Join(base, "reference")
	target = filepath.Join(base, "target")
	delta = filepath.Join(base, "delta")
	for _, dir := range []string{ref, target, delta} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	return ref, target, delta
}

func counterValues(s progress.Snapshot) map[string]int {
	values := make(map[string]int, len(s.Counters))
	for _, c := range s.Counters {
		values[c.Label] = c.Value
	}
	return values
}
