package patch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/treepatch/internal/codec"
	"github.com/schaermu/treepatch/internal/manifest"
	"github.com/schaermu/treepatch/internal/testutil"
)

// generateBSDiff builds a delta root for ref -> target with the bsdiff codec
func generateBSDiff(t *testing.T, ref, target, delta string) *Summary {
	t.Helper()
	summary, err := NewGenerator(Options{}, codec.NewBSDiff(), nil, testutil.Logger()).
		Generate(context.Background(), ref, target, delta)
	require.NoError(t, err)
	return summary
}

func TestApply_SecondApplyIsIdempotent(t *testing.T) {
	ref, target, delta := roots(t)
	testutil.WriteTree(t, ref, map[string]string{
		"mod.bin":     "modified, version one",
		"old/del.bin": "to be removed",
		"keep.bin":    "unchanged",
	})
	targetFiles := map[string]string{
		"mod.bin":     "modified, version two with extra bytes",
		"new/add.bin": "added",
		"keep.bin":    "unchanged",
	}
	testutil.WriteTree(t, target, targetFiles)
	generateBSDiff(t, ref, target, delta)

	app := NewApplier(Options{}, codec.NewBSDiff(), nil, testutil.Logger())

	first, err := app.Apply(context.Background(), ref, delta)
	require.NoError(t, err)
	assert.Equal(t, 3, len(first.Entries))
	assert.Equal(t, targetFiles, testutil.ReadTree(t, ref))

	// Removed: already absent. Added: overwritten. Modified: already applied.
	second, err := app.Apply(context.Background(), ref, delta)
	require.NoError(t, err)
	assert.Equal(t, first.Entries, second.Entries)
	assert.Equal(t, targetFiles, testutil.ReadTree(t, ref))
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestApply_TamperedReferenceFailsDeterministically(t *testing.T) {
	ref, target, delta := roots(t)
	testutil.WriteTree(t, ref, map[string]string{"mod.bin": "original reference"})
	testutil.WriteTree(t, target, map[string]string{"mod.bin": "target content"})
	generateBSDiff(t, ref, target, delta)

	testutil.WriteTree(t, ref, map[string]string{"mod.bin": "locally edited"})

	for i := 0; i < 2; i++ {
		_, err := NewApplier(Options{}, codec.NewBSDiff(), nil, testutil.Logger()).
			Apply(context.Background(), ref, delta)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPatchFailed)
		assert.ErrorIs(t, err, codec.ErrSourceMismatch)
	}

	assert.Equal(t, map[string]string{"mod.bin": "locally edited"}, testutil.ReadTree(t, ref))
}

// failFastFixture lays out a delta root whose first entry has no reference
// file, followed by entries that would each mutate the reference tree
func failFastFixture(t *testing.T) (ref, delta string) {
	t.Helper()
	ref, _, delta = roots(t)
	testutil.WriteTree(t, ref, map[string]string{
		"b.bin": "b original",
		"d.bin": "d original",
	})
	testutil.WriteTree(t, delta, map[string]string{
		"a.bin.delta": "payload for a missing file",
		"b.bin.delta": "b patched",
		"c.bin.new":   "c added",
		"d.bin.del":   "",
	})
	return ref, delta
}

func TestApply_FailFastOnMissingSource(t *testing.T) {
	ref, delta := failFastFixture(t)
	before := testutil.ReadTree(t, ref)

	c := &copyCodec{}
	summary, err := NewApplier(Options{Workers: 1}, c, nil, testutil.Logger()).
		Apply(context.Background(), ref, delta)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingSourceFile)

	var ferr *FileError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "a.bin", ferr.Path)

	assert.Zero(t, c.decodes.Load(), "no entry may be patched after cancellation")
	assert.Equal(t, before, testutil.ReadTree(t, ref), "reference tree must be untouched")
	assert.Empty(t, summary.Entries)
	require.Len(t, summary.Failed, 1)
}

func TestApply_FailFastParallel(t *testing.T) {
	ref, delta := failFastFixture(t)
	before := testutil.ReadTree(t, ref)

	c := &copyCodec{}
	_, err := NewApplier(Options{Workers: 5}, c, nil, testutil.Logger()).
		Apply(context.Background(), ref, delta)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingSourceFile)
	assert.Zero(t, c.decodes.Load())
	assert.Equal(t, before, testutil.ReadTree(t, ref), "b.bin sorts after a.bin and must stay untouched")
}

func TestApply_FailFastCancelsInFlightDecodes(t *testing.T) {
	ref, _, delta := roots(t)
	testutil.WriteTree(t, ref, map[string]string{
		"a.bin": "a original",
		"b.bin": "b original",
		"c.bin": "c original",
	})
	testutil.WriteTree(t, delta, map[string]string{
		"a.bin.delta": "a patched",
		"b.bin.delta": "b patched",
		"c.bin.delta": "c patched",
	})

	// a.bin fails; b.bin and c.bin block until the run is cancelled.
	c := &copyCodec{failDecodeFor: map[string]bool{"a.bin.delta": true}}
	summary, err := NewApplier(Options{Workers: 5}, c, nil, testutil.Logger()).
		Apply(context.Background(), ref, delta)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPatchFailed)

	var ferr *FileError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "a.bin", ferr.Path, "the first failure is reported")

	assert.LessOrEqual(t, c.decodes.Load(), int32(3))
	assert.Empty(t, summary.Entries)
	assert.Equal(t, map[string]string{
		"a.bin": "a original",
		"b.bin": "b original",
		"c.bin": "c original",
	}, testutil.ReadTree(t, ref))
}

func TestApply_PatchFailedLeavesOriginal(t *testing.T) {
	ref, _, delta := roots(t)
	testutil.WriteTree(t, ref, map[string]string{"data/file.bin": "original"})
	testutil.WriteTree(t, delta, map[string]string{"data/file.bin.delta": "garbage"})

	_, err := NewApplier(Options{}, &copyCodec{failDecode: true}, nil, testutil.Logger()).
		Apply(context.Background(), ref, delta)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPatchFailed)
	assert.Equal(t, map[string]string{"data/file.bin": "original"}, testutil.ReadTree(t, ref),
		"original must survive and no temp file may be left behind")
}

func TestApply_InvalidPayloadIsPatchFailure(t *testing.T) {
	ref, _, delta := roots(t)
	testutil.WriteTree(t, ref, map[string]string{"file.bin": "original"})
	testutil.WriteTree(t, delta, map[string]string{"file.bin.delta": "not a bsdiff payload"})

	_, err := NewApplier(Options{}, codec.NewBSDiff(), nil, testutil.Logger()).
		Apply(context.Background(), ref, delta)

	assert.ErrorIs(t, err, ErrPatchFailed)
	assert.ErrorIs(t, err, codec.ErrInvalidDelta)
}

func TestApply_MissingDirectory(t *testing.T) {
	ref, _, delta := roots(t)
	missing := filepath.Join(t.TempDir(), "missing")

	_, err := NewApplier(Options{}, &copyCodec{}, nil, testutil.Logger()).
		Apply(context.Background(), missing, delta)
	assert.ErrorIs(t, err, ErrMissingDirectory)
	assert.Contains(t, err.Error(), "reference")

	_, err = NewApplier(Options{}, &copyCodec{}, nil, testutil.Logger()).
		Apply(context.Background(), ref, missing)
	assert.ErrorIs(t, err, ErrMissingDirectory)
	assert.Contains(t, err.Error(), "delta")
}

func TestApply_PreservesFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not preserved on windows")
	}

	ref, _, delta := roots(t)
	script := filepath.Join(ref, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho v1\n"), 0755))
	testutil.WriteTree(t, delta, map[string]string{"run.sh.delta": "#!/bin/sh\necho v2\n"})

	_, err := NewApplier(Options{}, &copyCodec{}, nil, testutil.Logger()).
		Apply(context.Background(), ref, delta)
	require.NoError(t, err)

	info, err := os.Stat(script)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	data, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho v2\n", string(data))
}

func TestApply_CountdownProgress(t *testing.T) {
	ref, _, delta := roots(t)
	testutil.WriteTree(t, ref, map[string]string{"m1": "a", "m2": "b", "r1": "c"})
	testutil.WriteTree(t, delta, map[string]string{
		"m1.delta": "A",
		"m2.delta": "B",
		"n1.new":   "new",
		"r1.del":   "",
	})

	rec := &recorder{}
	summary, err := NewApplier(Options{}, &copyCodec{}, rec, testutil.Logger()).
		Apply(context.Background(), ref, delta)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Modified)
	assert.Equal(t, 1, summary.Added)
	assert.Equal(t, 1, summary.Removed)

	snaps := rec.all()
	require.Len(t, snaps, 5)

	assert.Equal(t, map[string]int{LabelModified: 2, LabelAdded: 1, LabelRemoved: 1}, counterValues(snaps[0]))
	assert.Equal(t, 4, snaps[0].Total)
	assert.Equal(t, 0, snaps[0].Percent)

	last := snaps[len(snaps)-1]
	assert.Equal(t, map[string]int{LabelModified: 0, LabelAdded: 0, LabelRemoved: 0}, counterValues(last))
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, 4, last.Processed)
}

func TestApply_DryRun(t *testing.T) {
	ref, delta := failFastFixture(t)
	before := testutil.ReadTree(t, ref)

	_, err := NewApplier(Options{DryRun: true}, &copyCodec{}, nil, testutil.Logger()).
		Apply(context.Background(), ref, delta)
	assert.ErrorIs(t, err, ErrMissingSourceFile, "dry run still validates modified sources")

	require.NoError(t, os.Remove(filepath.Join(delta, "a.bin.delta")))

	c := &copyCodec{}
	summary, err := NewApplier(Options{DryRun: true}, c, nil, testutil.Logger()).
		Apply(context.Background(), ref, delta)
	require.NoError(t, err)

	assert.Equal(t, []manifest.Entry{
		{RelPath: "b.bin", Kind: manifest.Modified},
		{RelPath: "c.bin", Kind: manifest.Added},
		{RelPath: "d.bin", Kind: manifest.Removed},
	}, summary.Entries)
	assert.Zero(t, c.decodes.Load())
	assert.Equal(t, before, testutil.ReadTree(t, ref))
}

func TestApply_IgnoresUnknownFiles(t *testing.T) {
	ref, _, delta := roots(t)
	testutil.WriteTree(t, delta, map[string]string{
		"notes.txt":     "not an entry",
		"fresh.bin.new": "fresh",
	})

	summary, err := NewApplier(Options{}, &copyCodec{}, nil, testutil.Logger()).
		Apply(context.Background(), ref, delta)
	require.NoError(t, err)

	assert.Equal(t, []manifest.Entry{{RelPath: "fresh.bin", Kind: manifest.Added}}, summary.Entries)
	assert.Equal(t, map[string]string{"fresh.bin": "fresh"}, testutil.ReadTree(t, ref))
}

func TestApply_PrunesOnlyEmptiedDirectories(t *testing.T) {
	ref, _, delta := roots(t)
	testutil.WriteTree(t, ref, map[string]string{
		"a/b/c/gone.bin": "x",
		"a/keep.bin":     "y",
		"solo/gone.bin":  "z",
	})
	testutil.WriteTree(t, delta, map[string]string{
		"a/b/c/gone.bin.del": "",
		"solo/gone.bin.del":  "",
	})

	_, err := NewApplier(Options{}, &copyCodec{}, nil, testutil.Logger()).
		Apply(context.Background(), ref, delta)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, testutil.Dirs(t, ref))
	assert.DirExists(t, ref)
}

func TestApply_ContextCancelled(t *testing.T) {
	ref, delta := failFastFixture(t)
	require.NoError(t, os.Remove(filepath.Join(delta, "a.bin.delta")))
	before := testutil.ReadTree(t, ref)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &copyCodec{}
	_, err := NewApplier(Options{}, c, nil, testutil.Logger()).Apply(ctx, ref, delta)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.decodes.Load())
	assert.Equal(t, before, testutil.ReadTree(t, ref))
}

func TestFileError(t *testing.T) {
	cause := errors.New("disk on fire")
	err := error(&FileError{Op: "patch", Path: "a/b", Kind: ErrPatchFailed, Err: cause})

	assert.ErrorIs(t, err, ErrPatchFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrIOFailure)
	assert.Equal(t, "patch a/b: patch failed: disk on fire", err.Error())

	bare := &FileError{Op: "check delta root", Path: "/x", Kind: ErrMissingDirectory}
	assert.True(t, strings.HasSuffix(bare.Error(), "missing directory"))
}
