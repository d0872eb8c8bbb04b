package patch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/treepatch/internal/codec"
	"github.com/schaermu/treepatch/internal/manifest"
	"github.com/schaermu/treepatch/internal/progress"
	"github.com/schaermu/treepatch/internal/tree"
)

// Applier replays a delta root against a reference tree
type Applier struct {
	opts   Options
	codec  codec.Codec
	sink   progress.Sink
	logger *slog.Logger
}

// NewApplier creates a new applier
func NewApplier(opts Options, c codec.Codec, sink progress.Sink, logger *slog.Logger) *Applier {
	if sink == nil {
		sink = progress.Discard
	}
	return &Applier{
		opts:   opts.withDefaults(),
		codec:  c,
		sink:   sink,
		logger: logger,
	}
}

// application is the mutable state of one Apply call
type application struct {
	*Applier
	logger        *slog.Logger
	referenceRoot string
	deltaRoot     string
	tracker       *progress.Tracker

	mu          sync.Mutex
	removedDirs []string
	summary     *Summary
}

// Apply replays every entry under deltaRoot against referenceRoot in
// parallel, removals before additions and modifications. Modified entries
// are checked for their reference file before anything is written. The first
// failing entry cancels the run: nothing new is started, in-flight entries
// finish, and that first error is returned. Entries already applied stay
// applied.
func (a *Applier) Apply(ctx context.Context, referenceRoot, deltaRoot string) (*Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := a.logger.With("run_id", runID)

	if err := checkRoots(
		namedRoot{"reference", referenceRoot},
		namedRoot{"delta", deltaRoot},
	); err != nil {
		return nil, err
	}

	listing, err := manifest.Scan(deltaRoot)
	if err != nil {
		return nil, &FileError{Op: "scan", Path: deltaRoot, Kind: ErrIOFailure, Err: err}
	}
	for _, name := range listing.Unknown {
		logger.Warn("ignoring unrecognized file in delta root", "path", name)
	}

	logger.Info("starting apply",
		"reference", referenceRoot,
		"delta", deltaRoot,
		"codec", a.codec.Name(),
		"entries", len(listing.Entries),
		"workers", a.opts.Workers,
		"dry_run", a.opts.DryRun)

	run := &application{
		Applier:       a,
		logger:        logger,
		referenceRoot: referenceRoot,
		deltaRoot:     deltaRoot,
		tracker:       progress.NewTracker(a.sink, LabelModified, LabelAdded, LabelRemoved),
		summary:       &Summary{RunID: runID},
	}
	for _, kind := range manifest.Kinds {
		run.tracker.Set(label(kind), listing.Count(kind))
	}

	if a.opts.DryRun {
		err = run.validate(ctx, listing.Entries)
	} else {
		err = run.replay(ctx, listing.Entries)
	}

	summary := run.finish(start)

	if err != nil {
		logger.Error("apply aborted", "error", err)
		return summary, err
	}

	logger.Info("apply completed",
		"modified", summary.Modified,
		"added", summary.Added,
		"removed", summary.Removed,
		"duration", summary.Duration)

	return summary, nil
}

// replay runs in two phases: removals first, then emptied directories are
// pruned, then additions and modifications. A path that turns from a file
// into a directory (or back) is cleared before it is written again.
func (r *application) replay(ctx context.Context, entries []manifest.Entry) error {
	r.tracker.Reset(len(entries), "Applying patch...")

	// Fail on a missing source before anything is mutated.
	for _, entry := range entries {
		if entry.Kind != manifest.Modified {
			continue
		}
		if ferr := r.checkSource(entry); ferr != nil {
			r.logger.Error("failed to apply entry", "path", entry.RelPath, "kind", entry.Kind.String(), "error", ferr)
			r.fail(ferr)
			return ferr
		}
	}

	var removals, writes []manifest.Entry
	for _, entry := range entries {
		if entry.Kind == manifest.Removed {
			removals = append(removals, entry)
		} else {
			writes = append(writes, entry)
		}
	}

	if err := r.dispatch(ctx, removals); err != nil {
		return err
	}

	r.mu.Lock()
	dirs := r.removedDirs
	r.mu.Unlock()

	pruned, err := pruneEmptyDirs(r.referenceRoot, dirs)
	if err != nil {
		return &FileError{Op: "prune", Path: r.referenceRoot, Kind: ErrIOFailure, Err: err}
	}
	for _, dir := range pruned {
		r.logger.Debug("removed empty directory", "path", dir)
	}

	return r.dispatch(ctx, writes)
}

// dispatch applies entries on the bounded worker pool. The first failure
// cancels the rest: nothing new starts and in-flight entries finish.
func (r *application) dispatch(ctx context.Context, entries []manifest.Entry) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)

	for _, entry := range entries {
		if egCtx.Err() != nil {
			break
		}

		entry := entry
		eg.Go(func() error {
			// Another entry may have failed while this one waited for a slot.
			if err := egCtx.Err(); err != nil {
				return err
			}

			if err := r.applyEntry(egCtx, entry); err != nil {
				r.logger.Error("failed to apply entry", "path", entry.RelPath, "kind", entry.Kind.String(), "error", err)
				r.fail(err)
				return err
			}

			r.complete(entry)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// checkSource fails with ErrMissingSourceFile when a modified entry has no
// regular reference file
func (r *application) checkSource(entry manifest.Entry) *FileError {
	info, err := os.Stat(tree.Join(r.referenceRoot, entry.RelPath))
	switch {
	case err == nil && info.Mode().IsRegular():
		return nil
	case err == nil || os.IsNotExist(err):
		return &FileError{Op: "patch", Path: entry.RelPath, Kind: ErrMissingSourceFile, Err: err}
	default:
		return &FileError{Op: "patch", Path: entry.RelPath, Kind: ErrIOFailure, Err: err}
	}
}

func (r *application) applyEntry(ctx context.Context, entry manifest.Entry) error {
	refPath := tree.Join(r.referenceRoot, entry.RelPath)
	payload := entry.Path(r.deltaRoot)

	switch entry.Kind {
	case manifest.Modified:
		return r.patchFile(ctx, entry.RelPath, refPath, payload)

	case manifest.Added:
		r.logger.Debug("adding file", "path", entry.RelPath)
		if err := copyFile(payload, refPath); err != nil {
			return &FileError{Op: "add", Path: entry.RelPath, Kind: ErrIOFailure, Err: err}
		}
		return nil

	case manifest.Removed:
		r.logger.Debug("removing file", "path", entry.RelPath)
		if err := os.Remove(refPath); err != nil && !os.IsNotExist(err) {
			return &FileError{Op: "remove", Path: entry.RelPath, Kind: ErrIOFailure, Err: err}
		}
		r.mu.Lock()
		r.removedDirs = append(r.removedDirs, filepath.Dir(refPath))
		r.mu.Unlock()
		return nil
	}

	return nil
}

// patchFile decodes payload against refPath into a sibling temp file and
// renames it over refPath, keeping the file mode
func (r *application) patchFile(ctx context.Context, rel, refPath, payload string) error {
	info, err := os.Stat(refPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileError{Op: "patch", Path: rel, Kind: ErrMissingSourceFile, Err: err}
		}
		return &FileError{Op: "patch", Path: rel, Kind: ErrIOFailure, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &FileError{Op: "patch", Path: rel, Kind: ErrMissingSourceFile}
	}

	r.logger.Debug("patching file", "path", rel)

	tmp := tempSibling(refPath)
	defer func() {
		_ = os.Remove(tmp)
	}()

	codecCtx, cancel := context.WithTimeout(ctx, r.opts.CodecTimeout)
	defer cancel()

	if err := r.codec.Decode(codecCtx, refPath, payload, tmp); err != nil {
		if errors.Is(err, codec.ErrAlreadyApplied) {
			r.logger.Info("delta already applied, leaving file untouched", "path", rel)
			return nil
		}
		return &FileError{Op: "patch", Path: rel, Kind: ErrPatchFailed, Err: err}
	}

	if err := replaceFile(tmp, refPath, info.Mode().Perm()); err != nil {
		return &FileError{Op: "replace", Path: rel, Kind: ErrIOFailure, Err: err}
	}
	return nil
}

// validate checks the manifest against the reference tree without writing
func (r *application) validate(ctx context.Context, entries []manifest.Entry) error {
	r.tracker.Reset(len(entries), "Validating patch...")

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if entry.Kind == manifest.Modified {
			if ferr := r.checkSource(entry); ferr != nil {
				r.fail(ferr)
				return ferr
			}
		}

		r.logger.Info("[dry-run] would apply", "path", entry.RelPath, "kind", entry.Kind.String())
		r.complete(entry)
	}

	return nil
}

func (r *application) complete(entry manifest.Entry) {
	r.mu.Lock()
	r.summary.Entries = append(r.summary.Entries, entry)
	switch entry.Kind {
	case manifest.Modified:
		r.summary.Modified++
	case manifest.Added:
		r.summary.Added++
	case manifest.Removed:
		r.summary.Removed++
	}
	r.mu.Unlock()

	r.tracker.Step(label(entry.Kind), -1, entry.RelPath)
}

func (r *application) fail(err error) {
	var ferr *FileError
	if !errors.As(err, &ferr) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Failed = append(r.summary.Failed, ferr)
}

func (r *application) finish(start time.Time) *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.summary
	s.Duration = time.Since(start)
	manifest.Sort(s.Entries)
	return s
}
