// Package patch builds a delta root from two directory trees and replays it
// against a reference tree.
package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/treepatch/internal/codec"
	"github.com/schaermu/treepatch/internal/compare"
	"github.com/schaermu/treepatch/internal/manifest"
	"github.com/schaermu/treepatch/internal/progress"
	"github.com/schaermu/treepatch/internal/tree"
)

// Generator compares a reference tree with a target tree and writes the
// difference to a delta root
type Generator struct {
	opts   Options
	codec  codec.Codec
	sink   progress.Sink
	logger *slog.Logger
}

// NewGenerator creates a new generator
func NewGenerator(opts Options, c codec.Codec, sink progress.Sink, logger *slog.Logger) *Generator {
	if sink == nil {
		sink = progress.Discard
	}
	return &Generator{
		opts:   opts.withDefaults(),
		codec:  c,
		sink:   sink,
		logger: logger,
	}
}

// generation is the mutable state of one Generate call
type generation struct {
	*Generator
	logger    *slog.Logger
	deltaRoot string
	tracker   *progress.Tracker

	mu      sync.Mutex
	matched map[string]struct{}
	summary *Summary
}

// Generate classifies every file of both trees and writes one artifact per
// modified, added or removed file under deltaRoot. Unless FailFast is set,
// per-file failures are recorded in the summary and the run continues; the
// returned error then wraps ErrGenerationIncomplete.
func (g *Generator) Generate(ctx context.Context, referenceRoot, targetRoot, deltaRoot string) (*Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := g.logger.With("run_id", runID)

	required := []namedRoot{
		{"reference", referenceRoot},
		{"target", targetRoot},
	}
	// A dry run writes nothing, so the delta root need not exist yet.
	if !g.opts.DryRun {
		required = append(required, namedRoot{"delta", deltaRoot})
	}
	if err := checkRoots(required...); err != nil {
		return nil, err
	}

	logger.Info("starting generation",
		"reference", referenceRoot,
		"target", targetRoot,
		"delta", deltaRoot,
		"codec", g.codec.Name(),
		"workers", g.opts.Workers,
		"dry_run", g.opts.DryRun)

	if existing, err := manifest.Scan(deltaRoot); err == nil && len(existing.Entries) > 0 {
		logger.Warn("delta root already contains entries", "count", len(existing.Entries))
	}

	refFiles, err := tree.Discover(referenceRoot, g.opts.Exclude)
	if err != nil {
		return nil, &FileError{Op: "discover", Path: referenceRoot, Kind: ErrIOFailure, Err: err}
	}
	targetFiles, err := tree.Discover(targetRoot, g.opts.Exclude)
	if err != nil {
		return nil, &FileError{Op: "discover", Path: targetRoot, Kind: ErrIOFailure, Err: err}
	}

	logger.Info("discovered files", "reference", len(refFiles), "target", len(targetFiles))

	run := &generation{
		Generator: g,
		logger:    logger,
		deltaRoot: deltaRoot,
		tracker:   progress.NewTracker(g.sink, LabelModified, LabelAdded, LabelRemoved, LabelUnchanged),
		matched:   make(map[string]struct{}, len(refFiles)),
		summary:   &Summary{RunID: runID},
	}

	err = run.compareTrees(ctx, refFiles, targetFiles)
	if err == nil {
		err = run.writeRemovals(ctx, refFiles)
	}

	summary := run.finish(start)

	if err != nil {
		logger.Error("generation aborted", "error", err)
		return summary, err
	}

	if g.opts.DryRun {
		g.logPlan(logger, summary.Entries)
	}

	if n := len(summary.Failed); n > 0 {
		logger.Warn("generation finished with failures", "failed", n)
		return summary, fmt.Errorf("%w: %d file(s) failed", ErrGenerationIncomplete, n)
	}

	logger.Info("generation completed",
		"modified", summary.Modified,
		"added", summary.Added,
		"removed", summary.Removed,
		"unchanged", summary.Unchanged,
		"duration", summary.Duration)

	return summary, nil
}

// compareTrees is the target-driven phase: every target file is classified in
// parallel and matched reference paths are collected for the removal phase.
func (r *generation) compareTrees(ctx context.Context, refFiles, targetFiles map[string]tree.File) error {
	r.tracker.Reset(len(targetFiles), "Generating deltas...")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)

	for _, rel := range tree.SortedPaths(targetFiles) {
		if egCtx.Err() != nil {
			break
		}

		rel := rel
		target := targetFiles[rel]
		ref, found := refFiles[rel]
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			if found {
				r.markMatched(rel)
			}
			return r.handle(r.classify(egCtx, ref, target, found))
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// classify decides the fate of one target file and writes its artifact
func (r *generation) classify(ctx context.Context, ref, target tree.File, found bool) (manifest.Kind, *FileError) {
	rel := target.RelPath

	if !found {
		entry := manifest.Entry{RelPath: rel, Kind: manifest.Added}
		if !r.opts.DryRun {
			if err := copyFile(target.AbsPath, entry.Path(r.deltaRoot)); err != nil {
				return entry.Kind, &FileError{Op: "copy", Path: rel, Kind: ErrIOFailure, Err: err}
			}
		}
		r.record(entry)
		return entry.Kind, nil
	}

	equal, err := compare.FilesEqual(ref.AbsPath, target.AbsPath)
	if err != nil {
		return 0, &FileError{Op: "compare", Path: rel, Kind: ErrIOFailure, Err: err}
	}
	if equal {
		return 0, nil
	}

	entry := manifest.Entry{RelPath: rel, Kind: manifest.Modified}
	if !r.opts.DryRun {
		deltaPath := entry.Path(r.deltaRoot)
		if err := manifest.EnsureParent(deltaPath); err != nil {
			return entry.Kind, &FileError{Op: "encode", Path: rel, Kind: ErrIOFailure, Err: err}
		}

		// The payload only appears under its entry name once the codec succeeded.
		tmp := tempSibling(deltaPath)
		defer func() {
			_ = os.Remove(tmp)
		}()

		codecCtx, cancel := context.WithTimeout(ctx, r.opts.CodecTimeout)
		defer cancel()
		if err := r.codec.Encode(codecCtx, ref.AbsPath, target.AbsPath, tmp); err != nil {
			return entry.Kind, &FileError{Op: "encode", Path: rel, Kind: ErrPatchFailed, Err: err}
		}
		if err := os.Rename(tmp, deltaPath); err != nil {
			return entry.Kind, &FileError{Op: "encode", Path: rel, Kind: ErrIOFailure, Err: err}
		}
	}
	r.record(entry)
	return entry.Kind, nil
}

// writeRemovals is the sequential phase: every unmatched reference file gets
// a removal marker
func (r *generation) writeRemovals(ctx context.Context, refFiles map[string]tree.File) error {
	var leftovers []string
	for _, rel := range tree.SortedPaths(refFiles) {
		if _, ok := r.matched[rel]; !ok {
			leftovers = append(leftovers, rel)
		}
	}

	r.tracker.Reset(len(leftovers), "Processing removals...")

	for _, rel := range leftovers {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry := manifest.Entry{RelPath: rel, Kind: manifest.Removed}
		var ferr *FileError
		if !r.opts.DryRun {
			if err := writeMarker(entry.Path(r.deltaRoot)); err != nil {
				ferr = &FileError{Op: "mark", Path: rel, Kind: ErrIOFailure, Err: err}
			}
		}
		if ferr == nil {
			r.record(entry)
		}
		if err := r.handle(entry.Kind, ferr); err != nil {
			return err
		}
	}

	return nil
}

// handle advances progress for one finished file and applies the failure
// policy. A non-nil return aborts the run.
func (r *generation) handle(kind manifest.Kind, ferr *FileError) error {
	if ferr != nil {
		r.logger.Error("failed to process file", "path", ferr.Path, "op", ferr.Op, "error", ferr.Err)
		r.tracker.Step("", 0, ferr.Path)

		r.mu.Lock()
		r.summary.Failed = append(r.summary.Failed, ferr)
		r.mu.Unlock()

		if r.opts.FailFast {
			return ferr
		}
		return nil
	}

	if kind == 0 {
		r.tracker.Step(LabelUnchanged, 1, "")
		return nil
	}

	r.tracker.Step(label(kind), 1, "")
	return nil
}

func (r *generation) markMatched(rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matched[rel] = struct{}{}
}

func (r *generation) record(entry manifest.Entry) {
	r.logger.Debug("classified file", "path", entry.RelPath, "kind", entry.Kind.String())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Entries = append(r.summary.Entries, entry)
}

func (r *generation) finish(start time.Time) *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.summary
	s.Modified = r.tracker.Value(LabelModified)
	s.Added = r.tracker.Value(LabelAdded)
	s.Removed = r.tracker.Value(LabelRemoved)
	s.Unchanged = r.tracker.Value(LabelUnchanged)
	s.Duration = time.Since(start)
	manifest.Sort(s.Entries)
	return s
}

// logPlan logs the entries a dry run would have written
func (g *Generator) logPlan(logger *slog.Logger, entries []manifest.Entry) {
	for _, e := range entries {
		logger.Info("[dry-run] would write", "artifact", e.Name(), "kind", e.Kind.String())
	}
}

// IsIncomplete reports whether err is a fail-soft generation result whose
// summary is still usable
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrGenerationIncomplete)
}
