// Package codec computes and applies binary deltas between two versions of a file.
package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Codec names accepted by New
const (
	KindXDelta = "xdelta3"
	KindBSDiff = "bsdiff"
)

var (
	// ErrAlreadyApplied means the source file already holds the patched content
	ErrAlreadyApplied = errors.New("delta already applied")
	// ErrSourceMismatch means the source file is not the one the delta was made from
	ErrSourceMismatch = errors.New("source file does not match delta")
	// ErrOutputMismatch means the decoded output differs from the recorded target
	ErrOutputMismatch = errors.New("decoded output does not match delta")
	// ErrNoOutput means the codec reported success without producing a file
	ErrNoOutput = errors.New("codec produced no output")
	// ErrInvalidDelta means the delta payload is not in the expected format
	ErrInvalidDelta = errors.New("invalid delta payload")
)

// Codec turns an (old, new) pair into a delta payload and back.
// Implementations must be safe for concurrent use on distinct paths.
type Codec interface {
	// Name identifies the codec in logs
	Name() string

	// Encode writes a delta that transforms oldPath into newPath to deltaPath
	Encode(ctx context.Context, oldPath, newPath, deltaPath string) error

	// Decode applies the delta at deltaPath to oldPath and writes the result to outPath
	Decode(ctx context.Context, oldPath, deltaPath, outPath string) error
}

// New returns the codec registered under kind. The xdelta options are
// ignored by codecs that do not run an external process.
func New(kind string, opts ...XDeltaOption) (Codec, error) {
	switch kind {
	case KindXDelta, "":
		return NewXDelta(opts...), nil
	case KindBSDiff:
		return NewBSDiff(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q (expected %s or %s)", kind, KindXDelta, KindBSDiff)
	}
}

// requireOutput checks that a codec left a file behind at path
func requireOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoOutput, path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrNoOutput, path)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runContext runs fn on its own goroutine and returns ctx.Err() as soon as
// ctx is done. A late result from fn is discarded, so fn must only write to
// memory the caller drops on error.
func runContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
