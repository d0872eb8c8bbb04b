package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// XDelta implements Codec by shelling out to the xdelta3 binary
type XDelta struct {
	binary string
	debug  bool
	logger *slog.Logger
}

// XDeltaOption configures an XDelta codec
type XDeltaOption func(*XDelta)

// WithBinaryPath sets a custom path to the xdelta3 binary
func WithBinaryPath(path string) XDeltaOption {
	return func(x *XDelta) {
		if path != "" {
			x.binary = path
		}
	}
}

// WithDebug captures the process stdout/stderr into debug log records
func WithDebug(debug bool) XDeltaOption {
	return func(x *XDelta) {
		x.debug = debug
	}
}

// WithLogger sets the logger used for debug output
func WithLogger(logger *slog.Logger) XDeltaOption {
	return func(x *XDelta) {
		if logger != nil {
			x.logger = logger
		}
	}
}

// NewXDelta creates a process codec using xdelta3 from PATH unless overridden
func NewXDelta(opts ...XDeltaOption) *XDelta {
	x := &XDelta{
		binary: KindXDelta,
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Name returns the codec name
func (x *XDelta) Name() string {
	return KindXDelta
}

// Encode runs `xdelta3 -0 -e -f -s old new delta`
func (x *XDelta) Encode(ctx context.Context, oldPath, newPath, deltaPath string) error {
	if err := x.run(ctx, "encode", "-0", "-e", "-f", "-s", oldPath, newPath, deltaPath); err != nil {
		return err
	}
	return requireOutput(deltaPath)
}

// Decode runs `xdelta3 -d -f -s old delta out`
func (x *XDelta) Decode(ctx context.Context, oldPath, deltaPath, outPath string) error {
	if err := x.run(ctx, "decode", "-d", "-f", "-s", oldPath, deltaPath, outPath); err != nil {
		return err
	}
	return requireOutput(outPath)
}

func (x *XDelta) run(ctx context.Context, mode string, args ...string) error {
	cmd := exec.CommandContext(ctx, x.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if x.debug {
		x.logger.Debug("xdelta3 finished",
			"mode", mode,
			"args", strings.Join(args, " "),
			"stdout", strings.TrimSpace(stdout.String()),
			"stderr", strings.TrimSpace(stderr.String()))
	}

	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("xdelta3 %s interrupted: %w", mode, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("xdelta3 %s failed with exit code %d: %s",
			mode, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
	}

	return fmt.Errorf("xdelta3 %s failed: %w", mode, err)
}
