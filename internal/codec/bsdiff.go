package codec

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/kr/binarydist"
)

// bsdiffMagic prefixes every payload written by BSDiff
var bsdiffMagic = []byte("TPB1")

const bsdiffHeaderSize = 4 + sha256.Size*2

// BSDiff implements Codec in-process with the bsdiff algorithm. Each payload
// records the digests of both file versions, so Decode can tell an already
// patched source from a foreign one.
type BSDiff struct{}

// NewBSDiff creates the embedded bsdiff codec
func NewBSDiff() *BSDiff {
	return &BSDiff{}
}

// Name returns the codec name
func (b *BSDiff) Name() string {
	return KindBSDiff
}

// Encode writes a header and bsdiff stream that turns oldPath into newPath.
// Nothing is written when ctx ends before the diff completes.
func (b *BSDiff) Encode(ctx context.Context, oldPath, newPath, deltaPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	oldData, err := os.ReadFile(oldPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", oldPath, err)
	}
	newData, err := os.ReadFile(newPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", newPath, err)
	}

	oldSum := sha256.Sum256(oldData)
	newSum := sha256.Sum256(newData)

	var payload bytes.Buffer
	payload.Write(bsdiffMagic)
	payload.Write(oldSum[:])
	payload.Write(newSum[:])

	err = runContext(ctx, func() error {
		return binarydist.Diff(bytes.NewReader(oldData), bytes.NewReader(newData), &payload)
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("bsdiff encode failed: %w", err)
	}

	if err := os.WriteFile(deltaPath, payload.Bytes(), 0644); err != nil {
		_ = os.Remove(deltaPath)
		return fmt.Errorf("failed to write delta: %w", err)
	}

	return nil
}

// Decode verifies oldPath against the payload header, applies the bsdiff
// stream and verifies the result before leaving it at outPath.
func (b *BSDiff) Decode(ctx context.Context, oldPath, deltaPath, outPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(deltaPath)
	if err != nil {
		return fmt.Errorf("failed to read delta: %w", err)
	}

	if len(data) < bsdiffHeaderSize {
		return fmt.Errorf("%w: short header", ErrInvalidDelta)
	}
	if !bytes.Equal(data[:4], bsdiffMagic) {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidDelta, data[:4])
	}
	wantOld := data[4 : 4+sha256.Size]
	wantNew := data[4+sha256.Size : bsdiffHeaderSize]
	stream := data[bsdiffHeaderSize:]

	oldData, err := os.ReadFile(oldPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", oldPath, err)
	}
	oldSum := sha256.Sum256(oldData)

	switch {
	case bytes.Equal(oldSum[:], wantNew):
		return ErrAlreadyApplied
	case !bytes.Equal(oldSum[:], wantOld):
		return fmt.Errorf("%w: %s", ErrSourceMismatch, oldPath)
	}

	var patched bytes.Buffer
	err = runContext(ctx, func() error {
		return binarydist.Patch(bytes.NewReader(oldData), &patched, bytes.NewReader(stream))
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("bsdiff decode failed: %w", err)
	}

	newSum := sha256.Sum256(patched.Bytes())
	if !bytes.Equal(newSum[:], wantNew) {
		return fmt.Errorf("%w: %s", ErrOutputMismatch, oldPath)
	}

	if err := os.WriteFile(outPath, patched.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}
