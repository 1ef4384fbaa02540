// Package screen defines the capability the runtime needs from the
// pixel-capture and text-recognition subsystem. Workers only ever see the
// Reader interface; platform capture backends plug in behind it, and the
// package ships a Simulator for running the pipeline without a screen.
package screen

import (
	"context"
	"errors"

	"github.com/UVuruna/gmbl-sub000/internal/phase"
	"github.com/UVuruna/gmbl-sub000/internal/region"
)

// ErrRead marks a transient capture or recognition failure. Callers log it
// and retry on the next poll cycle; it never halts a worker.
var ErrRead = errors.New("screen read failed")

// Reader samples rectangular screen regions. Implementations must be safe to
// call at high frequency and may fail on any call.
type Reader interface {
	// SampleColor returns the mean RGB color of the region.
	SampleColor(ctx context.Context, r region.Region) (phase.Sample, error)

	// ReadNumber recognizes a numeric value rendered inside the region
	// (score multiplier, balance, player count).
	ReadNumber(ctx context.Context, r region.Region) (float64, error)
}
