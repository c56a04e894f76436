package stitch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Policy decides what a fold does when a pair cannot be stitched.
type Policy int

const (
	// SkipFailed drops the failing frame and continues from the last
	// successful composite.
	SkipFailed Policy = iota
	// AbortOnFailure stops the fold at the first failure.
	AbortOnFailure
	// KeepFirst skips like SkipFailed but returns the first frame as the
	// panorama when no frame could be stitched to it.
	KeepFirst
)

// ParsePolicy maps "skip", "abort" or "keep-first" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "skip":
		return SkipFailed, nil
	case "abort":
		return AbortOnFailure, nil
	case "keep-first":
		return KeepFirst, nil
	default:
		return SkipFailed, fmt.Errorf("unknown failure policy %q", s)
	}
}

func (p Policy) String() string {
	switch p {
	case AbortOnFailure:
		return "abort"
	case KeepFirst:
		return "keep-first"
	default:
		return "skip"
	}
}

// PairStitcher merges one frame into a composite.
type PairStitcher interface {
	Stitch(ctx context.Context, a, b *Raster) (*Result, error)
}

// FrameSource yields frames lazily, in fold order.
type FrameSource interface {
	Len() int
	Frame(ctx context.Context, i int) (*Raster, error)
}

// Step records one fold step. Index is the position of the merged frame.
type Step struct {
	Index        int
	Result       *Result
	Err          error
	Skipped      bool
	Intermediate *Raster
}

// Panorama is the outcome of a fold.
type Panorama struct {
	Composite *Raster
	Steps     []Step
	Stitched  int
}

// Sequence folds pairwise stitching over an ordered list of frames.
type Sequence struct {
	Stitcher          PairStitcher
	Policy            Policy
	KeepIntermediates bool
	OnStep            func(Step)
	Log               *slog.Logger
}

// Accumulator owns the running composite of a fold.
type Accumulator struct {
	seq      *Sequence
	current  *Raster
	next     int
	stitched int
	steps    []Step
	lastErr  error
}

// NewAccumulator starts a fold from first.
func (s *Sequence) NewAccumulator(first *Raster) *Accumulator {
	return &Accumulator{seq: s, current: first, next: 1}
}

// Add merges frame into the running composite. Under SkipFailed and
// KeepFirst a pairwise failure is recorded in the returned Step and err is
// nil; under AbortOnFailure the failure is returned.
func (acc *Accumulator) Add(ctx context.Context, frame *Raster) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	idx := acc.next
	acc.next++
	res, err := acc.seq.Stitcher.Stitch(ctx, acc.current, frame)
	if err != nil {
		if ctx.Err() != nil {
			return Step{}, ctx.Err()
		}
		return acc.fail(idx, err)
	}
	acc.current = res.Composite
	acc.stitched++
	step := Step{Index: idx, Result: res}
	if acc.seq.KeepIntermediates {
		step.Intermediate = res.Composite
	}
	acc.record(step)
	acc.seq.logger().Info("frame stitched",
		"frame", idx, "inlier_ratio", res.InlierRatio,
		"width", res.Composite.Width(), "height", res.Composite.Height())
	return step, nil
}

// Skip records a frame that could not be read as a failed step.
func (acc *Accumulator) Skip(err error) (Step, error) {
	idx := acc.next
	acc.next++
	return acc.fail(idx, err)
}

func (acc *Accumulator) fail(idx int, err error) (Step, error) {
	acc.lastErr = err
	step := Step{Index: idx, Err: err, Skipped: acc.seq.Policy != AbortOnFailure}
	acc.record(step)
	if acc.seq.Policy == AbortOnFailure {
		return step, fmt.Errorf("frame %d: %w", idx, err)
	}
	acc.seq.logger().Warn("frame skipped", "frame", idx, "error", err)
	return step, nil
}

func (acc *Accumulator) record(step Step) {
	acc.steps = append(acc.steps, step)
	if acc.seq.OnStep != nil {
		acc.seq.OnStep(step)
	}
}

// Composite returns the current composite.
func (acc *Accumulator) Composite() *Raster { return acc.current }

// Stitched returns the number of frames merged so far.
func (acc *Accumulator) Stitched() int { return acc.stitched }

// Steps returns the recorded steps.
func (acc *Accumulator) Steps() []Step { return acc.steps }

func (acc *Accumulator) panorama() (*Panorama, error) {
	if acc.stitched == 0 && acc.seq.Policy != KeepFirst {
		return nil, fmt.Errorf("no frame could be stitched: %w", acc.lastErr)
	}
	return &Panorama{Composite: acc.current, Steps: acc.steps, Stitched: acc.stitched}, nil
}

// Fold stitches frames left to right: result₀ = frames[0],
// resultᵢ = stitch(resultᵢ₋₁, framesᵢ).
func (s *Sequence) Fold(ctx context.Context, frames []*Raster) (*Panorama, error) {
	return s.FoldSource(ctx, sliceSource(frames))
}

// FoldSource is Fold over lazily loaded frames. A frame that fails to load
// is handled by the failure policy like a failed pair.
func (s *Sequence) FoldSource(ctx context.Context, src FrameSource) (*Panorama, error) {
	n := src.Len()
	if n < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrNotEnoughFrames, n)
	}
	first, err := src.Frame(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load frame 0: %w", err)
	}
	acc := s.NewAccumulator(first)
	for i := 1; i < n; i++ {
		frame, err := src.Frame(ctx, i)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if _, err := acc.Skip(fmt.Errorf("load frame: %w", err)); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := acc.Add(ctx, frame); err != nil {
			return nil, err
		}
	}
	return acc.panorama()
}

func (s *Sequence) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.New(slog.DiscardHandler)
}

type sliceSource []*Raster

func (s sliceSource) Len() int { return len(s) }

func (s sliceSource) Frame(_ context.Context, i int) (*Raster, error) { return s[i], nil }
