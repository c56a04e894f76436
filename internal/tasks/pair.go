package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"aviary/internal/fsutil"
	"aviary/internal/imageio"
	"aviary/internal/stitch"
)

// PairRequest stitches exactly two images.
type PairRequest struct {
	First       string
	Second      string
	Output      string // defaults to <parent of First>_Stitched.jpg
	Stitcher    stitch.PairStitcher
	Diagnostics bool
	Quality     int
	Log         *slog.Logger
}

// PairResult captures the outcome of a pair stitch.
type PairResult struct {
	OutputFile  string
	Dimensions  string
	Step        StepSummary
	Diagnostics []string
}

// StitchPair merges Second into First's plane and writes the composite.
func StitchPair(ctx context.Context, req PairRequest) (PairResult, error) {
	logger := req.Log
	if logger == nil {
		logger = slog.Default()
	}
	if req.Stitcher == nil {
		return PairResult{}, errors.New("no stitcher configured")
	}
	output := req.Output
	if output == "" {
		output = fsutil.PairName(req.First)
	}
	res := PairResult{OutputFile: output}

	a, err := imageio.Decode(req.First)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", req.First, err)
	}
	b, err := imageio.Decode(req.Second)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", req.Second, err)
	}

	logger.Info("stitching pair", "first", req.First, "second", req.Second, "output", output)
	out, err := req.Stitcher.Stitch(ctx, a, b)
	if err != nil {
		res.Step = Summarize(stitch.Step{Index: 1, Err: err}, req.Second)
		return res, err
	}
	res.Step = Summarize(stitch.Step{Index: 1, Result: out}, req.Second)
	res.Dimensions = fmt.Sprintf("%dx%d", out.Composite.Width(), out.Composite.Height())

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return res, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := imageio.Encode(output, out.Composite, req.Quality); err != nil {
		return res, err
	}

	if req.Diagnostics && out.Diagnostics != nil {
		base := strings.TrimSuffix(output, filepath.Ext(output))
		for _, d := range []struct {
			suffix string
			r      *stitch.Raster
		}{
			{"_points.jpg", out.Diagnostics.Points},
			{"_pairs.jpg", out.Diagnostics.Pairs},
			{"_inliers.jpg", out.Diagnostics.Inliers},
		} {
			path := base + d.suffix
			if err := imageio.Encode(path, d.r, req.Quality); err != nil {
				return res, err
			}
			res.Diagnostics = append(res.Diagnostics, path)
		}
	}

	logger.Info("pair stitched",
		"output", output,
		"dimensions", res.Dimensions,
		"inlier_ratio", out.InlierRatio,
	)
	return res, nil
}
