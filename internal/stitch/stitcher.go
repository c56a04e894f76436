// Package stitch builds panoramas from overlapping photographs: Harris
// corners, normalized cross-correlation matching, RANSAC homography
// estimation and a distance-weighted warp compositor, folded pairwise over a
// frame sequence.
package stitch

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Options is the flat parameter set of the pairwise pipeline.
type Options struct {
	// detector
	K           float64
	Threshold   float64
	Sigma       float64
	Suppression int
	MaxPoints   int

	// matcher
	Window         int
	MinCorrelation float64
	MaxDistance    float64

	// estimator
	Epsilon              float64
	Confidence           float64
	MaxIterations        int
	MaxDegenerateRetries int
	MinInliers           int
	MinInlierRatio       float64
	Seed                 int64

	// compositor
	Sampling        Sampling
	Background      [3]uint8
	MaxCanvasPixels int

	Workers     int
	Diagnostics bool
}

// DefaultOptions returns the standard parameter set.
func DefaultOptions() Options {
	return Options{
		K:                    0.04,
		Threshold:            1000,
		Sigma:                1.4,
		Suppression:          3,
		Window:               9,
		MinCorrelation:       0.8,
		Epsilon:              0.001,
		Confidence:           0.99,
		MaxIterations:        2000,
		MaxDegenerateRetries: 100,
		MinInliers:           8,
		MinInlierRatio:       0.1,
		Sampling:             Bilinear,
		MaxCanvasPixels:      defaultMaxCanvasPixels,
	}
}

// Result is the outcome of one successful pairwise stitch.
type Result struct {
	Composite       *Raster
	Homography      Homography
	InlierRatio     float64
	Inliers         []int
	Correspondences Correspondences
	PointsA         int
	PointsB         int
	Iterations      int
	Diagnostics     *Diagnostics
}

// Stitcher runs detection, matching, estimation and compositing for a pair.
type Stitcher struct {
	Detector    Detector
	Matcher     Matcher
	Estimator   Estimator
	Compositor  *Compositor
	Diagnostics bool
	Log         *slog.Logger
}

// New assembles a Stitcher from opts.
func New(opts Options, log *slog.Logger) *Stitcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Stitcher{
		Detector: &HarrisDetector{
			K:           opts.K,
			Threshold:   opts.Threshold,
			Sigma:       opts.Sigma,
			Suppression: opts.Suppression,
			MaxPoints:   opts.MaxPoints,
			Workers:     opts.Workers,
		},
		Matcher: &CorrelationMatcher{
			Window:      opts.Window,
			MinScore:    opts.MinCorrelation,
			MaxDistance: opts.MaxDistance,
			Workers:     opts.Workers,
		},
		Estimator: &RansacEstimator{
			Threshold:            opts.Epsilon,
			Confidence:           opts.Confidence,
			MaxIterations:        opts.MaxIterations,
			MaxDegenerateRetries: opts.MaxDegenerateRetries,
			MinInliers:           opts.MinInliers,
			MinInlierRatio:       opts.MinInlierRatio,
			Workers:              opts.Workers,
			Seed:                 opts.Seed,
			Log:                  log,
		},
		Compositor: &Compositor{
			Sampling: opts.Sampling,
			Background: [3]float32{
				float32(opts.Background[0]),
				float32(opts.Background[1]),
				float32(opts.Background[2]),
			},
			MaxCanvasPixels: opts.MaxCanvasPixels,
			Workers:         opts.Workers,
		},
		Diagnostics: opts.Diagnostics,
		Log:         log,
	}
}

// Stitch merges b into a's plane. Failures are returned as *Error values
// and never come with a partial composite.
func (s *Stitcher) Stitch(ctx context.Context, a, b *Raster) (*Result, error) {
	var pa, pb PointSet
	var g errgroup.Group
	g.Go(func() error {
		pa = s.Detector.Detect(a)
		return nil
	})
	g.Go(func() error {
		pb = s.Detector.Detect(b)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.Log.Debug("interest points detected", "a", len(pa), "b", len(pb))
	if len(pa) == 0 {
		return nil, newError(KindNoFeaturesDetected, "detect", "image A")
	}
	if len(pb) == 0 {
		return nil, newError(KindNoFeaturesDetected, "detect", "image B")
	}

	pairs := s.Matcher.Match(a, b, pa, pb)
	s.Log.Debug("correspondences matched", "pairs", len(pairs))

	fit, err := s.Estimator.Estimate(ctx, pairs)
	if err != nil {
		return nil, err
	}

	composite, err := s.Compositor.Composite(ctx, a, b, fit.H)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Composite:       composite,
		Homography:      fit.H,
		InlierRatio:     fit.InlierRatio(),
		Inliers:         fit.Inliers,
		Correspondences: pairs,
		PointsA:         len(pa),
		PointsB:         len(pb),
		Iterations:      fit.Iterations,
	}
	if s.Diagnostics {
		res.Diagnostics = renderDiagnostics(a, b, pa, pb, pairs, fit.Inliers)
	}
	s.Log.Debug("pair stitched",
		"width", composite.Width(), "height", composite.Height(),
		"inlier_ratio", res.InlierRatio, "iterations", fit.Iterations)
	return res, nil
}
