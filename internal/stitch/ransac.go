package stitch

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const ransacBatch = 64

// Estimator fits a homography to a set of correspondences.
type Estimator interface {
	Estimate(ctx context.Context, c Correspondences) (Fit, error)
}

// RansacEstimator fits a homography with RANSAC over normalized coordinates.
//
// Inliers are correspondences whose squared forward reprojection distance,
// measured after Hartley normalization of both point sets, is below
// Threshold. The iteration count adapts to the best inlier ratio seen so far
// and never exceeds MaxIterations. A model is accepted only when it is
// supported by more correspondences than the four it was fitted to.
type RansacEstimator struct {
	Threshold            float64
	Confidence           float64
	MaxIterations        int
	MaxDegenerateRetries int
	MinInliers           int
	MinInlierRatio       float64
	Workers              int

	// Rand is the sample source. When nil a source seeded with Seed is
	// created for each call. A shared Rand must not be used concurrently.
	Rand *rand.Rand
	Seed int64

	Log *slog.Logger
}

// NewRansacEstimator returns an estimator with the standard parameters.
func NewRansacEstimator() *RansacEstimator {
	return &RansacEstimator{
		Threshold:            0.001,
		Confidence:           0.99,
		MaxIterations:        2000,
		MaxDegenerateRetries: 100,
		MinInliers:           8,
		MinInlierRatio:       0.1,
	}
}

type candidate struct {
	h       Homography // normalized coordinates
	full    Homography // image coordinates
	inliers []int
	ok      bool
}

// Estimate returns the homography with the largest consensus. The returned
// Fit carries the iteration count even when err is non-nil.
func (e *RansacEstimator) Estimate(ctx context.Context, c Correspondences) (Fit, error) {
	n := len(c)
	fit := Fit{Total: n}
	if n < 4 {
		return fit, newError(KindInsufficientCorrespondences, "ransac", "%d correspondences, need at least 4", n)
	}

	a := make([]vec2, n)
	b := make([]vec2, n)
	for i, cc := range c {
		a[i] = vec2{float64(cc.A.X), float64(cc.A.Y)}
		b[i] = vec2{float64(cc.B.X), float64(cc.B.Y)}
	}
	ta, an, okA := hartley(a)
	tb, bn, okB := hartley(b)
	if !okA || !okB {
		return fit, newError(KindDegenerateConfiguration, "ransac", "all points coincide")
	}
	taInv, err := ta.Inverse()
	if err != nil {
		return fit, newError(KindDegenerateConfiguration, "ransac", "points nearly coincide: %v", err)
	}
	// a model is usable only if it survives denormalization
	usable := func(h Homography) (candidate, bool) {
		full, err := taInv.Mul(h).Mul(tb).normalized()
		if err != nil || full.Singular() {
			return candidate{}, false
		}
		return candidate{h: h, full: full, inliers: e.score(h, an, bn), ok: true}, true
	}

	rng := e.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(e.Seed))
	}
	maxIter := e.MaxIterations
	if maxIter <= 0 {
		maxIter = 2000
	}
	retries := e.MaxDegenerateRetries
	if retries <= 0 {
		retries = 100
	}
	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var best candidate
	bound := maxIter
	trials := 0
	for trials < bound {
		if err := ctx.Err(); err != nil {
			fit.Iterations = trials
			return fit, err
		}

		size := min(ransacBatch, bound-trials)
		samples := make([][4]int, 0, size)
		exhausted := false
		for len(samples) < size {
			s, ok := drawSample(rng, an, bn, retries)
			if !ok {
				exhausted = true
				break
			}
			samples = append(samples, s)
		}

		cands := make([]candidate, len(samples))
		var g errgroup.Group
		g.SetLimit(workers)
		for k, s := range samples {
			g.Go(func() error {
				pa := []vec2{an[s[0]], an[s[1]], an[s[2]], an[s[3]]}
				pb := []vec2{bn[s[0]], bn[s[1]], bn[s[2]], bn[s[3]]}
				h, ok := solveDLT(pa, pb)
				if !ok {
					return nil
				}
				cands[k], _ = usable(h)
				return nil
			})
		}
		_ = g.Wait()

		for _, cand := range cands {
			trials++
			if cand.ok && len(cand.inliers) > len(best.inliers) {
				best = cand
				bound = e.adaptiveBound(len(best.inliers), n, trials, maxIter)
			}
			if trials >= bound {
				break
			}
		}
		if exhausted && trials < bound {
			fit.Iterations = trials
			return fit, newError(KindDegenerateConfiguration, "ransac",
				"no non-degenerate sample after %d draws", retries)
		}
	}
	fit.Iterations = trials

	if !best.ok {
		return fit, newError(KindHomographyEstimationFailed, "ransac", "no usable model in %d iterations", trials)
	}

	if len(best.inliers) >= 4 {
		pa := make([]vec2, len(best.inliers))
		pb := make([]vec2, len(best.inliers))
		for i, idx := range best.inliers {
			pa[i], pb[i] = an[idx], bn[idx]
		}
		if h, ok := solveDLT(pa, pb); ok {
			if refit, ok := usable(h); ok && len(refit.inliers) >= len(best.inliers) {
				best = refit
			}
		}
	}

	fit.Inliers = best.inliers
	// every candidate fits its own four sample points exactly
	minInliers := max(e.MinInliers, 5)
	if len(best.inliers) < minInliers || fit.InlierRatio() < e.MinInlierRatio {
		e.logger().Debug("ransac rejected",
			"inliers", len(best.inliers), "total", n, "iterations", trials)
		return fit, newError(KindHomographyEstimationFailed, "ransac",
			"%d of %d inliers after %d iterations", len(best.inliers), n, trials)
	}

	fit.H = best.full

	e.logger().Debug("ransac converged",
		"inliers", len(best.inliers), "total", n, "iterations", trials, "ratio", fit.InlierRatio())
	return fit, nil
}

func (e *RansacEstimator) score(h Homography, an, bn []vec2) []int {
	eps := e.Threshold
	if eps <= 0 {
		eps = 0.001
	}
	var inl []int
	for i := range an {
		x, y, ok := h.Apply(bn[i].x, bn[i].y)
		if !ok {
			continue
		}
		dx, dy := x-an[i].x, y-an[i].y
		if dx*dx+dy*dy < eps {
			inl = append(inl, i)
		}
	}
	return inl
}

// adaptiveBound is the number of trials needed to draw one all-inlier sample
// with the configured confidence, given the current inlier ratio.
func (e *RansacEstimator) adaptiveBound(inliers, total, trials, maxIter int) int {
	p := e.Confidence
	if p <= 0 || p >= 1 {
		p = 0.99
	}
	w := float64(inliers) / float64(total)
	w4 := w * w * w * w
	if w4 >= 1 {
		return trials
	}
	if w4 <= 0 {
		return maxIter
	}
	need := math.Log(1-p) / math.Log(1-w4)
	if math.IsNaN(need) || need > float64(maxIter) {
		return maxIter
	}
	return max(int(math.Ceil(need)), 1)
}

func (e *RansacEstimator) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.New(slog.DiscardHandler)
}

// drawSample picks four distinct indices whose points are in general
// position in both images, redrawing collinear samples up to retries times.
func drawSample(rng *rand.Rand, an, bn []vec2, retries int) ([4]int, bool) {
	n := len(an)
	for attempt := 0; attempt <= retries; attempt++ {
		var s [4]int
		for k := 0; k < 4; k++ {
		redraw:
			for {
				v := rng.Intn(n)
				for j := 0; j < k; j++ {
					if s[j] == v {
						continue redraw
					}
				}
				s[k] = v
				break
			}
		}
		pa := [4]vec2{an[s[0]], an[s[1]], an[s[2]], an[s[3]]}
		pb := [4]vec2{bn[s[0]], bn[s[1]], bn[s[2]], bn[s[3]]}
		if !collinear(pa) && !collinear(pb) {
			return s, true
		}
	}
	return [4]int{}, false
}
