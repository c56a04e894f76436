package stitch

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Matcher pairs interest points of two images.
type Matcher interface {
	Match(a, b *Raster, pa, pb PointSet) Correspondences
}

// CorrelationMatcher pairs points by normalized cross-correlation of the
// square windows around them, keeping only mutual best matches.
type CorrelationMatcher struct {
	Window      int     // odd window side
	MinScore    float64 // minimum correlation in [-1, 1]
	MaxDistance float64 // maximum pixel displacement, 0 means unlimited
	Workers     int
}

// NewCorrelationMatcher returns a matcher with a 9x9 window and a 0.8 floor.
func NewCorrelationMatcher() *CorrelationMatcher {
	return &CorrelationMatcher{Window: 9, MinScore: 0.8}
}

type descriptor struct {
	pt  Point
	vec []float32
}

// Match returns the mutual-best pairs in the order of pa. Points whose
// window does not fit inside their image are ignored.
func (m *CorrelationMatcher) Match(a, b *Raster, pa, pb PointSet) Correspondences {
	da := m.describe(a, pa)
	db := m.describe(b, pb)
	if len(da) == 0 || len(db) == 0 {
		return Correspondences{}
	}

	workers := m.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, len(da))
	band := (len(da) + workers - 1) / workers

	rowBest := make([]int, len(da))
	rowScore := make([]float32, len(da))
	type colBand struct {
		best  []int
		score []float32
	}
	bands := make([]colBand, 0, workers)
	for start := 0; start < len(da); start += band {
		cb := colBand{best: make([]int, len(db)), score: make([]float32, len(db))}
		for j := range cb.best {
			cb.best[j] = -1
			cb.score[j] = float32(math.Inf(-1))
		}
		bands = append(bands, cb)
	}

	maxD2 := m.MaxDistance * m.MaxDistance
	var g errgroup.Group
	for bi, start := 0, 0; start < len(da); bi, start = bi+1, start+band {
		end := min(start+band, len(da))
		cb := bands[bi]
		g.Go(func() error {
			for i := start; i < end; i++ {
				best, bestScore := -1, float32(math.Inf(-1))
				for j := range db {
					if maxD2 > 0 && dist2(da[i].pt, db[j].pt) > maxD2 {
						continue
					}
					s := dot(da[i].vec, db[j].vec)
					if s > bestScore {
						best, bestScore = j, s
					}
					if s > cb.score[j] {
						cb.best[j], cb.score[j] = i, s
					}
				}
				rowBest[i], rowScore[i] = best, bestScore
			}
			return nil
		})
	}
	_ = g.Wait()

	// Merge column winners band by band so ties go to the lowest A index.
	colBest := bands[0].best
	colScore := bands[0].score
	for _, cb := range bands[1:] {
		for j := range colBest {
			if cb.score[j] > colScore[j] {
				colBest[j], colScore[j] = cb.best[j], cb.score[j]
			}
		}
	}

	minScore := float32(m.MinScore)
	out := Correspondences{}
	for i, j := range rowBest {
		if j < 0 || colBest[j] != i || rowScore[i] < minScore {
			continue
		}
		out = append(out, Correspondence{A: da[i].pt, B: db[j].pt})
	}
	return out
}

// describe builds zero-mean, unit-norm window vectors. A flat window gets a
// zero vector and therefore correlates to 0 with everything.
func (m *CorrelationMatcher) describe(img *Raster, pts PointSet) []descriptor {
	win := m.Window
	if win < 1 {
		win = 9
	}
	half := win / 2
	w, h := img.Width(), img.Height()
	gray := img.Luma()
	out := make([]descriptor, 0, len(pts))
	for _, p := range pts {
		if p.X-half < 0 || p.Y-half < 0 || p.X+half >= w || p.Y+half >= h {
			continue
		}
		vec := make([]float32, 0, win*win)
		var mean float64
		for dy := -half; dy <= half; dy++ {
			row := (p.Y + dy) * w
			for dx := -half; dx <= half; dx++ {
				v := gray[row+p.X+dx]
				vec = append(vec, v)
				mean += float64(v)
			}
		}
		mean /= float64(len(vec))
		var norm float64
		for i, v := range vec {
			c := float64(v) - mean
			vec[i] = float32(c)
			norm += c * c
		}
		if norm > 1e-12 {
			inv := 1 / math.Sqrt(norm)
			for i := range vec {
				vec[i] = float32(float64(vec[i]) * inv)
			}
		} else {
			clear(vec)
		}
		out = append(out, descriptor{pt: p, vec: vec})
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func dist2(a, b Point) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return dx*dx + dy*dy
}
