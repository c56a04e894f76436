package stitch

import (
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// prewittScale normalizes the 3×3 Prewitt kernels to a unit gradient.
const prewittScale = 1.0 / 6

// Detector finds interest points in a raster.
type Detector interface {
	Detect(img *Raster) PointSet
}

// HarrisDetector finds corners using the Harris response
// R = AB - C² - k(A+B)² over a Gaussian-smoothed structure tensor.
type HarrisDetector struct {
	K           float64 // sensitivity, typically 0.04..0.06
	Threshold   float64 // minimum corner response
	Sigma       float64 // Gaussian smoothing of the gradient products
	Suppression int     // non-maximum suppression radius
	MaxPoints   int     // 0 keeps every corner
	Workers     int
}

// NewHarrisDetector returns a detector with the standard parameters.
func NewHarrisDetector() *HarrisDetector {
	return &HarrisDetector{
		K:           0.04,
		Threshold:   1000,
		Sigma:       1.4,
		Suppression: 3,
	}
}

// Detect returns the corners of img in scan order. A featureless image yields
// an empty set.
func (d *HarrisDetector) Detect(img *Raster) PointSet {
	w, h := img.Width(), img.Height()
	r := d.Suppression
	if r < 1 {
		r = 1
	}
	if w < 2*r+3 || h < 2*r+3 {
		return PointSet{}
	}
	gray := img.Luma()
	workers := d.workers()

	// gradient products
	xx := make([]float32, w*h)
	yy := make([]float32, w*h)
	xy := make([]float32, w*h)
	rowsParallel(workers, 1, h-1, func(y int) {
		for x := 1; x < w-1; x++ {
			p := y*w + x
			gx := ((gray[p-w+1] + gray[p+1] + gray[p+w+1]) - (gray[p-w-1] + gray[p-1] + gray[p+w-1])) * prewittScale
			gy := ((gray[p+w-1] + gray[p+w] + gray[p+w+1]) - (gray[p-w-1] + gray[p-w] + gray[p-w+1])) * prewittScale
			xx[p] = gx * gx
			yy[p] = gy * gy
			xy[p] = gx * gy
		}
	})

	kernel := gaussianKernel(d.Sigma, 3)
	xx = convolveSeparable(xx, w, h, kernel, workers)
	yy = convolveSeparable(yy, w, h, kernel, workers)
	xy = convolveSeparable(xy, w, h, kernel, workers)

	k := float32(d.K)
	t := float32(d.Threshold)
	resp := make([]float32, w*h)
	rowsParallel(workers, 0, h, func(y int) {
		for x := 0; x < w; x++ {
			p := y*w + x
			a, b, c := xx[p], yy[p], xy[p]
			m := a*b - c*c - k*(a+b)*(a+b)
			if m > t {
				resp[p] = m
			}
		}
	})

	// Non-maximum suppression. A tie with an earlier neighbour suppresses
	// the later point so plateaus yield a single corner.
	keep := make([]bool, w*h)
	rowsParallel(workers, r, h-r, func(y int) {
		for x := r; x < w-r; x++ {
			p := y*w + x
			cur := resp[p]
			if cur == 0 {
				continue
			}
			maximal := true
		window:
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					n := resp[(y+dy)*w+x+dx]
					earlier := dy < 0 || (dy == 0 && dx < 0)
					if n > cur || (earlier && n == cur) {
						maximal = false
						break window
					}
				}
			}
			keep[p] = maximal
		}
	})

	var pts PointSet
	for p, ok := range keep {
		if ok {
			pts = append(pts, Point{X: p % w, Y: p / w})
		}
	}
	if pts == nil {
		pts = PointSet{}
	}
	if d.MaxPoints > 0 && len(pts) > d.MaxPoints {
		sort.SliceStable(pts, func(i, j int) bool {
			return resp[pts[i].Y*w+pts[i].X] > resp[pts[j].Y*w+pts[j].X]
		})
		pts = pts[:d.MaxPoints]
		sort.Slice(pts, func(i, j int) bool {
			if pts[i].Y != pts[j].Y {
				return pts[i].Y < pts[j].Y
			}
			return pts[i].X < pts[j].X
		})
	}
	return pts
}

func (d *HarrisDetector) workers() int {
	if d.Workers > 0 {
		return d.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func gaussianKernel(sigma float64, radius int) []float32 {
	if sigma <= 0 {
		sigma = 1.4
	}
	k := make([]float32, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = float32(v)
		sum += v
	}
	for i := range k {
		k[i] = float32(float64(k[i]) / sum)
	}
	return k
}

// convolveSeparable smooths a plane with a symmetric 1D kernel applied along
// rows then columns. Samples outside the plane count as zero.
func convolveSeparable(src []float32, w, h int, kernel []float32, workers int) []float32 {
	r := len(kernel) / 2
	tmp := make([]float32, w*h)
	rowsParallel(workers, 0, h, func(y int) {
		for x := 0; x < w; x++ {
			var s float32
			for i := -r; i <= r; i++ {
				xi := x + i
				if xi < 0 || xi >= w {
					continue
				}
				s += kernel[i+r] * src[y*w+xi]
			}
			tmp[y*w+x] = s
		}
	})
	out := make([]float32, w*h)
	rowsParallel(workers, 0, h, func(y int) {
		for x := 0; x < w; x++ {
			var s float32
			for i := -r; i <= r; i++ {
				yi := y + i
				if yi < 0 || yi >= h {
					continue
				}
				s += kernel[i+r] * tmp[yi*w+x]
			}
			out[y*w+x] = s
		}
	})
	return out
}

// rowsParallel runs fn for each row in [from, to) on up to workers
// goroutines. Each row is owned by exactly one goroutine.
func rowsParallel(workers, from, to int, fn func(y int)) {
	if to <= from {
		return
	}
	if workers < 1 {
		workers = 1
	}
	n := to - from
	if workers > n {
		workers = n
	}
	var g errgroup.Group
	band := (n + workers - 1) / workers
	for start := from; start < to; start += band {
		end := min(start+band, to)
		g.Go(func() error {
			for y := start; y < end; y++ {
				fn(y)
			}
			return nil
		})
	}
	_ = g.Wait()
}
