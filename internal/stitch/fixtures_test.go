package stitch

import (
	"math/rand"
	"testing"
)

// texturedScene returns a w×h raster of per-pixel random colour. Windows
// around distinct points are uncorrelated, so every true match is unique.
func texturedScene(t testing.TB, w, h int, seed int64) *Raster {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	pix := make([]float32, 3*w*h)
	for i := range pix {
		pix[i] = float32(rng.Intn(256))
	}
	r, err := NewRaster(w, h, pix)
	if err != nil {
		t.Fatalf("scene: %v", err)
	}
	return r
}

// crop copies the w×h window of src starting at (x0, y0).
func crop(t testing.TB, src *Raster, x0, y0, w, h int) *Raster {
	t.Helper()
	pix := make([]float32, 0, 3*w*h)
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			r, g, b := src.At(x, y)
			pix = append(pix, r, g, b)
		}
	}
	out, err := NewRaster(w, h, pix)
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	return out
}

func uniform(t testing.TB, w, h int, v float32) *Raster {
	t.Helper()
	pix := make([]float32, 3*w*h)
	for i := range pix {
		pix[i] = v
	}
	r, err := NewRaster(w, h, pix)
	if err != nil {
		t.Fatalf("uniform: %v", err)
	}
	return r
}

// maxDiff returns the largest per-sample difference between two equally
// sized rasters.
func maxDiff(a, b *Raster) float32 {
	var m float32
	for i := range a.pix {
		d := a.pix[i] - b.pix[i]
		if d < 0 {
			d = -d
		}
		m = max(m, d)
	}
	return m
}

func translated(n int, dx, dy int, seed int64) Correspondences {
	rng := rand.New(rand.NewSource(seed))
	out := make(Correspondences, n)
	for i := range out {
		b := Point{X: rng.Intn(400), Y: rng.Intn(300)}
		out[i] = Correspondence{A: Point{X: b.X + dx, Y: b.Y + dy}, B: b}
	}
	return out
}

func randomPairs(n int, seed int64) Correspondences {
	rng := rand.New(rand.NewSource(seed))
	out := make(Correspondences, n)
	for i := range out {
		out[i] = Correspondence{
			A: Point{X: rng.Intn(640), Y: rng.Intn(480)},
			B: Point{X: rng.Intn(640), Y: rng.Intn(480)},
		}
	}
	return out
}
