package tasks

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aviary/internal/imageio"
	"aviary/internal/stitch"
)

// widthStitcher appends b's width to a and fails for frames of the listed widths.
type widthStitcher struct {
	mu    sync.Mutex
	fail  map[int]bool
	calls int
}

func (w *widthStitcher) Stitch(_ context.Context, a, b *stitch.Raster) (*stitch.Result, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	if w.fail[b.Width()] {
		return nil, stitch.ErrHomographyEstimationFailed
	}
	out, err := stitch.NewRaster(a.Width()+b.Width(), a.Height(), make([]float32, 3*(a.Width()+b.Width())*a.Height()))
	if err != nil {
		return nil, err
	}
	return &stitch.Result{
		Composite:   out,
		Homography:  stitch.Translation(float64(a.Width()), 0),
		InlierRatio: 0.9,
		Inliers:     []int{0, 1, 2, 3},
		Iterations:  5,
	}, nil
}

func solid(t testing.TB, w, h int) *stitch.Raster {
	t.Helper()
	pix := make([]float32, 3*w*h)
	for i := range pix {
		pix[i] = 128
	}
	r, err := stitch.NewRaster(w, h, pix)
	if err != nil {
		t.Fatalf("raster: %v", err)
	}
	return r
}

// writeFrames writes one PNG per raster into dir with increasing mtimes.
func writeFrames(t testing.TB, dir string, names []string, frames []*stitch.Raster) []string {
	t.Helper()
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	paths := make([]string, len(frames))
	for i, f := range frames {
		paths[i] = filepath.Join(dir, names[i])
		if err := imageio.Encode(paths[i], f, 0); err != nil {
			t.Fatalf("encode %s: %v", names[i], err)
		}
		mod := base.Add(time.Duration(i) * time.Second)
		if err := os.Chtimes(paths[i], mod, mod); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	return paths
}

// texturedScene returns a w×h raster of per-pixel random colour.
func texturedScene(t testing.TB, w, h int, seed int64) *stitch.Raster {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	pix := make([]float32, 3*w*h)
	for i := range pix {
		pix[i] = float32(rng.Intn(256))
	}
	r, err := stitch.NewRaster(w, h, pix)
	if err != nil {
		t.Fatalf("scene: %v", err)
	}
	return r
}

func crop(t testing.TB, src *stitch.Raster, x0, y0, w, h int) *stitch.Raster {
	t.Helper()
	pix := make([]float32, 0, 3*w*h)
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			r, g, b := src.At(x, y)
			pix = append(pix, r, g, b)
		}
	}
	out, err := stitch.NewRaster(w, h, pix)
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func mkdir(path string) error { return os.MkdirAll(path, 0o755) }
