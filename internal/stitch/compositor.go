package stitch

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
)

// Sampling selects how B is resampled during the inverse warp.
type Sampling int

const (
	Bilinear Sampling = iota
	Nearest
)

// ParseSampling maps "bilinear" or "nearest" to a Sampling.
func ParseSampling(s string) (Sampling, error) {
	switch strings.ToLower(s) {
	case "", "bilinear":
		return Bilinear, nil
	case "nearest":
		return Nearest, nil
	default:
		return Bilinear, fmt.Errorf("unknown sampling %q", s)
	}
}

func (s Sampling) String() string {
	if s == Nearest {
		return "nearest"
	}
	return "bilinear"
}

const (
	defaultMaxCanvasPixels = 200_000_000
	// inverse-mapped coordinates this close outside B still sample its edge
	edgeTolerance = 1e-6
)

// Compositor warps B into A's plane and blends the two.
type Compositor struct {
	Sampling        Sampling
	Background      [3]float32
	MaxCanvasPixels int
	Workers         int
}

// NewCompositor returns a bilinear compositor on a black background.
func NewCompositor() *Compositor {
	return &Compositor{Sampling: Bilinear, MaxCanvasPixels: defaultMaxCanvasPixels}
}

// Composite renders a and b on one canvas covering A and the projection of
// B through h. Overlapping pixels are weighted by each image's distance to
// its own border.
func (c *Compositor) Composite(ctx context.Context, a, b *Raster, h Homography) (*Raster, error) {
	if h.Singular() {
		return nil, newError(KindBlendFailure, "composite", "homography is singular")
	}
	hinv, err := h.Inverse()
	if err != nil {
		return nil, newError(KindBlendFailure, "composite", "%v", err)
	}

	wA, hA := a.Width(), a.Height()
	wB, hB := b.Width(), b.Height()

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range [4]vec2{{0, 0}, {float64(wB - 1), 0}, {float64(wB - 1), float64(hB - 1)}, {0, float64(hB - 1)}} {
		den := h[6]*p.x + h[7]*p.y + h[8]
		if den <= 1e-8 {
			return nil, newError(KindBlendFailure, "composite", "corner %v maps to infinity", p)
		}
		x := (h[0]*p.x + h[1]*p.y + h[2]) / den
		y := (h[3]*p.x + h[4]*p.y + h[5]) / den
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	if maxX < 0 || maxY < 0 || minX > float64(wA-1) || minY > float64(hA-1) {
		return nil, newError(KindBlendFailure, "composite", "transformed image does not overlap the base image")
	}

	limit := c.MaxCanvasPixels
	if limit <= 0 {
		limit = defaultMaxCanvasPixels
	}
	left := math.Min(0, math.Floor(minX))
	top := math.Min(0, math.Floor(minY))
	right := math.Max(float64(wA-1), math.Ceil(maxX))
	bottom := math.Max(float64(hA-1), math.Ceil(maxY))
	cwf, chf := right-left+1, bottom-top+1
	if cwf*chf > float64(limit) {
		return nil, newError(KindBlendFailure, "composite", "canvas %.0fx%.0f exceeds %d pixels", cwf, chf, limit)
	}
	cw, ch := int(cwf), int(chf)
	ox, oy := int(-left), int(-top)

	out := newBlankRaster(cw, ch)
	workers := c.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	rowsParallel(workers, 0, ch, func(cy int) {
		if ctx.Err() != nil {
			return
		}
		ay := cy - oy
		for cx := 0; cx < cw; cx++ {
			ax := cx - ox
			inA := ax >= 0 && ay >= 0 && ax < wA && ay < hA

			bx, by, ok := hinv.Apply(float64(ax), float64(ay))
			inB := ok && bx >= -edgeTolerance && by >= -edgeTolerance &&
				bx <= float64(wB-1)+edgeTolerance && by <= float64(hB-1)+edgeTolerance
			if inB {
				bx = math.Min(math.Max(bx, 0), float64(wB-1))
				by = math.Min(math.Max(by, 0), float64(hB-1))
			}

			switch {
			case inA && inB:
				ra, ga, ba := a.At(ax, ay)
				cb := c.sample(b, bx, by)
				dA := borderDistance(float64(ax), float64(ay), wA, hA)
				dB := borderDistance(bx, by, wB, hB)
				alpha := float32(0.5)
				if dA+dB > 0 {
					alpha = float32(dA / (dA + dB))
				}
				out.set(cx, cy, [3]float32{
					alpha*ra + (1-alpha)*cb[0],
					alpha*ga + (1-alpha)*cb[1],
					alpha*ba + (1-alpha)*cb[2],
				})
			case inA:
				ra, ga, ba := a.At(ax, ay)
				out.set(cx, cy, [3]float32{ra, ga, ba})
			case inB:
				out.set(cx, cy, c.sample(b, bx, by))
			default:
				out.set(cx, cy, c.Background)
			}
		}
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Compositor) sample(img *Raster, x, y float64) [3]float32 {
	if c.Sampling == Nearest {
		r, g, b := img.At(int(math.Round(x)), int(math.Round(y)))
		return [3]float32{r, g, b}
	}
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := min(x0+1, img.Width()-1), min(y0+1, img.Height()-1)
	fx, fy := float32(x-float64(x0)), float32(y-float64(y0))
	r00, g00, b00 := img.At(x0, y0)
	r10, g10, b10 := img.At(x1, y0)
	r01, g01, b01 := img.At(x0, y1)
	r11, g11, b11 := img.At(x1, y1)
	lerp := func(v00, v10, v01, v11 float32) float32 {
		top := v00 + (v10-v00)*fx
		bot := v01 + (v11-v01)*fx
		return top + (bot-top)*fy
	}
	return [3]float32{
		lerp(r00, r10, r01, r11),
		lerp(g00, g10, g01, g11),
		lerp(b00, b10, b01, b11),
	}
}

func borderDistance(x, y float64, w, h int) float64 {
	return math.Min(math.Min(x, float64(w-1)-x), math.Min(y, float64(h-1)-y))
}
