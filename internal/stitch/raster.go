package stitch

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
)

// Raster is an immutable RGB image with float samples in 0..255.
// Samples are stored interleaved, row-major.
type Raster struct {
	width  int
	height int
	pix    []float32

	lumaOnce sync.Once
	luma     []float32
}

// NewRaster wraps pix (len = 3*width*height) as a Raster. pix must not be
// modified afterwards.
func NewRaster(width, height int, pix []float32) (*Raster, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%d", width, height)
	}
	if len(pix) != 3*width*height {
		return nil, fmt.Errorf("raster %dx%d needs %d samples, got %d", width, height, 3*width*height, len(pix))
	}
	return &Raster{width: width, height: height, pix: pix}, nil
}

func newBlankRaster(width, height int) *Raster {
	return &Raster{width: width, height: height, pix: make([]float32, 3*width*height)}
}

// FromImage converts any image.Image into a Raster.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	r := newBlankRaster(b.Dx(), b.Dy())
	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < r.height; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < r.width; x++ {
				i := 3 * (y*r.width + x)
				r.pix[i] = float32(row[4*x])
				r.pix[i+1] = float32(row[4*x+1])
				r.pix[i+2] = float32(row[4*x+2])
			}
		}
	default:
		for y := 0; y < r.height; y++ {
			for x := 0; x < r.width; x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				i := 3 * (y*r.width + x)
				r.pix[i] = float32(c.R)
				r.pix[i+1] = float32(c.G)
				r.pix[i+2] = float32(c.B)
			}
		}
	}
	return r
}

// Width returns the raster width in pixels.
func (r *Raster) Width() int { return r.width }

// Height returns the raster height in pixels.
func (r *Raster) Height() int { return r.height }

// Bounds returns the raster extent as an image rectangle at the origin.
func (r *Raster) Bounds() image.Rectangle { return image.Rect(0, 0, r.width, r.height) }

// At returns the RGB samples at (x, y).
func (r *Raster) At(x, y int) (float32, float32, float32) {
	i := 3 * (y*r.width + x)
	return r.pix[i], r.pix[i+1], r.pix[i+2]
}

// Luma returns the grayscale plane (BT.709 weights), computed once.
func (r *Raster) Luma() []float32 {
	r.lumaOnce.Do(func() {
		r.luma = make([]float32, r.width*r.height)
		for i := range r.luma {
			p := r.pix[3*i:]
			r.luma[i] = 0.2125*p[0] + 0.7154*p[1] + 0.0721*p[2]
		}
	})
	return r.luma
}

// ToNRGBA converts the raster back into a standard image.
func (r *Raster) ToNRGBA() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, r.width, r.height))
	for y := 0; y < r.height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < r.width; x++ {
			i := 3 * (y*r.width + x)
			row[4*x] = clampByte(r.pix[i])
			row[4*x+1] = clampByte(r.pix[i+1])
			row[4*x+2] = clampByte(r.pix[i+2])
			row[4*x+3] = 0xff
		}
	}
	return img
}

func (r *Raster) set(x, y int, c [3]float32) {
	i := 3 * (y*r.width + x)
	r.pix[i], r.pix[i+1], r.pix[i+2] = c[0], c[1], c[2]
}

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(float64(v)))
}
