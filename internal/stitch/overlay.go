package stitch

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Diagnostics are side-by-side renderings of A and B annotated with the
// intermediate results of one pairwise stitch.
type Diagnostics struct {
	Points  *Raster // detected interest points
	Pairs   *Raster // correlation pairs
	Inliers *Raster // pairs that agree with the estimated homography
}

var (
	markerA   = color.NRGBA{R: 255, G: 40, B: 40, A: 255}
	markerB   = color.NRGBA{R: 40, G: 120, B: 255, A: 255}
	pairColor = color.NRGBA{R: 255, G: 220, B: 0, A: 255}
	inlierCol = color.NRGBA{R: 0, G: 230, B: 90, A: 255}
	labelCol  = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

func renderDiagnostics(a, b *Raster, pa, pb PointSet, pairs Correspondences, inliers []int) *Diagnostics {
	d := &Diagnostics{}

	img, off := sideBySide(a, b)
	for _, p := range pa {
		drawCross(img, p.X, p.Y, 3, markerA)
	}
	for _, p := range pb {
		drawCross(img, p.X+off, p.Y, 3, markerB)
	}
	drawLabel(img, 6, 16, "points")
	d.Points = FromImage(img)

	img, _ = sideBySide(a, b)
	for _, c := range pairs {
		drawLine(img, c.A.X, c.A.Y, c.B.X+off, c.B.Y, pairColor)
	}
	drawLabel(img, 6, 16, "pairs")
	d.Pairs = FromImage(img)

	img, _ = sideBySide(a, b)
	for _, i := range inliers {
		c := pairs[i]
		drawLine(img, c.A.X, c.A.Y, c.B.X+off, c.B.Y, inlierCol)
	}
	drawLabel(img, 6, 16, "inliers")
	d.Inliers = FromImage(img)

	return d
}

func sideBySide(a, b *Raster) (*image.NRGBA, int) {
	w := a.Width() + b.Width()
	h := max(a.Height(), b.Height())
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(img, a.Bounds(), a.ToNRGBA(), image.Point{}, draw.Src)
	draw.Draw(img, b.Bounds().Add(image.Pt(a.Width(), 0)), b.ToNRGBA(), image.Point{}, draw.Src)
	return img, a.Width()
}

func drawCross(img *image.NRGBA, x, y, r int, c color.NRGBA) {
	for i := -r; i <= r; i++ {
		img.SetNRGBA(x+i, y, c)
		img.SetNRGBA(x, y+i, c)
	}
}

// drawLine draws a Bresenham line; pixels outside img are dropped.
func drawLine(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.SetNRGBA(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func drawLabel(img *image.NRGBA, x, y int, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelCol),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
