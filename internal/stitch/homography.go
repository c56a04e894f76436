package stitch

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Homography is a row-major 3x3 projective transform mapping points of
// image B into the plane of image A. It is kept normalized so h33 = 1.
type Homography [9]float64

const (
	singularTolerance = 1e-10
	rankTolerance     = 1e-12
)

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Translation returns the transform that shifts points by (dx, dy).
func Translation(dx, dy float64) Homography {
	return Homography{1, 0, dx, 0, 1, dy, 0, 0, 1}
}

// Apply maps (x, y) through h. ok is false when the point maps to infinity.
func (h Homography) Apply(x, y float64) (float64, float64, bool) {
	w := h[6]*x + h[7]*y + h[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w, true
}

// Det returns the determinant of h.
func (h Homography) Det() float64 {
	return mat.Det(h.dense())
}

// Singular reports whether h is too close to rank deficient to be used.
func (h Homography) Singular() bool {
	var norm float64
	for _, v := range h {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return true
	}
	return math.Abs(h.Det()) < singularTolerance*norm*norm*norm
}

// Inverse returns h⁻¹ normalized to h33 = 1.
func (h Homography) Inverse() (Homography, error) {
	if h.Singular() {
		return Homography{}, errors.New("homography is singular")
	}
	var inv mat.Dense
	if err := inv.Inverse(h.dense()); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return Homography{}, fmt.Errorf("invert homography: %w", err)
		}
	}
	return fromDense(&inv).normalized()
}

// Mul returns the composition h·o, applying o first.
func (h Homography) Mul(o Homography) Homography {
	var out mat.Dense
	out.Mul(h.dense(), o.dense())
	return fromDense(&out)
}

func (h Homography) normalized() (Homography, error) {
	if math.Abs(h[8]) < 1e-15 {
		return Homography{}, errors.New("homography has h33 = 0")
	}
	s := h[8]
	for i := range h {
		h[i] /= s
	}
	return h, nil
}

func (h Homography) String() string {
	return fmt.Sprintf("[%.6g %.6g %.6g; %.6g %.6g %.6g; %.6g %.6g %.6g]",
		h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], h[8])
}

func (h Homography) dense() *mat.Dense {
	return mat.NewDense(3, 3, h[:])
}

func fromDense(m mat.Matrix) Homography {
	var h Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h[3*r+c] = m.At(r, c)
		}
	}
	return h
}

type vec2 struct{ x, y float64 }

// hartley returns the similarity that moves pts to a zero centroid with mean
// distance √2, and the transformed points.
func hartley(pts []vec2) (Homography, []vec2, bool) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.x
		cy += p.y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	var d float64
	for _, p := range pts {
		d += math.Hypot(p.x-cx, p.y-cy)
	}
	d /= n
	if d < 1e-12 {
		return Homography{}, nil, false
	}
	s := math.Sqrt2 / d
	t := Homography{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}
	out := make([]vec2, len(pts))
	for i, p := range pts {
		out[i] = vec2{s * (p.x - cx), s * (p.y - cy)}
	}
	return t, out, true
}

// solveDLT fits H with H·b ≈ a by the direct linear transform. With more
// than four pairs the result is the algebraic least-squares solution.
func solveDLT(a, b []vec2) (Homography, bool) {
	n := len(a)
	if n < 4 || len(b) != n {
		return Homography{}, false
	}
	A := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		ax, ay := a[i].x, a[i].y
		bx, by := b[i].x, b[i].y
		A.SetRow(2*i, []float64{-bx, -by, -1, 0, 0, 0, ax * bx, ax * by, ax})
		A.SetRow(2*i+1, []float64{0, 0, 0, -bx, -by, -1, ay * bx, ay * by, ay})
	}
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFullV) {
		return Homography{}, false
	}
	values := svd.Values(nil)
	if len(values) < 8 || values[0] == 0 || values[7]/values[0] < rankTolerance {
		return Homography{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	var h Homography
	for i := 0; i < 9; i++ {
		h[i] = v.At(i, 8)
	}
	h, err := h.normalized()
	if err != nil || h.Singular() {
		return Homography{}, false
	}
	return h, true
}

// collinear reports whether any three of the four points lie on one line.
func collinear(p [4]vec2) bool {
	idx := [4][3]int{{0, 1, 2}, {0, 1, 3}, {0, 2, 3}, {1, 2, 3}}
	for _, t := range idx {
		a, b, c := p[t[0]], p[t[1]], p[t[2]]
		cross := (b.x-a.x)*(c.y-a.y) - (b.y-a.y)*(c.x-a.x)
		if math.Abs(cross) < 1e-8 {
			return true
		}
	}
	return false
}
