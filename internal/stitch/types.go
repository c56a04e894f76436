package stitch

import "fmt"

// Point is an integer pixel location inside one image.
type Point struct {
	X, Y int
}

func (p Point) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

// PointSet holds the interest points of one image in row-major scan order.
type PointSet []Point

// Correspondence pairs a point in image A with a point in image B.
type Correspondence struct {
	A Point
	B Point
}

// Correspondences are ordered by iteration over image A's point set.
type Correspondences []Correspondence

// Fit is the outcome of a robust homography estimate.
type Fit struct {
	H          Homography
	Inliers    []int
	Iterations int
	Total      int
}

// InlierRatio is the fraction of correspondences that agree with H.
func (f Fit) InlierRatio() float64 {
	if f.Total == 0 {
		return 0
	}
	return float64(len(f.Inliers)) / float64(f.Total)
}
