package stitch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHomographyRoundTrip(t *testing.T) {
	h := Homography{1.02, 0.03, 15, -0.01, 0.98, -4, 1e-4, -2e-4, 1}
	inv, err := h.Inverse()
	require.NoError(t, err)

	for _, p := range []vec2{{0, 0}, {10, 20}, {320, 240}, {-50, 400}} {
		x, y, ok := h.Apply(p.x, p.y)
		require.True(t, ok)
		bx, by, ok := inv.Apply(x, y)
		require.True(t, ok)
		assert.InDelta(t, p.x, bx, 1e-6)
		assert.InDelta(t, p.y, by, 1e-6)
	}
	assertHomography(t, Identity(), h.Mul(inv).mustNormalize(t), 1e-9)
}

func TestHomographySingular(t *testing.T) {
	assert.False(t, Identity().Singular())
	assert.True(t, Homography{1, 2, 3, 2, 4, 6, 0, 0, 1}.Singular())
	assert.True(t, Homography{}.Singular())

	_, err := Homography{1, 2, 3, 2, 4, 6, 0, 0, 1}.Inverse()
	assert.Error(t, err)
}

func TestSolveDLTRecoversProjective(t *testing.T) {
	want := Homography{0.9, 0.1, 5, -0.05, 1.1, -3, 1e-3, 2e-3, 1}
	var a, b []vec2
	for _, p := range []vec2{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {0.5, 0.2}, {0.3, 0.8}} {
		x, y, ok := want.Apply(p.x, p.y)
		require.True(t, ok)
		a = append(a, vec2{x, y})
		b = append(b, p)
	}
	got, ok := solveDLT(a, b)
	require.True(t, ok)
	assertHomography(t, want, got, 1e-8)
}

func TestHartleyNormalization(t *testing.T) {
	_, out, ok := hartley([]vec2{{0, 0}, {10, 0}, {10, 10}, {0, 10}})
	require.True(t, ok)
	var cx, cy, d float64
	for _, p := range out {
		cx += p.x
		cy += p.y
	}
	assert.InDelta(t, 0, cx, 1e-12)
	assert.InDelta(t, 0, cy, 1e-12)
	for _, p := range out {
		d += p.x*p.x + p.y*p.y
	}
	assert.InDelta(t, 8, d, 1e-9) // four points at distance √2

	_, _, ok = hartley([]vec2{{3, 3}, {3, 3}})
	assert.False(t, ok)
}

func TestCollinear(t *testing.T) {
	assert.True(t, collinear([4]vec2{{0, 0}, {1, 1}, {2, 2}, {5, 0}}))
	assert.False(t, collinear([4]vec2{{0, 0}, {1, 0}, {0, 1}, {1, 1}}))
}

func (h Homography) mustNormalize(t *testing.T) Homography {
	t.Helper()
	n, err := h.normalized()
	require.NoError(t, err)
	return n
}
