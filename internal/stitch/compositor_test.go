package stitch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeIdentity(t *testing.T) {
	img := texturedScene(t, 40, 30, 21)
	out, err := NewCompositor().Composite(context.Background(), img, img, Identity())
	require.NoError(t, err)
	require.Equal(t, img.Bounds(), out.Bounds())
	assert.Less(t, maxDiff(img, out), float32(1e-3))
}

func TestCompositeTranslationCanvas(t *testing.T) {
	scene := texturedScene(t, 100, 60, 22)
	a := crop(t, scene, 0, 0, 60, 50)
	b := crop(t, scene, 30, 5, 60, 50)

	for _, s := range []Sampling{Bilinear, Nearest} {
		c := NewCompositor()
		c.Sampling = s
		out, err := c.Composite(context.Background(), a, b, Translation(30, 5))
		require.NoError(t, err, s.String())
		assert.Equal(t, 90, out.Width())
		assert.Equal(t, 55, out.Height())

		want := crop(t, scene, 0, 0, 90, 55)
		for y := 0; y < 55; y++ {
			for x := 0; x < 90; x++ {
				covered := (x < 60 && y < 50) || (x >= 30 && y >= 5)
				r, g, bl := out.At(x, y)
				if !covered {
					assert.Equal(t, [3]float32{0, 0, 0}, [3]float32{r, g, bl}, "background at %d,%d", x, y)
					continue
				}
				wr, wg, wb := want.At(x, y)
				assert.InDelta(t, wr, r, 1e-3)
				assert.InDelta(t, wg, g, 1e-3)
				assert.InDelta(t, wb, bl, 1e-3)
			}
		}
	}
}

func TestCompositeNegativeOffset(t *testing.T) {
	scene := texturedScene(t, 100, 60, 23)
	a := crop(t, scene, 30, 5, 60, 50)
	b := crop(t, scene, 0, 0, 60, 50)
	out, err := NewCompositor().Composite(context.Background(), a, b, Translation(-30, -5))
	require.NoError(t, err)
	want := crop(t, scene, 0, 0, 90, 55)
	r, g, bl := out.At(10, 2)
	wr, wg, wb := want.At(10, 2)
	assert.InDelta(t, wr, r, 1e-3)
	assert.InDelta(t, wg, g, 1e-3)
	assert.InDelta(t, wb, bl, 1e-3)
}

func TestCompositeBackground(t *testing.T) {
	a := uniform(t, 10, 10, 100)
	c := NewCompositor()
	c.Background = [3]float32{1, 2, 3}
	out, err := c.Composite(context.Background(), a, a, Translation(5, 5))
	require.NoError(t, err)
	r, g, b := out.At(14, 0)
	assert.Equal(t, [3]float32{1, 2, 3}, [3]float32{r, g, b})
}

func TestCompositeBlendFailures(t *testing.T) {
	a := uniform(t, 20, 20, 50)
	cases := map[string]Homography{
		"no overlap":  Translation(1000, 0),
		"singular":    {1, 2, 3, 2, 4, 6, 0, 0, 1},
		"at infinity": {1, 0, 0, 0, 1, 0, -0.1, 0, 1},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := NewCompositor().Composite(context.Background(), a, a, h)
			require.ErrorIs(t, err, ErrBlendFailure)
			assert.Nil(t, out)
		})
	}
}

func TestCompositeCanvasLimit(t *testing.T) {
	a := uniform(t, 20, 20, 50)
	c := NewCompositor()
	c.MaxCanvasPixels = 500
	_, err := c.Composite(context.Background(), a, a, Translation(10, 10))
	require.ErrorIs(t, err, ErrBlendFailure)
}

func TestParseSampling(t *testing.T) {
	s, err := ParseSampling("nearest")
	require.NoError(t, err)
	assert.Equal(t, Nearest, s)
	s, err = ParseSampling("")
	require.NoError(t, err)
	assert.Equal(t, Bilinear, s)
	_, err = ParseSampling("cubic")
	assert.Error(t, err)
}
