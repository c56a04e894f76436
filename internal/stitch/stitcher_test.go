package stitch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStitchTranslatedPair(t *testing.T) {
	scene := texturedScene(t, 200, 120, 31)
	a := crop(t, scene, 0, 0, 120, 100)
	b := crop(t, scene, 40, 6, 120, 100)

	res, err := New(DefaultOptions(), nil).Stitch(context.Background(), a, b)
	require.NoError(t, err)

	assertHomography(t, Translation(40, 6), res.Homography, 1e-6)
	assert.InDelta(t, 1.0, res.InlierRatio, 1e-12)
	assert.Len(t, res.Inliers, len(res.Correspondences))
	assert.Positive(t, res.PointsA)
	assert.Positive(t, res.PointsB)
	assert.Nil(t, res.Diagnostics)

	require.Equal(t, 160, res.Composite.Width())
	require.Equal(t, 106, res.Composite.Height())
	want := crop(t, scene, 0, 0, 160, 106)
	for _, p := range []Point{{5, 5}, {60, 50}, {150, 100}, {100, 8}} {
		r, g, bl := res.Composite.At(p.X, p.Y)
		wr, wg, wb := want.At(p.X, p.Y)
		assert.InDelta(t, wr, r, 0.01, "%v", p)
		assert.InDelta(t, wg, g, 0.01, "%v", p)
		assert.InDelta(t, wb, bl, 0.01, "%v", p)
	}
}

func TestStitchIdentity(t *testing.T) {
	img := texturedScene(t, 90, 70, 32)
	res, err := New(DefaultOptions(), nil).Stitch(context.Background(), img, img)
	require.NoError(t, err)
	assertHomography(t, Identity(), res.Homography, 1e-6)
	require.Equal(t, img.Bounds(), res.Composite.Bounds())
	assert.Less(t, maxDiff(img, res.Composite), float32(0.01))
}

func TestStitchNoFeatures(t *testing.T) {
	flat := uniform(t, 64, 64, 90)
	textured := texturedScene(t, 64, 64, 33)
	s := New(DefaultOptions(), nil)

	res, err := s.Stitch(context.Background(), flat, textured)
	require.ErrorIs(t, err, ErrNoFeaturesDetected)
	assert.Nil(t, res)

	_, err = s.Stitch(context.Background(), textured, flat)
	require.ErrorIs(t, err, ErrNoFeaturesDetected)
}

func TestStitchUnrelatedImagesFail(t *testing.T) {
	a := texturedScene(t, 80, 80, 34)
	b := texturedScene(t, 80, 80, 35)
	res, err := New(DefaultOptions(), nil).Stitch(context.Background(), a, b)
	require.Error(t, err)
	assert.Nil(t, res)
	kind := KindOf(err)
	assert.Contains(t, []Kind{KindInsufficientCorrespondences, KindHomographyEstimationFailed}, kind)
}

func TestStitchDiagnostics(t *testing.T) {
	scene := texturedScene(t, 160, 100, 36)
	a := crop(t, scene, 0, 0, 100, 80)
	b := crop(t, scene, 30, 4, 100, 80)

	opts := DefaultOptions()
	opts.Diagnostics = true
	res, err := New(opts, nil).Stitch(context.Background(), a, b)
	require.NoError(t, err)
	require.NotNil(t, res.Diagnostics)
	for _, r := range []*Raster{res.Diagnostics.Points, res.Diagnostics.Pairs, res.Diagnostics.Inliers} {
		require.NotNil(t, r)
		assert.Equal(t, 200, r.Width())
		assert.Equal(t, 80, r.Height())
	}
}

func TestErrorMatchesKind(t *testing.T) {
	err := newError(KindBlendFailure, "composite", "detail %d", 1)
	assert.ErrorIs(t, err, ErrBlendFailure)
	assert.NotErrorIs(t, err, ErrNoFeaturesDetected)
	assert.Equal(t, "composite: blend failure: detail 1", err.Error())
}
