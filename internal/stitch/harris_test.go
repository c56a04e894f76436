package stitch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarrisDetectIsDeterministic(t *testing.T) {
	img := texturedScene(t, 96, 80, 1)

	first := NewHarrisDetector().Detect(img)
	require.NotEmpty(t, first)

	d := NewHarrisDetector()
	d.Workers = 1
	second := d.Detect(img)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("point sets differ (-parallel +serial):\n%s", diff)
	}
}

func TestHarrisPointsInScanOrderAndInside(t *testing.T) {
	img := texturedScene(t, 96, 80, 2)
	pts := NewHarrisDetector().Detect(img)
	require.NotEmpty(t, pts)

	for i, p := range pts {
		assert.True(t, p.X >= 0 && p.X < img.Width() && p.Y >= 0 && p.Y < img.Height(), "point %v outside image", p)
		if i == 0 {
			continue
		}
		prev := pts[i-1]
		assert.True(t, prev.Y < p.Y || (prev.Y == p.Y && prev.X < p.X), "points %v, %v out of scan order", prev, p)
	}
}

func TestHarrisUniformImageHasNoPoints(t *testing.T) {
	pts := NewHarrisDetector().Detect(uniform(t, 64, 64, 128))
	assert.NotNil(t, pts)
	assert.Empty(t, pts)
}

func TestHarrisTinyImageHasNoPoints(t *testing.T) {
	assert.Empty(t, NewHarrisDetector().Detect(uniform(t, 4, 4, 0)))
}

func TestHarrisMaxPointsKeepsStrongest(t *testing.T) {
	img := texturedScene(t, 96, 80, 3)
	all := NewHarrisDetector().Detect(img)
	require.Greater(t, len(all), 5)

	d := NewHarrisDetector()
	d.MaxPoints = 5
	capped := d.Detect(img)
	require.Len(t, capped, 5)

	set := make(map[Point]bool, len(all))
	for _, p := range all {
		set[p] = true
	}
	for i, p := range capped {
		assert.True(t, set[p], "capped point %v not in full set", p)
		if i > 0 {
			prev := capped[i-1]
			assert.True(t, prev.Y < p.Y || (prev.Y == p.Y && prev.X < p.X))
		}
	}
}

func TestHarrisThresholdReducesPoints(t *testing.T) {
	img := texturedScene(t, 96, 80, 4)
	low := NewHarrisDetector()
	high := NewHarrisDetector()
	high.Threshold = 1e12
	assert.GreaterOrEqual(t, len(low.Detect(img)), len(high.Detect(img)))
	assert.Empty(t, high.Detect(img))
}
