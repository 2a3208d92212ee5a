package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticCalibrationAverages(t *testing.T) {
	c := NewStaticCalibration()
	assert.False(t, c.Done())
	assert.Equal(t, Vec3{}, c.GyroBias())
	assert.Equal(t, Vec3{}, c.MeanAccel())

	c.Add(Vec3{Z: 9.8}, Vec3{X: 0.01, Z: -0.002})
	c.Add(Vec3{Z: 9.9}, Vec3{X: 0.03, Z: -0.002})

	assert.True(t, c.Done())
	assert.Equal(t, 2, c.Samples())
	assert.InDelta(t, 9.85, c.MeanAccel().Z, 1e-12)
	assert.InDelta(t, 0.02, c.GyroBias().X, 1e-12)
	assert.InDelta(t, -0.002, c.GyroBias().Z, 1e-12)
}
