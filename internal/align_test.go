package internal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRigidAlignSE3_RecoversKnownSimilarity builds a source/target pair
// related by a known rotation, scale, and translation and checks that
// RigidAlignSE3 recovers both the scale and the aligned points, the way
// the estimator's own tests compare a recovered trajectory against
// ground truth up to the unobservable scale/yaw/translation gauge
// (spec.md §8 scenario 2 "metric scale within 5% of ground truth").
func TestRigidAlignSE3_RecoversKnownSimilarity(t *testing.T) {
	r0 := YawQuat(math.Pi / 2).ToMat3()
	const scale0 = 2.5
	translation := Vec3{X: 1, Y: -2, Z: 0.5}

	source := []Vec3{
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0.5},
		{X: -1, Y: 2, Z: -1},
		{X: 2, Y: 1, Z: -0.5},
	}
	target := make([]Vec3, len(source))
	for i, p := range source {
		target[i] = r0.MulVec(p).Scale(scale0).Add(translation)
	}

	aligned, rot, scale := RigidAlignSE3(source, target, true)
	require.Len(t, aligned, len(target))

	assert.InDelta(t, scale0, scale, 1e-6)
	for i := range target {
		assert.LessOrEqualf(t, aligned[i].Sub(target[i]).Norm(), 1e-6,
			"point %d: expected aligned %v close to target %v", i, aligned[i], target[i])
	}

	// The recovered rotation should itself be close to r0 up to the
	// reflection-correction branch RigidAlignSE3 takes for det<0 cases;
	// for this well-conditioned, non-degenerate point set it should
	// match directly.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDeltaf(t, r0[i][j], rot[i][j], 1e-6,
				"recovered rotation diverges from ground truth at (%d,%d)", i, j)
		}
	}
}

// TestRigidAlignSE3_NoScaleHoldsScaleAtOne checks the useScale=false path
// used when comparing two trajectories that are already metric (spec.md
// §4.D distinguishes the monocular path, which needs a recovered scale,
// from the stereo path, which is metric from the baseline).
func TestRigidAlignSE3_NoScaleHoldsScaleAtOne(t *testing.T) {
	source := []Vec3{{X: 1, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}, {X: -1, Y: -1, Z: 1}}
	target := make([]Vec3, len(source))
	r0 := YawQuat(math.Pi / 4).ToMat3()
	for i, p := range source {
		target[i] = r0.MulVec(p)
	}

	_, _, scale := RigidAlignSE3(source, target, false)
	assert.InDelta(t, 1.0, scale, 1e-12)
}

func TestRigidAlignSE3_MismatchedLengthsReturnsIdentity(t *testing.T) {
	aligned, rot, scale := RigidAlignSE3([]Vec3{{X: 1}}, nil, true)
	assert.Nil(t, aligned)
	assert.Equal(t, Identity3(), rot)
	assert.Equal(t, 1.0, scale)
}
