package internal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPreintegrationSelfConsistency checks the round-trip law: starting
// from known pose/velocity and zero bias, integrating perfect samples
// and evaluating the IMU factor at the exact terminal state yields a
// residual with norm below 1e-6.
func TestPreintegrationSelfConsistency(t *testing.T) {
	const (
		g    = 9.81
		dt   = 0.005
		n    = 200
		yawW = 0.3 // rad/s about +z
	)

	tests := []struct {
		name  string
		gyr   Vec3
		poseJ func(sumDt float64) Pose
	}{
		{
			name:  "static",
			gyr:   Vec3{},
			poseJ: func(float64) Pose { return Pose{Q: IdentityQuat()} },
		},
		{
			name: "pure yaw rotation",
			gyr:  Vec3{Z: yawW},
			poseJ: func(sumDt float64) Pose {
				return Pose{Q: ExpSO3(Vec3{Z: yawW * sumDt})}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A static (or purely yawing) rig measures the gravity
			// reaction +g along body z and nothing else.
			acc := Vec3{Z: g}
			pre := NewPreintegration(Vec3{}, Vec3{}, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise)
			pre.Seed(acc, tt.gyr)
			for i := 0; i < n; i++ {
				pre.Push(dt, acc, tt.gyr)
			}
			require.InDelta(t, float64(n)*dt, pre.SumDt, 1e-9)

			poseI := Pose{Q: IdentityQuat()}
			sb := SpeedBias{}
			gravity := Vec3{Z: -g}
			r := pre.Evaluate(poseI, sb, tt.poseJ(pre.SumDt), sb, gravity)

			var norm float64
			for _, v := range r {
				norm += v * v
			}
			assert.Less(t, math.Sqrt(norm), 1e-6)
		})
	}
}

// TestRepropagateZeroDeltaInvariant checks the second round-trip law:
// repropagating with an unchanged bias leaves the deltas bit-for-bit
// identical, since the replay reruns the identical arithmetic.
func TestRepropagateZeroDeltaInvariant(t *testing.T) {
	ba := Vec3{X: 0.02, Y: -0.01, Z: 0.005}
	bg := Vec3{X: -0.001, Y: 0.002, Z: 0.0005}
	pre := NewPreintegration(ba, bg, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise)

	pre.Seed(Vec3{X: 0.1, Z: 9.8}, Vec3{Z: 0.05})
	for i := 0; i < 50; i++ {
		f := float64(i)
		pre.Push(0.01, Vec3{X: 0.1 + 0.01*f, Y: -0.02 * f, Z: 9.8}, Vec3{X: 0.001 * f, Z: 0.05})
	}

	dp, dv, dq, sumDt := pre.DeltaP, pre.DeltaV, pre.DeltaQ, pre.SumDt
	pre.Repropagate(ba, bg)

	assert.Equal(t, dp, pre.DeltaP)
	assert.Equal(t, dv, pre.DeltaV)
	assert.Equal(t, dq, pre.DeltaQ)
	assert.Equal(t, sumDt, pre.SumDt)
}

// TestRepropagateBiasCorrection: repropagating with the true gyro bias
// must remove the spurious rotation a biased integration accumulated.
func TestRepropagateBiasCorrection(t *testing.T) {
	trueBg := Vec3{Z: 0.02}
	pre := NewPreintegration(Vec3{}, Vec3{}, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise)
	pre.Seed(Vec3{Z: 9.81}, trueBg)
	for i := 0; i < 100; i++ {
		pre.Push(0.01, Vec3{Z: 9.81}, trueBg) // gyro reads pure bias, rig is not rotating
	}
	require.Greater(t, LogSO3(pre.DeltaQ).Norm(), 1e-3)

	pre.Repropagate(Vec3{}, trueBg)
	assert.Less(t, LogSO3(pre.DeltaQ).Norm(), 1e-9)
}

func TestPreintegrationDisabled(t *testing.T) {
	pre := NewPreintegration(Vec3{}, Vec3{}, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise)
	pre.Seed(Vec3{Z: 9.81}, Vec3{})
	for i := 0; i < 110; i++ {
		pre.Push(0.1, Vec3{Z: 9.81}, Vec3{})
	}
	assert.True(t, pre.Disabled(10.0))
	assert.False(t, pre.Disabled(20.0))
}

// TestEvaluateBiasResiduals: the bias random-walk rows are plain
// differences between the two frames' bias estimates.
func TestEvaluateBiasResiduals(t *testing.T) {
	pre := NewPreintegration(Vec3{}, Vec3{}, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise)
	pre.Seed(Vec3{Z: 9.81}, Vec3{})
	pre.Push(0.01, Vec3{Z: 9.81}, Vec3{})

	sbI := SpeedBias{Ba: Vec3{X: 0.1}, Bg: Vec3{Y: 0.01}}
	sbJ := SpeedBias{Ba: Vec3{X: 0.3}, Bg: Vec3{Y: -0.01}}
	r := pre.Evaluate(Pose{Q: IdentityQuat()}, sbI, Pose{Q: IdentityQuat()}, sbJ, Vec3{Z: -9.81})

	assert.InDelta(t, 0.2, r[9], 1e-12)
	assert.InDelta(t, -0.02, r[13], 1e-12)
}
