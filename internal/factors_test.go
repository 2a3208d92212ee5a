package internal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestProjTwoFrameOneCamZeroAtTruth: a perfectly consistent geometry
// yields a zero reprojection residual.
func TestProjTwoFrameOneCamZeroAtTruth(t *testing.T) {
	// Landmark at (0,0,5); frame j translated 0.5 along +x.
	f := ProjFactor{
		Kind:      FactorProjTwoFrameOneCam,
		HostObs:   [2]float64{0, 0},
		TargetObs: [2]float64{-0.1, 0},
		SqrtInfo:  sqrtInfoVision(460),
	}
	poseI := Pose{Q: IdentityQuat()}
	poseJ := Pose{P: Vec3{X: 0.5}, Q: IdentityQuat()}
	ext := Extrinsic{Ric: IdentityQuat()}

	res := f.EvaluateTwoFrameOneCam(poseI, poseJ, ext, 0.2, 0)
	assert.InDelta(t, 0, res[0], 1e-9)
	assert.InDelta(t, 0, res[1], 1e-9)
}

func TestProjOneFrameTwoCamZeroAtTruth(t *testing.T) {
	// Landmark at (0,0,2); right camera 0.1 to the +x.
	f := ProjFactor{
		Kind:      FactorProjOneFrameTwoCam,
		HostObs:   [2]float64{0, 0},
		TargetObs: [2]float64{-0.05, 0},
		SqrtInfo:  sqrtInfoVision(460),
	}
	ext0 := Extrinsic{Ric: IdentityQuat()}
	ext1 := Extrinsic{Tic: Vec3{X: 0.1}, Ric: IdentityQuat()}

	res := f.EvaluateOneFrameTwoCam(ext0, ext1, 0.5, 0)
	assert.InDelta(t, 0, res[0], 1e-9)
	assert.InDelta(t, 0, res[1], 1e-9)
}

// TestTdTransport: a nonzero estimated time offset shifts both
// observations along their pixel velocities before reprojection
// (spec.md §4.C "uvi_adjusted = uvi + (td - td0) * vel").
func TestTdTransport(t *testing.T) {
	sqrtInfo := sqrtInfoVision(460)
	f := ProjFactor{
		Kind:      FactorProjTwoFrameOneCam,
		HostObs:   [2]float64{0, 0},
		TargetObs: [2]float64{0, 0},
		TargetVel: [2]float64{1.0, 0}, // target point drifts along +x
		SqrtInfo:  sqrtInfo,
	}
	poseI := Pose{Q: IdentityQuat()}
	poseJ := Pose{Q: IdentityQuat()} // no baseline: reprojection lands on (0,0)
	ext := Extrinsic{Ric: IdentityQuat()}

	const td = 0.01
	res := f.EvaluateTwoFrameOneCam(poseI, poseJ, ext, 0.2, td)
	// Only the target observation moved, by td * vel = 0.01.
	assert.InDelta(t, -sqrtInfo*td, res[0], 1e-9)
	assert.InDelta(t, 0, res[1], 1e-9)
}

func TestHuberWeight(t *testing.T) {
	tests := []struct {
		name string
		norm float64
		want float64
	}{
		{"inlier keeps full weight", 0.5, 1},
		{"at the knee", 1.0, 1},
		{"outlier downweighted", 5.0, math.Sqrt(1*(2*5.0-1)) / 5.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, huberWeight(tt.norm, 1), 1e-12)
		})
	}
}

func TestReprojectionErrorPxRoundTrip(t *testing.T) {
	const focal = 460.0
	sqrtInfo := sqrtInfoVision(focal)
	// A 2-pixel error in the normalised plane at this focal length.
	errNorm := 2.0 / focal
	res := [2]float64{sqrtInfo * errNorm, 0}
	assert.InDelta(t, 2.0, ReprojectionErrorPx(res, sqrtInfo, focal), 1e-9)

	v := ReprojectionResidualPx(res, sqrtInfo, focal)
	assert.InDelta(t, 2.0, v[0], 1e-9)
	assert.InDelta(t, 0.0, v[1], 1e-9)
}

func TestPriorFactorEvaluate(t *testing.T) {
	pf := &PriorFactor{
		LinearizedJacobian: [][]float64{
			{1, 0},
			{0, 2},
		},
		LinearizedResidual: []float64{0.5, -1},
		KeepBlockSizes:     []int{2},
	}
	got := pf.Evaluate([]float64{0.1, 0.2})
	assert.InDelta(t, 0.6, got[0], 1e-12)
	assert.InDelta(t, -0.6, got[1], 1e-12)
}
