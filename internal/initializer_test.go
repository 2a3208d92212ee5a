package internal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckIMUExcitation(t *testing.T) {
	init := NewInitializer(DefaultConfig())

	tests := []struct {
		name    string
		accels  []Vec3
		wantLow bool
	}{
		{"too few intervals", []Vec3{{Z: 9.8}}, true},
		{"constant acceleration", []Vec3{{Z: 9.8}, {Z: 9.8}, {Z: 9.8}}, true},
		{"strong excitation", []Vec3{{Z: 9.8}, {X: 3, Z: 9.8}, {X: -2, Z: 10.5}, {Y: 4, Z: 8.0}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, low := init.CheckIMUExcitation(tt.accels)
			assert.Equal(t, tt.wantLow, low)
		})
	}
}

func TestFindAnchorFrame(t *testing.T) {
	cfg := DefaultConfig() // needs >= 20 tracks and > 30 px parallax
	init := NewInitializer(cfg)

	tests := []struct {
		name       string
		shared     []int
		parallaxPx []float64
		want       int
		wantOK     bool
	}{
		{"first qualifying frame wins", []int{25, 30, 40}, []float64{40, 50, 60}, 0, true},
		{"skips low-track frames", []int{5, 30, 40}, []float64{40, 50, 60}, 1, true},
		{"skips low-parallax frames", []int{25, 30, 40}, []float64{10, 20, 60}, 2, true},
		{"none qualifies", []int{5, 6}, []float64{1, 2}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := init.FindAnchorFrame(tt.shared, tt.parallaxPx)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTangentBasisSpansOrthogonalPlane(t *testing.T) {
	for _, g := range []Vec3{{Z: -9.81}, {X: 1, Y: 2, Z: -9}, {X: -10}} {
		b1, b2 := tangentBasis(g)
		assert.InDelta(t, 1, b1.Norm(), 1e-9)
		assert.InDelta(t, 1, b2.Norm(), 1e-9)
		assert.InDelta(t, 0, b1.Dot(b2), 1e-9)
		assert.InDelta(t, 0, b1.Dot(g), 1e-9*g.Norm())
		assert.InDelta(t, 0, b2.Dot(g), 1e-9*g.Norm())
	}
}

// TestGyroBiasSolveRecoversConstantBias: a rig that is not rotating but
// whose gyro reads a constant offset must yield exactly that offset.
func TestGyroBiasSolveRecoversConstantBias(t *testing.T) {
	trueBg := Vec3{X: 0.004, Y: -0.002, Z: 0.01}
	pre := NewPreintegration(Vec3{}, Vec3{}, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise)
	pre.Seed(Vec3{Z: 9.81}, trueBg)
	for i := 0; i < 100; i++ {
		pre.Push(0.01, Vec3{Z: 9.81}, trueBg)
	}

	rotations := []Mat3{Identity3(), Identity3()}
	bg, ok := GyroBiasSolve(rotations, []*Preintegration{nil, pre})
	require.True(t, ok)
	assert.InDelta(t, trueBg.X, bg.X, 1e-4)
	assert.InDelta(t, trueBg.Y, bg.Y, 1e-4)
	assert.InDelta(t, trueBg.Z, bg.Z, 1e-4)
}

// buildAcceleratingFrames synthesises a rig translating along +x under
// gravity, starting at rest, with world acceleration (k+1) m/s^2 over
// interval k -> k+1 and per-pair pre-integration blocks consistent with
// the motion. The acceleration changes between intervals so that scale
// and gravity are separable (with one constant acceleration they are not).
func buildAcceleratingFrames(n int, g float64) []AlignmentFrame {
	const dt = 0.01
	const steps = 10
	span := dt * steps

	frames := make([]AlignmentFrame, n)
	var px, vx float64
	for k := 0; k < n; k++ {
		frames[k] = AlignmentFrame{
			Rwb: Identity3(),
			Pwb: Vec3{X: px},
		}
		if k > 0 {
			accMeas := Vec3{X: float64(k), Z: g} // specific force for a_world = +k x over interval k-1 -> k
			pre := NewPreintegration(Vec3{}, Vec3{}, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise)
			pre.Seed(accMeas, Vec3{})
			for s := 0; s < steps; s++ {
				pre.Push(dt, accMeas, Vec3{})
			}
			frames[k].Pre = pre
		}
		a := float64(k + 1)
		px += vx*span + 0.5*a*span*span
		vx += a * span
	}
	return frames
}

// TestSolveLinearAlignment recovers scale, gravity, and per-frame
// velocities from consistent SfM translations and pre-integration
// constraints (spec.md §4.D step 6).
func TestSolveLinearAlignment(t *testing.T) {
	const g = 9.81007
	frames := buildAcceleratingFrames(5, g)

	result, ok := SolveLinearAlignment(frames, Vec3{}, g)
	require.True(t, ok)

	assert.InDelta(t, 1.0, result.Scale, 1e-6)
	assert.InDelta(t, 0, result.Gravity.X, 1e-6)
	assert.InDelta(t, 0, result.Gravity.Y, 1e-6)
	assert.InDelta(t, -g, result.Gravity.Z, 1e-4)
	require.Len(t, result.Velocities, 5)
	for k, v := range result.Velocities {
		assert.InDeltaf(t, 0.05*float64(k*(k+1)), v.X, 1e-6, "frame %d velocity", k)
	}
}

// TestRefineGravity projects a perturbed gravity estimate back onto the
// fixed-magnitude sphere and converges toward the true direction
// (spec.md §4.D step 7).
func TestRefineGravity(t *testing.T) {
	const g = 9.81007
	frames := buildAcceleratingFrames(5, g)

	perturbed := Vec3{X: 0.4, Y: -0.3, Z: -9.6}
	result, ok := RefineGravity(frames, perturbed, g)
	require.True(t, ok)

	assert.InDelta(t, g, result.Gravity.Norm(), 1e-9)
	assert.InDelta(t, 0, result.Gravity.X, 5e-2)
	assert.InDelta(t, 0, result.Gravity.Y, 5e-2)
	assert.InDelta(t, -g, result.Gravity.Z, 5e-2)
	assert.InDelta(t, 1.0, result.Scale, 1e-3)
}

func TestRefineGravityRejectsDegenerateSeed(t *testing.T) {
	frames := buildAcceleratingFrames(3, 9.81)
	_, ok := RefineGravity(frames, Vec3{}, 9.81)
	assert.False(t, ok)
}

// TestApplyScaleAndGravity pins the realigned window to a metric,
// gravity-aligned world: frame 0 at the origin with zero yaw, gravity
// along -z with the configured magnitude (spec.md §4.D step 8).
func TestApplyScaleAndGravity(t *testing.T) {
	const gm = 9.81
	g := Vec3{X: 1.0, Y: -0.5, Z: -9.7}
	poses := []Pose{
		{Q: YawQuat(0.7)},
		{P: Vec3{X: 2, Y: 1}, Q: YawQuat(0.9)},
		{P: Vec3{X: 4, Y: 2, Z: 0.5}, Q: YawQuat(1.1)},
	}
	vels := []Vec3{{X: 1}, {X: 1.2}, {X: 1.4}}

	outPoses, outVels, outG := ApplyScaleAndGravity(poses, vels, 2.0, g, Vec3{}, gm)

	require.Len(t, outPoses, 3)
	require.Len(t, outVels, 3)
	assert.InDelta(t, 0, outPoses[0].P.Norm(), 1e-9)
	assert.InDelta(t, 0, math.Abs(Yaw(outPoses[0].Q)), 1e-9)
	assert.Equal(t, Vec3{0, 0, -gm}, outG)

	// Relative distances scale by s.
	origDist := poses[1].P.Sub(poses[0].P).Norm()
	newDist := outPoses[1].P.Sub(outPoses[0].P).Norm()
	assert.InDelta(t, 2.0*origDist, newDist, 1e-9)
}

func TestRelativePoseReturnsValidRotation(t *testing.T) {
	// Project a 3D point grid into two views separated by a known
	// baseline and a small yaw.
	rot := YawQuat(0.1)
	trans := Vec3{X: 0.5, Y: 0.05, Z: 0.1}

	var ptsA, ptsB [][2]float64
	for i := -2; i <= 2; i++ {
		for j := -2; j <= 2; j++ {
			p := Vec3{X: float64(i) * 0.4, Y: float64(j) * 0.3, Z: 5 + 0.2*float64(i*i) - 0.15*float64(j)}
			ptsA = append(ptsA, [2]float64{p.X / p.Z, p.Y / p.Z})
			pb := rot.Conj().Rotate(p.Sub(trans))
			ptsB = append(ptsB, [2]float64{pb.X / pb.Z, pb.Y / pb.Z})
		}
	}

	R, tv, ok := RelativePose(ptsA, ptsB)
	require.True(t, ok)
	assert.InDelta(t, 1, R.Det(), 1e-6)
	rtr := R.Transpose().Mul(R)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1, rtr[i][i], 1e-6)
	}
	assert.InDelta(t, 1, tv.Norm(), 1e-6) // translation direction is unit length
}
