package internal

import "math"

// FactorKind is the closed tagged set of residual factors (spec.md §4.C,
// Design Notes "Polymorphic factors").
type FactorKind int

const (
	FactorIMU FactorKind = iota
	FactorProjTwoFrameOneCam
	FactorProjTwoFrameTwoCam
	FactorProjOneFrameTwoCam
	FactorPrior
)

// sqrtInfoVision is (focal/1.5)^2 * I2's square root, i.e. focal/1.5 * I2
// (spec.md §4.C). Held per-estimator since it depends on Config.FocalLength.
func sqrtInfoVision(focal float64) float64 { return focal / 1.5 }

// huberWeight returns the Huber-loss weight (δ=1) applied to a residual
// of the given norm, used by the optimiser on vision residuals only.
func huberWeight(norm, delta float64) float64 {
	if norm <= delta {
		return 1
	}
	return math.Sqrt(delta * (2*norm - delta)) / norm
}

// ProjFactor is shared by the three reprojection factor variants; it
// transports the host observation to the target via td and pixel
// velocity, lifts to 3D via inverse depth, and reprojects (spec.md §4.C).
type ProjFactor struct {
	Kind FactorKind

	HostObs   [2]float64 // normalised-plane observation in host camera
	HostVel   [2]float64
	HostTd    float64
	TargetObs [2]float64 // normalised-plane observation in target camera
	TargetVel [2]float64
	TargetTd  float64

	SqrtInfo float64
}

// transport adjusts a normalised-plane observation for the time offset
// between the estimated td and the observation's own recorded td, using
// the point's pixel velocity (spec.md §4.C "uvi_adjusted").
func transport(obs, vel [2]float64, td, obsTd float64) [2]float64 {
	dt := td - obsTd
	return [2]float64{obs[0] + dt*vel[0], obs[1] + dt*vel[1]}
}

// liftToHostFrame turns a normalised-plane point plus inverse depth into
// a 3D point in the host camera frame.
func liftToHostFrame(obs [2]float64, invDepth float64) Vec3 {
	if invDepth <= 0 {
		invDepth = 1e-6
	}
	depth := 1.0 / invDepth
	return Vec3{X: obs[0] * depth, Y: obs[1] * depth, Z: depth}
}

// EvaluateTwoFrameOneCam implements the Proj 2-frame 1-cam factor:
// parameters (Pose_i, Pose_j, Extr_0, InvDepth, Td).
func (f *ProjFactor) EvaluateTwoFrameOneCam(poseI, poseJ Pose, ext0 Extrinsic, invDepth, td float64) [2]float64 {
	hostAdj := transport(f.HostObs, f.HostVel, td, f.HostTd)
	targetAdj := transport(f.TargetObs, f.TargetVel, td, f.TargetTd)

	ptCam := liftToHostFrame(hostAdj, invDepth)
	ptBodyI := ext0.Ric.Rotate(ptCam).Add(ext0.Tic)
	ptWorld := poseI.Q.Rotate(ptBodyI).Add(poseI.P)
	ptBodyJ := poseJ.Q.Conj().Rotate(ptWorld.Sub(poseJ.P))
	ptCamJ := ext0.Ric.Conj().Rotate(ptBodyJ.Sub(ext0.Tic))

	return projectResidual(ptCamJ, targetAdj, f.SqrtInfo)
}

// EvaluateTwoFrameTwoCam implements the Proj 2-frame 2-cam factor:
// parameters (Pose_i, Pose_j, Extr_0, Extr_1, InvDepth, Td). The host
// observation is in camera 0 of frame i; the target observation is in
// camera 1 of frame j.
func (f *ProjFactor) EvaluateTwoFrameTwoCam(poseI, poseJ Pose, ext0, ext1 Extrinsic, invDepth, td float64) [2]float64 {
	hostAdj := transport(f.HostObs, f.HostVel, td, f.HostTd)
	targetAdj := transport(f.TargetObs, f.TargetVel, td, f.TargetTd)

	ptCam := liftToHostFrame(hostAdj, invDepth)
	ptBodyI := ext0.Ric.Rotate(ptCam).Add(ext0.Tic)
	ptWorld := poseI.Q.Rotate(ptBodyI).Add(poseI.P)
	ptBodyJ := poseJ.Q.Conj().Rotate(ptWorld.Sub(poseJ.P))
	ptCamJ := ext1.Ric.Conj().Rotate(ptBodyJ.Sub(ext1.Tic))

	return projectResidual(ptCamJ, targetAdj, f.SqrtInfo)
}

// EvaluateOneFrameTwoCam implements the Proj 1-frame 2-cam factor:
// parameters (Extr_0, Extr_1, InvDepth, Td) — host camera 0, target
// camera 1, same frame (stereo pair).
func (f *ProjFactor) EvaluateOneFrameTwoCam(ext0, ext1 Extrinsic, invDepth, td float64) [2]float64 {
	hostAdj := transport(f.HostObs, f.HostVel, td, f.HostTd)
	targetAdj := transport(f.TargetObs, f.TargetVel, td, f.TargetTd)

	ptCam := liftToHostFrame(hostAdj, invDepth)
	ptBody := ext0.Ric.Rotate(ptCam).Add(ext0.Tic)
	ptCam1 := ext1.Ric.Conj().Rotate(ptBody.Sub(ext1.Tic))

	return projectResidual(ptCam1, targetAdj, f.SqrtInfo)
}

func projectResidual(ptCam Vec3, targetObs [2]float64, sqrtInfo float64) [2]float64 {
	if math.Abs(ptCam.Z) < 1e-9 {
		return [2]float64{0, 0}
	}
	proj := [2]float64{ptCam.X / ptCam.Z, ptCam.Y / ptCam.Z}
	return [2]float64{
		sqrtInfo * (proj[0] - targetObs[0]),
		sqrtInfo * (proj[1] - targetObs[1]),
	}
}

// ReprojectionErrorPx converts a normalised-plane residual back into
// pixels at the given focal length, for the §4.B/§4.E outlier gate.
func ReprojectionErrorPx(residual [2]float64, sqrtInfo, focal float64) float64 {
	// residual already carries sqrtInfo = focal/1.5; undo it, then scale
	// by the nominal focal length to express the error in pixels.
	rx := residual[0] / sqrtInfo
	ry := residual[1] / sqrtInfo
	return math.Hypot(rx, ry) * focal
}

// ReprojectionResidualPx is ReprojectionErrorPx's vector form: the
// pixel-space displacement between the observed and reprojected point,
// rather than its norm. Feeds the feature manager's per-observation
// consistency gate (fusion.go LandmarkConsistencyAlpha).
func ReprojectionResidualPx(residual [2]float64, sqrtInfo, focal float64) [2]float64 {
	return [2]float64{residual[0] / sqrtInfo * focal, residual[1] / sqrtInfo * focal}
}

// PriorFactor is the marginalisation prior (spec.md §4.C, §4.E). It
// carries a linearised residual over a fixed parameter-block layout,
// produced by Schur-complement elimination in the optimiser.
type PriorFactor struct {
	LinearizedJacobian [][]float64 // n x m, n = residual dim, m = total tangent dim of kept blocks
	LinearizedResidual []float64   // n
	KeepBlockSizes     []int       // tangent width of each kept parameter block, in order
	LinearizationPoint [][]float64 // snapshot of each kept block's manifold value at linearisation time
}

// Evaluate linearises the prior at the current parameter values by a
// first-order Taylor expansion around LinearizationPoint: this is the
// standard marginalisation-prior evaluation, residual = r0 + J*(x - x0).
func (pf *PriorFactor) Evaluate(currentTangentDeltas []float64) []float64 {
	n := len(pf.LinearizedResidual)
	out := make([]float64, n)
	copy(out, pf.LinearizedResidual)
	for i := 0; i < n; i++ {
		row := pf.LinearizedJacobian[i]
		for k, d := range currentTangentDeltas {
			if k < len(row) {
				out[i] += row[k] * d
			}
		}
	}
	return out
}
