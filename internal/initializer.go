package internal

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Initializer runs the structure-from-motion bootstrap, visual-inertial
// alignment, and gravity refinement described in spec.md §4.D. It is
// only invoked while the estimator's solver flag is SolverInitial.
type Initializer struct {
	cfg Config
}

// NewInitializer builds an initialiser bound to the given config.
func NewInitializer(cfg Config) *Initializer {
	return &Initializer{cfg: cfg}
}

// CheckIMUExcitation computes the standard deviation of per-interval
// average acceleration across all stored frames (spec.md §4.D step 1).
// Low excitation is reported but, matching the source, is not a hard
// block by default.
func (in *Initializer) CheckIMUExcitation(avgAccelPerInterval []Vec3) (stdDev float64, lowExcitation bool) {
	if len(avgAccelPerInterval) < 2 {
		return 0, true
	}
	norms := make([]float64, len(avgAccelPerInterval))
	for i, a := range avgAccelPerInterval {
		norms[i] = a.Norm()
	}
	mean := stat.Mean(norms, nil)
	var sumSq float64
	for _, n := range norms {
		d := n - mean
		sumSq += d * d
	}
	stdDev = math.Sqrt(sumSq / float64(len(norms)))
	return stdDev, stdDev < 0.25
}

// FindAnchorFrame searches for the earliest frame with enough shared
// tracks and parallax against the newest frame (spec.md §4.D step 2).
// sharedTracks[l] is the number of landmarks visible in both frame l and
// the newest frame; parallaxPx[l] is their average pixel-scaled
// parallax. Returns the anchor index and ok=false if none qualifies.
func (in *Initializer) FindAnchorFrame(sharedTracks []int, parallaxPx []float64) (int, bool) {
	for l := 0; l < len(sharedTracks); l++ {
		if sharedTracks[l] >= in.cfg.InitAnchorMinTracks && parallaxPx[l] > in.cfg.InitAnchorMinParallaxPx {
			return l, true
		}
	}
	return 0, false
}

// RelativePose recovers rotation and translation-direction (up to scale)
// between two views from a set of normalised-plane correspondences via
// the essential matrix, decomposed by SVD exactly as the teacher's
// Procrustes decomposes its cross-covariance matrix (spec.md §4.D step
// 2 "essential-matrix decomposition").
func RelativePose(ptsA, ptsB [][2]float64) (Mat3, Vec3, bool) {
	n := len(ptsA)
	if n < 8 || n != len(ptsB) {
		return Identity3(), Vec3{}, false
	}

	A := mat.NewDense(n, 9, nil)
	for i := 0; i < n; i++ {
		x1, y1 := ptsA[i][0], ptsA[i][1]
		x2, y2 := ptsB[i][0], ptsB[i][1]
		A.SetRow(i, []float64{x2 * x1, x2 * y1, x2, y2 * x1, y2 * y1, y2, x1, y1, 1})
	}
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFull) {
		return Identity3(), Vec3{}, false
	}
	var V mat.Dense
	svd.VTo(&V)
	cols := V.RawMatrix().Cols
	e := make([]float64, 9)
	for i := 0; i < 9; i++ {
		e[i] = V.At(i, cols-1)
	}
	E := mat.NewDense(3, 3, e)

	var esvd mat.SVD
	if !esvd.Factorize(E, mat.SVDFull) {
		return Identity3(), Vec3{}, false
	}
	var U, Ve mat.Dense
	esvd.UTo(&U)
	esvd.VTo(&Ve)

	W := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	var R mat.Dense
	R.Mul(&U, W)
	R.Mul(&R, Ve.T())
	if mat.Det(&R) < 0 {
		R.Scale(-1, &R)
	}

	t := Vec3{X: U.At(0, 2), Y: U.At(1, 2), Z: U.At(2, 2)}
	return denseToMat3(&R), t, true
}

// GyroBiasSolve minimises ‖δq(Bg)⁻¹ ⊗ (R_w_bi⁻¹ R_w_bj)‖² over every
// adjacent frame pair using a linearised (Gauss-Newton, one step) normal
// equations solve on the pre-integration's rotation Jacobian block
// (spec.md §4.D step 5).
func GyroBiasSolve(rotations []Mat3, preints []*Preintegration) (Vec3, bool) {
	n := len(rotations) - 1
	if n < 1 || len(preints) < n {
		return Vec3{}, false
	}
	A := mat.NewDense(3, 3, nil)
	b := mat.NewVecDense(3, nil)
	for k := 0; k < n; k++ {
		pre := preints[k+1]
		if pre == nil {
			continue
		}
		measuredRel := QuatFromMat3(rotations[k]).Conj().Mul(QuatFromMat3(rotations[k+1]))
		residualQ := pre.DeltaQ.Conj().Mul(measuredRel)
		residual := LogSO3(residualQ)

		jBg := jacobian3x3(pre.Jacobian, 3, 12)
		var ata mat.Dense
		ata.Mul(jBg.T(), jBg)
		A.Add(A, &ata)
		var atb mat.VecDense
		rv := mat.NewVecDense(3, []float64{residual.X, residual.Y, residual.Z})
		atb.MulVec(jBg.T(), rv)
		b.AddVec(b, &atb)
	}
	var bg mat.VecDense
	if err := bg.SolveVec(A, b); err != nil {
		return Vec3{}, false
	}
	return Vec3{X: bg.AtVec(0), Y: bg.AtVec(1), Z: bg.AtVec(2)}, true
}

func jacobian3x3(j *mat.Dense, row, col int) *mat.Dense {
	d := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for k := 0; k < 3; k++ {
			d.Set(i, k, j.At(row+i, col+k))
		}
	}
	return d
}

// tangentBasis returns two vectors spanning the plane orthogonal to g,
// used to parameterise gravity refinement on its fixed-magnitude sphere
// (spec.md §4.D step 7).
func tangentBasis(g Vec3) (Vec3, Vec3) {
	norm := g.Scale(1.0 / g.Norm())
	var tmp Vec3
	if math.Abs(norm.X) > 0.9 {
		tmp = Vec3{0, 1, 0}
	} else {
		tmp = Vec3{1, 0, 0}
	}
	b1 := tmp.Sub(norm.Scale(norm.Dot(tmp)))
	b1 = b1.Scale(1.0 / b1.Norm())
	b2 := norm.Cross(b1)
	return b1, b2
}

// AlignmentFrame is one frame of the linear alignment that solves for
// per-frame body-frame velocities, gravity, and monocular scale using the
// pre-integration ΔP and ΔV constraints (spec.md §4.D step 6): the body
// rotation R_wb, the SfM translation, and the pre-integration block from
// the previous frame to this one (unused for the first frame).
type AlignmentFrame struct {
	Rwb  Mat3
	Pwb  Vec3 // SfM translation (arbitrary scale) of this frame
	Pre  *Preintegration
}

// LinearAlignmentResult carries the solved unknowns.
type LinearAlignmentResult struct {
	Velocities []Vec3
	Gravity    Vec3
	Scale      float64
}

// SolveLinearAlignment builds and solves the dense linear system
// described in spec.md §4.D step 6. tic is the extrinsic translation of
// camera 0.
func SolveLinearAlignment(frames []AlignmentFrame, tic Vec3, gravityMag float64) (LinearAlignmentResult, bool) {
	if len(frames) < 2 {
		return LinearAlignmentResult{}, false
	}
	return solveLinearAlignmentDense(frames, tic, gravityMag)
}

// solveLinearAlignmentDense is the straightforward (non-sparse) small
// least-squares assembly: stacks ΔP and ΔV constraints for every
// adjacent pair into one tall system and solves by normal equations.
func solveLinearAlignmentDense(frames []AlignmentFrame, tic Vec3, gravityMag float64) (LinearAlignmentResult, bool) {
	n := len(frames)
	numUnknowns := 3*n + 4 // v_0..v_{n-1}, g(3), scale
	numPairs := n - 1
	if numPairs < 1 {
		return LinearAlignmentResult{}, false
	}
	numRows := 6 * numPairs

	A := mat.NewDense(numRows, numUnknowns, nil)
	b := mat.NewVecDense(numRows, nil)

	gCol := 3 * n
	sCol := 3*n + 3

	for k := 0; k < numPairs; k++ {
		pre := frames[k+1].Pre
		if pre == nil {
			return LinearAlignmentResult{}, false
		}
		dt := pre.SumDt
		Rk := frames[k].Rwb
		rkT := Rk.Transpose()

		dp := frames[k+1].Pwb.Sub(frames[k].Pwb)
		dpInRk := rkT.MulVec(dp)

		rowBase := 6 * k
		vkCol := 3 * k

		for r := 0; r < 3; r++ {
			row := rowBase + r
			A.Set(row, vkCol+r, -dt)
			for c := 0; c < 3; c++ {
				A.Set(row, gCol+c, -0.5*dt*dt*rkT[r][c])
			}
			A.Set(row, sCol, []float64{dpInRk.X, dpInRk.Y, dpInRk.Z}[r])
			b.SetVec(row, []float64{pre.DeltaP.X, pre.DeltaP.Y, pre.DeltaP.Z}[r])
		}

		rowBase2 := rowBase + 3
		vNextCol := 3 * (k + 1)
		for r := 0; r < 3; r++ {
			row := rowBase2 + r
			A.Set(row, vkCol+r, -1)
			A.Set(row, vNextCol+r, 1)
			for c := 0; c < 3; c++ {
				A.Set(row, gCol+c, -dt*rkT[r][c])
			}
			b.SetVec(row, []float64{pre.DeltaV.X, pre.DeltaV.Y, pre.DeltaV.Z}[r])
		}
	}

	var At mat.Dense
	At.CloneFrom(A.T())
	var AtA mat.Dense
	AtA.Mul(&At, A)
	var Atb mat.VecDense
	Atb.MulVec(&At, b)

	var x mat.VecDense
	if err := x.SolveVec(&AtA, &Atb); err != nil {
		return LinearAlignmentResult{}, false
	}

	vels := make([]Vec3, n)
	for k := 0; k < n; k++ {
		vels[k] = Vec3{X: x.AtVec(3 * k), Y: x.AtVec(3*k + 1), Z: x.AtVec(3*k + 2)}
	}
	g := Vec3{X: x.AtVec(gCol), Y: x.AtVec(gCol + 1), Z: x.AtVec(gCol + 2)}
	scale := x.AtVec(sCol)

	if scale < 0 || math.IsNaN(scale) {
		return LinearAlignmentResult{}, false
	}
	if math.Abs(g.Norm()-gravityMag) > 1.0 {
		// Gross mismatch against the configured magnitude; caller's
		// refinement pass (RefineGravity) still runs, but step 6 alone
		// failed its sanity check.
		return LinearAlignmentResult{Velocities: vels, Gravity: g, Scale: scale}, false
	}
	return LinearAlignmentResult{Velocities: vels, Gravity: g, Scale: scale}, true
}

// RefineGravity re-solves the linear alignment three times, each time
// projecting g onto the sphere of fixed magnitude via the two tangent
// basis variables (spec.md §4.D step 7).
func RefineGravity(frames []AlignmentFrame, gInit Vec3, gravityMag float64) (LinearAlignmentResult, bool) {
	if gInit.Norm() < 1e-9 {
		return LinearAlignmentResult{}, false
	}
	g := gInit.Scale(gravityMag / gInit.Norm())
	var result LinearAlignmentResult
	for iter := 0; iter < 3; iter++ {
		b1, b2 := tangentBasis(g)
		res, ok := solveLinearAlignmentConstrained(frames, g, b1, b2, gravityMag)
		if !ok {
			return result, false
		}
		result = res
		g = res.Gravity.Scale(gravityMag / res.Gravity.Norm())
	}
	result.Gravity = g
	return result, true
}

// solveLinearAlignmentConstrained is one refinement pass: g is
// reparameterised as g0*|g| + b1*w1 + b2*w2 with only (w1, w2) free,
// matching spec.md §4.D step 7.
func solveLinearAlignmentConstrained(frames []AlignmentFrame, g0 Vec3, b1, b2 Vec3, gravityMag float64) (LinearAlignmentResult, bool) {
	n := len(frames)
	numPairs := n - 1
	if numPairs < 1 {
		return LinearAlignmentResult{}, false
	}
	numUnknowns := 3*n + 2 + 1 // velocities, (w1,w2), scale
	numRows := 6 * numPairs

	A := mat.NewDense(numRows, numUnknowns, nil)
	b := mat.NewVecDense(numRows, nil)
	wCol := 3 * n
	sCol := 3*n + 2
	gHat := g0.Scale(gravityMag / g0.Norm())

	for k := 0; k < numPairs; k++ {
		pre := frames[k+1].Pre
		if pre == nil {
			return LinearAlignmentResult{}, false
		}
		dt := pre.SumDt
		Rk := frames[k].Rwb
		rkT := Rk.Transpose()

		dp := frames[k+1].Pwb.Sub(frames[k].Pwb)
		dpInRk := rkT.MulVec(dp)
		gHatInRk := rkT.MulVec(gHat)
		b1InRk := rkT.MulVec(b1)
		b2InRk := rkT.MulVec(b2)

		rowBase := 6 * k
		vkCol := 3 * k
		for r := 0; r < 3; r++ {
			row := rowBase + r
			A.Set(row, vkCol+r, -dt)
			A.Set(row, wCol, -0.5*dt*dt*compAt(b1InRk, r))
			A.Set(row, wCol+1, -0.5*dt*dt*compAt(b2InRk, r))
			A.Set(row, sCol, compAt(dpInRk, r))
			b.SetVec(row, compAt(Vec3{pre.DeltaP.X, pre.DeltaP.Y, pre.DeltaP.Z}, r)+0.5*dt*dt*compAt(gHatInRk, r))
		}

		rowBase2 := rowBase + 3
		vNextCol := 3 * (k + 1)
		for r := 0; r < 3; r++ {
			row := rowBase2 + r
			A.Set(row, vkCol+r, -1)
			A.Set(row, vNextCol+r, 1)
			A.Set(row, wCol, -dt*compAt(b1InRk, r))
			A.Set(row, wCol+1, -dt*compAt(b2InRk, r))
			b.SetVec(row, compAt(Vec3{pre.DeltaV.X, pre.DeltaV.Y, pre.DeltaV.Z}, r)+dt*compAt(gHatInRk, r))
		}
	}

	var At mat.Dense
	At.CloneFrom(A.T())
	var AtA mat.Dense
	AtA.Mul(&At, A)
	var Atb mat.VecDense
	Atb.MulVec(&At, b)
	var x mat.VecDense
	if err := x.SolveVec(&AtA, &Atb); err != nil {
		return LinearAlignmentResult{}, false
	}

	vels := make([]Vec3, n)
	for k := 0; k < n; k++ {
		vels[k] = Vec3{X: x.AtVec(3 * k), Y: x.AtVec(3*k + 1), Z: x.AtVec(3*k + 2)}
	}
	w1, w2 := x.AtVec(wCol), x.AtVec(wCol+1)
	g := gHat.Add(b1.Scale(w1)).Add(b2.Scale(w2))
	scale := x.AtVec(sCol)
	return LinearAlignmentResult{Velocities: vels, Gravity: g, Scale: scale}, true
}

func compAt(v Vec3, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// ApplyScaleAndGravity realigns the window to a metric, gravity-aligned
// world frame (spec.md §4.D step 8): P_i <- s*P_i - R_i*tic0 - (s*P_0 -
// R_0*tic0), velocities rotated into world, world yaw pinned to zero at
// frame 0, gravity set to (0,0,-|g|).
func ApplyScaleAndGravity(poses []Pose, velsBody []Vec3, scale float64, g Vec3, tic0 Vec3, gravityMag float64) ([]Pose, []Vec3, Vec3) {
	n := len(poses)
	if n == 0 {
		return poses, velsBody, Vec3{0, 0, -gravityMag}
	}

	// Rotation that maps the anchor-aligned gravity direction onto
	// world -z, used to remove the initial arbitrary yaw/pitch/roll.
	r0 := gravityAlignRotation(g)

	shift := poses[0].P.Scale(scale).Sub(poses[0].Q.Rotate(tic0))
	outPoses := make([]Pose, n)
	outVels := make([]Vec3, n)
	for i := 0; i < n; i++ {
		p := poses[i].P.Scale(scale).Sub(poses[i].Q.Rotate(tic0)).Sub(shift)
		p = r0.MulVec(p)
		q := QuatFromMat3(r0.Mul(poses[i].Q.ToMat3()))
		outPoses[i] = Pose{P: p, Q: q}
		outVels[i] = r0.MulVec(poses[i].Q.Rotate(velsBody[i]))
	}

	// Pin frame 0's yaw to zero.
	yaw0 := Yaw(outPoses[0].Q)
	fix := DeltaYawQuat(0, yaw0)
	fixR := fix.ToMat3()
	for i := 0; i < n; i++ {
		outPoses[i].P = fixR.MulVec(outPoses[i].P)
		outPoses[i].Q = fix.Mul(outPoses[i].Q).Normalize()
		outVels[i] = fixR.MulVec(outVels[i])
	}

	return outPoses, outVels, Vec3{0, 0, -gravityMag}
}

// gravityAlignRotation returns the rotation mapping g onto -z.
func gravityAlignRotation(g Vec3) Mat3 {
	gn := g.Scale(1.0 / g.Norm())
	target := Vec3{0, 0, -1}
	axis := gn.Cross(target)
	sinA := axis.Norm()
	cosA := gn.Dot(target)
	if sinA < 1e-9 {
		if cosA > 0 {
			return Identity3()
		}
		return Mat3{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}}
	}
	axisN := axis.Scale(1.0 / sinA)
	angle := math.Atan2(sinA, cosA)
	return ExpSO3(axisN.Scale(angle)).ToMat3()
}
