package internal

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Problem is one fully-assembled bundle-adjustment problem: the active
// parameter blocks for the current window plus every factor that
// touches them (spec.md §4.E). NewProblem/Solve are invoked once per
// image tick while the solver flag is SolverNonLinear.
type Problem struct {
	cfg Config

	Poses   []Pose
	SBs     []SpeedBias
	Preints []*Preintegration // Preints[i] integrates slot i-1 -> slot i
	Exts    []Extrinsic
	Td      float64

	DepthIDs  []int
	InvDepths []float64

	obsByDepth map[int][]depthObservation

	optimizeExt bool
	optimizeTd  bool

	Prior *PriorFactor
}

type depthObservation struct {
	hostFrame, targetFrame int
	factor                 ProjFactor
}

// NewProblem snapshots the sliding window and landmark set into a
// solvable Problem. Frame 0's pose is never optimised directly (spec.md
// Design Notes gauge freedom discussion): removing it from the unknown
// vector is a simplification of the usual post-hoc yaw-only gauge fix,
// and is equivalent to it up to the translation/yaw nullspace that the
// marginalisation prior already constrains.
func NewProblem(cfg Config, window *SlidingWindow, fm *FeatureManager, exts []Extrinsic, td float64, prior *PriorFactor) *Problem {
	n := window.Count + 1
	if n > len(window.Slots) {
		n = len(window.Slots)
	}
	if n < 1 {
		n = 1
	}

	p := &Problem{
		cfg:        cfg,
		Exts:       append([]Extrinsic(nil), exts...),
		Td:         td,
		obsByDepth: make(map[int][]depthObservation),
		Prior:      prior,
	}
	for i := 0; i < n; i++ {
		p.Poses = append(p.Poses, window.Slots[i].Pose)
		p.SBs = append(p.SBs, window.Slots[i].SB)
		p.Preints = append(p.Preints, window.Slots[i].Pre)
	}

	normV0 := window.Slots[0].SB.V.Norm()
	p.optimizeExt = cfg.ExtrinsicEstimate != ExtrinsicFixed && window.Full() && normV0 > 0.2
	p.optimizeTd = cfg.EstimateTd && window.Full() && normV0 > 0.2

	sqrtInfo := sqrtInfoVision(cfg.FocalLength)

	for id, lm := range fm.Landmarks() {
		if lm.Status != StatusOK || len(lm.Observations) < 4 {
			continue
		}
		host := lm.StartFrame
		if host >= n {
			continue
		}
		p.DepthIDs = append(p.DepthIDs, id)
		p.InvDepths = append(p.InvDepths, lm.EstimatedInverseDepth)

		hostObs := lm.Observations[0]
		for oi, obs := range lm.Observations {
			target := host + obs.FrameOffset
			if target >= n {
				continue
			}
			if oi == 0 {
				if obs.HasRight && cfg.Stereo {
					f := ProjFactor{
						Kind: FactorProjOneFrameTwoCam,
						HostObs: hostObs.LeftXYNorm, HostVel: hostObs.LeftPixelVel, HostTd: hostObs.ObservationTd,
						TargetObs: obs.RightXYNorm, TargetVel: obs.RightPixelVel, TargetTd: obs.ObservationTd,
						SqrtInfo: sqrtInfo,
					}
					p.obsByDepth[id] = append(p.obsByDepth[id], depthObservation{hostFrame: host, targetFrame: host, factor: f})
				}
				continue
			}

			f := ProjFactor{
				Kind: FactorProjTwoFrameOneCam,
				HostObs: hostObs.LeftXYNorm, HostVel: hostObs.LeftPixelVel, HostTd: hostObs.ObservationTd,
				TargetObs: obs.LeftXYNorm, TargetVel: obs.LeftPixelVel, TargetTd: obs.ObservationTd,
				SqrtInfo: sqrtInfo,
			}
			p.obsByDepth[id] = append(p.obsByDepth[id], depthObservation{hostFrame: host, targetFrame: target, factor: f})

			if obs.HasRight && cfg.Stereo {
				f2 := ProjFactor{
					Kind: FactorProjTwoFrameTwoCam,
					HostObs: hostObs.LeftXYNorm, HostVel: hostObs.LeftPixelVel, HostTd: hostObs.ObservationTd,
					TargetObs: obs.RightXYNorm, TargetVel: obs.RightPixelVel, TargetTd: obs.ObservationTd,
					SqrtInfo: sqrtInfo,
				}
				p.obsByDepth[id] = append(p.obsByDepth[id], depthObservation{hostFrame: host, targetFrame: target, factor: f2})
			}
		}
	}
	return p
}

// residual concatenates every active factor's residual in a fixed order:
// IMU links, then reprojection factors grouped by landmark, then the
// marginalisation prior (spec.md §4.E).
func (p *Problem) residual(poses []Pose, sbs []SpeedBias, exts []Extrinsic, td float64, invDepths []float64) []float64 {
	var out []float64
	if p.cfg.UseIMU {
		maxSumDt := float64(p.cfg.PreintegrationMaxSumDt) / float64(time.Second)
		for i := 1; i < len(poses); i++ {
			pre := p.Preints[i]
			if pre == nil || pre.Disabled(maxSumDt) {
				out = append(out, make([]float64, 15)...)
				continue
			}
			r := pre.Evaluate(poses[i-1], sbs[i-1], poses[i], sbs[i], Vec3{X: 0, Y: 0, Z: -p.cfg.Gravity})
			out = append(out, r[:]...)
		}
	}

	for idx, id := range p.DepthIDs {
		invD := invDepths[idx]
		for _, ob := range p.obsByDepth[id] {
			f := ob.factor
			var res [2]float64
			switch f.Kind {
			case FactorProjTwoFrameOneCam:
				res = f.EvaluateTwoFrameOneCam(poses[ob.hostFrame], poses[ob.targetFrame], exts[0], invD, td)
			case FactorProjTwoFrameTwoCam:
				ext1 := exts[0]
				if len(exts) > 1 {
					ext1 = exts[1]
				}
				res = f.EvaluateTwoFrameTwoCam(poses[ob.hostFrame], poses[ob.targetFrame], exts[0], ext1, invD, td)
			case FactorProjOneFrameTwoCam:
				ext1 := exts[0]
				if len(exts) > 1 {
					ext1 = exts[1]
				}
				res = f.EvaluateOneFrameTwoCam(exts[0], ext1, invD, td)
			}
			w := huberWeight(math.Hypot(res[0], res[1]), 1.0)
			out = append(out, res[0]*w, res[1]*w)
		}
	}

	if p.Prior != nil {
		deltas := priorTangentDeltas(p.Prior, poses[0], sbs[0])
		out = append(out, p.Prior.Evaluate(deltas)...)
	}
	return out
}

// priorTangentDeltas computes the 15-wide tangent offset of (pose, sb)
// from the marginalisation prior's linearisation point, in the
// [dP dQ dV dBa dBg] ordering Marginalize uses to build the prior.
func priorTangentDeltas(pf *PriorFactor, pose Pose, sb SpeedBias) []float64 {
	lp := pf.LinearizationPoint
	p0 := Vec3{X: lp[0][0], Y: lp[0][1], Z: lp[0][2]}
	q0 := Quat{W: lp[1][0], X: lp[1][1], Y: lp[1][2], Z: lp[1][3]}
	v0 := Vec3{X: lp[2][0], Y: lp[2][1], Z: lp[2][2]}
	ba0 := Vec3{X: lp[3][0], Y: lp[3][1], Z: lp[3][2]}
	bg0 := Vec3{X: lp[4][0], Y: lp[4][1], Z: lp[4][2]}

	dP := pose.P.Sub(p0)
	dQ := LogSO3(q0.Conj().Mul(pose.Q))
	dV := sb.V.Sub(v0)
	dBa := sb.Ba.Sub(ba0)
	dBg := sb.Bg.Sub(bg0)

	return []float64{dP.X, dP.Y, dP.Z, dQ.X, dQ.Y, dQ.Z, dV.X, dV.Y, dV.Z, dBa.X, dBa.Y, dBa.Z, dBg.X, dBg.Y, dBg.Z}
}

// layout assigns each active parameter block a column offset in the
// global tangent vector, or -1 when the block is held fixed.
type layout struct {
	poseOff  []int
	sbOff    []int
	extOff   []int
	tdOff    int
	depthOff []int
	dim      int
}

func (p *Problem) buildLayout() *layout {
	l := &layout{
		poseOff:  make([]int, len(p.Poses)),
		sbOff:    make([]int, len(p.SBs)),
		extOff:   make([]int, len(p.Exts)),
		depthOff: make([]int, len(p.InvDepths)),
	}
	col := 0
	for i := range p.Poses {
		if i == 0 {
			l.poseOff[i] = -1
			continue
		}
		l.poseOff[i] = col
		col += 6
	}
	for i := range p.SBs {
		if !p.cfg.UseIMU {
			l.sbOff[i] = -1
			continue
		}
		l.sbOff[i] = col
		col += 9
	}
	for i := range p.Exts {
		if !p.optimizeExt {
			l.extOff[i] = -1
			continue
		}
		l.extOff[i] = col
		col += 6
	}
	if p.optimizeTd {
		l.tdOff = col
		col++
	} else {
		l.tdOff = -1
	}
	for i := range p.InvDepths {
		l.depthOff[i] = col
		col++
	}
	l.dim = col
	return l
}

func (l *layout) apply(p *Problem, x []float64) ([]Pose, []SpeedBias, []Extrinsic, float64, []float64) {
	poses := append([]Pose(nil), p.Poses...)
	sbs := append([]SpeedBias(nil), p.SBs...)
	exts := append([]Extrinsic(nil), p.Exts...)
	invDepths := append([]float64(nil), p.InvDepths...)
	td := p.Td

	for i, off := range l.poseOff {
		if off < 0 {
			continue
		}
		var d [6]float64
		copy(d[:], x[off:off+6])
		poses[i] = poses[i].Plus(d)
	}
	for i, off := range l.sbOff {
		if off < 0 {
			continue
		}
		sbs[i] = SpeedBias{
			V:  sbs[i].V.Add(Vec3{X: x[off], Y: x[off+1], Z: x[off+2]}),
			Ba: sbs[i].Ba.Add(Vec3{X: x[off+3], Y: x[off+4], Z: x[off+5]}),
			Bg: sbs[i].Bg.Add(Vec3{X: x[off+6], Y: x[off+7], Z: x[off+8]}),
		}
	}
	for i, off := range l.extOff {
		if off < 0 {
			continue
		}
		dt := Vec3{X: x[off], Y: x[off+1], Z: x[off+2]}
		dq := ExpSO3(Vec3{X: x[off+3], Y: x[off+4], Z: x[off+5]})
		exts[i] = Extrinsic{Tic: exts[i].Tic.Add(dt), Ric: exts[i].Ric.Mul(dq).Normalize()}
	}
	if l.tdOff >= 0 {
		td += x[l.tdOff]
	}
	for i, off := range l.depthOff {
		invDepths[i] += x[off]
	}
	return poses, sbs, exts, td, invDepths
}

// Solve runs a Levenberg-Marquardt refinement over every active
// parameter block, capped by Config.NumIterations and
// Config.SolverTime (spec.md §4.E). Jacobians are obtained by central
// differencing the manifold residual function rather than hand-derived
// analytically, matching the approach already used by the IMU factor
// (see preintegration.go); see DESIGN.md for the rationale.
func (p *Problem) Solve() {
	l := p.buildLayout()
	if l.dim == 0 {
		return
	}
	deadline := time.Now().Add(p.cfg.SolverTime)
	lambda := 1e-3

	residualAt := func(x []float64) []float64 {
		poses, sbs, exts, td, invDepths := l.apply(p, x)
		return p.residual(poses, sbs, exts, td, invDepths)
	}

	x := make([]float64, l.dim)
	r0 := residualAt(x)
	cost0 := sumSquares(r0)

	for iter := 0; iter < p.cfg.NumIterations; iter++ {
		if time.Now().After(deadline) {
			break
		}
		J := numericJacobianAt(residualAt, x, len(r0))
		var Jt mat.Dense
		Jt.CloneFrom(J.T())
		var H mat.Dense
		H.Mul(&Jt, J)
		for i := 0; i < l.dim; i++ {
			H.Set(i, i, H.At(i, i)*(1+lambda))
		}
		rv := mat.NewVecDense(len(r0), append([]float64(nil), r0...))
		var g mat.VecDense
		g.MulVec(&Jt, rv)
		g.ScaleVec(-1, &g)

		var dx mat.VecDense
		if err := dx.SolveVec(&H, &g); err != nil {
			lambda *= 10
			continue
		}

		xTry := make([]float64, l.dim)
		for i := range xTry {
			xTry[i] = x[i] + dx.AtVec(i)
		}
		rTry := residualAt(xTry)
		costTry := sumSquares(rTry)
		if costTry < cost0 {
			x = xTry
			r0 = rTry
			cost0 = costTry
			lambda = math.Max(lambda/10, 1e-12)
		} else {
			lambda *= 10
		}
	}

	poses, sbs, exts, td, invDepths := l.apply(p, x)
	p.Poses = poses
	p.SBs = sbs
	p.Exts = exts
	p.Td = td
	p.InvDepths = invDepths
}

func numericJacobianAt(fn func([]float64) []float64, x0 []float64, rows int) *mat.Dense {
	dim := len(x0)
	J := mat.NewDense(rows, dim, nil)
	const eps = 1e-6
	for j := 0; j < dim; j++ {
		xp := append([]float64(nil), x0...)
		xm := append([]float64(nil), x0...)
		xp[j] += eps
		xm[j] -= eps
		rp := fn(xp)
		rm := fn(xm)
		for i := 0; i < rows; i++ {
			J.Set(i, j, (rp[i]-rm[i])/(2*eps))
		}
	}
	return J
}

func sumSquares(v []float64) float64 {
	return floats.Dot(v, v)
}

// applyFrameDelta retracts a 15-wide [dP dQ dV dBa dBg] tangent delta
// onto a (pose, speed-bias) pair.
func applyFrameDelta(pose Pose, sb SpeedBias, delta [15]float64) (Pose, SpeedBias) {
	var d6 [6]float64
	copy(d6[:], delta[0:6])
	newPose := pose.Plus(d6)
	newSB := SpeedBias{
		V:  sb.V.Add(Vec3{X: delta[6], Y: delta[7], Z: delta[8]}),
		Ba: sb.Ba.Add(Vec3{X: delta[9], Y: delta[10], Z: delta[11]}),
		Bg: sb.Bg.Add(Vec3{X: delta[12], Y: delta[13], Z: delta[14]}),
	}
	return newPose, newSB
}

// Marginalize eliminates the dropped frame's pose+speed-bias block via
// the Schur complement over its IMU link to the kept frame (plus any
// existing prior anchored on the dropped frame), producing a new
// PriorFactor anchored on the kept frame (spec.md §4.E
// "Marginalization"). Reprojection factors hosted at the dropped frame
// are instead handled by the feature manager's re-hosting step
// (feature.go SlideWindowOld), which keeps this elimination a fixed
// 30x30 dense problem regardless of how many landmarks are tracked.
func Marginalize(droppedPose Pose, droppedSB SpeedBias, keptPose Pose, keptSB SpeedBias, pre *Preintegration, gravity Vec3, oldPrior *PriorFactor) *PriorFactor {
	if pre == nil {
		return oldPrior
	}

	residualFn := func(x []float64) []float64 {
		var dd, dk [15]float64
		copy(dd[:], x[0:15])
		copy(dk[:], x[15:30])
		dp, dsb := applyFrameDelta(droppedPose, droppedSB, dd)
		kp, ksb := applyFrameDelta(keptPose, keptSB, dk)
		r := pre.Evaluate(dp, dsb, kp, ksb, gravity)
		out := append([]float64{}, r[:]...)
		if oldPrior != nil {
			out = append(out, oldPrior.Evaluate(dd[:])...)
		}
		return out
	}

	x0 := make([]float64, 30)
	r0 := residualFn(x0)
	J := numericJacobianAt(residualFn, x0, len(r0))

	var Jt mat.Dense
	Jt.CloneFrom(J.T())
	var H mat.Dense
	H.Mul(&Jt, J)
	rv := mat.NewVecDense(len(r0), append([]float64(nil), r0...))
	var b mat.VecDense
	b.MulVec(&Jt, rv)
	b.ScaleVec(-1, &b)

	var Hdd, Hdk, Hkd, Hkk mat.Dense
	Hdd.CloneFrom(H.Slice(0, 15, 0, 15))
	Hdk.CloneFrom(H.Slice(0, 15, 15, 30))
	Hkd.CloneFrom(H.Slice(15, 30, 0, 15))
	Hkk.CloneFrom(H.Slice(15, 30, 15, 30))
	for i := 0; i < 15; i++ {
		Hdd.Set(i, i, Hdd.At(i, i)+1e-9)
	}

	var HddInv mat.Dense
	if err := HddInv.Inverse(&Hdd); err != nil {
		return oldPrior
	}

	bd := b.SliceVec(0, 15)
	bk := b.SliceVec(15, 30)
	bdVec := mat.NewVecDense(15, nil)
	bkVec := mat.NewVecDense(15, nil)
	for i := 0; i < 15; i++ {
		bdVec.SetVec(i, bd.AtVec(i))
		bkVec.SetVec(i, bk.AtVec(i))
	}

	var tmp, schurH mat.Dense
	tmp.Mul(&Hkd, &HddInv)
	schurH.Mul(&tmp, &Hdk)
	schurH.Sub(&Hkk, &schurH)

	var HddInvBd mat.VecDense
	HddInvBd.MulVec(&HddInv, bdVec)
	var corr mat.VecDense
	corr.MulVec(&Hkd, &HddInvBd)
	var schurB mat.VecDense
	schurB.SubVec(bkVec, &corr)

	sym := mat.NewSymDense(15, nil)
	for i := 0; i < 15; i++ {
		for j := 0; j < 15; j++ {
			sym.SetSym(i, j, schurH.At(i, j))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return oldPrior
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	sqrtD := make([]float64, 15)
	for i, v := range vals {
		if v < 1e-9 {
			v = 1e-9
		}
		sqrtD[i] = math.Sqrt(v)
	}

	jacOut := make([][]float64, 15)
	for i := 0; i < 15; i++ {
		row := make([]float64, 15)
		for j := 0; j < 15; j++ {
			row[j] = sqrtD[i] * vecs.At(j, i)
		}
		jacOut[i] = row
	}

	var vtB mat.VecDense
	vtB.MulVec(vecs.T(), &schurB)
	rp := make([]float64, 15)
	for i := 0; i < 15; i++ {
		rp[i] = vtB.AtVec(i) / sqrtD[i]
	}

	return &PriorFactor{
		LinearizedJacobian: jacOut,
		LinearizedResidual: rp,
		KeepBlockSizes:     []int{3, 3, 3, 3, 3},
		LinearizationPoint: [][]float64{
			{keptPose.P.X, keptPose.P.Y, keptPose.P.Z},
			{keptPose.Q.W, keptPose.Q.X, keptPose.Q.Y, keptPose.Q.Z},
			{keptSB.V.X, keptSB.V.Y, keptSB.V.Z},
			{keptSB.Ba.X, keptSB.Ba.Y, keptSB.Ba.Z},
			{keptSB.Bg.X, keptSB.Bg.Y, keptSB.Bg.Z},
		},
	}
}
