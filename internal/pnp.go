package internal

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SolvePnP refines a camera pose from 3D-2D correspondences by damped
// Gauss-Newton on the reprojection residual, used by the initialiser to
// place non-keyframe frames against the SfM point cloud (spec.md §4.D
// step 4). Requires at least 6 correspondences; guess seeds the solve
// (the nearest window frame's pose, per the spec).
func SolvePnP(world []Vec3, obs [][2]float64, guess Pose, ext Extrinsic) (Pose, bool) {
	const minCorrespondences = 6
	if len(world) < minCorrespondences || len(world) != len(obs) {
		return guess, false
	}

	residual := func(pose Pose) ([]float64, bool) {
		out := make([]float64, 0, 2*len(world))
		for i, w := range world {
			body := pose.Q.Conj().Rotate(w.Sub(pose.P))
			cam := ext.Ric.Conj().Rotate(body.Sub(ext.Tic))
			if cam.Z < 1e-6 {
				return nil, false
			}
			out = append(out, cam.X/cam.Z-obs[i][0], cam.Y/cam.Z-obs[i][1])
		}
		return out, true
	}

	pose := guess
	for iter := 0; iter < 10; iter++ {
		r0, ok := residual(pose)
		if !ok {
			return guess, false
		}

		const eps = 1e-6
		rows := len(r0)
		J := mat.NewDense(rows, 6, nil)
		for j := 0; j < 6; j++ {
			var dp, dm [6]float64
			dp[j] = eps
			dm[j] = -eps
			rp, okP := residual(pose.Plus(dp))
			rm, okM := residual(pose.Plus(dm))
			if !okP || !okM {
				return guess, false
			}
			for i := 0; i < rows; i++ {
				J.Set(i, j, (rp[i]-rm[i])/(2*eps))
			}
		}

		var Jt mat.Dense
		Jt.CloneFrom(J.T())
		var H mat.Dense
		H.Mul(&Jt, J)
		for i := 0; i < 6; i++ {
			H.Set(i, i, H.At(i, i)+1e-9)
		}
		rv := mat.NewVecDense(rows, r0)
		var g mat.VecDense
		g.MulVec(&Jt, rv)
		g.ScaleVec(-1, &g)

		var dx mat.VecDense
		if err := dx.SolveVec(&H, &g); err != nil {
			return guess, false
		}

		var step [6]float64
		var stepNorm float64
		for i := 0; i < 6; i++ {
			step[i] = dx.AtVec(i)
			stepNorm += step[i] * step[i]
		}
		pose = pose.Plus(step)
		if math.Sqrt(stepNorm) < 1e-10 {
			break
		}
	}

	r, ok := residual(pose)
	if !ok {
		return guess, false
	}
	var cost float64
	for _, v := range r {
		cost += v * v
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return guess, false
	}
	return pose, true
}
