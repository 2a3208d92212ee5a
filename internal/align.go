package internal

import (
	"gonum.org/v1/gonum/mat"
)

// RigidAlignSE3 aligns a source point set onto a target point set by
// least squares, generalising the teacher's 2D Procrustes alignment
// (rotation + scale + translation via SVD of the cross-covariance
// matrix) to 3D. Its callers are tests that compare a recovered
// trajectory against ground truth up to the unobservable
// yaw/translation gauge; the initialiser's frame realignment
// (ApplyScaleAndGravity) applies its own yaw rotation and does not call
// it.
//
// Returns the aligned source points, the rotation applied, and the
// scale factor (1.0 when useScale is false, appropriate for comparing
// two already-metric trajectories).
func RigidAlignSE3(source, target []Vec3, useScale bool) ([]Vec3, Mat3, float64) {
	n := len(source)
	if n == 0 || n != len(target) {
		return nil, Identity3(), 1
	}

	cs := centroid3(source)
	ct := centroid3(target)
	centeredSource := center3(source, cs)
	centeredTarget := center3(target, ct)

	H := crossCovariance3(centeredSource, centeredTarget)

	var svd mat.SVD
	svd.Factorize(H, mat.SVDThin)
	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)
	S := svd.Values(nil)

	var R mat.Dense
	R.Mul(&V, U.T())

	if mat.Det(&R) < 0 {
		// Reflection case: flip the sign of the smallest singular
		// vector's contribution, mirroring the teacher's 2D handling.
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var Vcorrected mat.Dense
		Vcorrected.Mul(&V, d)
		R.Mul(&Vcorrected, U.T())
		S[len(S)-1] = -S[len(S)-1]
	}

	scale := 1.0
	if useScale {
		var sumS float64
		for _, v := range S {
			sumS += v
		}
		var varSource float64
		for _, p := range centeredSource {
			varSource += p.Dot(p)
		}
		if varSource > 1e-12 {
			scale = sumS / varSource
		}
	}

	rot := denseToMat3(&R)
	aligned := make([]Vec3, n)
	for i, p := range centeredSource {
		aligned[i] = rot.MulVec(p).Scale(scale).Add(ct)
	}
	return aligned, rot, scale
}

func centroid3(points []Vec3) Vec3 {
	var sum Vec3
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Scale(1.0 / float64(len(points)))
}

func center3(points []Vec3, c Vec3) []Vec3 {
	out := make([]Vec3, len(points))
	for i, p := range points {
		out[i] = p.Sub(c)
	}
	return out
}

// crossCovariance3 computes H = sum(source_i * target_i^T), a 3x3
// matrix, matching the teacher's computeCovarianceMatrix generalised
// from 2 to 3 dimensions.
func crossCovariance3(source, target []Vec3) *mat.Dense {
	n := len(source)
	H := mat.NewDense(3, 3, nil)
	if n == 0 || n != len(target) {
		return H
	}
	for i := 0; i < n; i++ {
		s := [3]float64{source[i].X, source[i].Y, source[i].Z}
		t := [3]float64{target[i].X, target[i].Y, target[i].Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				H.Set(r, c, H.At(r, c)+s[r]*t[c])
			}
		}
	}
	return H
}

func denseToMat3(d *mat.Dense) Mat3 {
	var m Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = d.At(i, j)
		}
	}
	return m
}
