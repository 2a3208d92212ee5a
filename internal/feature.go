package internal

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// FeatureManager tracks landmarks across the sliding window: keyframe
// decision, triangulation, outlier removal, and window-slide bookkeeping
// (spec.md §4.B).
type FeatureManager struct {
	cfg       Config
	landmarks map[int]*Landmark
	cloud     *LandmarkCloud
}

// NewFeatureManager builds an empty feature manager.
func NewFeatureManager(cfg Config) *FeatureManager {
	return &FeatureManager{
		cfg:       cfg,
		landmarks: make(map[int]*Landmark),
		cloud:     NewLandmarkCloud(),
	}
}

// Landmarks exposes the live landmark set (read-only use by the
// optimiser/initialiser).
func (fm *FeatureManager) Landmarks() map[int]*Landmark { return fm.landmarks }

// Cloud exposes the 3D landmark index for the initialiser's PnP
// correspondence search.
func (fm *FeatureManager) Cloud() *LandmarkCloud { return fm.cloud }

// AddFeatureCheckKeyframe folds a new image's observations into the
// landmark set at window slot frameCount, and decides MARGIN_OLD vs
// MARGIN_SECOND_NEW for the upcoming window slide (spec.md §4.B
// "Keyframe test").
func (fm *FeatureManager) AddFeatureCheckKeyframe(frameCount int, img0, img1 FeatureFrame) MarginFlag {
	var parallaxSum float64
	var parallaxCount int

	for featureID, pts := range img0 {
		obs := Observation{FrameOffset: 0}
		for _, p := range pts {
			obs.LeftXYNorm = p.NormXY
			obs.LeftPixel = p.PixelXY
			obs.LeftPixelVel = p.PixelVel
		}
		if right, ok := img1[featureID]; ok {
			obs.HasRight = true
			for _, p := range right {
				obs.RightXYNorm = p.NormXY
				obs.RightPixel = p.PixelXY
				obs.RightPixelVel = p.PixelVel
			}
		}

		lm, exists := fm.landmarks[featureID]
		if !exists {
			lm = &Landmark{FeatureID: featureID, StartFrame: frameCount, Status: StatusUninitialised}
			fm.landmarks[featureID] = lm
		}
		obs.FrameOffset = frameCount - lm.StartFrame
		lm.Observations = append(lm.Observations, obs)

		if lm.StartFrame <= frameCount-2 && len(lm.Observations) >= 3 {
			newest := lm.Observations[len(lm.Observations)-1]
			secondNewest := lm.Observations[len(lm.Observations)-2]
			parallaxSum += compensatedParallax(secondNewest, newest)
			parallaxCount++
		}
	}

	if frameCount < 2 || parallaxCount < fm.cfg.MinTrackedForKeyframe {
		return MarginOld
	}
	avgParallax := parallaxSum / float64(parallaxCount)
	if avgParallax >= fm.cfg.KeyframeParallaxThreshold {
		return MarginOld
	}
	return MarginSecondNew
}

// compensatedParallax is the 2D displacement between two observations
// of the same landmark in the undistorted normalised plane (spec.md
// §4.B): a plain Euclidean distance, uncompensated, matching the
// original's use of the raw norm.
func compensatedParallax(a, b Observation) float64 {
	dx := a.LeftXYNorm[0] - b.LeftXYNorm[0]
	dy := a.LeftXYNorm[1] - b.LeftXYNorm[1]
	return math.Hypot(dx, dy)
}

// Triangulate solves for the inverse depth of every landmark with ≥2
// observations that is not yet initialised, using a linear DLT/SVD
// system over the left-camera observations across frames (spec.md §4.B
// "Triangulation"), generalising the teacher's 2D rigid-alignment SVD
// use (procrustes.go, now align.go) to a multi-view triangulation SVD.
func (fm *FeatureManager) Triangulate(poses []Pose, ext Extrinsic) {
	fm.triangulate(poses, ext, nil)
}

// TriangulateStereo additionally folds each frame's right-camera
// observation into the linear system (left/right within a frame for
// stereo, spec.md §4.B), so landmarks gain metric depth from the stereo
// baseline even before any translation parallax exists.
func (fm *FeatureManager) TriangulateStereo(poses []Pose, ext0, ext1 Extrinsic) {
	fm.triangulate(poses, ext0, &ext1)
}

func (fm *FeatureManager) triangulate(poses []Pose, ext Extrinsic, ext1 *Extrinsic) {
	for _, lm := range fm.landmarks {
		if lm.Status != StatusUninitialised {
			continue
		}
		if len(lm.Observations) == 0 {
			continue
		}
		if len(lm.Observations) < 2 && (ext1 == nil || !lm.Observations[0].HasRight) {
			continue
		}
		if lm.StartFrame >= len(poses) {
			continue
		}
		depth, ok := triangulateLandmark(lm, poses, ext, ext1)
		if !ok || !TriangulationDepthPlausible(depth) {
			continue
		}
		lm.EstimatedInverseDepth = 1.0 / depth
		lm.Status = StatusOK

		hostPose := poses[lm.StartFrame]
		camPoint := liftToHostFrame(lm.Observations[0].LeftXYNorm, lm.EstimatedInverseDepth)
		bodyPoint := ext.Ric.Rotate(camPoint).Add(ext.Tic)
		worldPoint := hostPose.Q.Rotate(bodyPoint).Add(hostPose.P)
		fm.cloud.Add(lm.FeatureID, worldPoint)
	}
}

// triangulateLandmark builds and solves the classic DLT system: for
// each observing camera, two rows enforce x*P_row3 - P_row1 = 0 and
// y*P_row3 - P_row2 = 0 where P is the 3x4 camera projection matrix
// expressed in the host frame; the right singular vector for the
// smallest singular value is the homogeneous 3D point. ext1 non-nil
// adds each frame's right-camera observation as two more rows.
func triangulateLandmark(lm *Landmark, poses []Pose, ext Extrinsic, ext1 *Extrinsic) (float64, bool) {
	hostPose := poses[lm.StartFrame]

	rows := make([][4]float64, 0, len(lm.Observations)*2)
	addRows := func(targetPose Pose, targetExt Extrinsic, xy [2]float64) {
		R, t := relativeCamTransform(hostPose, ext, targetPose, targetExt)
		x, y := xy[0], xy[1]
		rows = append(rows, [4]float64{
			x*R[2][0] - R[0][0], x*R[2][1] - R[0][1], x*R[2][2] - R[0][2], x*t.Z - t.X,
		})
		rows = append(rows, [4]float64{
			y*R[2][0] - R[1][0], y*R[2][1] - R[1][1], y*R[2][2] - R[1][2], y*t.Z - t.Y,
		})
	}

	for _, obs := range lm.Observations {
		frameIdx := lm.StartFrame + obs.FrameOffset
		if frameIdx >= len(poses) {
			continue
		}
		targetPose := poses[frameIdx]
		addRows(targetPose, ext, obs.LeftXYNorm)
		if ext1 != nil && obs.HasRight {
			addRows(targetPose, *ext1, obs.RightXYNorm)
		}
	}
	if len(rows) < 4 {
		return 0, false
	}

	data := make([]float64, len(rows)*4)
	for i, r := range rows {
		copy(data[i*4:i*4+4], r[:])
	}
	A := mat.NewDense(len(rows), 4, data)
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFull) {
		return 0, false
	}
	var V mat.Dense
	svd.VTo(&V)
	n := V.RawMatrix().Cols
	hz, hw := V.At(2, n-1), V.At(3, n-1)
	if math.Abs(hw) < 1e-9 {
		return 0, false
	}
	return hz / hw, true
}

// relativeCamTransform returns the rotation and translation of the
// transform taking host-camera points to target-camera points, where
// host and target may be different cameras of different frames.
func relativeCamTransform(hostPose Pose, hostExt Extrinsic, targetPose Pose, targetExt Extrinsic) (Mat3, Vec3) {
	hostCamWorld := hostPose.P.Add(hostPose.Q.Rotate(hostExt.Tic))
	targetCamWorld := targetPose.P.Add(targetPose.Q.Rotate(targetExt.Tic))
	hostCamQWorld := hostPose.Q.Mul(hostExt.Ric)
	targetCamQWorld := targetPose.Q.Mul(targetExt.Ric)
	R := targetCamQWorld.Conj().Mul(hostCamQWorld).ToMat3()
	t := targetCamQWorld.Conj().Rotate(hostCamWorld.Sub(targetCamWorld))
	return R, t
}

// ReprojStats bundles a landmark's mean reprojection error in pixels
// with the raw per-observation pixel residual vectors, for
// RemoveOutliers' two-stage gate.
type ReprojStats struct {
	AvgPx       float64
	ResidualsPx [][2]float64
}

// RemoveOutliers drops landmarks whose average reprojection error
// exceeds the configured pixel threshold (spec.md §4.B/§4.E). Landmarks
// that pass the average-error gate are still checked against the
// geometric consistency gate (fusion.go LandmarkConsistencyAlpha): a
// landmark whose observations agree with each other needs an alpha
// close to 1, while one dominated by a single bad view needs a much
// larger alpha even if the mean error stays under threshold.
func (fm *FeatureManager) RemoveOutliers(stats map[int]ReprojStats) []int {
	noise := NewUncertainty(fm.cfg.OutlierReprojectionPx/3.0, 1.0).Estimate()
	var removed []int
	for id, st := range stats {
		outlier := st.AvgPx > fm.cfg.OutlierReprojectionPx
		if !outlier && len(st.ResidualsPx) >= 2 {
			zeros := make([][2]float64, len(st.ResidualsPx))
			alpha := LandmarkConsistencyAlpha(st.ResidualsPx, zeros, noise)
			outlier = alpha > fm.cfg.OutlierConsistencyAlpha
		}
		if outlier {
			if lm, ok := fm.landmarks[id]; ok {
				lm.Status = StatusOutlier
			}
			delete(fm.landmarks, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// SlideWindowOld implements the MARGIN_OLD bookkeeping (spec.md §4.B):
// landmarks hosted at frame 0 are re-hosted at the new frame 0 via the
// known relative transform if they still have ≥2 observations, else
// dropped; every other landmark's StartFrame is decremented.
func (fm *FeatureManager) SlideWindowOld(oldFrame0, newFrame0 Pose, ext Extrinsic) {
	for id, lm := range fm.landmarks {
		if lm.StartFrame != 0 {
			lm.StartFrame--
			continue
		}
		if len(lm.Observations) < 2 {
			delete(fm.landmarks, id)
			continue
		}
		if lm.Status == StatusOK {
			// Reproject the 3D point (expressed via the old host) into
			// the new host's normalised plane, closed form.
			camPoint := liftToHostFrame(lm.Observations[0].LeftXYNorm, lm.EstimatedInverseDepth)
			bodyPoint := ext.Ric.Rotate(camPoint).Add(ext.Tic)
			worldPoint := oldFrame0.Q.Rotate(bodyPoint).Add(oldFrame0.P)
			newBody := newFrame0.Q.Conj().Rotate(worldPoint.Sub(newFrame0.P))
			newCam := ext.Ric.Conj().Rotate(newBody.Sub(ext.Tic))
			if newCam.Z > 1e-6 {
				lm.EstimatedInverseDepth = 1.0 / newCam.Z
			} else {
				lm.Status = StatusUninitialised
			}
		}
		lm.Observations = lm.Observations[1:]
		for i := range lm.Observations {
			lm.Observations[i].FrameOffset--
		}
		lm.StartFrame = 0
		if len(lm.Observations) == 0 {
			delete(fm.landmarks, id)
		}
	}
}

// SlideWindowNew implements the MARGIN_SECOND_NEW bookkeeping (spec.md
// §4.B): drop the last-but-one observation for each landmark; if that
// leaves ≤1 observation, keep the metadata but mark uninitialised.
func (fm *FeatureManager) SlideWindowNew() {
	for _, lm := range fm.landmarks {
		n := len(lm.Observations)
		if n < 2 {
			continue
		}
		idx := n - 2
		lm.Observations = append(lm.Observations[:idx], lm.Observations[idx+1:]...)
		for i := idx; i < len(lm.Observations); i++ {
			lm.Observations[i].FrameOffset--
		}
		if len(lm.Observations) <= 1 {
			lm.Status = StatusUninitialised
		}
	}
}

// ClearState drops every tracked landmark (spec.md §4.G clearState).
func (fm *FeatureManager) ClearState() {
	fm.landmarks = make(map[int]*Landmark)
	fm.cloud.Clear()
}
