package internal

import "time"

// SolverFlag is the estimator's top-level state machine (spec.md §4.G).
type SolverFlag int

const (
	SolverInitial SolverFlag = iota
	SolverNonLinear
)

// MarginFlag selects which window slot the sliding-window manager drops
// (spec.md §4.F).
type MarginFlag int

const (
	MarginOld MarginFlag = iota
	MarginSecondNew
)

// SolveStatus is a landmark's inverse-depth solve state (spec.md §3).
type SolveStatus int

const (
	StatusUninitialised SolveStatus = iota
	StatusOK
	StatusOutlier
)

// Pose is the 7-scalar manifold storage for a rigid body pose: position
// plus a unit quaternion orientation, with a 6-DoF tangent used by the
// optimiser's retraction (Design Notes: "manifold parameter blocks").
type Pose struct {
	P Vec3
	Q Quat
}

// Plus applies the 6-DoF tangent delta (translation, rotation-vector) to
// the pose, right-multiplying the rotation update per the Design Notes.
func (p Pose) Plus(delta [6]float64) Pose {
	dp := Vec3{X: delta[0], Y: delta[1], Z: delta[2]}
	dq := ExpSO3(Vec3{X: delta[3], Y: delta[4], Z: delta[5]})
	return Pose{P: p.P.Add(dp), Q: p.Q.Mul(dq).Normalize()}
}

// Inverse returns the pose mapping world points into this pose's frame.
func (p Pose) Inverse() Pose {
	qi := p.Q.Conj()
	return Pose{P: qi.Rotate(p.P.Scale(-1)), Q: qi}
}

// SpeedBias bundles the per-frame velocity and IMU biases (9-wide
// parameter block, spec.md §4.E).
type SpeedBias struct {
	V  Vec3
	Ba Vec3
	Bg Vec3
}

// Extrinsic is a per-camera body->camera transform (spec.md §3).
type Extrinsic struct {
	Tic Vec3
	Ric Quat
}

// Observation is a single feature sighting in one window frame (spec.md
// §3 Landmark).
type Observation struct {
	FrameOffset   int // offset from the landmark's start_frame
	LeftXYNorm    [2]float64
	HasRight      bool
	RightXYNorm   [2]float64
	LeftPixel     [2]float64
	RightPixel    [2]float64
	LeftPixelVel  [2]float64
	RightPixelVel [2]float64
	ObservationTd float64
}

// Landmark is a tracked 3D point, parameterised by inverse depth in its
// host (start) frame (spec.md §3).
type Landmark struct {
	FeatureID             int
	StartFrame            int
	Observations          []Observation
	EstimatedInverseDepth float64
	Status                SolveStatus
}

// WindowSlot is one slot of the fixed-size sliding window (spec.md §3).
type WindowSlot struct {
	Time float64 // image timestamp, seconds, as passed to InputImage (td not applied)
	Pose Pose
	SB   SpeedBias
	Pre  *Preintegration

	// Raw replayable IMU samples from the previous slot to this one,
	// used for repropagation after a bias update (spec.md §3).
	Dt  []float64
	Acc []Vec3
	Gyr []Vec3
}

// AllFrame is every received image frame kept during initialisation,
// keyed by timestamp (spec.md §3 "All-frames map").
type AllFrame struct {
	Time       float64
	Pose       Pose
	Pre        *Preintegration
	IsKeyframe bool
	Points     map[int][]Observation // feature_id -> observations seen in this frame
}

// IMUSample is a single timestamped inertial measurement (spec.md §6).
type IMUSample struct {
	T   float64
	Acc Vec3
	Gyr Vec3
}

// FeatureFrame is the front end's per-image observation map (spec.md §1):
// feature_id -> per-camera observation.
type FeatureFrame map[int][]FeaturePoint

// FeaturePoint is one (camera_id, normalised xy, pixel xy, pixel
// velocity) tuple from the front end.
type FeaturePoint struct {
	CameraID int
	NormXY   [2]float64
	PixelXY  [2]float64
	PixelVel [2]float64
}

// ImageInput is a (timestamped) mono or stereo frame pair as consumed by
// InputImage; Img1 is nil for a mono frame.
type ImageInput struct {
	T    float64
	Img0 FeatureFrame
	Img1 FeatureFrame
}

// OdometryOut is the low-latency, IMU-rate pose estimate (spec.md §6).
type OdometryOut struct {
	T time.Time
	P Vec3
	Q Quat
	V Vec3
}

// KeyframeOut is the image-rate state published after optimisation.
type KeyframeOut struct {
	T     float64
	Poses []Pose
}

// PointCloudOut is the sparse set of landmarks with valid depth.
type PointCloudOut struct {
	Points []Vec3
}
