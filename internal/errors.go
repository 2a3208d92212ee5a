package internal

import "errors"

// Recoverable conditions (spec.md §7). ErrWaitingForIMU and
// ErrStereoSkew are returned to callers (by single-threaded InputImage
// and by InputStereoPair); ErrInitRejected, ErrDiverged and
// ErrLandmarkOutlier name conditions the orchestrator handles and logs
// internally, and no function returns them.
var (
	// ErrWaitingForIMU: IMU has not yet caught up to the current image
	// timestamp. Single-threaded callers get this back from a
	// processing tick so they know to feed more IMU data; multi-threaded
	// mode never surfaces it (it sleeps and retries internally).
	ErrWaitingForIMU = errors.New("imuvio: waiting for imu data to catch up to image timestamp")

	// ErrStereoSkew: a stereo pair's timestamps differ by more than
	// Config.StereoSyncTolerance.
	ErrStereoSkew = errors.New("imuvio: stereo pair timestamp skew exceeds tolerance")

	// ErrInitRejected: an initialisation attempt failed (SfM, PnP,
	// insufficient parallax, or low IMU excitation).
	ErrInitRejected = errors.New("imuvio: initialisation attempt rejected")

	// ErrDiverged: the failure-detection hook fired.
	ErrDiverged = errors.New("imuvio: optimisation divergence detected")

	// ErrLandmarkOutlier: a landmark's average reprojection error
	// exceeded Config.OutlierReprojectionPx.
	ErrLandmarkOutlier = errors.New("imuvio: landmark marked outlier")
)

// programmer-error conditions, returned by Config.Validate and
// NewEstimator, since they indicate misuse rather than a runtime sensor
// condition.
var (
	ErrInvalidWindow  = errors.New("imuvio: window size must be positive")
	ErrInvalidCameras = errors.New("imuvio: num cameras must be 1 or 2")
)
