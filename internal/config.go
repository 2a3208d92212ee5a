package internal

import "time"

// ExtrinsicEstimateMode controls whether camera-IMU extrinsics are treated
// as fixed, refined online, or fully estimated from scratch.
type ExtrinsicEstimateMode int

const (
	ExtrinsicFixed ExtrinsicEstimateMode = iota
	ExtrinsicRefine
	ExtrinsicEstimate
)

// FailureThresholds gates the optional divergence-detection hook. The
// defaults mirror the literal thresholds the original estimator carries
// but never enables by default. The hook reads MaxAccelBias,
// MaxGyroBias and MinTrackedFeatures; MaxPositionJump and
// MaxRotationJumpDeg are carried but not checked.
type FailureThresholds struct {
	MaxAccelBias     float64 `mapstructure:"max_accel_bias"`
	MaxGyroBias      float64 `mapstructure:"max_gyro_bias"`
	MaxPositionJump   float64 `mapstructure:"max_position_jump"`
	MaxRotationJumpDeg float64 `mapstructure:"max_rotation_jump_deg"`
	MinTrackedFeatures int    `mapstructure:"min_tracked_features"`
}

// DefaultFailureThresholds returns the thresholds the original source
// carries in comments but never wires up.
func DefaultFailureThresholds() FailureThresholds {
	return FailureThresholds{
		MaxAccelBias:       2.5,
		MaxGyroBias:        1.0,
		MaxPositionJump:     5.0,
		MaxRotationJumpDeg: 50.0,
		MinTrackedFeatures: 4,
	}
}

// Config holds every estimator knob from spec.md §6, loaded once.
type Config struct {
	MultipleThread bool `mapstructure:"multiple_thread"`
	UseIMU         bool `mapstructure:"use_imu"`
	Stereo         bool `mapstructure:"stereo"`

	ExtrinsicEstimate ExtrinsicEstimateMode `mapstructure:"estimate_extrinsic"`
	EstimateTd        bool                  `mapstructure:"estimate_td"`

	NumCameras int `mapstructure:"num_of_cam"`
	WindowSize int `mapstructure:"window_size"`

	FocalLength float64 `mapstructure:"focal_length"`
	Gravity     float64 `mapstructure:"gravity_magnitude"`

	NumIterations int           `mapstructure:"num_iterations"`
	SolverTime    time.Duration `mapstructure:"solver_time"`

	Tic []Vec3 `mapstructure:"tic"`
	Ric []Mat3 `mapstructure:"ric"`
	Td  float64 `mapstructure:"td"`

	// ProcessEveryOtherImage reproduces the source's undocumented
	// multi-threaded "only every other image reaches the back end"
	// behaviour as an explicit, opt-out knob rather than a hard-coded
	// modulo. See Design Notes open question.
	ProcessEveryOtherImage bool `mapstructure:"process_every_other_image"`

	// EnableFailureDetection gates the divergence hook; disabled by
	// default, matching "the default failure detector returns false".
	EnableFailureDetection bool              `mapstructure:"enable_failure_detection"`
	FailureThresholds      FailureThresholds `mapstructure:"failure_thresholds"`

	// StaticCalibrationSamples, when >0, pre-seeds the gyroscope bias
	// from the first N IMU samples assuming the rig starts stationary;
	// the accelerometer bias is not seeded.
	StaticCalibrationSamples int `mapstructure:"static_calibration_samples"`

	// StereoSyncTolerance bounds how far apart Image0/Image1 timestamps
	// may be before the older side is dropped (spec.md §6).
	StereoSyncTolerance time.Duration `mapstructure:"stereo_sync_tolerance"`

	// KeyframeParallaxThreshold in normalised-plane units (spec.md §4.B).
	KeyframeParallaxThreshold float64 `mapstructure:"keyframe_parallax_threshold"`
	MinTrackedForKeyframe    int     `mapstructure:"min_tracked_for_keyframe"`

	// OutlierReprojectionPx is the §4.B / §4.E outlier threshold.
	OutlierReprojectionPx float64 `mapstructure:"outlier_reprojection_px"`

	// OutlierConsistencyAlpha is the secondary geometric-consistency
	// gate's inflation threshold (fusion.go LandmarkConsistencyAlpha):
	// a landmark whose per-observation pixel residuals need more than
	// this much noise-radius inflation to agree on a common point is
	// dropped even if its mean reprojection error stays under
	// OutlierReprojectionPx.
	OutlierConsistencyAlpha float64 `mapstructure:"outlier_consistency_alpha"`

	// PreintegrationMaxSumDt disables an IMU block past this span
	// (spec.md §4.A).
	PreintegrationMaxSumDt time.Duration `mapstructure:"preintegration_max_sum_dt"`

	// InitAnchorMinTracks / InitAnchorMinParallaxPx gate the
	// relative-pose anchor-frame search in §4.D step 2.
	InitAnchorMinTracks      int     `mapstructure:"init_anchor_min_tracks"`
	InitAnchorMinParallaxPx float64 `mapstructure:"init_anchor_min_parallax_px"`
	InitAnchorFocalLength   float64 `mapstructure:"init_anchor_focal_length"`
}

// Validate rejects configurations the estimator cannot run with. Only
// programmer-error conditions live here; runtime sensor conditions are
// handled internally (spec.md §7).
func (c Config) Validate() error {
	if c.WindowSize <= 0 {
		return ErrInvalidWindow
	}
	if c.NumCameras < 1 || c.NumCameras > 2 {
		return ErrInvalidCameras
	}
	return nil
}

// DefaultConfig returns a Config with the values the original estimator
// ships as compile-time constants.
func DefaultConfig() Config {
	return Config{
		MultipleThread:            true,
		UseIMU:                    true,
		Stereo:                    false,
		ExtrinsicEstimate:         ExtrinsicFixed,
		EstimateTd:                false,
		NumCameras:                1,
		WindowSize:                10,
		FocalLength:               460.0,
		Gravity:                   9.81007,
		NumIterations:             8,
		SolverTime:                40 * time.Millisecond,
		Td:                        0,
		ProcessEveryOtherImage:    true,
		EnableFailureDetection:    false,
		FailureThresholds:         DefaultFailureThresholds(),
		StaticCalibrationSamples:  0,
		StereoSyncTolerance:       3 * time.Millisecond,
		KeyframeParallaxThreshold: 10.0 / 460.0,
		MinTrackedForKeyframe:     20,
		OutlierReprojectionPx:     3.0,
		OutlierConsistencyAlpha:   4.0,
		PreintegrationMaxSumDt:    10 * time.Second,
		InitAnchorMinTracks:       20,
		InitAnchorMinParallaxPx:   30.0,
		InitAnchorFocalLength:     460.0,
	}
}
