package internal

// StaticCalibration estimates an initial accelerometer/gyroscope bias
// from a run of IMU samples collected while the rig is assumed
// stationary, generalising the teacher's IMU.Calibrate (which averaged
// raw 2D measurements into an offset/scale pair) to the 3-axis bias
// estimate the estimator's SpeedBias state carries (spec.md §3).
//
// The accelerometer average is not itself the bias: gravity is still
// present in it. Callers subtract the configured gravity vector (once
// the initial attitude is known) before using MeanAccel to seed Ba.
type StaticCalibration struct {
	samples int
	sumAcc  Vec3
	sumGyr  Vec3
}

// NewStaticCalibration creates an accumulator for the startup bias
// pre-seed (Config.StaticCalibrationSamples).
func NewStaticCalibration() *StaticCalibration {
	return &StaticCalibration{}
}

// Add folds in one IMU sample.
func (c *StaticCalibration) Add(acc, gyr Vec3) {
	c.sumAcc = c.sumAcc.Add(acc)
	c.sumGyr = c.sumGyr.Add(gyr)
	c.samples++
}

// Done reports whether at least one sample has been folded in.
func (c *StaticCalibration) Done() bool { return c.samples > 0 }

// Samples reports how many IMU samples have been folded in so far.
func (c *StaticCalibration) Samples() int { return c.samples }

// MeanAccel returns the average raw accelerometer reading (gravity +
// bias + noise) over the accumulated samples.
func (c *StaticCalibration) MeanAccel() Vec3 {
	if c.samples == 0 {
		return Vec3{}
	}
	return c.sumAcc.Scale(1.0 / float64(c.samples))
}

// GyroBias returns the average raw gyroscope reading, which for a
// stationary rig is directly the gyroscope bias estimate.
func (c *StaticCalibration) GyroBias() Vec3 {
	if c.samples == 0 {
		return Vec3{}
	}
	return c.sumGyr.Scale(1.0 / float64(c.samples))
}
