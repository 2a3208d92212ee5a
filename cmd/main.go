// Command vio-estimator-demo wires the estimator to a synthetic
// stereo+IMU producer, standing in for the real sensor transport that
// spec.md places out of scope (§1 "external collaborators").
package main

import (
	"time"

	"github.com/ZanzyTHEbar/vio-estimator/internal"
)

func main() {
	log := internal.Logger()

	cfg := internal.DefaultConfig()
	cfg.Stereo = true
	cfg.NumCameras = 2

	est, err := internal.NewEstimator(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid estimator configuration")
	}
	est.SetOutputs(
		func(o internal.OdometryOut) {
			log.Debug().
				Float64("px", o.P.X).Float64("py", o.P.Y).Float64("pz", o.P.Z).
				Msg("odometry")
		},
		func(k internal.KeyframeOut) {
			log.Info().Float64("t", k.T).Int("poses", len(k.Poses)).Msg("keyframe")
		},
		func(pc internal.PointCloudOut) {
			log.Info().Int("points", len(pc.Points)).Msg("point cloud")
		},
	)

	est.SetParameter(
		[]internal.Vec3{{}, {X: 0.1}},
		[]internal.Mat3{internal.Identity3(), internal.Identity3()},
		0,
	)
	est.Start()
	defer est.Stop()

	log.Info().Msg("vio estimator running against synthetic stereo+IMU producer")
	runSyntheticRig(est, 5*time.Second)
}

// runSyntheticRig feeds a static rig under gravity-only acceleration: one
// goroutine produces IMU samples at 200 Hz, another produces stereo
// image frames with three tracked landmarks at 20 Hz, mirroring
// spec.md §8 scenario 1 closely enough to exercise the full pipeline
// (initialisation, sliding window, marginalisation) without a real
// sensor.
func runSyntheticRig(est *internal.Estimator, duration time.Duration) {
	const imuHz = 200.0
	const imgHz = 20.0
	gravity := internal.Vec3{X: 0, Y: 0, Z: 9.81007}

	imuDone := make(chan struct{})
	go func() {
		defer close(imuDone)
		dt := time.Duration(float64(time.Second) / imuHz)
		deadline := time.Now().Add(duration)
		t := 0.0
		for time.Now().Before(deadline) {
			est.InputIMU(t, gravity, internal.Vec3{})
			t += 1.0 / imuHz
			time.Sleep(dt)
		}
	}()

	imgDone := make(chan struct{})
	go func() {
		defer close(imgDone)
		dt := time.Duration(float64(time.Second) / imgHz)
		deadline := time.Now().Add(duration)
		t := 0.0
		landmarks := []internal.Vec3{
			{X: 1, Y: 0.3, Z: 4},
			{X: -0.8, Y: 0.5, Z: 5},
			{X: 0.2, Y: -0.6, Z: 3.5},
		}
		for time.Now().Before(deadline) {
			img0, img1 := syntheticStereoFrame(landmarks)
			_ = est.InputImage(t, img0, img1)
			t += 1.0 / imgHz
			time.Sleep(dt)
		}
	}()

	<-imuDone
	<-imgDone
}

// syntheticStereoFrame projects a fixed set of 3D landmarks into the
// normalised plane of a static stereo rig, standing in for the
// feature-tracker front end spec.md places out of scope.
func syntheticStereoFrame(points []internal.Vec3) (internal.FeatureFrame, internal.FeatureFrame) {
	const baseline = 0.1
	img0 := make(internal.FeatureFrame, len(points))
	img1 := make(internal.FeatureFrame, len(points))
	for id, p := range points {
		if p.Z <= 0 {
			continue
		}
		x0, y0 := p.X/p.Z, p.Y/p.Z
		x1 := (p.X - baseline) / p.Z
		img0[id] = []internal.FeaturePoint{{CameraID: 0, NormXY: [2]float64{x0, y0}}}
		img1[id] = []internal.FeaturePoint{{CameraID: 1, NormXY: [2]float64{x1, y0}}}
	}
	return img0, img1
}
