package internal

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Estimator is the top-level VIO orchestrator (spec.md §4.G, §5). It
// owns the sliding window, the feature manager, the IMU buffer, and the
// three independent mutexes described in the concurrency model:
//   - qMu guards the timestamp-ordered image/feature input queue, so any
//     number of producer goroutines may call InputImage/InputFeature
//     concurrently without asserting ordering themselves.
//   - procMu guards every piece of back-end state touched only by the
//     single processing goroutine (or, in single-threaded mode, by the
//     caller of InputImage itself): the window, feature manager, solver
//     flag, extrinsics/td, and IMU buffer.
//   - fastMu guards the IMU-rate forward-prediction anchor, so InputIMU
//     can publish a low-latency OdometryOut without ever blocking on the
//     back end.
//
// IMUBuffer is internally synchronised (sync_buffer.go), so InputIMU
// writes into it directly without taking procMu.
type Estimator struct {
	cfg Config
	log zerolog.Logger

	qMu       sync.Mutex
	imgQueue  *timestampQueue
	imageTick int

	procMu        sync.Mutex
	window        *SlidingWindow
	features      *FeatureManager
	imuBuf        *IMUBuffer
	solverFlag    SolverFlag
	prior         *PriorFactor
	ext           []Extrinsic
	td            float64
	prevTime      float64
	calib         *StaticCalibration
	epoch         uuid.UUID
	initFirstPose bool

	// allFrames keeps every received frame (not just keyframes) during
	// initialisation, keyed by timestamp (spec.md §3 "All-frames map").
	// Cleared down to the window once initialisation completes and
	// pruned whenever the oldest window frame is marginalised.
	allFrames map[float64]*AllFrame

	fastMu        sync.Mutex
	fastActive    bool // true once the back end has published a NON_LINEAR state to anchor on
	fastSeeded    bool
	fastPose      Pose
	fastSB        SpeedBias
	lastFastT     float64
	lastFastAcc   Vec3
	lastFastGyr   Vec3
	restartAnchor Pose

	odometryOut   func(OdometryOut)
	keyframeOut   func(KeyframeOut)
	pointCloudOut func(PointCloudOut)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEstimator builds an estimator in its initial (cleared) state. It
// returns an error only for configurations no run could succeed with
// (Config.Validate); runtime sensor conditions never surface here.
func NewEstimator(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{
		cfg:      cfg,
		log:      Logger(),
		imgQueue: newTimestampQueue(),
		window:   NewSlidingWindow(cfg),
		features: NewFeatureManager(cfg),
		imuBuf:   NewIMUBuffer(),
		calib:    NewStaticCalibration(),
		ext:      make([]Extrinsic, cfg.NumCameras),
		td:       cfg.Td,
	}
	for i := range e.ext {
		e.ext[i] = Extrinsic{Ric: IdentityQuat()}
	}
	e.window.Reset()
	e.allFrames = make(map[float64]*AllFrame)
	e.fastPose = Pose{Q: IdentityQuat()}
	e.restartAnchor = Pose{Q: IdentityQuat()}
	e.epoch = uuid.New()
	return e, nil
}

// Epoch returns the id of the current estimator generation: a fresh one
// is stamped every time ClearState (directly, or via ChangeSensorType or
// a failure-triggered restart) discards the window/feature/IMU-buffer
// state, so log lines and published output from before and after a reset
// can be told apart even though frame indices restart from zero.
func (e *Estimator) Epoch() uuid.UUID {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	return e.epoch
}

// Solver reports the current state-machine phase (spec.md §4.G).
func (e *Estimator) Solver() SolverFlag {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	return e.solverFlag
}

// SetOutputs installs the callbacks the orchestrator publishes through
// (spec.md §6). Any may be nil.
func (e *Estimator) SetOutputs(odom func(OdometryOut), kf func(KeyframeOut), pc func(PointCloudOut)) {
	e.odometryOut = odom
	e.keyframeOut = kf
	e.pointCloudOut = pc
}

// SetParameter installs the current camera-IMU extrinsics and time
// offset (spec.md §4.G setParameter).
func (e *Estimator) SetParameter(tic []Vec3, ric []Mat3, td float64) {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	for i := range e.ext {
		if i < len(tic) {
			e.ext[i].Tic = tic[i]
		}
		if i < len(ric) {
			e.ext[i].Ric = QuatFromMat3(ric[i])
		}
	}
	e.td = td
}

// ChangeSensorType swaps the IMU/stereo mode and forces a restart, since
// every in-flight window state assumes a fixed sensor configuration
// (spec.md §4.G).
func (e *Estimator) ChangeSensorType(useIMU, stereo bool) {
	e.procMu.Lock()
	e.cfg.UseIMU = useIMU
	e.cfg.Stereo = stereo
	e.procMu.Unlock()
	e.ClearState()
}

// ClearState drops all window, feature, and IMU-buffer state and
// restarts from SolverInitial under a new epoch (spec.md §4.G
// clearState). Fast prediction is switched off until the back end
// publishes again, and its pose is reset to restartAnchor: frame 0's
// pose captured by the last failure-triggered restart, or the identity
// if none has happened (SPEC_FULL.md supplemented feature
// "restartAnchor").
func (e *Estimator) ClearState() {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	e.resetLocked()
}

func (e *Estimator) resetLocked() {
	e.window.Reset()
	e.features.ClearState()
	e.imuBuf = NewIMUBuffer()
	e.solverFlag = SolverInitial
	e.prior = nil
	e.prevTime = 0
	e.initFirstPose = false
	e.calib = NewStaticCalibration()
	e.allFrames = make(map[float64]*AllFrame)

	prevEpoch := e.epoch
	e.epoch = uuid.New()
	e.log.Info().
		Str("epoch", e.epoch.String()).
		Str("prev_epoch", prevEpoch.String()).
		Msg("estimator state cleared, starting new epoch")

	e.fastMu.Lock()
	e.fastActive = false
	e.fastSeeded = false
	e.fastPose = e.restartAnchor
	e.fastSB = SpeedBias{}
	e.lastFastT = 0
	e.fastMu.Unlock()
}

// Start launches the back-end processing goroutine (multi-threaded mode
// only; single-threaded mode processes images synchronously inside
// InputImage).
func (e *Estimator) Start() {
	if !e.cfg.MultipleThread {
		return
	}
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.loop()
}

// Stop halts the back-end processing goroutine and waits for it to
// exit.
func (e *Estimator) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	e.stopCh = nil
}

func (e *Estimator) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.drainOnce()
		}
	}
}

// drainOnce pops every queued image in timestamp order and processes
// it, stopping early (and re-queuing) if the IMU buffer has not yet
// caught up.
func (e *Estimator) drainOnce() {
	for {
		e.qMu.Lock()
		v, ok := e.imgQueue.pop()
		e.qMu.Unlock()
		if !ok {
			return
		}
		input := v.(ImageInput)

		if e.cfg.ProcessEveryOtherImage {
			e.imageTick++
			if e.imageTick%2 == 0 {
				continue
			}
		}

		if err := e.processImage(input); err != nil {
			e.log.Debug().Err(err).Msg("deferring image until imu catches up")
			e.qMu.Lock()
			e.imgQueue.push(input.T, input)
			e.qMu.Unlock()
			return
		}
	}
}

// InputIMU feeds one inertial sample (spec.md §4.G inputIMU). It never
// blocks on the back end: the sample is appended to the shared IMU
// buffer and immediately folded into the fast-prediction anchor.
func (e *Estimator) InputIMU(t float64, acc, gyr Vec3) {
	sample := IMUSample{T: t, Acc: acc, Gyr: gyr}
	e.imuBuf.Push(sample)
	e.fastPredict(sample)
}

// InputImage feeds one (mono or stereo) image tick (spec.md §4.G
// inputImage). In multi-threaded mode the frame is queued for the
// back-end goroutine and this call returns immediately; in
// single-threaded mode it is processed synchronously and
// ErrWaitingForIMU is returned if the IMU buffer has not yet reached
// this timestamp.
func (e *Estimator) InputImage(t float64, img0, img1 FeatureFrame) error {
	input := ImageInput{T: t, Img0: img0, Img1: img1}
	if e.cfg.MultipleThread {
		e.qMu.Lock()
		e.imgQueue.push(t, input)
		e.qMu.Unlock()
		return nil
	}
	return e.processImage(input)
}

// InputFeature feeds pre-tracked features directly, bypassing raw image
// ingestion (SPEC_FULL.md supplemented feature, "inputFeature direct
// path"). It is otherwise identical to a monocular InputImage call.
func (e *Estimator) InputFeature(t float64, frame FeatureFrame) error {
	return e.InputImage(t, frame, nil)
}

// InputStereoPair feeds a stereo pair whose sides carry independent
// timestamps. A pair skewed past Config.StereoSyncTolerance has its
// older side dropped (spec.md §6, §7 "Data skew"): a stale right frame
// degrades the tick to monocular, a stale left frame drops the tick
// entirely since the right camera alone cannot host observations.
func (e *Estimator) InputStereoPair(t0 float64, img0 FeatureFrame, t1 float64, img1 FeatureFrame) error {
	if math.Abs(t0-t1) > e.cfg.StereoSyncTolerance.Seconds() {
		e.log.Warn().Float64("t0", t0).Float64("t1", t1).Msg("stereo pair skewed, dropping older side")
		if t0 > t1 {
			return e.InputImage(t0, img0, nil)
		}
		return ErrStereoSkew
	}
	return e.InputImage(t0, img0, img1)
}

// fastPredict mid-point integrates one IMU sample onto the
// fast-prediction anchor and publishes the resulting OdometryOut,
// independent of whatever the back end is doing (spec.md §4.G "fast
// prediction"). It is inert until the back end first publishes an
// optimised state to anchor on (spec.md §5 "when solver_flag ==
// NON_LINEAR").
func (e *Estimator) fastPredict(s IMUSample) {
	e.fastMu.Lock()
	defer e.fastMu.Unlock()

	if !e.fastActive {
		return
	}
	e.stepFastLocked(s)

	if e.odometryOut != nil {
		e.odometryOut(OdometryOut{T: time.Now(), P: e.fastPose.P, Q: e.fastPose.Q, V: e.fastSB.V})
	}
}

// stepFastLocked advances the fast-prediction state by one IMU sample.
// Caller holds fastMu.
func (e *Estimator) stepFastLocked(s IMUSample) {
	if !e.fastSeeded {
		e.lastFastT = s.T
		e.lastFastAcc = s.Acc
		e.lastFastGyr = s.Gyr
		e.fastSeeded = true
		return
	}
	dt := s.T - e.lastFastT
	if dt <= 0 || dt > 1 {
		e.lastFastT = s.T
		e.lastFastAcc = s.Acc
		e.lastFastGyr = s.Gyr
		return
	}

	gravity := Vec3{X: 0, Y: 0, Z: -e.cfg.Gravity}
	unGyr := e.lastFastGyr.Add(s.Gyr).Scale(0.5).Sub(e.fastSB.Bg)
	dq := ExpSO3(unGyr.Scale(dt))
	qNext := e.fastPose.Q.Mul(dq).Normalize()
	unAcc0 := e.fastPose.Q.Rotate(e.lastFastAcc.Sub(e.fastSB.Ba)).Add(gravity)
	unAcc1 := qNext.Rotate(s.Acc.Sub(e.fastSB.Ba)).Add(gravity)
	unAcc := unAcc0.Add(unAcc1).Scale(0.5)

	e.fastPose.P = e.fastPose.P.Add(e.fastSB.V.Scale(dt)).Add(unAcc.Scale(0.5 * dt * dt))
	e.fastSB.V = e.fastSB.V.Add(unAcc.Scale(dt))
	e.fastPose.Q = qNext
	e.lastFastT = s.T
	e.lastFastAcc = s.Acc
	e.lastFastGyr = s.Gyr
}

// processImage is the full back-end tick: IMU synchronisation, keyframe
// decision, initialisation or bundle adjustment, window slide, and
// publish (spec.md §4.G processMeasurements).
func (e *Estimator) processImage(img ImageInput) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	if e.cfg.UseIMU {
		if t, ok := e.imuBuf.Latest(); !ok || t < img.T {
			return ErrWaitingForIMU
		}
		if !e.initFirstPose {
			samples, _ := e.imuBuf.Interval(0, img.T)
			e.initFirstIMUPose(samples)
		}
		if e.prevTime > 0 {
			samples, ok := e.imuBuf.Interval(e.prevTime, img.T)
			if !ok {
				return ErrWaitingForIMU
			}
			e.integrateSamples(samples)
			e.feedCalibration(samples)
		}
	}
	e.prevTime = img.T

	cur := e.window.Count
	e.window.Slots[cur].Time = img.T

	margin := e.features.AddFeatureCheckKeyframe(cur, img.Img0, img.Img1)

	switch e.solverFlag {
	case SolverInitial:
		e.recordAllFrame(img, margin == MarginOld)
		if e.tryInitialize() {
			e.alignAllFrames()
			e.pruneAllFramesToWindow()
		} else if e.window.Full() {
			// Failed bootstrap over a full window: drop the oldest frame
			// to refresh the baseline regardless of the parallax vote.
			margin = MarginOld
		}
	case SolverNonLinear:
		n := cur + 1
		poses := make([]Pose, n)
		for i := 0; i < n; i++ {
			poses[i] = e.window.Slots[i].Pose
		}
		if e.cfg.Stereo && len(e.ext) > 1 {
			e.features.TriangulateStereo(poses, e.ext[0], e.ext[1])
		} else {
			e.features.Triangulate(poses, e.ext[0])
		}

		problem := NewProblem(e.cfg, e.window, e.features, e.ext, e.td, e.prior)
		problem.Solve()
		e.applyProblem(problem)

		avgErr := e.averageReprojectionError()
		e.features.RemoveOutliers(avgErr)
		e.checkFailure()
	}

	e.slideWindow(margin)
	e.publish(img.T)
	return nil
}

// initFirstIMUPose orients window slot 0 so that the mean measured
// specific force maps onto world +z, with yaw pinned to zero (spec.md
// §4.G "set R_0 to align the mean acceleration direction with +z").
func (e *Estimator) initFirstIMUPose(samples []IMUSample) {
	e.initFirstPose = true
	if len(samples) == 0 {
		return
	}
	var sum Vec3
	for _, s := range samples {
		sum = sum.Add(s.Acc)
	}
	mean := sum.Scale(1.0 / float64(len(samples)))
	if mean.Norm() < 1e-6 {
		return
	}
	r0 := QuatFromMat3(gravityAlignRotation(mean.Scale(-1)))
	q := YawQuat(-Yaw(r0)).Mul(r0).Normalize()
	e.window.Slots[0].Pose.Q = q
	e.log.Info().
		Float64("ax", mean.X).Float64("ay", mean.Y).Float64("az", mean.Z).
		Msg("initial attitude aligned to mean acceleration")
}

// feedCalibration pre-seeds the gyroscope bias from a stationary
// startup window, when Config.StaticCalibrationSamples > 0. Once
// enough samples are collected it stamps the
// current window slot's bias and stops accumulating.
func (e *Estimator) feedCalibration(samples []IMUSample) {
	if e.cfg.StaticCalibrationSamples <= 0 || e.calib.Samples() >= e.cfg.StaticCalibrationSamples {
		return
	}
	for _, s := range samples {
		e.calib.Add(s.Acc, s.Gyr)
	}
	if e.calib.Samples() >= e.cfg.StaticCalibrationSamples {
		e.window.Slots[e.window.Count].SB.Bg = e.calib.GyroBias()
	}
}

// integrateSamples mid-point integrates raw IMU samples into the
// current window slot's pose/speed-bias and pre-integration block
// (spec.md §4.A, §4.G processIMU).
func (e *Estimator) integrateSamples(samples []IMUSample) {
	if len(samples) < 2 {
		return
	}
	cur := e.window.Count
	slot := &e.window.Slots[cur]
	if slot.Pre == nil {
		slot.Pre = NewPreintegration(slot.SB.Ba, slot.SB.Bg, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise)
	}
	slot.Pre.Seed(samples[0].Acc, samples[0].Gyr)
	gravity := Vec3{X: 0, Y: 0, Z: -e.cfg.Gravity}

	for i := 1; i < len(samples); i++ {
		dt := samples[i].T - samples[i-1].T
		if dt <= 0 {
			continue
		}
		acc, gyr := samples[i].Acc, samples[i].Gyr
		slot.Pre.Push(dt, acc, gyr)
		slot.Dt = append(slot.Dt, dt)
		slot.Acc = append(slot.Acc, acc)
		slot.Gyr = append(slot.Gyr, gyr)

		unGyr := samples[i-1].Gyr.Add(gyr).Scale(0.5).Sub(slot.SB.Bg)
		dq := ExpSO3(unGyr.Scale(dt))
		qNext := slot.Pose.Q.Mul(dq).Normalize()
		unAcc0 := slot.Pose.Q.Rotate(samples[i-1].Acc.Sub(slot.SB.Ba)).Add(gravity)
		unAcc1 := qNext.Rotate(acc.Sub(slot.SB.Ba)).Add(gravity)
		unAcc := unAcc0.Add(unAcc1).Scale(0.5)

		slot.Pose.P = slot.Pose.P.Add(slot.SB.V.Scale(dt)).Add(unAcc.Scale(0.5 * dt * dt))
		slot.SB.V = slot.SB.V.Add(unAcc.Scale(dt))
		slot.Pose.Q = qNext
	}
}

// tryInitialize attempts the bootstrap appropriate to the sensor
// configuration once the window is full (spec.md §4.D): monocular+IMU
// runs the SfM / visual-inertial alignment chain; stereo paths get
// metric depth from the baseline and need at most the gyro-bias solve.
// Returns true once the estimator has entered SolverNonLinear.
func (e *Estimator) tryInitialize() bool {
	if !e.window.Full() {
		return false
	}
	n := len(e.window.Slots)
	if e.cfg.Stereo {
		return e.tryInitializeStereo(n)
	}
	return e.tryInitializeMono(n)
}

// tryInitializeStereo fills landmark depths from the stereo baseline
// (already metric) and, with an IMU present, solves the gyro bias before
// handing over to the optimiser (spec.md §4.D stereo paths).
func (e *Estimator) tryInitializeStereo(n int) bool {
	poses := make([]Pose, n)
	for i := 0; i < n; i++ {
		poses[i] = e.window.Slots[i].Pose
	}
	ext1 := e.ext[0]
	if len(e.ext) > 1 {
		ext1 = e.ext[1]
	}
	e.features.TriangulateStereo(poses, e.ext[0], ext1)

	if e.cfg.UseIMU {
		preints := make([]*Preintegration, n)
		rotations := make([]Mat3, n)
		for i := 0; i < n; i++ {
			preints[i] = e.window.Slots[i].Pre
			rotations[i] = poses[i].Q.ToMat3()
		}
		if bg, ok := GyroBiasSolve(rotations, preints); ok {
			for i := 0; i < n; i++ {
				e.window.Slots[i].SB.Bg = bg
				if preints[i] != nil {
					preints[i].Repropagate(e.window.Slots[i].SB.Ba, bg)
				}
			}
		}
	}

	e.solverFlag = SolverNonLinear
	e.log.Info().Int("frames", n).Bool("imu", e.cfg.UseIMU).Msg("stereo initialisation accepted")
	return true
}

// tryInitializeMono runs the monocular+IMU bootstrap (spec.md §4.D
// steps 1-9): excitation check, anchor-frame search, essential-matrix
// relative pose, gyro-bias solve, linear velocity/gravity/scale
// alignment, gravity refinement, and realignment of the window to a
// metric gravity-aligned world frame.
func (e *Estimator) tryInitializeMono(n int) bool {
	init := NewInitializer(e.cfg)

	if stdDev, low := init.CheckIMUExcitation(e.perIntervalMeanAccel(n)); low {
		e.log.Debug().Float64("accel_stddev", stdDev).Msg("imu excitation low, attempting initialisation anyway")
	}

	shared, parallaxPx := e.anchorStats(n)
	anchor, ok := init.FindAnchorFrame(shared, parallaxPx)
	if !ok {
		e.log.Debug().Msg("initialisation rejected: no anchor frame with sufficient parallax")
		return false
	}

	corrA, corrB := e.collectCorrespondences(anchor, n-1)
	if len(corrA) < 8 {
		return false
	}
	relR, _, ok := RelativePose(corrA, corrB)
	if !ok {
		e.log.Debug().Msg("initialisation rejected: relative pose recovery failed")
		return false
	}

	preints := make([]*Preintegration, n)
	for i := 0; i < n; i++ {
		preints[i] = e.window.Slots[i].Pre
	}

	if e.cfg.UseIMU {
		rotations := make([]Mat3, n)
		rotations[0] = Identity3()
		for i := 1; i < n; i++ {
			dq := IdentityQuat()
			if preints[i] != nil {
				dq = preints[i].DeltaQ
			}
			rotations[i] = rotations[i-1].Mul(dq.ToMat3())
		}
		rotations[n-1] = rotations[anchor].Mul(relR)

		if bg, ok := GyroBiasSolve(rotations, preints); ok {
			for i := 0; i < n; i++ {
				e.window.Slots[i].SB.Bg = bg
				if preints[i] != nil {
					preints[i].Repropagate(e.window.Slots[i].SB.Ba, bg)
				}
			}
		}
	}

	frames := make([]AlignmentFrame, n)
	poses := make([]Pose, n)
	for i := 0; i < n; i++ {
		poses[i] = e.window.Slots[i].Pose
		frames[i] = AlignmentFrame{Rwb: poses[i].Q.ToMat3(), Pwb: poses[i].P, Pre: preints[i]}
	}

	result, ok := SolveLinearAlignment(frames, e.ext[0].Tic, e.cfg.Gravity)
	if !ok && result.Gravity.Norm() < 1 {
		e.log.Debug().Msg("initialisation rejected: linear alignment failed")
		return false
	}
	refined, ok := RefineGravity(frames, result.Gravity, e.cfg.Gravity)
	if !ok {
		e.log.Debug().Msg("initialisation rejected: gravity refinement failed")
		return false
	}
	result = refined

	newPoses, newVels, _ := ApplyScaleAndGravity(poses, result.Velocities, result.Scale, result.Gravity, e.ext[0].Tic, e.cfg.Gravity)
	for i := 0; i < n; i++ {
		e.window.Slots[i].Pose = newPoses[i]
		e.window.Slots[i].SB.V = newVels[i]
	}

	e.features.Triangulate(newPoses, e.ext[0])
	e.solverFlag = SolverNonLinear
	e.log.Info().Int("frames", n).Int("anchor", anchor).Float64("scale", result.Scale).Msg("initialisation accepted")
	return true
}

// recordAllFrame snapshots the incoming frame into the all-frames map
// while the estimator is still initialising (spec.md §3).
func (e *Estimator) recordAllFrame(img ImageInput, isKeyframe bool) {
	cur := e.window.Count
	pts := make(map[int][]Observation, len(img.Img0))
	for id, fps := range img.Img0 {
		for _, fp := range fps {
			pts[id] = append(pts[id], Observation{LeftXYNorm: fp.NormXY, LeftPixel: fp.PixelXY, LeftPixelVel: fp.PixelVel})
		}
	}
	e.allFrames[img.T] = &AllFrame{
		Time:       img.T,
		Pose:       e.window.Slots[cur].Pose,
		Pre:        e.window.Slots[cur].Pre,
		IsKeyframe: isKeyframe,
		Points:     pts,
	}
}

// alignAllFrames places every non-keyframe frame in the all-frames map
// against the freshly triangulated point cloud by PnP, seeded with the
// nearest window frame's pose and requiring at least 6 correspondences
// (spec.md §4.D step 4).
func (e *Estimator) alignAllFrames() {
	cloud := e.features.Cloud()
	for _, af := range e.allFrames {
		if af.IsKeyframe {
			continue
		}
		var world []Vec3
		var obs [][2]float64
		for id, observations := range af.Points {
			if len(observations) == 0 {
				continue
			}
			if p, ok := cloud.Get(id); ok {
				world = append(world, p)
				obs = append(obs, observations[0].LeftXYNorm)
			}
		}
		guess := e.nearestWindowPose(af.Time)
		if pose, ok := SolvePnP(world, obs, guess, e.ext[0]); ok {
			af.Pose = pose
		}
	}
}

// nearestWindowPose returns the pose of the window frame whose
// timestamp is closest to t, the PnP initial guess per spec.md §4.D.
func (e *Estimator) nearestWindowPose(t float64) Pose {
	best := e.window.Slots[0].Pose
	bestDiff := math.Inf(1)
	n := e.window.Count + 1
	if n > len(e.window.Slots) {
		n = len(e.window.Slots)
	}
	for i := 0; i < n; i++ {
		diff := math.Abs(e.window.Slots[i].Time - t)
		if diff < bestDiff {
			bestDiff = diff
			best = e.window.Slots[i].Pose
		}
	}
	return best
}

// pruneAllFramesToWindow drops all-frames entries older than the
// current window (spec.md §3 "cleared down to the current window once
// initialisation completes").
func (e *Estimator) pruneAllFramesToWindow() {
	oldest := e.window.Slots[0].Time
	for ts := range e.allFrames {
		if ts < oldest {
			delete(e.allFrames, ts)
		}
	}
}

// perIntervalMeanAccel averages each window interval's raw accelerometer
// samples, feeding the §4.D step 1 excitation check.
func (e *Estimator) perIntervalMeanAccel(n int) []Vec3 {
	out := make([]Vec3, 0, n-1)
	for i := 1; i < n; i++ {
		acc := e.window.Slots[i].Acc
		if len(acc) == 0 {
			continue
		}
		var sum Vec3
		for _, a := range acc {
			sum = sum.Add(a)
		}
		out = append(out, sum.Scale(1.0/float64(len(acc))))
	}
	return out
}

// anchorStats computes, for every candidate anchor frame l, the number
// of landmarks shared with the newest frame and their average parallax
// in pixels (spec.md §4.D step 2).
func (e *Estimator) anchorStats(n int) ([]int, []float64) {
	shared := make([]int, n-1)
	parallaxPx := make([]float64, n-1)
	for l := 0; l < n-1; l++ {
		a, b := e.collectCorrespondences(l, n-1)
		shared[l] = len(a)
		if len(a) == 0 {
			continue
		}
		var sum float64
		for i := range a {
			sum += math.Hypot(a[i][0]-b[i][0], a[i][1]-b[i][1])
		}
		parallaxPx[l] = sum / float64(len(a)) * e.cfg.InitAnchorFocalLength
	}
	return shared, parallaxPx
}

// collectCorrespondences returns every landmark's normalised-plane
// observation pair between the given window slot indices, for the
// relative-pose recovery step.
func (e *Estimator) collectCorrespondences(hostIdx, targetIdx int) ([][2]float64, [][2]float64) {
	var a, b [][2]float64
	for _, lm := range e.features.Landmarks() {
		if lm.StartFrame > hostIdx {
			continue
		}
		hostOffset := hostIdx - lm.StartFrame
		targetOffset := targetIdx - lm.StartFrame
		var hostObs, targetObs *Observation
		for i := range lm.Observations {
			switch lm.Observations[i].FrameOffset {
			case hostOffset:
				hostObs = &lm.Observations[i]
			case targetOffset:
				targetObs = &lm.Observations[i]
			}
		}
		if hostObs != nil && targetObs != nil {
			a = append(a, hostObs.LeftXYNorm)
			b = append(b, targetObs.LeftXYNorm)
		}
	}
	return a, b
}

// applyProblem copies a solved Problem's parameter blocks back into the
// window and feature manager (spec.md §4.E "copy back").
func (e *Estimator) applyProblem(p *Problem) {
	for i := range p.Poses {
		e.window.Slots[i].Pose = p.Poses[i]
		e.window.Slots[i].SB = p.SBs[i]
	}
	e.ext = p.Exts
	e.td = p.Td
	landmarks := e.features.Landmarks()
	for idx, id := range p.DepthIDs {
		if lm, ok := landmarks[id]; ok {
			lm.EstimatedInverseDepth = p.InvDepths[idx]
		}
	}
}

// averageReprojectionError recomputes each active landmark's mean
// reprojection error in pixels against the just-solved window, plus the
// per-observation pixel residual vectors feeding the consistency gate
// (fusion.go LandmarkConsistencyAlpha), for the §4.B/§4.E outlier gate.
func (e *Estimator) averageReprojectionError() map[int]ReprojStats {
	n := e.window.Count + 1
	if n > len(e.window.Slots) {
		n = len(e.window.Slots)
	}
	poses := make([]Pose, n)
	for i := 0; i < n; i++ {
		poses[i] = e.window.Slots[i].Pose
	}

	sqrtInfo := sqrtInfoVision(e.cfg.FocalLength)
	out := make(map[int]ReprojStats)
	for id, lm := range e.features.Landmarks() {
		if lm.Status != StatusOK || len(lm.Observations) < 2 {
			continue
		}
		host := lm.StartFrame
		if host >= n {
			continue
		}
		hostObs := lm.Observations[0]
		var sum float64
		var count int
		var residuals [][2]float64
		for oi, obs := range lm.Observations {
			if oi == 0 {
				continue
			}
			target := host + obs.FrameOffset
			if target >= n {
				continue
			}
			f := ProjFactor{
				HostObs: hostObs.LeftXYNorm, HostVel: hostObs.LeftPixelVel, HostTd: hostObs.ObservationTd,
				TargetObs: obs.LeftXYNorm, TargetVel: obs.LeftPixelVel, TargetTd: obs.ObservationTd,
				SqrtInfo: sqrtInfo,
			}
			res := f.EvaluateTwoFrameOneCam(poses[host], poses[target], e.ext[0], lm.EstimatedInverseDepth, e.td)
			sum += ReprojectionErrorPx(res, sqrtInfo, e.cfg.FocalLength)
			residuals = append(residuals, ReprojectionResidualPx(res, sqrtInfo, e.cfg.FocalLength))
			count++
		}
		if count > 0 {
			out[id] = ReprojStats{AvgPx: sum / float64(count), ResidualsPx: residuals}
		}
	}
	return out
}

// checkFailure runs the optional divergence hook (spec.md §4.G,
// disabled by default per Design Notes: "the default failure detector
// returns false").
func (e *Estimator) checkFailure() {
	if !e.cfg.EnableFailureDetection {
		return
	}
	n := e.window.Count + 1
	if n > len(e.window.Slots) {
		n = len(e.window.Slots)
	}
	last := e.window.Slots[n-1]
	th := e.cfg.FailureThresholds

	if last.SB.Ba.Norm() > th.MaxAccelBias || last.SB.Bg.Norm() > th.MaxGyroBias {
		e.log.Warn().Msg("failure detected: bias divergence")
		e.restartAfterFailure()
		return
	}
	if len(e.features.Landmarks()) < th.MinTrackedFeatures {
		e.log.Warn().Msg("failure detected: feature starvation")
		e.restartAfterFailure()
	}
}

func (e *Estimator) restartAfterFailure() {
	e.fastMu.Lock()
	e.restartAnchor = e.window.Slots[0].Pose
	e.fastMu.Unlock()
	e.resetLocked()
}

// slideWindow advances the window by one frame: a plain grow while the
// window is still filling, or a marginalising slide (spec.md §4.E/§4.F)
// once it is full.
func (e *Estimator) slideWindow(margin MarginFlag) {
	if !e.window.Full() {
		e.advanceFrame()
		return
	}

	gravity := Vec3{X: 0, Y: 0, Z: -e.cfg.Gravity}
	if margin == MarginOld {
		if e.solverFlag == SolverNonLinear {
			dropped := e.window.Slots[0]
			kept := e.window.Slots[1]
			e.prior = Marginalize(dropped.Pose, dropped.SB, kept.Pose, kept.SB, kept.Pre, gravity, e.prior)
		}
		oldFrame0 := e.window.Slots[0].Pose
		droppedTime := e.window.Slots[0].Time
		e.window.SlideOld()
		newFrame0 := e.window.Slots[0].Pose
		e.features.SlideWindowOld(oldFrame0, newFrame0, e.ext[0])
		for ts := range e.allFrames {
			if ts <= droppedTime {
				delete(e.allFrames, ts)
			}
		}
	} else {
		e.features.SlideWindowNew()
		e.window.SlideNew()
	}
}

// advanceFrame seeds the next window slot from the current one while
// the window is still filling up (no frame has been dropped yet, so
// there is nothing to marginalise).
func (e *Estimator) advanceFrame() {
	cur := e.window.Count
	if cur >= e.cfg.WindowSize {
		return
	}
	next := cur + 1
	e.window.Slots[next] = WindowSlot{
		Time: e.window.Slots[cur].Time,
		Pose: e.window.Slots[cur].Pose,
		SB:   e.window.Slots[cur].SB,
		Pre:  NewPreintegration(e.window.Slots[cur].SB.Ba, e.window.Slots[cur].SB.Bg, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise),
	}
	e.window.Count++
}

// publish refreshes the fast-prediction anchor to the latest optimised
// state and emits the keyframe/point-cloud outputs (spec.md §6).
func (e *Estimator) publish(t float64) {
	if e.solverFlag != SolverNonLinear {
		return
	}
	n := e.window.Count + 1
	if n > len(e.window.Slots) {
		n = len(e.window.Slots)
	}
	last := e.window.Slots[n-1]

	// Re-anchor fast prediction on the optimised state, then replay the
	// IMU samples already past the image timestamp so the low-latency
	// output catches back up (spec.md §5 "updateLatestStates").
	e.fastMu.Lock()
	e.fastActive = true
	e.fastPose = last.Pose
	e.fastSB = last.SB
	e.lastFastT = last.Time
	if k := len(last.Acc); k > 0 {
		e.lastFastAcc = last.Acc[k-1]
		e.lastFastGyr = last.Gyr[k-1]
		e.fastSeeded = true
	} else {
		e.fastSeeded = false
	}
	for _, s := range e.imuBuf.Since(last.Time) {
		e.stepFastLocked(s)
	}
	e.fastMu.Unlock()

	if e.keyframeOut != nil {
		poses := make([]Pose, n)
		for i := 0; i < n; i++ {
			poses[i] = e.window.Slots[i].Pose
		}
		e.keyframeOut(KeyframeOut{T: t, Poses: poses})
	}
	if e.pointCloudOut != nil {
		var pts []Vec3
		for _, lm := range e.features.Landmarks() {
			if lm.Status != StatusOK {
				continue
			}
			if p, ok := e.features.Cloud().Get(lm.FeatureID); ok {
				pts = append(pts, p)
			}
		}
		e.pointCloudOut(PointCloudOut{Points: pts})
	}
}
