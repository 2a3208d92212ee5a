package internal

// SlidingWindow owns the fixed-size W+1 window of frame state and
// implements the shift/seed/splice bookkeeping of spec.md §4.F.
type SlidingWindow struct {
	cfg   Config
	Slots []WindowSlot
	Count int // number of valid slots filled so far, saturating at len(Slots)-1
}

// NewSlidingWindow allocates a window of cfg.WindowSize+1 empty slots.
func NewSlidingWindow(cfg Config) *SlidingWindow {
	return &SlidingWindow{cfg: cfg, Slots: make([]WindowSlot, cfg.WindowSize+1)}
}

// Full reports whether every slot has been assigned at least once.
func (w *SlidingWindow) Full() bool { return w.Count >= w.cfg.WindowSize }

// SlideOld shifts slots [0..W-1] left by one, replicates slot W-1 into
// slot W as the seed for the next preintegration, and returns the
// dropped slot-0 state (needed by the feature manager's re-hosting
// step and the marginalisation step).
func (w *SlidingWindow) SlideOld() WindowSlot {
	dropped := w.Slots[0]
	n := len(w.Slots)
	for i := 0; i < n-1; i++ {
		w.Slots[i] = w.Slots[i+1]
	}
	seed := w.Slots[n-2]
	w.Slots[n-1] = WindowSlot{
		Time: seed.Time,
		Pose: seed.Pose,
		SB:   seed.SB,
		Pre:  NewPreintegration(seed.SB.Ba, seed.SB.Bg, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise),
	}
	if w.Count < n-1 {
		w.Count++
	}
	return dropped
}

// SlideNew implements MARGIN_SECOND_NEW: slot W collapses onto slot
// W-1 by splicing W's raw IMU samples onto W-1's pre-integration (spec.md
// §4.F "calling push on each in timestamp order"), then resetting slot W.
func (w *SlidingWindow) SlideNew() {
	n := len(w.Slots)
	wSlot := w.Slots[n-1]
	w1Slot := w.Slots[n-2]

	if w1Slot.Pre != nil {
		for i := range wSlot.Dt {
			w1Slot.Pre.Push(wSlot.Dt[i], wSlot.Acc[i], wSlot.Gyr[i])
		}
		w1Slot.Dt = append(w1Slot.Dt, wSlot.Dt...)
		w1Slot.Acc = append(w1Slot.Acc, wSlot.Acc...)
		w1Slot.Gyr = append(w1Slot.Gyr, wSlot.Gyr...)
	}
	w1Slot.Time = wSlot.Time
	w1Slot.Pose = wSlot.Pose
	w1Slot.SB = wSlot.SB
	w.Slots[n-2] = w1Slot

	w.Slots[n-1] = WindowSlot{
		Time: wSlot.Time,
		Pose: wSlot.Pose,
		SB:   wSlot.SB,
		Pre:  NewPreintegration(wSlot.SB.Ba, wSlot.SB.Bg, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise),
	}
}

// Reset clears every slot back to identity state (spec.md §4.G
// clearState).
func (w *SlidingWindow) Reset() {
	for i := range w.Slots {
		w.Slots[i] = WindowSlot{Pose: Pose{Q: IdentityQuat()}}
	}
	w.Count = 0
}
