package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWindowConfig() Config {
	cfg := DefaultConfig()
	cfg.WindowSize = 3
	return cfg
}

func TestSlideOldShiftsAndSeeds(t *testing.T) {
	w := NewSlidingWindow(testWindowConfig())
	w.Reset()
	for i := range w.Slots {
		w.Slots[i].Time = float64(i + 1)
		w.Slots[i].Pose.P = Vec3{X: float64(i)}
	}
	w.Count = 3

	dropped := w.SlideOld()

	assert.Equal(t, 1.0, dropped.Time)
	assert.Equal(t, Vec3{}, dropped.Pose.P)
	for i := 0; i < 3; i++ {
		assert.Equal(t, float64(i+2), w.Slots[i].Time, "slot %d time", i)
		assert.Equal(t, Vec3{X: float64(i + 1)}, w.Slots[i].Pose.P, "slot %d pose", i)
	}
	// Slot W replicates slot W-1 as the seed for the next interval, with
	// a fresh empty pre-integration.
	assert.Equal(t, w.Slots[2].Time, w.Slots[3].Time)
	assert.Equal(t, w.Slots[2].Pose.P, w.Slots[3].Pose.P)
	require.NotNil(t, w.Slots[3].Pre)
	assert.Zero(t, w.Slots[3].Pre.SumDt)
}

// TestSlideNewSplicesPreintegration checks the MARGIN_SECOND_NEW path:
// slot W's raw samples are replayed onto slot W-1's block so the
// combined span from slot W-2 through slot W's original time survives.
func TestSlideNewSplicesPreintegration(t *testing.T) {
	w := NewSlidingWindow(testWindowConfig())
	w.Reset()
	n := len(w.Slots)

	acc := Vec3{Z: 9.81}
	preW1 := NewPreintegration(Vec3{}, Vec3{}, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise)
	preW1.Seed(acc, Vec3{})
	for i := 0; i < 5; i++ {
		preW1.Push(0.01, acc, Vec3{})
		w.Slots[n-2].Dt = append(w.Slots[n-2].Dt, 0.01)
		w.Slots[n-2].Acc = append(w.Slots[n-2].Acc, acc)
		w.Slots[n-2].Gyr = append(w.Slots[n-2].Gyr, Vec3{})
	}
	w.Slots[n-2].Pre = preW1
	w.Slots[n-2].Time = 2.05

	preW := NewPreintegration(Vec3{}, Vec3{}, DefaultAccNoise, DefaultGyrNoise, DefaultAccBiasNoise, DefaultGyrBiasNoise)
	preW.Seed(acc, Vec3{})
	var dts []float64
	var accs, gyrs []Vec3
	for i := 0; i < 4; i++ {
		preW.Push(0.01, acc, Vec3{})
		dts = append(dts, 0.01)
		accs = append(accs, acc)
		gyrs = append(gyrs, Vec3{})
	}
	w.Slots[n-1] = WindowSlot{
		Time: 2.09,
		Pose: Pose{P: Vec3{X: 1}, Q: IdentityQuat()},
		Pre:  preW,
		Dt:   dts, Acc: accs, Gyr: gyrs,
	}

	w.SlideNew()

	assert.InDelta(t, 0.09, w.Slots[n-2].Pre.SumDt, 1e-9)
	assert.Equal(t, 2.09, w.Slots[n-2].Time)
	assert.Equal(t, Vec3{X: 1}, w.Slots[n-2].Pose.P)
	assert.Len(t, w.Slots[n-2].Dt, 9)

	require.NotNil(t, w.Slots[n-1].Pre)
	assert.Zero(t, w.Slots[n-1].Pre.SumDt)
	assert.Empty(t, w.Slots[n-1].Dt)
}

func TestResetClearsSlots(t *testing.T) {
	w := NewSlidingWindow(testWindowConfig())
	w.Slots[1].Time = 42
	w.Count = 2
	w.Reset()
	assert.Zero(t, w.Count)
	for i := range w.Slots {
		assert.Zero(t, w.Slots[i].Time)
		assert.Equal(t, IdentityQuat(), w.Slots[i].Pose.Q)
	}
}
