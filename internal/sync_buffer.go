package internal

import "sync"

// IMUBuffer holds the accumulated accelerometer/gyroscope samples and
// slices out the interval consumed by one image tick (spec.md §4.G
// "getIMUInterval"), generalising the teacher's Synchronizer (which
// matched same-timestamp samples across fixed IMUs) to VIO's single
// time-ordered stream sliced between two image timestamps.
type IMUBuffer struct {
	mu      sync.Mutex
	samples []IMUSample
}

// NewIMUBuffer creates an empty buffer.
func NewIMUBuffer() *IMUBuffer { return &IMUBuffer{} }

// Push appends a sample; callers must push in non-decreasing timestamp
// order (spec.md §5 "IMU samples consumed ... are strictly monotonic").
func (b *IMUBuffer) Push(s IMUSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, s)
}

// Latest returns the timestamp of the most recently pushed sample, or
// ok=false if the buffer is empty.
func (b *IMUBuffer) Latest() (t float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 {
		return 0, false
	}
	return b.samples[len(b.samples)-1].T, true
}

// Interval returns the samples covering [t0, t1]: starting from the last
// sample at or before t0 (the oldest sample if none is), every sample
// before t1, and then the first sample at or after t1. It then drops
// every sample older than the returned first one from the buffer, so
// the sample straddling t1 stays buffered for the next interval
// (spec.md §4.G "slice the IMU buffer for [prevTime, curTime]
// inclusive of the first sample straddling the boundary"). ok is false,
// and nothing is dropped, if the buffer does not yet reach t1.
func (b *IMUBuffer) Interval(t0, t1 float64) (samples []IMUSample, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 || b.samples[len(b.samples)-1].T < t1 {
		return nil, false
	}

	dropTo := 0
	for dropTo < len(b.samples) && b.samples[dropTo].T <= t0 {
		dropTo++
	}
	if dropTo > 0 {
		dropTo--
	}

	var out []IMUSample
	for i := dropTo; i < len(b.samples) && b.samples[i].T < t1; i++ {
		out = append(out, b.samples[i])
	}
	for i := 0; i < len(b.samples); i++ {
		if b.samples[i].T >= t1 {
			out = append(out, b.samples[i])
			break
		}
	}

	b.samples = append([]IMUSample(nil), b.samples[dropTo:]...)
	return out, true
}

// Since returns a copy of every buffered sample with timestamp strictly
// after t, in order. Used to replay the queue onto a freshly re-anchored
// fast-prediction state (spec.md §5 "updateLatestStates").
func (b *IMUBuffer) Since(t float64) []IMUSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []IMUSample
	for _, s := range b.samples {
		if s.T > t {
			out = append(out, s)
		}
	}
	return out
}

// Len reports the number of buffered samples.
func (b *IMUBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}
