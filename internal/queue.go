package internal

import (
	pqueue "github.com/kyroy/priority-queue"
)

// timestampQueue orders enqueued values by timestamp regardless of call
// order. It backs the estimator's image input queue, so InputImage can
// be invoked by concurrent producers without the caller asserting
// ordering itself (spec.md §5 "any number of producers may call inputIMU
// and inputImage concurrently"). IMU samples do not pass through it:
// InputIMU appends to IMUBuffer, which expects non-decreasing
// timestamps. The teacher's go.mod already carried this dependency
// as an unused indirect import; it is wired here for the first time.
type timestampQueue struct {
	pq *pqueue.PriorityQueue
}

func newTimestampQueue() *timestampQueue {
	return &timestampQueue{pq: pqueue.NewPriorityQueue()}
}

func (q *timestampQueue) push(t float64, v interface{}) {
	q.pq.Insert(v, t)
}

// pop removes and returns the lowest-timestamp value, or ok=false if
// empty.
func (q *timestampQueue) pop() (v interface{}, ok bool) {
	if q.pq.Len() == 0 {
		return nil, false
	}
	v = q.pq.PopLowest()
	if v == nil {
		return nil, false
	}
	return v, true
}
