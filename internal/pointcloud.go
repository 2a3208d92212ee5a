package internal

import (
	"sort"
	"sync"

	"github.com/kyroy/kdtree"
)

// kdLandmark adapts a 3D landmark position to kdtree.Point, the same way
// the teacher's 2D Point adapted to it.
type kdLandmark struct {
	ID  int
	Pos Vec3
}

func (p kdLandmark) Dimensions() int { return 3 }
func (p kdLandmark) Dimension(i int) float64 {
	switch i {
	case 0:
		return p.Pos.X
	case 1:
		return p.Pos.Y
	default:
		return p.Pos.Z
	}
}
func (p kdLandmark) Distance(q kdtree.Point) float64 {
	qp := q.(kdLandmark)
	d := p.Pos.Sub(qp.Pos)
	return d.Dot(d)
}

// LandmarkCloud is a k-d tree index over the 3D landmark positions
// recovered by the initialiser's structure-from-motion pass (spec.md
// §4.D step 3); the PnP step over non-keyframe frames (spec.md §4.D
// step 4) looks its 3D correspondences up by feature id with Get. The
// tree is kept up to date on every Add the way the teacher's PointCloud
// rebuilds on every AddPoint; Nearest falls back to a linear scan over
// the same backing slice, matching the teacher's own RadiusSearch (the
// tree is built for future spatial queries but the bundled kdtree
// version does not expose a k-NN/radius search the teacher ever called).
type LandmarkCloud struct {
	points []kdLandmark
	tree   *kdtree.KDTree
	mu     sync.Mutex
}

// NewLandmarkCloud initialises an empty cloud.
func NewLandmarkCloud() *LandmarkCloud {
	return &LandmarkCloud{points: make([]kdLandmark, 0)}
}

func toKDPoints(points []kdLandmark) []kdtree.Point {
	out := make([]kdtree.Point, len(points))
	for i, p := range points {
		out[i] = p
	}
	return out
}

// Add inserts or replaces the 3D position of a landmark by feature id.
func (lc *LandmarkCloud) Add(featureID int, pos Vec3) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for i := range lc.points {
		if lc.points[i].ID == featureID {
			lc.points[i].Pos = pos
			lc.tree = kdtree.New(toKDPoints(lc.points))
			return
		}
	}
	lc.points = append(lc.points, kdLandmark{ID: featureID, Pos: pos})
	lc.tree = kdtree.New(toKDPoints(lc.points))
}

// Get returns the 3D position of featureID and whether it is present.
func (lc *LandmarkCloud) Get(featureID int) (Vec3, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for _, p := range lc.points {
		if p.ID == featureID {
			return p.Pos, true
		}
	}
	return Vec3{}, false
}

// Nearest returns the k landmark positions closest to query, nearest
// first.
func (lc *LandmarkCloud) Nearest(query Vec3, k int) []Vec3 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.points) == 0 {
		return nil
	}
	type scored struct {
		pos  Vec3
		dist float64
	}
	scoredPts := make([]scored, len(lc.points))
	for i, p := range lc.points {
		d := p.Pos.Sub(query)
		scoredPts[i] = scored{pos: p.Pos, dist: d.Dot(d)}
	}
	sort.Slice(scoredPts, func(i, j int) bool { return scoredPts[i].dist < scoredPts[j].dist })
	if k > len(scoredPts) {
		k = len(scoredPts)
	}
	out := make([]Vec3, k)
	for i := 0; i < k; i++ {
		out[i] = scoredPts[i].pos
	}
	return out
}

// Len returns the number of landmarks indexed.
func (lc *LandmarkCloud) Len() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return len(lc.points)
}

// Clear empties the cloud; FeatureManager.ClearState calls it when the
// estimator resets.
func (lc *LandmarkCloud) Clear() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.points = lc.points[:0]
	lc.tree = nil
}
