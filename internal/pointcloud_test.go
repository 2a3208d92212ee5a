package internal

import (
	"sort"
	"testing"
)

func vec3SlicesEqual(a, b []Vec3, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Slice(a, func(i, j int) bool {
		if a[i].X != a[j].X {
			return a[i].X < a[j].X
		}
		return a[i].Y < a[j].Y
	})
	sort.Slice(b, func(i, j int) bool {
		if b[i].X != b[j].X {
			return b[i].X < b[j].X
		}
		return b[i].Y < b[j].Y
	})
	for i := range a {
		d := a[i].Sub(b[i])
		if d.Norm() > tol {
			return false
		}
	}
	return true
}

func TestLandmarkCloud_AddAndGet(t *testing.T) {
	lc := NewLandmarkCloud()
	lc.Add(1, Vec3{X: 1, Y: 2, Z: 3})
	lc.Add(2, Vec3{X: 3, Y: 4, Z: 5})
	lc.Add(3, Vec3{X: -1, Y: 0, Z: 2})

	if lc.Len() != 3 {
		t.Fatalf("expected 3 landmarks, got %d", lc.Len())
	}
	p, ok := lc.Get(2)
	if !ok {
		t.Fatal("expected landmark 2 to be present")
	}
	if p.Sub(Vec3{X: 3, Y: 4, Z: 5}).Norm() > 1e-9 {
		t.Errorf("expected (3,4,5), got %v", p)
	}

	// Re-adding the same id updates in place rather than duplicating.
	lc.Add(2, Vec3{X: 30, Y: 40, Z: 50})
	if lc.Len() != 3 {
		t.Fatalf("expected Add to update in place, got %d landmarks", lc.Len())
	}
	p, _ = lc.Get(2)
	if p.Sub(Vec3{X: 30, Y: 40, Z: 50}).Norm() > 1e-9 {
		t.Errorf("expected updated position (30,40,50), got %v", p)
	}
}

func TestLandmarkCloud_Nearest(t *testing.T) {
	lc := NewLandmarkCloud()
	points := []Vec3{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 5, Y: 5, Z: 5},
		{X: -1, Y: -1, Z: 0},
	}
	for i, p := range points {
		lc.Add(i, p)
	}

	nearest := lc.Nearest(Vec3{X: 0, Y: 0, Z: 0}, 3)
	if len(nearest) != 3 {
		t.Fatalf("expected 3 nearest points, got %d", len(nearest))
	}
	expected := []Vec3{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
	}
	if !vec3SlicesEqual(nearest, expected, 1e-9) {
		t.Errorf("expected nearest %v, got %v", expected, nearest)
	}

	// Requesting more than available clamps to the cloud size.
	all := lc.Nearest(Vec3{X: 0, Y: 0, Z: 0}, 100)
	if len(all) != len(points) {
		t.Errorf("expected %d points when k exceeds cloud size, got %d", len(points), len(all))
	}
}

func TestLandmarkCloud_Clear(t *testing.T) {
	lc := NewLandmarkCloud()
	lc.Add(1, Vec3{X: 1, Y: 1, Z: 1})
	lc.Add(2, Vec3{X: 2, Y: 2, Z: 2})

	if lc.Len() == 0 {
		t.Fatal("LandmarkCloud should have points before Clear()")
	}

	lc.Clear()

	if lc.Len() != 0 {
		t.Errorf("expected LandmarkCloud to be empty after Clear(), got %d points", lc.Len())
	}

	lc.Add(3, Vec3{X: 3, Y: 3, Z: 3})
	if lc.Len() != 1 {
		t.Errorf("expected 1 point after adding post-Clear(), got %d", lc.Len())
	}
}
