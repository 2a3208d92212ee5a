package internal

import "math"

// Uncertainty models how measurement noise grows over an integration
// span. The feature manager's outlier removal uses it to seed the pixel
// noise radius for the §4.B consistency gate (LandmarkConsistencyAlpha).
type Uncertainty struct {
	NoiseLevel      float64 // sensor noise density
	IntegrationTime float64 // time over which the quantity is integrated
}

// NewUncertainty creates a new Uncertainty instance.
func NewUncertainty(noiseLevel, integrationTime float64) *Uncertainty {
	return &Uncertainty{
		NoiseLevel:      noiseLevel,
		IntegrationTime: integrationTime,
	}
}

// Estimate returns the 1-sigma uncertainty radius: noise scales with the
// square root of the integration time for a random-walk process.
func (u *Uncertainty) Estimate() float64 {
	return u.NoiseLevel * math.Sqrt(u.IntegrationTime)
}

// TriangulationDepthPlausible reports whether a newly solved depth is
// finite and inside the fixed bounds (1e-3, 1e4); no noise model is
// involved (spec.md §4.B triangulation acceptance).
func TriangulationDepthPlausible(depth float64) bool {
	return depth > 1e-3 && depth < 1e4 && !math.IsNaN(depth) && !math.IsInf(depth, 0)
}
