package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S1 — geometry round-trip from the specification's worked example.
func TestS1_GeometryRoundTrip(t *testing.T) {
	p := LLA{Lat: -34.9286, Lon: 138.5999, Alt: 50}

	ecef := LLAToECEF(p)
	assert.InDelta(t, -3926830.7718, ecef.X, 1e-3)
	assert.InDelta(t, 3461979.1981, ecef.Y, 1e-3)
	assert.InDelta(t, -3631404.1142, ecef.Z, 1e-3)

	back := ECEFToLLA(ecef)
	assert.InDelta(t, p.Lat, back.Lat, 0.0001)
	assert.InDelta(t, p.Lon, back.Lon, 0.0001)
	assert.InDelta(t, p.Alt, back.Alt, 0.001)
}

func TestECEFRoundTripAcrossRange(t *testing.T) {
	lats := []float64{-85, -45, -10, 0, 10, 45, 85}
	lons := []float64{-179, -90, 0, 90, 179.999}
	alts := []float64{-1000, 0, 1000, 50000}

	for _, lat := range lats {
		for _, lon := range lons {
			for _, alt := range alts {
				p := LLA{Lat: lat, Lon: lon, Alt: alt}
				got := ECEFToLLA(LLAToECEF(p))
				assert.InDeltaf(t, p.Lat, got.Lat, 1e-6, "lat at %+v", p)
				assert.InDeltaf(t, p.Lon, got.Lon, 1e-6, "lon at %+v", p)
				assert.InDeltaf(t, p.Alt, got.Alt, 1e-3, "alt at %+v", p)
			}
		}
	}
}

func TestENUSymmetry(t *testing.T) {
	ref := LLA{Lat: -34.9, Lon: 138.6, Alt: 20}
	p := LLA{Lat: -34.95, Lon: 138.65, Alt: 500}

	enu := LLAToENU(p, ref)
	back := ENUToLLA(enu, ref)
	assert.InDelta(t, p.Lat, back.Lat, 1e-5)
	assert.InDelta(t, p.Lon, back.Lon, 1e-5)
	assert.InDelta(t, p.Alt, back.Alt, 1e-2)

	zero := ENUToLLA(ENU{}, ref)
	assert.InDelta(t, ref.Lat, zero.Lat, 1e-9)
	assert.InDelta(t, ref.Lon, zero.Lon, 1e-9)
	assert.InDelta(t, ref.Alt, zero.Alt, 1e-6)
}

func TestAveragePoints(t *testing.T) {
	pts := []ENU{{E: 0, N: 0, U: 0}, {E: 10, N: 20, U: 30}}
	avg := AveragePoints(pts)
	assert.Equal(t, ENU{E: 5, N: 10, U: 15}, avg)

	require.Equal(t, ENU{}, AveragePoints(nil))
}

// Ellipsoid focus sum: for every sample point s on an ellipsoid built from
// foci f1, f2 with bistatic range b, ||s-f1|| + ||s-f2|| = b + ||f1-f2||.
func TestEllipsoidFocusSum(t *testing.T) {
	tx := LLA{Lat: -34.9, Lon: 138.6, Alt: 10}
	rx := LLA{Lat: -34.92, Lon: 138.65, Alt: 15}
	e := NewEllipsoid(tx, rx)

	const b = 5000.0 // metres
	samples := e.SampleSurface(b, 36, 18, false)
	require.NotEmpty(t, samples)

	for _, s := range samples {
		sECEF := ENUToECEF(s, e.MidLLA)
		d1 := DistanceECEF(sECEF, e.Foci1)
		d2 := DistanceECEF(sECEF, e.Foci2)
		assert.InDelta(t, b+e.D, d1+d2, 1.0)
	}
}

func TestEllipsoidDegenerate(t *testing.T) {
	tx := LLA{Lat: -34.9, Lon: 138.6, Alt: 10}
	rx := LLA{Lat: -34.92, Lon: 138.65, Alt: 15}
	e := NewEllipsoid(tx, rx)

	// A bistatic range less than -d makes a(=(b+d)/2) negative and the
	// semi-minor axis imaginary: no samples.
	samples := e.SampleSurface(-1e9, 10, 5, false)
	assert.Empty(t, samples)
}

func TestDistanceLLAConsistentWithECEF(t *testing.T) {
	a := LLA{Lat: 0, Lon: 0, Alt: 0}
	b := LLA{Lat: 0, Lon: 1, Alt: 0}
	got := DistanceLLA(a, b)
	want := DistanceECEF(LLAToECEF(a), LLAToECEF(b))
	assert.InDelta(t, want, got, 1.0)
	assert.Greater(t, got, 100000.0)
}
