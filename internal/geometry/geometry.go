// Package geometry provides pure WGS-84 coordinate transforms and the
// bistatic-ellipsoid construction used by the localisers. Every function here
// is CPU-only and side-effect free, by design: the fusion loop calls these
// from within a tick without touching a clock or the network.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// WGS-84 ellipsoid constants.
const (
	WGS84A  = 6378137.0         // semi-major axis, metres
	wgs84F  = 1 / 298.257223563 // flattening
	wgs84E2 = wgs84F * (2 - wgs84F)
)

// LLA is a geodetic point: latitude/longitude in degrees, altitude in metres
// above the WGS-84 ellipsoid.
type LLA struct {
	Lat float64
	Lon float64
	Alt float64
}

// ECEF is an earth-centred, earth-fixed cartesian point in metres.
type ECEF struct {
	X float64
	Y float64
	Z float64
}

// ENU is an east-north-up cartesian point in metres, tangent to the
// ellipsoid at some reference LLA.
type ENU struct {
	E float64
	N float64
	U float64
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }

// LLAToECEF converts a geodetic point to ECEF.
func LLAToECEF(p LLA) ECEF {
	lat := deg2rad(p.Lat)
	lon := deg2rad(p.Lon)
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	n := WGS84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	return ECEF{
		X: (n + p.Alt) * cosLat * cosLon,
		Y: (n + p.Alt) * cosLat * sinLon,
		Z: (n*(1-wgs84E2) + p.Alt) * sinLat,
	}
}

// ECEFToLLA converts an ECEF point to geodetic, using Bowring's iterative
// method refined over three rounds — enough for WGS-84 to converge to
// sub-millimetre accuracy at any altitude this engine cares about.
func ECEFToLLA(p ECEF) LLA {
	x, y, z := p.X, p.Y, p.Z

	lon := math.Atan2(y, x)
	r := math.Hypot(x, y)

	lat := math.Atan2(z, r*(1-wgs84E2))
	var n, alt float64
	for i := 0; i < 3; i++ {
		sinLat := math.Sin(lat)
		n = WGS84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
		alt = r/math.Cos(lat) - n
		lat = math.Atan2(z, r*(1-wgs84E2*n/(n+alt)))
	}
	sinLat := math.Sin(lat)
	n = WGS84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	alt = r/math.Cos(lat) - n

	return LLA{Lat: rad2deg(lat), Lon: rad2deg(lon), Alt: alt}
}

// LLAToENU converts a target LLA point into the ENU frame tangent at ref.
func LLAToENU(target, ref LLA) ENU {
	return ECEFToENU(LLAToECEF(target), ref)
}

// ENUToLLA converts an ENU point (relative to ref) back to geodetic.
func ENUToLLA(p ENU, ref LLA) LLA {
	return ECEFToLLA(ENUToECEF(p, ref))
}

// ECEFToENU converts an ECEF point into the ENU frame tangent at ref.
func ECEFToENU(p ECEF, ref LLA) ENU {
	refECEF := LLAToECEF(ref)
	dx := p.X - refECEF.X
	dy := p.Y - refECEF.Y
	dz := p.Z - refECEF.Z

	lat := deg2rad(ref.Lat)
	lon := deg2rad(ref.Lon)
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	e := -sinLon*dx + cosLon*dy
	n := -sinLat*cosLon*dx - sinLat*sinLon*dy + cosLat*dz
	u := cosLat*cosLon*dx + cosLat*sinLon*dy + sinLat*dz

	return ENU{E: e, N: n, U: u}
}

// ENUToECEF converts an ENU point (relative to ref) into ECEF.
func ENUToECEF(p ENU, ref LLA) ECEF {
	refECEF := LLAToECEF(ref)
	lat := deg2rad(ref.Lat)
	lon := deg2rad(ref.Lon)
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	dx := -sinLon*p.E - sinLat*cosLon*p.N + cosLat*cosLon*p.U
	dy := cosLon*p.E - sinLat*sinLon*p.N + cosLat*sinLon*p.U
	dz := cosLat*p.N + sinLat*p.U

	return ECEF{X: refECEF.X + dx, Y: refECEF.Y + dy, Z: refECEF.Z + dz}
}

// DistanceECEF returns the straight-line distance between two ECEF points.
func DistanceECEF(a, b ECEF) float64 {
	return math.Sqrt((a.X-b.X)*(a.X-b.X) + (a.Y-b.Y)*(a.Y-b.Y) + (a.Z-b.Z)*(a.Z-b.Z))
}

// DistanceENU returns the straight-line distance between two ENU points.
func DistanceENU(a, b ENU) float64 {
	de, dn, du := a.E-b.E, a.N-b.N, a.U-b.U
	return math.Sqrt(de*de + dn*dn + du*du)
}

// DistanceLLA returns the straight-line distance between two LLA points by
// projecting b into an ENU frame tangent at a.
func DistanceLLA(a, b LLA) float64 {
	return DistanceENU(ENU{}, LLAToENU(b, a))
}

// AveragePoints returns the component-wise mean of an unordered set of ENU
// points. An empty set returns the zero point.
func AveragePoints(points []ENU) ENU {
	if len(points) == 0 {
		return ENU{}
	}
	es := make([]float64, len(points))
	ns := make([]float64, len(points))
	us := make([]float64, len(points))
	for i, p := range points {
		es[i], ns[i], us[i] = p.E, p.N, p.U
	}
	return ENU{E: stat.Mean(es, nil), N: stat.Mean(ns, nil), U: stat.Mean(us, nil)}
}

// AveragePointsLLA returns the component-wise mean LLA of an unordered set of
// LLA points, computed in the ENU frame tangent at the first point to avoid
// longitude-wraparound artefacts, then converted back.
func AveragePointsLLA(points []LLA) LLA {
	if len(points) == 0 {
		return LLA{}
	}
	ref := points[0]
	enus := make([]ENU, len(points))
	for i, p := range points {
		enus[i] = LLAToENU(p, ref)
	}
	return ENUToLLA(AveragePoints(enus), ref)
}

// Ellipsoid is the prolate surface of constant bistatic range for a tx/rx
// pair: the locus of points whose summed range to the two foci equals a
// constant. It is immutable once constructed and safe to cache per receiver.
type Ellipsoid struct {
	Foci1  ECEF
	Foci2  ECEF
	Mid    ECEF
	MidLLA LLA
	D      float64 // focal separation, metres
	Yaw    float64 // radians
	Pitch  float64 // radians
}

// NewEllipsoid constructs the ellipsoid geometry shared by every bistatic
// range for a tx/rx pair. tx and rx are the two foci; the midpoint's
// geodetic position (MidLLA) is the reference LLA used to express the
// baseline orientation in ENU.
func NewEllipsoid(tx, rx LLA) Ellipsoid {
	txECEF := LLAToECEF(tx)
	rxECEF := LLAToECEF(rx)

	mid := ECEF{
		X: (txECEF.X + rxECEF.X) / 2,
		Y: (txECEF.Y + rxECEF.Y) / 2,
		Z: (txECEF.Z + rxECEF.Z) / 2,
	}
	midLLA := ECEFToLLA(mid)

	d := DistanceECEF(txECEF, rxECEF)

	// Baseline orientation: ENU vector from the midpoint to focus 1.
	f1ENU := ECEFToENU(txECEF, midLLA)
	yaw := -math.Atan2(f1ENU.N, f1ENU.E)
	pitch := math.Atan2(f1ENU.U, math.Hypot(f1ENU.E, f1ENU.N))

	return Ellipsoid{
		Foci1: txECEF, Foci2: rxECEF, Mid: mid, MidLLA: midLLA,
		D: d, Yaw: yaw, Pitch: pitch,
	}
}

// SampleSurface samples the ellipsoid's surface on a product grid of
// dimensions nU x nV, for a given bistatic delay b (metres). Samples with
// ENU-up <= 0 (below the local horizon) are dropped when flat2D is false and
// kept-but-flattened when flat2D is true (the Ellipse variant zeros altitude).
// Returned points are ENU relative to the ellipsoid's midpoint.
func (e Ellipsoid) SampleSurface(b float64, nU, nV int, flat2D bool) []ENU {
	a := (b + e.D) / 2
	bb2 := a*a - (e.D/2)*(e.D/2)
	if bb2 <= 0 {
		return nil
	}
	semiMinor := math.Sqrt(bb2)

	sinYaw, cosYaw := math.Sincos(e.Yaw)
	sinPitch, cosPitch := math.Sincos(e.Pitch)

	out := make([]ENU, 0, nU*nV)
	for iu := 0; iu < nU; iu++ {
		u := 2 * math.Pi * float64(iu) / float64(nU)
		sinU, cosU := math.Sincos(u)
		for iv := 0; iv < nV; iv++ {
			v := -math.Pi/2 + math.Pi*float64(iv)/float64(nV)
			sinV, cosV := math.Sincos(v)

			// Ellipsoid of revolution about its major axis, in its own frame.
			px := a * cosV * cosU
			py := semiMinor * cosV * sinU
			pz := semiMinor * sinV

			// Rotate by pitch about the local Y axis, then yaw about Z.
			rx := px*cosPitch - pz*sinPitch
			rz := px*sinPitch + pz*cosPitch
			ry := py

			ex := rx*cosYaw + ry*sinYaw
			en := -rx*sinYaw + ry*cosYaw
			up := rz

			if !flat2D && up <= 0 {
				continue
			}
			if flat2D {
				up = 0
			}
			out = append(out, ENU{E: ex, N: en, U: up})
		}
	}
	return out
}
