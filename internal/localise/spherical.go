package localise

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/offworldlab/3lips/internal/geometry"
	"github.com/offworldlab/3lips/internal/model"
)

// Spherical implements §4.5.2: a closed-form solver over three receivers'
// bistatic ranges, expressed as a linear system in the ENU frame tangent at
// the first receiver's transmitter, disambiguated by positive-altitude
// preference.
type Spherical struct{}

// Process implements the shared Localiser signature.
func (s *Spherical) Process(associated model.AssociatedDetections, receivers map[string]model.Receiver) map[string]model.LocalisedPoint {
	out := make(map[string]model.LocalisedPoint)

	for hex, dets := range associated {
		if len(dets) < MinReceivers {
			continue
		}
		d0, d1, d2 := dets[0], dets[1], dets[2]
		r0, ok0 := receivers[d0.Receiver]
		r1, ok1 := receivers[d1.Receiver]
		r2, ok2 := receivers[d2.Receiver]
		if !ok0 || !ok1 || !ok2 {
			continue
		}

		ref := geometry.LLA{Lat: r0.TxLLA.Lat, Lon: r0.TxLLA.Lon, Alt: r0.TxLLA.Alt}

		tx0 := geometry.LLAToENU(toGeomLLA(r0.TxLLA), ref)
		rx0 := geometry.LLAToENU(toGeomLLA(r0.RxLLA), ref)
		tx1 := geometry.LLAToENU(toGeomLLA(r1.TxLLA), ref)
		rx1 := geometry.LLAToENU(toGeomLLA(r1.RxLLA), ref)
		tx2 := geometry.LLAToENU(toGeomLLA(r2.TxLLA), ref)
		rx2 := geometry.LLAToENU(toGeomLLA(r2.RxLLA), ref)

		// Bistatic range -> monostatic-equivalent range sphere radius per
		// receiver: R_i = (b_i + baseline_i)/2, centred at the receiver's
		// midpoint, same construction the parametric ellipsoid uses for its
		// semi-major axis.
		mid0 := midpoint(tx0, rx0)
		mid1 := midpoint(tx1, rx1)
		mid2 := midpoint(tx2, rx2)

		baseline0 := geometry.DistanceENU(tx0, rx0)
		baseline1 := geometry.DistanceENU(tx1, rx1)
		baseline2 := geometry.DistanceENU(tx2, rx2)

		R0 := (d0.Detection.DelayKm*1000 + baseline0) / 2
		R1 := (d1.Detection.DelayKm*1000 + baseline1) / 2
		R2 := (d2.Detection.DelayKm*1000 + baseline2) / 2

		point, ok := trilaterate(mid0, mid1, mid2, R0, R1, R2)
		if !ok {
			continue
		}

		lla := geometry.ENUToLLA(point, ref)
		out[hex] = model.LocalisedPoint{Hex: hex, Points: []model.LLA{toModelLLA(lla)}}
	}

	return out
}

func midpoint(a, b geometry.ENU) geometry.ENU {
	return geometry.ENU{E: (a.E + b.E) / 2, N: (a.N + b.N) / 2, U: (a.U + b.U) / 2}
}

// trilaterate solves the classic three-sphere intersection by linearising
// against sphere 0: subtracting ‖p-c1‖²=R1² and ‖p-c2‖²=R2² from
// ‖p-c0‖²=R0² yields two linear equations in p, solved together with the
// plane through c0,c1,c2 to pick one of the two algebraic roots — the one
// with higher computed altitude (positive-altitude preference).
func trilaterate(c0, c1, c2 geometry.ENU, r0, r1, r2 float64) (geometry.ENU, bool) {
	// Linear system A*p = b from differencing sphere equations.
	a := mat.NewDense(2, 3, []float64{
		2 * (c1.E - c0.E), 2 * (c1.N - c0.N), 2 * (c1.U - c0.U),
		2 * (c2.E - c0.E), 2 * (c2.N - c0.N), 2 * (c2.U - c0.U),
	})
	k1 := r0*r0 - r1*r1 - normSq(c0) + normSq(c1)
	k2 := r0*r0 - r2*r2 - normSq(c0) + normSq(c2)
	b := mat.NewVecDense(2, []float64{k1, k2})

	// Normal to the plane through c0,c1,c2 gives the third (free) direction.
	u := sub(c1, c0)
	v := sub(c2, c0)
	nrm := cross(u, v)
	nlen := math.Sqrt(normSq(geometry.ENU{E: nrm[0], N: nrm[1], U: nrm[2]}))
	if nlen < 1e-6 {
		return geometry.ENU{}, false // collinear receivers
	}

	a3 := mat.NewDense(3, 3, []float64{
		a.At(0, 0), a.At(0, 1), a.At(0, 2),
		a.At(1, 0), a.At(1, 1), a.At(1, 2),
		nrm[0], nrm[1], nrm[2],
	})
	var aInv mat.Dense
	if err := aInv.Inverse(a3); err != nil {
		return geometry.ENU{}, false
	}

	// Solve for the two roots along the normal direction: p = p0 + t*n_hat.
	// First find the point on the plane satisfying the two linear equations
	// with the free coordinate set to zero contribution, then perturb along
	// n to satisfy ‖p-c0‖=r0.
	b3 := mat.NewVecDense(3, []float64{b.AtVec(0), b.AtVec(1), 0})
	var p0v mat.VecDense
	p0v.MulVec(&aInv, b3)
	p0 := geometry.ENU{E: p0v.AtVec(0), N: p0v.AtVec(1), U: p0v.AtVec(2)}

	nHat := geometry.ENU{E: nrm[0] / nlen, N: nrm[1] / nlen, U: nrm[2] / nlen}

	// ‖p0 + t*nHat - c0‖^2 = r0^2  =>  t^2 + 2*t*(p0-c0)·nHat + (‖p0-c0‖²-r0²) = 0
	d := sub(p0, c0)
	bCoef := 2 * dot(d, nHat)
	cCoef := normSq(d) - r0*r0
	disc := bCoef*bCoef - 4*cCoef
	if disc < 0 {
		return geometry.ENU{}, false
	}
	sq := math.Sqrt(disc)
	t1 := (-bCoef + sq) / 2
	t2 := (-bCoef - sq) / 2

	cand1 := geometry.ENU{E: p0.E + t1*nHat.E, N: p0.N + t1*nHat.N, U: p0.U + t1*nHat.U}
	cand2 := geometry.ENU{E: p0.E + t2*nHat.E, N: p0.N + t2*nHat.N, U: p0.U + t2*nHat.U}

	if cand1.U >= cand2.U {
		return cand1, true
	}
	return cand2, true
}

func normSq(p geometry.ENU) float64 { return p.E*p.E + p.N*p.N + p.U*p.U }
func sub(a, b geometry.ENU) geometry.ENU {
	return geometry.ENU{E: a.E - b.E, N: a.N - b.N, U: a.U - b.U}
}
func dot(a, b geometry.ENU) float64 { return a.E*b.E + a.N*b.N + a.U*b.U }
func cross(a, b geometry.ENU) [3]float64 {
	return [3]float64{
		a.N*b.U - a.U*b.N,
		a.U*b.E - a.E*b.U,
		a.E*b.N - a.N*b.E,
	}
}
