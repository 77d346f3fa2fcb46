package localise

import (
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/offworldlab/3lips/internal/geometry"
	"github.com/offworldlab/3lips/internal/model"
	"github.com/offworldlab/3lips/internal/monitoring"
)

const speedOfLight = 299792458.0

// LMConfig bundles the LM solver's convergence knobs from §6.
type LMConfig struct {
	MaxIterations        int
	ConvergenceThreshold float64
	ResidualCeiling      float64
}

// LMSolver implements §4.5.3: an initial guess from spherical intersection,
// refined by minimising the 6-residual vector of delay+Doppler mismatch
// across three detections. gonum/optimize has no dedicated
// Levenberg-Marquardt method; the Nelder-Mead simplex method over the
// summed-squared-residual scalar objective is used as the minimiser, with
// MaxIterations capping its major iterations. The search is not a
// Levenberg-Marquardt iteration and uses no gradient or Jacobian.
type LMSolver struct {
	Config LMConfig
}

type lmReceiverGeom struct {
	tx, rx geometry.ENU
	freqHz float64
}

// Process implements the shared Localiser signature.
func (s *LMSolver) Process(associated model.AssociatedDetections, receivers map[string]model.Receiver) map[string]model.LocalisedPoint {
	out := make(map[string]model.LocalisedPoint)
	sph := &Spherical{}

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
		ref := toGeomLLA(r0.TxLLA)

		geoms := []lmReceiverGeom{
			{tx: geometry.LLAToENU(toGeomLLA(r0.TxLLA), ref), rx: geometry.LLAToENU(toGeomLLA(r0.RxLLA), ref), freqHz: r0.FreqHz},
			{tx: geometry.LLAToENU(toGeomLLA(r1.TxLLA), ref), rx: geometry.LLAToENU(toGeomLLA(r1.RxLLA), ref), freqHz: r1.FreqHz},
			{tx: geometry.LLAToENU(toGeomLLA(r2.TxLLA), ref), rx: geometry.LLAToENU(toGeomLLA(r2.RxLLA), ref), freqHz: r2.FreqHz},
		}
		measDelayM := [3]float64{d0.Detection.DelayKm * 1000, d1.Detection.DelayKm * 1000, d2.Detection.DelayKm * 1000}
		measDoppler := [3]float64{d0.Detection.DopplerHz, d1.Detection.DopplerHz, d2.Detection.DopplerHz}

		seedAssoc := model.AssociatedDetections{hex: dets}
		seed := sph.Process(seedAssoc, receivers)
		var x0 [6]float64
		if sp, ok := seed[hex]; ok && len(sp.Points) > 0 {
			enu := geometry.LLAToENU(toGeomLLA(sp.Points[0]), ref)
			x0 = [6]float64{enu.E, enu.N, enu.U, 0, 0, 0}
		} else {
			continue // no spherical seed: degenerate geometry, emit no point
		}

		objective := func(x []float64) float64 {
			res := residuals(x, geoms, measDelayM, measDoppler)
			sum := 0.0
			for _, r := range res {
				sum += r * r
			}
			return sum
		}

		p := optimize.Problem{Func: objective}
		settings := &optimize.Settings{
			GradientThreshold: s.Config.ConvergenceThreshold,
			MajorIterations:   s.Config.MaxIterations,
		}
		result, err := optimize.Minimize(p, x0[:], settings, &optimize.NelderMead{})
		if err != nil || result == nil {
			monitoring.Logf("lm solver: target %s did not converge: %v", hex, err)
			continue
		}

		finalRes := residuals(result.X, geoms, measDelayM, measDoppler)
		norm := 0.0
		for _, r := range finalRes {
			norm += r * r
		}
		norm = math.Sqrt(norm)
		if norm > s.Config.ResidualCeiling {
			continue
		}

		point := geometry.ENU{E: result.X[0], N: result.X[1], U: result.X[2]}
		lla := geometry.ENUToLLA(point, ref)
		out[hex] = model.LocalisedPoint{
			Hex:    hex,
			Points: []model.LLA{toModelLLA(lla)},
			VelocityENU: &model.ENUVelocity{E: result.X[3], N: result.X[4], U: result.X[5]},
		}
	}

	return out
}

// residuals computes [Δb1, Δb2, Δb3, Δf1, Δf2, Δf3] for state x = [pos, vel]
// in ENU, against each receiver's predicted bistatic range and Doppler.
func residuals(x []float64, geoms []lmReceiverGeom, measDelayM, measDoppler [3]float64) [6]float64 {
	pos := geometry.ENU{E: x[0], N: x[1], U: x[2]}
	vel := [3]float64{x[3], x[4], x[5]}

	var out [6]float64
	for i, g := range geoms {
		rTx := geometry.DistanceENU(pos, g.tx)
		rRx := geometry.DistanceENU(pos, g.rx)
		baseline := geometry.DistanceENU(g.tx, g.rx)
		predRange := rTx + rRx - baseline
		out[i] = predRange - measDelayM[i]

		predDoppler := 0.0
		if g.freqHz > 0 {
			lambda := speedOfLight / g.freqHz
			closingTx := closingRate(pos, g.tx, vel)
			closingRx := closingRate(pos, g.rx, vel)
			predDoppler = (closingTx + closingRx) / lambda
		}
		out[3+i] = predDoppler - measDoppler[i]
	}
	return out
}

func closingRate(pos, anchor geometry.ENU, vel [3]float64) float64 {
	d := geometry.DistanceENU(pos, anchor)
	if d == 0 {
		return 0
	}
	ux := (anchor.E - pos.E) / d
	uy := (anchor.N - pos.N) / d
	uz := (anchor.U - pos.U) / d
	return -(vel[0]*ux + vel[1]*uy + vel[2]*uz)
}
