// Package associate links per-receiver detections to ADS-B truth targets by
// predicted bistatic delay and Doppler residuals, so that only
// co-referenced detections are fused downstream.
package associate

import (
	"math"
	"sort"

	"github.com/offworldlab/3lips/internal/geometry"
	"github.com/offworldlab/3lips/internal/model"
)

const speedOfLight = 299792458.0 // m/s

// Weights bundles the associator's tunable gate/weight parameters (§6,
// "exact Doppler-gate weights... left as tunable parameters").
type Weights struct {
	WeightDelay   float64
	WeightDoppler float64
	GateDelayM    float64
	GateDopplerHz float64
}

// Associator implements the ADSB-associator of §4.4: for each ADS-B target
// and each receiver it predicts the bistatic delay/Doppler and selects the
// detection that minimises the weighted residual, subject to both gates.
type Associator struct {
	Weights Weights
}

// New returns an Associator configured with w.
func New(w Weights) *Associator {
	return &Associator{Weights: w}
}

// Process implements §4.4's process(radar_keys, radar_data, timestamp_ms) ->
// {hex -> [detection_per_radar]}. radarData maps a receiver key to its
// detections for this tick (nil/absent means the receiver produced nothing).
// A target only appears in the output if at least two receivers produced an
// associated detection.
func (a *Associator) Process(
	radarKeys []string,
	radarData map[string][]model.Detection,
	receivers map[string]model.Receiver,
	truths map[string]model.TruthTarget,
) model.AssociatedDetections {
	out := model.AssociatedDetections{}

	for hex, truth := range truths {
		var perReceiver []model.AssociatedDetection

		for _, key := range radarKeys {
			recv, ok := receivers[key]
			if !ok {
				continue
			}
			detections := radarData[key]
			if len(detections) == 0 {
				continue
			}

			predDelay := predictedBistaticDelayKm(recv, truth.Pos)
			predDoppler := 0.0
			if truth.VelENU != nil {
				predDoppler = predictedBistaticDopplerHz(recv, truth.Pos, *truth.VelENU)
			}

			best, bestResid, found := a.selectBest(detections, predDelay, predDoppler)
			if !found {
				continue
			}

			perReceiver = append(perReceiver, model.AssociatedDetection{
				Receiver:     key,
				Detection:    best,
				DelayResid:   bestResid.delay,
				DopplerResid: bestResid.doppler,
			})
		}

		if len(perReceiver) >= 2 {
			out[hex] = perReceiver
		}
	}

	return out
}

type residual struct {
	delay    float64
	doppler  float64
	combined float64
}

// selectBest picks the detection minimising w_d*|delay_resid| +
// w_f*|doppler_resid|, subject to both residuals being under their gates.
// Ties are broken by smallest combined residual, then lowest index.
func (a *Associator) selectBest(detections []model.Detection, predDelayKm, predDopplerHz float64) (model.Detection, residual, bool) {
	bestIdx := -1
	var best model.Detection
	var bestResid residual
	bestCombined := math.Inf(1)

	predDelayM := predDelayKm * 1000

	for i, d := range detections {
		delayResid := d.DelayKm*1000 - predDelayM
		dopplerResid := d.DopplerHz - predDopplerHz

		if math.Abs(delayResid) >= a.Weights.GateDelayM {
			continue
		}
		if math.Abs(dopplerResid) >= a.Weights.GateDopplerHz {
			continue
		}

		combined := a.Weights.WeightDelay*math.Abs(delayResid) + a.Weights.WeightDoppler*math.Abs(dopplerResid)
		if combined < bestCombined {
			bestCombined = combined
			bestIdx = i
			best = d
			bestResid = residual{delay: delayResid, doppler: dopplerResid, combined: combined}
		}
	}

	return best, bestResid, bestIdx >= 0
}

// predictedBistaticDelayKm returns R_pred = ||tx-tgt|| + ||tgt-rx|| - ||tx-rx||
// in kilometres.
func predictedBistaticDelayKm(recv model.Receiver, tgt model.LLA) float64 {
	tx := geometry.LLAToECEF(toGeomLLA(recv.TxLLA))
	rx := geometry.LLAToECEF(toGeomLLA(recv.RxLLA))
	tg := geometry.LLAToECEF(toGeomLLA(tgt))

	rTxTgt := geometry.DistanceECEF(tx, tg)
	rTgtRx := geometry.DistanceECEF(tg, rx)
	rTxRx := geometry.DistanceECEF(tx, rx)

	return (rTxTgt + rTgtRx - rTxRx) / 1000
}

// predictedBistaticDopplerHz returns the bistatic Doppler implied by the
// target's ENU velocity: the rate of change of the bistatic range (the sum
// of the tx-leg and rx-leg range rates), divided by the carrier wavelength.
func predictedBistaticDopplerHz(recv model.Receiver, tgt model.LLA, vel model.ENUVelocity) float64 {
	tx := geometry.LLAToENU(toGeomLLA(recv.TxLLA), toGeomLLA(tgt))
	rx := geometry.LLAToENU(toGeomLLA(recv.RxLLA), toGeomLLA(tgt))

	unitToward := func(p geometry.ENU) (float64, float64, float64) {
		d := math.Sqrt(p.E*p.E + p.N*p.N + p.U*p.U)
		if d == 0 {
			return 0, 0, 0
		}
		// Unit vector from p toward the target; the velocity component
		// along it is the rate at which that leg's range grows.
		return -p.E / d, -p.N / d, -p.U / d
	}

	txE, txN, txU := unitToward(tx)
	rxE, rxN, rxU := unitToward(rx)

	drdtTx := vel.E*txE + vel.N*txN + vel.U*txU
	drdtRx := vel.E*rxE + vel.N*rxN + vel.U*rxU

	drdt := drdtTx + drdtRx

	if recv.FreqHz <= 0 {
		return 0
	}
	lambda := speedOfLight / recv.FreqHz
	return drdt / lambda
}

func toGeomLLA(p model.LLA) geometry.LLA {
	return geometry.LLA{Lat: p.Lat, Lon: p.Lon, Alt: p.Alt}
}

// SortedKeys returns a stable, sorted copy of a receiver-key set, used where
// deterministic iteration order matters (insertion order is not guaranteed
// by a Go map).
func SortedKeys(m map[string]model.Receiver) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
