package localise

import (
	"math"

	"github.com/offworldlab/3lips/internal/geometry"
	"github.com/offworldlab/3lips/internal/model"
)

// Policy selects how candidate surface samples from the master receiver are
// reduced to a single point.
type Policy string

const (
	PolicyMean Policy = "mean"
	PolicyMin  Policy = "min"
)

// Parametric implements §4.5.1: sample each receiver's bistatic ellipsoid
// surface, then intersect the master receiver's samples against every other
// receiver's sample set by the configured Policy.
type Parametric struct {
	NSamples        int
	Threshold       float64 // metres
	Policy          Policy
	FlattenAltitude bool // true selects the Ellipse (2-D) variant

	cache *ellipsoidCache
}

// Process implements the shared Localiser signature.
func (p *Parametric) Process(associated model.AssociatedDetections, receivers map[string]model.Receiver) map[string]model.LocalisedPoint {
	if p.cache == nil {
		p.cache = newEllipsoidCache()
	}

	out := make(map[string]model.LocalisedPoint)

	for hex, dets := range associated {
		if len(dets) < MinReceivers {
			continue
		}

		master := dets[0]
		masterRecv, ok := receivers[master.Receiver]
		if !ok {
			continue
		}
		masterEllipsoid := p.cache.get(master.Receiver, masterRecv)
		masterSamples := masterEllipsoid.SampleSurface(master.Detection.DelayKm*1000, p.NSamples, p.NSamples/2, p.FlattenAltitude)
		if len(masterSamples) == 0 {
			continue
		}

		others := make([]struct{ samples []geometry.ENU }, 0, len(dets)-1)
		degenerate := false
		for _, d := range dets[1:] {
			recv, ok := receivers[d.Receiver]
			if !ok {
				degenerate = true
				break
			}
			e := p.cache.get(d.Receiver, recv)
			samples := e.SampleSurface(d.Detection.DelayKm*1000, p.NSamples, p.NSamples/2, p.FlattenAltitude)
			if len(samples) == 0 {
				degenerate = true
				break
			}
			// Re-express in the master midpoint's ENU frame for comparison.
			reprojected := make([]geometry.ENU, len(samples))
			for i, s := range samples {
				ecef := geometry.ENUToECEF(s, e.MidLLA)
				reprojected[i] = geometry.ECEFToENU(ecef, masterEllipsoid.MidLLA)
			}
			others = append(others, struct{ samples []geometry.ENU }{samples: reprojected})
		}
		if degenerate {
			continue
		}

		var point geometry.ENU
		var found bool
		switch p.Policy {
		case PolicyMin:
			point, found = minIntersect(masterSamples, others, p.Threshold)
		default:
			point, found = meanIntersect(masterSamples, others, p.Threshold)
		}
		if !found {
			continue
		}

		lla := geometry.ENUToLLA(point, masterEllipsoid.MidLLA)
		out[hex] = model.LocalisedPoint{Hex: hex, Points: []model.LLA{toModelLLA(lla)}}
	}

	return out
}

// meanIntersect retains every master sample for which all other receivers
// have at least one sample within Threshold, then returns the component-wise
// mean of the retained set.
func meanIntersect(master []geometry.ENU, others []struct{ samples []geometry.ENU }, threshold float64) (geometry.ENU, bool) {
	var retained []geometry.ENU
	for _, ms := range master {
		ok := true
		for _, other := range others {
			if nearestDistance(ms, other.samples) >= threshold {
				ok = false
				break
			}
		}
		if ok {
			retained = append(retained, ms)
		}
	}
	if len(retained) == 0 {
		return geometry.ENU{}, false
	}
	return geometry.AveragePoints(retained), true
}

// minIntersect selects the master sample minimising the Euclidean norm of
// its per-receiver minimum distances, with an early short-circuit once any
// one of those distances already exceeds threshold.
func minIntersect(master []geometry.ENU, others []struct{ samples []geometry.ENU }, threshold float64) (geometry.ENU, bool) {
	bestNorm := math.Inf(1)
	var best geometry.ENU
	found := false

	for _, ms := range master {
		sumSq := 0.0
		ok := true
		for _, other := range others {
			d := nearestDistance(ms, other.samples)
			if d >= threshold {
				ok = false
				break
			}
			sumSq += d * d
		}
		if !ok {
			continue
		}
		norm := math.Sqrt(sumSq)
		if norm < bestNorm {
			bestNorm = norm
			best = ms
			found = true
		}
	}
	if !found || bestNorm >= threshold {
		return geometry.ENU{}, false
	}
	return best, true
}

func nearestDistance(p geometry.ENU, set []geometry.ENU) float64 {
	best := math.Inf(1)
	for _, s := range set {
		d := geometry.DistanceENU(p, s)
		if d < best {
			best = d
		}
	}
	return best
}
