// Package localise turns a set of per-receiver associated detections into a
// geographic target position, by one of four algorithms: Ellipse/Ellipsoid
// parametric intersection, closed-form spherical intersection, or an
// iterative delay+Doppler solver over three detections (LMSolver, which
// minimises with Nelder-Mead rather than Levenberg-Marquardt).
package localise

import (
	"github.com/offworldlab/3lips/internal/geometry"
	"github.com/offworldlab/3lips/internal/model"
)

// Kind names one of the six localiser variants, replacing the duck-typed
// localiser objects of the original with a closed tagged set.
type Kind string

const (
	KindEllipseMean   Kind = "ellipse_mean"
	KindEllipseMin    Kind = "ellipse_min"
	KindEllipsoidMean Kind = "ellipsoid_mean"
	KindEllipsoidMin  Kind = "ellipsoid_min"
	KindSphericalInt  Kind = "spherical_intersection"
	KindLMSolver3     Kind = "lm_solver_3"
)

// MinReceivers is the minimum number of associated receivers every localiser
// requires, regardless of variant (the associator itself already enforces a
// floor of 2; localisers additionally require 3 for a non-degenerate fix).
const MinReceivers = 3

// Localiser is the capability every variant implements: process a tick's
// associated detections into a localised point per target.
type Localiser interface {
	Process(associated model.AssociatedDetections, receivers map[string]model.Receiver) map[string]model.LocalisedPoint
}

// New constructs the Localiser for a given Kind, with the tuning knobs it
// needs. Unneeded knobs for a given kind are ignored.
func New(kind Kind, nSamples int, threshold float64, lm LMConfig) Localiser {
	switch kind {
	case KindEllipseMean:
		return &Parametric{NSamples: nSamples, Threshold: threshold, Policy: PolicyMean, FlattenAltitude: true}
	case KindEllipseMin:
		return &Parametric{NSamples: nSamples, Threshold: threshold, Policy: PolicyMin, FlattenAltitude: true}
	case KindEllipsoidMean:
		return &Parametric{NSamples: nSamples, Threshold: threshold, Policy: PolicyMean, FlattenAltitude: false}
	case KindEllipsoidMin:
		return &Parametric{NSamples: nSamples, Threshold: threshold, Policy: PolicyMin, FlattenAltitude: false}
	case KindSphericalInt:
		return &Spherical{}
	case KindLMSolver3:
		return &LMSolver{Config: lm}
	default:
		return &Parametric{NSamples: nSamples, Threshold: threshold, Policy: PolicyMean, FlattenAltitude: false}
	}
}

// ellipsoidCache memoises per-receiver Ellipsoid construction; every
// localiser instance owns its own cache, touched only by the fusion task
// (per the concurrency model's ownership rule).
type ellipsoidCache struct {
	byReceiver map[string]geometry.Ellipsoid
}

func newEllipsoidCache() *ellipsoidCache {
	return &ellipsoidCache{byReceiver: make(map[string]geometry.Ellipsoid)}
}

func (c *ellipsoidCache) get(key string, recv model.Receiver) geometry.Ellipsoid {
	if e, ok := c.byReceiver[key]; ok {
		return e
	}
	e := geometry.NewEllipsoid(
		geometry.LLA{Lat: recv.TxLLA.Lat, Lon: recv.TxLLA.Lon, Alt: recv.TxLLA.Alt},
		geometry.LLA{Lat: recv.RxLLA.Lat, Lon: recv.RxLLA.Lon, Alt: recv.RxLLA.Alt},
	)
	c.byReceiver[key] = e
	return e
}

func toGeomLLA(p model.LLA) geometry.LLA {
	return geometry.LLA{Lat: p.Lat, Lon: p.Lon, Alt: p.Alt}
}

func toModelLLA(p geometry.LLA) model.LLA {
	return model.LLA{Lat: p.Lat, Lon: p.Lon, Alt: p.Alt}
}
