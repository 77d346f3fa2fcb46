// Package model holds the typed records shared across the fusion engine's
// components. Free-form JSON only exists at the HTTP/socket boundary
// (internal/receiver, internal/truth, internal/messaging); everywhere else
// these typed records are passed around, per the spec's design note against
// nested untyped map payloads.
package model

import "time"

// Receiver is a passive-radar node: a stable key plus its static bistatic
// geometry. Declared at process start from configuration and immutable for
// the life of the process.
type Receiver struct {
	Key    string
	TxLLA  LLA
	RxLLA  LLA
	FreqHz float64
}

// LLA is a geodetic point: latitude/longitude in degrees, altitude in
// metres. Duplicated here (rather than imported from internal/geometry) so
// that internal/model has no dependency on the math package — callers
// convert at the boundary. The fields are laid out identically so a
// conversion is a struct literal, not a transform.
type LLA struct {
	Lat float64
	Lon float64
	Alt float64
}

// Detection is a single per-tick measurement from one receiver for one
// target candidate.
type Detection struct {
	Receiver  string
	Timestamp time.Time
	DelayKm   float64 // bistatic delay, km
	DopplerHz float64
}

// TruthTarget is an ADS-B-reported aircraft eligible for fusion.
type TruthTarget struct {
	Hex       string
	Flight    string
	Pos       LLA
	Timestamp time.Time
	SeenPos   float64 // seconds since last reported position
	VelENU    *ENUVelocity
}

// ENUVelocity is an east/north/up velocity in m/s.
type ENUVelocity struct {
	E float64
	N float64
	U float64
}

// AssociatedDetection pairs a receiver's chosen detection with the residuals
// that won it the association, for reporting in the reply's
// detections_associated.
type AssociatedDetection struct {
	Receiver     string
	Detection    Detection
	DelayResid   float64
	DopplerResid float64
}

// AssociatedDetections maps an ADS-B target id (hex) to the ordered list of
// at most one detection per receiver, built fresh each tick.
type AssociatedDetections map[string][]AssociatedDetection

// LocalisedPoint is an LLA triple produced by a localiser for an associated
// target, optionally carrying ENU velocity (LM solver only).
type LocalisedPoint struct {
	Hex        string
	Points     []LLA
	VelocityENU *ENUVelocity
}
