// Package truth fetches and normalises ADS-B aircraft state from an external
// feed. Failures are swallowed and logged per the spec's error taxonomy: the
// fusion loop must never see a truth-fetch error, only an empty mapping.
package truth

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/offworldlab/3lips/internal/model"
	"github.com/offworldlab/3lips/internal/monitoring"
)

// aircraftDoc mirrors the wire shape of GET {scheme}://{host}/data/aircraft.json.
type aircraftDoc struct {
	Now       float64        `json:"now"`
	Aircraft  []aircraftWire `json:"aircraft"`
}

type aircraftWire struct {
	Hex      string   `json:"hex"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	AltGeom  *float64 `json:"alt_geom"`
	Flight   *string  `json:"flight"`
	SeenPos  *float64 `json:"seen_pos"`
	GsKt     *float64 `json:"gs"`   // ground speed, knots
	TrackDeg *float64 `json:"track"` // true track, degrees
}

// Ingester fetches live ADS-B aircraft state over HTTP.
type Ingester struct {
	Client         *http.Client
	Timeout        time.Duration
	SeenPosLimit   float64 // eligibility: seen_pos must be strictly less than this
}

// NewIngester returns an Ingester with the spec's ~1s-class timeout default.
func NewIngester(seenPosLimit float64) *Ingester {
	return &Ingester{
		Client:       &http.Client{},
		Timeout:      1 * time.Second,
		SeenPosLimit: seenPosLimit,
	}
}

// Fetch retrieves and normalises the live aircraft set from
// "{scheme}://{host}/data/aircraft.json". On any network or decode failure it
// logs and returns an empty, non-nil map — it never returns an error to the
// caller, matching the spec's "failures must not raise to the loop" rule.
func (in *Ingester) Fetch(ctx context.Context, baseURL string) map[string]model.TruthTarget {
	out := map[string]model.TruthTarget{}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 1 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := baseURL + "/data/aircraft.json"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		monitoring.Logf("truth: building request for %s: %v", url, err)
		return out
	}

	client := in.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		monitoring.Logf("truth: fetching %s: %v", url, err)
		return out
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		monitoring.Logf("truth: %s returned status %d", url, resp.StatusCode)
		return out
	}

	var doc aircraftDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		monitoring.Logf("truth: decoding %s: %v", url, err)
		return out
	}

	for _, a := range doc.Aircraft {
		target, ok := in.normalise(doc.Now, a)
		if !ok {
			continue
		}
		out[target.Hex] = target
	}
	return out
}

// normalise applies the exact eligibility rule from §4.2: seen_pos present,
// alt_geom present, flight present, seen_pos < seen_pos_limit.
func (in *Ingester) normalise(now float64, a aircraftWire) (model.TruthTarget, bool) {
	if a.Hex == "" || a.Lat == nil || a.Lon == nil {
		return model.TruthTarget{}, false
	}
	if a.SeenPos == nil || a.AltGeom == nil || a.Flight == nil || *a.Flight == "" {
		return model.TruthTarget{}, false
	}
	if *a.SeenPos >= in.SeenPosLimit {
		return model.TruthTarget{}, false
	}

	ts := time.Unix(0, 0).Add(time.Duration((now - *a.SeenPos) * float64(time.Second)))

	target := model.TruthTarget{
		Hex:       a.Hex,
		Flight:    *a.Flight,
		Pos:       model.LLA{Lat: *a.Lat, Lon: *a.Lon, Alt: *a.AltGeom},
		Timestamp: ts,
		SeenPos:   *a.SeenPos,
	}

	if a.GsKt != nil && a.TrackDeg != nil {
		target.VelENU = groundSpeedToENU(*a.GsKt, *a.TrackDeg)
	}

	return target, true
}

const knotsToMps = 0.514444

// groundSpeedToENU converts ADS-B ground speed (knots) and true track
// (degrees clockwise from north) into an ENU velocity vector.
func groundSpeedToENU(gsKt, trackDeg float64) *model.ENUVelocity {
	speed := gsKt * knotsToMps
	rad := trackDeg * math.Pi / 180
	return &model.ENUVelocity{
		E: speed * math.Sin(rad),
		N: speed * math.Cos(rad),
		U: 0,
	}
}
