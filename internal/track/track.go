// Package track implements the multi-target tracker: predict/associate/update
// lifecycle over a constant-velocity state vector, fed by both ADS-B-derived
// and radar-localised position measurements.
package track

import (
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// Status is a track's lifecycle state.
type Status string

const (
	StatusTentative Status = "TENTATIVE"
	StatusConfirmed Status = "CONFIRMED"
	StatusCoasting  Status = "COASTING"
	StatusDeleted   Status = "DELETED"
)

// Frame names the cartesian frame the tracker filters in. LLA only ever
// appears at the tracker's I/O boundary.
type Frame string

const (
	FrameECEF Frame = "ecef"
	FrameENU  Frame = "enu"
)

// AdsbInfo carries the ADS-B identity of a track initiated from, or fused
// with, an ADS-B measurement.
type AdsbInfo struct {
	Hex    string `json:"hex"`
	Flight string `json:"flight"`
}

// HistoryPoint is one retained position sample of a track's state.
type HistoryPoint struct {
	Position  [3]float64
	Timestamp time.Time
}

// Track is a persistent hypothesis: a 6-D constant-velocity state
// [x, y, z, vx, vy, vz] and its 6x6 covariance, in the tracker's frame.
type Track struct {
	ID     string
	Status Status

	State [6]float64
	Cov   *mat.Dense // 6x6

	Hits      int
	Misses    int
	AgeScans  int
	LastTime  time.Time
	Initiated time.Time

	AdsbInfo      *AdsbInfo
	FusedWithAdsb bool

	History       []HistoryPoint
	maxHistoryLen int
}

// Position returns the track's position components.
func (t *Track) Position() [3]float64 {
	return [3]float64{t.State[0], t.State[1], t.State[2]}
}

// Velocity returns the track's velocity components.
func (t *Track) Velocity() [3]float64 {
	return [3]float64{t.State[3], t.State[4], t.State[5]}
}

func newTrack(id string, pos [3]float64, vel [3]float64, cov *mat.Dense, status Status, now time.Time, maxHistoryLen int) *Track {
	tr := &Track{
		ID:            id,
		Status:        status,
		State:         [6]float64{pos[0], pos[1], pos[2], vel[0], vel[1], vel[2]},
		Cov:           cov,
		Hits:          1,
		LastTime:      now,
		Initiated:     now,
		maxHistoryLen: maxHistoryLen,
	}
	tr.appendHistory(pos, now)
	return tr
}

func (t *Track) appendHistory(pos [3]float64, ts time.Time) {
	limit := t.maxHistoryLen
	if limit <= 0 {
		limit = 50
	}
	t.History = append(t.History, HistoryPoint{Position: pos, Timestamp: ts})
	if len(t.History) > limit {
		t.History = t.History[len(t.History)-limit:]
	}
}

// newTrackID mints a fresh track identity. Broken out so tests can assert on
// format without depending on uuid's internal randomness source.
func newTrackID() string {
	return uuid.NewString()
}

// Snapshot is the serialisable view of a track for a reply payload.
type Snapshot struct {
	TrackID            string     `json:"track_id"`
	Status             Status     `json:"status"`
	CurrentStateVector [6]float64 `json:"current_state_vector"`
	Hits               int        `json:"hits"`
	Misses             int        `json:"misses"`
	AgeScans           int        `json:"age_scans"`
	AdsbInfo           *AdsbInfo  `json:"adsb_info,omitempty"`
	HistoryLen         int        `json:"history_len"`
}

// ToSnapshot converts a Track into its reply-facing Snapshot.
func (t *Track) ToSnapshot() Snapshot {
	return Snapshot{
		TrackID:            t.ID,
		Status:             t.Status,
		CurrentStateVector: t.State,
		Hits:               t.Hits,
		Misses:             t.Misses,
		AgeScans:           t.AgeScans,
		AdsbInfo:           t.AdsbInfo,
		HistoryLen:         len(t.History),
	}
}
