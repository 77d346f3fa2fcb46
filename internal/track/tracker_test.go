package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Frame:                      FrameENU,
		MaxMissesToDelete:          5,
		MinHitsToConfirm:           3,
		MaxMissesConfirmedCoast:    3,
		GatingMode:                 GatingEuclidean,
		GatingEuclideanThresholdM:  10000,
		GatingMahalanobisThreshold: 9.21,
		AdsbGateM:                  5000,
		InitialPosUncertainty:      1000,
		InitialVelUncertainty:      200,
		DtDefaultS:                 1.0,
		ProcessNoiseCoeff:          1.0,
		MeasurementNoiseCoeff:      100,
		AssignmentMode:             AssignmentGreedy,
		MaxHistoryLen:              50,
	}
}

// S2 — single tentative track created, aged, then deleted once misses exceed
// the delete threshold.
func TestS2SingleTentativeTrackLifecycle(t *testing.T) {
	tr := New(testConfig())
	base := time.Unix(0, 0)

	tr.Update(base.Add(1000*time.Millisecond), []Measurement{
		{Position: [3]float64{100, 200, 1000}},
	})
	tracks := tr.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, StatusTentative, tracks[0].Status)
	assert.Equal(t, 1, tracks[0].Hits)
	assert.Equal(t, 0, tracks[0].Misses)
	assert.Equal(t, 1, tracks[0].AgeScans)

	tr.Update(base.Add(2000*time.Millisecond), nil)
	tracks = tr.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, 1, tracks[0].Hits)
	assert.Equal(t, 1, tracks[0].Misses)
	assert.Equal(t, 2, tracks[0].AgeScans)

	for ms := 3000; ms <= 7000; ms += 1000 {
		tr.Update(base.Add(time.Duration(ms)*time.Millisecond), nil)
	}
	assert.Empty(t, tr.Tracks(), "track should be deleted once misses exceeds M_delete=5")
}

// S3 — confirmation via repeated hits on the same point.
func TestS3ConfirmationViaRepeatedHits(t *testing.T) {
	tr := New(testConfig())
	base := time.Unix(0, 0)
	pos := [3]float64{100, 200, 1000}

	for _, ms := range []int{1000, 2000, 3000} {
		tr.Update(base.Add(time.Duration(ms)*time.Millisecond), []Measurement{{Position: pos}})
	}

	tracks := tr.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, StatusConfirmed, tracks[0].Status)
	assert.Equal(t, 3, tracks[0].Hits)
}

// S4 — ADS-B-initiated track is CONFIRMED immediately, not TENTATIVE.
func TestS4AdsbImmediateConfirmation(t *testing.T) {
	tr := New(testConfig())
	base := time.Unix(0, 0)

	tr.Update(base.Add(1000*time.Millisecond), []Measurement{
		{Position: [3]float64{50, 60, 500}, IsAdsb: true, Adsb: &AdsbInfo{Hex: "ABC123", Flight: "TEST01"}},
	})

	tracks := tr.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, StatusConfirmed, tracks[0].Status)
	require.NotNil(t, tracks[0].AdsbInfo)
	assert.Equal(t, "ABC123", tracks[0].AdsbInfo.Hex)
}

func TestDeletionBoundary(t *testing.T) {
	tr := New(testConfig())
	base := time.Unix(0, 0)
	tr.Update(base, []Measurement{{Position: [3]float64{0, 0, 0}}})

	for i := 1; i <= 5; i++ {
		tr.Update(base.Add(time.Duration(i)*time.Second), nil)
	}
	require.Len(t, tr.Tracks(), 1, "misses == M_delete must still survive")

	tr.Update(base.Add(6*time.Second), nil)
	assert.Empty(t, tr.Tracks(), "misses == M_delete+1 must be deleted")
}

func TestAgeScansIncrementsEveryTick(t *testing.T) {
	tr := New(testConfig())
	base := time.Unix(0, 0)
	tr.Update(base, []Measurement{{Position: [3]float64{0, 0, 0}}})
	tr.Update(base.Add(time.Second), []Measurement{{Position: [3]float64{0, 0, 0}}})
	tr.Update(base.Add(2*time.Second), []Measurement{{Position: [3]float64{0, 0, 0}}})

	tracks := tr.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, 3, tracks[0].AgeScans)
}

func TestRadarPassGreedyAssignsNearestFirst(t *testing.T) {
	tr := New(testConfig())
	base := time.Unix(0, 0)

	// Seed two tracks far apart.
	tr.Update(base, []Measurement{
		{Position: [3]float64{0, 0, 0}},
		{Position: [3]float64{5000, 0, 0}},
	})
	require.Len(t, tr.Tracks(), 2)

	// Next tick: measurements close to each existing track should re-assign
	// rather than spawn new tracks.
	tr.Update(base.Add(time.Second), []Measurement{
		{Position: [3]float64{10, 0, 0}},
		{Position: [3]float64{5010, 0, 0}},
	})
	assert.Len(t, tr.Tracks(), 2)
	for _, trk := range tr.Tracks() {
		assert.Equal(t, 2, trk.Hits)
	}
}

func TestPredictionOnlyTickAdvancesTracks(t *testing.T) {
	tr := New(testConfig())
	base := time.Unix(0, 0)
	tr.Update(base, []Measurement{{Position: [3]float64{0, 0, 0}}})
	before := tr.Tracks()[0].AgeScans
	tr.Update(base.Add(time.Second), nil)
	after := tr.Tracks()[0].AgeScans
	assert.Equal(t, before+1, after)
}

func TestHungarianAssignmentRespectsGate(t *testing.T) {
	cost := [][]float64{
		{1.0, assignInf},
		{assignInf, 1.0},
	}
	got := AssignHungarian(cost)
	assert.Equal(t, []int{0, 1}, got)
}

func TestGreedyAssignmentPicksAscendingCost(t *testing.T) {
	cost := [][]float64{
		{5.0, 1.0},
		{2.0, 8.0},
	}
	got := AssignGreedy(cost)
	assert.Equal(t, []int{1, 0}, got)
}
