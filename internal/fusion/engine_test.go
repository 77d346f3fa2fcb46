package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offworldlab/3lips/internal/config"
)

// threeReceiverHarness spins up three fake receiver HTTP servers and one fake
// ADS-B server, all reporting geometry/detections/truth consistent with a
// single synthetic target, and returns an Engine wired to them.
func threeReceiverHarness(t *testing.T) (*Engine, []*httptest.Server) {
	t.Helper()

	geoms := []struct{ txLat, txLon, rxLat, rxLon float64 }{
		{-34.9, 138.6, -34.95, 138.55},
		{-34.9, 138.7, -34.85, 138.65},
		{-35.0, 138.65, -34.95, 138.75},
	}

	var servers []*httptest.Server
	receiverURLs := map[string]string{}
	for i, g := range geoms {
		g := g
		mux := http.NewServeMux()
		mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"location": map[string]interface{}{
					"tx": map[string]float64{"latitude": g.txLat, "longitude": g.txLon, "altitude": 50},
					"rx": map[string]float64{"latitude": g.rxLat, "longitude": g.rxLon, "altitude": 50},
				},
				"capture": map[string]interface{}{"fc": 1.09e9},
			})
		})
		mux.HandleFunc("/api/detection", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]map[string]float64{
				{"delay": 12.5, "doppler": 30, "timestamp": 1700000000},
			})
		})
		srv := httptest.NewServer(mux)
		servers = append(servers, srv)
		receiverURLs[fmt.Sprintf("r%d", i)] = srv.URL
	}

	adsbMux := http.NewServeMux()
	adsbMux.HandleFunc("/data/aircraft.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"now": 1700000000.0,
			"aircraft": []map[string]interface{}{
				{
					"hex": "abc123", "lat": -34.92, "lon": 138.65, "alt_geom": 3000,
					"flight": "QFA1", "seen_pos": 1.0, "gs": 250, "track": 90,
				},
			},
		})
	})
	adsbSrv := httptest.NewServer(adsbMux)
	servers = append(servers, adsbSrv)

	cfg := &config.Config{
		ListenAddr:     ":0",
		Receivers:      receiverURLs,
		AdsbDefaultURL: adsbSrv.URL,
	}
	tuning := config.EmptyTuningConfig()

	engine := New(cfg, tuning, nil)
	return engine, servers
}

func closeAll(servers []*httptest.Server) {
	for _, s := range servers {
		s.Close()
	}
}

func TestTickProducesReplyWithTruthAndTracks(t *testing.T) {
	engine, servers := threeReceiverHarness(t)
	defer closeAll(servers)

	now := time.Unix(1700000000, 0)
	cfg, err := engine.Store.Upsert("server=r0&server=r1&server=r2&associator=adsb&localisation=ellipsoid_mean", now)
	require.NoError(t, err)

	engine.Tick(context.Background(), now)

	reply, ok := engine.Store.GetReply(cfg.Hash)
	require.True(t, ok)
	assert.Equal(t, cfg.Hash, reply.Hash)
	assert.NotEmpty(t, reply.Truth)
	assert.Contains(t, reply.Truth, "abc123")
	assert.NotEmpty(t, reply.SystemTracks)
}

func TestTickReapsExpiredQueries(t *testing.T) {
	engine, servers := threeReceiverHarness(t)
	defer closeAll(servers)

	t0 := time.Unix(1700000000, 0)
	cfg, err := engine.Store.Upsert("server=r0&server=r1", t0)
	require.NoError(t, err)

	engine.Tuning = config.EmptyTuningConfig()
	reaped := 2 * time.Hour
	engine.Tick(context.Background(), t0.Add(reaped))

	_, ok := engine.Store.GetReply(cfg.Hash)
	assert.False(t, ok)
	assert.Empty(t, engine.Store.Snapshot())
}

func TestTickWithNoLiveQueriesStillAdvancesTracker(t *testing.T) {
	engine, servers := threeReceiverHarness(t)
	defer closeAll(servers)

	now := time.Unix(1700000000, 0)
	assert.NotPanics(t, func() {
		engine.Tick(context.Background(), now)
	})
	assert.Empty(t, engine.Tracker.Tracks())
}
