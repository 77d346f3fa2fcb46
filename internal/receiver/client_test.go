package receiver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchDetections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"delay":12.5,"doppler":3.2,"timestamp":1000.0}]`))
	}))
	defer srv.Close()

	c := NewClient()
	got := c.FetchDetections(context.Background(), "r1", srv.URL)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].Receiver)
	assert.InDelta(t, 12.5, got[0].DelayKm, 1e-9)
}

func TestFetchConfigPrefersCaptureFc(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"location": {
				"tx": {"latitude": -34.9, "longitude": 138.6, "altitude": 10},
				"rx": {"latitude": -34.92, "longitude": 138.65, "altitude": 15}
			},
			"capture": {"fc": 195000000},
			"frequency": 999
		}`))
	}))
	defer srv.Close()

	c := NewClient()
	recv, ok := c.FetchConfig(context.Background(), "r1", srv.URL)
	require.True(t, ok)
	assert.Equal(t, 195000000.0, recv.FreqHz)
	assert.InDelta(t, -34.9, recv.TxLLA.Lat, 1e-9)
}

func TestFetchConfigFallsBackToFrequency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"location": {
				"tx": {"latitude": -34.9, "longitude": 138.6, "altitude": 10},
				"rx": {"latitude": -34.92, "longitude": 138.65, "altitude": 15}
			},
			"frequency": 433000000
		}`))
	}))
	defer srv.Close()

	c := NewClient()
	recv, ok := c.FetchConfig(context.Background(), "r1", srv.URL)
	require.True(t, ok)
	assert.Equal(t, 433000000.0, recv.FreqHz)
}

func TestFetchDetectionsFailureReturnsNil(t *testing.T) {
	c := NewClient()
	got := c.FetchDetections(context.Background(), "r1", "http://127.0.0.1:1")
	assert.Nil(t, got)
}

func TestFetchConfigFailureReturnsFalse(t *testing.T) {
	c := NewClient()
	_, ok := c.FetchConfig(context.Background(), "r1", "http://127.0.0.1:1")
	assert.False(t, ok)
}
