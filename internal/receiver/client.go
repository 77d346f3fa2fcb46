// Package receiver fetches per-receiver detections and static geometry over
// HTTP. Every call is short-timeout and failure-tolerant: a receiver that is
// slow or down yields a nil slot for that tick rather than blocking or
// failing the loop.
package receiver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/offworldlab/3lips/internal/model"
	"github.com/offworldlab/3lips/internal/monitoring"
)

// Client fetches detections and config from receiver HTTP endpoints.
type Client struct {
	HTTP    *http.Client
	Timeout time.Duration
}

// NewClient returns a Client with the spec's ~1s hard timeout.
func NewClient() *Client {
	return &Client{HTTP: &http.Client{}, Timeout: 1 * time.Second}
}

type detectionWire struct {
	Delay     float64 `json:"delay"`
	Doppler   float64 `json:"doppler"`
	Timestamp float64 `json:"timestamp"`
}

type configWire struct {
	Location struct {
		Tx struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
			Altitude  float64 `json:"altitude"`
		} `json:"tx"`
		Rx struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
			Altitude  float64 `json:"altitude"`
		} `json:"rx"`
	} `json:"location"`
	Capture struct {
		Fc *float64 `json:"fc"`
	} `json:"capture"`
	Frequency *float64 `json:"frequency"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 1 * time.Second
}

// FetchDetections retrieves GET {baseURL}/api/detection. On any failure it
// logs and returns nil (the receiver's slot for this tick is empty); the
// caller must treat nil as "no detections this tick", not an error.
func (c *Client) FetchDetections(ctx context.Context, key, baseURL string) []model.Detection {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	var wire []detectionWire
	if err := c.getJSON(reqCtx, baseURL+"/api/detection", &wire); err != nil {
		monitoring.Logf("receiver %s: fetching detections: %v", key, err)
		return nil
	}

	out := make([]model.Detection, 0, len(wire))
	for _, d := range wire {
		out = append(out, model.Detection{
			Receiver:  key,
			Timestamp: time.Unix(0, int64(d.Timestamp*float64(time.Second))),
			DelayKm:   d.Delay,
			DopplerHz: d.Doppler,
		})
	}
	return out
}

// FetchConfig retrieves GET {baseURL}/api/config and builds the receiver's
// static geometry. Returns (zero, false) on any failure.
func (c *Client) FetchConfig(ctx context.Context, key, baseURL string) (model.Receiver, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	var wire configWire
	if err := c.getJSON(reqCtx, baseURL+"/api/config", &wire); err != nil {
		monitoring.Logf("receiver %s: fetching config: %v", key, err)
		return model.Receiver{}, false
	}

	freq := 0.0
	if wire.Capture.Fc != nil {
		freq = *wire.Capture.Fc
	} else if wire.Frequency != nil {
		freq = *wire.Frequency
	}

	return model.Receiver{
		Key: key,
		TxLLA: model.LLA{
			Lat: wire.Location.Tx.Latitude, Lon: wire.Location.Tx.Longitude, Alt: wire.Location.Tx.Altitude,
		},
		RxLLA: model.LLA{
			Lat: wire.Location.Rx.Latitude, Lon: wire.Location.Rx.Longitude, Alt: wire.Location.Rx.Altitude,
		},
		FreqHz: freq,
	}, true
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &statusError{url: url, status: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type statusError struct {
	url    string
	status int
}

func (e *statusError) Error() string {
	return e.url + ": unexpected status " + http.StatusText(e.status)
}
