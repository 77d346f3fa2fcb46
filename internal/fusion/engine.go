// Package fusion wires the receiver/truth ingestion, association,
// localisation and tracking components into the periodic tick described by
// the system overview: an explicit Engine value owning every sub-component,
// replacing the original's implicit mutable globals.
package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/offworldlab/3lips/internal/archive"
	"github.com/offworldlab/3lips/internal/associate"
	"github.com/offworldlab/3lips/internal/config"
	"github.com/offworldlab/3lips/internal/geometry"
	"github.com/offworldlab/3lips/internal/localise"
	"github.com/offworldlab/3lips/internal/messaging"
	"github.com/offworldlab/3lips/internal/model"
	"github.com/offworldlab/3lips/internal/monitoring"
	"github.com/offworldlab/3lips/internal/receiver"
	"github.com/offworldlab/3lips/internal/track"
	"github.com/offworldlab/3lips/internal/truth"
)

// Engine owns every fusion sub-component and runs one tick at a time; no
// tick overlap, per the concurrency model.
type Engine struct {
	Cfg    *config.Config
	Tuning *config.TuningConfig

	Store          *messaging.Store
	ReceiverClient *receiver.Client
	TruthIngester  *truth.Ingester
	Associator     *associate.Associator
	Tracker        *track.Tracker
	Archive        *archive.Store // optional, may be nil

	receiverGeom map[string]model.Receiver
	geomMu       sync.Mutex

	ndjson *os.File
}

// New builds an Engine from loaded configuration. archiveStore is optional
// (nil disables archiving); the NDJSON tick log is enabled separately with
// EnableNDJSON.
func New(cfg *config.Config, tuning *config.TuningConfig, archiveStore *archive.Store) *Engine {
	frame := track.FrameENU
	if tuning.GetTrackerFrame() == string(track.FrameECEF) {
		frame = track.FrameECEF
	}

	gatingMode := track.GatingEuclidean
	assignMode := track.AssignmentGreedy

	trackerCfg := track.Config{
		Frame:                      frame,
		MaxMissesToDelete:          tuning.GetMaxMissesToDelete(),
		MinHitsToConfirm:           tuning.GetMinHitsToConfirm(),
		MaxMissesConfirmedCoast:    tuning.GetMaxMissesConfirmedCoast(),
		GatingMode:                 gatingMode,
		GatingEuclideanThresholdM:  tuning.GetGatingEuclideanThresholdM(),
		GatingMahalanobisThreshold: tuning.GetGatingMahalanobisThreshold(),
		AdsbGateM:                  tuning.GetAdsbGateM(),
		InitialPosUncertainty:      tuning.GetInitialPosUncertaintyM(),
		InitialVelUncertainty:      tuning.GetInitialVelUncertaintyMps(),
		DtDefaultS:                 tuning.GetDtDefaultS(),
		ProcessNoiseCoeff:          tuning.GetProcessNoiseCoeff(),
		MeasurementNoiseCoeff:      tuning.GetMeasurementNoiseCoeff(),
		UseBlendUpdate:             tuning.GetUseBlendUpdate(),
		AssignmentMode:             assignMode,
		MaxHistoryLen:              tuning.GetMaxHistoryLen(),
	}

	e := &Engine{
		Cfg:            cfg,
		Tuning:         tuning,
		Store:          messaging.NewStore(),
		ReceiverClient: receiver.NewClient(),
		TruthIngester:  truth.NewIngester(tuning.GetAdsbTDelete()),
		Associator: associate.New(associate.Weights{
			WeightDelay:   tuning.GetAssocWeightDelay(),
			WeightDoppler: tuning.GetAssocWeightDoppler(),
			GateDelayM:    tuning.GetAssocGateDelayM(),
			GateDopplerHz: tuning.GetAssocGateDopplerHz(),
		}),
		Tracker:      track.New(trackerCfg),
		Archive:      archiveStore,
		receiverGeom: make(map[string]model.Receiver),
	}
	return e
}

// EnableNDJSON opens (creating/appending) the tick log at path.
func (e *Engine) EnableNDJSON(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	e.ndjson = f
	return nil
}

// Close releases any open resources.
func (e *Engine) Close() error {
	if e.ndjson != nil {
		return e.ndjson.Close()
	}
	return nil
}

// Loop runs Tick on a fixed ~1 Hz cadence until ctx is cancelled. If a tick
// is still running when the period elapses, the next period waits (no
// overlap), per the concurrency model.
func (e *Engine) Loop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Tick(ctx, now)
		}
	}
}

// Tick runs one full fusion cycle: reap, fan-out fetches, per-query
// associate+localise, tracker update, reply assembly.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.Store.Reap(e.Tuning.GetThreeLipsTDelete(), now)
	live := e.Store.Snapshot()

	receiverKeys := unionReceivers(live)
	e.fetchReceiverGeometry(ctx, receiverKeys)

	detections := e.fetchDetections(ctx, receiverKeys)
	truths := e.fetchTruths(ctx, live)

	type queryResult struct {
		cfg        messaging.QueryConfig
		associated model.AssociatedDetections
		localised  map[string]model.LocalisedPoint
		detections map[string][]model.Detection
		elapsed    time.Duration
	}

	results := make([]queryResult, 0, len(live))
	for _, cfg := range live {
		queryStart := time.Now()
		sort.Strings(cfg.Servers)

		recvSubset := make(map[string]model.Receiver, len(cfg.Servers))
		detSubset := make(map[string][]model.Detection, len(cfg.Servers))
		e.geomMu.Lock()
		for _, key := range cfg.Servers {
			if r, ok := e.receiverGeom[key]; ok {
				recvSubset[key] = r
			}
		}
		e.geomMu.Unlock()
		for _, key := range cfg.Servers {
			detSubset[key] = detections[key]
		}

		assoc := e.Associator.Process(cfg.Servers, detSubset, recvSubset, truths)
		loc := localise.New(parseKind(cfg.Localisation), e.Tuning.GetEllipsoidNSamples(), e.Tuning.GetEllipsoidThreshold(), localise.LMConfig{
			MaxIterations:        e.Tuning.GetLMMaxIterations(),
			ConvergenceThreshold: e.Tuning.GetLMConvergenceThreshold(),
			ResidualCeiling:      e.Tuning.GetLMResidualCeiling(),
		})
		localised := loc.Process(assoc, recvSubset)

		results = append(results, queryResult{
			cfg: cfg, associated: assoc, localised: localised, detections: detSubset,
			elapsed: time.Since(queryStart),
		})
	}

	dedup := make(map[[3]int64]bool)
	var radarMeasurements []track.Measurement
	for _, res := range results {
		for _, lp := range res.localised {
			for _, p := range lp.Points {
				key := dedupeKey(p)
				if dedup[key] {
					continue
				}
				dedup[key] = true
				radarMeasurements = append(radarMeasurements, track.Measurement{
					Position: e.toTrackerFrame(p),
				})
			}
		}
	}

	adsbHexSeen := make(map[string]bool)
	var adsbMeasurements []track.Measurement
	for hex, tgt := range truths {
		if adsbHexSeen[hex] {
			continue
		}
		adsbHexSeen[hex] = true
		adsbMeasurements = append(adsbMeasurements, track.Measurement{
			Position: e.toTrackerFrame(tgt.Pos),
			IsAdsb:   true,
			Adsb:     &track.AdsbInfo{Hex: tgt.Hex, Flight: tgt.Flight},
		})
	}

	measurements := append(adsbMeasurements, radarMeasurements...)
	e.Tracker.Update(now, measurements)

	snapshots := make([]track.Snapshot, 0, len(e.Tracker.Tracks()))
	for _, tr := range e.Tracker.Tracks() {
		snapshots = append(snapshots, tr.ToSnapshot())
	}

	var tickReplies []messaging.Reply
	for _, res := range results {
		reply := e.assembleReply(res.cfg, res.associated, res.localised, res.detections, truths, snapshots, now, res.elapsed)
		e.Store.SetReply(res.cfg.Hash, reply)
		tickReplies = append(tickReplies, reply)
	}

	if e.ndjson != nil {
		e.appendNDJSON(tickReplies)
	}
	if e.Archive != nil {
		if err := e.Archive.SaveTick(now, tickReplies); err != nil {
			monitoring.Logf("fusion: archiving tick: %v", err)
		}
	}
}

func (e *Engine) assembleReply(
	cfg messaging.QueryConfig,
	assoc model.AssociatedDetections,
	localised map[string]model.LocalisedPoint,
	detections map[string][]model.Detection,
	truths map[string]model.TruthTarget,
	tracks []track.Snapshot,
	now time.Time,
	elapsed time.Duration,
) messaging.Reply {
	detAssoc := make(map[string][]messaging.AssociatedDetectionJSON, len(assoc))
	for hex, dets := range assoc {
		out := make([]messaging.AssociatedDetectionJSON, 0, len(dets))
		for _, d := range dets {
			out = append(out, messaging.AssociatedDetectionJSON{
				Radar:     d.Receiver,
				Delay:     d.Detection.DelayKm,
				Doppler:   d.Detection.DopplerHz,
				Timestamp: float64(d.Detection.Timestamp.Unix()),
			})
		}
		detAssoc[hex] = out
	}

	detLoc := make(map[string]messaging.LocalisedJSON, len(localised))
	for hex, lp := range localised {
		points := make([][3]float64, 0, len(lp.Points))
		for _, p := range lp.Points {
			points = append(points, [3]float64{p.Lat, p.Lon, p.Alt})
		}
		lj := messaging.LocalisedJSON{Points: points}
		if lp.VelocityENU != nil {
			lj.VelocityENU = &[3]float64{lp.VelocityENU.E, lp.VelocityENU.N, lp.VelocityENU.U}
		}
		detLoc[hex] = lj
	}

	ellipsoids := e.receiverEllipsoids(cfg.Servers, detections)

	truthOut := make(map[string]messaging.TruthJSON, len(truths))
	for hex, tgt := range truths {
		truthOut[hex] = messaging.TruthJSON{
			Lat: tgt.Pos.Lat, Lon: tgt.Pos.Lon, Alt: tgt.Pos.Alt,
			Flight: tgt.Flight, Timestamp: float64(tgt.Timestamp.Unix()),
		}
	}

	return messaging.Reply{
		Hash:                 cfg.Hash,
		Timestamp:            float64(now.Unix()),
		TimestampEvent:       float64(now.Unix()),
		Server:               cfg.Servers,
		Associator:           cfg.Associator,
		Localisation:         cfg.Localisation,
		Adsb:                 cfg.Adsb,
		DetectionsAssociated: detAssoc,
		DetectionsLocalised:  detLoc,
		Ellipsoids:           ellipsoids,
		Truth:                truthOut,
		SystemTracks:         tracks,
		TimeSpent:            elapsed.Seconds(),
	}
}

// receiverEllipsoids builds the display-only ellipsoid sample set per §12
// ("ellipsoid-for-display output"): one surface per receiver at the delay of
// its most recent detection this tick, falling back to the configured
// ellipsoid threshold when a receiver produced nothing.
func (e *Engine) receiverEllipsoids(keys []string, detections map[string][]model.Detection) map[string][][3]float64 {
	out := make(map[string][][3]float64, len(keys))
	e.geomMu.Lock()
	defer e.geomMu.Unlock()

	for _, key := range keys {
		recv, ok := e.receiverGeom[key]
		if !ok {
			continue
		}
		delayM := e.Tuning.GetEllipsoidThreshold()
		if dets := detections[key]; len(dets) > 0 {
			delayM = dets[len(dets)-1].DelayKm * 1000
		}

		ell := geometry.NewEllipsoid(
			geometry.LLA{Lat: recv.TxLLA.Lat, Lon: recv.TxLLA.Lon, Alt: recv.TxLLA.Alt},
			geometry.LLA{Lat: recv.RxLLA.Lat, Lon: recv.RxLLA.Lon, Alt: recv.RxLLA.Alt},
		)
		samples := ell.SampleSurface(delayM, e.Tuning.GetEllipsoidNDisplay(), e.Tuning.GetEllipsoidNDisplay()/2, false)
		pts := make([][3]float64, 0, len(samples))
		for _, s := range samples {
			lla := geometry.ENUToLLA(s, ell.MidLLA)
			pts = append(pts, [3]float64{lla.Lat, lla.Lon, lla.Alt})
		}
		out[key] = pts
	}
	return out
}

func (e *Engine) toTrackerFrame(p model.LLA) [3]float64 {
	glla := geometry.LLA{Lat: p.Lat, Lon: p.Lon, Alt: p.Alt}
	if e.Tracker.Config.Frame == track.FrameECEF {
		ecef := geometry.LLAToECEF(glla)
		return [3]float64{ecef.X, ecef.Y, ecef.Z}
	}
	ref := geometry.LLA{Lat: e.Tuning.GetRefLat(), Lon: e.Tuning.GetRefLon(), Alt: e.Tuning.GetRefAlt()}
	enu := geometry.LLAToENU(glla, ref)
	return [3]float64{enu.E, enu.N, enu.U}
}

func dedupeKey(p model.LLA) [3]int64 {
	return [3]int64{
		int64(math.Round(p.Lat * 1e4)),
		int64(math.Round(p.Lon * 1e4)),
		int64(math.Round(p.Alt * 10)),
	}
}

func unionReceivers(live []messaging.QueryConfig) []string {
	set := make(map[string]bool)
	for _, cfg := range live {
		for _, key := range cfg.Servers {
			set[key] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) fetchReceiverGeometry(ctx context.Context, keys []string) {
	var wg sync.WaitGroup
	for _, key := range keys {
		e.geomMu.Lock()
		_, known := e.receiverGeom[key]
		e.geomMu.Unlock()
		if known {
			continue
		}
		baseURL, ok := e.Cfg.Receivers[key]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(key, baseURL string) {
			defer wg.Done()
			recv, ok := e.ReceiverClient.FetchConfig(ctx, key, baseURL)
			if !ok {
				return
			}
			e.geomMu.Lock()
			e.receiverGeom[key] = recv
			e.geomMu.Unlock()
		}(key, baseURL)
	}
	wg.Wait()
}

func (e *Engine) fetchDetections(ctx context.Context, keys []string) map[string][]model.Detection {
	out := make(map[string][]model.Detection, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, key := range keys {
		baseURL, ok := e.Cfg.Receivers[key]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(key, baseURL string) {
			defer wg.Done()
			dets := e.ReceiverClient.FetchDetections(ctx, key, baseURL)
			mu.Lock()
			out[key] = dets
			mu.Unlock()
		}(key, baseURL)
	}
	wg.Wait()
	return out
}

func (e *Engine) fetchTruths(ctx context.Context, live []messaging.QueryConfig) map[string]model.TruthTarget {
	urls := make(map[string]bool)
	for _, cfg := range live {
		url := cfg.Adsb
		if url == "" {
			url = e.Cfg.AdsbDefaultURL
		}
		if url != "" {
			urls[url] = true
		}
	}

	merged := make(map[string]model.TruthTarget)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			targets := e.TruthIngester.Fetch(ctx, url)
			mu.Lock()
			for hex, t := range targets {
				merged[hex] = t
			}
			mu.Unlock()
		}(url)
	}
	wg.Wait()
	return merged
}

func parseKind(s string) localise.Kind {
	switch localise.Kind(s) {
	case localise.KindEllipseMean, localise.KindEllipseMin, localise.KindEllipsoidMean, localise.KindEllipsoidMin, localise.KindSphericalInt, localise.KindLMSolver3:
		return localise.Kind(s)
	default:
		return localise.KindEllipsoidMean
	}
}

func (e *Engine) appendNDJSON(replies []messaging.Reply) {
	line, err := json.Marshal(replies)
	if err != nil {
		monitoring.Logf("fusion: marshalling tick log line: %v", err)
		return
	}
	if _, err := fmt.Fprintln(e.ndjson, string(line)); err != nil {
		monitoring.Logf("fusion: writing tick log: %v", err)
	}
}
