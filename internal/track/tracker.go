package track

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/offworldlab/3lips/internal/monitoring"
)

// GatingMode selects which residual test the radar pass gates on.
type GatingMode string

const (
	GatingEuclidean   GatingMode = "euclidean"
	GatingMahalanobis GatingMode = "mahalanobis"
)

// AssignmentMode selects the radar pass's cost-matrix solver.
type AssignmentMode string

const (
	AssignmentGreedy  AssignmentMode = "greedy"
	AssignmentOptimal AssignmentMode = "optimal"
)

// Config bundles every tunable of the tick algorithm. Populated from
// internal/config's TuningConfig at wiring time; the tracker itself has no
// dependency on the config package so it stays independently testable.
type Config struct {
	Frame   Frame
	RefECEF [3]float64 // tracker-frame origin, for ENU frame only

	MaxMissesToDelete          int
	MinHitsToConfirm           int
	MaxMissesConfirmedCoast    int
	GatingMode                 GatingMode
	GatingEuclideanThresholdM  float64
	GatingMahalanobisThreshold float64
	AdsbGateM                  float64
	InitialPosUncertainty      float64
	InitialVelUncertainty      float64
	DtDefaultS                 float64
	ProcessNoiseCoeff          float64
	MeasurementNoiseCoeff      float64
	UseBlendUpdate             bool
	AssignmentMode             AssignmentMode
	MaxHistoryLen              int
}

// Measurement is one incoming localised position for this tick, already
// converted into the tracker's frame.
type Measurement struct {
	Position [3]float64
	IsAdsb   bool
	Adsb     *AdsbInfo
}

// Tracker owns the live track set and applies one tick algorithm per Update
// call. It is not safe for concurrent use; the fusion loop is its sole
// owner, per the concurrency model's single-writer rule.
type Tracker struct {
	Config Config

	order  []string // insertion order, for deterministic radar-pass processing
	tracks map[string]*Track

	lastTick time.Time
}

// New returns a Tracker with no live tracks.
func New(cfg Config) *Tracker {
	return &Tracker{
		Config: cfg,
		tracks: make(map[string]*Track),
	}
}

// Tracks returns the live track set (including COASTING but not DELETED
// tracks), in insertion order.
func (t *Tracker) Tracks() []*Track {
	out := make([]*Track, 0, len(t.order))
	for _, id := range t.order {
		if tr, ok := t.tracks[id]; ok && tr.Status != StatusDeleted {
			out = append(out, tr)
		}
	}
	return out
}

// Update runs one full tick: predict every live track to now, then the
// ADS-B pass, then the radar pass, then lifecycle bookkeeping. measurements
// may be empty (prediction-only tick, still advances every track).
func (t *Tracker) Update(now time.Time, measurements []Measurement) {
	dt := t.Config.DtDefaultS
	if !t.lastTick.IsZero() {
		if d := now.Sub(t.lastTick).Seconds(); d > 0 {
			dt = d
		}
	}
	if dt <= 0 {
		dt = 1e-3
	}
	t.lastTick = now

	for _, id := range t.order {
		tr := t.tracks[id]
		if tr.Status == StatusDeleted {
			continue
		}
		t.predict(tr, dt)
	}

	updated := make(map[string]bool)

	var adsb, radar []Measurement
	for _, m := range measurements {
		if m.IsAdsb {
			adsb = append(adsb, m)
		} else {
			radar = append(radar, m)
		}
	}

	t.adsbPass(adsb, now, updated)
	t.radarPass(radar, now, updated)

	for _, id := range t.order {
		tr := t.tracks[id]
		if tr.Status == StatusDeleted || updated[id] {
			continue
		}
		tr.Misses++
		if tr.Status == StatusConfirmed && tr.Misses >= t.Config.MaxMissesConfirmedCoast {
			tr.Status = StatusCoasting
		}
	}

	for _, id := range t.order {
		tr := t.tracks[id]
		if tr.Status == StatusDeleted {
			continue
		}
		if tr.Misses > t.Config.MaxMissesToDelete {
			tr.Status = StatusDeleted
			continue
		}
		tr.AgeScans++
	}
}

// predict advances a track's state and covariance by dt under the
// constant-velocity process model: F = [[I3, dt*I3],[0, I3]], additive
// block process noise Q(dt) proportional to q.
func (t *Tracker) predict(tr *Track, dt float64) {
	tr.State[0] += tr.State[3] * dt
	tr.State[1] += tr.State[4] * dt
	tr.State[2] += tr.State[5] * dt

	F := stateTransition(dt)
	Q := processNoise(dt, t.Config.ProcessNoiseCoeff)

	var fp, p mat.Dense
	fp.Mul(F, tr.Cov)
	p.Mul(&fp, F.T())
	p.Add(&p, Q)
	tr.Cov = &p
}

func stateTransition(dt float64) *mat.Dense {
	f := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		f.Set(i, i, 1)
	}
	for i := 0; i < 3; i++ {
		f.Set(i, i+3, dt)
	}
	return f
}

func processNoise(dt, q float64) *mat.Dense {
	Q := mat.NewDense(6, 6, nil)
	dt2 := dt * dt
	dt3 := dt2 * dt
	dt4 := dt3 * dt
	for i := 0; i < 3; i++ {
		Q.Set(i, i, q*dt4/4)
		Q.Set(i, i+3, q*dt3/2)
		Q.Set(i+3, i, q*dt3/2)
		Q.Set(i+3, i+3, q*dt2)
	}
	return Q
}

func initialCovariance(posVar, velVar float64) *mat.Dense {
	c := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		c.Set(i, i, posVar)
		c.Set(i+3, i+3, velVar)
	}
	return c
}

// adsbPass implements §4.6 step 4: nearest-track association under τ_adsb,
// high-weight update on a hit, immediate CONFIRMED initiation on a miss.
func (t *Tracker) adsbPass(adsb []Measurement, now time.Time, updated map[string]bool) {
	for _, m := range adsb {
		bestID := ""
		bestDist := math.Inf(1)
		for _, id := range t.order {
			tr := t.tracks[id]
			if tr.Status == StatusDeleted || updated[id] {
				continue
			}
			d := euclidean(tr.Position(), m.Position)
			if d < t.Config.AdsbGateM && d < bestDist {
				bestDist = d
				bestID = id
			}
		}

		if bestID != "" {
			tr := t.tracks[bestID]
			t.applyUpdate(tr, m.Position, now, 0.8, t.Config.MeasurementNoiseCoeff*0.1)
			tr.Hits++
			tr.Misses = 0
			tr.FusedWithAdsb = true
			if m.Adsb != nil {
				tr.AdsbInfo = m.Adsb
			}
			if tr.Status == StatusTentative && tr.Hits >= t.Config.MinHitsToConfirm {
				tr.Status = StatusConfirmed
			}
			updated[bestID] = true
			continue
		}

		id := newTrackID()
		cov := initialCovariance(t.Config.InitialPosUncertainty*t.Config.InitialPosUncertainty, t.Config.InitialVelUncertainty*t.Config.InitialVelUncertainty)
		tr := newTrack(id, m.Position, [3]float64{}, cov, StatusConfirmed, now, t.Config.MaxHistoryLen)
		tr.AdsbInfo = m.Adsb
		tr.FusedWithAdsb = true
		t.tracks[id] = tr
		t.order = append(t.order, id)
		updated[id] = true
	}
}

// radarPass implements §4.6 step 5-7: cost-matrix gated assignment between
// predicted track positions and radar measurements, then update/initiate.
func (t *Tracker) radarPass(radar []Measurement, now time.Time, updated map[string]bool) {
	candidates := make([]string, 0, len(t.order))
	for _, id := range t.order {
		tr := t.tracks[id]
		if tr.Status == StatusDeleted || updated[id] {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 || len(radar) == 0 {
		t.initiateUnassociated(radar, now, nil, updated)
		return
	}

	cost := make([][]float64, len(candidates))
	for i, id := range candidates {
		tr := t.tracks[id]
		cost[i] = make([]float64, len(radar))
		for j, m := range radar {
			if t.gateRejects(tr, m.Position) {
				cost[i][j] = assignInf
				continue
			}
			cost[i][j] = euclidean(tr.Position(), m.Position)
		}
	}

	var assign []int
	if t.Config.AssignmentMode == AssignmentOptimal {
		assign = AssignHungarian(cost)
	} else {
		assign = AssignGreedy(cost)
	}

	assignedMeas := make(map[int]bool)
	for i, j := range assign {
		if j < 0 {
			continue
		}
		id := candidates[i]
		tr := t.tracks[id]
		alpha := 0.6
		if tr.FusedWithAdsb {
			alpha = 0.4
		}
		t.applyUpdate(tr, radar[j].Position, now, alpha, t.Config.MeasurementNoiseCoeff)
		tr.Hits++
		tr.Misses = 0
		if tr.Status == StatusTentative && tr.Hits >= t.Config.MinHitsToConfirm {
			tr.Status = StatusConfirmed
		}
		if tr.Status == StatusCoasting {
			tr.Status = StatusConfirmed
		}
		updated[id] = true
		assignedMeas[j] = true
	}

	t.initiateUnassociated(radar, now, assignedMeas, updated)
}

func (t *Tracker) initiateUnassociated(radar []Measurement, now time.Time, assigned map[int]bool, updated map[string]bool) {
	for j, m := range radar {
		if assigned[j] {
			continue
		}
		id := newTrackID()
		cov := initialCovariance(t.Config.InitialPosUncertainty*t.Config.InitialPosUncertainty, t.Config.InitialVelUncertainty*t.Config.InitialVelUncertainty)
		tr := newTrack(id, m.Position, [3]float64{}, cov, StatusTentative, now, t.Config.MaxHistoryLen)
		t.tracks[id] = tr
		t.order = append(t.order, id)
		updated[id] = true
	}
}

func (t *Tracker) gateRejects(tr *Track, pos [3]float64) bool {
	switch t.Config.GatingMode {
	case GatingMahalanobis:
		d2, ok := mahalanobis2(tr, pos)
		if !ok {
			return true
		}
		return d2 >= t.Config.GatingMahalanobisThreshold
	default:
		return euclidean(tr.Position(), pos) >= t.Config.GatingEuclideanThresholdM
	}
}

func mahalanobis2(tr *Track, pos [3]float64) (float64, bool) {
	p := tr.Position()
	y := mat.NewVecDense(3, []float64{pos[0] - p[0], pos[1] - p[1], pos[2] - p[2]})

	S := mat.DenseCopyOf(tr.Cov.Slice(0, 3, 0, 3))
	var sInv mat.Dense
	if err := sInv.Inverse(S); err != nil {
		return 0, false
	}

	var sy mat.VecDense
	sy.MulVec(&sInv, y)
	d2 := y.Dot(&sy)
	if math.IsNaN(d2) {
		return 0, false
	}
	return d2, true
}

// applyUpdate dispatches to the configured update rule: a Kalman update with
// measurement noise R = measurementNoise*I3, or the blend-update
// simplification with weight alpha.
func (t *Tracker) applyUpdate(tr *Track, z [3]float64, now time.Time, alpha, measurementNoise float64) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("track %s: update failed, keeping predicted state: %v", tr.ID, r)
		}
	}()

	if t.Config.UseBlendUpdate {
		t.blendUpdate(tr, z, alpha, now)
		return
	}
	t.kalmanUpdate(tr, z, measurementNoise, now)
}

func (t *Tracker) kalmanUpdate(tr *Track, z [3]float64, measurementNoise float64, now time.Time) {
	p := tr.Position()
	y := mat.NewVecDense(3, []float64{z[0] - p[0], z[1] - p[1], z[2] - p[2]})

	S := mat.DenseCopyOf(tr.Cov.Slice(0, 3, 0, 3))
	for i := 0; i < 3; i++ {
		S.Set(i, i, S.At(i, i)+measurementNoise)
	}
	var sInv mat.Dense
	if err := sInv.Inverse(S); err != nil {
		monitoring.Logf("track %s: singular innovation covariance, skipping update", tr.ID)
		return
	}

	PHt := mat.DenseCopyOf(tr.Cov.Slice(0, 6, 0, 3)) // P * H^T, H = [I3|0]
	var K mat.Dense
	K.Mul(PHt, &sInv)

	var dx mat.VecDense
	dx.MulVec(&K, y)
	for i := 0; i < 6; i++ {
		v := tr.State[i] + dx.AtVec(i)
		if math.IsNaN(v) {
			monitoring.Logf("track %s: NaN residual, keeping predicted state", tr.ID)
			return
		}
		tr.State[i] = v
	}

	H := mat.NewDense(3, 6, nil)
	for i := 0; i < 3; i++ {
		H.Set(i, i, 1)
	}
	var KH mat.Dense
	KH.Mul(&K, H)
	dim, _ := KH.Dims()
	identity := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		identity.Set(i, i, 1)
	}
	var imKH mat.Dense
	imKH.Sub(identity, &KH)
	var newP mat.Dense
	newP.Mul(&imKH, tr.Cov)
	tr.Cov = &newP

	tr.LastTime = now
	tr.appendHistory(tr.Position(), now)
}

func (t *Tracker) blendUpdate(tr *Track, z [3]float64, alpha float64, now time.Time) {
	old := tr.Position()
	newPos := [3]float64{
		old[0] + alpha*(z[0]-old[0]),
		old[1] + alpha*(z[1]-old[1]),
		old[2] + alpha*(z[2]-old[2]),
	}

	dt := now.Sub(tr.LastTime).Seconds()
	if dt > 0 {
		estVel := [3]float64{
			(newPos[0] - old[0]) / dt,
			(newPos[1] - old[1]) / dt,
			(newPos[2] - old[2]) / dt,
		}
		for i := 0; i < 3; i++ {
			tr.State[3+i] = (1-alpha)*tr.State[3+i] + alpha*estVel[i]
		}
	}
	tr.State[0], tr.State[1], tr.State[2] = newPos[0], newPos[1], newPos[2]

	var scaled mat.Dense
	scaled.Scale(1-alpha, tr.Cov)
	tr.Cov = &scaled

	tr.LastTime = now
	tr.appendHistory(newPos, now)
}

func euclidean(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Get returns a track by ID, or nil if absent.
func (t *Tracker) Get(id string) *Track {
	return t.tracks[id]
}

// String renders a track for diagnostics.
func (tr *Track) String() string {
	return fmt.Sprintf("%s[%s] pos=%v hits=%d misses=%d", tr.ID, tr.Status, tr.Position(), tr.Hits, tr.Misses)
}
