package localise

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offworldlab/3lips/internal/geometry"
	"github.com/offworldlab/3lips/internal/model"
)

// threeReceiverScenario builds a non-degenerate triangle of receivers and
// synthetic detections consistent with a known ground-truth target, per the
// worked S5 scenario.
func threeReceiverScenario(t *testing.T, target geometry.LLA) (model.AssociatedDetections, map[string]model.Receiver) {
	t.Helper()

	receivers := map[string]model.Receiver{
		"r0": {Key: "r0", TxLLA: model.LLA{Lat: -34.90, Lon: 138.60, Alt: 50}, RxLLA: model.LLA{Lat: -34.95, Lon: 138.65, Alt: 50}, FreqHz: 195000000},
		"r1": {Key: "r1", TxLLA: model.LLA{Lat: -34.80, Lon: 138.55, Alt: 50}, RxLLA: model.LLA{Lat: -34.85, Lon: 138.75, Alt: 50}, FreqHz: 195000000},
		"r2": {Key: "r2", TxLLA: model.LLA{Lat: -35.00, Lon: 138.80, Alt: 50}, RxLLA: model.LLA{Lat: -34.70, Lon: 138.60, Alt: 50}, FreqHz: 195000000},
	}

	dets := make([]model.AssociatedDetection, 0, 3)
	for key, recv := range receivers {
		tx := geometry.LLAToECEF(geometry.LLA{Lat: recv.TxLLA.Lat, Lon: recv.TxLLA.Lon, Alt: recv.TxLLA.Alt})
		rx := geometry.LLAToECEF(geometry.LLA{Lat: recv.RxLLA.Lat, Lon: recv.RxLLA.Lon, Alt: recv.RxLLA.Alt})
		tg := geometry.LLAToECEF(target)
		delayM := geometry.DistanceECEF(tx, tg) + geometry.DistanceECEF(tg, rx) - geometry.DistanceECEF(tx, rx)
		dets = append(dets, model.AssociatedDetection{
			Receiver: key,
			Detection: model.Detection{
				Receiver:  key,
				DelayKm:   delayM / 1000,
				Timestamp: time.Unix(0, 0),
			},
		})
	}

	return model.AssociatedDetections{"abc123": dets}, receivers
}

func TestEllipsoidMeanLocalisationS5(t *testing.T) {
	target := geometry.LLA{Lat: -34.85, Lon: 138.65, Alt: 1000}
	assoc, receivers := threeReceiverScenario(t, target)

	loc := New(KindEllipsoidMean, 100, 500, LMConfig{})
	out := loc.Process(assoc, receivers)

	require.Contains(t, out, "abc123")
	got := out["abc123"].Points[0]

	gotECEF := geometry.LLAToECEF(geometry.LLA{Lat: got.Lat, Lon: got.Lon, Alt: got.Alt})
	wantECEF := geometry.LLAToECEF(target)
	dist := geometry.DistanceECEF(gotECEF, wantECEF)
	assert.Less(t, dist, 300.0, "ellipsoid-mean fix should land within a few hundred metres of ground truth")
}

func TestSphericalIntersectionRecoversTarget(t *testing.T) {
	target := geometry.LLA{Lat: -34.85, Lon: 138.65, Alt: 1000}
	assoc, receivers := threeReceiverScenario(t, target)

	sph := &Spherical{}
	out := sph.Process(assoc, receivers)

	require.Contains(t, out, "abc123")
	got := out["abc123"].Points[0]
	gotECEF := geometry.LLAToECEF(geometry.LLA{Lat: got.Lat, Lon: got.Lon, Alt: got.Alt})
	wantECEF := geometry.LLAToECEF(target)
	assert.Less(t, geometry.DistanceECEF(gotECEF, wantECEF), 50.0)
}

func TestSphericalIntersectionCollinearIsDegenerate(t *testing.T) {
	receivers := map[string]model.Receiver{
		"r0": {Key: "r0", TxLLA: model.LLA{Lat: -34.0, Lon: 138.0, Alt: 0}, RxLLA: model.LLA{Lat: -34.0, Lon: 138.1, Alt: 0}, FreqHz: 1e8},
		"r1": {Key: "r1", TxLLA: model.LLA{Lat: -34.0, Lon: 138.2, Alt: 0}, RxLLA: model.LLA{Lat: -34.0, Lon: 138.3, Alt: 0}, FreqHz: 1e8},
		"r2": {Key: "r2", TxLLA: model.LLA{Lat: -34.0, Lon: 138.4, Alt: 0}, RxLLA: model.LLA{Lat: -34.0, Lon: 138.5, Alt: 0}, FreqHz: 1e8},
	}
	assoc := model.AssociatedDetections{
		"xyz": {
			{Receiver: "r0", Detection: model.Detection{DelayKm: 10}},
			{Receiver: "r1", Detection: model.Detection{DelayKm: 10}},
			{Receiver: "r2", Detection: model.Detection{DelayKm: 10}},
		},
	}

	sph := &Spherical{}
	out := sph.Process(assoc, receivers)
	assert.Empty(t, out, "collinear receivers must yield no point")
}

func TestParametricRequiresThreeReceivers(t *testing.T) {
	assoc := model.AssociatedDetections{
		"xyz": {
			{Receiver: "r0", Detection: model.Detection{DelayKm: 10}},
			{Receiver: "r1", Detection: model.Detection{DelayKm: 10}},
		},
	}
	loc := New(KindEllipsoidMean, 50, 500, LMConfig{})
	out := loc.Process(assoc, map[string]model.Receiver{})
	assert.Empty(t, out)
}

func TestLMSolverRecoversTarget(t *testing.T) {
	target := geometry.LLA{Lat: -34.85, Lon: 138.65, Alt: 1000}
	assoc, receivers := threeReceiverScenario(t, target)

	solver := &LMSolver{Config: LMConfig{MaxIterations: 200, ConvergenceThreshold: 1e-6, ResidualCeiling: 1000}}
	out := solver.Process(assoc, receivers)

	require.Contains(t, out, "abc123")
	got := out["abc123"].Points[0]
	gotECEF := geometry.LLAToECEF(geometry.LLA{Lat: got.Lat, Lon: got.Lon, Alt: got.Alt})
	wantECEF := geometry.LLAToECEF(target)
	assert.Less(t, geometry.DistanceECEF(gotECEF, wantECEF), 500.0)
	require.NotNil(t, out["abc123"].VelocityENU)
}
