package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-violation-service/internal/alert"
	"traffic-violation-service/internal/calibration"
	"traffic-violation-service/internal/domain/traffic"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	saved   []traffic.Violation
	fp      map[uuid.UUID]bool
	fail    bool
	release chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{fp: make(map[uuid.UUID]bool)}
}

func (s *fakeStore) Save(ctx context.Context, v traffic.Violation) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("connection refused")
	}
	s.saved = append(s.saved, v)
	return nil
}

func (s *fakeStore) Query(_ context.Context, f traffic.Filter) ([]traffic.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []traffic.Violation
	for _, v := range s.saved {
		if v.Timestamp.Before(f.From) || !v.Timestamp.Before(f.To) {
			continue
		}
		v.FalsePositive = s.fp[v.ID]
		out = append(out, v)
	}
	return out, nil
}

func (s *fakeStore) MarkFalsePositive(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.saved {
		if v.ID != id {
			continue
		}
		if s.fp[id] {
			return false, nil
		}
		s.fp[id] = true
		return true, nil
	}
	return false, traffic.ErrViolationNotFound
}

func (s *fakeStore) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *fakeStore) all() []traffic.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]traffic.Violation(nil), s.saved...)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []traffic.Violation
}

func (d *fakeDispatcher) Send(_ context.Context, v traffic.Violation) (uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, v)
	return uuid.New(), nil
}

func (d *fakeDispatcher) Stats() alert.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return alert.Stats{Sent: int64(len(d.sent))}
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func newCoordinator(t *testing.T, cfg Config, store ViolationStore, disp Dispatcher) *Coordinator {
	t.Helper()
	c, err := New(cfg, store, disp, zerolog.Nop(), WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	return c
}

// калибровка 20 px на метр, зона "main" с лимитом 50 км/ч
func calibrate(t *testing.T, d *Device, direction *traffic.Point) {
	t.Helper()
	_, err := d.Calibrator.SetPoints([]calibration.Point{
		{Pixel: traffic.Point{X: 100, Y: 100}, Real: traffic.Point{X: 0, Y: 0}},
		{Pixel: traffic.Point{X: 500, Y: 100}, Real: traffic.Point{X: 20, Y: 0}},
		{Pixel: traffic.Point{X: 500, Y: 400}, Real: traffic.Point{X: 20, Y: 15}},
		{Pixel: traffic.Point{X: 100, Y: 400}, Real: traffic.Point{X: 0, Y: 15}},
	})
	require.NoError(t, err)
	require.NoError(t, d.Calibrator.AddZone(calibration.Zone{
		ID:            "main",
		Polygon:       []traffic.Point{{X: 100, Y: 100}, {X: 500, Y: 100}, {X: 500, Y: 400}, {X: 100, Y: 400}},
		SpeedLimitKmh: 50,
		Direction:     direction,
	}))
}

func car(track string, x, y float64) traffic.Observation {
	return traffic.Observation{
		TrackID:    track,
		BBox:       traffic.BBox{X1: x - 20, Y1: y - 40, X2: x + 20, Y2: y},
		Confidence: 0.9,
	}
}

// drive проезжает 20 м за секунду по оси X: 72 км/ч.
func drive(t *testing.T, c *Coordinator, device string) []traffic.Violation {
	t.Helper()
	var out []traffic.Violation
	for i := 0; i <= 10; i++ {
		vs, err := c.Process(context.Background(), traffic.Frame{
			DeviceID:     device,
			FrameID:      int64(i),
			Timestamp:    t0.Add(time.Duration(i) * 100 * time.Millisecond),
			Observations: []traffic.Observation{car("car-1", 100+float64(i)*40, 250)},
		})
		require.NoError(t, err)
		out = append(out, vs...)
	}
	return out
}

func byType(vs []traffic.Violation, typ traffic.Type) []traffic.Violation {
	var out []traffic.Violation
	for _, v := range vs {
		if v.Type == typ {
			out = append(out, v)
		}
	}
	return out
}

func TestProcessSpeeding(t *testing.T) {
	store, disp := newFakeStore(), &fakeDispatcher{}
	c := newCoordinator(t, DefaultConfig(), store, disp)
	calibrate(t, c.Device("cam-1"), &traffic.Point{X: 1, Y: 0})

	vs := drive(t, c, "cam-1")

	speeding := byType(vs, traffic.TypeSpeed)
	require.Len(t, speeding, 1, "cooldown allows one speed violation per vehicle")
	v := speeding[0]
	require.NotNil(t, v.MeasuredSpeedKmh)
	assert.InDelta(t, 72, *v.MeasuredSpeedKmh, 1)
	assert.Equal(t, 50.0, *v.SpeedLimitKmh)
	assert.Equal(t, traffic.SeverityModerate, v.Severity)
	assert.Equal(t, "main", v.ZoneID)
	assert.GreaterOrEqual(t, v.Confidence, 0.7)
	assert.NotEmpty(t, v.Evidence.Path)

	assert.Empty(t, byType(vs, traffic.TypeWrongWay))
	assert.Len(t, store.all(), len(vs))
	assert.Equal(t, len(vs), disp.count())

	st := c.Statistics()
	assert.EqualValues(t, 11, st.FramesProcessed)
	assert.EqualValues(t, 11, st.ObservationsProcessed)
	assert.Zero(t, st.UncalibratedFrames)
	assert.EqualValues(t, 1, st.ViolationsByType[traffic.TypeSpeed])
	assert.Positive(t, st.Measurements)
	assert.Equal(t, 1, st.Devices)
	assert.Equal(t, 1, st.ActiveTracks)
}

func TestProcessWrongWay(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), newFakeStore(), &fakeDispatcher{})
	calibrate(t, c.Device("cam-1"), &traffic.Point{X: -1, Y: 0})

	vs := drive(t, c, "cam-1")

	wrong := byType(vs, traffic.TypeWrongWay)
	require.Len(t, wrong, 1)
	assert.Equal(t, traffic.SeverityCritical, wrong[0].Severity)
	assert.InDelta(t, 180, wrong[0].Amount, 1)
	assert.GreaterOrEqual(t, wrong[0].Evidence.FrameID, int64(4))
}

func TestProcessUncalibratedDevice(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), newFakeStore(), &fakeDispatcher{})

	vs := drive(t, c, "cam-2")

	assert.Empty(t, vs)
	st := c.Statistics()
	assert.EqualValues(t, 11, st.UncalibratedFrames)
	assert.Zero(t, st.Measurements)
}

func TestFollowingDistanceDerived(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), newFakeStore(), &fakeDispatcher{})
	calibrate(t, c.Device("cam-1"), &traffic.Point{X: 1, Y: 0})

	// 5 м между машинами при безопасной дистанции 20 м
	vs, err := c.Process(context.Background(), traffic.Frame{
		DeviceID:     "cam-1",
		FrameID:      1,
		Timestamp:    t0,
		Observations: []traffic.Observation{car("follower", 300, 250), car("leader", 400, 250)},
	})
	require.NoError(t, err)

	following := byType(vs, traffic.TypeFollowing)
	require.Len(t, following, 1)
	assert.Equal(t, "follower", following[0].VehicleID)
	assert.InDelta(t, 0.75, following[0].Amount, 0.01)
	assert.Equal(t, traffic.SeverityCritical, following[0].Severity)
}

func TestFollowingDistanceIgnoresOtherLane(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), newFakeStore(), &fakeDispatcher{})
	calibrate(t, c.Device("cam-1"), &traffic.Point{X: 1, Y: 0})

	// соседняя полоса: 4 м в сторону
	vs, err := c.Process(context.Background(), traffic.Frame{
		DeviceID:     "cam-1",
		FrameID:      1,
		Timestamp:    t0,
		Observations: []traffic.Observation{car("a", 300, 250), car("b", 400, 330)},
	})
	require.NoError(t, err)
	assert.Empty(t, byType(vs, traffic.TypeFollowing))
}

func TestExternalSignalsAndPlate(t *testing.T) {
	disp := &fakeDispatcher{}
	c := newCoordinator(t, DefaultConfig(), newFakeStore(), disp)

	overlap := 0.2
	obs := car("car-9", 200, 200)
	obs.LaneOverlap = &overlap
	obs.RedLightCrossed = true
	obs.Plate = "ab 123-c"
	obs.PlateConfidence = 0.9
	weak := car("car-10", 300, 200)
	weak.RedLightCrossed = true
	weak.Plate = "xx999"
	weak.PlateConfidence = 0.3

	vs, err := c.Process(context.Background(), traffic.Frame{
		DeviceID: "cam-3", FrameID: 7, Timestamp: t0, Width: 640, Height: 480,
		Observations: []traffic.Observation{obs, weak},
	})
	require.NoError(t, err)

	var got []string
	for _, v := range vs {
		got = append(got, v.VehicleID+":"+string(v.Type)+":"+v.Plate)
	}
	want := []string{"car-9:lane:AB123C", "car-9:red_light:AB123C", "car-10:red_light:"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("violations mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, disp.count())
}

func TestBadObservationIsolated(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), newFakeStore(), &fakeDispatcher{})

	good := car("ok", 200, 200)
	good.RedLightCrossed = true
	bad := traffic.Observation{TrackID: "broken", BBox: traffic.BBox{X1: 10, Y1: 10, X2: 5, Y2: 5}}

	vs, err := c.Process(context.Background(), traffic.Frame{
		DeviceID: "cam-1", FrameID: 1, Timestamp: t0,
		Observations: []traffic.Observation{bad, good, {BBox: good.BBox}},
	})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "ok", vs[0].VehicleID)
	assert.EqualValues(t, 2, c.Statistics().Errors)
}

func TestProcessRejectsInvalidFrame(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), nil, nil)

	_, err := c.Process(context.Background(), traffic.Frame{Timestamp: t0})
	assert.ErrorIs(t, err, ErrInvalidFrame)
	_, err = c.Process(context.Background(), traffic.Frame{DeviceID: "cam-1"})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func redLight(device, track string, frame int64, ts time.Time) traffic.Frame {
	obs := car(track, 200, 200)
	obs.RedLightCrossed = true
	return traffic.Frame{DeviceID: device, FrameID: frame, Timestamp: ts, Observations: []traffic.Observation{obs}}
}

func TestStoreFailureBuffersAndFlushes(t *testing.T) {
	store, disp := newFakeStore(), &fakeDispatcher{}
	c := newCoordinator(t, DefaultConfig(), store, disp)
	ctx := context.Background()

	store.setFail(true)
	vs, err := c.Process(ctx, redLight("cam-1", "car-1", 1, t0))
	require.NoError(t, err)
	require.Len(t, vs, 1)

	assert.Empty(t, store.all())
	assert.Len(t, c.Buffered(), 1)
	assert.Equal(t, 1, disp.count(), "alerts go out even while the store is down")
	st := c.Statistics()
	assert.EqualValues(t, 1, st.StoreFailures)
	assert.Equal(t, 1, st.BufferedViolations)

	store.setFail(false)
	_, err = c.Process(ctx, traffic.Frame{DeviceID: "cam-1", FrameID: 2, Timestamp: t0.Add(time.Second)})
	require.NoError(t, err)

	assert.Empty(t, c.Buffered())
	saved := store.all()
	require.Len(t, saved, 1)
	assert.Equal(t, vs[0].ID, saved[0].ID)
}

func TestBufferDropsOldest(t *testing.T) {
	store := newFakeStore()
	store.setFail(true)
	cfg := DefaultConfig()
	cfg.StoreBufferSize = 2
	c := newCoordinator(t, cfg, store, nil)

	var ids []uuid.UUID
	for i, track := range []string{"a", "b", "c"} {
		vs, err := c.Process(context.Background(), redLight("cam-1", track, int64(i), t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		require.Len(t, vs, 1)
		ids = append(ids, vs[0].ID)
	}

	buf := c.Buffered()
	require.Len(t, buf, 2)
	assert.Equal(t, ids[1], buf[0].ID)
	assert.Equal(t, ids[2], buf[1].ID)
	assert.EqualValues(t, 1, c.Statistics().BufferDropped)
}

func TestMarkFalsePositiveIdempotent(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(t, DefaultConfig(), store, nil)
	ctx := context.Background()

	vs, err := c.Process(ctx, redLight("cam-1", "car-1", 1, t0))
	require.NoError(t, err)
	require.Len(t, vs, 1)

	require.NoError(t, c.MarkFalsePositive(ctx, vs[0].ID))
	require.NoError(t, c.MarkFalsePositive(ctx, vs[0].ID))

	st := c.Statistics()
	assert.EqualValues(t, 1, st.FalsePositives)
	assert.InDelta(t, 1.0, st.FalsePositiveRate, 1e-9)

	err = c.MarkFalsePositive(ctx, uuid.New())
	assert.ErrorIs(t, err, traffic.ErrViolationNotFound)
}

func TestMarkFalsePositiveBuffered(t *testing.T) {
	store := newFakeStore()
	store.setFail(true)
	c := newCoordinator(t, DefaultConfig(), store, nil)
	ctx := context.Background()

	vs, err := c.Process(ctx, redLight("cam-1", "car-1", 1, t0))
	require.NoError(t, err)

	require.NoError(t, c.MarkFalsePositive(ctx, vs[0].ID))
	require.NoError(t, c.MarkFalsePositive(ctx, vs[0].ID))
	assert.True(t, c.Buffered()[0].FalsePositive)
	assert.EqualValues(t, 1, c.Statistics().FalsePositives)
}

func speedViolation(vehicle, plate, zone string, ts time.Time, kmh float64) traffic.Violation {
	limit := 60.0
	return traffic.Violation{
		ID: uuid.New(), DeviceID: "cam-1", VehicleID: vehicle, Plate: plate, ZoneID: zone,
		Timestamp: ts, Type: traffic.TypeSpeed, Severity: traffic.SeverityMinor,
		Confidence: 0.8, Amount: kmh - limit, MeasuredSpeedKmh: &kmh, SpeedLimitKmh: &limit,
	}
}

func TestAggregate(t *testing.T) {
	fp := speedViolation("v9", "", "z1", t0, 70)
	fp.FalsePositive = true
	lane := traffic.Violation{
		ID: uuid.New(), DeviceID: "cam-2", VehicleID: "v3", ZoneID: "z2",
		Timestamp: t0.Add(2 * time.Hour), Type: traffic.TypeLane, Severity: traffic.SeveritySevere, Confidence: 1,
	}
	vs := []traffic.Violation{
		speedViolation("v1", "AB123", "z1", t0, 80),
		speedViolation("v2", "AB123", "z1", t0.Add(time.Minute), 90),
		speedViolation("v4", "", "z2", t0.Add(time.Hour), 70),
		lane,
		fp,
	}

	r := Aggregate(vs, t0, t0.Add(24*time.Hour))

	assert.Equal(t, 4, r.Total)
	assert.Equal(t, 1, r.FalsePositives)
	assert.InDelta(t, 0.2, r.FalsePositiveRate, 1e-9)
	assert.Equal(t, map[traffic.Type]int{traffic.TypeSpeed: 3, traffic.TypeLane: 1}, r.ByType)
	assert.Equal(t, map[string]int{"minor": 3, "severe": 1}, r.BySeverity)
	assert.Equal(t, map[int]int{9: 2, 10: 1, 11: 1}, r.ByHour)
	assert.InDelta(t, 80, r.AverageSpeedKmh, 1e-9)
	assert.InDelta(t, 0.85, r.AverageConfidence, 1e-9)

	want := []traffic.ZoneCount{{ZoneID: "z1", Count: 2}, {ZoneID: "z2", Count: 2}}
	if diff := cmp.Diff(want, r.TopZones); diff != "" {
		t.Errorf("top zones (-want +got):\n%s", diff)
	}
	require.Len(t, r.RepeatOffenders, 1)
	assert.Equal(t, "AB123", r.RepeatOffenders[0].Plate)
	assert.Equal(t, 2, r.RepeatOffenders[0].Count)
}

func TestReportIncludesBufferedAndSystem(t *testing.T) {
	store, disp := newFakeStore(), &fakeDispatcher{}
	c := newCoordinator(t, DefaultConfig(), store, disp)
	ctx := context.Background()

	_, err := c.Process(ctx, redLight("cam-1", "a", 1, t0))
	require.NoError(t, err)
	store.setFail(true)
	_, err = c.Process(ctx, redLight("cam-1", "b", 2, t0.Add(time.Second)))
	require.NoError(t, err)
	store.setFail(false)

	r, err := c.Report(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Total)
	assert.Equal(t, 2, r.ByType[traffic.TypeRedLight])
	assert.EqualValues(t, 2, r.System.FramesProcessed)
	assert.EqualValues(t, 2, r.System.AlertsSent)
	assert.Equal(t, 1, r.System.BufferedViolations)

	_, err = c.Report(ctx, t0, t0)
	assert.Error(t, err)
}

func TestSubmitRequiresRun(t *testing.T) {
	c := newCoordinator(t, DefaultConfig(), newFakeStore(), nil)
	err := c.Submit(context.Background(), redLight("cam-1", "a", 1, t0))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRunProcessesSubmittedFrames(t *testing.T) {
	disp := &fakeDispatcher{}
	c := newCoordinator(t, DefaultConfig(), newFakeStore(), disp)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !errors.Is(c.Submit(ctx, redLight("cam-1", "a", 1, t0)), ErrNotRunning)
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Submit(ctx, redLight("cam-2", "b", 1, t0)))

	require.Eventually(t, func() bool { return disp.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.ErrorIs(t, c.Submit(context.Background(), redLight("cam-1", "a", 2, t0)), ErrNotRunning)
}

func TestSubmitBusy(t *testing.T) {
	store := newFakeStore()
	store.release = make(chan struct{})
	cfg := DefaultConfig()
	cfg.FrameQueueSize = 1
	c := newCoordinator(t, cfg, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.Submit(ctx, redLight("cam-1", "a", 1, t0)) == nil
	}, time.Second, 5*time.Millisecond)

	// первый кадр завис в Save, второй занимает очередь
	require.Eventually(t, func() bool {
		return c.Submit(ctx, redLight("cam-1", "b", 2, t0)) == nil
	}, time.Second, 5*time.Millisecond)
	err := c.Submit(ctx, redLight("cam-1", "c", 3, t0))
	assert.ErrorIs(t, err, ErrBusy)

	close(store.release)
}

func TestMaintainPrunesState(t *testing.T) {
	now := t0
	c, err := New(DefaultConfig(), newFakeStore(), nil, zerolog.Nop(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = c.Process(context.Background(), redLight("cam-1", "a", 1, t0))
	require.NoError(t, err)
	d := c.Device("cam-1")
	require.Equal(t, 1, d.Trajectories.Len())
	require.Equal(t, 1, d.Violations.Tracked())

	// без новых кадров состояние не стареет, сколько бы ни прошло по часам сервера
	now = t0.Add(time.Hour)
	c.Maintain(context.Background())
	require.Equal(t, 1, d.Trajectories.Len())

	_, err = c.Process(context.Background(), traffic.Frame{DeviceID: "cam-1", FrameID: 2, Timestamp: t0.Add(time.Hour)})
	require.NoError(t, err)
	c.Maintain(context.Background())

	assert.Zero(t, d.Trajectories.Len())
	assert.Zero(t, d.Violations.Tracked())
}

func TestMaintainKeepsCooldownWhenCameraClockLags(t *testing.T) {
	// часы сервера ушли вперед относительно камеры на 125 с, кулдаун красного света 120 с
	c, err := New(DefaultConfig(), newFakeStore(), nil, zerolog.Nop(), WithClock(func() time.Time { return t0.Add(125 * time.Second) }))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := c.Process(ctx, redLight("cam-1", "a", 1, t0))
	require.NoError(t, err)
	require.Len(t, first, 1)

	c.Maintain(ctx)
	d := c.Device("cam-1")
	assert.Equal(t, 1, d.Violations.Tracked())
	assert.Equal(t, 1, d.Trajectories.Len())

	second, err := c.Process(ctx, redLight("cam-1", "a", 2, t0.Add(10*time.Second)))
	require.NoError(t, err)
	assert.Empty(t, second, "same vehicle within cooldown")
}

func TestCalibrationFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.CalibrationDir = dir

	c := newCoordinator(t, cfg, nil, nil)
	calibrate(t, c.Device("cam-7"), nil)
	require.NoError(t, c.SaveCalibration("cam-7"))

	fresh := newCoordinator(t, cfg, nil, nil)
	d := fresh.Device("cam-7")
	assert.True(t, d.Calibrator.IsCalibrated())
	_, ok := d.Calibrator.Zone("main")
	assert.True(t, ok)
}
