package violation

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-violation-service/internal/domain/traffic"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, rules Rules) *Engine {
	t.Helper()
	if rules == nil {
		rules = DefaultRules()
	}
	e, err := NewEngine(rules, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func speedInput(vehicle string, ts time.Time, speed, limit float64) Input {
	return Input{
		DeviceID:  "cam-1",
		VehicleID: vehicle,
		FrameID:   42,
		Timestamp: ts,
		BBox:      traffic.BBox{X1: 10, Y1: 20, X2: 110, Y2: 90},
		ZoneID:    "main",
		Speed: &SpeedSignal{
			SpeedKmh:   speed,
			LimitKmh:   limit,
			ExcessKmh:  speed - limit,
			Confidence: 0.95,
		},
	}
}

func f(v float64) *float64 { return &v }

func TestSpeedViolationMinorAt75In60(t *testing.T) {
	e := newEngine(t, nil)
	out := e.Evaluate(speedInput("v1", t0, 75, 60))
	require.Len(t, out, 1)

	v := out[0]
	assert.Equal(t, traffic.TypeSpeed, v.Type)
	assert.Equal(t, traffic.SeverityMinor, v.Severity)
	assert.InDelta(t, 15, v.Amount, 1e-9)
	require.NotNil(t, v.MeasuredSpeedKmh)
	assert.Equal(t, 75.0, *v.MeasuredSpeedKmh)
	assert.Equal(t, 60.0, *v.SpeedLimitKmh)
	assert.Equal(t, int64(42), v.Evidence.FrameID)
	assert.Equal(t, "cam-1", v.DeviceID)
}

func TestCooldownSpacing(t *testing.T) {
	e := newEngine(t, nil)

	require.Len(t, e.Evaluate(speedInput("v1", t0, 90, 60)), 1)
	assert.Equal(t, StateFired, e.State("v1", traffic.TypeSpeed, t0))

	_, err := e.Check(speedInput("v1", t0.Add(10*time.Second), 90, 60), traffic.TypeSpeed)
	assert.ErrorIs(t, err, ErrCoolingDown)
	assert.Equal(t, StateCooling, e.State("v1", traffic.TypeSpeed, t0.Add(10*time.Second)))

	// другая машина не затронута кулдауном
	assert.Len(t, e.Evaluate(speedInput("v2", t0.Add(10*time.Second), 90, 60)), 1)

	assert.Equal(t, StateIdle, e.State("v1", traffic.TypeSpeed, t0.Add(31*time.Second)))
	assert.Len(t, e.Evaluate(speedInput("v1", t0.Add(31*time.Second), 90, 60)), 1)
}

func TestCooldownPerType(t *testing.T) {
	e := newEngine(t, nil)
	in := speedInput("v1", t0, 90, 60)
	in.Lane = &LaneSignal{Overlap: 0.3}
	out := e.Evaluate(in)
	require.Len(t, out, 2)
	assert.Equal(t, traffic.TypeSpeed, out[0].Type)
	assert.Equal(t, traffic.TypeLane, out[1].Type)

	// через 16 секунд полоса снова может сработать, скорость еще на кулдауне
	in.Timestamp = t0.Add(16 * time.Second)
	out = e.Evaluate(in)
	require.Len(t, out, 1)
	assert.Equal(t, traffic.TypeLane, out[0].Type)
}

func TestConfidenceGateBeforeCooldown(t *testing.T) {
	e := newEngine(t, nil)
	in := speedInput("v1", t0, 90, 60)
	in.Speed.Confidence = 0.5

	_, err := e.Check(in, traffic.TypeSpeed)
	assert.ErrorIs(t, err, ErrBelowConfidence)
	assert.Equal(t, StateIdle, e.State("v1", traffic.TypeSpeed, t0))

	in.Speed.Confidence = 0.9
	in.Timestamp = t0.Add(time.Second)
	_, err = e.Check(in, traffic.TypeSpeed)
	assert.NoError(t, err)
}

func TestSeverityGrades(t *testing.T) {
	tests := []struct {
		name string
		typ  traffic.Type
		in   func(in *Input)
		want traffic.Severity
	}{
		{"speed +39", traffic.TypeSpeed, func(in *Input) { in.Speed.ExcessKmh = 39 }, traffic.SeverityModerate},
		{"speed +45", traffic.TypeSpeed, func(in *Input) { in.Speed.ExcessKmh = 45 }, traffic.SeveritySevere},
		{"speed +70", traffic.TypeSpeed, func(in *Input) { in.Speed.ExcessKmh = 70 }, traffic.SeverityCritical},
		{"lane 0.6 overlap", traffic.TypeLane, func(in *Input) { in.Lane = &LaneSignal{Overlap: 0.6} }, traffic.SeverityMinor},
		{"lane 0.4 overlap", traffic.TypeLane, func(in *Input) { in.Lane = &LaneSignal{Overlap: 0.4} }, traffic.SeverityModerate},
		{"lane 0.1 overlap", traffic.TypeLane, func(in *Input) { in.Lane = &LaneSignal{Overlap: 0.1} }, traffic.SeveritySevere},
		{"lane fully outside", traffic.TypeLane, func(in *Input) { in.Lane = &LaneSignal{Overlap: 0} }, traffic.SeverityCritical},
		{"following 15m", traffic.TypeFollowing, func(in *Input) { in.Following = &FollowingSignal{DistanceM: 15} }, traffic.SeverityModerate},
		{"following 9m", traffic.TypeFollowing, func(in *Input) { in.Following = &FollowingSignal{DistanceM: 9} }, traffic.SeveritySevere},
		{"following 5m", traffic.TypeFollowing, func(in *Input) { in.Following = &FollowingSignal{DistanceM: 5} }, traffic.SeverityCritical},
		{"wrong way", traffic.TypeWrongWay, func(in *Input) {
			in.Heading = &HeadingSignal{Heading: traffic.Point{Y: -1}, Expected: traffic.Point{Y: 1}}
		}, traffic.SeverityCritical},
		{"red light", traffic.TypeRedLight, func(in *Input) { in.RedLight = &RedLightSignal{Crossed: true} }, traffic.SeveritySevere},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, nil)
			in := speedInput("v", t0, 100, 60)
			tt.in(&in)
			v, err := e.Check(in, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Severity)
		})
	}
}

func TestSeverityMonotonic(t *testing.T) {
	for typ, rule := range DefaultRules() {
		prev := traffic.Severity(0)
		for amount := 0.0; amount <= 200; amount += 0.05 {
			s := rule.Severity.Grade(amount)
			assert.GreaterOrEqual(t, s, prev, "type %s amount %.2f", typ, amount)
			prev = s
		}
	}
}

func TestNoInfraction(t *testing.T) {
	e := newEngine(t, nil)
	in := Input{
		VehicleID: "v",
		Timestamp: t0,
		Lane:      &LaneSignal{Overlap: 0.9},
		Heading:   &HeadingSignal{Heading: traffic.Point{X: 1, Y: 0.2}, Expected: traffic.Point{X: 1}},
		Following: &FollowingSignal{DistanceM: 35},
		RedLight:  &RedLightSignal{Crossed: false},
	}
	assert.Empty(t, e.Evaluate(in))
	for _, typ := range []traffic.Type{traffic.TypeLane, traffic.TypeWrongWay, traffic.TypeFollowing, traffic.TypeRedLight} {
		_, err := e.Check(in, typ)
		assert.ErrorIs(t, err, ErrNoInfraction, typ)
	}
	_, err := e.Check(in, traffic.TypeSpeed)
	assert.ErrorIs(t, err, ErrNoSignal)
}

func TestDisabledAndZoneScopedRules(t *testing.T) {
	rules := DefaultRules()
	lane := rules[traffic.TypeLane]
	lane.Enabled = false
	rules[traffic.TypeLane] = lane
	speed := rules[traffic.TypeSpeed]
	speed.Zones = []string{"school"}
	rules[traffic.TypeSpeed] = speed

	e := newEngine(t, rules)
	in := speedInput("v", t0, 100, 60)
	in.Lane = &LaneSignal{Overlap: 0}

	_, err := e.Check(in, traffic.TypeLane)
	assert.ErrorIs(t, err, ErrRuleDisabled)
	_, err = e.Check(in, traffic.TypeSpeed)
	assert.ErrorIs(t, err, ErrOutOfZone)

	in.ZoneID = "school"
	_, err = e.Check(in, traffic.TypeSpeed)
	assert.NoError(t, err)
}

func TestEngineCopiesRules(t *testing.T) {
	rules := DefaultRules()
	e := newEngine(t, rules)
	r := rules[traffic.TypeSpeed]
	r.Enabled = false
	rules[traffic.TypeSpeed] = r

	assert.Len(t, e.Evaluate(speedInput("v", t0, 100, 60)), 1)
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(Rules)
	}{
		{"missing type", func(r Rules) { delete(r, traffic.TypeRedLight) }},
		{"descending bounds", func(r Rules) {
			x := r[traffic.TypeSpeed]
			x.Severity.Bounds = []float64{40, 20, 60}
			r[traffic.TypeSpeed] = x
		}},
		{"decreasing levels", func(r Rules) {
			x := r[traffic.TypeLane]
			x.Severity.Levels = []traffic.Severity{traffic.SeveritySevere, traffic.SeverityMinor, traffic.SeveritySevere, traffic.SeverityCritical}
			r[traffic.TypeLane] = x
		}},
		{"level count mismatch", func(r Rules) {
			x := r[traffic.TypeFollowing]
			x.Severity.Levels = x.Severity.Levels[:1]
			r[traffic.TypeFollowing] = x
		}},
		{"confidence out of range", func(r Rules) {
			x := r[traffic.TypeWrongWay]
			x.MinConfidence = 1.5
			r[traffic.TypeWrongWay] = x
		}},
		{"type mismatch", func(r Rules) {
			x := r[traffic.TypeLane]
			x.Type = traffic.TypeSpeed
			r[traffic.TypeLane] = x
		}},
		{"unknown type", func(r Rules) { r["tailgating"] = Rule{Type: "tailgating"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := DefaultRules()
			tt.mutate(rules)
			_, err := NewEngine(rules, zerolog.Nop())
			assert.ErrorIs(t, err, ErrInvalidRules)
		})
	}
	assert.NoError(t, DefaultRules().Validate())
}

func TestBuildEvidenceIsPure(t *testing.T) {
	in := Input{
		FrameID:     7,
		BBox:        traffic.BBox{X1: -10, Y1: 5, X2: 700, Y2: 300},
		FrameWidth:  640,
		FrameHeight: 480,
		SnapshotKey: "cam-1/7.jpg",
		Path:        []traffic.Point{{X: 1, Y: 2}},
	}
	a, b := BuildEvidence(in), BuildEvidence(in)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("evidence differs (-a +b):\n%s", diff)
	}
	want := traffic.Evidence{
		FrameID:     7,
		Crop:        traffic.BBox{X1: 0, Y1: 5, X2: 640, Y2: 300},
		SnapshotKey: "cam-1/7.jpg",
		Path:        []traffic.Point{{X: 1, Y: 2}},
	}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Fatalf("unexpected evidence (-want +got):\n%s", diff)
	}
}

func TestPrune(t *testing.T) {
	e := newEngine(t, nil)
	e.Evaluate(speedInput("v1", t0, 100, 60))
	in := speedInput("v2", t0, 100, 60)
	in.RedLight = &RedLightSignal{Crossed: true, Confidence: f(0.9)}
	e.Evaluate(in)
	require.Equal(t, 3, e.Tracked())

	assert.Equal(t, 2, e.Prune(t0.Add(time.Minute)))
	assert.Equal(t, 1, e.Tracked())
}
