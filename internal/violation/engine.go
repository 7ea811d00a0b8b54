package violation

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/domain/traffic"
)

var (
	ErrRuleDisabled    = errors.New("violation rule is disabled")
	ErrOutOfZone       = errors.New("rule does not apply to zone")
	ErrNoSignal        = errors.New("no signal for violation type")
	ErrNoInfraction    = errors.New("signal is within limits")
	ErrBelowConfidence = errors.New("signal confidence below threshold")
	ErrCoolingDown     = errors.New("violation is cooling down")
)

// WrongWayMinPoints минимальная длина трека для оценки направления движения.
const WrongWayMinPoints = 5

type State int

const (
	StateIdle State = iota
	StateFired
	StateCooling
)

func (s State) String() string {
	switch s {
	case StateFired:
		return "fired"
	case StateCooling:
		return "cooling"
	}
	return "idle"
}

type SpeedSignal struct {
	SpeedKmh   float64
	LimitKmh   float64
	ExcessKmh  float64
	Confidence float64
}

type LaneSignal struct {
	Overlap    float64
	Confidence *float64
}

type HeadingSignal struct {
	Heading    traffic.Point
	Expected   traffic.Point
	Confidence *float64
}

type FollowingSignal struct {
	DistanceM  float64
	Confidence *float64
}

type RedLightSignal struct {
	Crossed    bool
	Confidence *float64
}

// Input сигналы по одной машине на одном кадре. Отсутствующий сигнал равен nil.
type Input struct {
	DeviceID    string
	VehicleID   string
	FrameID     int64
	Timestamp   time.Time
	BBox        traffic.BBox
	FrameWidth  int
	FrameHeight int
	ZoneID      string
	Plate       string
	SnapshotKey string
	Path        []traffic.Point

	Speed     *SpeedSignal
	Lane      *LaneSignal
	Heading   *HeadingSignal
	Following *FollowingSignal
	RedLight  *RedLightSignal
}

type cooldownKey struct {
	vehicle string
	typ     traffic.Type
}

type Engine struct {
	rules Rules
	log   zerolog.Logger

	mu        sync.Mutex
	lastFired map[cooldownKey]time.Time
}

// NewEngine копирует таблицу правил; изменения исходной таблицы на движок не влияют.
func NewEngine(rules Rules, log zerolog.Logger) (*Engine, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		rules:     rules.clone(),
		log:       log,
		lastFired: make(map[cooldownKey]time.Time),
	}, nil
}

// Evaluate проверяет все типы нарушений в фиксированном порядке.
// Ожидаемые отказы (нет сигнала, кулдаун, низкая уверенность) пишутся в debug-лог.
func (e *Engine) Evaluate(in Input) []traffic.Violation {
	var out []traffic.Violation
	for _, t := range traffic.Types {
		v, err := e.Check(in, t)
		if err != nil {
			if !errors.Is(err, ErrNoSignal) && !errors.Is(err, ErrNoInfraction) {
				e.log.Debug().
					Err(err).
					Str("device_id", in.DeviceID).
					Str("vehicle_id", in.VehicleID).
					Str("type", string(t)).
					Msg("violation suppressed")
			}
			continue
		}
		out = append(out, v)
	}
	return out
}

// Check проверяет один тип нарушения и при срабатывании переводит пару (машина, тип) в состояние Fired.
func (e *Engine) Check(in Input, t traffic.Type) (traffic.Violation, error) {
	rule, ok := e.rules[t]
	if !ok || !rule.Enabled {
		return traffic.Violation{}, fmt.Errorf("%w: %s", ErrRuleDisabled, t)
	}
	if !rule.appliesTo(in.ZoneID) {
		return traffic.Violation{}, fmt.Errorf("%w: %s in %s", ErrOutOfZone, t, in.ZoneID)
	}

	f, err := e.infraction(in, rule)
	if err != nil {
		return traffic.Violation{}, err
	}
	if f.confidence < rule.MinConfidence {
		return traffic.Violation{}, fmt.Errorf("%w: %.2f < %.2f", ErrBelowConfidence, f.confidence, rule.MinConfidence)
	}

	key := cooldownKey{vehicle: in.VehicleID, typ: t}
	e.mu.Lock()
	last, seen := e.lastFired[key]
	if seen && in.Timestamp.Sub(last) < rule.Cooldown {
		e.mu.Unlock()
		return traffic.Violation{}, fmt.Errorf("%w: %s for %s until %s",
			ErrCoolingDown, t, in.VehicleID, last.Add(rule.Cooldown).Format(time.RFC3339))
	}
	e.lastFired[key] = in.Timestamp
	e.mu.Unlock()

	v := traffic.Violation{
		ID:          uuid.New(),
		DeviceID:    in.DeviceID,
		Timestamp:   in.Timestamp,
		Type:        t,
		Severity:    rule.Severity.Grade(f.amount),
		VehicleID:   in.VehicleID,
		ZoneID:      in.ZoneID,
		Confidence:  f.confidence,
		Amount:      f.amount,
		Description: f.description,
		Plate:       in.Plate,
		Evidence:    BuildEvidence(in),
	}
	if t == traffic.TypeSpeed {
		speed, limit := in.Speed.SpeedKmh, in.Speed.LimitKmh
		v.MeasuredSpeedKmh = &speed
		v.SpeedLimitKmh = &limit
	}
	return v, nil
}

type infraction struct {
	amount      float64
	confidence  float64
	description string
}

func orDefault(c *float64, def float64) float64 {
	if c == nil {
		return def
	}
	return *c
}

func (e *Engine) infraction(in Input, rule Rule) (infraction, error) {
	switch rule.Type {
	case traffic.TypeSpeed:
		if in.Speed == nil {
			return infraction{}, ErrNoSignal
		}
		if in.Speed.ExcessKmh <= 0 {
			return infraction{}, ErrNoInfraction
		}
		return infraction{
			amount:     in.Speed.ExcessKmh,
			confidence: in.Speed.Confidence,
			description: fmt.Sprintf("Speed %.1f km/h in %.0f km/h zone (+%.1f km/h)",
				in.Speed.SpeedKmh, in.Speed.LimitKmh, in.Speed.ExcessKmh),
		}, nil

	case traffic.TypeLane:
		if in.Lane == nil {
			return infraction{}, ErrNoSignal
		}
		if in.Lane.Overlap >= rule.Threshold {
			return infraction{}, ErrNoInfraction
		}
		amount := 1 - math.Max(0, in.Lane.Overlap)
		return infraction{
			amount:      amount,
			confidence:  orDefault(in.Lane.Confidence, rule.DefaultConfidence),
			description: fmt.Sprintf("Lane violation: %.1f%% outside valid lanes", amount*100),
		}, nil

	case traffic.TypeWrongWay:
		if in.Heading == nil {
			return infraction{}, ErrNoSignal
		}
		h, ok1 := in.Heading.Heading.Unit()
		x, ok2 := in.Heading.Expected.Unit()
		if !ok1 || !ok2 {
			return infraction{}, ErrNoSignal
		}
		angle := math.Acos(math.Max(-1, math.Min(1, h.Dot(x)))) * 180 / math.Pi
		if angle <= rule.Threshold {
			return infraction{}, ErrNoInfraction
		}
		return infraction{
			amount:      angle,
			confidence:  orDefault(in.Heading.Confidence, rule.DefaultConfidence),
			description: fmt.Sprintf("Wrong-way driving detected (angle: %.1f°)", angle),
		}, nil

	case traffic.TypeFollowing:
		if in.Following == nil {
			return infraction{}, ErrNoSignal
		}
		if in.Following.DistanceM >= rule.Threshold {
			return infraction{}, ErrNoInfraction
		}
		deficit := 1 - math.Max(0, in.Following.DistanceM)/rule.Threshold
		return infraction{
			amount:     deficit,
			confidence: orDefault(in.Following.Confidence, rule.DefaultConfidence),
			description: fmt.Sprintf("Following too closely: %.1fm (min: %.1fm)",
				in.Following.DistanceM, rule.Threshold),
		}, nil

	case traffic.TypeRedLight:
		if in.RedLight == nil {
			return infraction{}, ErrNoSignal
		}
		if !in.RedLight.Crossed {
			return infraction{}, ErrNoInfraction
		}
		return infraction{
			amount:      1,
			confidence:  orDefault(in.RedLight.Confidence, rule.DefaultConfidence),
			description: "Red light crossed",
		}, nil
	}
	return infraction{}, fmt.Errorf("%w: %s", ErrRuleDisabled, rule.Type)
}

// BuildEvidence чистая функция входа: кадр, рамка по границам кадра, ключ снимка, путь.
func BuildEvidence(in Input) traffic.Evidence {
	ev := traffic.Evidence{
		FrameID:     in.FrameID,
		Crop:        in.BBox.Clip(in.FrameWidth, in.FrameHeight),
		SnapshotKey: in.SnapshotKey,
	}
	if len(in.Path) > 0 {
		ev.Path = append([]traffic.Point(nil), in.Path...)
	}
	return ev
}

// State состояние автомата для пары (машина, тип) в момент now.
func (e *Engine) State(vehicleID string, t traffic.Type, now time.Time) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.lastFired[cooldownKey{vehicle: vehicleID, typ: t}]
	if !ok {
		return StateIdle
	}
	switch elapsed := now.Sub(last); {
	case elapsed == 0:
		return StateFired
	case elapsed > 0 && elapsed < e.rules[t].Cooldown:
		return StateCooling
	}
	return StateIdle
}

// Prune забывает истекшие кулдауны, возвращает число удаленных записей.
func (e *Engine) Prune(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for k, last := range e.lastFired {
		if now.Sub(last) >= e.rules[k.typ].Cooldown {
			delete(e.lastFired, k)
			removed++
		}
	}
	return removed
}

// Tracked число активных кулдаунов.
func (e *Engine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lastFired)
}
