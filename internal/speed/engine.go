package speed

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"traffic-violation-service/internal/calibration"
	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/trajectory"
)

var ErrMeasurementRejected = errors.New("speed measurement rejected")

const (
	DefaultZoneID = "default"

	mpsToKmh           = 3.6
	confidenceDistance = 10.0
	minMovementM       = 0.1
	turnThresholdDeg   = 45.0
	historySize        = 5
)

// Calibration то, что движку нужно от калибратора камеры.
type Calibration interface {
	IsCalibrated() bool
	PixelToReal(p traffic.Point) (traffic.Point, error)
	Zone(id string) (calibration.Zone, bool)
	ZoneFor(p traffic.Point) (calibration.Zone, bool)
}

type Config struct {
	MinDistanceM float64
	MinTime      time.Duration
	// FullConfidenceTime длительность наблюдения, начиная с которой штраф по времени не применяется.
	// По умолчанию 1 с: секундный проезд через зону уже дает полную уверенность.
	// SPEED_FULL_CONFIDENCE_TIME=2s включает более строгий штраф за короткие наблюдения.
	FullConfidenceTime time.Duration
	DefaultLimitKmh    float64
	ToleranceKmh       float64
}

func DefaultConfig() Config {
	return Config{
		MinDistanceM:       5,
		MinTime:            500 * time.Millisecond,
		FullConfidenceTime: time.Second,
		DefaultLimitKmh:    60,
		ToleranceKmh:       5,
	}
}

type Measurement struct {
	VehicleID     string          `json:"vehicle_id"`
	SpeedKmh      float64         `json:"speed_kmh"`
	SpeedMps      float64         `json:"speed_mps"`
	DistanceM     float64         `json:"distance_m"`
	Elapsed       time.Duration   `json:"elapsed"`
	ZoneID        string          `json:"zone_id"`
	SpeedLimitKmh float64         `json:"speed_limit_kmh"`
	Confidence    float64         `json:"confidence"`
	Entry         traffic.Point   `json:"entry"`
	Exit          traffic.Point   `json:"exit"`
	EntryTime     time.Time       `json:"entry_time"`
	ExitTime      time.Time       `json:"exit_time"`
	RealPath      []traffic.Point `json:"real_path"`
	Frame         int64           `json:"frame"`
}

// Excess превышение скорости. ExcessKmh считается от лимита, OverToleranceKmh от порога срабатывания.
type Excess struct {
	Measurement      Measurement `json:"measurement"`
	ExcessKmh        float64     `json:"excess_kmh"`
	OverToleranceKmh float64     `json:"over_tolerance_kmh"`
	PercentOverLimit float64     `json:"percent_over_limit"`
}

type Stats struct {
	Measurements      int64            `json:"measurements"`
	Rejected          map[string]int64 `json:"rejected"`
	Violations        int64            `json:"violations"`
	AverageSpeedKmh   float64          `json:"average_speed_kmh"`
	MaxSpeedKmh       float64          `json:"max_speed_kmh"`
	TrackedVehicles   int              `json:"tracked_vehicles"`
	AverageConfidence float64          `json:"average_confidence"`
}

type Engine struct {
	cfg Config
	cal Calibration
	log zerolog.Logger

	mu       sync.Mutex
	history  map[string][]Measurement
	count    int64
	sumSpeed float64
	sumConf  float64
	maxSpeed float64
	rejected map[string]int64
	excesses int64
}

func NewEngine(cfg Config, cal Calibration, log zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MinDistanceM <= 0 {
		cfg.MinDistanceM = def.MinDistanceM
	}
	if cfg.MinTime <= 0 {
		cfg.MinTime = def.MinTime
	}
	if cfg.FullConfidenceTime <= 0 {
		cfg.FullConfidenceTime = def.FullConfidenceTime
	}
	if cfg.DefaultLimitKmh <= 0 {
		cfg.DefaultLimitKmh = def.DefaultLimitKmh
	}
	if cfg.ToleranceKmh < 0 {
		cfg.ToleranceKmh = def.ToleranceKmh
	}
	return &Engine{
		cfg:      cfg,
		cal:      cal,
		log:      log,
		history:  make(map[string][]Measurement),
		rejected: make(map[string]int64),
	}
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) reject(reason string, format string, args ...any) error {
	e.mu.Lock()
	e.rejected[reason]++
	e.mu.Unlock()
	detail := fmt.Sprintf(format, args...)
	e.log.Debug().Str("reason", reason).Str("detail", detail).Msg("speed measurement rejected")
	return fmt.Errorf("%w: %s", ErrMeasurementRejected, detail)
}

// Measure считает скорость по прямой между первой и последней точкой трека,
// переведенными в метры. Точки, которые не удалось перевести, отбрасываются.
func (e *Engine) Measure(traj trajectory.Trajectory, zoneOverride string) (Measurement, error) {
	if !e.cal.IsCalibrated() {
		return Measurement{}, calibration.ErrUncalibrated
	}

	var (
		world []traffic.Point
		times []time.Time
	)
	for _, p := range traj.Points {
		r, err := e.cal.PixelToReal(p.Position)
		if err != nil {
			continue
		}
		world = append(world, r)
		times = append(times, p.Timestamp)
	}
	if len(world) < 2 {
		return Measurement{}, e.reject("insufficient_points", "%d valid points", len(world))
	}

	first, last := 0, len(world)-1
	distance := world[first].Dist(world[last])
	elapsed := times[last].Sub(times[first])
	if distance < e.cfg.MinDistanceM {
		return Measurement{}, e.reject("distance", "distance %.2f m below minimum %.2f m", distance, e.cfg.MinDistanceM)
	}
	if elapsed < e.cfg.MinTime {
		return Measurement{}, e.reject("time", "elapsed %s below minimum %s", elapsed, e.cfg.MinTime)
	}

	mps := distance / elapsed.Seconds()
	zoneID, limit := e.zoneFor(traj, zoneOverride)

	m := Measurement{
		VehicleID:     traj.TrackID,
		SpeedMps:      mps,
		SpeedKmh:      mps * mpsToKmh,
		DistanceM:     distance,
		Elapsed:       elapsed,
		ZoneID:        zoneID,
		SpeedLimitKmh: limit,
		Confidence:    e.confidence(world, distance, elapsed),
		Entry:         world[first],
		Exit:          world[last],
		EntryTime:     times[first],
		ExitTime:      times[last],
		RealPath:      world,
	}
	if lp, ok := traj.Last(); ok {
		m.Frame = lp.Frame
	}

	e.record(m)
	return m, nil
}

func (e *Engine) zoneFor(traj trajectory.Trajectory, override string) (string, float64) {
	if override != "" {
		if z, ok := e.cal.Zone(override); ok {
			return z.ID, z.SpeedLimitKmh
		}
	}
	if n := len(traj.Points); n > 0 {
		if z, ok := e.cal.ZoneFor(traj.Points[n/2].Position); ok {
			return z.ID, z.SpeedLimitKmh
		}
	}
	return DefaultZoneID, e.cfg.DefaultLimitKmh
}

// confidence произведение штрафов за короткую дистанцию, короткое время и рывки траектории.
func (e *Engine) confidence(path []traffic.Point, distance float64, elapsed time.Duration) float64 {
	distFactor := math.Min(1, distance/confidenceDistance)
	timeFactor := math.Min(1, elapsed.Seconds()/e.cfg.FullConfidenceTime.Seconds())

	changes := 0
	var prev *traffic.Point
	for i := 1; i < len(path); i++ {
		step := path[i].Sub(path[i-1])
		if step.Norm() < minMovementM {
			continue
		}
		if prev != nil {
			cos := prev.Dot(step) / (prev.Norm() * step.Norm())
			cos = math.Max(-1, math.Min(1, cos))
			if math.Acos(cos)*180/math.Pi > turnThresholdDeg {
				changes++
			}
		}
		s := step
		prev = &s
	}
	smooth := math.Max(0, 1-float64(changes)/float64(len(path)))

	return math.Max(0, math.Min(1, distFactor*timeFactor*smooth))
}

func (e *Engine) record(m Measurement) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := append(e.history[m.VehicleID], m)
	if len(h) > historySize {
		h = h[len(h)-historySize:]
	}
	e.history[m.VehicleID] = h

	e.count++
	e.sumSpeed += m.SpeedKmh
	e.sumConf += m.Confidence
	if m.SpeedKmh > e.maxSpeed {
		e.maxSpeed = m.SpeedKmh
	}
}

// DetectViolation срабатывает только если скорость строго выше лимита плюс допуск.
func (e *Engine) DetectViolation(m Measurement) (Excess, bool) {
	threshold := m.SpeedLimitKmh + e.cfg.ToleranceKmh
	if m.SpeedKmh <= threshold {
		return Excess{}, false
	}

	e.mu.Lock()
	e.excesses++
	e.mu.Unlock()

	x := Excess{
		Measurement:      m,
		ExcessKmh:        m.SpeedKmh - m.SpeedLimitKmh,
		OverToleranceKmh: m.SpeedKmh - threshold,
	}
	if m.SpeedLimitKmh > 0 {
		x.PercentOverLimit = x.ExcessKmh / m.SpeedLimitKmh * 100
	}
	return x, true
}

// Smoothed средняя скорость по последним измерениям, взвешенная по уверенности.
func (e *Engine) Smoothed(vehicleID string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sum, weight float64
	for _, m := range e.history[vehicleID] {
		sum += m.SpeedKmh * m.Confidence
		weight += m.Confidence
	}
	if weight == 0 {
		return 0, false
	}
	return sum / weight, true
}

func (e *Engine) History(vehicleID string) []Measurement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Measurement(nil), e.history[vehicleID]...)
}

// Prune забывает историю машин, последнее измерение которых старше maxAge.
func (e *Engine) Prune(now time.Time, maxAge time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, h := range e.history {
		if len(h) == 0 || now.Sub(h[len(h)-1].ExitTime) > maxAge {
			delete(e.history, id)
			removed++
		}
	}
	return removed
}

// Instantaneous скорости в км/ч по скользящему окну из window точек.
func (e *Engine) Instantaneous(traj trajectory.Trajectory, window int) []float64 {
	if window < 2 {
		window = 2
	}
	var out []float64
	for i := 0; i+window <= len(traj.Points); i++ {
		a, b := traj.Points[i], traj.Points[i+window-1]
		ra, err := e.cal.PixelToReal(a.Position)
		if err != nil {
			continue
		}
		rb, err := e.cal.PixelToReal(b.Position)
		if err != nil {
			continue
		}
		dt := b.Timestamp.Sub(a.Timestamp).Seconds()
		if dt <= 0 {
			continue
		}
		out = append(out, ra.Dist(rb)/dt*mpsToKmh)
	}
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		Measurements:    e.count,
		Rejected:        make(map[string]int64, len(e.rejected)),
		Violations:      e.excesses,
		MaxSpeedKmh:     e.maxSpeed,
		TrackedVehicles: len(e.history),
	}
	for k, v := range e.rejected {
		st.Rejected[k] = v
	}
	if e.count > 0 {
		st.AverageSpeedKmh = e.sumSpeed / float64(e.count)
		st.AverageConfidence = e.sumConf / float64(e.count)
	}
	return st
}
