package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/alert"
	"traffic-violation-service/internal/calibration"
	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/speed"
	"traffic-violation-service/internal/trajectory"
	"traffic-violation-service/internal/utils"
	"traffic-violation-service/internal/violation"
)

var (
	ErrStoreUnavailable = errors.New("violation store unavailable")
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrBusy             = errors.New("device frame queue is full")
	ErrNotRunning       = errors.New("coordinator is not running")
)

// ViolationStore долговременное хранилище нарушений.
type ViolationStore interface {
	Save(ctx context.Context, v traffic.Violation) error
	Query(ctx context.Context, f traffic.Filter) ([]traffic.Violation, error)
	MarkFalsePositive(ctx context.Context, id uuid.UUID) (bool, error)
}

type Dispatcher interface {
	Send(ctx context.Context, v traffic.Violation) (uuid.UUID, error)
	Stats() alert.Stats
}

type Config struct {
	Calibration calibration.Config
	Trajectory  trajectory.Config
	Speed       speed.Config
	Rules       violation.Rules

	// CalibrationDir каталог файлов калибровки <device_id>.json; пусто - без файлов.
	CalibrationDir     string
	StoreBufferSize    int
	FrameQueueSize     int
	StoreTimeout       time.Duration
	MaintenanceEvery   time.Duration
	PlateMinConfidence float64
}

func DefaultConfig() Config {
	return Config{
		Calibration:        calibration.DefaultConfig(),
		Trajectory:         trajectory.DefaultConfig(),
		Speed:              speed.DefaultConfig(),
		Rules:              violation.DefaultRules(),
		StoreBufferSize:    1000,
		FrameQueueSize:     64,
		StoreTimeout:       5 * time.Second,
		MaintenanceEvery:   30 * time.Second,
		PlateMinConfidence: 0.6,
	}
}

// Device состояние одной камеры. Кадры одной камеры обрабатываются строго последовательно.
type Device struct {
	ID           string
	Calibrator   *calibration.Calibrator
	Trajectories *trajectory.Store
	Speed        *speed.Engine
	Violations   *violation.Engine

	mu     sync.Mutex
	frames chan traffic.Frame
	// lastFrame самое позднее время кадра камеры; по нему чистится состояние, а не по часам сервера.
	lastFrame time.Time
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type Coordinator struct {
	cfg        Config
	log        zerolog.Logger
	store      ViolationStore
	dispatcher Dispatcher
	now        func() time.Time
	started    time.Time

	mu      sync.RWMutex
	devices map[string]*Device
	run     *runState

	bufMu         sync.Mutex
	flushMu       sync.Mutex
	buffer        []traffic.Violation
	bufferDropped int64

	frames        atomic.Int64
	observations  atomic.Int64
	errs          atomic.Int64
	uncalibrated  atomic.Int64
	storeFailures atomic.Int64
	alertFailures atomic.Int64

	statsMu        sync.Mutex
	byType         map[traffic.Type]int64
	bySeverity     map[traffic.Severity]int64
	total          int64
	falsePositives int64
}

// New проверяет таблицу правил сразу, чтобы ошибка конфигурации проявилась при старте.
func New(cfg Config, store ViolationStore, dispatcher Dispatcher, log zerolog.Logger, opts ...Option) (*Coordinator, error) {
	def := DefaultConfig()
	if cfg.Rules == nil {
		cfg.Rules = def.Rules
	}
	if err := cfg.Rules.Validate(); err != nil {
		return nil, err
	}
	if cfg.StoreBufferSize <= 0 {
		cfg.StoreBufferSize = def.StoreBufferSize
	}
	if cfg.FrameQueueSize <= 0 {
		cfg.FrameQueueSize = def.FrameQueueSize
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.Trajectory.StaleAfter <= 0 {
		cfg.Trajectory.StaleAfter = def.Trajectory.StaleAfter
	}
	if cfg.MaintenanceEvery <= 0 {
		cfg.MaintenanceEvery = def.MaintenanceEvery
	}

	c := &Coordinator{
		cfg:        cfg,
		log:        log,
		store:      store,
		dispatcher: dispatcher,
		now:        time.Now,
		devices:    make(map[string]*Device),
		byType:     make(map[traffic.Type]int64),
		bySeverity: make(map[traffic.Severity]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()
	return c, nil
}

// Device возвращает состояние камеры, создавая его при первом обращении.
func (c *Coordinator) Device(id string) *Device {
	c.mu.RLock()
	d, ok := c.devices[id]
	c.mu.RUnlock()
	if ok {
		return d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[id]; ok {
		return d
	}

	log := c.log.With().Str("device_id", id).Logger()
	cal := calibration.New(c.cfg.Calibration, log)
	if c.cfg.CalibrationDir != "" {
		path := c.calibrationPath(id)
		if err := cal.LoadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("failed to load calibration file")
		}
	}
	// правила уже проверены в New
	ve, _ := violation.NewEngine(c.cfg.Rules, log)

	d = &Device{
		ID:           id,
		Calibrator:   cal,
		Trajectories: trajectory.NewStore(c.cfg.Trajectory, log),
		Speed:        speed.NewEngine(c.cfg.Speed, cal, log),
		Violations:   ve,
		frames:       make(chan traffic.Frame, c.cfg.FrameQueueSize),
	}
	c.devices[id] = d
	if c.run != nil {
		c.run.start(d)
	}
	log.Info().Bool("calibrated", cal.IsCalibrated()).Msg("device registered")
	return d
}

func (c *Coordinator) Devices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.devices))
	for id := range c.devices {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) calibrationPath(deviceID string) string {
	return filepath.Join(c.cfg.CalibrationDir, filepath.Base(deviceID)+".json")
}

// SaveCalibration сохраняет калибровку камеры в каталог калибровок.
func (c *Coordinator) SaveCalibration(deviceID string) error {
	if c.cfg.CalibrationDir == "" {
		return nil
	}
	return c.Device(deviceID).Calibrator.SaveFile(c.calibrationPath(deviceID))
}

// Process обрабатывает один кадр: трек, скорость, правила, сохранение, алерты.
// Ошибка одного наблюдения не прерывает обработку остальных.
func (c *Coordinator) Process(ctx context.Context, frame traffic.Frame) ([]traffic.Violation, error) {
	if frame.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidFrame)
	}
	if frame.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", ErrInvalidFrame)
	}

	d := c.Device(frame.DeviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if frame.Timestamp.After(d.lastFrame) {
		d.lastFrame = frame.Timestamp
	}

	c.flush(ctx)
	c.frames.Add(1)

	calibrated := d.Calibrator.IsCalibrated()
	if !calibrated {
		c.uncalibrated.Add(1)
	}

	gaps := map[string]float64{}
	if calibrated {
		gaps = followingGaps(d, frame)
	}

	var out []traffic.Violation
	for _, obs := range frame.Observations {
		c.observations.Add(1)
		vs, err := c.observe(d, frame, obs, calibrated, gaps)
		if err != nil {
			c.errs.Add(1)
			c.log.Warn().
				Err(err).
				Str("device_id", frame.DeviceID).
				Int64("frame_id", frame.FrameID).
				Str("track_id", obs.TrackID).
				Msg("observation skipped")
			continue
		}
		out = append(out, vs...)
	}

	for _, v := range out {
		c.count(v)
		c.persist(ctx, v)
		c.dispatch(ctx, v)
	}
	return out, nil
}

func (c *Coordinator) observe(d *Device, frame traffic.Frame, obs traffic.Observation, calibrated bool, gaps map[string]float64) (vs []traffic.Violation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing observation: %v", r)
		}
	}()

	if obs.TrackID == "" {
		return nil, fmt.Errorf("%w: observation without track id", ErrInvalidFrame)
	}
	if !obs.BBox.Valid() {
		return nil, fmt.Errorf("%w: bad bbox for track %s", ErrInvalidFrame, obs.TrackID)
	}

	pos := obs.BBox.BottomCenter()
	traj, err := d.Trajectories.Update(obs.TrackID, pos, frame.Timestamp, frame.FrameID)
	if err != nil {
		return nil, err
	}

	in := violation.Input{
		DeviceID:    frame.DeviceID,
		VehicleID:   obs.TrackID,
		FrameID:     frame.FrameID,
		Timestamp:   frame.Timestamp,
		BBox:        obs.BBox,
		FrameWidth:  frame.Width,
		FrameHeight: frame.Height,
		ZoneID:      obs.ZoneID,
		Plate:       c.plate(obs),
		SnapshotKey: frame.SnapshotKey,
		Path:        traj.Positions(),
	}

	zone, inZone := zoneOf(d, obs.ZoneID, pos)
	if inZone && in.ZoneID == "" {
		in.ZoneID = zone.ID
	}

	if calibrated {
		m, err := d.Speed.Measure(traj, obs.ZoneID)
		switch {
		case err == nil:
			if in.ZoneID == "" {
				in.ZoneID = m.ZoneID
			}
			if x, fired := d.Speed.DetectViolation(m); fired {
				in.Speed = &violation.SpeedSignal{
					SpeedKmh:   m.SpeedKmh,
					LimitKmh:   m.SpeedLimitKmh,
					ExcessKmh:  x.ExcessKmh,
					Confidence: m.Confidence,
				}
			}
		case errors.Is(err, speed.ErrMeasurementRejected), errors.Is(err, calibration.ErrUncalibrated):
		default:
			return nil, err
		}
	}

	if obs.LaneOverlap != nil {
		in.Lane = &violation.LaneSignal{Overlap: *obs.LaneOverlap, Confidence: obs.LaneConfidence}
	}

	if traj.Direction != nil && traj.Len() >= violation.WrongWayMinPoints && inZone {
		if expected, ok := zone.ExpectedDirection(); ok {
			in.Heading = &violation.HeadingSignal{Heading: *traj.Direction, Expected: expected}
		}
	}

	if obs.FollowingDistanceM != nil {
		in.Following = &violation.FollowingSignal{DistanceM: *obs.FollowingDistanceM}
	} else if gap, ok := gaps[obs.TrackID]; ok {
		in.Following = &violation.FollowingSignal{DistanceM: gap}
	}

	if obs.RedLightCrossed {
		in.RedLight = &violation.RedLightSignal{Crossed: true}
	}

	return d.Violations.Evaluate(in), nil
}

func (c *Coordinator) plate(obs traffic.Observation) string {
	if obs.Plate == "" {
		return ""
	}
	conf := obs.PlateConfidence
	if conf == 0 {
		// источник не сообщил уверенность
		conf = 1
	}
	return utils.PlateReading(obs.Plate, conf, c.cfg.PlateMinConfidence)
}

func (c *Coordinator) dispatch(ctx context.Context, v traffic.Violation) {
	if c.dispatcher == nil {
		return
	}
	if _, err := c.dispatcher.Send(ctx, v); err != nil {
		c.alertFailures.Add(1)
		c.log.Warn().
			Err(err).
			Str("violation_id", v.ID.String()).
			Str("type", string(v.Type)).
			Msg("failed to enqueue alert")
	}
}

func (c *Coordinator) count(v traffic.Violation) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.total++
	c.byType[v.Type]++
	c.bySeverity[v.Severity]++
}
