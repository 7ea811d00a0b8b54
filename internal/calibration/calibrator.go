package calibration

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"traffic-violation-service/internal/domain/traffic"
)

var (
	ErrUncalibrated       = errors.New("camera is not calibrated")
	ErrDegenerate         = errors.New("degenerate calibration point configuration")
	ErrPoorFit            = errors.New("calibration error exceeds threshold")
	ErrInsufficientPoints = errors.New("insufficient calibration points")
	ErrInvalidZone        = errors.New("invalid zone")
	ErrHorizon            = errors.New("point maps to or beyond the horizon")
)

type Config struct {
	// MaxErrorM калибровка считается валидной только при ошибке меньше этого значения.
	MaxErrorM        float64
	InlierThresholdM float64
	MaxSamples       int
	Seed             int64
}

func DefaultConfig() Config {
	return Config{
		MaxErrorM:        0.5,
		InlierThresholdM: 0.5,
		MaxSamples:       200,
		Seed:             1,
	}
}

// Point опорная точка калибровки: пиксель и соответствующие ему координаты на дороге в метрах.
type Point struct {
	Pixel       traffic.Point `json:"pixel"`
	Real        traffic.Point `json:"real"`
	Description string        `json:"description,omitempty"`
}

// Snapshot неизменяемое состояние калибровки. Читатели получают его без блокировок.
type Snapshot struct {
	Homography Homography `json:"homography"`
	Inverse    Homography `json:"inverse"`
	ErrorM     float64    `json:"error_m"`
	Confidence float64    `json:"confidence"`
	Valid      bool       `json:"valid"`
	Points     int        `json:"points"`
	Inliers    int        `json:"inliers"`
	// LastAttemptErrorM ошибка последней попытки, даже если она была отклонена.
	LastAttemptErrorM float64   `json:"last_attempt_error_m"`
	Zones             []Zone    `json:"zones"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Calibrator struct {
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time
	mu   sync.Mutex
	pts  []Point
	snap atomic.Pointer[Snapshot]
}

func New(cfg Config, log zerolog.Logger) *Calibrator {
	def := DefaultConfig()
	if cfg.MaxErrorM <= 0 {
		cfg.MaxErrorM = def.MaxErrorM
	}
	if cfg.InlierThresholdM <= 0 {
		cfg.InlierThresholdM = def.InlierThresholdM
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	c := &Calibrator{cfg: cfg, log: log, now: time.Now}
	c.snap.Store(&Snapshot{})
	return c
}

func (c *Calibrator) Snapshot() Snapshot {
	return *c.snap.Load()
}

func (c *Calibrator) IsCalibrated() bool {
	return c.snap.Load().Valid
}

func (c *Calibrator) Points() []Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Point(nil), c.pts...)
}

// AddPoint добавляет опорную точку и, начиная с 4 точек, пересчитывает гомографию.
// Неудачная подгонка не заменяет ранее валидную калибровку, но точка сохраняется.
func (c *Calibrator) AddPoint(pixel, world traffic.Point, description string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pts = append(c.pts, Point{Pixel: pixel, Real: world, Description: description})
	return c.recompute()
}

// SetPoints заменяет все опорные точки и пересчитывает калибровку.
func (c *Calibrator) SetPoints(points []Point) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pts = append([]Point(nil), points...)
	return c.recompute()
}

// Reset сбрасывает точки и гомографию, зоны сохраняются.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pts = nil
	prev := c.snap.Load()
	c.snap.Store(&Snapshot{Zones: prev.Zones, UpdatedAt: c.now()})
}

func (c *Calibrator) recompute() (Snapshot, error) {
	prev := c.snap.Load()
	next := *prev
	next.Points = len(c.pts)
	next.UpdatedAt = c.now()

	if len(c.pts) < 4 {
		c.snap.Store(&next)
		return next, nil
	}

	src := make([]traffic.Point, len(c.pts))
	dst := make([]traffic.Point, len(c.pts))
	for i, p := range c.pts {
		src[i], dst[i] = p.Pixel, p.Real
	}

	// ошибка калибровки считается только по точкам, которые RANSAC признал inlier'ами
	inliers := ransacInliers(src, dst, c.cfg)
	inSrc, inDst := pick(src, inliers), pick(dst, inliers)

	h, err := fitHomography(inSrc, inDst)
	if err != nil {
		c.snap.Store(&next)
		c.log.Warn().Err(err).Int("points", len(c.pts)).Msg("homography fit failed")
		return next, err
	}
	inv, err := h.Inverse()
	if err != nil {
		c.snap.Store(&next)
		c.log.Warn().Err(err).Int("points", len(c.pts)).Msg("homography is not invertible")
		return next, err
	}

	errM := reprojectionError(inSrc, inDst, h)
	next.LastAttemptErrorM = errM
	if math.IsInf(errM, 0) || math.IsNaN(errM) || errM >= c.cfg.MaxErrorM {
		c.snap.Store(&next)
		c.log.Warn().
			Float64("error_m", errM).
			Float64("max_error_m", c.cfg.MaxErrorM).
			Int("points", len(c.pts)).
			Bool("kept_previous", prev.Valid).
			Msg("calibration rejected")
		return next, fmt.Errorf("%w: %.3f m (max %.3f m)", ErrPoorFit, errM, c.cfg.MaxErrorM)
	}

	next.Homography = h
	next.Inverse = inv
	next.ErrorM = errM
	next.Confidence = math.Max(0, 1-errM)
	next.Valid = true
	next.Inliers = len(inliers)
	c.snap.Store(&next)

	c.log.Info().
		Float64("error_m", errM).
		Float64("confidence", next.Confidence).
		Int("points", len(c.pts)).
		Int("inliers", len(inliers)).
		Msg("camera calibrated")
	return next, nil
}

func (c *Calibrator) PixelToReal(p traffic.Point) (traffic.Point, error) {
	s := c.snap.Load()
	if !s.Valid {
		return traffic.Point{}, ErrUncalibrated
	}
	return s.Homography.Apply(p)
}

func (c *Calibrator) RealToPixel(p traffic.Point) (traffic.Point, error) {
	s := c.snap.Load()
	if !s.Valid {
		return traffic.Point{}, ErrUncalibrated
	}
	return s.Inverse.Apply(p)
}

// Distance расстояние в метрах между двумя пикселями.
func (c *Calibrator) Distance(a, b traffic.Point) (float64, error) {
	ra, err := c.PixelToReal(a)
	if err != nil {
		return 0, err
	}
	rb, err := c.PixelToReal(b)
	if err != nil {
		return 0, err
	}
	return ra.Dist(rb), nil
}

func (c *Calibrator) AddZone(z Zone) error {
	if err := z.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := *c.snap.Load()
	next.Zones = withZone(next.Zones, z)
	next.UpdatedAt = c.now()
	c.snap.Store(&next)
	return nil
}

// withZone новый срез зон: зона с тем же ID заменяется на месте, иначе добавляется в конец.
func withZone(zones []Zone, z Zone) []Zone {
	out := make([]Zone, 0, len(zones)+1)
	replaced := false
	for _, existing := range zones {
		if existing.ID == z.ID {
			out = append(out, z.clone())
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, z.clone())
	}
	return out
}

func (c *Calibrator) Zones() []Zone {
	zones := c.snap.Load().Zones
	out := make([]Zone, len(zones))
	for i, z := range zones {
		out[i] = z.clone()
	}
	return out
}

func (c *Calibrator) Zone(id string) (Zone, bool) {
	for _, z := range c.snap.Load().Zones {
		if z.ID == id {
			return z.clone(), true
		}
	}
	return Zone{}, false
}

// ZoneFor первая по порядку добавления зона, содержащая пиксель.
func (c *Calibrator) ZoneFor(p traffic.Point) (Zone, bool) {
	for _, z := range c.snap.Load().Zones {
		if z.Contains(p) {
			return z.clone(), true
		}
	}
	return Zone{}, false
}

type ValidationReport struct {
	Valid            bool     `json:"is_valid"`
	ErrorM           float64  `json:"calibration_error"`
	Confidence       float64  `json:"confidence"`
	Points           int      `json:"num_calibration_points"`
	Zones            int      `json:"num_zones"`
	DistanceTested   bool     `json:"distance_tested"`
	DistanceErrorM   float64  `json:"distance_error_m,omitempty"`
	DistanceTestPass bool     `json:"distance_test_passed"`
	Issues           []string `json:"issues,omitempty"`
}

const distanceTestToleranceM = 0.2

// Validate сверяет расстояние между первыми двумя опорными точками с измеренным на дороге.
func (c *Calibrator) Validate() ValidationReport {
	s := c.snap.Load()
	pts := c.Points()
	r := ValidationReport{
		Valid:      s.Valid,
		ErrorM:     s.ErrorM,
		Confidence: s.Confidence,
		Points:     len(pts),
		Zones:      len(s.Zones),
	}
	if !s.Valid {
		r.Issues = append(r.Issues, "camera is not calibrated")
		return r
	}
	if len(s.Zones) == 0 {
		r.Issues = append(r.Issues, "no speed zones defined")
	}
	if len(pts) >= 2 {
		measured, err := c.Distance(pts[0].Pixel, pts[1].Pixel)
		if err != nil {
			r.Issues = append(r.Issues, fmt.Sprintf("distance test failed: %v", err))
			return r
		}
		r.DistanceTested = true
		r.DistanceErrorM = math.Abs(measured - pts[0].Real.Dist(pts[1].Real))
		r.DistanceTestPass = r.DistanceErrorM < distanceTestToleranceM
		if !r.DistanceTestPass {
			r.Issues = append(r.Issues, fmt.Sprintf("distance test error %.3f m", r.DistanceErrorM))
		}
	}
	return r
}
