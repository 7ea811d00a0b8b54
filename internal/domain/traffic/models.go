package traffic

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrViolationNotFound = errors.New("violation not found")

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Sub(o Point) Point { return Point{X: p.X - o.X, Y: p.Y - o.Y} }

func (p Point) Add(o Point) Point { return Point{X: p.X + o.X, Y: p.Y + o.Y} }

func (p Point) Scale(k float64) Point { return Point{X: p.X * k, Y: p.Y * k} }

func (p Point) Norm() float64 { return math.Hypot(p.X, p.Y) }

func (p Point) Dot(o Point) float64 { return p.X*o.X + p.Y*o.Y }

func (p Point) Dist(o Point) float64 { return p.Sub(o).Norm() }

// Unit возвращает единичный вектор; для нулевого вектора ok=false.
func (p Point) Unit() (Point, bool) {
	n := p.Norm()
	if n == 0 {
		return Point{}, false
	}
	return Point{X: p.X / n, Y: p.Y / n}, true
}

// BBox в пикселях: (X1,Y1) левый верхний угол, (X2,Y2) правый нижний.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// BottomCenter точка контакта с дорогой, используется для метрических расчетов.
func (b BBox) BottomCenter() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: b.Y2}
}

func (b BBox) Valid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Clip обрезает рамку по размеру кадра. Нулевые размеры означают "неизвестно".
func (b BBox) Clip(width, height int) BBox {
	if width <= 0 || height <= 0 {
		return b
	}
	clamp := func(v, max float64) float64 {
		return math.Min(math.Max(v, 0), max)
	}
	return BBox{
		X1: clamp(b.X1, float64(width)),
		Y1: clamp(b.Y1, float64(height)),
		X2: clamp(b.X2, float64(width)),
		Y2: clamp(b.Y2, float64(height)),
	}
}

type Type string

const (
	TypeSpeed     Type = "speed"
	TypeLane      Type = "lane"
	TypeWrongWay  Type = "wrong_way"
	TypeFollowing Type = "following_distance"
	TypeRedLight  Type = "red_light"
)

// Types фиксирует порядок вывода нарушений за один кадр.
var Types = []Type{TypeSpeed, TypeLane, TypeWrongWay, TypeFollowing, TypeRedLight}

func (t Type) Valid() bool {
	switch t {
	case TypeSpeed, TypeLane, TypeWrongWay, TypeFollowing, TypeRedLight:
		return true
	}
	return false
}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown violation type %q", s)
	}
	return t, nil
}

type Severity int

const (
	SeverityMinor Severity = iota + 1
	SeverityModerate
	SeveritySevere
	SeverityCritical
)

var Severities = []Severity{SeverityMinor, SeverityModerate, SeveritySevere, SeverityCritical}

func (s Severity) String() string {
	switch s {
	case SeverityMinor:
		return "minor"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

func ParseSeverity(s string) (Severity, error) {
	for _, sev := range Severities {
		if sev.String() == strings.ToLower(strings.TrimSpace(s)) {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Observation одно отслеживаемое транспортное средство на кадре.
// Поля-указатели заполняются внешними детекторами только если сигнал доступен.
type Observation struct {
	TrackID         string  `json:"track_id"`
	BBox            BBox    `json:"bbox"`
	Class           string  `json:"class,omitempty"`
	Confidence      float64 `json:"confidence"`
	Plate           string  `json:"plate,omitempty"`
	PlateConfidence float64 `json:"plate_confidence,omitempty"`
	ZoneID          string  `json:"zone_id,omitempty"`

	LaneOverlap        *float64 `json:"lane_overlap,omitempty"`
	LaneConfidence     *float64 `json:"lane_confidence,omitempty"`
	FollowingDistanceM *float64 `json:"following_distance_m,omitempty"`
	RedLightCrossed    bool     `json:"red_light_crossed,omitempty"`
}

type Frame struct {
	DeviceID     string        `json:"device_id"`
	FrameID      int64         `json:"frame_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Width        int           `json:"width,omitempty"`
	Height       int           `json:"height,omitempty"`
	SnapshotKey  string        `json:"snapshot_key,omitempty"`
	Observations []Observation `json:"observations"`
}

type Evidence struct {
	FrameID     int64   `json:"frame_id"`
	Crop        BBox    `json:"crop"`
	SnapshotKey string  `json:"snapshot_key,omitempty"`
	Path        []Point `json:"path,omitempty"`
}

type Violation struct {
	ID               uuid.UUID `json:"id"`
	DeviceID         string    `json:"device_id"`
	Timestamp        time.Time `json:"timestamp"`
	Type             Type      `json:"type"`
	Severity         Severity  `json:"severity"`
	VehicleID        string    `json:"vehicle_id"`
	ZoneID           string    `json:"zone_id,omitempty"`
	Confidence       float64   `json:"confidence"`
	Amount           float64   `json:"amount"`
	Description      string    `json:"description"`
	MeasuredSpeedKmh *float64  `json:"measured_speed_kmh,omitempty"`
	SpeedLimitKmh    *float64  `json:"speed_limit_kmh,omitempty"`
	Plate            string    `json:"plate,omitempty"`
	Evidence         Evidence  `json:"evidence"`
	FalsePositive    bool      `json:"false_positive"`
}

// Filter параметры выборки из хранилища нарушений. Нулевые значения не ограничивают выборку.
type Filter struct {
	DeviceID              string
	VehicleID             string
	Type                  Type
	Severity              Severity
	From                  time.Time
	To                    time.Time
	IncludeFalsePositives bool
	Limit                 int
	Offset                int
}

type ZoneCount struct {
	ZoneID string `json:"zone_id"`
	Count  int    `json:"count"`
}

type OffenderCount struct {
	VehicleID string `json:"vehicle_id"`
	Plate     string `json:"plate,omitempty"`
	Count     int    `json:"count"`
}

type SystemPerformance struct {
	FramesProcessed       int64   `json:"frames_processed"`
	ObservationsProcessed int64   `json:"observations_processed"`
	Errors                int64   `json:"errors"`
	AlertsSent            int64   `json:"alerts_sent"`
	AlertsFailed          int64   `json:"alerts_failed"`
	AlertsDropped         int64   `json:"alerts_dropped"`
	BufferedViolations    int     `json:"buffered_violations"`
	UptimeSeconds         float64 `json:"uptime_seconds"`
}

type Report struct {
	Start             time.Time         `json:"start"`
	End               time.Time         `json:"end"`
	Total             int               `json:"total"`
	ByType            map[Type]int      `json:"by_type"`
	BySeverity        map[string]int    `json:"by_severity"`
	ByHour            map[int]int       `json:"by_hour"`
	TopZones          []ZoneCount       `json:"top_zones"`
	RepeatOffenders   []OffenderCount   `json:"repeat_offenders"`
	FalsePositives    int               `json:"false_positives"`
	FalsePositiveRate float64           `json:"false_positive_rate"`
	AverageConfidence float64           `json:"average_confidence"`
	AverageSpeedKmh   float64           `json:"average_speed_kmh,omitempty"`
	System            SystemPerformance `json:"system"`
}
