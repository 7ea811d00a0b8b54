package calibration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"traffic-violation-service/internal/domain/traffic"
)

// Document формат сохраненной калибровки камеры.
type Document struct {
	Homography Homography `json:"homography"`
	Points     []Point    `json:"calibration_points"`
	Zones      []Zone     `json:"zones"`
	ErrorM     float64    `json:"calibration_error"`
	Confidence float64    `json:"confidence"`
	SavedAt    time.Time  `json:"saved_at"`
}

func (c *Calibrator) Export() Document {
	s := c.snap.Load()
	return Document{
		Homography: s.Homography,
		Points:     c.Points(),
		Zones:      c.Zones(),
		ErrorM:     s.ErrorM,
		Confidence: s.Confidence,
		SavedAt:    c.now(),
	}
}

// Import восстанавливает зоны и точки целиком или не меняет ничего.
// Гомография всегда пересчитывается по точкам.
func (c *Calibrator) Import(doc Document) error {
	for _, z := range doc.Zones {
		if err := z.Validate(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prevPts, prevSnap := c.pts, c.snap.Load()
	if len(doc.Points) > 0 {
		c.pts = append([]Point(nil), doc.Points...)
		if _, err := c.recompute(); err != nil {
			c.pts = prevPts
			c.snap.Store(prevSnap)
			return fmt.Errorf("restore calibration: %w", err)
		}
	}

	next := *c.snap.Load()
	for _, z := range doc.Zones {
		next.Zones = withZone(next.Zones, z)
	}
	next.UpdatedAt = c.now()
	c.snap.Store(&next)
	return nil
}

func (c *Calibrator) SaveFile(path string) error {
	raw, err := json.MarshalIndent(c.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal calibration: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create calibration dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}
	return os.Rename(tmp, path)
}

func (c *Calibrator) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse calibration %s: %w", path, err)
	}
	return c.Import(doc)
}

// HighwayPreset типовая калибровка для камеры над трехполосной дорогой,
// смотрящей вдоль потока: 10.5 м в ширину, 60 м в глубину.
func HighwayPreset(width, height int) ([]Point, Zone) {
	w, h := float64(width), float64(height)
	const (
		roadWidth = 10.5
		depth     = 30.0
	)
	project := func(x, y float64) traffic.Point {
		f := 1 + y/depth
		return traffic.Point{
			X: w/2 + (x-roadWidth/2)*(0.6*w/roadWidth)/f,
			Y: 0.4*h + 0.5*h/f,
		}
	}
	var points []Point
	for _, y := range []float64{0, 30, 60} {
		for _, x := range []float64{0, roadWidth} {
			points = append(points, Point{
				Pixel:       project(x, y),
				Real:        traffic.Point{X: x, Y: y},
				Description: fmt.Sprintf("lane edge x=%.1fm y=%.0fm", x, y),
			})
		}
	}
	zone := Zone{
		ID:            "highway",
		Name:          "Highway",
		Polygon:       []traffic.Point{project(0, 0), project(roadWidth, 0), project(roadWidth, 60), project(0, 60)},
		SpeedLimitKmh: 100,
		Direction:     &traffic.Point{X: 0, Y: 1},
	}
	return points, zone
}
