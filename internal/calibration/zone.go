package calibration

import (
	"fmt"
	"strings"

	"traffic-violation-service/internal/domain/traffic"
)

// Zone участок дороги в пикселях со своим ограничением скорости.
// Direction задает ожидаемое направление потока в пикселях; nil означает любое.
type Zone struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Polygon       []traffic.Point `json:"polygon"`
	SpeedLimitKmh float64         `json:"speed_limit_kmh"`
	Direction     *traffic.Point  `json:"direction,omitempty"`
	EntryLine     []traffic.Point `json:"entry_line,omitempty"`
	ExitLine      []traffic.Point `json:"exit_line,omitempty"`
}

func (z Zone) Validate() error {
	if strings.TrimSpace(z.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidZone)
	}
	if len(z.Polygon) < 3 {
		return fmt.Errorf("%w: zone %s has %d vertices, need at least 3", ErrInvalidZone, z.ID, len(z.Polygon))
	}
	if z.SpeedLimitKmh <= 0 {
		return fmt.Errorf("%w: zone %s speed limit must be positive", ErrInvalidZone, z.ID)
	}
	if z.Direction != nil {
		if _, ok := z.Direction.Unit(); !ok {
			return fmt.Errorf("%w: zone %s direction must be non-zero", ErrInvalidZone, z.ID)
		}
	}
	for _, line := range [][]traffic.Point{z.EntryLine, z.ExitLine} {
		if len(line) != 0 && len(line) != 2 {
			return fmt.Errorf("%w: zone %s entry/exit lines need exactly 2 points", ErrInvalidZone, z.ID)
		}
	}
	return nil
}

// Contains проверка принадлежности точки многоугольнику методом трассировки луча.
func (z Zone) Contains(p traffic.Point) bool {
	inside := false
	n := len(z.Polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := z.Polygon[i], z.Polygon[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// ExpectedDirection единичный вектор потока, если он задан.
func (z Zone) ExpectedDirection() (traffic.Point, bool) {
	if z.Direction == nil {
		return traffic.Point{}, false
	}
	return z.Direction.Unit()
}

func (z Zone) clone() Zone {
	out := z
	out.Polygon = append([]traffic.Point(nil), z.Polygon...)
	out.EntryLine = append([]traffic.Point(nil), z.EntryLine...)
	out.ExitLine = append([]traffic.Point(nil), z.ExitLine...)
	if z.Direction != nil {
		d := *z.Direction
		out.Direction = &d
	}
	return out
}
