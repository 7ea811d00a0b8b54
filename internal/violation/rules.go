package violation

import (
	"errors"
	"fmt"
	"time"

	"traffic-violation-service/internal/domain/traffic"
)

var ErrInvalidRules = errors.New("invalid violation rules")

// SeverityTable ступенчатая шкала: значение меньше Bounds[i] получает Levels[i],
// значение не меньше последней границы получает последний уровень.
type SeverityTable struct {
	Bounds []float64          `json:"bounds" mapstructure:"bounds"`
	Levels []traffic.Severity `json:"levels" mapstructure:"levels"`
}

func (t SeverityTable) Grade(amount float64) traffic.Severity {
	for i, b := range t.Bounds {
		if amount < b {
			return t.Levels[i]
		}
	}
	return t.Levels[len(t.Levels)-1]
}

func (t SeverityTable) validate() error {
	if len(t.Levels) == 0 || len(t.Levels) != len(t.Bounds)+1 {
		return fmt.Errorf("need len(levels) == len(bounds)+1, got %d levels and %d bounds", len(t.Levels), len(t.Bounds))
	}
	for i := 1; i < len(t.Bounds); i++ {
		if t.Bounds[i] <= t.Bounds[i-1] {
			return fmt.Errorf("bounds must be strictly ascending")
		}
	}
	for i, l := range t.Levels {
		if l < traffic.SeverityMinor || l > traffic.SeverityCritical {
			return fmt.Errorf("unknown severity level %d", l)
		}
		if i > 0 && l < t.Levels[i-1] {
			return fmt.Errorf("severity levels must not decrease")
		}
	}
	return nil
}

func fixed(s traffic.Severity) SeverityTable {
	return SeverityTable{Levels: []traffic.Severity{s}}
}

type Rule struct {
	Type          traffic.Type  `json:"type" mapstructure:"type"`
	Enabled       bool          `json:"enabled" mapstructure:"enabled"`
	Zones         []string      `json:"zones,omitempty" mapstructure:"zones"`
	Cooldown      time.Duration `json:"cooldown" mapstructure:"cooldown"`
	MinConfidence float64       `json:"min_confidence" mapstructure:"min_confidence"`
	// Threshold порог срабатывания: минимальная доля рамки в полосе для lane,
	// угол в градусах для wrong_way, безопасная дистанция в метрах для following_distance.
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
	// DefaultConfidence уверенность сигнала, если детектор ее не передал.
	DefaultConfidence float64       `json:"default_confidence" mapstructure:"default_confidence"`
	Severity          SeverityTable `json:"severity" mapstructure:"severity"`
}

func (r Rule) appliesTo(zoneID string) bool {
	if len(r.Zones) == 0 {
		return true
	}
	for _, z := range r.Zones {
		if z == zoneID {
			return true
		}
	}
	return false
}

type Rules map[traffic.Type]Rule

func DefaultRules() Rules {
	minor, moderate, severe, critical := traffic.SeverityMinor, traffic.SeverityModerate, traffic.SeveritySevere, traffic.SeverityCritical
	return Rules{
		traffic.TypeSpeed: {
			Type: traffic.TypeSpeed, Enabled: true, Cooldown: 30 * time.Second, MinConfidence: 0.7,
			Severity: SeverityTable{Bounds: []float64{20, 40, 60}, Levels: []traffic.Severity{minor, moderate, severe, critical}},
		},
		traffic.TypeLane: {
			Type: traffic.TypeLane, Enabled: true, Cooldown: 15 * time.Second, MinConfidence: 0.7,
			Threshold: 0.7, DefaultConfidence: 0.8,
			Severity: SeverityTable{Bounds: []float64{0.5, 0.8, 1.0}, Levels: []traffic.Severity{minor, moderate, severe, critical}},
		},
		traffic.TypeWrongWay: {
			Type: traffic.TypeWrongWay, Enabled: true, Cooldown: 60 * time.Second, MinConfidence: 0.7,
			Threshold: 90, DefaultConfidence: 0.9,
			Severity: fixed(critical),
		},
		traffic.TypeFollowing: {
			Type: traffic.TypeFollowing, Enabled: true, Cooldown: 20 * time.Second, MinConfidence: 0.7,
			Threshold: 20, DefaultConfidence: 0.7,
			Severity: SeverityTable{Bounds: []float64{0.5, 0.7}, Levels: []traffic.Severity{moderate, severe, critical}},
		},
		traffic.TypeRedLight: {
			Type: traffic.TypeRedLight, Enabled: true, Cooldown: 120 * time.Second, MinConfidence: 0.7,
			DefaultConfidence: 0.85,
			Severity:          fixed(severe),
		},
	}
}

// Validate проверяет таблицу правил целиком. Ошибка здесь фатальна при старте сервиса.
func (rs Rules) Validate() error {
	for _, t := range traffic.Types {
		r, ok := rs[t]
		if !ok {
			return fmt.Errorf("%w: missing rule for %s", ErrInvalidRules, t)
		}
		if r.Type != t {
			return fmt.Errorf("%w: rule keyed %s declares type %q", ErrInvalidRules, t, r.Type)
		}
		if r.Cooldown < 0 {
			return fmt.Errorf("%w: %s cooldown must not be negative", ErrInvalidRules, t)
		}
		if r.MinConfidence < 0 || r.MinConfidence > 1 {
			return fmt.Errorf("%w: %s min_confidence must be within [0,1]", ErrInvalidRules, t)
		}
		if r.DefaultConfidence < 0 || r.DefaultConfidence > 1 {
			return fmt.Errorf("%w: %s default_confidence must be within [0,1]", ErrInvalidRules, t)
		}
		switch t {
		case traffic.TypeLane:
			if r.Threshold <= 0 || r.Threshold > 1 {
				return fmt.Errorf("%w: lane threshold must be within (0,1]", ErrInvalidRules)
			}
		case traffic.TypeWrongWay:
			if r.Threshold <= 0 || r.Threshold >= 180 {
				return fmt.Errorf("%w: wrong_way threshold must be within (0,180) degrees", ErrInvalidRules)
			}
		case traffic.TypeFollowing:
			if r.Threshold <= 0 {
				return fmt.Errorf("%w: following_distance threshold must be positive", ErrInvalidRules)
			}
		}
		if err := r.Severity.validate(); err != nil {
			return fmt.Errorf("%w: %s severity: %v", ErrInvalidRules, t, err)
		}
	}
	for t := range rs {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown violation type %q", ErrInvalidRules, t)
		}
	}
	return nil
}

func (rs Rules) clone() Rules {
	out := make(Rules, len(rs))
	for t, r := range rs {
		r.Zones = append([]string(nil), r.Zones...)
		r.Severity.Bounds = append([]float64(nil), r.Severity.Bounds...)
		r.Severity.Levels = append([]traffic.Severity(nil), r.Severity.Levels...)
		out[t] = r
	}
	return out
}
