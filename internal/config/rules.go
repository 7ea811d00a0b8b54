package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/violation"
)

type severityFile struct {
	Bounds []float64 `mapstructure:"bounds"`
	Levels []string  `mapstructure:"levels"`
}

// ruleFile незаданные поля сохраняют значения по умолчанию.
type ruleFile struct {
	Enabled           *bool          `mapstructure:"enabled"`
	Zones             []string       `mapstructure:"zones"`
	Cooldown          *time.Duration `mapstructure:"cooldown"`
	MinConfidence     *float64       `mapstructure:"min_confidence"`
	Threshold         *float64       `mapstructure:"threshold"`
	DefaultConfidence *float64       `mapstructure:"default_confidence"`
	Severity          *severityFile  `mapstructure:"severity"`
}

// LoadRules собирает таблицу правил: значения по умолчанию, общий порог уверенности,
// затем переопределения из YAML-файла. Некорректная таблица возвращает ошибку.
func LoadRules(path string, minConfidence float64) (violation.Rules, error) {
	rules := violation.DefaultRules()
	if minConfidence > 0 {
		for t, r := range rules {
			r.MinConfidence = minConfidence
			rules[t] = r
		}
	}

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read rules file: %w", err)
		}

		var doc struct {
			Rules map[string]ruleFile `mapstructure:"rules"`
		}
		if err := v.Unmarshal(&doc); err != nil {
			return nil, fmt.Errorf("decode rules file: %w", err)
		}
		for name, rf := range doc.Rules {
			t, err := traffic.ParseType(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", violation.ErrInvalidRules, err)
			}
			r := rules[t]
			if err := rf.apply(&r); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", violation.ErrInvalidRules, t, err)
			}
			rules[t] = r
		}
	}

	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

func (rf ruleFile) apply(r *violation.Rule) error {
	if rf.Enabled != nil {
		r.Enabled = *rf.Enabled
	}
	if rf.Zones != nil {
		r.Zones = rf.Zones
	}
	if rf.Cooldown != nil {
		r.Cooldown = *rf.Cooldown
	}
	if rf.MinConfidence != nil {
		r.MinConfidence = *rf.MinConfidence
	}
	if rf.Threshold != nil {
		r.Threshold = *rf.Threshold
	}
	if rf.DefaultConfidence != nil {
		r.DefaultConfidence = *rf.DefaultConfidence
	}
	if rf.Severity != nil {
		levels := make([]traffic.Severity, 0, len(rf.Severity.Levels))
		for _, l := range rf.Severity.Levels {
			s, err := traffic.ParseSeverity(strings.TrimSpace(l))
			if err != nil {
				return err
			}
			levels = append(levels, s)
		}
		r.Severity = violation.SeverityTable{Bounds: rf.Severity.Bounds, Levels: levels}
	}
	return nil
}
