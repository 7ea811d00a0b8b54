package perception

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"traffic-violation-service/internal/domain/traffic"
)

var ErrNoDetector = errors.New("perception pipeline requires a detector and a tracker")

type Config struct {
	MinConfidence float64
	// VehicleClasses классы детектора, которые считаются транспортом; пусто - все.
	VehicleClasses []string
	// MinPlateArea номер читается только для рамок не меньше этой площади в пикселях.
	MinPlateArea float64
}

func DefaultConfig() Config {
	return Config{
		MinConfidence:  0.5,
		VehicleClasses: []string{"car", "truck", "bus", "motorcycle"},
		MinPlateArea:   2500,
	}
}

// Sink принимает готовые наблюдения, обычно это Coordinator.Submit.
type Sink func(ctx context.Context, f traffic.Frame) error

// Pipeline превращает сырые кадры в наблюдения: детектор, трекер, затем опционально чтение номеров.
type Pipeline struct {
	cfg      Config
	detector Detector
	tracker  Tracker
	plates   PlateReader
	classes  map[string]struct{}
	log      zerolog.Logger
}

// NewPipeline plates может быть nil.
func NewPipeline(cfg Config, detector Detector, tracker Tracker, plates PlateReader, log zerolog.Logger) (*Pipeline, error) {
	if detector == nil || tracker == nil {
		return nil, ErrNoDetector
	}
	p := &Pipeline{cfg: cfg, detector: detector, tracker: tracker, plates: plates, log: log}
	if len(cfg.VehicleClasses) > 0 {
		p.classes = make(map[string]struct{}, len(cfg.VehicleClasses))
		for _, c := range cfg.VehicleClasses {
			p.classes[c] = struct{}{}
		}
	}
	return p, nil
}

func (p *Pipeline) keep(d Detection) bool {
	if d.Confidence < p.cfg.MinConfidence || !d.BBox.Valid() {
		return false
	}
	if p.classes == nil {
		return true
	}
	_, ok := p.classes[d.Class]
	return ok
}

// Observe обрабатывает один кадр. Ошибка чтения номера не роняет кадр.
func (p *Pipeline) Observe(ctx context.Context, f Frame) (traffic.Frame, error) {
	out := traffic.Frame{
		DeviceID:  f.DeviceID,
		FrameID:   f.FrameID,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
	}

	raw, err := p.detector.Detect(ctx, f)
	if err != nil {
		return out, fmt.Errorf("detect: %w", err)
	}
	detections := raw[:0:0]
	for _, d := range raw {
		if p.keep(d) {
			d.BBox = d.BBox.Clip(f.Width, f.Height)
			detections = append(detections, d)
		}
	}

	vehicles, err := p.tracker.Update(ctx, detections, f)
	if err != nil {
		return out, fmt.Errorf("track: %w", err)
	}

	out.Observations = make([]traffic.Observation, 0, len(vehicles))
	for _, v := range vehicles {
		obs := traffic.Observation{
			TrackID:    v.TrackID,
			BBox:       v.BBox,
			Class:      v.Class,
			Confidence: v.Confidence,
		}
		if p.plates != nil && v.BBox.Width()*v.BBox.Height() >= p.cfg.MinPlateArea {
			text, conf, ok, err := p.plates.Read(ctx, f, v.BBox)
			switch {
			case err != nil:
				p.log.Debug().Err(err).Str("device_id", f.DeviceID).Str("track_id", v.TrackID).Msg("plate read failed")
			case ok:
				obs.Plate, obs.PlateConfidence = text, conf
			}
		}
		out.Observations = append(out.Observations, obs)
	}
	return out, nil
}

// Run читает кадры из источника до его закрытия или отмены контекста.
// Ошибки отдельных кадров логируются, поток не прерывается.
func (p *Pipeline) Run(ctx context.Context, source <-chan Frame, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-source:
			if !ok {
				return nil
			}
			obs, err := p.Observe(ctx, f)
			if err != nil {
				p.log.Warn().Err(err).Str("device_id", f.DeviceID).Int64("frame_id", f.FrameID).Msg("frame skipped")
				continue
			}
			if err := sink(ctx, obs); err != nil {
				p.log.Warn().Err(err).Str("device_id", f.DeviceID).Int64("frame_id", f.FrameID).Msg("frame dropped")
			}
		}
	}
}
