package perception

import (
	"context"
	"time"

	"traffic-violation-service/internal/domain/traffic"
)

// Frame сырой кадр с камеры.
type Frame struct {
	DeviceID  string
	FrameID   int64
	Timestamp time.Time
	Width     int
	Height    int
	Image     []byte
	// Detections рамки, уже найденные на стороне камеры.
	Detections []Detection
}

type Detection struct {
	BBox       traffic.BBox `json:"bbox"`
	Class      string       `json:"class"`
	Confidence float64      `json:"confidence"`
}

type TrackedVehicle struct {
	TrackID    string
	BBox       traffic.BBox
	Class      string
	Confidence float64
}

type Detector interface {
	Detect(ctx context.Context, f Frame) ([]Detection, error)
}

// Tracker сопоставляет детекции между кадрами и выдает стабильные идентификаторы треков.
type Tracker interface {
	Update(ctx context.Context, detections []Detection, f Frame) ([]TrackedVehicle, error)
}

// PlateReader распознает номер внутри рамки. ok=false означает, что номер не найден.
type PlateReader interface {
	Read(ctx context.Context, f Frame, box traffic.BBox) (text string, confidence float64, ok bool, err error)
}

// Reported детектор для камер со встроенной детекцией: возвращает присланные рамки как есть.
type Reported struct{}

func (Reported) Detect(_ context.Context, f Frame) ([]Detection, error) {
	return f.Detections, nil
}
