package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/perception"
)

// DetectionFrame кадр камеры, которая находит машины сама, но не ведет треки.
type DetectionFrame struct {
	FrameID     int64                  `json:"frame_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Width       int                    `json:"width"`
	Height      int                    `json:"height"`
	SnapshotKey string                 `json:"snapshot_key,omitempty"`
	Detections  []perception.Detection `json:"detections"`
}

// SubmitDetections присваивает детекциям идентификаторы треков и передает кадр дальше,
// синхронно при process=true или через очередь камеры.
func (s *ViolationService) SubmitDetections(ctx context.Context, deviceID string, in DetectionFrame, process bool) (traffic.Frame, []traffic.Violation, error) {
	if s.pipeline == nil {
		return traffic.Frame{}, nil, fmt.Errorf("%w: detection intake", ErrUnavailable)
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return traffic.Frame{}, nil, fmt.Errorf("%w: device_id is required", ErrInvalidInput)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = s.now()
	}

	frame, err := s.pipeline.Observe(ctx, perception.Frame{
		DeviceID:   deviceID,
		FrameID:    in.FrameID,
		Timestamp:  in.Timestamp,
		Width:      in.Width,
		Height:     in.Height,
		Detections: in.Detections,
	})
	if err != nil {
		return traffic.Frame{}, nil, fmt.Errorf("observe detections: %w", err)
	}
	frame.SnapshotKey = in.SnapshotKey

	if process {
		vs, err := s.ProcessFrame(ctx, deviceID, frame)
		return frame, vs, err
	}
	return frame, nil, s.SubmitFrame(ctx, deviceID, frame)
}
