package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"traffic-violation-service/internal/storage"
)

type NotificationInfo struct {
	ID             string          `json:"id"`
	ViolationID    string          `json:"violation_id"`
	DeviceID       string          `json:"device_id"`
	Priority       string          `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

func (s *ViolationService) Notifications(ctx context.Context, unacknowledgedOnly bool, limit int) ([]NotificationInfo, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	recs, err := s.repo.FindNotifications(ctx, unacknowledgedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find notifications: %w", err)
	}
	out := make([]NotificationInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, NotificationInfo{
			ID:             r.ID.String(),
			ViolationID:    r.ViolationID.String(),
			DeviceID:       r.DeviceID,
			Priority:       r.Priority,
			Payload:        json.RawMessage(r.Payload),
			CreatedAt:      r.CreatedAt,
			AcknowledgedAt: r.AcknowledgedAt,
		})
	}
	return out, nil
}

func (s *ViolationService) AcknowledgeNotification(ctx context.Context, rawID string) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	if err := s.repo.AcknowledgeNotification(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: notification %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to acknowledge notification: %w", err)
	}
	return nil
}

var snapshotTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
}

type SnapshotInfo struct {
	Key string `json:"snapshot_key"`
	URL string `json:"url"`
}

// UploadSnapshot сохраняет снимок кадра; ключ затем передается в кадре как snapshot_key.
func (s *ViolationService) UploadSnapshot(ctx context.Context, deviceID string, body io.Reader, size int64, contentType string) (*SnapshotInfo, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrInvalidInput)
	}
	if s.snapshots == nil {
		return nil, storage.ErrNotConfigured
	}
	ext, ok := snapshotTypes[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported snapshot type %q", ErrInvalidInput, contentType)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: empty snapshot", ErrInvalidInput)
	}

	now := s.now().UTC()
	key := path.Join("snapshots", path.Base(deviceID), now.Format("2006/01/02"), uuid.NewString()+ext)
	url, err := s.snapshots.Upload(ctx, key, body, size, contentType)
	if err != nil {
		if errors.Is(err, storage.ErrEmptyObject) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		s.log.Error().Err(err).Str("device_id", deviceID).Str("key", key).Msg("failed to upload snapshot")
		return nil, fmt.Errorf("failed to upload snapshot: %w", err)
	}
	s.log.Info().Str("device_id", deviceID).Str("key", key).Int64("size", size).Msg("snapshot uploaded")
	return &SnapshotInfo{Key: key, URL: url}, nil
}
