package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"traffic-violation-service/internal/alert"
	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/utils"
)

type ViolationRepository struct {
	db *gorm.DB
}

func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

func (ViolationRecord) TableName() string {
	return "violations"
}

func (AlertRecord) TableName() string {
	return "violation_alerts"
}

func (NotificationRecord) TableName() string {
	return "violation_notifications"
}

type ViolationRecord struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID        string    `gorm:"not null"`
	VehicleID       string    `gorm:"not null"`
	Type            string    `gorm:"not null"`
	Severity        string    `gorm:"not null"`
	ZoneID          *string
	Confidence      float64 `gorm:"not null"`
	Amount          float64 `gorm:"not null"`
	Description     string
	MeasuredSpeed   *float64
	SpeedLimit      *float64
	Plate           *string
	NormalizedPlate *string
	FrameID         int64
	Evidence        datatypes.JSON `gorm:"type:jsonb"`
	FalsePositive   bool           `gorm:"not null;default:false"`
	FalsePositiveAt *time.Time
	OccurredAt      time.Time `gorm:"not null"`
	CreatedAt       time.Time
}

type AlertRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ViolationID uuid.UUID `gorm:"type:uuid;not null"`
	Priority    string    `gorm:"not null"`
	Status      string    `gorm:"not null"`
	Attempts    int
	Channels    datatypes.JSON `gorm:"type:jsonb"`
	Results     datatypes.JSON `gorm:"type:jsonb"`
	Error       *string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

type NotificationRecord struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ViolationID    uuid.UUID      `gorm:"type:uuid;not null"`
	DeviceID       string         `gorm:"not null"`
	Priority       string         `gorm:"not null"`
	Payload        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
}

func toRecord(v traffic.Violation) (ViolationRecord, error) {
	evidence, err := json.Marshal(v.Evidence)
	if err != nil {
		return ViolationRecord{}, fmt.Errorf("marshal evidence: %w", err)
	}
	rec := ViolationRecord{
		ID:            v.ID,
		DeviceID:      v.DeviceID,
		VehicleID:     v.VehicleID,
		Type:          string(v.Type),
		Severity:      v.Severity.String(),
		Confidence:    v.Confidence,
		Amount:        v.Amount,
		Description:   v.Description,
		MeasuredSpeed: v.MeasuredSpeedKmh,
		SpeedLimit:    v.SpeedLimitKmh,
		FrameID:       v.Evidence.FrameID,
		Evidence:      datatypes.JSON(evidence),
		FalsePositive: v.FalsePositive,
		OccurredAt:    v.Timestamp,
		CreatedAt:     time.Now(),
	}
	if v.ZoneID != "" {
		rec.ZoneID = &v.ZoneID
	}
	if v.Plate != "" {
		plate := v.Plate
		normalized := utils.NormalizePlate(plate)
		rec.Plate = &plate
		rec.NormalizedPlate = &normalized
	}
	return rec, nil
}

func (r ViolationRecord) toDomain() (traffic.Violation, error) {
	sev, err := traffic.ParseSeverity(r.Severity)
	if err != nil {
		return traffic.Violation{}, err
	}
	v := traffic.Violation{
		ID:               r.ID,
		DeviceID:         r.DeviceID,
		Timestamp:        r.OccurredAt,
		Type:             traffic.Type(r.Type),
		Severity:         sev,
		VehicleID:        r.VehicleID,
		Confidence:       r.Confidence,
		Amount:           r.Amount,
		Description:      r.Description,
		MeasuredSpeedKmh: r.MeasuredSpeed,
		SpeedLimitKmh:    r.SpeedLimit,
		FalsePositive:    r.FalsePositive,
	}
	if r.ZoneID != nil {
		v.ZoneID = *r.ZoneID
	}
	if r.Plate != nil {
		v.Plate = *r.Plate
	}
	if len(r.Evidence) > 0 {
		if err := json.Unmarshal(r.Evidence, &v.Evidence); err != nil {
			return traffic.Violation{}, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	v.Evidence.FrameID = r.FrameID
	return v, nil
}

// Save повторная запись того же нарушения (после сбоя хранилища) ничего не меняет.
func (r *ViolationRepository) Save(ctx context.Context, v traffic.Violation) error {
	rec, err := toRecord(v)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save violation: %w", err)
	}
	return nil
}

func (r *ViolationRepository) Get(ctx context.Context, id uuid.UUID) (traffic.Violation, error) {
	var rec ViolationRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return traffic.Violation{}, fmt.Errorf("%w: %s", traffic.ErrViolationNotFound, id)
	}
	if err != nil {
		return traffic.Violation{}, err
	}
	return rec.toDomain()
}

func (r *ViolationRepository) Query(ctx context.Context, f traffic.Filter) ([]traffic.Violation, error) {
	query := r.db.WithContext(ctx).Model(&ViolationRecord{})

	if f.DeviceID != "" {
		query = query.Where("device_id = ?", f.DeviceID)
	}
	if f.VehicleID != "" {
		query = query.Where("vehicle_id = ?", f.VehicleID)
	}
	if f.Type != "" {
		query = query.Where("type = ?", string(f.Type))
	}
	if f.Severity != 0 {
		query = query.Where("severity = ?", f.Severity.String())
	}
	if !f.From.IsZero() {
		query = query.Where("occurred_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		query = query.Where("occurred_at <= ?", f.To)
	}
	if !f.IncludeFalsePositives {
		query = query.Where("false_positive = ?", false)
	}

	query = query.Order("occurred_at DESC")
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var recs []ViolationRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]traffic.Violation, 0, len(recs))
	for _, rec := range recs {
		v, err := rec.toDomain()
		if err != nil {
			return nil, fmt.Errorf("violation %s: %w", rec.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// MarkFalsePositive возвращает changed=false, если отметка уже стояла.
func (r *ViolationRepository) MarkFalsePositive(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&ViolationRecord{}).
		Where("id = ? AND false_positive = ?", id, false).
		Updates(map[string]interface{}{"false_positive": true, "false_positive_at": now})
	if result.Error != nil {
		return false, fmt.Errorf("mark false positive: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&ViolationRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, fmt.Errorf("%w: %s", traffic.ErrViolationNotFound, id)
	}
	return false, nil
}

func (r *ViolationRepository) SaveAlert(ctx context.Context, a alert.Alert) error {
	channels, err := json.Marshal(a.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	results, err := json.Marshal(a.Results)
	if err != nil {
		return fmt.Errorf("marshal channel results: %w", err)
	}
	rec := AlertRecord{
		ID:          a.ID,
		ViolationID: a.ViolationID,
		Priority:    a.Priority.String(),
		Status:      string(a.Status),
		Attempts:    a.Attempts,
		Channels:    datatypes.JSON(channels),
		Results:     datatypes.JSON(results),
		CreatedAt:   a.CreatedAt,
	}
	if a.Error != "" {
		rec.Error = &a.Error
	}
	if !a.CompletedAt.IsZero() {
		rec.CompletedAt = &a.CompletedAt
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

func (r *ViolationRepository) FindAlerts(ctx context.Context, violationID uuid.UUID) ([]AlertRecord, error) {
	var recs []AlertRecord
	err := r.db.WithContext(ctx).
		Where("violation_id = ?", violationID).
		Order("created_at DESC").
		Find(&recs).Error
	return recs, err
}

func (r *ViolationRepository) SaveNotification(ctx context.Context, p alert.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	rec := NotificationRecord{
		ID:          p.AlertID,
		ViolationID: p.Violation.ID,
		DeviceID:    p.Violation.DeviceID,
		Priority:    p.Priority.String(),
		Payload:     datatypes.JSON(body),
		CreatedAt:   time.Now(),
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

func (r *ViolationRepository) FindNotifications(ctx context.Context, unacknowledgedOnly bool, limit int) ([]NotificationRecord, error) {
	query := r.db.WithContext(ctx).Model(&NotificationRecord{})
	if unacknowledgedOnly {
		query = query.Where("acknowledged_at IS NULL")
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var recs []NotificationRecord
	err := query.Order("created_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

func (r *ViolationRepository) AcknowledgeNotification(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("id = ? AND acknowledged_at IS NULL", id).
		Update("acknowledged_at", time.Now())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&NotificationRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
	}
	return nil
}

// DeleteOld удаляет нарушения и журнал алертов старше указанного количества дней.
func (r *ViolationRepository) DeleteOld(ctx context.Context, days int) (int64, error) {
	cutoffTime := time.Now().AddDate(0, 0, -days)

	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("created_at < ?", cutoffTime).Delete(&NotificationRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("created_at < ?", cutoffTime).Delete(&AlertRecord{}).Error; err != nil {
			return err
		}
		result := tx.Where("occurred_at < ?", cutoffTime).Delete(&ViolationRecord{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
