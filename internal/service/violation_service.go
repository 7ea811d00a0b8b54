package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/coordinator"
	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/perception"
	"traffic-violation-service/internal/report"
	"traffic-violation-service/internal/repository"
	"traffic-violation-service/internal/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrOverloaded   = errors.New("device is overloaded, retry later")
	ErrUnavailable  = errors.New("feature is not enabled")
)

const (
	defaultLimit  = 50
	maxLimit      = 100
	defaultWindow = 24 * time.Hour
	exportLimit   = 10000
)

// Repository то, что сервису нужно от хранилища нарушений помимо координатора.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (traffic.Violation, error)
	Query(ctx context.Context, f traffic.Filter) ([]traffic.Violation, error)
	FindAlerts(ctx context.Context, violationID uuid.UUID) ([]repository.AlertRecord, error)
	FindNotifications(ctx context.Context, unacknowledgedOnly bool, limit int) ([]repository.NotificationRecord, error)
	AcknowledgeNotification(ctx context.Context, id uuid.UUID) error
	DeleteOld(ctx context.Context, days int) (int64, error)
}

type ViolationService struct {
	repo      Repository
	coord     *coordinator.Coordinator
	snapshots storage.ObjectStore
	pipeline  *perception.Pipeline
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*ViolationService)

// WithPipeline включает прием сырых детекций: треки для них строит сервис.
func WithPipeline(p *perception.Pipeline) Option {
	return func(s *ViolationService) { s.pipeline = p }
}

// NewViolationService snapshots может быть nil, тогда загрузка снимков недоступна.
func NewViolationService(repo Repository, coord *coordinator.Coordinator, snapshots storage.ObjectStore, log zerolog.Logger, opts ...Option) *ViolationService {
	s := &ViolationService{
		repo:      repo,
		coord:     coord,
		snapshots: snapshots,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ViolationService) validateFrame(deviceID string, frame *traffic.Frame) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidInput)
	}
	if frame.DeviceID != "" && frame.DeviceID != deviceID {
		return fmt.Errorf("%w: frame device_id %q does not match %q", ErrInvalidInput, frame.DeviceID, deviceID)
	}
	frame.DeviceID = deviceID
	if frame.Timestamp.IsZero() {
		frame.Timestamp = s.now()
	}
	for i, obs := range frame.Observations {
		if strings.TrimSpace(obs.TrackID) == "" {
			return fmt.Errorf("%w: observation %d has no track_id", ErrInvalidInput, i)
		}
		if !obs.BBox.Valid() {
			return fmt.Errorf("%w: observation %d has an empty bbox", ErrInvalidInput, i)
		}
	}
	return nil
}

// SubmitFrame ставит кадр в очередь камеры. Полная очередь возвращает ErrOverloaded.
func (s *ViolationService) SubmitFrame(ctx context.Context, deviceID string, frame traffic.Frame) error {
	if err := s.validateFrame(deviceID, &frame); err != nil {
		return err
	}
	err := s.coord.Submit(ctx, frame)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coordinator.ErrBusy):
		s.log.Warn().Str("device_id", frame.DeviceID).Int64("frame_id", frame.FrameID).Msg("frame queue is full")
		return fmt.Errorf("%w: %v", ErrOverloaded, err)
	case errors.Is(err, coordinator.ErrInvalidFrame):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return fmt.Errorf("submit frame: %w", err)
}

// ProcessFrame обрабатывает кадр синхронно и возвращает найденные нарушения.
func (s *ViolationService) ProcessFrame(ctx context.Context, deviceID string, frame traffic.Frame) ([]traffic.Violation, error) {
	if err := s.validateFrame(deviceID, &frame); err != nil {
		return nil, err
	}
	vs, err := s.coord.Process(ctx, frame)
	if err != nil {
		if errors.Is(err, coordinator.ErrInvalidFrame) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("process frame: %w", err)
	}
	if len(vs) > 0 {
		s.log.Info().
			Str("device_id", frame.DeviceID).
			Int64("frame_id", frame.FrameID).
			Int("violations", len(vs)).
			Msg("frame produced violations")
	}
	return vs, nil
}

type ViolationQuery struct {
	DeviceID              string
	VehicleID             string
	Type                  string
	Severity              string
	From                  string
	To                    string
	IncludeFalsePositives bool
	Limit                 int
	Offset                int
}

func parseTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid %s time format", ErrInvalidInput, name)
	}
	return t, nil
}

func (q ViolationQuery) filter() (traffic.Filter, error) {
	f := traffic.Filter{
		DeviceID:              strings.TrimSpace(q.DeviceID),
		VehicleID:             strings.TrimSpace(q.VehicleID),
		IncludeFalsePositives: q.IncludeFalsePositives,
		Limit:                 q.Limit,
		Offset:                q.Offset,
	}
	if q.Type != "" {
		t, err := traffic.ParseType(q.Type)
		if err != nil {
			return f, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		f.Type = t
	}
	if q.Severity != "" {
		sev, err := traffic.ParseSeverity(q.Severity)
		if err != nil {
			return f, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		f.Severity = sev
	}
	var err error
	if f.From, err = parseTime("from", q.From); err != nil {
		return f, err
	}
	if f.To, err = parseTime("to", q.To); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.To.After(f.From) {
		return f, fmt.Errorf("%w: to must be after from", ErrInvalidInput)
	}

	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, nil
}

func (s *ViolationService) FindViolations(ctx context.Context, q ViolationQuery) ([]traffic.Violation, error) {
	f, err := q.filter()
	if err != nil {
		return nil, err
	}
	vs, err := s.repo.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to find violations: %w", err)
	}
	if vs == nil {
		vs = []traffic.Violation{}
	}
	return vs, nil
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id", ErrInvalidInput)
	}
	return id, nil
}

type ViolationDetails struct {
	traffic.Violation
	Alerts []AlertInfo `json:"alerts"`
}

type AlertInfo struct {
	ID          string          `json:"id"`
	Priority    string          `json:"priority"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	Channels    json.RawMessage `json:"channels,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (s *ViolationService) GetViolation(ctx context.Context, rawID string) (*ViolationDetails, error) {
	id, err := parseID(rawID)
	if err != nil {
		return nil, err
	}
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, traffic.ErrViolationNotFound) {
			return nil, fmt.Errorf("%w: violation %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}

	recs, err := s.repo.FindAlerts(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("violation_id", id.String()).Msg("failed to load alert log")
	}
	details := &ViolationDetails{Violation: v, Alerts: make([]AlertInfo, 0, len(recs))}
	for _, r := range recs {
		details.Alerts = append(details.Alerts, AlertInfo{
			ID:          r.ID.String(),
			Priority:    r.Priority,
			Status:      r.Status,
			Attempts:    r.Attempts,
			Channels:    json.RawMessage(r.Channels),
			Results:     json.RawMessage(r.Results),
			Error:       r.Error,
			CreatedAt:   r.CreatedAt,
			CompletedAt: r.CompletedAt,
		})
	}
	return details, nil
}

// MarkFalsePositive повторная отметка не считается ошибкой.
func (s *ViolationService) MarkFalsePositive(ctx context.Context, rawID string, by string) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	if err := s.coord.MarkFalsePositive(ctx, id); err != nil {
		if errors.Is(err, traffic.ErrViolationNotFound) {
			return fmt.Errorf("%w: violation %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to mark false positive: %w", err)
	}
	s.log.Info().Str("violation_id", id.String()).Str("reviewer", by).Msg("violation marked as false positive")
	return nil
}

func (s *ViolationService) Statistics() coordinator.Stats {
	return s.coord.Statistics()
}

func (s *ViolationService) window(from, to string) (time.Time, time.Time, error) {
	start, err := parseTime("from", from)
	if err != nil {
		return start, start, err
	}
	end, err := parseTime("to", to)
	if err != nil {
		return start, end, err
	}
	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		start = end.Add(-defaultWindow)
	}
	if !end.After(start) {
		return start, end, fmt.Errorf("%w: to must be after from", ErrInvalidInput)
	}
	return start, end, nil
}

// Report по умолчанию строится за последние сутки.
func (s *ViolationService) Report(ctx context.Context, from, to string) (traffic.Report, error) {
	start, end, err := s.window(from, to)
	if err != nil {
		return traffic.Report{}, err
	}
	r, err := s.coord.Report(ctx, start, end)
	if err != nil {
		return traffic.Report{}, fmt.Errorf("failed to build report: %w", err)
	}
	return r, nil
}

// ExportReportXLSX отчет плюс до exportLimit нарушений периода в формате Excel.
func (s *ViolationService) ExportReportXLSX(ctx context.Context, from, to string) ([]byte, error) {
	start, end, err := s.window(from, to)
	if err != nil {
		return nil, err
	}
	r, err := s.coord.Report(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to build report: %w", err)
	}
	vs, err := s.repo.Query(ctx, traffic.Filter{From: start, To: end, IncludeFalsePositives: true, Limit: exportLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to load violations: %w", err)
	}

	var buf bytes.Buffer
	if err := report.WriteXLSX(&buf, r, vs); err != nil {
		return nil, fmt.Errorf("failed to export report: %w", err)
	}
	s.log.Info().
		Time("from", start).
		Time("to", end).
		Int("violations", len(vs)).
		Int("bytes", buf.Len()).
		Msg("report exported")
	return buf.Bytes(), nil
}

// CleanupOld удаляет нарушения, журнал алертов и уведомления старше указанного количества дней.
func (s *ViolationService) CleanupOld(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: retention days must be positive", ErrInvalidInput)
	}
	deleted, err := s.repo.DeleteOld(ctx, days)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old violations")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old violations")
	}
	return deleted, nil
}

// RunCleanup запускает очистку раз в every до отмены контекста.
func (s *ViolationService) RunCleanup(ctx context.Context, days int, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.CleanupOld(ctx, days)
		}
	}
}
