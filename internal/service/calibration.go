package service

import (
	"errors"
	"fmt"
	"strings"

	"traffic-violation-service/internal/calibration"
	"traffic-violation-service/internal/domain/traffic"
)

type CalibrationInfo struct {
	DeviceID   string                       `json:"device_id"`
	Calibrated bool                         `json:"calibrated"`
	ErrorM     float64                      `json:"calibration_error"`
	Confidence float64                      `json:"confidence"`
	Points     []calibration.Point          `json:"calibration_points"`
	Zones      []calibration.Zone           `json:"zones"`
	Validation calibration.ValidationReport `json:"validation"`
}

type CalibrationPointRequest struct {
	Pixel       traffic.Point `json:"pixel"`
	Real        traffic.Point `json:"real"`
	Description string        `json:"description"`
}

func (s *ViolationService) device(deviceID string) (*calibration.Calibrator, string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, "", fmt.Errorf("%w: device_id is required", ErrInvalidInput)
	}
	return s.coord.Device(deviceID).Calibrator, deviceID, nil
}

func info(deviceID string, cal *calibration.Calibrator) *CalibrationInfo {
	snap := cal.Snapshot()
	return &CalibrationInfo{
		DeviceID:   deviceID,
		Calibrated: snap.Valid,
		ErrorM:     snap.ErrorM,
		Confidence: snap.Confidence,
		Points:     cal.Points(),
		Zones:      cal.Zones(),
		Validation: cal.Validate(),
	}
}

// calibrationError отклоненная калибровка это ошибка входных данных, а не сервера.
func calibrationError(err error) error {
	switch {
	case errors.Is(err, calibration.ErrDegenerate),
		errors.Is(err, calibration.ErrPoorFit),
		errors.Is(err, calibration.ErrInvalidZone),
		errors.Is(err, calibration.ErrInsufficientPoints),
		errors.Is(err, calibration.ErrHorizon):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}

func (s *ViolationService) persistCalibration(deviceID string) {
	if err := s.coord.SaveCalibration(deviceID); err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to save calibration")
	}
}

func (s *ViolationService) GetCalibration(deviceID string) (*CalibrationInfo, error) {
	cal, id, err := s.device(deviceID)
	if err != nil {
		return nil, err
	}
	return info(id, cal), nil
}

// AddCalibrationPoint точка сохраняется даже если пересчет отклонен; ошибка сообщает причину.
func (s *ViolationService) AddCalibrationPoint(deviceID string, req CalibrationPointRequest) (*CalibrationInfo, error) {
	cal, id, err := s.device(deviceID)
	if err != nil {
		return nil, err
	}
	_, err = cal.AddPoint(req.Pixel, req.Real, req.Description)
	s.persistCalibration(id)
	if err != nil {
		return info(id, cal), calibrationError(err)
	}
	s.log.Info().
		Str("device_id", id).
		Int("points", len(cal.Points())).
		Bool("calibrated", cal.IsCalibrated()).
		Msg("calibration point added")
	return info(id, cal), nil
}

func (s *ViolationService) AddZone(deviceID string, zone calibration.Zone) (*CalibrationInfo, error) {
	cal, id, err := s.device(deviceID)
	if err != nil {
		return nil, err
	}
	if err := cal.AddZone(zone); err != nil {
		return nil, calibrationError(err)
	}
	s.persistCalibration(id)
	s.log.Info().Str("device_id", id).Str("zone_id", zone.ID).Float64("speed_limit_kmh", zone.SpeedLimitKmh).Msg("zone added")
	return info(id, cal), nil
}

// ApplyPreset заменяет точки типовой калибровкой для трассы и добавляет ее зону.
func (s *ViolationService) ApplyPreset(deviceID string, width, height int) (*CalibrationInfo, error) {
	cal, id, err := s.device(deviceID)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: frame width and height are required", ErrInvalidInput)
	}
	points, zone := calibration.HighwayPreset(width, height)
	if _, err := cal.SetPoints(points); err != nil {
		return nil, calibrationError(err)
	}
	if err := cal.AddZone(zone); err != nil {
		return nil, calibrationError(err)
	}
	s.persistCalibration(id)
	s.log.Info().Str("device_id", id).Int("width", width).Int("height", height).Msg("highway calibration preset applied")
	return info(id, cal), nil
}

func (s *ViolationService) ResetCalibration(deviceID string) (*CalibrationInfo, error) {
	cal, id, err := s.device(deviceID)
	if err != nil {
		return nil, err
	}
	cal.Reset()
	s.persistCalibration(id)
	s.log.Info().Str("device_id", id).Msg("calibration reset")
	return info(id, cal), nil
}

// PixelToReal перевод точки кадра в метры на дороге, нужен для проверки калибровки вручную.
func (s *ViolationService) PixelToReal(deviceID string, p traffic.Point) (traffic.Point, error) {
	cal, _, err := s.device(deviceID)
	if err != nil {
		return traffic.Point{}, err
	}
	world, err := cal.PixelToReal(p)
	if err != nil {
		if errors.Is(err, calibration.ErrUncalibrated) {
			return traffic.Point{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return traffic.Point{}, calibrationError(err)
	}
	return world, nil
}
