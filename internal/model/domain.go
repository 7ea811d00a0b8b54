package model

import (
	"github.com/google/uuid"
)

type UserRole string

const (
	UserRoleAdmin    UserRole = "ADMIN"
	UserRoleReviewer UserRole = "REVIEWER"
	UserRoleOperator UserRole = "OPERATOR"
	UserRoleDevice   UserRole = "DEVICE"
)

func (r UserRole) Valid() bool {
	switch r {
	case UserRoleAdmin, UserRoleReviewer, UserRoleOperator, UserRoleDevice:
		return true
	}
	return false
}

type Principal struct {
	UserID   uuid.UUID
	Role     UserRole
	DeviceID string
}

func (p Principal) IsAdmin() bool {
	return p.Role == UserRoleAdmin
}

// CanReview разбор ложных срабатываний доступен ревьюерам и администраторам.
func (p Principal) CanReview() bool {
	return p.Role == UserRoleAdmin || p.Role == UserRoleReviewer
}

// CanCalibrate калибровку камер меняют операторы и администраторы.
func (p Principal) CanCalibrate() bool {
	return p.Role == UserRoleAdmin || p.Role == UserRoleOperator
}

// CanSubmitFrames камера может отправлять кадры только от своего имени.
func (p Principal) CanSubmitFrames(deviceID string) bool {
	if p.Role == UserRoleDevice {
		return p.DeviceID == deviceID
	}
	return p.Role == UserRoleAdmin || p.Role == UserRoleOperator
}
