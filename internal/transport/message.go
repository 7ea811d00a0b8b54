package transport

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"traffic-violation-service/internal/alert"
	"traffic-violation-service/internal/domain/traffic"
)

// Message общий формат алерта для внешних получателей.
type Message struct {
	AlertID   uuid.UUID         `json:"alert_id"`
	Priority  alert.Priority    `json:"priority"`
	Attempt   int               `json:"attempt"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"created_at"`
	Violation traffic.Violation `json:"violation"`
}

func newMessage(p alert.Payload) Message {
	return Message{
		AlertID:   p.AlertID,
		Priority:  p.Priority,
		Attempt:   p.Attempt,
		Title:     title(p),
		CreatedAt: p.CreatedAt,
		Violation: p.Violation,
	}
}

func title(p alert.Payload) string {
	v := p.Violation
	return fmt.Sprintf("[%s] %s violation by %s on %s", p.Priority, v.Type, vehicleLabel(v), v.DeviceID)
}

func vehicleLabel(v traffic.Violation) string {
	if v.Plate != "" {
		return v.Plate
	}
	return "vehicle " + v.VehicleID
}
