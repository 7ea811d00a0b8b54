package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"traffic-violation-service/internal/domain/traffic"
)

var (
	ErrChannelRateLimited    = errors.New("channel rate limit exceeded")
	ErrChannelDeliveryFailed = errors.New("channel delivery failed")
	ErrQueueFull             = errors.New("alert queue is full")
	ErrClosed                = errors.New("alert dispatcher is closed")
)

type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func ParsePriority(s string) (Priority, error) {
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown alert priority %q", s)
}

func PriorityFor(s traffic.Severity) Priority {
	switch s {
	case traffic.SeverityCritical:
		return PriorityCritical
	case traffic.SeveritySevere:
		return PriorityHigh
	case traffic.SeverityModerate:
		return PriorityMedium
	}
	return PriorityLow
}

type Channel string

const (
	ChannelDurable Channel = "database"
	ChannelWebhook Channel = "webhook"
	ChannelEmail   Channel = "email"
	ChannelMQTT    Channel = "mqtt"
	ChannelLive    Channel = "live"
	ChannelArchive Channel = "archive"
)

var AllChannels = []Channel{ChannelDurable, ChannelWebhook, ChannelEmail, ChannelMQTT, ChannelLive, ChannelArchive}

// ChannelsFor таблица маршрутизации по приоритету.
func ChannelsFor(p Priority) []Channel {
	switch p {
	case PriorityCritical:
		return AllChannels
	case PriorityHigh:
		return []Channel{ChannelDurable, ChannelWebhook, ChannelEmail, ChannelMQTT, ChannelLive}
	case PriorityMedium:
		return []Channel{ChannelDurable, ChannelWebhook}
	}
	return []Channel{ChannelDurable}
}

// Payload то, что получает транспорт канала.
type Payload struct {
	AlertID   uuid.UUID         `json:"alert_id"`
	Priority  Priority          `json:"priority"`
	Attempt   int               `json:"attempt"`
	CreatedAt time.Time         `json:"created_at"`
	Violation traffic.Violation `json:"violation"`
}

// Transport доставка в один канал. Ошибка означает, что канал стоит повторить.
type Transport interface {
	Send(ctx context.Context, p Payload) error
}

type TransportFunc func(ctx context.Context, p Payload) error

func (f TransportFunc) Send(ctx context.Context, p Payload) error { return f(ctx, p) }

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusExhausted Status = "exhausted"
	StatusDropped   Status = "dropped"
)

type ChannelResult struct {
	Delivered   bool      `json:"delivered"`
	RateLimited bool      `json:"rate_limited,omitempty"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

type Alert struct {
	ID          uuid.UUID                 `json:"id"`
	ViolationID uuid.UUID                 `json:"violation_id"`
	Priority    Priority                  `json:"priority"`
	Channels    []Channel                 `json:"channels"`
	Attempts    int                       `json:"attempts"`
	Status      Status                    `json:"status"`
	Results     map[Channel]ChannelResult `json:"results"`
	Error       string                    `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	CompletedAt time.Time                 `json:"completed_at,omitempty"`
	Violation   traffic.Violation         `json:"-"`
}

func (a Alert) clone() Alert {
	out := a
	out.Channels = append([]Channel(nil), a.Channels...)
	out.Results = make(map[Channel]ChannelResult, len(a.Results))
	for k, v := range a.Results {
		out.Results[k] = v
	}
	return out
}

// AuditSink постоянное хранилище журнала доставки.
type AuditSink interface {
	SaveAlert(ctx context.Context, a Alert) error
}
