package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"traffic-violation-service/internal/alert"
)

var ErrNoRecipients = errors.New("email transport has no recipients")

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email рассылает алерты через SMTP.
type Email struct {
	cfg      EmailConfig
	log      zerolog.Logger
	sendMail sendMailFunc
}

func NewEmail(cfg EmailConfig, log zerolog.Logger) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Email{cfg: cfg, log: log, sendMail: smtp.SendMail}
}

func (e *Email) Send(ctx context.Context, p alert.Payload) error {
	if len(e.cfg.To) == 0 {
		return ErrNoRecipients
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))

	// net/smtp не принимает контекст, поэтому ждем результат в отдельной горутине
	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(addr, auth, e.cfg.From, e.cfg.To, e.compose(p))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	e.log.Debug().
		Str("alert_id", p.AlertID.String()).
		Int("recipients", len(e.cfg.To)).
		Msg("alert email sent")
	return nil
}

func (e *Email) compose(p alert.Payload) []byte {
	v := p.Violation
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", title(p))
	fmt.Fprintf(&b, "Date: %s\r\n", p.CreatedAt.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")

	fmt.Fprintf(&b, "Violation: %s\r\n", v.ID)
	fmt.Fprintf(&b, "Type: %s\r\n", v.Type)
	fmt.Fprintf(&b, "Severity: %s\r\n", v.Severity)
	fmt.Fprintf(&b, "Device: %s\r\n", v.DeviceID)
	fmt.Fprintf(&b, "Vehicle: %s\r\n", vehicleLabel(v))
	if v.ZoneID != "" {
		fmt.Fprintf(&b, "Zone: %s\r\n", v.ZoneID)
	}
	fmt.Fprintf(&b, "Time: %s\r\n", v.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Confidence: %.2f\r\n", v.Confidence)
	if v.MeasuredSpeedKmh != nil && v.SpeedLimitKmh != nil {
		fmt.Fprintf(&b, "Speed: %.1f km/h (limit %.0f km/h)\r\n", *v.MeasuredSpeedKmh, *v.SpeedLimitKmh)
	}
	if v.Evidence.SnapshotKey != "" {
		fmt.Fprintf(&b, "Snapshot: %s\r\n", v.Evidence.SnapshotKey)
	}
	b.WriteString("\r\n")
	b.WriteString(v.Description)
	b.WriteString("\r\n")
	return []byte(b.String())
}
