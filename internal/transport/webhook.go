package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"traffic-violation-service/internal/alert"
)

type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Webhook отправляет алерт JSON-запросом POST на внешний адрес.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	log    zerolog.Logger
}

func NewWebhook(cfg WebhookConfig, log zerolog.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

func (w *Webhook) Send(ctx context.Context, p alert.Payload) error {
	body, err := json.Marshal(newMessage(p))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-Id", p.AlertID.String())
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.log.Debug().
		Str("alert_id", p.AlertID.String()).
		Int("status", resp.StatusCode).
		Msg("webhook delivered")
	return nil
}
