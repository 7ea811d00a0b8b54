package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"traffic-violation-service/internal/alert"
	"traffic-violation-service/internal/storage"
)

// Archive сохраняет полный документ нарушения в объектное хранилище.
type Archive struct {
	store  storage.ObjectStore
	prefix string
	log    zerolog.Logger
}

func NewArchive(store storage.ObjectStore, prefix string, log zerolog.Logger) *Archive {
	if prefix == "" {
		prefix = "violations"
	}
	return &Archive{store: store, prefix: strings.Trim(prefix, "/"), log: log}
}

func (a *Archive) Send(ctx context.Context, p alert.Payload) error {
	body, err := json.MarshalIndent(newMessage(p), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive document: %w", err)
	}

	key := a.Key(p)
	url, err := a.store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json")
	if err != nil {
		return fmt.Errorf("archive upload: %w", err)
	}

	a.log.Debug().
		Str("alert_id", p.AlertID.String()).
		Str("key", key).
		Str("url", url).
		Msg("violation archived")
	return nil
}

// Key раскладывает документы по дате нарушения и камере.
func (a *Archive) Key(p alert.Payload) string {
	v := p.Violation
	device := v.DeviceID
	if device == "" {
		device = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s/%s.json", a.prefix, v.Timestamp.UTC().Format("2006/01/02"), device, v.ID)
}
