package transport

import (
	"context"
	"fmt"

	"traffic-violation-service/internal/alert"
)

// NotificationStore журнал уведомлений оператора в базе данных.
type NotificationStore interface {
	SaveNotification(ctx context.Context, p alert.Payload) error
}

// Durable канал, который всегда доступен: запись уведомления в базу.
type Durable struct {
	store NotificationStore
}

func NewDurable(store NotificationStore) *Durable {
	return &Durable{store: store}
}

func (d *Durable) Send(ctx context.Context, p alert.Payload) error {
	if err := d.store.SaveNotification(ctx, p); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}
