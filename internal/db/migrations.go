package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	// Таблица violations - зафиксированные нарушения, неизменяемы кроме отметки ложного срабатывания
	`CREATE TABLE IF NOT EXISTS violations (
		id                UUID PRIMARY KEY,
		device_id         TEXT NOT NULL,
		vehicle_id        TEXT NOT NULL,
		type              TEXT NOT NULL,
		severity          TEXT NOT NULL,
		zone_id           TEXT,
		confidence        DOUBLE PRECISION NOT NULL,
		amount            DOUBLE PRECISION NOT NULL,
		description       TEXT,
		measured_speed    NUMERIC(7,2),
		speed_limit       NUMERIC(7,2),
		plate             TEXT,
		normalized_plate  TEXT,
		frame_id          BIGINT,
		evidence          JSONB,
		false_positive    BOOLEAN NOT NULL DEFAULT FALSE,
		false_positive_at TIMESTAMPTZ,
		occurred_at       TIMESTAMPTZ NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_occurred_at ON violations(occurred_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_device_time ON violations(device_id, occurred_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_vehicle ON violations(vehicle_id);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_type ON violations(type);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_normalized_plate ON violations(normalized_plate) WHERE normalized_plate IS NOT NULL;`,

	// Таблица violation_alerts - журнал доставки алертов по каналам
	`CREATE TABLE IF NOT EXISTS violation_alerts (
		id            UUID PRIMARY KEY,
		violation_id  UUID NOT NULL,
		priority      TEXT NOT NULL,
		status        TEXT NOT NULL,
		attempts      INT NOT NULL DEFAULT 0,
		channels      JSONB,
		results       JSONB,
		error         TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at  TIMESTAMPTZ
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violation_alerts_violation_id ON violation_alerts(violation_id);`,
	`CREATE INDEX IF NOT EXISTS idx_violation_alerts_status ON violation_alerts(status) WHERE status <> 'sent';`,

	// Таблица violation_notifications - входящие уведомления для операторов (канал database)
	`CREATE TABLE IF NOT EXISTS violation_notifications (
		id               UUID PRIMARY KEY,
		violation_id     UUID NOT NULL,
		device_id        TEXT NOT NULL,
		priority         TEXT NOT NULL,
		payload          JSONB,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		acknowledged_at  TIMESTAMPTZ
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violation_notifications_pending ON violation_notifications(created_at DESC) WHERE acknowledged_at IS NULL;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
