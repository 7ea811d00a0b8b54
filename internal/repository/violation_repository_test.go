package repository

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-violation-service/internal/domain/traffic"
)

func TestViolationRecordRoundTrip(t *testing.T) {
	speed, limit := 81.5, 60.0
	v := traffic.Violation{
		ID:               uuid.New(),
		DeviceID:         "cam-3",
		Timestamp:        time.Date(2026, 5, 4, 17, 30, 0, 0, time.UTC),
		Type:             traffic.TypeSpeed,
		Severity:         traffic.SeverityModerate,
		VehicleID:        "42",
		ZoneID:           "bridge",
		Confidence:       0.88,
		Amount:           21.5,
		Description:      "speed 81.5 km/h in 60 km/h zone",
		MeasuredSpeedKmh: &speed,
		SpeedLimitKmh:    &limit,
		Plate:            "123 abc-02",
		Evidence: traffic.Evidence{
			FrameID:     1201,
			Crop:        traffic.BBox{X1: 10, Y1: 20, X2: 200, Y2: 160},
			SnapshotKey: "snapshots/cam-3/1201.jpg",
			Path:        []traffic.Point{{X: 1, Y: 2}, {X: 3, Y: 4}},
		},
	}

	rec, err := toRecord(v)
	require.NoError(t, err)
	assert.Equal(t, "moderate", rec.Severity)
	assert.Equal(t, "speed", rec.Type)
	require.NotNil(t, rec.NormalizedPlate)
	assert.Equal(t, "123ABC02", *rec.NormalizedPlate)
	assert.Equal(t, int64(1201), rec.FrameID)

	got, err := rec.toDomain()
	require.NoError(t, err)
	if diff := cmp.Diff(v, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestViolationRecordOptionalFields(t *testing.T) {
	v := traffic.Violation{
		ID:        uuid.New(),
		DeviceID:  "cam-1",
		Timestamp: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
		Type:      traffic.TypeWrongWay,
		Severity:  traffic.SeverityCritical,
		VehicleID: "7",
	}
	rec, err := toRecord(v)
	require.NoError(t, err)
	assert.Nil(t, rec.ZoneID)
	assert.Nil(t, rec.Plate)
	assert.Nil(t, rec.MeasuredSpeed)

	rec.Severity = "catastrophic"
	_, err = rec.toDomain()
	assert.Error(t, err)
}
