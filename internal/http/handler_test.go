package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"traffic-violation-service/internal/config"
	"traffic-violation-service/internal/coordinator"
	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/http/middleware"
	"traffic-violation-service/internal/model"
	"traffic-violation-service/internal/perception"
	"traffic-violation-service/internal/report"
	"traffic-violation-service/internal/repository"
	"traffic-violation-service/internal/service"
)

type memoryRepo struct {
	mu         sync.Mutex
	violations []traffic.Violation
}

func (r *memoryRepo) Save(_ context.Context, v traffic.Violation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, v)
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (traffic.Violation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.violations {
		if v.ID == id {
			return v, nil
		}
	}
	return traffic.Violation{}, traffic.ErrViolationNotFound
}

func (r *memoryRepo) Query(_ context.Context, _ traffic.Filter) ([]traffic.Violation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]traffic.Violation(nil), r.violations...), nil
}

func (r *memoryRepo) MarkFalsePositive(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.violations {
		if r.violations[i].ID == id {
			changed := !r.violations[i].FalsePositive
			r.violations[i].FalsePositive = true
			return changed, nil
		}
	}
	return false, traffic.ErrViolationNotFound
}

func (r *memoryRepo) FindAlerts(context.Context, uuid.UUID) ([]repository.AlertRecord, error) {
	return nil, nil
}

func (r *memoryRepo) FindNotifications(context.Context, bool, int) ([]repository.NotificationRecord, error) {
	return nil, nil
}

func (r *memoryRepo) AcknowledgeNotification(context.Context, uuid.UUID) error {
	return gorm.ErrRecordNotFound
}

func (r *memoryRepo) DeleteOld(context.Context, int) (int64, error) {
	return 7, nil
}

// tokenParser токен вида "<ROLE>" или "DEVICE:<device_id>".
type tokenParser struct{}

func (tokenParser) Parse(token string) (model.Principal, error) {
	role, device, _ := strings.Cut(token, ":")
	r := model.UserRole(role)
	if !r.Valid() {
		return model.Principal{}, errors.New("bad token")
	}
	return model.Principal{UserID: uuid.New(), Role: r, DeviceID: device}, nil
}

func newTestRouter(t *testing.T, opts ...service.Option) (*gin.Engine, *memoryRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := &memoryRepo{}
	coord, err := coordinator.New(coordinator.DefaultConfig(), repo, nil, zerolog.Nop())
	require.NoError(t, err)
	svc := service.NewViolationService(repo, coord, nil, zerolog.Nop(), opts...)

	cfg := &config.Config{Violation: config.ViolationConfig{RetentionDays: 90}}
	h := NewHandler(svc, nil, cfg, zerolog.Nop())
	return NewRouter(h, middleware.Auth(tokenParser{}), "test", nil, zerolog.Nop()), repo
}

func do(r http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func redLightFrame(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(traffic.Frame{
		FrameID:   1,
		Timestamp: time.Now().UTC().Add(-time.Minute),
		Observations: []traffic.Observation{{
			TrackID:         "car-1",
			BBox:            traffic.BBox{X1: 10, Y1: 10, X2: 60, Y2: 50},
			RedLightCrossed: true,
		}},
	})
	require.NoError(t, err)
	return body
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/health/ready", "", nil).Code)
}

func TestAuthRequired(t *testing.T) {
	r, _ := newTestRouter(t)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/violations", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/violations", "nobody", nil).Code)
}

func TestSubmitFrameSync(t *testing.T) {
	r, repo := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/v1/devices/cam-1/frames?sync=true", "DEVICE:cam-1", redLightFrame(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data []traffic.Violation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, traffic.TypeRedLight, resp.Data[0].Type)
	assert.Equal(t, "cam-1", resp.Data[0].DeviceID)
	assert.Len(t, repo.violations, 1)
}

func TestSubmitFrameForeignDevice(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/v1/devices/cam-2/frames", "DEVICE:cam-1", redLightFrame(t))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/api/v1/devices/cam-1/frames", "REVIEWER", redLightFrame(t))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmitFrameAsyncRequiresRunningCoordinator(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/v1/devices/cam-1/frames", "DEVICE:cam-1", redLightFrame(t))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSubmitFrameInvalidJSON(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/v1/devices/cam-1/frames", "ADMIN", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitDetectionsAssignsTracks(t *testing.T) {
	pipeline, err := perception.NewPipeline(perception.DefaultConfig(), perception.Reported{}, perception.NewIoUTracker(0.3, 5), nil, zerolog.Nop())
	require.NoError(t, err)
	r, _ := newTestRouter(t, service.WithPipeline(pipeline))

	post := func(frameID int64, x float64) traffic.Frame {
		body, err := json.Marshal(service.DetectionFrame{
			FrameID:   frameID,
			Timestamp: time.Now().UTC().Add(-time.Minute).Add(time.Duration(frameID) * 100 * time.Millisecond),
			Width:     1920,
			Height:    1080,
			Detections: []perception.Detection{
				{BBox: traffic.BBox{X1: x, Y1: 100, X2: x + 120, Y2: 180}, Class: "car", Confidence: 0.9},
				{BBox: traffic.BBox{X1: 900, Y1: 500, X2: 920, Y2: 520}, Class: "person", Confidence: 0.95},
			},
		})
		require.NoError(t, err)
		w := do(r, http.MethodPost, "/api/v1/devices/cam-1/detections?sync=true", "DEVICE:cam-1", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp struct {
			Data struct {
				Frame traffic.Frame `json:"frame"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp.Data.Frame
	}

	first := post(1, 100)
	second := post(2, 110)
	require.Len(t, first.Observations, 1, "non-vehicle classes are dropped")
	require.Len(t, second.Observations, 1)
	assert.NotEmpty(t, first.Observations[0].TrackID)
	assert.Equal(t, first.Observations[0].TrackID, second.Observations[0].TrackID)
}

func TestSubmitDetectionsDisabled(t *testing.T) {
	r, _ := newTestRouter(t)

	body := []byte(`{"frame_id":1,"detections":[]}`)
	w := do(r, http.MethodPost, "/api/v1/devices/cam-1/detections", "DEVICE:cam-1", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(r, http.MethodPost, "/api/v1/devices/cam-1/detections", "DEVICE:cam-2", body)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestViolationLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/v1/devices/cam-1/frames?sync=true", "ADMIN", redLightFrame(t))
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		Data []traffic.Violation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Len(t, created.Data, 1)
	id := created.Data[0].ID.String()

	w = do(r, http.MethodGet, "/api/v1/violations/"+id, "REVIEWER", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = do(r, http.MethodGet, "/api/v1/violations/"+uuid.NewString(), "REVIEWER", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/v1/violations/not-a-uuid", "REVIEWER", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/v1/violations/"+id+"/false-positive", "DEVICE:cam-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/api/v1/violations/"+id+"/false-positive", "REVIEWER", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/v1/statistics", "ADMIN", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Data coordinator.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.Data.FalsePositives)
}

func TestListViolationsBadFilter(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/v1/violations?type=jaywalking", "ADMIN", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/violations?limit=500", "ADMIN", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReportFormats(t *testing.T) {
	r, _ := newTestRouter(t)
	require.Equal(t, http.StatusOK,
		do(r, http.MethodPost, "/api/v1/devices/cam-1/frames?sync=true", "ADMIN", redLightFrame(t)).Code)

	w := do(r, http.MethodGet, "/api/v1/reports", "ADMIN", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data traffic.Report `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Total)

	w = do(r, http.MethodGet, "/api/v1/reports?format=xlsx", "ADMIN", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, report.ContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")
	assert.NotZero(t, w.Body.Len())

	w = do(r, http.MethodGet, "/api/v1/reports?format=pdf", "ADMIN", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCalibrationRoutes(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/v1/devices/cam-1/calibration/preset", "REVIEWER", []byte(`{"width":1920,"height":1080}`))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/api/v1/devices/cam-1/calibration/preset", "OPERATOR", []byte(`{"width":1920,"height":1080}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/api/v1/devices/cam-1/calibration", "REVIEWER", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"calibrated":true`)

	w = do(r, http.MethodPost, "/api/v1/devices/cam-1/calibration/transform", "REVIEWER", []byte(`{"x":960,"y":540}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"real"`)

	w = do(r, http.MethodDelete, "/api/v1/devices/cam-1/calibration", "ADMIN", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/api/v1/devices/cam-1/calibration/transform", "REVIEWER", []byte(`{"x":960,"y":540}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotificationsAndCleanup(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/v1/notifications?unacknowledged=true", "REVIEWER", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/api/v1/notifications/"+uuid.NewString()+"/ack", "REVIEWER", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/v1/maintenance/cleanup", "REVIEWER", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/api/v1/maintenance/cleanup", "ADMIN", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"days":90`)
	assert.Contains(t, w.Body.String(), `"deleted":7`)
}

func TestUploadSnapshotWithoutStorage(t *testing.T) {
	r, _ := newTestRouter(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("snapshot", "frame.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/cam-1/snapshots", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer DEVICE:cam-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
