package http

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/calibration"
	"traffic-violation-service/internal/config"
	"traffic-violation-service/internal/coordinator"
	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/http/middleware"
	"traffic-violation-service/internal/model"
	"traffic-violation-service/internal/report"
	"traffic-violation-service/internal/service"
	"traffic-violation-service/internal/storage"
)

const maxSnapshotSize = 10 << 20

type Handler struct {
	violations *service.ViolationService
	live       http.Handler
	config     *config.Config
	log        zerolog.Logger
}

// NewHandler live может быть nil, тогда websocket-лента не регистрируется.
func NewHandler(
	violations *service.ViolationService,
	live http.Handler,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		violations: violations,
		live:       live,
		config:     cfg,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	api := r.Group("/api/v1")
	api.Use(authMiddleware)

	devices := api.Group("/devices/:device_id")
	{
		devices.POST("/frames", h.submitFrame)
		devices.POST("/detections", h.submitDetections)
		devices.POST("/snapshots", h.uploadSnapshot)
		devices.GET("/calibration", h.getCalibration)
		devices.POST("/calibration/transform", h.pixelToReal)

		calibrate := devices.Group("/calibration", middleware.Require(model.Principal.CanCalibrate))
		calibrate.POST("/points", h.addCalibrationPoint)
		calibrate.POST("/zones", h.addZone)
		calibrate.POST("/preset", h.applyPreset)
		calibrate.DELETE("", h.resetCalibration)
	}

	api.GET("/violations", h.listViolations)
	api.GET("/violations/:id", h.getViolation)
	api.GET("/statistics", h.statistics)
	api.GET("/reports", h.getReport)

	review := api.Group("", middleware.Require(model.Principal.CanReview))
	{
		review.POST("/violations/:id/false-positive", h.markFalsePositive)
		review.GET("/notifications", h.listNotifications)
		review.POST("/notifications/:id/ack", h.acknowledgeNotification)
	}

	api.POST("/maintenance/cleanup", middleware.Require(model.Principal.IsAdmin), h.cleanup)

	if h.live != nil {
		api.GET("/alerts/live", gin.WrapH(h.live))
	}
}

// requireDevice камера может писать только в свой device_id.
func (h *Handler) requireDevice(c *gin.Context) (string, bool) {
	deviceID := strings.TrimSpace(c.Param("device_id"))
	p, ok := middleware.GetPrincipal(c)
	if !ok || !p.CanSubmitFrames(deviceID) {
		c.JSON(http.StatusForbidden, errorResponse("forbidden"))
		return "", false
	}
	return deviceID, true
}

func (h *Handler) submitFrame(c *gin.Context) {
	deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	var frame traffic.Frame
	if err := c.ShouldBindJSON(&frame); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if c.Query("sync") == "true" {
		vs, err := h.violations.ProcessFrame(c.Request.Context(), deviceID, frame)
		if err != nil {
			h.handleError(c, err)
			return
		}
		if vs == nil {
			vs = []traffic.Violation{}
		}
		c.JSON(http.StatusOK, successResponse(vs))
		return
	}

	if err := h.violations.SubmitFrame(c.Request.Context(), deviceID, frame); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":       "queued",
		"device_id":    deviceID,
		"frame_id":     frame.FrameID,
		"observations": len(frame.Observations),
	})
}

// submitDetections кадр с рамками без треков; треки присваивает сервис.
func (h *Handler) submitDetections(c *gin.Context) {
	deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	var in service.DetectionFrame
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	process := c.Query("sync") == "true"
	frame, vs, err := h.violations.SubmitDetections(c.Request.Context(), deviceID, in, process)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if process {
		if vs == nil {
			vs = []traffic.Violation{}
		}
		c.JSON(http.StatusOK, successResponse(gin.H{"frame": frame, "violations": vs}))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":       "queued",
		"device_id":    deviceID,
		"frame_id":     frame.FrameID,
		"observations": len(frame.Observations),
	})
}

// uploadSnapshot принимает multipart-форму с файлом в поле snapshot.
func (h *Handler) uploadSnapshot(c *gin.Context) {
	deviceID, ok := h.requireDevice(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSnapshotSize+1<<20)
	fh, err := c.FormFile("snapshot")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("snapshot file is required"))
		return
	}
	if fh.Size > maxSnapshotSize {
		c.JSON(http.StatusBadRequest, errorResponse("snapshot is too large"))
		return
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(fh.Filename)) {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		}
	}

	file, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid multipart payload"))
		return
	}
	defer file.Close()

	info, err := h.violations.UploadSnapshot(c.Request.Context(), deviceID, file, fh.Size, contentType)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(info))
}

func (h *Handler) getCalibration(c *gin.Context) {
	info, err := h.violations.GetCalibration(c.Param("device_id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(info))
}

func (h *Handler) addCalibrationPoint(c *gin.Context) {
	var req service.CalibrationPointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	info, err := h.violations.AddCalibrationPoint(c.Param("device_id"), req)
	if err != nil {
		// точка сохранена, но калибровка отклонена: показываем состояние вместе с причиной
		if errors.Is(err, service.ErrInvalidInput) && info != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "data": info})
			return
		}
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(info))
}

func (h *Handler) addZone(c *gin.Context) {
	var zone calibration.Zone
	if err := c.ShouldBindJSON(&zone); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	info, err := h.violations.AddZone(c.Param("device_id"), zone)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(info))
}

func (h *Handler) applyPreset(c *gin.Context) {
	var req struct {
		Width  int `json:"width" binding:"required"`
		Height int `json:"height" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	info, err := h.violations.ApplyPreset(c.Param("device_id"), req.Width, req.Height)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(info))
}

func (h *Handler) resetCalibration(c *gin.Context) {
	info, err := h.violations.ResetCalibration(c.Param("device_id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(info))
}

func (h *Handler) pixelToReal(c *gin.Context) {
	var p traffic.Point
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	world, err := h.violations.PixelToReal(c.Param("device_id"), p)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"pixel": p, "real": world}))
}

func (h *Handler) listViolations(c *gin.Context) {
	q := service.ViolationQuery{
		DeviceID:              strings.TrimSpace(c.Query("device_id")),
		VehicleID:             strings.TrimSpace(c.Query("vehicle_id")),
		Type:                  strings.TrimSpace(c.Query("type")),
		Severity:              strings.TrimSpace(c.Query("severity")),
		From:                  strings.TrimSpace(c.Query("from")),
		To:                    strings.TrimSpace(c.Query("to")),
		IncludeFalsePositives: c.Query("include_false_positives") == "true",
		Limit:                 50,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}

	vs, err := h.violations.FindViolations(c.Request.Context(), q)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(vs))
}

func (h *Handler) getViolation(c *gin.Context) {
	v, err := h.violations.GetViolation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(v))
}

func (h *Handler) markFalsePositive(c *gin.Context) {
	p, _ := middleware.GetPrincipal(c)
	if err := h.violations.MarkFalsePositive(c.Request.Context(), c.Param("id"), p.UserID.String()); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": c.Param("id"), "false_positive": true})
}

func (h *Handler) statistics(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.violations.Statistics()))
}

func (h *Handler) getReport(c *gin.Context) {
	from, to := strings.TrimSpace(c.Query("from")), strings.TrimSpace(c.Query("to"))

	switch format := c.DefaultQuery("format", "json"); format {
	case "json":
		r, err := h.violations.Report(c.Request.Context(), from, to)
		if err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, successResponse(r))
	case "xlsx":
		data, err := h.violations.ExportReportXLSX(c.Request.Context(), from, to)
		if err != nil {
			h.handleError(c, err)
			return
		}
		name := fmt.Sprintf("violations-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
		c.Data(http.StatusOK, report.ContentType, data)
	default:
		c.JSON(http.StatusBadRequest, errorResponse("format must be json or xlsx"))
	}
}

func (h *Handler) listNotifications(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	list, err := h.violations.Notifications(c.Request.Context(), c.Query("unacknowledged") == "true", limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(list))
}

func (h *Handler) acknowledgeNotification(c *gin.Context) {
	if err := h.violations.AcknowledgeNotification(c.Request.Context(), c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) cleanup(c *gin.Context) {
	days := h.config.Violation.RetentionDays
	if d := c.Query("days"); d != "" {
		parsed, err := parseInt(d)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("days must be an integer"))
			return
		}
		days = parsed
	}
	deleted, err := h.violations.CleanupOld(c.Request.Context(), days)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": deleted, "days": days})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrOverloaded):
		c.JSON(http.StatusTooManyRequests, errorResponse(err.Error()))
	case errors.Is(err, storage.ErrNotConfigured), errors.Is(err, coordinator.ErrNotRunning),
		errors.Is(err, service.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
