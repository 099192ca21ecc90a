package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/nestwatch/internal/activity"
	"github.com/zulandar/nestwatch/internal/alert"
	"github.com/zulandar/nestwatch/internal/device"
	"github.com/zulandar/nestwatch/internal/metrics"
	"github.com/zulandar/nestwatch/internal/models"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, d deps) {
	router.GET("/healthz", handleHealth(d))
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api")
	api.POST("/devices", handleRegisterDevice(d))
	api.GET("/devices", handleListDevices(d))

	dev := api.Group("/devices/:id")
	dev.GET("/settings", handleGetSettings(d))
	dev.PATCH("/settings", handleUpdateSettings(d))

	dev.POST("/sessions", handleStartSession(d))
	dev.GET("/sessions/active", handleActiveSession(d))
	dev.DELETE("/sessions/:sid", handleEndSession(d))
	dev.GET("/sessions/:sid/valid", handleSessionValid(d))

	dev.POST("/privacy", handleEnablePrivacy(d))
	dev.DELETE("/privacy", handleDisablePrivacy(d))
	dev.GET("/privacy", handlePrivacyStatus(d))

	dev.GET("/status", handleDeviceStatus(d))
	dev.GET("/status/stream", handleStatusStream(d))
	dev.GET("/activity", handleActivity(d))
}

type deviceURI struct {
	ID string `uri:"id" binding:"required,deviceid"`
}

// bindDevice validates the :id path parameter.
func bindDevice(c *gin.Context) (string, bool) {
	var uri deviceURI
	if err := c.ShouldBindUri(&uri); err != nil {
		badRequest(c, "invalid device id")
		return "", false
	}
	return uri.ID, true
}

type registerRequest struct {
	ParentID string `json:"parent_id" binding:"required,max=64"`
	Name     string `json:"name" binding:"omitempty,max=128"`
}

type startRequest struct {
	ParentID string `json:"parent_id" binding:"required,max=64"`
}

type privacyRequest struct {
	Minutes int `json:"minutes" binding:"required,min=1"`
}

// deviceView is the wire form of a device.
type deviceView struct {
	ID               string           `json:"id"`
	ParentID         string           `json:"parent_id"`
	Name             string           `json:"name"`
	Status           device.Status    `json:"status,omitempty"`
	Settings         *device.Settings `json:"settings"`
	LastConnectionAt *time.Time       `json:"last_connection_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

func newDeviceView(dev *models.Device, status device.Status) deviceView {
	return deviceView{
		ID:               dev.ID,
		ParentID:         dev.ParentID,
		Name:             dev.Name,
		Status:           status,
		Settings:         device.SettingsOf(dev),
		LastConnectionAt: dev.LastConnectionAt,
		CreatedAt:        dev.CreatedAt,
	}
}

// entryView is the wire form of an activity log entry.
type entryView struct {
	ID              uint       `json:"id"`
	DeviceID        string     `json:"device_id"`
	ParentID        string     `json:"parent_id"`
	SessionID       string     `json:"session_id"`
	Action          string     `json:"action"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	Duration        string     `json:"duration,omitempty"`
	Details         string     `json:"details,omitempty"`
}

func newEntryView(e models.ActivityLogEntry) entryView {
	v := entryView{
		ID:              e.ID,
		DeviceID:        e.DeviceID,
		ParentID:        e.ParentID,
		SessionID:       e.SessionID,
		Action:          e.Action,
		Status:          e.Status,
		StartedAt:       e.StartedAt,
		EndedAt:         e.EndedAt,
		DurationSeconds: e.DurationSeconds,
		Details:         e.Details,
	}
	if e.DurationSeconds != nil {
		v.Duration = activity.FormatDuration(*e.DurationSeconds)
	}
	return v
}

func handleHealth(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := d.db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err = sqlDB.PingContext(ctx)
			cancel()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleRegisterDevice(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		dev, err := device.Register(d.db.WithContext(c.Request.Context()), device.RegisterOpts{
			ParentID: req.ParentID,
			Name:     req.Name,
		})
		if err != nil {
			fail(c, "register device", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"device": newDeviceView(dev, device.StatusOffline)})
	}
}

func handleListDevices(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		devices, err := device.List(d.db.WithContext(ctx), c.Query("parent_id"))
		if err != nil {
			fail(c, "list devices", err)
			return
		}
		views := make([]deviceView, 0, len(devices))
		for i := range devices {
			status, err := d.sessions.DeviceStatus(ctx, devices[i].ID)
			if err != nil {
				fail(c, "list devices", err)
				return
			}
			views = append(views, newDeviceView(&devices[i], status))
		}
		c.JSON(http.StatusOK, gin.H{"devices": views})
	}
}

func handleGetSettings(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		s, err := device.GetSettings(d.db.WithContext(c.Request.Context()), id)
		if err != nil {
			fail(c, "get settings", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"settings": s})
	}
}

func handleUpdateSettings(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		var patch device.Patch
		if err := c.ShouldBindJSON(&patch); err != nil {
			badRequest(c, err.Error())
			return
		}
		s, err := device.UpdateSettingsAs(d.db.WithContext(c.Request.Context()), id, patch, actor)
		if err != nil {
			fail(c, "update settings", err)
			return
		}
		if !s.AllowPrivacyMode {
			d.privacy.Reset(id)
		}
		c.JSON(http.StatusOK, gin.H{"settings": s})
	}
}

func handleStartSession(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		var req startRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := d.sessions.Start(c.Request.Context(), id, req.ParentID)
		if err != nil {
			fail(c, "start session", err)
			return
		}
		if !res.Admitted() {
			refused(c, http.StatusConflict, res.Refusal)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"session_id": res.Session.SessionID,
			"started_at": res.Session.StartedAt,
		})
	}
}

func handleEndSession(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		res, err := d.sessions.EndAs(c.Request.Context(), id, c.Param("sid"), actor)
		if err != nil {
			fail(c, "end session", err)
			return
		}
		switch {
		case res.Refusal != "":
			refused(c, http.StatusForbidden, res.Refusal)
		case res.NotFound:
			notFound(c)
		default:
			c.JSON(http.StatusOK, gin.H{
				"duration_seconds": res.DurationSeconds,
				"duration":         activity.FormatDuration(res.DurationSeconds),
			})
		}
	}
}

func handleActiveSession(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		sess, err := d.sessions.Active(c.Request.Context(), id)
		if err != nil {
			fail(c, "active session", err)
			return
		}
		if sess == nil {
			c.JSON(http.StatusOK, gin.H{"active": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"active":     true,
			"session_id": sess.SessionID,
			"parent_id":  sess.ParentID,
			"started_at": sess.StartedAt,
		})
	}
}

func handleSessionValid(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		valid, err := d.sessions.IsValid(c.Request.Context(), id, c.Param("sid"))
		if err != nil {
			fail(c, "session valid", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": valid})
	}
}

func handleEnablePrivacy(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		actor, ok := actorFrom(c)
		if !ok {
			return
		}
		var req privacyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		w, err := d.privacy.EnableAs(id, req.Minutes, actor)
		if err != nil {
			fail(c, "enable privacy", err)
			return
		}
		// Privacy only blocks new sessions; callers decide whether to hang up.
		open, err := d.sessions.HasActive(c.Request.Context(), id)
		if err != nil {
			fail(c, "enable privacy", err)
			return
		}
		d.alerts.Publish(alert.Event{Kind: alert.PrivacyEnabled, DeviceID: id, Minutes: req.Minutes})
		c.JSON(http.StatusOK, gin.H{
			"active":            w.Active,
			"remaining_seconds": w.RemainingSeconds,
			"session_open":      open,
		})
	}
}

func handleDisablePrivacy(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		d.privacy.Disable(id)
		c.JSON(http.StatusOK, gin.H{"active": false})
	}
}

func handlePrivacyStatus(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		w, _ := d.privacy.Remaining(id)
		c.JSON(http.StatusOK, gin.H{
			"active":            w.Active,
			"remaining_seconds": w.RemainingSeconds,
		})
	}
}

func handleDeviceStatus(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		status, err := d.sessions.DeviceStatus(c.Request.Context(), id)
		if err != nil {
			fail(c, "device status", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	}
}

func handleActivity(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindDevice(c)
		if !ok {
			return
		}
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				badRequest(c, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		entries, err := activity.Query(d.db.WithContext(c.Request.Context()), id, limit)
		if err != nil {
			fail(c, "query activity", err)
			return
		}
		views := make([]entryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, newEntryView(e))
		}
		c.JSON(http.StatusOK, gin.H{"entries": views})
	}
}
