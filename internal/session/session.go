// Package session coordinates monitoring sessions: at most one open session
// per device, with every open and close paired to an activity log entry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/nestwatch/internal/activity"
	"github.com/zulandar/nestwatch/internal/alert"
	"github.com/zulandar/nestwatch/internal/device"
	"github.com/zulandar/nestwatch/internal/metrics"
	"github.com/zulandar/nestwatch/internal/models"
	"gorm.io/gorm"
)

// Session statuses.
const (
	StatusOpen        = "open"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

// Reasons recorded when the system closes a session.
const (
	ReasonMaxCallDuration = "max_call_duration"
	ReasonProcessRestart  = "process_restart"
)

// Refusal explains why a start or end was turned down. The zero value means
// the request went through.
type Refusal string

const (
	RefusedPrivacy       Refusal = "privacy_blocked"
	RefusedAlreadyActive Refusal = "already_active"
	RefusedEndNotAllowed Refusal = "end_not_allowed"
)

// Message is the user-facing text for r.
func (r Refusal) Message() string {
	switch r {
	case RefusedPrivacy:
		return "privacy mode active"
	case RefusedAlreadyActive:
		return "device already has an active session"
	case RefusedEndNotAllowed:
		return "this device is not allowed to end calls"
	}
	return string(r)
}

// ErrParentRequired is returned by Start when no parent id is given.
var ErrParentRequired = errors.New("parent id is required")

// errNotOpen means the row was closed by someone else first.
var errNotOpen = errors.New("session not open")

// PrivacyGate reports whether a device is inside a privacy window.
type PrivacyGate interface {
	Active(deviceID string) bool
}

// Publisher accepts alerts without blocking.
type Publisher interface {
	Publish(e alert.Event) bool
}

// Opts configures a Coordinator.
type Opts struct {
	DB      *gorm.DB
	Privacy PrivacyGate      // optional
	Alerts  Publisher        // optional
	Now     func() time.Time // defaults to time.Now
	Debug   bool             // log benign not-found ends
}

// StartResult is the outcome of Start.
type StartResult struct {
	Session *models.MonitoringSession
	Refusal Refusal
}

// Admitted reports whether a session was opened.
func (r *StartResult) Admitted() bool {
	return r.Refusal == "" && r.Session != nil
}

// EndResult is the outcome of End and EndAs.
type EndResult struct {
	SessionID       string
	DurationSeconds int
	NotFound        bool
	Refusal         Refusal
}

// Coordinator owns the lifecycle of monitoring sessions. Start and End for a
// device are serialized by a per-device lock and run inside one transaction;
// the unique open_device_id column backs the same rule in the database.
type Coordinator struct {
	db      *gorm.DB
	privacy PrivacyGate
	alerts  Publisher
	now     func() time.Time
	debug   bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Coordinator.
func New(opts Opts) *Coordinator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		db:      opts.DB,
		privacy: opts.Privacy,
		alerts:  opts.Alerts,
		now:     now,
		debug:   opts.Debug,
		locks:   make(map[string]*sync.Mutex),
	}
}

// NewSessionID mints an id of the form session-<random>-<epochMillis>.
func NewSessionID(at time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("session-%s-%d", random, at.UnixMilli())
}

// Start admits a new session for deviceID if the device is not in a privacy
// window and has no open session. Refusals are reported in the result.
func (c *Coordinator) Start(ctx context.Context, deviceID, parentID string) (*StartResult, error) {
	if err := device.ValidateID(deviceID); err != nil {
		return nil, err
	}
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		return nil, fmt.Errorf("session: start %s: %w", deviceID, ErrParentRequired)
	}

	unlock := c.lockDevice(deviceID)
	defer unlock()

	db := c.db.WithContext(ctx)
	settings, err := device.GetSettings(db, deviceID)
	if err != nil {
		return nil, fmt.Errorf("session: start %s: %w", deviceID, err)
	}
	if settings.AllowPrivacyMode && c.privacyActive(deviceID) {
		return c.refuseStart(deviceID, RefusedPrivacy), nil
	}

	now := c.now()
	var sess *models.MonitoringSession
	err = db.Transaction(func(tx *gorm.DB) error {
		open, err := countOpen(tx, deviceID)
		if err != nil {
			return err
		}
		if open > 0 {
			return errAlreadyActive
		}

		openID := deviceID
		sess = &models.MonitoringSession{
			SessionID:    NewSessionID(now),
			DeviceID:     deviceID,
			ParentID:     parentID,
			OpenDeviceID: &openID,
			Status:       StatusOpen,
			StartedAt:    now,
		}
		if err := tx.Create(sess).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errAlreadyActive
			}
			return fmt.Errorf("session: insert: %w", err)
		}
		if _, err := activity.RecordStart(tx, activity.StartEntry{
			DeviceID:  deviceID,
			ParentID:  parentID,
			SessionID: sess.SessionID,
			StartedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.Model(&models.Device{}).Where("id = ?", deviceID).
			Update("last_connection_at", now).Error; err != nil {
			return fmt.Errorf("session: touch device: %w", err)
		}
		return nil
	})
	if errors.Is(err, errAlreadyActive) {
		return c.refuseStart(deviceID, RefusedAlreadyActive), nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: start %s: %w", deviceID, err)
	}

	metrics.SessionsStarted.Inc()
	metrics.OpenSessions.Inc()
	log.Printf("session: %s started on %s by %s", sess.SessionID, deviceID, parentID)
	c.publish(alert.Event{
		Kind:      alert.SessionStarted,
		DeviceID:  deviceID,
		ParentID:  parentID,
		SessionID: sess.SessionID,
		At:        now,
	})
	return &StartResult{Session: sess}, nil
}

var errAlreadyActive = errors.New("already active")

// End closes a session on behalf of the parent.
func (c *Coordinator) End(ctx context.Context, deviceID, sessionID string) (*EndResult, error) {
	return c.EndAs(ctx, deviceID, sessionID, device.ActorParent)
}

// EndAs closes the open session matching (deviceID, sessionID). A session that
// is unknown, already closed, or belongs to another device yields NotFound.
// A child may only end calls when the device allows it.
func (c *Coordinator) EndAs(ctx context.Context, deviceID, sessionID string, actor device.Actor) (*EndResult, error) {
	if err := device.ValidateID(deviceID); err != nil {
		return nil, err
	}
	res := &EndResult{SessionID: sessionID}
	if sessionID == "" {
		res.NotFound = true
		return res, nil
	}

	unlock := c.lockDevice(deviceID)
	defer unlock()

	db := c.db.WithContext(ctx)
	if actor == device.ActorChild {
		settings, err := device.GetSettings(db, deviceID)
		if err != nil {
			return nil, fmt.Errorf("session: end %s: %w", sessionID, err)
		}
		if !settings.AllowEndCall {
			metrics.TrackRefusal(string(RefusedEndNotAllowed))
			res.Refusal = RefusedEndNotAllowed
			return res, nil
		}
	}

	now := c.now()
	var sess models.MonitoringSession
	err := db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("device_id = ? AND session_id = ? AND ended_at IS NULL", deviceID, sessionID).
			First(&sess).Error
		if err != nil {
			return err
		}
		res.DurationSeconds = elapsedSeconds(sess.StartedAt, now)
		return closeSession(tx, &sess, StatusCompleted, actor, now, res.DurationSeconds, nil)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, errNotOpen) {
		res.NotFound = true
		if c.debug {
			log.Printf("session: end %s on %s: not found", sessionID, deviceID)
		}
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: end %s: %w", sessionID, err)
	}

	metrics.TrackSessionEnd(StatusCompleted, string(actor), res.DurationSeconds)
	log.Printf("session: %s ended on %s by %s after %ds", sessionID, deviceID, actor, res.DurationSeconds)
	c.publish(alert.Event{
		Kind:            alert.SessionEnded,
		DeviceID:        deviceID,
		ParentID:        sess.ParentID,
		SessionID:       sessionID,
		EndedBy:         string(actor),
		DurationSeconds: res.DurationSeconds,
		At:              now,
	})
	return res, nil
}

// HasActive reports whether the device has an open session.
func (c *Coordinator) HasActive(ctx context.Context, deviceID string) (bool, error) {
	if err := device.ValidateID(deviceID); err != nil {
		return false, err
	}
	n, err := countOpen(c.db.WithContext(ctx), deviceID)
	if err != nil {
		return false, fmt.Errorf("session: has active %s: %w", deviceID, err)
	}
	return n > 0, nil
}

// IsValid reports whether sessionID is the device's current open session.
func (c *Coordinator) IsValid(ctx context.Context, deviceID, sessionID string) (bool, error) {
	if err := device.ValidateID(deviceID); err != nil {
		return false, err
	}
	if sessionID == "" {
		return false, nil
	}
	var n int64
	err := c.db.WithContext(ctx).Model(&models.MonitoringSession{}).
		Where("device_id = ? AND session_id = ? AND ended_at IS NULL", deviceID, sessionID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("session: is valid %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// Active returns the device's open session, or nil when it is idle.
func (c *Coordinator) Active(ctx context.Context, deviceID string) (*models.MonitoringSession, error) {
	if err := device.ValidateID(deviceID); err != nil {
		return nil, err
	}
	var sess models.MonitoringSession
	err := c.db.WithContext(ctx).Where("device_id = ? AND ended_at IS NULL", deviceID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: active %s: %w", deviceID, err)
	}
	return &sess, nil
}

// DeviceStatus derives the device's status from its open session and
// privacy window. A window only counts on devices that allow privacy mode,
// matching what Start enforces.
func (c *Coordinator) DeviceStatus(ctx context.Context, deviceID string) (device.Status, error) {
	open, err := c.HasActive(ctx, deviceID)
	if err != nil {
		return "", err
	}
	inPrivacy := false
	if c.privacyActive(deviceID) {
		settings, err := device.GetSettings(c.db.WithContext(ctx), deviceID)
		if err != nil {
			return "", fmt.Errorf("session: status %s: %w", deviceID, err)
		}
		inPrivacy = settings.AllowPrivacyMode
	}
	return device.DeriveStatus(open, inPrivacy), nil
}

// EndOverdue interrupts open sessions that have run past their device's
// maximum call duration. It returns how many were closed.
func (c *Coordinator) EndOverdue(ctx context.Context) (int, error) {
	db := c.db.WithContext(ctx)
	var open []models.MonitoringSession
	if err := db.Where("ended_at IS NULL").Find(&open).Error; err != nil {
		return 0, fmt.Errorf("session: end overdue: %w", err)
	}
	if len(open) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(open))
	for _, s := range open {
		ids = append(ids, s.DeviceID)
	}
	var capped []models.Device
	if err := db.Where("id IN ? AND max_call_duration_minutes IS NOT NULL", ids).Find(&capped).Error; err != nil {
		return 0, fmt.Errorf("session: end overdue: load devices: %w", err)
	}
	limits := make(map[string]time.Duration, len(capped))
	for _, d := range capped {
		limits[d.ID] = time.Duration(*d.MaxCallDurationMinutes) * time.Minute
	}

	now := c.now()
	closed := 0
	for _, s := range open {
		limit, ok := limits[s.DeviceID]
		if !ok || now.Sub(s.StartedAt) < limit {
			continue
		}
		done, err := c.interrupt(ctx, s, ReasonMaxCallDuration)
		if err != nil {
			return closed, err
		}
		if done {
			closed++
		}
	}
	return closed, nil
}

// Recover interrupts every session left open by a previous process. The
// media transport never survives a restart, so none of them can still be live.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	var open []models.MonitoringSession
	if err := c.db.WithContext(ctx).Where("ended_at IS NULL").Find(&open).Error; err != nil {
		return 0, fmt.Errorf("session: recover: %w", err)
	}
	closed := 0
	for _, s := range open {
		done, err := c.interrupt(ctx, s, ReasonProcessRestart)
		if err != nil {
			return closed, err
		}
		if done {
			closed++
		}
	}
	metrics.OpenSessions.Set(0)
	if closed > 0 {
		log.Printf("session: recovered %d sessions left open", closed)
	}
	return closed, nil
}

// interrupt closes s as the system. It reports false if s was already closed.
func (c *Coordinator) interrupt(ctx context.Context, s models.MonitoringSession, reason string) (bool, error) {
	unlock := c.lockDevice(s.DeviceID)
	defer unlock()

	now := c.now()
	duration := elapsedSeconds(s.StartedAt, now)
	details := map[string]string{"reason": reason}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return closeSession(tx, &s, StatusInterrupted, device.ActorSystem, now, duration, details)
	})
	if errors.Is(err, errNotOpen) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: interrupt %s: %w", s.SessionID, err)
	}

	metrics.TrackSessionEnd(StatusInterrupted, string(device.ActorSystem), duration)
	log.Printf("session: %s on %s interrupted (%s) after %ds", s.SessionID, s.DeviceID, reason, duration)
	c.publish(alert.Event{
		Kind:            alert.SessionInterrupted,
		DeviceID:        s.DeviceID,
		ParentID:        s.ParentID,
		SessionID:       s.SessionID,
		EndedBy:         string(device.ActorSystem),
		Reason:          reason,
		DurationSeconds: duration,
		At:              now,
	})
	return true, nil
}

// closeSession marks s closed and closes its paired activity entry in tx.
func closeSession(tx *gorm.DB, s *models.MonitoringSession, status string, by device.Actor, at time.Time, duration int, details map[string]string) error {
	result := tx.Model(&models.MonitoringSession{}).
		Where("id = ? AND ended_at IS NULL", s.ID).
		Updates(map[string]interface{}{
			"ended_at":         at,
			"duration_seconds": duration,
			"status":           status,
			"ended_by":         string(by),
			"open_device_id":   nil,
		})
	if result.Error != nil {
		return fmt.Errorf("session: close %s: %w", s.SessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return errNotOpen
	}

	logStatus := activity.StatusCompleted
	if status == StatusInterrupted {
		logStatus = activity.StatusInterrupted
	}
	err := activity.RecordEnd(tx, s.SessionID, logStatus, at, duration, details)
	if errors.Is(err, activity.ErrNotFound) {
		log.Printf("session: %s had no ongoing activity entry", s.SessionID)
		err = nil
	}
	if err != nil {
		return err
	}

	s.EndedAt = &at
	s.DurationSeconds = &duration
	s.Status = status
	s.EndedBy = string(by)
	s.OpenDeviceID = nil
	return nil
}

func countOpen(db *gorm.DB, deviceID string) (int64, error) {
	var n int64
	err := db.Model(&models.MonitoringSession{}).
		Where("device_id = ? AND ended_at IS NULL", deviceID).
		Count(&n).Error
	return n, err
}

// elapsedSeconds is whole seconds from start to end, never negative.
func elapsedSeconds(start, end time.Time) int {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

func (c *Coordinator) refuseStart(deviceID string, r Refusal) *StartResult {
	metrics.TrackRefusal(string(r))
	log.Printf("session: start on %s refused: %s", deviceID, r.Message())
	return &StartResult{Refusal: r}
}

func (c *Coordinator) privacyActive(deviceID string) bool {
	return c.privacy != nil && c.privacy.Active(deviceID)
}

func (c *Coordinator) publish(e alert.Event) {
	if c.alerts != nil {
		c.alerts.Publish(e)
	}
}

// lockDevice acquires the device's mutex and returns its release.
func (c *Coordinator) lockDevice(deviceID string) func() {
	c.mu.Lock()
	m, ok := c.locks[deviceID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[deviceID] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}
