// Package activity is the append-only lifecycle record of monitoring sessions.
package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/nestwatch/internal/models"
	"gorm.io/gorm"
)

// Actions and statuses recorded on log entries.
const (
	ActionStartMonitoring = "start_monitoring"

	StatusOngoing     = "ongoing"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrNotFound is returned by RecordEnd when no ongoing entry matches.
var ErrNotFound = errors.New("no ongoing activity entry")

// StartEntry describes the entry written when a session opens.
type StartEntry struct {
	DeviceID  string
	ParentID  string
	SessionID string
	StartedAt time.Time
	Details   map[string]string
}

// RecordStart appends an ongoing entry. It must run inside the transaction that
// inserts the session so the pair commits together.
func RecordStart(tx *gorm.DB, e StartEntry) (*models.ActivityLogEntry, error) {
	details, err := encodeDetails(e.Details)
	if err != nil {
		return nil, err
	}
	entry := &models.ActivityLogEntry{
		DeviceID:  e.DeviceID,
		ParentID:  e.ParentID,
		SessionID: e.SessionID,
		Action:    ActionStartMonitoring,
		Status:    StatusOngoing,
		StartedAt: e.StartedAt,
		Details:   details,
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("activity: record start %s: %w", e.SessionID, err)
	}
	return entry, nil
}

// RecordEnd closes the ongoing entry paired with sessionID. Entries that are
// already closed are never touched; ErrNotFound is returned instead.
func RecordEnd(tx *gorm.DB, sessionID, status string, endedAt time.Time, durationSeconds int, details map[string]string) error {
	if status != StatusCompleted && status != StatusInterrupted {
		return fmt.Errorf("activity: record end %s: invalid status %q", sessionID, status)
	}
	updates := map[string]interface{}{
		"status":           status,
		"ended_at":         endedAt,
		"duration_seconds": durationSeconds,
	}
	if len(details) > 0 {
		encoded, err := encodeDetails(details)
		if err != nil {
			return err
		}
		updates["details"] = encoded
	}

	result := tx.Model(&models.ActivityLogEntry{}).
		Where("session_id = ? AND status = ?", sessionID, StatusOngoing).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("activity: record end %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("activity: record end %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// Query returns a device's entries newest first. A non-positive limit means
// DefaultLimit; larger requests are capped at MaxLimit.
func Query(db *gorm.DB, deviceID string, limit int) ([]models.ActivityLogEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	var entries []models.ActivityLogEntry
	err := db.Where("device_id = ?", deviceID).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("activity: query %s: %w", deviceID, err)
	}
	return entries, nil
}

// CountOngoing returns how many entries are still open across all devices.
func CountOngoing(db *gorm.DB) (int64, error) {
	var n int64
	if err := db.Model(&models.ActivityLogEntry{}).Where("status = ?", StatusOngoing).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("activity: count ongoing: %w", err)
	}
	return n, nil
}

// FormatDuration renders seconds the way parents see it, e.g. "5m 23s".
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, (seconds%3600)/60, seconds%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func encodeDetails(details map[string]string) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("activity: encode details: %w", err)
	}
	return string(b), nil
}
