package models

import "time"

// MonitoringSession is one bounded monitoring connection between a parent and
// a device. OpenDeviceID mirrors DeviceID while the session is open and is
// NULL once closed, so the unique index admits at most one open row per device.
type MonitoringSession struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	SessionID       string    `gorm:"size:96;not null;uniqueIndex"`
	DeviceID        string    `gorm:"size:64;not null;index:idx_device_started"`
	ParentID        string    `gorm:"size:64;not null"`
	OpenDeviceID    *string   `gorm:"size:64;uniqueIndex"`
	Status          string    `gorm:"size:16;default:open;index"` // open, completed, interrupted
	EndedBy         string    `gorm:"size:16"`                    // parent, child, system
	StartedAt       time.Time `gorm:"index:idx_device_started"`
	EndedAt         *time.Time
	DurationSeconds *int
	CreatedAt       time.Time
}

// ActivityLogEntry is the append-only audit record of a session's lifecycle.
// It is inserted with the session and closed in the same transaction.
type ActivityLogEntry struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	DeviceID        string    `gorm:"size:64;not null;index:idx_log_device_started"`
	ParentID        string    `gorm:"size:64;not null"`
	SessionID       string    `gorm:"size:96;index"`
	Action          string    `gorm:"size:32;not null"`
	Status          string    `gorm:"size:16;not null;index"` // ongoing, completed, interrupted
	StartedAt       time.Time `gorm:"index:idx_log_device_started"`
	EndedAt         *time.Time
	DurationSeconds *int
	Details         string `gorm:"type:json"`
}
