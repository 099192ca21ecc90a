package models

import "time"

// Device is a child-side endpoint that parents monitor. Settings live on the
// row as plain columns; status is derived and never stored.
type Device struct {
	ID                     string `gorm:"primaryKey;size:64"`
	ParentID               string `gorm:"size:64;index"`
	Name                   string `gorm:"size:128;not null"`
	AllowPrivacyMode       bool
	AllowEndCall           bool
	MaxCallDurationMinutes *int
	AutoAcceptCalls        bool
	AdminLocked            bool
	LastConnectionAt       *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time

	Sessions []MonitoringSession `gorm:"foreignKey:DeviceID"`
}
