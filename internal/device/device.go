// Package device is the registry of monitored devices and their settings.
package device

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/zulandar/nestwatch/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Status is a device's derived monitoring state.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusPrivacy Status = "privacy"
)

// Actor identifies who is asking for a change.
type Actor string

const (
	ActorParent Actor = "parent"
	ActorChild  Actor = "child"
	ActorSystem Actor = "system"
)

// ParseActor maps a header or flag value to an Actor. Empty means parent.
func ParseActor(s string) (Actor, error) {
	switch Actor(strings.ToLower(strings.TrimSpace(s))) {
	case "", ActorParent:
		return ActorParent, nil
	case ActorChild:
		return ActorChild, nil
	case ActorSystem:
		return ActorSystem, nil
	}
	return "", fmt.Errorf("device: unknown actor %q", s)
}

// MaxCallDurationLimit caps maxCallDurationMinutes at one day.
const MaxCallDurationLimit = 24 * 60

var (
	// ErrInvalidDeviceID is returned for ids that could never have been issued.
	ErrInvalidDeviceID = errors.New("invalid device id")
	// ErrInvalidSettings is returned for out-of-range settings values.
	ErrInvalidSettings = errors.New("invalid device settings")
	// ErrAdminLocked is returned when a child tries to change locked settings.
	ErrAdminLocked = errors.New("device settings are locked by a parent")
	// ErrNotFound is returned by lookups that do not auto-create.
	ErrNotFound = errors.New("device not found")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Settings is the per-device configuration.
type Settings struct {
	DeviceID               string `json:"device_id"`
	DeviceName             string `json:"device_name"`
	AllowPrivacyMode       bool   `json:"allow_privacy_mode"`
	AllowEndCall           bool   `json:"allow_end_call"`
	MaxCallDurationMinutes *int   `json:"max_call_duration_minutes"`
	AutoAcceptCalls        bool   `json:"auto_accept_calls"`
	AdminLocked            bool   `json:"admin_locked"`
}

// Patch holds a partial settings update. Nil fields are left unchanged.
type Patch struct {
	Name                   *string `json:"device_name,omitempty"`
	AllowPrivacyMode       *bool   `json:"allow_privacy_mode,omitempty"`
	AllowEndCall           *bool   `json:"allow_end_call,omitempty"`
	MaxCallDurationMinutes *int    `json:"max_call_duration_minutes,omitempty"`
	ClearMaxCallDuration   bool    `json:"clear_max_call_duration,omitempty"`
	AutoAcceptCalls        *bool   `json:"auto_accept_calls,omitempty"`
	AdminLocked            *bool   `json:"admin_locked,omitempty"`
}

// RegisterOpts holds parameters for registering a new device.
type RegisterOpts struct {
	ParentID string
	Name     string
}

// GenerateID creates a device ID in DEV-XXXXXXXX format (8 uppercase hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("device: generate ID: %w", err)
	}
	return "DEV-" + strings.ToUpper(hex.EncodeToString(b)), nil
}

// ValidateID rejects ids that are empty, too long, or carry characters no
// generator ever produces.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("device: %w: %q", ErrInvalidDeviceID, id)
	}
	return nil
}

// Validate checks the patch values without touching storage.
func (p Patch) Validate() error {
	if p.Name != nil {
		n := strings.TrimSpace(*p.Name)
		if n == "" || len(n) > 128 {
			return fmt.Errorf("device: %w: name must be 1-128 characters", ErrInvalidSettings)
		}
	}
	if p.MaxCallDurationMinutes != nil {
		if p.ClearMaxCallDuration {
			return fmt.Errorf("device: %w: max call duration both set and cleared", ErrInvalidSettings)
		}
		if m := *p.MaxCallDurationMinutes; m < 1 || m > MaxCallDurationLimit {
			return fmt.Errorf("device: %w: max call duration must be 1-%d minutes, got %d",
				ErrInvalidSettings, MaxCallDurationLimit, m)
		}
	}
	return nil
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.AllowPrivacyMode == nil && p.AllowEndCall == nil &&
		p.MaxCallDurationMinutes == nil && !p.ClearMaxCallDuration &&
		p.AutoAcceptCalls == nil && p.AdminLocked == nil
}

// Register creates a device with default settings and a fresh unique ID.
func Register(db *gorm.DB, opts RegisterOpts) (*models.Device, error) {
	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		var count int64
		if err := db.Model(&models.Device{}).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("device: count devices: %w", err)
		}
		name = fmt.Sprintf("Device %d", count+1)
	}
	if len(name) > 128 {
		return nil, fmt.Errorf("device: %w: name must be 1-128 characters", ErrInvalidSettings)
	}

	dev := newDefaultDevice(id, opts.ParentID, name)
	if err := db.Create(dev).Error; err != nil {
		return nil, fmt.Errorf("device: register: %w", err)
	}
	return dev, nil
}

// Get loads a device without creating it.
func Get(db *gorm.DB, id string) (*models.Device, error) {
	var dev models.Device
	if err := db.Where("id = ?", id).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("device: %w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("device: get %s: %w", id, err)
	}
	return &dev, nil
}

// Ensure loads a device, creating it with default settings on first access.
// Lookups by id never fail with not-found; unknown devices come into being.
func Ensure(db *gorm.DB, id string) (*models.Device, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	var dev models.Device
	err := db.Where("id = ?", id).First(&dev).Error
	if err == nil {
		return &dev, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("device: get %s: %w", id, err)
	}

	var count int64
	if err := db.Model(&models.Device{}).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("device: count devices: %w", err)
	}
	created := newDefaultDevice(id, "", fmt.Sprintf("Device %d", count+1))
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(created).Error; err != nil {
		return nil, fmt.Errorf("device: create defaults for %s: %w", id, err)
	}
	// A concurrent first access may have inserted the row; read back the winner.
	if err := db.Where("id = ?", id).First(&dev).Error; err != nil {
		return nil, fmt.Errorf("device: get %s: %w", id, err)
	}
	return &dev, nil
}

// GetSettings returns the device's settings, creating defaults on first access.
func GetSettings(db *gorm.DB, id string) (*Settings, error) {
	dev, err := Ensure(db, id)
	if err != nil {
		return nil, err
	}
	return SettingsOf(dev), nil
}

// UpdateSettings merges patch over the current settings as a parent would.
func UpdateSettings(db *gorm.DB, id string, patch Patch) (*Settings, error) {
	return UpdateSettingsAs(db, id, patch, ActorParent)
}

// UpdateSettingsAs merges patch over the current settings. Last write wins.
// A child may not change anything while the device is admin-locked.
func UpdateSettingsAs(db *gorm.DB, id string, patch Patch, actor Actor) (*Settings, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	dev, err := Ensure(db, id)
	if err != nil {
		return nil, err
	}
	if actor == ActorChild && dev.AdminLocked {
		return nil, fmt.Errorf("device: update %s: %w", id, ErrAdminLocked)
	}
	if patch.Empty() {
		return SettingsOf(dev), nil
	}

	updates := map[string]interface{}{}
	if patch.Name != nil {
		dev.Name = strings.TrimSpace(*patch.Name)
		updates["name"] = dev.Name
	}
	if patch.AllowPrivacyMode != nil {
		dev.AllowPrivacyMode = *patch.AllowPrivacyMode
		updates["allow_privacy_mode"] = dev.AllowPrivacyMode
	}
	if patch.AllowEndCall != nil {
		dev.AllowEndCall = *patch.AllowEndCall
		updates["allow_end_call"] = dev.AllowEndCall
	}
	if patch.MaxCallDurationMinutes != nil {
		m := *patch.MaxCallDurationMinutes
		dev.MaxCallDurationMinutes = &m
		updates["max_call_duration_minutes"] = m
	}
	if patch.ClearMaxCallDuration {
		dev.MaxCallDurationMinutes = nil
		updates["max_call_duration_minutes"] = nil
	}
	if patch.AutoAcceptCalls != nil {
		dev.AutoAcceptCalls = *patch.AutoAcceptCalls
		updates["auto_accept_calls"] = dev.AutoAcceptCalls
	}
	if patch.AdminLocked != nil {
		dev.AdminLocked = *patch.AdminLocked
		updates["admin_locked"] = dev.AdminLocked
	}

	if err := db.Model(&models.Device{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("device: update settings %s: %w", id, err)
	}
	return SettingsOf(dev), nil
}

// List returns a parent's devices ordered by name. An empty parentID lists all.
func List(db *gorm.DB, parentID string) ([]models.Device, error) {
	q := db.Order("name ASC, id ASC")
	if parentID != "" {
		q = q.Where("parent_id = ?", parentID)
	}
	var devices []models.Device
	if err := q.Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	return devices, nil
}

// SettingsOf projects a device row onto its settings.
func SettingsOf(dev *models.Device) *Settings {
	s := &Settings{
		DeviceID:         dev.ID,
		DeviceName:       dev.Name,
		AllowPrivacyMode: dev.AllowPrivacyMode,
		AllowEndCall:     dev.AllowEndCall,
		AutoAcceptCalls:  dev.AutoAcceptCalls,
		AdminLocked:      dev.AdminLocked,
	}
	if dev.MaxCallDurationMinutes != nil {
		m := *dev.MaxCallDurationMinutes
		s.MaxCallDurationMinutes = &m
	}
	return s
}

// DeriveStatus computes the status shown to parents. Privacy wins over online.
func DeriveStatus(hasOpenSession, privacyActive bool) Status {
	switch {
	case privacyActive:
		return StatusPrivacy
	case hasOpenSession:
		return StatusOnline
	default:
		return StatusOffline
	}
}

func newDefaultDevice(id, parentID, name string) *models.Device {
	return &models.Device{
		ID:               id,
		ParentID:         parentID,
		Name:             name,
		AllowPrivacyMode: true,
		AllowEndCall:     true,
		AutoAcceptCalls:  true,
		AdminLocked:      false,
	}
}

// generateUniqueID generates an ID and regenerates on collision. Collisions
// beyond the retry budget are a hard error, never a merge.
func generateUniqueID(db *gorm.DB) (string, error) {
	for range 3 {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Device{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("device: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("device: failed to generate unique ID after 3 attempts")
}
