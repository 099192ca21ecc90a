package db

import (
	"fmt"

	"github.com/zulandar/nestwatch/internal/config"
	"github.com/zulandar/nestwatch/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model nestwatch persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.Device{},
		&models.MonitoringSession{},
		&models.ActivityLogEntry{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedDevices upserts Device rows from configuration. Only the name and
// owning parent are written on conflict; settings changed at runtime survive.
func SeedDevices(db *gorm.DB, devices []config.DeviceConfig) error {
	for _, dc := range devices {
		name := dc.Name
		if name == "" {
			name = dc.ID
		}
		dev := models.Device{
			ID:               dc.ID,
			ParentID:         dc.ParentID,
			Name:             name,
			AllowPrivacyMode: true,
			AllowEndCall:     true,
			AutoAcceptCalls:  true,
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "parent_id"}),
		}).Create(&dev)
		if result.Error != nil {
			return fmt.Errorf("db: seed device %q: %w", dc.ID, result.Error)
		}
	}
	return nil
}
