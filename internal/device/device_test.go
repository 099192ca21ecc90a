package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/zulandar/nestwatch/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Device{}, &models.MonitoringSession{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func TestGenerateID_Format(t *testing.T) {
	id, err := GenerateID()
	if err != nil {
		t.Fatalf("GenerateID() error: %v", err)
	}
	if !strings.HasPrefix(id, "DEV-") {
		t.Errorf("ID %q missing DEV- prefix", id)
	}
	// DEV- (4 chars) + 8 hex chars = 12 total
	if len(id) != 12 {
		t.Errorf("ID length = %d, want 12; id = %q", len(id), id)
	}
	for _, c := range id[4:] {
		if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')) {
			t.Errorf("ID %q contains non-uppercase-hex char %c", id, c)
		}
	}
	if err := ValidateID(id); err != nil {
		t.Errorf("generated ID fails validation: %v", err)
	}
}

func TestGenerateID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := GenerateID()
		if err != nil {
			t.Fatalf("GenerateID() iteration %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID %q on iteration %d", id, i)
		}
		seen[id] = true
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"DEV-0A1B2C3D", false},
		{"device-abc1234", false},
		{"tablet_1", false},
		{"", true},
		{"-leading-dash", true},
		{"has space", true},
		{"semi;colon", true},
		{strings.Repeat("a", 65), true},
		{strings.Repeat("a", 64), false},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidDeviceID) {
			t.Errorf("ValidateID(%q) error should wrap ErrInvalidDeviceID", tt.id)
		}
	}
}

func TestPatch_Validate(t *testing.T) {
	tests := []struct {
		name    string
		patch   Patch
		wantErr bool
	}{
		{"empty", Patch{}, false},
		{"valid cap", Patch{MaxCallDurationMinutes: intPtr(30)}, false},
		{"upper bound", Patch{MaxCallDurationMinutes: intPtr(MaxCallDurationLimit)}, false},
		{"negative cap", Patch{MaxCallDurationMinutes: intPtr(-1)}, true},
		{"zero cap", Patch{MaxCallDurationMinutes: intPtr(0)}, true},
		{"cap too large", Patch{MaxCallDurationMinutes: intPtr(MaxCallDurationLimit + 1)}, true},
		{"set and clear", Patch{MaxCallDurationMinutes: intPtr(5), ClearMaxCallDuration: true}, true},
		{"blank name", Patch{Name: strPtr("   ")}, true},
		{"long name", Patch{Name: strPtr(strings.Repeat("x", 129))}, true},
		{"good name", Patch{Name: strPtr("Kitchen tablet")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.patch.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("error should wrap ErrInvalidSettings: %v", err)
			}
		})
	}
}

func TestRegister_DefaultSettings(t *testing.T) {
	db := openTestDB(t)

	dev, err := Register(db, RegisterOpts{ParentID: "parent-1", Name: "Emma's tablet"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !strings.HasPrefix(dev.ID, "DEV-") {
		t.Errorf("ID = %q, want DEV- prefix", dev.ID)
	}
	if dev.ParentID != "parent-1" || dev.Name != "Emma's tablet" {
		t.Errorf("device = %+v", dev)
	}

	var stored models.Device
	if err := db.First(&stored, "id = ?", dev.ID).Error; err != nil {
		t.Fatalf("load device: %v", err)
	}
	if !stored.AllowPrivacyMode || !stored.AllowEndCall || !stored.AutoAcceptCalls || stored.AdminLocked {
		t.Errorf("stored defaults wrong: %+v", stored)
	}
	if stored.MaxCallDurationMinutes != nil {
		t.Errorf("MaxCallDurationMinutes = %v, want nil (unlimited)", *stored.MaxCallDurationMinutes)
	}
}

func TestRegister_GeneratedName(t *testing.T) {
	db := openTestDB(t)

	first, err := Register(db, RegisterOpts{ParentID: "p"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := Register(db, RegisterOpts{ParentID: "p"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.Name != "Device 1" || second.Name != "Device 2" {
		t.Errorf("names = %q, %q; want Device 1, Device 2", first.Name, second.Name)
	}
	if first.ID == second.ID {
		t.Fatal("two registrations produced the same ID")
	}
}

func TestGetSettings_CreatesDefaults(t *testing.T) {
	db := openTestDB(t)

	s, err := GetSettings(db, "never-seen")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if s.AdminLocked {
		t.Error("AdminLocked = true, want false")
	}
	if !s.AutoAcceptCalls {
		t.Error("AutoAcceptCalls = false, want true")
	}
	if !s.AllowPrivacyMode || !s.AllowEndCall {
		t.Errorf("defaults wrong: %+v", s)
	}
	if s.MaxCallDurationMinutes != nil {
		t.Error("MaxCallDurationMinutes should be nil (unlimited)")
	}
	if s.DeviceName != "Device 1" {
		t.Errorf("DeviceName = %q, want %q", s.DeviceName, "Device 1")
	}

	var count int64
	db.Model(&models.Device{}).Where("id = ?", "never-seen").Count(&count)
	if count != 1 {
		t.Errorf("device rows = %d, want 1 (lazily created)", count)
	}

	// A second read returns the same row rather than creating another.
	again, err := GetSettings(db, "never-seen")
	if err != nil {
		t.Fatalf("GetSettings again: %v", err)
	}
	if again.DeviceName != "Device 1" {
		t.Errorf("DeviceName changed to %q on second read", again.DeviceName)
	}
}

func TestGetSettings_InvalidID(t *testing.T) {
	db := openTestDB(t)

	_, err := GetSettings(db, "bad id!")
	if !errors.Is(err, ErrInvalidDeviceID) {
		t.Fatalf("error = %v, want ErrInvalidDeviceID", err)
	}
}

func TestGetSettings_ConcurrentFirstAccess(t *testing.T) {
	db := openTestDB(t)
	// One shared connection so every goroutine sees the same in-memory schema.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	const workers = 8
	for round := 0; round < 50; round++ {
		id := fmt.Sprintf("DEV-R%d", round)
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := GetSettings(db, id)
				if err != nil {
					errs <- err
					return
				}
				if s.DeviceID != id || !s.AllowPrivacyMode || !s.AutoAcceptCalls {
					errs <- fmt.Errorf("settings = %+v", s)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("round %d: GetSettings: %v", round, err)
		}
	}

	var count int64
	db.Model(&models.Device{}).Count(&count)
	if count != 50 {
		t.Errorf("device rows = %d, want 50", count)
	}
}

func TestUpdateSettings_MergesPartial(t *testing.T) {
	db := openTestDB(t)

	if _, err := GetSettings(db, "DEV-1"); err != nil {
		t.Fatalf("GetSettings: %v", err)
	}

	s, err := UpdateSettings(db, "DEV-1", Patch{
		AllowEndCall:           boolPtr(false),
		MaxCallDurationMinutes: intPtr(45),
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if s.AllowEndCall {
		t.Error("AllowEndCall = true, want false")
	}
	if s.MaxCallDurationMinutes == nil || *s.MaxCallDurationMinutes != 45 {
		t.Errorf("MaxCallDurationMinutes = %v, want 45", s.MaxCallDurationMinutes)
	}
	// Untouched fields keep their values.
	if !s.AllowPrivacyMode || !s.AutoAcceptCalls {
		t.Errorf("untouched fields changed: %+v", s)
	}

	reread, _ := GetSettings(db, "DEV-1")
	if reread.AllowEndCall || reread.MaxCallDurationMinutes == nil || *reread.MaxCallDurationMinutes != 45 {
		t.Errorf("update not persisted: %+v", reread)
	}
}

func TestUpdateSettings_FalseIsPersisted(t *testing.T) {
	db := openTestDB(t)

	if _, err := UpdateSettings(db, "DEV-1", Patch{
		AllowPrivacyMode: boolPtr(false),
		AutoAcceptCalls:  boolPtr(false),
	}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	var stored models.Device
	db.First(&stored, "id = ?", "DEV-1")
	if stored.AllowPrivacyMode || stored.AutoAcceptCalls {
		t.Errorf("false values not persisted: %+v", stored)
	}
}

func TestUpdateSettings_ClearCap(t *testing.T) {
	db := openTestDB(t)

	UpdateSettings(db, "DEV-1", Patch{MaxCallDurationMinutes: intPtr(10)})
	s, err := UpdateSettings(db, "DEV-1", Patch{ClearMaxCallDuration: true})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if s.MaxCallDurationMinutes != nil {
		t.Errorf("MaxCallDurationMinutes = %d, want nil", *s.MaxCallDurationMinutes)
	}
	reread, _ := GetSettings(db, "DEV-1")
	if reread.MaxCallDurationMinutes != nil {
		t.Error("cleared cap not persisted")
	}
}

func TestUpdateSettings_LastWriteWins(t *testing.T) {
	db := openTestDB(t)

	UpdateSettings(db, "DEV-1", Patch{Name: strPtr("first")})
	UpdateSettings(db, "DEV-1", Patch{Name: strPtr("second")})

	s, _ := GetSettings(db, "DEV-1")
	if s.DeviceName != "second" {
		t.Errorf("DeviceName = %q, want %q", s.DeviceName, "second")
	}
}

func TestUpdateSettings_RejectsNegativeDuration(t *testing.T) {
	db := openTestDB(t)

	_, err := UpdateSettings(db, "DEV-1", Patch{MaxCallDurationMinutes: intPtr(-10)})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("error = %v, want ErrInvalidSettings", err)
	}
	// Validation happens before the lazy create.
	var count int64
	db.Model(&models.Device{}).Count(&count)
	if count != 0 {
		t.Errorf("device rows = %d, want 0", count)
	}
}

func TestUpdateSettingsAs_AdminLocked(t *testing.T) {
	db := openTestDB(t)

	if _, err := UpdateSettings(db, "DEV-1", Patch{AdminLocked: boolPtr(true)}); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err := UpdateSettingsAs(db, "DEV-1", Patch{AllowPrivacyMode: boolPtr(false)}, ActorChild)
	if !errors.Is(err, ErrAdminLocked) {
		t.Fatalf("child update error = %v, want ErrAdminLocked", err)
	}

	// Parents are never locked out.
	s, err := UpdateSettingsAs(db, "DEV-1", Patch{AdminLocked: boolPtr(false)}, ActorParent)
	if err != nil {
		t.Fatalf("parent unlock: %v", err)
	}
	if s.AdminLocked {
		t.Error("AdminLocked still true after parent unlock")
	}

	if _, err := UpdateSettingsAs(db, "DEV-1", Patch{AllowPrivacyMode: boolPtr(false)}, ActorChild); err != nil {
		t.Fatalf("child update after unlock: %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := Get(db, "DEV-MISSING")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestList_ByParent(t *testing.T) {
	db := openTestDB(t)

	Register(db, RegisterOpts{ParentID: "p1", Name: "zebra"})
	Register(db, RegisterOpts{ParentID: "p1", Name: "alpha"})
	Register(db, RegisterOpts{ParentID: "p2", Name: "other"})

	devices, err := List(db, "p1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len = %d, want 2", len(devices))
	}
	if devices[0].Name != "alpha" || devices[1].Name != "zebra" {
		t.Errorf("order = %q, %q; want alpha, zebra", devices[0].Name, devices[1].Name)
	}

	all, _ := List(db, "")
	if len(all) != 3 {
		t.Errorf("List(all) len = %d, want 3", len(all))
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		open, privacy bool
		want          Status
	}{
		{false, false, StatusOffline},
		{true, false, StatusOnline},
		{false, true, StatusPrivacy},
		{true, true, StatusPrivacy},
	}
	for _, tt := range tests {
		if got := DeriveStatus(tt.open, tt.privacy); got != tt.want {
			t.Errorf("DeriveStatus(%v, %v) = %q, want %q", tt.open, tt.privacy, got, tt.want)
		}
	}
}

func TestParseActor(t *testing.T) {
	tests := []struct {
		in      string
		want    Actor
		wantErr bool
	}{
		{"", ActorParent, false},
		{"parent", ActorParent, false},
		{" Child ", ActorChild, false},
		{"system", ActorSystem, false},
		{"admin", "", true},
	}
	for _, tt := range tests {
		got, err := ParseActor(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseActor(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseActor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
