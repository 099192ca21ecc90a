package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	if got := f.Type.String(); got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestDevice_Fields(t *testing.T) {
	typ := reflect.TypeOf(Device{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:64")
	assertGormTag(t, typ, "ParentID", "index")
	assertGormTag(t, typ, "Name", "not null")
	assertGormTag(t, typ, "Sessions", "foreignKey:DeviceID")

	assertFieldType(t, typ, "MaxCallDurationMinutes", "*int")
	assertFieldType(t, typ, "LastConnectionAt", "*time.Time")
	assertFieldType(t, typ, "Sessions", "[]models.MonitoringSession")

	// Bool settings carry no gorm default; a default would swallow explicit false on create.
	for _, name := range []string{"AllowPrivacyMode", "AllowEndCall", "AutoAcceptCalls", "AdminLocked"} {
		assertFieldType(t, typ, name, "bool")
		if tag := gormTag(t, typ, name); strings.Contains(tag, "default") {
			t.Errorf("Device.%s gorm tag = %q, want no default", name, tag)
		}
	}
}

func TestMonitoringSession_Fields(t *testing.T) {
	typ := reflect.TypeOf(MonitoringSession{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "SessionID", "uniqueIndex")
	assertGormTag(t, typ, "SessionID", "not null")
	assertGormTag(t, typ, "DeviceID", "index:idx_device_started")
	assertGormTag(t, typ, "StartedAt", "index:idx_device_started")
	assertGormTag(t, typ, "OpenDeviceID", "uniqueIndex")
	assertGormTag(t, typ, "Status", "default:open")

	assertFieldType(t, typ, "OpenDeviceID", "*string")
	assertFieldType(t, typ, "EndedAt", "*time.Time")
	assertFieldType(t, typ, "DurationSeconds", "*int")
}

func TestActivityLogEntry_Fields(t *testing.T) {
	typ := reflect.TypeOf(ActivityLogEntry{})

	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "DeviceID", "index:idx_log_device_started")
	assertGormTag(t, typ, "StartedAt", "index:idx_log_device_started")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "Status", "not null")
	assertGormTag(t, typ, "Details", "type:json")

	assertFieldType(t, typ, "EndedAt", "*time.Time")
	assertFieldType(t, typ, "DurationSeconds", "*int")
}
