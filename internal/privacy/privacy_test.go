package privacy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/nestwatch/internal/db"
	"github.com/zulandar/nestwatch/internal/device"
	"github.com/zulandar/nestwatch/internal/session"
)

type fakeSettings struct {
	mu       sync.Mutex
	settings map[string]*device.Settings
	err      error
}

func (f *fakeSettings) GetSettings(id string) (*device.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.settings[id]; ok {
		return s, nil
	}
	return &device.Settings{DeviceID: id, AllowPrivacyMode: true}, nil
}

// tick advances the device's current window by one second, as the
// scheduler would.
func (t *Timer) tick(deviceID string) {
	t.mu.Lock()
	w, ok := t.windows[deviceID]
	t.mu.Unlock()
	if ok {
		t.advance(w)
	}
}

// entries returns how many cron entries are scheduled.
func (t *Timer) entries() int {
	return len(t.cron.Entries())
}

func newTestTimer(t *testing.T, opts Opts) *Timer {
	t.Helper()
	if opts.Settings == nil {
		opts.Settings = &fakeSettings{}
	}
	tm := New(opts)
	t.Cleanup(tm.Stop)
	return tm
}

func TestEnable_Window(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tm := newTestTimer(t, Opts{Now: func() time.Time { return now }})

	w, err := tm.Enable("DEV-1", 15)
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !w.Active || w.Minutes != 15 || w.RemainingSeconds != 900 {
		t.Errorf("window = %+v", w)
	}
	if !w.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", w.StartedAt, now)
	}
	if !tm.Active("DEV-1") {
		t.Error("Active = false after Enable")
	}
	if tm.Active("DEV-2") {
		t.Error("another device reports active")
	}
	if n := tm.entries(); n != 1 {
		t.Errorf("cron entries = %d, want 1", n)
	}
}

func TestEnable_InvalidMinutes(t *testing.T) {
	tm := newTestTimer(t, Opts{MaxMinutes: 60})

	for _, m := range []int{0, -3, 61} {
		_, err := tm.Enable("DEV-1", m)
		if !errors.Is(err, ErrInvalidMinutes) {
			t.Errorf("Enable(%d) error = %v, want ErrInvalidMinutes", m, err)
		}
	}
	if tm.Active("DEV-1") {
		t.Error("invalid enable left a window behind")
	}
}

func TestEnable_NotAllowed(t *testing.T) {
	src := &fakeSettings{settings: map[string]*device.Settings{
		"DEV-1": {DeviceID: "DEV-1", AllowPrivacyMode: false},
	}}
	tm := newTestTimer(t, Opts{Settings: src})

	_, err := tm.Enable("DEV-1", 5)
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("error = %v, want ErrNotAllowed", err)
	}
	if tm.Active("DEV-1") {
		t.Error("window opened despite setting")
	}
}

func TestEnable_SettingsError(t *testing.T) {
	tm := newTestTimer(t, Opts{Settings: &fakeSettings{err: errors.New("db down")}})

	if _, err := tm.Enable("DEV-1", 5); err == nil {
		t.Fatal("expected settings lookup error")
	}
}

func TestEnable_ReplacesWindow(t *testing.T) {
	tm := newTestTimer(t, Opts{})

	tm.Enable("DEV-1", 5)
	tm.tick("DEV-1")
	w, err := tm.Enable("DEV-1", 10)
	if err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if w.RemainingSeconds != 600 {
		t.Errorf("RemainingSeconds = %d, want 600", w.RemainingSeconds)
	}
	if n := tm.entries(); n != 1 {
		t.Errorf("cron entries = %d, want 1 after replace", n)
	}
}

func TestTick_Decrements(t *testing.T) {
	tm := newTestTimer(t, Opts{})
	tm.Enable("DEV-1", 1)

	for i := 0; i < 10; i++ {
		tm.tick("DEV-1")
	}
	w, ok := tm.Remaining("DEV-1")
	if !ok {
		t.Fatal("window gone too early")
	}
	if w.RemainingSeconds != 50 {
		t.Errorf("RemainingSeconds = %d, want 50", w.RemainingSeconds)
	}
}

func TestTick_ExpiresAtZero(t *testing.T) {
	var mu sync.Mutex
	var expired []string
	tm := newTestTimer(t, Opts{OnExpire: func(id string) {
		mu.Lock()
		expired = append(expired, id)
		mu.Unlock()
	}})
	tm.Enable("DEV-1", 1)

	for i := 0; i < 59; i++ {
		tm.tick("DEV-1")
	}
	if !tm.Active("DEV-1") {
		t.Fatal("window expired one tick early")
	}
	tm.tick("DEV-1")

	if tm.Active("DEV-1") {
		t.Error("window still active after minutes*60 ticks")
	}
	if n := tm.entries(); n != 0 {
		t.Errorf("cron entries = %d, want 0 after expiry", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != "DEV-1" {
		t.Errorf("OnExpire calls = %v, want [DEV-1]", expired)
	}
}

func TestTick_StaleWindowIgnored(t *testing.T) {
	tm := newTestTimer(t, Opts{})
	tm.Enable("DEV-1", 1)

	tm.mu.Lock()
	stale := tm.windows["DEV-1"]
	tm.mu.Unlock()

	tm.Enable("DEV-1", 1)
	tm.advance(stale)

	w, _ := tm.Remaining("DEV-1")
	if w.RemainingSeconds != 60 {
		t.Errorf("RemainingSeconds = %d, want 60; stale tick must not count", w.RemainingSeconds)
	}
}

func TestDisable(t *testing.T) {
	tm := newTestTimer(t, Opts{})
	tm.Enable("DEV-1", 5)

	if !tm.Disable("DEV-1") {
		t.Error("Disable returned false for an active window")
	}
	if tm.Active("DEV-1") {
		t.Error("window still active after Disable")
	}
	if n := tm.entries(); n != 0 {
		t.Errorf("cron entries = %d, want 0 after Disable", n)
	}
	if tm.Disable("DEV-1") {
		t.Error("second Disable returned true")
	}
	w, ok := tm.Remaining("DEV-1")
	if ok || w.Active || w.RemainingSeconds != 0 {
		t.Errorf("Remaining after Disable = %+v, %v", w, ok)
	}
}

func TestReset(t *testing.T) {
	tm := newTestTimer(t, Opts{})
	tm.Enable("DEV-1", 5)
	tm.Reset("DEV-1")
	if tm.Active("DEV-1") {
		t.Error("window still active after Reset")
	}
}

func TestStop_ClearsEverything(t *testing.T) {
	tm := New(Opts{Settings: &fakeSettings{}})
	tm.Enable("DEV-1", 5)
	tm.Enable("DEV-2", 5)

	tm.Stop()

	if tm.Active("DEV-1") || tm.Active("DEV-2") {
		t.Error("windows survived Stop")
	}
	if n := tm.entries(); n != 0 {
		t.Errorf("cron entries = %d, want 0", n)
	}
}

func TestStart_TicksInBackground(t *testing.T) {
	expired := make(chan string, 1)
	tm := newTestTimer(t, Opts{OnExpire: func(id string) { expired <- id }})
	tm.Start()

	tm.Enable("DEV-1", 1)
	// Fast-forward to the final second so the real scheduler finishes it.
	for i := 0; i < 59; i++ {
		tm.tick("DEV-1")
	}

	select {
	case id := <-expired:
		if id != "DEV-1" {
			t.Errorf("expired %q, want DEV-1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("window did not expire from the scheduler")
	}
}

func TestExpiry_AdmitsSessionAgain(t *testing.T) {
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	expired := make(chan string, 1)
	tm := newTestTimer(t, Opts{
		Settings: SettingsFunc(func(id string) (*device.Settings, error) {
			return device.GetSettings(gdb, id)
		}),
		OnExpire: func(id string) { expired <- id },
	})
	coord := session.New(session.Opts{DB: gdb, Privacy: tm})
	ctx := context.Background()

	if _, err := tm.Enable("DEV-1", 1); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	res, err := coord.Start(ctx, "DEV-1", "parent-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Refusal != session.RefusedPrivacy {
		t.Fatalf("Refusal = %q, want %q", res.Refusal, session.RefusedPrivacy)
	}

	for i := 0; i < 59; i++ {
		tm.tick("DEV-1")
	}
	if res, _ := coord.Start(ctx, "DEV-1", "parent-1"); res.Admitted() {
		t.Fatal("session admitted with one second of privacy left")
	}

	tm.tick("DEV-1")
	if id := <-expired; id != "DEV-1" {
		t.Errorf("expired %q, want DEV-1", id)
	}
	res, err = coord.Start(ctx, "DEV-1", "parent-1")
	if err != nil {
		t.Fatalf("Start after expiry: %v", err)
	}
	if !res.Admitted() {
		t.Errorf("Start after expiry refused: %s", res.Refusal)
	}
	if status, _ := coord.DeviceStatus(ctx, "DEV-1"); status != device.StatusOnline {
		t.Errorf("status = %q, want online", status)
	}
}
