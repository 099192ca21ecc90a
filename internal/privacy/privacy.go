// Package privacy runs per-device privacy-mode countdowns. While a device's
// window is active, new monitoring sessions are refused.
package privacy

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/nestwatch/internal/device"
	"github.com/zulandar/nestwatch/internal/metrics"
)

var (
	// ErrNotAllowed is returned when the device's settings forbid privacy mode.
	ErrNotAllowed = errors.New("privacy mode is not allowed on this device")
	// ErrInvalidMinutes is returned for window lengths outside 1..MaxMinutes.
	ErrInvalidMinutes = errors.New("invalid privacy minutes")
)

// DefaultMaxMinutes bounds a window when Opts.MaxMinutes is unset.
const DefaultMaxMinutes = 240

// SettingsSource looks up a device's current settings.
type SettingsSource interface {
	GetSettings(deviceID string) (*device.Settings, error)
}

// SettingsFunc adapts a function to SettingsSource.
type SettingsFunc func(deviceID string) (*device.Settings, error)

// GetSettings calls f.
func (f SettingsFunc) GetSettings(deviceID string) (*device.Settings, error) {
	return f(deviceID)
}

// Window is a snapshot of one device's privacy countdown.
type Window struct {
	DeviceID         string    `json:"device_id"`
	Active           bool      `json:"active"`
	Minutes          int       `json:"minutes"`
	RemainingSeconds int       `json:"remaining_seconds"`
	StartedAt        time.Time `json:"started_at"`
}

// Opts configures a Timer.
type Opts struct {
	Settings   SettingsSource
	OnExpire   func(deviceID string) // called outside the timer lock
	MaxMinutes int
	Now        func() time.Time
}

// Timer owns every device's privacy window. Each window is driven by its own
// once-per-second cron entry.
type Timer struct {
	opts Opts
	cron *cron.Cron

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	Window
	entry cron.EntryID
}

// New creates a Timer. Call Start to begin ticking.
func New(opts Opts) *Timer {
	if opts.MaxMinutes <= 0 {
		opts.MaxMinutes = DefaultMaxMinutes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Timer{
		opts:    opts,
		cron:    cron.New(),
		windows: make(map[string]*window),
	}
}

// Start begins running scheduled ticks in the background.
func (t *Timer) Start() {
	t.cron.Start()
}

// Stop cancels every window and waits for running ticks to finish.
func (t *Timer) Stop() {
	t.mu.Lock()
	for id, w := range t.windows {
		t.cron.Remove(w.entry)
		delete(t.windows, id)
		metrics.PrivacyWindowsActive.Dec()
	}
	t.mu.Unlock()
	<-t.cron.Stop().Done()
}

// Enable opens a privacy window on behalf of a parent.
func (t *Timer) Enable(deviceID string, minutes int) (Window, error) {
	return t.EnableAs(deviceID, minutes, device.ActorParent)
}

// EnableAs opens a privacy window of the given length, replacing any window
// already running for the device. The device must allow privacy mode.
func (t *Timer) EnableAs(deviceID string, minutes int, actor device.Actor) (Window, error) {
	if minutes < 1 || minutes > t.opts.MaxMinutes {
		return Window{}, fmt.Errorf("privacy: enable %s: %w: must be 1-%d, got %d",
			deviceID, ErrInvalidMinutes, t.opts.MaxMinutes, minutes)
	}
	if t.opts.Settings != nil {
		s, err := t.opts.Settings.GetSettings(deviceID)
		if err != nil {
			return Window{}, fmt.Errorf("privacy: enable %s: %w", deviceID, err)
		}
		if !s.AllowPrivacyMode {
			return Window{}, fmt.Errorf("privacy: enable %s: %w", deviceID, ErrNotAllowed)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.windows[deviceID]; ok {
		t.cron.Remove(old.entry)
		metrics.PrivacyWindowsActive.Dec()
	}
	w := &window{Window: Window{
		DeviceID:         deviceID,
		Active:           true,
		Minutes:          minutes,
		RemainingSeconds: minutes * 60,
		StartedAt:        t.opts.Now(),
	}}
	w.entry = t.cron.Schedule(cron.Every(time.Second), cron.FuncJob(func() {
		t.advance(w)
	}))
	t.windows[deviceID] = w
	metrics.PrivacyWindowsActive.Inc()

	log.Printf("privacy: %s enabled for %d minutes by %s", deviceID, minutes, actor)
	return w.Window, nil
}

// Disable cancels the device's window. It reports whether one was active.
func (t *Timer) Disable(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[deviceID]
	if !ok {
		return false
	}
	t.cron.Remove(w.entry)
	delete(t.windows, deviceID)
	metrics.PrivacyWindowsActive.Dec()
	log.Printf("privacy: %s disabled", deviceID)
	return true
}

// Reset clears any window once the device no longer allows privacy mode.
func (t *Timer) Reset(deviceID string) {
	t.Disable(deviceID)
}

// Active reports whether the device is inside a privacy window.
func (t *Timer) Active(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.windows[deviceID]
	return ok
}

// Remaining returns a snapshot of the device's window, if any.
func (t *Timer) Remaining(deviceID string) (Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[deviceID]
	if !ok {
		return Window{DeviceID: deviceID}, false
	}
	return w.Window, true
}

// advance decrements w. A tick from a window that has since been replaced or
// disabled is ignored.
func (t *Timer) advance(w *window) {
	t.mu.Lock()
	if t.windows[w.DeviceID] != w {
		t.mu.Unlock()
		return
	}
	w.RemainingSeconds--
	if w.RemainingSeconds > 0 {
		t.mu.Unlock()
		return
	}
	t.cron.Remove(w.entry)
	delete(t.windows, w.DeviceID)
	metrics.PrivacyWindowsActive.Dec()
	metrics.PrivacyWindowsExpired.Inc()
	t.mu.Unlock()

	log.Printf("privacy: %s window expired", w.DeviceID)
	if t.opts.OnExpire != nil {
		t.opts.OnExpire(w.DeviceID)
	}
}
