package config

import (
	"path/filepath"
	"testing"
	"time"
)

func isolateConfig(t *testing.T) {
	t.Helper()

	origCfg := GetConfig()
	origPath := SettingsPath()
	origInterval := GetMonitorInterval()
	origMonitoring := IsMonitoringEnabled()

	listenersMu.Lock()
	origIntervalListeners := monitorIntervalListeners
	origMonitoringListeners := monitoringListeners
	origConfigListeners := configListeners
	monitorIntervalListeners = nil
	monitoringListeners = nil
	configListeners = nil
	listenersMu.Unlock()

	SetSettingsPath(filepath.Join(t.TempDir(), "settings.json"))

	t.Cleanup(func() {
		configValue.Store(origCfg)
		settingsPath.Store(origPath)
		monitorInterval.Store(origInterval)
		monitoringEnabled.Store(origMonitoring)
		listenersMu.Lock()
		monitorIntervalListeners = origIntervalListeners
		monitoringListeners = origMonitoringListeners
		configListeners = origConfigListeners
		listenersMu.Unlock()
	})
}

func TestCalculateMonitorInterval(t *testing.T) {
	t.Run("enforces minimum interval", func(t *testing.T) {
		if got := CalculateMonitorInterval(BlacklistSettings{}); got != time.Minute {
			t.Fatalf("CalculateMonitorInterval returned %s, want 1m", got)
		}
	})

	t.Run("returns configured duration", func(t *testing.T) {
		if got := CalculateMonitorInterval(BlacklistSettings{MonitorIntervalMinutes: 15}); got != 15*time.Minute {
			t.Fatalf("CalculateMonitorInterval returned %s, want 15m", got)
		}
	})
}

func TestMonitorIntervalUpdates(t *testing.T) {
	isolateConfig(t)

	updates := MonitorIntervalUpdates()
	if got := <-updates; got != GetMonitorInterval() {
		t.Fatalf("first update = %s, want current %s", got, GetMonitorInterval())
	}

	cfg := GetConfig()
	cfg.Blacklist.MonitorIntervalMinutes = 3
	if err := applyConfigUpdate(cfg, configUpdateOptions{}); err != nil {
		t.Fatalf("applyConfigUpdate returned error: %v", err)
	}
	cfg.Blacklist.MonitorIntervalMinutes = 7
	if err := applyConfigUpdate(cfg, configUpdateOptions{}); err != nil {
		t.Fatalf("applyConfigUpdate returned error: %v", err)
	}

	select {
	case got := <-updates:
		if got != 7*time.Minute {
			t.Fatalf("update = %s, want latest 7m", got)
		}
	default:
		t.Fatal("no interval update delivered")
	}
}

func TestMonitoringUpdatesKeepLatestValue(t *testing.T) {
	isolateConfig(t)

	cfg := GetConfig()
	cfg.Blacklist.MonitoringEnabled = false
	if err := applyConfigUpdate(cfg, configUpdateOptions{}); err != nil {
		t.Fatalf("applyConfigUpdate returned error: %v", err)
	}

	updates := MonitoringUpdates()
	<-updates

	for _, enabled := range []bool{true, false, true, false} {
		cfg.Blacklist.MonitoringEnabled = enabled
		if err := applyConfigUpdate(cfg, configUpdateOptions{}); err != nil {
			t.Fatalf("applyConfigUpdate returned error: %v", err)
		}
	}

	if got := <-updates; got {
		t.Fatal("MonitoringUpdates delivered a stale value, want false")
	}
}

func TestScanLookback(t *testing.T) {
	isolateConfig(t)

	cfg := GetConfig()
	cfg.Blacklist.ScanHours = 6
	if err := applyConfigUpdate(cfg, configUpdateOptions{}); err != nil {
		t.Fatalf("applyConfigUpdate returned error: %v", err)
	}
	if got := ScanLookback(); got != 6*time.Hour {
		t.Fatalf("ScanLookback returned %s, want 6h", got)
	}
}

func TestListenerRegistrationDuringPublish(t *testing.T) {
	isolateConfig(t)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		enabled := false
		for {
			select {
			case <-done:
				return
			default:
			}
			enabled = !enabled
			setMonitoringEnabled(enabled)
			setMonitorInterval(time.Duration(1+int(time.Now().UnixNano()%5)) * time.Minute)
		}
	}()

	registered := make(chan struct{})
	go func() {
		defer close(registered)
		for i := 0; i < 2000; i++ {
			<-MonitoringUpdates()
			<-MonitorIntervalUpdates()
		}
	}()

	select {
	case <-registered:
	case <-time.After(5 * time.Second):
		t.Fatal("listener registration blocked while values were being published")
	}
	close(done)
	<-stopped

	if got := <-MonitoringUpdates(); got != IsMonitoringEnabled() {
		t.Fatalf("MonitoringUpdates delivered %v, want %v", got, IsMonitoringEnabled())
	}
}
