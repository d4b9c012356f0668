package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMonitorInterval = 10 * time.Minute
	minMonitorInterval     = time.Minute
)

var (
	monitorInterval          atomic.Value
	monitoringEnabled        atomic.Bool
	monitorIntervalListeners []chan time.Duration
	monitoringListeners      []chan bool
	listenersMu              sync.Mutex
)

func init() {
	monitorInterval.Store(defaultMonitorInterval)
}

func publishSchedule(cfg Config) {
	setMonitorInterval(CalculateMonitorInterval(cfg.Blacklist))
	setMonitoringEnabled(cfg.Blacklist.MonitoringEnabled)
}

// CalculateMonitorInterval converts the configured minutes, enforcing the
// one-minute floor.
func CalculateMonitorInterval(settings BlacklistSettings) time.Duration {
	interval := time.Duration(settings.MonitorIntervalMinutes) * time.Minute
	if interval < minMonitorInterval {
		interval = minMonitorInterval
	}
	return interval
}

// ScanLookback is the audit window each scan covers.
func ScanLookback() time.Duration {
	hours := GetConfig().Blacklist.ScanHours
	if hours == 0 {
		hours = DefaultScanHours
	}
	return time.Duration(hours) * time.Hour
}

func GetMonitorInterval() time.Duration {
	return monitorInterval.Load().(time.Duration)
}

// MonitorIntervalUpdates delivers the current interval immediately and every
// change after it. Slow readers only miss intermediate values.
func MonitorIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	defer listenersMu.Unlock()
	replaceLatest(ch, GetMonitorInterval())
	monitorIntervalListeners = append(monitorIntervalListeners, ch)
	return ch
}

func setMonitorInterval(interval time.Duration) {
	if interval < minMonitorInterval {
		interval = minMonitorInterval
	}
	if GetMonitorInterval() == interval {
		return
	}
	monitorInterval.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range monitorIntervalListeners {
		replaceLatest(ch, interval)
	}
}

func IsMonitoringEnabled() bool {
	return monitoringEnabled.Load()
}

func MonitoringUpdates() <-chan bool {
	ch := make(chan bool, 1)
	listenersMu.Lock()
	defer listenersMu.Unlock()
	replaceLatest(ch, IsMonitoringEnabled())
	monitoringListeners = append(monitoringListeners, ch)
	return ch
}

func setMonitoringEnabled(enabled bool) {
	if monitoringEnabled.Swap(enabled) == enabled {
		return
	}

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range monitoringListeners {
		replaceLatest(ch, enabled)
	}
}

// replaceLatest leaves only v in the single-slot channel ch.
func replaceLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
