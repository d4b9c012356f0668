// Package monitor drives periodic scan cycles.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"rdpguard/internal/metrics"
)

const (
	MinInterval     = time.Minute
	DefaultInterval = 10 * time.Minute
)

// Ticker is the subset of time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type TickerFactory func(d time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time   { return t.t.C }
func (t timeTicker) Reset(d time.Duration) { t.t.Reset(d) }
func (t timeTicker) Stop()                 { t.t.Stop() }

func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

type Options struct {
	Enabled   bool
	Interval  time.Duration
	NewTicker TickerFactory
}

// Scheduler runs at most one scan at a time. A tick that arrives while a
// scan is pending or running is dropped, not queued.
type Scheduler struct {
	scan      func(ctx context.Context) error
	newTicker TickerFactory

	mu       sync.Mutex
	enabled  bool
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	scanning atomic.Bool
	requests chan string
	changed  chan struct{}
	dropped  atomic.Uint64
	lastRun  atomic.Value
}

func New(scan func(ctx context.Context) error, opts Options) *Scheduler {
	if opts.NewTicker == nil {
		opts.NewTicker = NewTimeTicker
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	return &Scheduler{
		scan:      scan,
		newTicker: opts.NewTicker,
		enabled:   opts.Enabled,
		interval:  clampInterval(opts.Interval),
		requests:  make(chan string, 1),
		changed:   make(chan struct{}, 1),
	}
}

func clampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}

// Start launches the timer and the scan worker. When monitoring is enabled
// a first scan is requested immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	enabled := s.enabled
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.worker(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.timerLoop(ctx)
	}()

	if enabled {
		s.request("startup")
	}
}

// Stop halts the timer and waits for an in-flight scan to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

// SetEnabled turns periodic scanning on or off. Enabling requests one
// immediate scan; disabling leaves an in-flight scan running.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	was := s.enabled
	s.enabled = enabled
	s.mu.Unlock()

	if was == enabled {
		return
	}
	log.Info("Monitoring toggled", "enabled", enabled)
	if enabled {
		s.request("enabled")
	}
	s.signalChange()
}

// SetInterval re-arms the timer without triggering a scan. Intervals below
// MinInterval are clamped.
func (s *Scheduler) SetInterval(d time.Duration) {
	d = clampInterval(d)

	s.mu.Lock()
	if s.interval == d {
		s.mu.Unlock()
		return
	}
	s.interval = d
	s.mu.Unlock()

	log.Info("Monitor interval updated", "interval", d)
	s.signalChange()
}

// TriggerNow requests a scan outside the schedule. It returns false when a
// scan is already pending or running.
func (s *Scheduler) TriggerNow() bool {
	return s.request("manual")
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) Scanning() bool {
	return s.scanning.Load()
}

// Dropped counts requests rejected because a scan was in flight.
func (s *Scheduler) Dropped() uint64 {
	return s.dropped.Load()
}

// LastRun is the completion time of the most recent scan, zero before the first.
func (s *Scheduler) LastRun() time.Time {
	t, _ := s.lastRun.Load().(time.Time)
	return t
}

func (s *Scheduler) request(reason string) bool {
	if !s.scanning.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		metrics.ScanTicksDropped.Inc()
		log.Debug("Scan request dropped, scan in flight", "reason", reason)
		return false
	}
	// The flag admits a single request, so the slot is always free here.
	s.requests <- reason
	return true
}

func (s *Scheduler) signalChange() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-s.requests:
			s.runScan(ctx, reason)
		}
	}
}

func (s *Scheduler) runScan(ctx context.Context, reason string) {
	defer s.scanning.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Scan panicked", "reason", reason, "panic", r)
		}
	}()

	started := time.Now()
	err := s.scan(ctx)
	s.lastRun.Store(time.Now())

	switch {
	case err == nil:
		log.Debug("Scan finished", "reason", reason, "took", time.Since(started))
	case errors.Is(err, context.Canceled):
		log.Info("Scan canceled", "reason", reason)
	default:
		log.Error("Scan failed", "reason", reason, "error", err)
	}
}

func (s *Scheduler) timerLoop(ctx context.Context) {
	var (
		ticker  Ticker
		tickC   <-chan time.Time
		current time.Duration
	)
	stop := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickC = nil
		}
	}
	defer stop()

	apply := func() {
		s.mu.Lock()
		enabled, interval := s.enabled, s.interval
		s.mu.Unlock()

		switch {
		case !enabled:
			stop()
		case ticker == nil:
			ticker = s.newTicker(interval)
			tickC = ticker.C()
			current = interval
		case interval != current:
			ticker.Reset(interval)
			current = interval
		}
	}
	apply()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.changed:
			apply()
		case <-tickC:
			s.request("scheduled")
		}
	}
}
