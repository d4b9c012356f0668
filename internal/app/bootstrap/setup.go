package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"

	"rdpguard/internal/audit"
	"rdpguard/internal/blacklist"
	"rdpguard/internal/config"
	"rdpguard/internal/database"
	"rdpguard/internal/enforcer"
	"rdpguard/internal/firewall"
	"rdpguard/internal/geolite"
	"rdpguard/internal/monitor"
	"rdpguard/internal/support"
	"rdpguard/internal/whitelist"
)

// Firewall backends selectable with FIREWALL_BACKEND.
const (
	BackendNetsh    = "netsh"
	BackendDatabase = "database"
	BackendMemory   = "memory"
)

type Components struct {
	Backend     string
	Policy      *firewall.Policy
	Source      audit.Source
	Preferences *config.Preferences
	Blacklist   *blacklist.Engine
	Whitelist   *whitelist.Engine
	Scheduler   *monitor.Scheduler
	Connections enforcer.Table
	Locator     *geolite.Locator

	closers []func() error
}

// Close releases the database handle and GeoLite readers.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func defaultBackend() string {
	if runtime.GOOS == "windows" {
		return BackendNetsh
	}
	return BackendMemory
}

// Setup builds every component from the loaded settings and environment.
// Nothing is started.
func Setup() (*Components, error) {
	c := &Components{
		Backend:     strings.ToLower(support.GetEnv("FIREWALL_BACKEND", defaultBackend())),
		Preferences: config.NewPreferences(),
		Source:      audit.NewEventLogSource(support.RunCommand),
	}
	group := config.GetConfig().Service.RuleGroup

	var (
		store firewall.Store
		table enforcer.Table = enforcer.Noop{}
	)
	switch c.Backend {
	case BackendNetsh:
		store = firewall.NewNetshStore(support.RunCommand, group)
		table = enforcer.NewConnectionEnforcer(support.RunCommand)
	case BackendDatabase:
		db, err := database.SetupDB()
		if err != nil {
			return nil, fmt.Errorf("failed to set up database: %w", err)
		}
		sqlDB, err := db.DB()
		if err == nil {
			c.closers = append(c.closers, sqlDB.Close)
		}
		store = database.NewRuleStore(db, group)
	case BackendMemory:
		log.Warn("Using in-memory firewall backend; rules are not applied to the host")
		store = firewall.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown FIREWALL_BACKEND %q", c.Backend)
	}
	log.Info("Firewall backend selected", "backend", c.Backend, "service_group", group)

	c.Connections = table
	c.Policy = firewall.NewPolicy(store)
	c.Blacklist = blacklist.NewEngine(blacklist.Options{
		Policy:      c.Policy,
		Source:      c.Source,
		Enforcer:    table,
		Preferences: c.Preferences,
	})
	c.Whitelist = whitelist.NewEngine(c.Policy, c.Preferences, c.Preferences)
	c.Scheduler = monitor.New(scanFunc(c.Blacklist), monitor.Options{
		Enabled:  config.IsMonitoringEnabled(),
		Interval: config.GetMonitorInterval(),
	})

	c.Locator = openLocator()
	if c.Locator != nil {
		c.closers = append(c.closers, c.Locator.Close)
	}
	return c, nil
}

func openLocator() *geolite.Locator {
	countryPath := support.GetEnv("GEOLITE_COUNTRY_DB", "")
	asnPath := support.GetEnv("GEOLITE_ASN_DB", "")
	if countryPath == "" && asnPath == "" {
		return nil
	}
	locator, err := geolite.Open(countryPath, asnPath)
	if err != nil {
		log.Warn("GeoLite databases unavailable, statistics will not carry locations", "error", err)
		return nil
	}
	return locator
}

func scanFunc(engine *blacklist.Engine) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		outcome, err := engine.ScanAndBlock(ctx, config.ScanLookback())
		if errors.Is(err, audit.ErrPermission) {
			log.Warn("Security log unreadable, run rdpguard elevated to enable scanning", "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("Blacklist scan completed",
			"attempts", outcome.Attempts,
			"failed", outcome.Failed,
			"new", len(outcome.NewTargets),
			"skipped_local", len(outcome.SkippedLocal),
			"unparsed", outcome.Unparsed,
			"terminated", outcome.Terminated,
			"blocked", outcome.TotalBlocked,
			"duration", outcome.Duration)
		return nil
	}
}

// Reconcile brings the allow rules in line with the settings and warms the
// blocked-address cache.
func (c *Components) Reconcile(ctx context.Context) {
	if err := c.Whitelist.Reconcile(ctx); err != nil {
		log.Error("Initial allow rule reconcile failed", "error", err)
	}
	if err := c.Blacklist.Refresh(ctx); err != nil {
		log.Warn("Could not read block rule", "error", err)
	}
}

// RunListeners applies settings changes to the scheduler and allow rules
// until ctx is done.
func (c *Components) RunListeners(ctx context.Context) error {
	monitoring := config.MonitoringUpdates()
	intervals := config.MonitorIntervalUpdates()
	updates := config.Updates()

	last := config.GetConfig()
	for {
		select {
		case <-ctx.Done():
			return nil
		case enabled := <-monitoring:
			c.Scheduler.SetEnabled(enabled)
		case interval := <-intervals:
			c.Scheduler.SetInterval(interval)
		case cfg := <-updates:
			if allowRulesChanged(last, cfg) {
				if _, err := c.Whitelist.ReconcileIfChanged(ctx); err != nil {
					log.Error("Allow rule reconcile after settings change failed", "error", err)
				}
			}
			last = cfg
		}
	}
}

func allowRulesChanged(prev, next config.Config) bool {
	return !reflect.DeepEqual(prev.Whitelist, next.Whitelist) || prev.Service.Port != next.Service.Port ||
		prev.Service.PortSource != next.Service.PortSource
}
