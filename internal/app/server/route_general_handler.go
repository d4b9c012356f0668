package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"rdpguard/internal/api/dto"
	"rdpguard/internal/config"
	"rdpguard/internal/firewall"
	"rdpguard/internal/stats"
)

const maxStatsHours = 24 * 365

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	managed, err := s.deps.Blacklist.IsManaged(ctx)
	if err != nil {
		log.Debug("Block rule state unreadable", "error", err)
	}
	blocked, err := s.deps.Blacklist.BlockedAddresses(ctx)
	if err != nil {
		log.Debug("Blocked addresses unreadable", "error", err)
	}
	allowed, err := s.deps.Whitelist.AllowedAddresses(ctx)
	if err != nil {
		log.Debug("Allow-list unreadable", "error", err)
	}
	port, _ := s.deps.Ports.Port(ctx)

	info := dto.DashboardInfo{
		Managed:                managed,
		WhitelistEnabled:       s.deps.Whitelist.IsEnabled(ctx),
		AllowedCount:           len(allowed),
		BlockedCount:           len(blocked),
		Port:                   port,
		MonitoringEnabled:      s.deps.Scheduler.Enabled(),
		MonitorIntervalMinutes: int(s.deps.Scheduler.Interval() / time.Minute),
		Scanning:               s.deps.Scheduler.Scanning(),
		DroppedTicks:           s.deps.Scheduler.Dropped(),
	}
	if last := s.deps.Scheduler.LastRun(); !last.IsZero() {
		info.LastScan = &last
	}
	writeJSON(w, http.StatusOK, info)
}

func getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func saveSettings(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	addresses, err := canonicalAllowList(cfg.Whitelist.Addresses)
	if err != nil {
		writeFailure(w, err)
		return
	}
	cfg.Whitelist.Addresses = addresses

	if err := config.SetConfig(cfg); err != nil {
		writeError(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, config.GetConfig())
}

// canonicalAllowList rejects the whole list when any entry is not an address
// or range.
func canonicalAllowList(list []string) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, raw := range list {
		target, err := firewall.ParseTarget(raw)
		if err != nil {
			return nil, fmt.Errorf("whitelist.addresses: %w", err)
		}
		out = append(out, target)
	}
	return out, nil
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	window := config.ScanLookback()
	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 || hours > maxStatsHours {
			writeError(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	attempts, err := s.deps.Source.Query(r.Context(), window)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats.Summarize(attempts, window, s.deps.Locator))
}

// restoreDefaults opens the guarded port to everyone and removes every block.
func (s *Server) restoreDefaults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var errs []error
	if err := s.deps.Whitelist.Reset(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.deps.Blacklist.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		writeFailure(w, err)
		return
	}
	log.Info("Firewall defaults restored")
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}
