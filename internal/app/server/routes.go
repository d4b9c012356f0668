package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"rdpguard/internal/audit"
	"rdpguard/internal/auth"
	"rdpguard/internal/blacklist"
	"rdpguard/internal/enforcer"
	"rdpguard/internal/firewall"
	"rdpguard/internal/geolite"
	"rdpguard/internal/monitor"
	"rdpguard/internal/whitelist"
)

// Deps are the components the API drives.
type Deps struct {
	Blacklist   *blacklist.Engine
	Whitelist   *whitelist.Engine
	Scheduler   *monitor.Scheduler
	Connections enforcer.Table
	Source      audit.Source
	Ports       whitelist.PortProvider
	Locator     *geolite.Locator
}

type Server struct {
	deps Deps
}

func New(deps Deps) *Server {
	return &Server{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps engine errors onto status codes.
func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, firewall.ErrInvalidAddress), errors.Is(err, blacklist.ErrLocalAddress):
		status = http.StatusBadRequest
	case errors.Is(err, firewall.ErrPermission), errors.Is(err, audit.ErrPermission), errors.Is(err, enforcer.ErrProtectedProcess):
		status = http.StatusForbidden
	case errors.Is(err, firewall.ErrUnavailable), errors.Is(err, audit.ErrUnavailable), errors.Is(err, enforcer.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error("API request failed", "error", err)
	}
	writeError(w, err.Error(), status)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()
	protect := func(h http.HandlerFunc) http.Handler { return auth.RequireAuth(h) }

	router.HandleFunc("POST /login", loginUser)
	router.HandleFunc("GET /version", getVersion)
	router.Handle("GET /metrics", promhttp.Handler())

	router.Handle("GET /status", protect(s.getStatus))

	router.Handle("GET /blacklist", protect(s.getBlacklist))
	router.Handle("POST /blacklist", protect(s.blockAddress))
	router.Handle("DELETE /blacklist", protect(s.unblockAddress))
	router.Handle("POST /blacklist/scan", protect(s.triggerScan))
	router.Handle("POST /blacklist/terminate", protect(s.terminateSessions))

	router.Handle("GET /connections", protect(s.getConnections))
	router.Handle("DELETE /connections", protect(s.killConnection))

	router.Handle("GET /whitelist", protect(s.getWhitelist))
	router.Handle("POST /whitelist", protect(s.allowAddress))
	router.Handle("DELETE /whitelist", protect(s.denyAddress))
	router.Handle("PUT /whitelist/enabled", protect(s.setWhitelistEnabled))

	router.Handle("GET /settings", protect(getSettings))
	router.Handle("PUT /settings", protect(saveSettings))
	router.Handle("GET /stats", protect(s.getStats))
	router.Handle("POST /restoreDefaults", protect(s.restoreDefaults))

	return enableCORS(router)
}

// Serve listens on port until ctx is done. maxConns caps concurrent
// connections when positive.
func (s *Server) Serve(ctx context.Context, port, maxConns int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Starting rdpguard API", "port", port, "max_connections", maxConns)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}
