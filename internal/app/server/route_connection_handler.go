package server

import (
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
)

func (s *Server) getConnections(w http.ResponseWriter, r *http.Request) {
	blocked, err := s.deps.Blacklist.BlockedAddresses(r.Context())
	if err != nil {
		log.Debug("Blocked addresses unreadable, connections listed unflagged", "error", err)
	}
	conns, err := s.deps.Connections.Connections(r.Context(), blocked)
	if err != nil {
		writeFailure(w, err)
		return
	}
	blockedCount := 0
	for _, c := range conns {
		if c.Blocked {
			blockedCount++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": conns,
		"count":       len(conns),
		"blocked":     blockedCount,
	})
}

func (s *Server) killConnection(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(r.URL.Query().Get("pid"))
	if err != nil || pid <= 0 {
		writeError(w, "pid must be a positive integer", http.StatusBadRequest)
		return
	}
	if err := s.deps.Connections.KillProcess(r.Context(), pid); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pid": pid, "terminated": true})
}
