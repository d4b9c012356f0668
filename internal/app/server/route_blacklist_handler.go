package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"rdpguard/internal/api/dto"
)

func readAddress(r *http.Request) string {
	if addr := r.URL.Query().Get("address"); addr != "" {
		return strings.TrimSpace(addr)
	}
	var req dto.AddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ""
	}
	return strings.TrimSpace(req.Address)
}

func (s *Server) getBlacklist(w http.ResponseWriter, r *http.Request) {
	addresses, err := s.deps.Blacklist.BlockedAddresses(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.AddressList{Addresses: addresses, Count: len(addresses)})
}

func (s *Server) blockAddress(w http.ResponseWriter, r *http.Request) {
	addr := readAddress(r)
	if addr == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}
	added, err := s.deps.Blacklist.BlockAddress(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, dto.ChangeResult{Address: addr, Changed: added})
}

func (s *Server) unblockAddress(w http.ResponseWriter, r *http.Request) {
	addr := readAddress(r)
	if addr == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}
	removed, err := s.deps.Blacklist.UnblockAddress(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ChangeResult{Address: addr, Changed: removed})
}

func (s *Server) triggerScan(w http.ResponseWriter, _ *http.Request) {
	if !s.deps.Scheduler.TriggerNow() {
		writeError(w, "scan already in progress", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) terminateSessions(w http.ResponseWriter, r *http.Request) {
	killed, err := s.deps.Blacklist.TerminateBlockedSessions(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"terminated": killed})
}
