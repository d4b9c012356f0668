package server

import (
	"encoding/json"
	"net/http"

	"rdpguard/internal/api/dto"
)

func (s *Server) getWhitelist(w http.ResponseWriter, r *http.Request) {
	addresses, err := s.deps.Whitelist.AllowedAddresses(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   s.deps.Whitelist.IsEnabled(r.Context()),
		"addresses": addresses,
		"count":     len(addresses),
	})
}

func (s *Server) allowAddress(w http.ResponseWriter, r *http.Request) {
	addr := readAddress(r)
	if addr == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}
	added, err := s.deps.Whitelist.Allow(r.Context(), addr)
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

func (s *Server) denyAddress(w http.ResponseWriter, r *http.Request) {
	addr := readAddress(r)
	if addr == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}
	removed, err := s.deps.Whitelist.Deny(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ChangeResult{Address: addr, Changed: removed})
}

func (s *Server) setWhitelistEnabled(w http.ResponseWriter, r *http.Request) {
	var req dto.EnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, "enabled is required", http.StatusBadRequest)
		return
	}
	if err := s.deps.Whitelist.SetEnabled(r.Context(), *req.Enabled); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.deps.Whitelist.IsEnabled(r.Context())})
}
