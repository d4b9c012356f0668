package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"rdpguard/internal/api/dto"
	"rdpguard/internal/auth"
)

func loginUser(w http.ResponseWriter, r *http.Request) {
	var credentials dto.Credentials
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	token, err := auth.Login(credentials.Password)
	switch {
	case errors.Is(err, auth.ErrNoAdminPassword):
		writeError(w, "Login disabled", http.StatusServiceUnavailable)
		return
	case errors.Is(err, auth.ErrBadCredentials):
		log.Warn("Rejected admin login", "remote", r.RemoteAddr)
		writeError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	case err != nil:
		writeError(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, dto.TokenResponse{Token: token})
}
