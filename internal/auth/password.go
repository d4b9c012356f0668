package auth

import (
	"errors"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/bcrypt"

	"rdpguard/internal/support"
)

var (
	ErrNoAdminPassword = errors.New("admin password not configured")
	ErrBadCredentials  = errors.New("invalid credentials")

	hashMu    sync.RWMutex
	adminHash []byte
)

// LoadAdminPassword reads ADMIN_PASSWORD_HASH, or hashes ADMIN_PASSWORD when
// only the plain value is set.
func LoadAdminPassword() error {
	if h := support.GetEnv("ADMIN_PASSWORD_HASH", ""); h != "" {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return err
		}
		setHash([]byte(h))
		return nil
	}
	plain := support.GetEnv("ADMIN_PASSWORD", "")
	if plain == "" {
		log.Warn("No admin password configured; the API will reject every login")
		return ErrNoAdminPassword
	}
	return SetAdminPassword(plain)
}

func SetAdminPassword(plain string) error {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	setHash(h)
	return nil
}

func setHash(h []byte) {
	hashMu.Lock()
	adminHash = h
	hashMu.Unlock()
}

// Login checks the password and issues an admin token.
func Login(password string) (string, error) {
	hashMu.RLock()
	h := adminHash
	hashMu.RUnlock()
	if len(h) == 0 {
		return "", ErrNoAdminPassword
	}
	if err := bcrypt.CompareHashAndPassword(h, []byte(password)); err != nil {
		return "", ErrBadCredentials
	}
	return GenerateJWT(AdminRole)
}
