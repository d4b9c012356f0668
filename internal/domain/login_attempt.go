package domain

import "time"

// Windows security audit event IDs for logon outcomes.
const (
	EventLogonSuccess = 4624
	EventLogonFailure = 4625
)

// LoginAttempt is one authentication outcome surfaced by the audit log.
type LoginAttempt struct {
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
	Username  string    `json:"username"`
	IsSuccess bool      `json:"is_success"`
	EventID   int       `json:"event_id"`
}

// HasAddress reports whether the attempt carries a usable source address.
// The audit log records "-" or nothing for local and service logons.
func (a LoginAttempt) HasAddress() bool {
	return a.Address != "" && a.Address != "-"
}
