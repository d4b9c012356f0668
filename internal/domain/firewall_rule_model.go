package domain

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionInbound Direction = "in"
)

type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
	ProtocolAny Protocol = "any"
)

// AnyAddress is the wildcard remote-address scope.
const AnyAddress = "*"

// ProfileAll applies a rule to every firewall profile (domain, private, public).
const ProfileAll = "all"

// FirewallRule mirrors one named inbound rule of the host firewall.
type FirewallRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"-"`

	// Key is the lower-cased name; rule identity is case-insensitive.
	Key  string `gorm:"column:rule_key;size:255;uniqueIndex;not null" json:"-"`
	Name string `gorm:"size:255;not null" json:"name"`

	Direction Direction `gorm:"size:8;not null;default:'in'" json:"direction"`
	Action    Action    `gorm:"size:8;not null" json:"action"`
	Protocol  Protocol  `gorm:"size:8;not null;default:'any'" json:"protocol"`

	// LocalPort is zero when the rule applies to every local port.
	LocalPort int `gorm:"not null;default:0" json:"local_port,omitempty"`

	// RemoteAddresses is "*" or a comma-joined list of addresses and ranges.
	RemoteAddresses string `gorm:"type:text;not null;default:'*'" json:"remote_addresses"`

	Enabled bool   `gorm:"not null;default:true" json:"enabled"`
	Profile string `gorm:"size:16;not null;default:'all'" json:"profile"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RuleKey normalises a rule name into its identity key.
func RuleKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RuleGroup tracks the enabled state of a built-in rule group such as
// the operating system's "Remote Desktop" rules.
type RuleGroup struct {
	Name      string    `gorm:"primaryKey;size:255" json:"name"`
	Enabled   bool      `gorm:"not null;default:true" json:"enabled"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
