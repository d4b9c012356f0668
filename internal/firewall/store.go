// Package firewall abstracts the host firewall as a store of named rules.
//
// Engines never talk to a control surface directly; they go through a
// Policy, which serialises every read-modify-write against the Store.
package firewall

import (
	"context"
	"errors"

	"rdpguard/internal/domain"
)

// Rule names owned by rdpguard.
const (
	BlockRule    = "RdpGuardBlock"
	AllowRuleTCP = "RdpGuardAllow"
	AllowRuleUDP = "RdpGuardAllow-UDP"
)

// DefaultServiceGroup is the built-in rule group guarding the remote desktop port.
const DefaultServiceGroup = "Remote Desktop"

var (
	// ErrPermission reports that the firewall control surface requires elevation.
	ErrPermission = errors.New("firewall: insufficient privilege")
	// ErrUnavailable reports that the control surface could not be used right now.
	ErrUnavailable = errors.New("firewall: control surface unavailable")
	// ErrInvalidAddress reports a malformed address or range.
	ErrInvalidAddress = errors.New("firewall: invalid address")
	// ErrEmptyBlockRule is returned when a block rule would carry no addresses.
	ErrEmptyBlockRule = errors.New("firewall: block rule needs at least one address")
)

// AllowRule describes the desired state of an inbound allow rule.
type AllowRule struct {
	Name     string
	Protocol domain.Protocol
	Port     int
	// Addresses scopes the rule; empty means any remote address.
	Addresses []string
	Enabled   bool
}

// Store is the CRUD contract over named firewall rules.
type Store interface {
	RuleExists(ctx context.Context, name string) (bool, error)
	// UpsertBlockRule creates the block rule or overwrites its address field
	// with the full list.
	UpsertBlockRule(ctx context.Context, name string, addresses []string) error
	DeleteRuleIfExists(ctx context.Context, name string) error
	// RemoteAddresses returns the rule's address list without wildcard tokens.
	// A missing rule yields an empty list.
	RemoteAddresses(ctx context.Context, name string) ([]string, error)
	UpsertAllowRule(ctx context.Context, rule AllowRule) error
	SetRulesEnabled(ctx context.Context, names []string, enabled bool) error
	// RulesEnabled is true only if every named rule exists and is enabled.
	RulesEnabled(ctx context.Context, names []string) (bool, error)
	SetServiceGroupEnabled(ctx context.Context, enabled bool) error
}

// Transactor is implemented by stores that can apply several writes atomically.
type Transactor interface {
	Transaction(ctx context.Context, fn func(Store) error) error
}
