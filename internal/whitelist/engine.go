// Package whitelist implements "deny all except listed" for the guarded port.
//
// The allow-list lives in the preference store. Reconcile projects it onto
// two allow rules (TCP and UDP) and the built-in service rule group: an
// enforced list disables the group and scopes both rules to the list, while
// a disabled or empty list scopes them to any address and re-enables the group.
package whitelist

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"rdpguard/internal/domain"
	"rdpguard/internal/firewall"
	"rdpguard/internal/metrics"
)

type Preferences interface {
	WhitelistEnabled() bool
	SetWhitelistEnabled(enabled bool) error
	AllowedAddresses() []string
	SetAllowedAddresses(addresses []string) error
}

// PortProvider reports the port the guarded service listens on.
type PortProvider interface {
	Port(ctx context.Context) (int, error)
}

type PortFunc func(ctx context.Context) (int, error)

func (f PortFunc) Port(ctx context.Context) (int, error) { return f(ctx) }

type Engine struct {
	policy *firewall.Policy
	prefs  Preferences
	ports  PortProvider

	// mu orders preference mutations with the reconcile that follows them.
	mu sync.Mutex
	// seedChecked is set once the allow rule has been consulted for a seed.
	seedChecked bool
	// applied is what the last successful write put on the allow rules.
	applied *appliedState
}

type appliedState struct {
	port    int
	scope   string
	enforce bool
}

func NewEngine(policy *firewall.Policy, prefs Preferences, ports PortProvider) *Engine {
	return &Engine{policy: policy, prefs: prefs, ports: ports}
}

func ruleNames() []string {
	return []string{firewall.AllowRuleTCP, firewall.AllowRuleUDP}
}

// AllowedAddresses returns the configured allow-list. On first use an empty
// preference is seeded from the TCP allow rule's scope.
func (e *Engine) AllowedAddresses(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allowedLocked(ctx)
}

func (e *Engine) allowedLocked(ctx context.Context) ([]string, error) {
	if list := e.prefs.AllowedAddresses(); len(list) > 0 || e.seedChecked {
		e.seedChecked = true
		return list, nil
	}

	var seeded []string
	err := e.policy.View(func(s firewall.Store) error {
		var err error
		seeded, err = s.RemoteAddresses(ctx, firewall.AllowRuleTCP)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read allow rule: %w", err)
	}
	e.seedChecked = true
	if len(seeded) == 0 {
		return nil, nil
	}
	if err := e.prefs.SetAllowedAddresses(seeded); err != nil {
		return nil, fmt.Errorf("persist allow-list: %w", err)
	}
	log.Info("Allow-list seeded from firewall rule", "entries", len(seeded))
	return seeded, nil
}

// Allow adds raw to the allow-list and reconciles. It returns false when the
// address was already listed.
func (e *Engine) Allow(ctx context.Context, raw string) (bool, error) {
	target, err := firewall.ParseTarget(raw)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	list, err := e.allowedLocked(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range list {
		if existing == target {
			return false, e.reconcileLocked(ctx)
		}
	}

	next := append(append([]string(nil), list...), target)
	if err := e.prefs.SetAllowedAddresses(next); err != nil {
		return false, fmt.Errorf("persist allow-list: %w", err)
	}
	log.Info("Address allowed", "address", target)
	return true, e.reconcileLocked(ctx)
}

// Deny removes raw from the allow-list and reconciles. It returns false when
// the address was not listed.
func (e *Engine) Deny(ctx context.Context, raw string) (bool, error) {
	target, err := firewall.ParseTarget(raw)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	list, err := e.allowedLocked(ctx)
	if err != nil {
		return false, err
	}
	next := make([]string, 0, len(list))
	for _, existing := range list {
		if existing != target {
			next = append(next, existing)
		}
	}
	if len(next) == len(list) {
		return false, e.reconcileLocked(ctx)
	}

	if err := e.prefs.SetAllowedAddresses(next); err != nil {
		return false, fmt.Errorf("persist allow-list: %w", err)
	}
	log.Info("Address removed from allow-list", "address", target)
	return true, e.reconcileLocked(ctx)
}

// SetEnabled persists the flag and reconciles. Enabling an empty list is
// accepted; the rules stay open until an address is added.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.prefs.SetWhitelistEnabled(enabled); err != nil {
		return fmt.Errorf("persist whitelist flag: %w", err)
	}
	return e.reconcileLocked(ctx)
}

// Reconcile recomputes both allow rules and the service group from the
// preferences.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcileLocked(ctx)
}

// ReconcileIfChanged reconciles only when the allow rules would differ from
// what the last successful reconcile wrote. It reports whether it wrote.
func (e *Engine) ReconcileIfChanged(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncLocked(ctx, false)
}

func (e *Engine) reconcileLocked(ctx context.Context) error {
	_, err := e.syncLocked(ctx, true)
	return err
}

func (e *Engine) syncLocked(ctx context.Context, force bool) (bool, error) {
	port, err := e.ports.Port(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve guarded port: %w", err)
	}

	stored, err := e.allowedLocked(ctx)
	if err != nil {
		return false, err
	}
	list := validTargets(stored)
	enabled := e.prefs.WhitelistEnabled()
	enforce := enabled && len(list) > 0

	var scope []string
	if enforce {
		scope = list
	}

	metrics.WhitelistEnabled.Set(metrics.BoolGauge(enabled))
	metrics.AllowedAddresses.Set(float64(len(list)))

	want := appliedState{port: port, scope: firewall.FormatRemoteAddresses(scope), enforce: enforce}
	if !force && e.applied != nil && *e.applied == want {
		return false, nil
	}

	e.applied = nil
	err = e.policy.Update(ctx, func(s firewall.Store) error {
		for _, rule := range []firewall.AllowRule{
			{Name: firewall.AllowRuleTCP, Protocol: domain.ProtocolTCP, Port: port, Addresses: scope, Enabled: true},
			{Name: firewall.AllowRuleUDP, Protocol: domain.ProtocolUDP, Port: port, Addresses: scope, Enabled: true},
		} {
			if err := s.UpsertAllowRule(ctx, rule); err != nil {
				return err
			}
		}
		return s.SetServiceGroupEnabled(ctx, !enforce)
	})
	if err != nil {
		return false, fmt.Errorf("reconcile allow rules: %w", err)
	}
	e.applied = &want

	log.Debug("Allow rules reconciled", "enforced", enforce, "entries", len(list), "port", port)
	return true, nil
}

// validTargets canonicalises list and drops entries that are not addresses
// or ranges. Settings edited by hand or replicated from another host reach
// the engine without passing through Allow.
func validTargets(list []string) []string {
	out := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, raw := range list {
		target, err := firewall.ParseTarget(raw)
		if err != nil {
			log.Warn("Ignoring invalid allow-list entry", "entry", raw)
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// IsEnabled is true when the preference is set and both allow rules exist
// and are enabled. Store failures read as disabled.
func (e *Engine) IsEnabled(ctx context.Context) bool {
	if !e.prefs.WhitelistEnabled() {
		return false
	}
	var ok bool
	err := e.policy.View(func(s firewall.Store) error {
		var err error
		ok, err = s.RulesEnabled(ctx, ruleNames())
		return err
	})
	if err != nil {
		log.Debug("Allow rule state unreadable", "error", err)
		return false
	}
	return ok
}

// Reset clears and disables the allow-list, leaving the port open to any
// address with the service group enabled.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.prefs.SetAllowedAddresses(nil); err != nil {
		return fmt.Errorf("clear allow-list: %w", err)
	}
	e.seedChecked = true
	if err := e.prefs.SetWhitelistEnabled(false); err != nil {
		return fmt.Errorf("persist whitelist flag: %w", err)
	}

	if err := e.reconcileLocked(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
