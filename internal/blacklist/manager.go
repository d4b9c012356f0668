// Package blacklist keeps the host's block rule in step with detected offenders.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"rdpguard/internal/audit"
	"rdpguard/internal/classifier"
	"rdpguard/internal/domain"
	"rdpguard/internal/firewall"
	"rdpguard/internal/metrics"
	"rdpguard/internal/support"
)

// ErrLocalAddress is returned when asked to block one of the host's own addresses.
var ErrLocalAddress = errors.New("blacklist: refusing to block a local interface address")

// Enforcer terminates live sessions of the given addresses.
type Enforcer interface {
	Terminate(ctx context.Context, addresses []string) (int, error)
}

type Preferences interface {
	SmartSubnetBlocking() bool
}

type Options struct {
	Policy      *firewall.Policy
	Source      audit.Source
	Enforcer    Enforcer
	Preferences Preferences
	// LocalAddresses lists the host's interface addresses; defaults to
	// support.LocalAddresses.
	LocalAddresses func() ([]netip.Addr, error)
	// RuleName overrides firewall.BlockRule.
	RuleName string
}

type atomicSet struct {
	val atomic.Value
}

func (a *atomicSet) Load() map[string]struct{} {
	raw, ok := a.val.Load().(map[string]struct{})
	if !ok || raw == nil {
		return map[string]struct{}{}
	}
	return raw
}

func (a *atomicSet) Store(m map[string]struct{}) {
	a.val.Store(m)
	metrics.BlockedTargets.Set(float64(len(m)))
}

// Engine owns the blocked-address cache. The block rule's address field is
// the source of truth; the cache is replaced only after a successful write.
type Engine struct {
	policy     *firewall.Policy
	source     audit.Source
	enforcer   Enforcer
	prefs      Preferences
	localAddrs func() ([]netip.Addr, error)
	rule       string

	cache       atomicSet
	loaded      atomic.Bool
	refreshOnce singleflight.Group
}

type ScanOutcome struct {
	Attempts     int
	Failed       int
	Offenders    classifier.Offenders
	NewTargets   []string
	SkippedLocal []string
	Unparsed     int
	Terminated   int
	TotalBlocked int
	Duration     time.Duration
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		policy:     opts.Policy,
		source:     opts.Source,
		enforcer:   opts.Enforcer,
		prefs:      opts.Preferences,
		localAddrs: opts.LocalAddresses,
		rule:       opts.RuleName,
	}
	if e.localAddrs == nil {
		e.localAddrs = support.LocalAddresses
	}
	if e.rule == "" {
		e.rule = firewall.BlockRule
	}
	return e
}

// Refresh reloads the cache from the block rule. Concurrent callers share one read.
func (e *Engine) Refresh(ctx context.Context) error {
	_, err, _ := e.refreshOnce.Do("refresh", func() (interface{}, error) {
		var current []string
		err := e.policy.View(func(s firewall.Store) error {
			var err error
			current, err = s.RemoteAddresses(ctx, e.rule)
			return err
		})
		if err != nil {
			observeStoreError(err)
			return nil, fmt.Errorf("read block rule: %w", err)
		}
		e.cache.Store(toSet(current))
		e.loaded.Store(true)
		return nil, nil
	})
	return err
}

// BlockedAddresses returns the blocked targets in sorted order.
func (e *Engine) BlockedAddresses(ctx context.Context) ([]string, error) {
	if !e.loaded.Load() {
		if err := e.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return firewall.SortedAddresses(e.cache.Load()), nil
}

// Count is the size of the cached set; it does not touch the store.
func (e *Engine) Count() int {
	return len(e.cache.Load())
}

// IsManaged reports whether the block rule exists.
func (e *Engine) IsManaged(ctx context.Context) (bool, error) {
	var exists bool
	err := e.policy.View(func(s firewall.Store) error {
		var err error
		exists, err = s.RuleExists(ctx, e.rule)
		return err
	})
	if err != nil {
		observeStoreError(err)
		return false, err
	}
	return exists, nil
}

// BlockAddress adds raw to the block rule. It returns false when the target
// is already blocked. Newly blocked targets have their sessions terminated.
func (e *Engine) BlockAddress(ctx context.Context, raw string) (bool, error) {
	target, err := firewall.ParseTarget(raw)
	if err != nil {
		return false, err
	}
	local, err := e.localSet()
	if err != nil {
		return false, err
	}
	if isLocal(target, local) {
		return false, fmt.Errorf("%w: %s", ErrLocalAddress, target)
	}

	added, err := e.merge(ctx, []string{target})
	if err != nil {
		return false, err
	}
	if len(added) == 0 {
		return false, nil
	}

	metrics.BlocksTotal.WithLabelValues("manual").Inc()
	log.Info("Address blocked", "address", target)
	e.terminate(ctx, added)
	return true, nil
}

// UnblockAddress removes raw from the block rule and deletes the rule once it
// would be empty. It returns false when raw was not blocked.
func (e *Engine) UnblockAddress(ctx context.Context, raw string) (bool, error) {
	target, err := firewall.ParseTarget(raw)
	if err != nil {
		return false, err
	}

	var (
		removed bool
		next    map[string]struct{}
	)
	err = e.policy.Update(ctx, func(s firewall.Store) error {
		current, err := s.RemoteAddresses(ctx, e.rule)
		if err != nil {
			return err
		}
		next = toSet(current)
		if _, ok := next[target]; !ok {
			return nil
		}
		delete(next, target)
		removed = true

		if len(next) == 0 {
			return s.DeleteRuleIfExists(ctx, e.rule)
		}
		return s.UpsertBlockRule(ctx, e.rule, firewall.SortedAddresses(next))
	})
	if err != nil {
		observeStoreError(err)
		return false, fmt.Errorf("unblock %s: %w", target, err)
	}

	e.cache.Store(next)
	e.loaded.Store(true)
	if removed {
		metrics.UnblocksTotal.Inc()
		log.Info("Address unblocked", "address", target, "remaining", len(next))
	}
	return removed, nil
}

// Clear removes the block rule entirely.
func (e *Engine) Clear(ctx context.Context) error {
	err := e.policy.Update(ctx, func(s firewall.Store) error {
		return s.DeleteRuleIfExists(ctx, e.rule)
	})
	if err != nil {
		observeStoreError(err)
		return fmt.Errorf("clear block rule: %w", err)
	}
	e.cache.Store(map[string]struct{}{})
	e.loaded.Store(true)
	log.Info("Block rule cleared")
	return nil
}

// ScanAndBlock classifies the attempts of the last lookback and blocks every
// new offender in one write. Re-running over the same window adds nothing.
func (e *Engine) ScanAndBlock(ctx context.Context, lookback time.Duration) (*ScanOutcome, error) {
	started := time.Now()

	attempts, err := e.source.Query(ctx, lookback)
	if err != nil {
		if errors.Is(err, audit.ErrPermission) {
			metrics.ScansTotal.WithLabelValues("skipped").Inc()
		} else {
			metrics.ScansTotal.WithLabelValues("failed").Inc()
		}
		return nil, fmt.Errorf("query audit log: %w", err)
	}

	outcome := &ScanOutcome{Attempts: len(attempts)}
	attempts, outcome.Unparsed = canonicalAttempts(attempts)
	for _, a := range attempts {
		if !a.IsSuccess {
			outcome.Failed++
		}
	}
	metrics.LastScanAttempts.WithLabelValues("failure").Set(float64(outcome.Failed))
	metrics.LastScanAttempts.WithLabelValues("success").Set(float64(outcome.Attempts - outcome.Failed))

	subnet := e.prefs != nil && e.prefs.SmartSubnetBlocking()
	outcome.Offenders = classifier.Classify(attempts, classifier.Options{SubnetBlocking: subnet})

	local, err := e.localSet()
	if err != nil {
		metrics.ScansTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	// Sessions to kill per target; a range carries its failing members.
	sessions := make(map[string][]string)
	var targets []string
	for _, addr := range outcome.Offenders.Addresses {
		if isLocal(addr, local) {
			outcome.SkippedLocal = append(outcome.SkippedLocal, addr)
			continue
		}
		targets = append(targets, addr)
		sessions[addr] = []string{addr}
	}
	for _, r := range outcome.Offenders.Ranges {
		targets = append(targets, r.CIDR)
		sessions[r.CIDR] = r.Members
	}

	if len(targets) > 0 {
		added, err := e.merge(ctx, targets)
		if err != nil {
			metrics.ScansTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		outcome.NewTargets = added

		var kill []string
		for _, t := range added {
			kill = append(kill, sessions[t]...)
		}
		metrics.BlocksTotal.WithLabelValues("scan").Add(float64(len(added)))
		outcome.Terminated = e.terminate(ctx, kill)
	}

	outcome.TotalBlocked = e.Count()
	outcome.Duration = time.Since(started)
	metrics.ScansTotal.WithLabelValues("ok").Inc()
	metrics.ScanDuration.Observe(outcome.Duration.Seconds())
	return outcome, nil
}

// TerminateBlockedSessions kills sessions of every currently blocked target.
func (e *Engine) TerminateBlockedSessions(ctx context.Context) (int, error) {
	if err := e.Refresh(ctx); err != nil {
		return 0, err
	}
	blocked := firewall.SortedAddresses(e.cache.Load())
	if len(blocked) == 0 || e.enforcer == nil {
		return 0, nil
	}
	killed, err := e.enforcer.Terminate(ctx, blocked)
	if err != nil {
		return 0, fmt.Errorf("terminate blocked sessions: %w", err)
	}
	metrics.SessionsTerminated.Add(float64(killed))
	return killed, nil
}

// merge adds targets to the block rule in a single read-modify-write and
// returns those that were not already present.
func (e *Engine) merge(ctx context.Context, targets []string) ([]string, error) {
	var (
		added []string
		next  map[string]struct{}
	)
	err := e.policy.Update(ctx, func(s firewall.Store) error {
		current, err := s.RemoteAddresses(ctx, e.rule)
		if err != nil {
			return err
		}
		next = toSet(current)
		for _, t := range targets {
			if _, ok := next[t]; ok {
				continue
			}
			next[t] = struct{}{}
			added = append(added, t)
		}
		if len(added) == 0 {
			return nil
		}
		return s.UpsertBlockRule(ctx, e.rule, firewall.SortedAddresses(next))
	})
	if err != nil {
		observeStoreError(err)
		return nil, fmt.Errorf("update block rule: %w", err)
	}

	e.cache.Store(next)
	e.loaded.Store(true)
	return added, nil
}

func (e *Engine) terminate(ctx context.Context, addresses []string) int {
	if e.enforcer == nil || len(addresses) == 0 {
		return 0
	}
	killed, err := e.enforcer.Terminate(ctx, addresses)
	if err != nil {
		log.Warn("Failed to terminate sessions of blocked addresses", "count", len(addresses), "error", err)
		return 0
	}
	metrics.SessionsTerminated.Add(float64(killed))
	return killed
}

func (e *Engine) localSet() (map[netip.Addr]struct{}, error) {
	addrs, err := e.localAddrs()
	if err != nil {
		return nil, fmt.Errorf("list local addresses: %w", err)
	}
	set := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		set[a.Unmap()] = struct{}{}
	}
	return set, nil
}

func isLocal(target string, local map[netip.Addr]struct{}) bool {
	addr, err := netip.ParseAddr(target)
	if err != nil {
		return false
	}
	_, ok := local[addr.Unmap()]
	return ok
}

// canonicalAttempts rewrites each usable address to the spelling the block
// rule stores, so "::ffff:1.2.3.4" and "1.2.3.4" count as one source. An
// address that does not parse is cleared and left out of classification.
func canonicalAttempts(attempts []domain.LoginAttempt) ([]domain.LoginAttempt, int) {
	out := make([]domain.LoginAttempt, len(attempts))
	unparsed := 0
	for i, a := range attempts {
		if a.HasAddress() {
			canonical, err := firewall.ParseTarget(a.Address)
			if err != nil || !firewall.IsLiteralAddress(canonical) {
				log.Debug("Ignoring unparsable audit address", "address", a.Address)
				unparsed++
				a.Address = ""
			} else {
				a.Address = canonical
			}
		}
		out[i] = a
	}
	return out, unparsed
}

func toSet(addrs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		m[a] = struct{}{}
	}
	return m
}

func observeStoreError(err error) {
	switch {
	case errors.Is(err, firewall.ErrPermission):
		metrics.StoreErrors.WithLabelValues("permission").Inc()
	case errors.Is(err, firewall.ErrUnavailable):
		metrics.StoreErrors.WithLabelValues("unavailable").Inc()
	default:
		metrics.StoreErrors.WithLabelValues("other").Inc()
	}
}
