package firewall

import (
	"context"
	"strings"
	"sync"

	"rdpguard/internal/domain"
)

// MemoryStore keeps rules in process memory. It backs dry runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	rules   map[string]domain.FirewallRule
	groups  map[string]bool
	group   string
	failure error
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:  make(map[string]domain.FirewallRule),
		groups: map[string]bool{domain.RuleKey(DefaultServiceGroup): true},
		group:  DefaultServiceGroup,
	}
}

// SetFailure makes every subsequent call return err; nil restores service.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// Writes counts successful mutating calls.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Rule returns a copy of the named rule.
func (m *MemoryStore) Rule(name string) (domain.FirewallRule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[domain.RuleKey(name)]
	return rule, ok
}

// PutRule stores rule verbatim, as an external tool editing the firewall would.
func (m *MemoryStore) PutRule(rule domain.FirewallRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule.Key = domain.RuleKey(rule.Name)
	m.rules[rule.Key] = rule
}

// RemoveRule deletes a rule behind the engines' back.
func (m *MemoryStore) RemoveRule(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, domain.RuleKey(name))
}

func (m *MemoryStore) ServiceGroupEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[domain.RuleKey(m.group)]
}

func (m *MemoryStore) RuleExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return false, m.failure
	}
	_, ok := m.rules[domain.RuleKey(name)]
	return ok, nil
}

func (m *MemoryStore) UpsertBlockRule(_ context.Context, name string, addresses []string) error {
	joined := SplitRemoteAddresses(strings.Join(addresses, ","))
	if len(joined) == 0 {
		return ErrEmptyBlockRule
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}

	key := domain.RuleKey(name)
	rule, ok := m.rules[key]
	if !ok {
		rule = domain.FirewallRule{
			Key:       key,
			Name:      name,
			Direction: domain.DirectionInbound,
			Action:    domain.ActionBlock,
			Protocol:  domain.ProtocolAny,
			Enabled:   true,
			Profile:   domain.ProfileAll,
		}
	}
	rule.RemoteAddresses = strings.Join(joined, ",")
	m.rules[key] = rule
	m.writes++
	return nil
}

func (m *MemoryStore) DeleteRuleIfExists(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	key := domain.RuleKey(name)
	if _, ok := m.rules[key]; ok {
		delete(m.rules, key)
		m.writes++
	}
	return nil
}

func (m *MemoryStore) RemoteAddresses(_ context.Context, name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	rule, ok := m.rules[domain.RuleKey(name)]
	if !ok {
		return nil, nil
	}
	return SplitRemoteAddresses(rule.RemoteAddresses), nil
}

func (m *MemoryStore) UpsertAllowRule(_ context.Context, allow AllowRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}

	key := domain.RuleKey(allow.Name)
	rule, ok := m.rules[key]
	if !ok {
		rule = domain.FirewallRule{
			Key:       key,
			Name:      allow.Name,
			Direction: domain.DirectionInbound,
			Action:    domain.ActionAllow,
			Profile:   domain.ProfileAll,
		}
	}
	rule.Protocol = allow.Protocol
	rule.LocalPort = allow.Port
	rule.RemoteAddresses = FormatRemoteAddresses(allow.Addresses)
	rule.Enabled = allow.Enabled
	m.rules[key] = rule
	m.writes++
	return nil
}

func (m *MemoryStore) SetRulesEnabled(_ context.Context, names []string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	for _, name := range names {
		key := domain.RuleKey(name)
		if rule, ok := m.rules[key]; ok {
			rule.Enabled = enabled
			m.rules[key] = rule
		}
	}
	m.writes++
	return nil
}

func (m *MemoryStore) RulesEnabled(_ context.Context, names []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return false, m.failure
	}
	if len(names) == 0 {
		return false, nil
	}
	for _, name := range names {
		rule, ok := m.rules[domain.RuleKey(name)]
		if !ok || !rule.Enabled {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemoryStore) SetServiceGroupEnabled(_ context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	m.groups[domain.RuleKey(m.group)] = enabled
	m.writes++
	return nil
}
