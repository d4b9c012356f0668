package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rdpguard/internal/domain"
	"rdpguard/internal/firewall"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RuleStore keeps firewall rules in a relational database. It serves hosts
// that publish their policy to an external enforcement point, and dry runs.
type RuleStore struct {
	db    *gorm.DB
	group string
}

func NewRuleStore(db *gorm.DB, group string) *RuleStore {
	if strings.TrimSpace(group) == "" {
		group = firewall.DefaultServiceGroup
	}
	return &RuleStore{db: db, group: group}
}

func (s *RuleStore) conn(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return s.db
	}
	return s.db.WithContext(ctx)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", firewall.ErrUnavailable, op, err)
}

func (s *RuleStore) find(ctx context.Context, name string) (*domain.FirewallRule, error) {
	var rule domain.FirewallRule
	err := s.conn(ctx).Where("rule_key = ?", domain.RuleKey(name)).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find rule", err)
	}
	return &rule, nil
}

func (s *RuleStore) RuleExists(ctx context.Context, name string) (bool, error) {
	rule, err := s.find(ctx, name)
	if err != nil {
		return false, err
	}
	return rule != nil, nil
}

func (s *RuleStore) UpsertBlockRule(ctx context.Context, name string, addresses []string) error {
	cleaned := firewall.SplitRemoteAddresses(strings.Join(addresses, ","))
	if len(cleaned) == 0 {
		return firewall.ErrEmptyBlockRule
	}

	rule := domain.FirewallRule{
		Key:             domain.RuleKey(name),
		Name:            name,
		Direction:       domain.DirectionInbound,
		Action:          domain.ActionBlock,
		Protocol:        domain.ProtocolAny,
		RemoteAddresses: strings.Join(cleaned, ","),
		Enabled:         true,
		Profile:         domain.ProfileAll,
	}

	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "rule_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"remote_addresses", "updated_at"}),
	}).Create(&rule).Error
	if err != nil {
		return unavailable("upsert block rule", err)
	}
	return nil
}

func (s *RuleStore) DeleteRuleIfExists(ctx context.Context, name string) error {
	err := s.conn(ctx).Where("rule_key = ?", domain.RuleKey(name)).Delete(&domain.FirewallRule{}).Error
	if err != nil {
		return unavailable("delete rule", err)
	}
	return nil
}

func (s *RuleStore) RemoteAddresses(ctx context.Context, name string) ([]string, error) {
	rule, err := s.find(ctx, name)
	if err != nil || rule == nil {
		return nil, err
	}
	return firewall.SplitRemoteAddresses(rule.RemoteAddresses), nil
}

func (s *RuleStore) UpsertAllowRule(ctx context.Context, allow firewall.AllowRule) error {
	rule := domain.FirewallRule{
		Key:             domain.RuleKey(allow.Name),
		Name:            allow.Name,
		Direction:       domain.DirectionInbound,
		Action:          domain.ActionAllow,
		Protocol:        allow.Protocol,
		LocalPort:       allow.Port,
		RemoteAddresses: firewall.FormatRemoteAddresses(allow.Addresses),
		Enabled:         allow.Enabled,
		Profile:         domain.ProfileAll,
	}

	// Select("*") keeps a false Enabled from being replaced by the column default.
	err := s.conn(ctx).Select("*").Omit("id").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "rule_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"protocol", "local_port", "remote_addresses", "enabled", "updated_at"}),
	}).Create(&rule).Error
	if err != nil {
		return unavailable("upsert allow rule", err)
	}
	return nil
}

func ruleKeys(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	keys := make([]string, 0, len(names))
	for _, name := range names {
		key := domain.RuleKey(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

func (s *RuleStore) SetRulesEnabled(ctx context.Context, names []string, enabled bool) error {
	keys := ruleKeys(names)
	if len(keys) == 0 {
		return nil
	}
	err := s.conn(ctx).Model(&domain.FirewallRule{}).
		Where("rule_key IN ?", keys).
		Update("enabled", enabled).Error
	if err != nil {
		return unavailable("set rules enabled", err)
	}
	return nil
}

func (s *RuleStore) RulesEnabled(ctx context.Context, names []string) (bool, error) {
	keys := ruleKeys(names)
	if len(keys) == 0 {
		return false, nil
	}
	var count int64
	err := s.conn(ctx).Model(&domain.FirewallRule{}).
		Where("rule_key IN ? AND enabled = ?", keys, true).
		Count(&count).Error
	if err != nil {
		return false, unavailable("count enabled rules", err)
	}
	return count == int64(len(keys)), nil
}

func (s *RuleStore) SetServiceGroupEnabled(ctx context.Context, enabled bool) error {
	group := domain.RuleGroup{Name: s.group, Enabled: enabled}
	err := s.conn(ctx).Select("*").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
	}).Create(&group).Error
	if err != nil {
		return unavailable("set rule group", err)
	}
	return nil
}

// ServiceGroupEnabled reports the stored group state; an unknown group is
// enabled, as it is on a fresh host.
func (s *RuleStore) ServiceGroupEnabled(ctx context.Context) (bool, error) {
	var group domain.RuleGroup
	err := s.conn(ctx).Where("name = ?", s.group).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, unavailable("read rule group", err)
	}
	return group.Enabled, nil
}

// Transaction applies fn's writes atomically.
func (s *RuleStore) Transaction(ctx context.Context, fn func(firewall.Store) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&RuleStore{db: tx, group: s.group})
	})
}

var (
	_ firewall.Store      = (*RuleStore)(nil)
	_ firewall.Transactor = (*RuleStore)(nil)
)
