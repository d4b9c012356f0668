package database

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"rdpguard/internal/domain"
	"rdpguard/internal/firewall"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupRuleStoreTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := SetupDB(
		WithDialector(sqlite.Open(dsn)),
		WithLogger(silentLogger()),
	)
	if err != nil {
		t.Fatalf("setup database: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		DB = nil
	})

	return db
}

func TestRuleStoreBlockRule(t *testing.T) {
	store := NewRuleStore(setupRuleStoreTestDB(t), "")
	ctx := context.Background()

	if err := store.UpsertBlockRule(ctx, firewall.BlockRule, []string{" "}); !errors.Is(err, firewall.ErrEmptyBlockRule) {
		t.Fatalf("UpsertBlockRule(blank) error = %v, want ErrEmptyBlockRule", err)
	}

	if err := store.UpsertBlockRule(ctx, firewall.BlockRule, []string{"1.2.3.4/32", "10.0.1.0/24"}); err != nil {
		t.Fatalf("UpsertBlockRule returned error: %v", err)
	}
	if err := store.UpsertBlockRule(ctx, firewall.BlockRule, []string{"1.2.3.4", "10.0.1.0/24", "5.6.7.8"}); err != nil {
		t.Fatalf("second UpsertBlockRule returned error: %v", err)
	}

	got, err := store.RemoteAddresses(ctx, "RDPGUARDBLOCK")
	if err != nil {
		t.Fatalf("RemoteAddresses returned error: %v", err)
	}
	if want := []string{"1.2.3.4", "10.0.1.0/24", "5.6.7.8"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("RemoteAddresses returned %v, want %v", got, want)
	}

	var count int64
	store.db.Model(&domain.FirewallRule{}).Count(&count)
	if count != 1 {
		t.Fatalf("stored %d rules, want 1", count)
	}

	if err := store.DeleteRuleIfExists(ctx, firewall.BlockRule); err != nil {
		t.Fatalf("DeleteRuleIfExists returned error: %v", err)
	}
	if exists, err := store.RuleExists(ctx, firewall.BlockRule); err != nil || exists {
		t.Fatalf("RuleExists returned %v, %v; want false, nil", exists, err)
	}
	if err := store.DeleteRuleIfExists(ctx, firewall.BlockRule); err != nil {
		t.Fatalf("DeleteRuleIfExists on missing rule returned error: %v", err)
	}
}

func TestRuleStoreAllowRules(t *testing.T) {
	store := NewRuleStore(setupRuleStoreTestDB(t), "")
	ctx := context.Background()
	names := []string{firewall.AllowRuleTCP, firewall.AllowRuleUDP}

	for _, rule := range []firewall.AllowRule{
		{Name: firewall.AllowRuleTCP, Protocol: domain.ProtocolTCP, Port: 3389, Addresses: []string{"192.0.2.10"}, Enabled: true},
		{Name: firewall.AllowRuleUDP, Protocol: domain.ProtocolUDP, Port: 3389, Addresses: []string{"192.0.2.10"}, Enabled: true},
	} {
		if err := store.UpsertAllowRule(ctx, rule); err != nil {
			t.Fatalf("UpsertAllowRule(%s) returned error: %v", rule.Name, err)
		}
	}
	if ok, err := store.RulesEnabled(ctx, names); err != nil || !ok {
		t.Fatalf("RulesEnabled returned %v, %v; want true, nil", ok, err)
	}

	err := store.UpsertAllowRule(ctx, firewall.AllowRule{Name: firewall.AllowRuleUDP, Protocol: domain.ProtocolUDP, Port: 3390, Enabled: false})
	if err != nil {
		t.Fatalf("UpsertAllowRule returned error: %v", err)
	}
	if ok, _ := store.RulesEnabled(ctx, names); ok {
		t.Fatal("RulesEnabled returned true with UDP rule disabled")
	}

	rule, err := store.find(ctx, firewall.AllowRuleUDP)
	if err != nil || rule == nil {
		t.Fatalf("find returned %v, %v", rule, err)
	}
	if rule.RemoteAddresses != domain.AnyAddress || rule.LocalPort != 3390 {
		t.Fatalf("UDP rule = %+v, want scope * on port 3390", rule)
	}

	if err := store.SetRulesEnabled(ctx, names, true); err != nil {
		t.Fatalf("SetRulesEnabled returned error: %v", err)
	}
	if ok, _ := store.RulesEnabled(ctx, names); !ok {
		t.Fatal("RulesEnabled returned false after enabling both rules")
	}
}

func TestRuleStoreServiceGroup(t *testing.T) {
	store := NewRuleStore(setupRuleStoreTestDB(t), "")
	ctx := context.Background()

	if enabled, err := store.ServiceGroupEnabled(ctx); err != nil || !enabled {
		t.Fatalf("ServiceGroupEnabled returned %v, %v; want true, nil", enabled, err)
	}
	if err := store.SetServiceGroupEnabled(ctx, false); err != nil {
		t.Fatalf("SetServiceGroupEnabled returned error: %v", err)
	}
	if enabled, _ := store.ServiceGroupEnabled(ctx); enabled {
		t.Fatal("ServiceGroupEnabled returned true after disabling")
	}
	if err := store.SetServiceGroupEnabled(ctx, true); err != nil {
		t.Fatalf("SetServiceGroupEnabled returned error: %v", err)
	}
	if enabled, _ := store.ServiceGroupEnabled(ctx); !enabled {
		t.Fatal("ServiceGroupEnabled returned false after enabling")
	}
}

func TestRuleStoreTransactionRollsBack(t *testing.T) {
	store := NewRuleStore(setupRuleStoreTestDB(t), "")
	ctx := context.Background()
	policy := firewall.NewPolicy(store)

	boom := errors.New("boom")
	err := policy.Update(ctx, func(s firewall.Store) error {
		if err := s.UpsertBlockRule(ctx, firewall.BlockRule, []string{"9.9.9.9"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}

	if exists, err := store.RuleExists(ctx, firewall.BlockRule); err != nil || exists {
		t.Fatalf("RuleExists returned %v, %v; want false after rollback", exists, err)
	}
}
