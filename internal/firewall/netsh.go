package firewall

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"rdpguard/internal/domain"
	"rdpguard/internal/support"
)

var errNoRulesMatch = errors.New("netsh: no rules match")

// NetshStore drives Windows Defender Firewall through "netsh advfirewall".
type NetshStore struct {
	run   support.CommandRunner
	group string
}

// NewNetshStore returns a store bound to run. group names the built-in rule
// group of the guarded service; it is localised on non-English hosts.
func NewNetshStore(run support.CommandRunner, group string) *NetshStore {
	if run == nil {
		run = support.RunCommand
	}
	if strings.TrimSpace(group) == "" {
		group = DefaultServiceGroup
	}
	return &NetshStore{run: run, group: group}
}

type netshRule struct {
	name     string
	enabled  bool
	remoteIP string
}

func (s *NetshStore) netsh(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"advfirewall", "firewall"}, args...)
	out, err := s.run(ctx, "netsh", full...)
	text := string(out)
	if err != nil {
		return text, classifyNetshError(text, err)
	}
	return text, nil
}

func classifyNetshError(output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("%w: netsh not found", ErrUnavailable)
	case strings.Contains(lower, "no rules match"):
		return errNoRulesMatch
	case strings.Contains(lower, "requires elevation"),
		strings.Contains(lower, "access is denied"),
		strings.Contains(lower, "run as administrator"):
		return fmt.Errorf("%w: %s", ErrPermission, strings.TrimSpace(output))
	default:
		return fmt.Errorf("%w: %v: %s", ErrUnavailable, err, strings.TrimSpace(output))
	}
}

func (s *NetshStore) showRules(ctx context.Context, name string) ([]netshRule, error) {
	out, err := s.netsh(ctx, "show", "rule", "name="+name, "verbose")
	if errors.Is(err, errNoRulesMatch) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseNetshRules(out), nil
}

// parseNetshRules reads the "Key: value" blocks printed by "show rule verbose".
func parseNetshRules(output string) []netshRule {
	var rules []netshRule
	var cur *netshRule
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "rule name":
			rules = append(rules, netshRule{name: value})
			cur = &rules[len(rules)-1]
		case "enabled":
			if cur != nil {
				cur.enabled = strings.EqualFold(value, "yes")
			}
		case "remoteip":
			if cur != nil {
				cur.remoteIP = value
			}
		}
	}
	return rules
}

func netshAddressList(addresses []string) string {
	list := FormatRemoteAddresses(addresses)
	if list == domain.AnyAddress {
		return "any"
	}
	return list
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (s *NetshStore) RuleExists(ctx context.Context, name string) (bool, error) {
	rules, err := s.showRules(ctx, name)
	if err != nil {
		return false, err
	}
	return len(rules) > 0, nil
}

func (s *NetshStore) UpsertBlockRule(ctx context.Context, name string, addresses []string) error {
	cleaned := SplitRemoteAddresses(strings.Join(addresses, ","))
	if len(cleaned) == 0 {
		return ErrEmptyBlockRule
	}

	exists, err := s.RuleExists(ctx, name)
	if err != nil {
		return err
	}

	remote := "remoteip=" + strings.Join(cleaned, ",")
	if exists {
		_, err = s.netsh(ctx, "set", "rule", "name="+name, "new", remote)
	} else {
		_, err = s.netsh(ctx, "add", "rule", "name="+name, "dir=in", "action=block",
			"protocol=any", "profile=any", "enable=yes", remote)
	}
	if err != nil {
		return fmt.Errorf("upsert block rule %s: %w", name, err)
	}
	return nil
}

func (s *NetshStore) DeleteRuleIfExists(ctx context.Context, name string) error {
	_, err := s.netsh(ctx, "delete", "rule", "name="+name)
	if err != nil && !errors.Is(err, errNoRulesMatch) {
		return fmt.Errorf("delete rule %s: %w", name, err)
	}
	return nil
}

func (s *NetshStore) RemoteAddresses(ctx context.Context, name string) ([]string, error) {
	rules, err := s.showRules(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return SplitRemoteAddresses(rules[0].remoteIP), nil
}

func (s *NetshStore) UpsertAllowRule(ctx context.Context, rule AllowRule) error {
	exists, err := s.RuleExists(ctx, rule.Name)
	if err != nil {
		return err
	}

	args := []string{"protocol=" + strings.ToUpper(string(rule.Protocol))}
	if rule.Port > 0 {
		args = append(args, "localport="+strconv.Itoa(rule.Port))
	}
	args = append(args, "remoteip="+netshAddressList(rule.Addresses), "enable="+yesNo(rule.Enabled))

	if exists {
		_, err = s.netsh(ctx, append([]string{"set", "rule", "name=" + rule.Name, "new"}, args...)...)
	} else {
		base := []string{"add", "rule", "name=" + rule.Name, "dir=in", "action=allow", "profile=any"}
		_, err = s.netsh(ctx, append(base, args...)...)
	}
	if err != nil {
		return fmt.Errorf("upsert allow rule %s: %w", rule.Name, err)
	}
	return nil
}

func (s *NetshStore) SetRulesEnabled(ctx context.Context, names []string, enabled bool) error {
	for _, name := range names {
		_, err := s.netsh(ctx, "set", "rule", "name="+name, "new", "enable="+yesNo(enabled))
		if err != nil && !errors.Is(err, errNoRulesMatch) {
			return fmt.Errorf("set rule %s enabled=%t: %w", name, enabled, err)
		}
	}
	return nil
}

func (s *NetshStore) RulesEnabled(ctx context.Context, names []string) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}
	for _, name := range names {
		rules, err := s.showRules(ctx, name)
		if err != nil {
			return false, err
		}
		if len(rules) == 0 {
			return false, nil
		}
		for _, r := range rules {
			if !r.enabled {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *NetshStore) SetServiceGroupEnabled(ctx context.Context, enabled bool) error {
	_, err := s.netsh(ctx, "set", "rule", "group="+s.group, "new", "enable="+yesNo(enabled))
	if err != nil && !errors.Is(err, errNoRulesMatch) {
		return fmt.Errorf("set rule group %q enabled=%t: %w", s.group, enabled, err)
	}
	return nil
}
