package firewall

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"go4.org/netipx"

	"rdpguard/internal/domain"
)

// ParseTarget validates a block or allow target and returns its canonical
// spelling: a bare address, a masked CIDR prefix, or a "first-last" range.
// Single-host prefixes collapse to the bare address so "1.2.3.4/32" and
// "1.2.3.4/255.255.255.255" compare equal to "1.2.3.4".
func ParseTarget(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidAddress
	}

	switch {
	case strings.Contains(s, "/"):
		prefix, err := parsePrefix(s)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		return formatPrefix(prefix.Masked()), nil
	case strings.Contains(s, "-"):
		r, err := netipx.ParseIPRange(s)
		if err != nil || !r.IsValid() {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		if prefix, ok := r.Prefix(); ok {
			return formatPrefix(prefix), nil
		}
		return r.String(), nil
	default:
		addr, err := netip.ParseAddr(s)
		if err != nil || addr.Zone() != "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		return addr.Unmap().String(), nil
	}
}

// IsLiteralAddress reports whether target names exactly one host.
func IsLiteralAddress(target string) bool {
	_, err := netip.ParseAddr(strings.TrimSpace(target))
	return err == nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	addrPart, maskPart, _ := strings.Cut(s, "/")
	if !strings.Contains(maskPart, ".") {
		return netip.ParsePrefix(s)
	}

	// Windows reports IPv4 scopes with dotted masks.
	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return netip.Prefix{}, err
	}
	mask, err := netip.ParseAddr(maskPart)
	if err != nil {
		return netip.Prefix{}, err
	}
	if !addr.Is4() || !mask.Is4() {
		return netip.Prefix{}, fmt.Errorf("dotted mask on non-IPv4 address %q", s)
	}

	m := mask.As4()
	ones, bits := net.IPv4Mask(m[0], m[1], m[2], m[3]).Size()
	if bits == 0 {
		return netip.Prefix{}, fmt.Errorf("non-contiguous mask %q", maskPart)
	}
	return addr.Prefix(ones)
}

func formatPrefix(p netip.Prefix) string {
	if p.IsSingleIP() {
		return p.Addr().Unmap().String()
	}
	return p.String()
}

// SplitRemoteAddresses parses a comma-joined remote-address field. Entries are
// trimmed, canonicalised where possible and de-duplicated; empty entries and
// the "any"/"*" wildcards are dropped.
func SplitRemoteAddresses(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" || entry == domain.AnyAddress || strings.EqualFold(entry, "any") {
			continue
		}
		if canonical, err := ParseTarget(entry); err == nil {
			entry = canonical
		}
		if _, dup := seen[entry]; dup {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	return out
}

// FormatRemoteAddresses joins addresses for a rule's address field; an empty
// list becomes the "*" wildcard.
func FormatRemoteAddresses(addresses []string) string {
	cleaned := SplitRemoteAddresses(strings.Join(addresses, ","))
	if len(cleaned) == 0 {
		return domain.AnyAddress
	}
	return strings.Join(cleaned, ",")
}

// SortedAddresses returns the members of set in a stable order.
func SortedAddresses(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
