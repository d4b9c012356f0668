// Package classifier turns login attempts into block targets.
//
// An address is an individual offender when it failed more than
// FailureThreshold times and succeeded at most MaxTolerableSuccesses times.
// With subnet blocking, a /24 whose distinct failing addresses exceed
// FailureThreshold is blocked as a whole, unless any address in the
// enclosing /16 logged in successfully.
package classifier

import (
	"net/netip"
	"sort"

	"rdpguard/internal/domain"
)

const (
	FailureThreshold      = 3
	MaxTolerableSuccesses = 1
)

type Options struct {
	SubnetBlocking bool
}

// RangeOffender is a /24 block target and the failing addresses inside it.
type RangeOffender struct {
	CIDR    string   `json:"cidr"`
	Members []string `json:"members"`
}

type Offenders struct {
	Addresses []string        `json:"addresses"`
	Ranges    []RangeOffender `json:"ranges"`
}

// Targets lists every block target, addresses first.
func (o Offenders) Targets() []string {
	out := make([]string, 0, len(o.Addresses)+len(o.Ranges))
	out = append(out, o.Addresses...)
	for _, r := range o.Ranges {
		out = append(out, r.CIDR)
	}
	return out
}

func (o Offenders) Empty() bool {
	return len(o.Addresses) == 0 && len(o.Ranges) == 0
}

type subnetKey struct {
	net16 netip.Prefix
	net24 netip.Prefix
}

// Classify is deterministic: output is sorted and independent of input order.
func Classify(attempts []domain.LoginAttempt, opts Options) Offenders {
	failures := make(map[string]int)
	successes := make(map[string]int)
	for _, a := range attempts {
		if !a.HasAddress() {
			continue
		}
		if a.IsSuccess {
			successes[a.Address]++
		} else {
			failures[a.Address]++
		}
	}

	var result Offenders
	for addr, failed := range failures {
		if failed > FailureThreshold && successes[addr] <= MaxTolerableSuccesses {
			result.Addresses = append(result.Addresses, addr)
		}
	}
	sort.Strings(result.Addresses)

	if opts.SubnetBlocking {
		result.Ranges = classifySubnets(failures, successes)
	}
	return result
}

func classifySubnets(failures, successes map[string]int) []RangeOffender {
	succeeded16 := make(map[netip.Prefix]bool)
	for addr := range successes {
		if ip, ok := parseIPv4(addr); ok {
			succeeded16[mustPrefix(ip, 16)] = true
		}
	}

	members := make(map[subnetKey]map[string]struct{})
	for addr := range failures {
		ip, ok := parseIPv4(addr)
		if !ok {
			continue
		}
		key := subnetKey{net16: mustPrefix(ip, 16), net24: mustPrefix(ip, 24)}
		if members[key] == nil {
			members[key] = make(map[string]struct{})
		}
		members[key][ip.String()] = struct{}{}
	}

	var ranges []RangeOffender
	for key, set := range members {
		if len(set) <= FailureThreshold || succeeded16[key.net16] {
			continue
		}
		addrs := make([]string, 0, len(set))
		for addr := range set {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		ranges = append(ranges, RangeOffender{CIDR: key.net24.String(), Members: addrs})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].CIDR < ranges[j].CIDR })
	return ranges
}

func parseIPv4(s string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	ip = ip.Unmap()
	return ip, ip.Is4()
}

func mustPrefix(ip netip.Addr, bits int) netip.Prefix {
	p, _ := ip.Prefix(bits)
	return p
}
