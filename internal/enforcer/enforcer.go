// Package enforcer terminates live sessions of blocked remote addresses.
package enforcer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"go4.org/netipx"

	"rdpguard/internal/firewall"
	"rdpguard/internal/support"
)

var (
	ErrUnavailable = errors.New("enforcer: connection table unavailable")
	// ErrProtectedProcess is returned for kernel PIDs and rdpguard itself.
	ErrProtectedProcess = errors.New("enforcer: process may not be terminated")
)

// Table is the host connection table: listing, per-process kill and
// per-address termination.
type Table interface {
	Terminate(ctx context.Context, addresses []string) (int, error)
	Connections(ctx context.Context, blocked []string) ([]Connection, error)
	KillProcess(ctx context.Context, pid int) error
}

// Connection is one row of the host connection table.
type Connection struct {
	Protocol      string `json:"protocol"`
	LocalAddress  string `json:"local_address"`
	RemoteAddress string `json:"remote_address"`
	State         string `json:"state,omitempty"`
	PID           int    `json:"pid"`
	Blocked       bool   `json:"blocked"`

	remote netip.Addr
}

// Process IDs owned by the kernel; never terminated.
const (
	pidIdle   = 0
	pidSystem = 4
)

// ConnectionEnforcer finds connections through "netstat -ano" and kills the
// owning processes with taskkill.
type ConnectionEnforcer struct {
	run     support.CommandRunner
	selfPID int
}

func NewConnectionEnforcer(run support.CommandRunner) *ConnectionEnforcer {
	if run == nil {
		run = support.RunCommand
	}
	return &ConnectionEnforcer{run: run, selfPID: os.Getpid()}
}

// Terminate kills every process holding a connection to one of addresses and
// returns how many were killed. Kill failures are logged, not returned.
func (e *ConnectionEnforcer) Terminate(ctx context.Context, addresses []string) (int, error) {
	set, err := buildIPSet(addresses)
	if err != nil {
		return 0, err
	}
	if set == nil {
		return 0, nil
	}

	out, err := e.netstat(ctx)
	if err != nil {
		return 0, err
	}

	pids := matchingPIDs(out, set)
	killed := 0
	for _, pid := range pids {
		if e.protected(pid) {
			continue
		}
		if err := e.taskkill(ctx, pid); err != nil {
			log.Warn("Failed to terminate connection owner", "pid", pid, "error", err)
			continue
		}
		killed++
	}
	if killed > 0 {
		log.Info("Terminated sessions of blocked addresses", "processes", killed)
	}
	return killed, nil
}

// Connections lists connections with a remote peer. Rows whose peer falls
// inside blocked are flagged.
func (e *ConnectionEnforcer) Connections(ctx context.Context, blocked []string) ([]Connection, error) {
	set, err := buildIPSet(blocked)
	if err != nil {
		return nil, err
	}
	out, err := e.netstat(ctx)
	if err != nil {
		return nil, err
	}

	conns := parseConnections(out)
	active := conns[:0]
	for _, c := range conns {
		if !c.remote.IsValid() || c.remote.IsUnspecified() {
			continue
		}
		c.Blocked = set != nil && set.Contains(c.remote)
		active = append(active, c)
	}
	return active, nil
}

// KillProcess force-terminates pid.
func (e *ConnectionEnforcer) KillProcess(ctx context.Context, pid int) error {
	if pid < 0 || e.protected(pid) {
		return fmt.Errorf("%w: pid %d", ErrProtectedProcess, pid)
	}
	if err := e.taskkill(ctx, pid); err != nil {
		return err
	}
	log.Info("Terminated process on request", "pid", pid)
	return nil
}

func (e *ConnectionEnforcer) protected(pid int) bool {
	return pid == pidIdle || pid == pidSystem || pid == e.selfPID
}

func (e *ConnectionEnforcer) netstat(ctx context.Context) ([]byte, error) {
	out, err := e.run(ctx, "netstat", "-ano")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: netstat not found", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (e *ConnectionEnforcer) taskkill(ctx context.Context, pid int) error {
	if _, err := e.run(ctx, "taskkill", "/PID", strconv.Itoa(pid), "/F"); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: taskkill not found", ErrUnavailable)
		}
		return fmt.Errorf("taskkill %d: %w", pid, err)
	}
	return nil
}

func buildIPSet(addresses []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	added := false
	for _, raw := range addresses {
		target, err := firewall.ParseTarget(raw)
		if err != nil {
			log.Debug("Skipping unparsable address", "address", raw, "error", err)
			continue
		}
		switch {
		case strings.Contains(target, "/"):
			b.AddPrefix(netip.MustParsePrefix(target))
		case strings.Contains(target, "-"):
			b.AddRange(netipx.MustParseIPRange(target))
		default:
			b.Add(netip.MustParseAddr(target))
		}
		added = true
	}
	if !added {
		return nil, nil
	}
	return b.IPSet()
}

// parseConnections reads "netstat -ano" output. TCP rows carry five columns
// (proto, local, foreign, state, pid) and UDP rows four (no state).
func parseConnections(output []byte) []Connection {
	var conns []Connection
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}

		c := Connection{Protocol: strings.ToUpper(fields[0]), LocalAddress: fields[1], RemoteAddress: fields[2]}
		var pidField string
		switch c.Protocol {
		case "TCP":
			if len(fields) < 5 {
				continue
			}
			c.State = fields[3]
			pidField = fields[4]
		case "UDP":
			pidField = fields[3]
		default:
			continue
		}

		pid, err := strconv.Atoi(pidField)
		if err != nil {
			continue
		}
		c.PID = pid
		c.remote, _ = remoteAddr(fields[2])
		conns = append(conns, c)
	}
	return conns
}

func matchingPIDs(output []byte, set *netipx.IPSet) []int {
	seen := make(map[int]struct{})
	for _, c := range parseConnections(output) {
		if c.remote.IsValid() && set.Contains(c.remote) {
			seen[c.PID] = struct{}{}
		}
	}

	pids := make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func remoteAddr(field string) (netip.Addr, bool) {
	ap, err := netip.ParseAddrPort(field)
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().WithZone("").Unmap(), true
}

// Noop satisfies the enforcer contract without touching processes.
type Noop struct{}

func (Noop) Terminate(context.Context, []string) (int, error) { return 0, nil }

func (Noop) Connections(context.Context, []string) ([]Connection, error) { return nil, nil }

func (Noop) KillProcess(context.Context, int) error { return ErrUnavailable }

var (
	_ Table = (*ConnectionEnforcer)(nil)
	_ Table = Noop{}
)
