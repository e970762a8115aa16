package redirect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/morningstarxcdcode/anonsuite/pkg/log"
)

// sentinel tags every rule this supervisor installs so teardown can tell
// its rules from everything else in the table.
const sentinel = "anonsuite-redirect"

// excludedNets never get redirected: loopback plus the RFC1918 ranges.
var excludedNets = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// IPTables is the Linux variant: NAT-table REDIRECT rules on the OUTPUT
// chain.
type IPTables struct {
	p      Params
	logger zerolog.Logger

	mu       sync.Mutex
	snapshot []string // `iptables -t nat -S` lines captured pre-mutation
	active   bool
}

// NewIPTables creates the Linux redirector.
func NewIPTables(p Params) *IPTables {
	return &IPTables{p: p, logger: log.WithComponent("redirect")}
}

// Install captures the NAT table, then appends the exclusion and redirect
// rules. Any failure mid-install rolls the table back to the snapshot
// before returning.
func (r *IPTables) Install(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return ErrAlreadyActive
	}

	// Snapshot strictly before any mutation.
	out, err := r.p.Runner.Run(ctx, r.p.IPTablesPath, "-t", "nat", "-S")
	if err != nil {
		return &InstallError{Err: fmt.Errorf("failed to capture NAT table: %w", err)}
	}
	r.snapshot = splitLines(string(out))

	for _, rule := range r.rules() {
		if _, err := r.p.Runner.Run(ctx, r.p.IPTablesPath, rule...); err != nil {
			r.logger.Error().Err(err).Msg("rule install failed, rolling back")
			if rerr := r.restoreLocked(ctx); rerr != nil {
				return &InstallError{Err: fmt.Errorf("%w (rollback also failed: %v)", err, rerr)}
			}
			r.snapshot = nil
			return &InstallError{Err: err}
		}
	}

	r.active = true
	r.logger.Info().Int("lb_port", r.p.LBFrontPort).Int("dns_port", r.p.DNSPort).
		Msg("transparent redirection installed")
	return nil
}

// Restore flushes the NAT table and replays the snapshot. Reapplication
// failure leaves the table flushed, never with partial redirect rules.
func (r *IPTables) Restore(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snapshot == nil {
		return nil
	}
	return r.restoreLocked(ctx)
}

func (r *IPTables) restoreLocked(ctx context.Context) error {
	if _, err := r.p.Runner.Run(ctx, r.p.IPTablesPath, "-t", "nat", "-F"); err != nil {
		return &RestoreFailedError{Stage: "nat-flush", Err: err}
	}
	r.active = false

	// Replay only append rules; chain declarations and policies (-N/-P)
	// survive the flush.
	for _, line := range r.snapshot {
		if !strings.HasPrefix(line, "-A ") {
			continue
		}
		args := append([]string{"-t", "nat"}, strings.Fields(line)...)
		if _, err := r.p.Runner.Run(ctx, r.p.IPTablesPath, args...); err != nil {
			return &RestoreFailedError{Stage: "nat-reapply", Err: err}
		}
	}

	r.snapshot = nil
	r.logger.Info().Msg("NAT table restored")
	return nil
}

// Probe looks for the sentinel in the live NAT table.
func (r *IPTables) Probe(ctx context.Context) (bool, error) {
	out, err := r.p.Runner.Run(ctx, r.p.IPTablesPath, "-t", "nat", "-S")
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), sentinel), nil
}

// rules builds the install sequence: exclusions first, then DNS, then the
// TCP catch-all.
func (r *IPTables) rules() [][]string {
	var rules [][]string

	for _, net := range excludedNets {
		rules = append(rules, tagged("-t", "nat", "-A", "OUTPUT", "-d", net, "-j", "RETURN"))
	}

	if r.p.DNSPort != 0 {
		rules = append(rules, tagged(
			"-t", "nat", "-A", "OUTPUT",
			"-p", "udp", "--dport", "53",
			"-j", "REDIRECT", "--to-ports", strconv.Itoa(r.p.DNSPort),
		))
	}

	rules = append(rules, tagged(
		"-t", "nat", "-A", "OUTPUT",
		"-p", "tcp", "--syn",
		"-j", "REDIRECT", "--to-ports", strconv.Itoa(r.p.LBFrontPort),
	))

	return rules
}

// tagged appends the sentinel comment match to a rule.
func tagged(args ...string) []string {
	return append(args, "-m", "comment", "--comment", sentinel)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
