package redirect

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/morningstarxcdcode/anonsuite/pkg/log"
)

// PF is the macOS variant: rdr rules loaded through pfctl plus an atomic
// resolv.conf substitution.
type PF struct {
	p      Params
	logger zerolog.Logger

	mu          sync.Mutex
	active      bool
	haveSnap    bool
	wasEnabled  bool
	resolvSnap  []byte
	resolvPath  string
}

// NewPF creates the macOS redirector.
func NewPF(p Params) *PF {
	resolv := p.ResolvConfPath
	if resolv == "" {
		resolv = "/etc/resolv.conf"
	}
	return &PF{p: p, logger: log.WithComponent("redirect"), resolvPath: resolv}
}

// Install snapshots the pf enable state and resolv.conf, writes and loads
// the rdr rule file, enables pf, and swaps the resolver. Rules and DNS are
// one atomic unit: a failure in either rolls both back before return.
func (r *PF) Install(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return ErrAlreadyActive
	}

	// Snapshot strictly before any mutation.
	enabled, err := r.pfEnabled(ctx)
	if err != nil {
		return &InstallError{Err: fmt.Errorf("failed to read pf state: %w", err)}
	}
	r.wasEnabled = enabled
	r.haveSnap = true

	if err := os.WriteFile(r.p.RuleFilePath, []byte(r.ruleFile()), 0600); err != nil {
		r.haveSnap = false
		return &InstallError{Err: fmt.Errorf("failed to write pf rules: %w", err)}
	}

	if _, err := r.p.Runner.Run(ctx, r.p.PfctlPath, "-f", r.p.RuleFilePath); err != nil {
		r.rollbackLocked(ctx)
		return &InstallError{Err: fmt.Errorf("failed to load pf rules: %w", err)}
	}
	if _, err := r.p.Runner.Run(ctx, r.p.PfctlPath, "-E"); err != nil {
		r.rollbackLocked(ctx)
		return &InstallError{Err: fmt.Errorf("failed to enable pf: %w", err)}
	}

	snap, err := replaceResolvConf(r.resolvPath)
	if err != nil {
		r.rollbackLocked(ctx)
		return &InstallError{Err: fmt.Errorf("failed to swap resolver: %w", err)}
	}
	r.resolvSnap = snap

	r.active = true
	r.logger.Info().Str("interface", r.p.Interface).Int("lb_port", r.p.LBFrontPort).
		Msg("pf redirection installed")
	return nil
}

// Restore reverts pf to the snapshot state and puts resolv.conf back.
func (r *PF) Restore(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.haveSnap {
		return nil
	}

	if err := restoreResolvConf(r.resolvPath, r.resolvSnap); err != nil {
		// Rules still get torn down below; resolver failure surfaces.
		r.rollbackLocked(ctx)
		return &RestoreFailedError{Stage: "resolv.conf", Err: err}
	}
	r.resolvSnap = nil

	if err := r.revertPF(ctx); err != nil {
		return &RestoreFailedError{Stage: "pf", Err: err}
	}

	r.active = false
	r.haveSnap = false
	r.logger.Info().Msg("pf state restored")
	return nil
}

// Probe reports whether our rule file is currently loaded.
func (r *PF) Probe(ctx context.Context) (bool, error) {
	out, err := r.p.Runner.Run(ctx, r.p.PfctlPath, "-s", "nat")
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), fmt.Sprintf("port %d", r.p.LBFrontPort)), nil
}

// rollbackLocked is the install-failure path: best effort, both halves.
func (r *PF) rollbackLocked(ctx context.Context) {
	if r.resolvSnap != nil {
		if err := restoreResolvConf(r.resolvPath, r.resolvSnap); err != nil {
			r.logger.Error().Err(err).Msg("resolver rollback failed")
		}
		r.resolvSnap = nil
	}
	if err := r.revertPF(ctx); err != nil {
		r.logger.Error().Err(err).Msg("pf rollback failed")
	}
	r.haveSnap = false
	r.active = false
}

// revertPF disables pf when we enabled it, otherwise reloads the system
// ruleset.
func (r *PF) revertPF(ctx context.Context) error {
	_ = os.Remove(r.p.RuleFilePath)
	if !r.wasEnabled {
		_, err := r.p.Runner.Run(ctx, r.p.PfctlPath, "-d")
		return err
	}
	_, err := r.p.Runner.Run(ctx, r.p.PfctlPath, "-f", "/etc/pf.conf")
	return err
}

func (r *PF) pfEnabled(ctx context.Context) (bool, error) {
	out, err := r.p.Runner.Run(ctx, r.p.PfctlPath, "-s", "info")
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), "Status: Enabled"), nil
}

// ruleFile renders the rdr ruleset for the pinned physical interface.
func (r *PF) ruleFile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", sentinel)
	if r.p.DNSPort != 0 {
		fmt.Fprintf(&b, "rdr pass on %s inet proto udp from any to any port 53 -> 127.0.0.1 port %d\n",
			r.p.Interface, r.p.DNSPort)
	}
	fmt.Fprintf(&b, "rdr pass on %s inet proto tcp from any to any -> 127.0.0.1 port %d\n",
		r.p.Interface, r.p.LBFrontPort)
	fmt.Fprintf(&b, "pass out on %s route-to lo0 inet proto tcp from any to any\n", r.p.Interface)
	return b.String()
}
