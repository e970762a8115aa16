package redirect

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/morningstarxcdcode/anonsuite/pkg/runner"
)

// ErrAlreadyActive is returned by Install when redirection is already in
// place without an intervening successful Restore.
var ErrAlreadyActive = errors.New("transparent redirection already active")

// RestoreFailedError reports a teardown that could not put the host back.
// The affected subsystem is named so the operator knows where to look.
type RestoreFailedError struct {
	Stage string
	Err   error
}

func (e *RestoreFailedError) Error() string {
	return fmt.Sprintf("host state restore failed at %s: %v", e.Stage, e.Err)
}

func (e *RestoreFailedError) Unwrap() error { return e.Err }

// InstallError reports a failed rule installation. The host has been
// rolled back to the snapshot when it surfaces.
type InstallError struct {
	Err error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("transparent redirect install failed: %v", e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Params configures a redirector.
type Params struct {
	// LBFrontPort receives all redirected outbound TCP.
	LBFrontPort int
	// DNSPort receives redirected UDP 53. 0 skips DNS redirection.
	DNSPort int
	// IPTablesPath / PfctlPath are the resolved packet-filter binaries.
	IPTablesPath string
	PfctlPath    string
	// Interface is the primary physical interface (macOS rdr rules).
	// Pinned at install time; an interface change during a run is not
	// handled.
	Interface string
	// RuleFilePath is where the pf rule file is written (macOS).
	RuleFilePath string
	// ResolvConfPath is the resolver file to swap (macOS). Defaults to
	// /etc/resolv.conf.
	ResolvConfPath string

	Runner runner.Runner
}

// Redirector is the capability set every platform variant implements.
type Redirector interface {
	// Install captures the pre-change snapshot and installs the
	// redirect rules and resolver substitution as one atomic unit: if
	// either fails, both are rolled back before return.
	Install(ctx context.Context) error

	// Restore tears the rules down and reapplies the snapshot. With no
	// snapshot it is a successful no-op.
	Restore(ctx context.Context) error

	// Probe reports whether redirection rules are currently installed.
	Probe(ctx context.Context) (bool, error)
}

// New picks the platform variant: iptables NAT on Linux, pf on macOS.
func New(p Params) (Redirector, error) {
	if p.Runner == nil {
		p.Runner = runner.New()
	}
	switch runtime.GOOS {
	case "linux":
		return NewIPTables(p), nil
	case "darwin":
		return NewPF(p), nil
	default:
		return nil, fmt.Errorf("transparent redirection unsupported on %s", runtime.GOOS)
	}
}
