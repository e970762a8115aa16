package ports

import (
	"fmt"
	"net"

	"github.com/morningstarxcdcode/anonsuite/pkg/types"
)

// maxScan bounds the probe walk from each base port.
const maxScan = 256

// Request describes the ports a run needs. LBFront and Filter are explicit:
// they are used as-is and never silently rebound.
type Request struct {
	Instances       int
	SocksBase       int
	ControlBase     int
	LBFront         int
	Filter          int // 0 disables the filter and allocates nothing for it
	WithDNS         bool
	DNSBase         int // first candidate for the DNS port; 0 means ControlBase+256, just past the control scan window
}

// ExplicitPortTakenError reports a caller-pinned port that is already bound.
type ExplicitPortTakenError struct {
	Port int
}

func (e *ExplicitPortTakenError) Error() string {
	return fmt.Sprintf("explicitly requested port %d is already in use", e.Port)
}

// UnavailableError reports that no clean port set could be produced within
// the bounded scan.
type UnavailableError struct {
	Base int
	Need int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no %d free ports found within %d candidates of base %d", e.Need, maxScan, e.Base)
}

// Allocate produces a collision-free PortMap for the request. Base ports
// advance past bound ports by probing a loopback bind; explicit front-end
// ports fail instead of moving.
func Allocate(req Request) (types.PortMap, error) {
	var m types.PortMap

	taken := map[int]bool{}

	// Explicit ports first: a conflict here is an error, not a reason to
	// rebind elsewhere.
	for _, explicit := range []int{req.LBFront, req.Filter} {
		if explicit == 0 {
			continue
		}
		if taken[explicit] {
			return m, &ExplicitPortTakenError{Port: explicit}
		}
		if !bindable(explicit) {
			return m, &ExplicitPortTakenError{Port: explicit}
		}
		taken[explicit] = true
	}
	m.LBFront = req.LBFront
	m.FilterPort = req.Filter

	socks, err := scan(req.SocksBase, req.Instances, taken)
	if err != nil {
		return m, err
	}
	m.Socks = socks

	control, err := scan(req.ControlBase, req.Instances, taken)
	if err != nil {
		return m, err
	}
	m.Control = control

	if req.WithDNS {
		base := req.DNSBase
		if base == 0 {
			base = req.ControlBase + maxScan
		}
		dns, err := scan(base, 1, taken)
		if err != nil {
			return m, err
		}
		m.DNS = dns[0]
	}

	if err := verifyDisjoint(m); err != nil {
		return m, err
	}
	return m, nil
}

// scan walks up from base collecting n bindable ports not already taken.
func scan(base, n int, taken map[int]bool) ([]int, error) {
	out := make([]int, 0, n)
	for cand := base; cand < base+maxScan && cand <= 65535; cand++ {
		if taken[cand] {
			continue
		}
		if !bindable(cand) {
			continue
		}
		taken[cand] = true
		out = append(out, cand)
		if len(out) == n {
			return out, nil
		}
	}
	return nil, &UnavailableError{Base: base, Need: n}
}

// bindable probes a loopback bind and immediately releases it.
func bindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// verifyDisjoint rejects a map with any duplicate across all port classes.
func verifyDisjoint(m types.PortMap) error {
	seen := map[int]bool{}
	for _, p := range m.All() {
		if seen[p] {
			return fmt.Errorf("port map not disjoint: %d assigned twice", p)
		}
		seen[p] = true
	}
	return nil
}
