package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// SocksChecker performs a SOCKS5 round trip through a proxy endpoint to a
// target address, proving the proxy actually forwards connections rather
// than just accepting them.
type SocksChecker struct {
	// Address is the SOCKS endpoint (e.g. "127.0.0.1:9000").
	Address string

	// Target is the host:port dialed through the proxy. It has no
	// default: with an empty Target every check fails.
	Target string

	Timeout time.Duration
}

// NewSocksChecker creates a SOCKS5 forwarding checker.
func NewSocksChecker(address, target string) *SocksChecker {
	return &SocksChecker{
		Address: address,
		Target:  target,
		Timeout: 2 * time.Second,
	}
}

// Check dials Target through the SOCKS endpoint.
func (s *SocksChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer, err := proxy.SOCKS5("tcp", s.Address, nil, &net.Dialer{Timeout: s.Timeout})
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("socks dialer: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, "tcp", s.Target)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("socks round trip to %s failed: %v", s.Target, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("socks round trip via %s successful", s.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (s *SocksChecker) Type() CheckType {
	return CheckTypeSocks
}
