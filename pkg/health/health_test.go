package health

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

func TestTCPChecker_Listening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	checker := NewTCPChecker(l.Addr().String())
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}
	if result.Duration <= 0 {
		t.Error("Expected positive duration")
	}
}

func TestTCPChecker_Refused(t *testing.T) {
	// Bind and immediately close to get a port nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	checker := NewTCPChecker(addr).WithTimeout(500 * time.Millisecond)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy, got healthy: %s", result.Message)
	}
}

// fakeControl runs a one-shot control-port server speaking just enough of
// the protocol for AUTHENTICATE and SIGNAL.
func fakeControl(t *testing.T, password string) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimSpace(line)
					switch {
					case strings.HasPrefix(line, "AUTHENTICATE"):
						if line == fmt.Sprintf("AUTHENTICATE %q", password) {
							fmt.Fprintf(conn, "250 OK\r\n")
						} else {
							fmt.Fprintf(conn, "515 Authentication failed\r\n")
						}
					case strings.HasPrefix(line, "SIGNAL"):
						fmt.Fprintf(conn, "250 OK\r\n")
					case line == "QUIT":
						fmt.Fprintf(conn, "250 closing connection\r\n")
						return
					default:
						fmt.Fprintf(conn, "510 Unrecognized command\r\n")
					}
				}
			}(conn)
		}
	}()

	return l.Addr().String()
}

func TestControlChecker_Authenticates(t *testing.T) {
	addr := fakeControl(t, "hunter2")

	checker := NewControlChecker(addr, func() string { return "hunter2" })
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}
}

func TestControlChecker_BadPassword(t *testing.T) {
	addr := fakeControl(t, "hunter2")

	checker := NewControlChecker(addr, func() string { return "wrong" })
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Error("Expected unhealthy with wrong password")
	}
}

func TestControlSignal(t *testing.T) {
	addr := fakeControl(t, "hunter2")

	err := ControlSignal(context.Background(), addr, "hunter2", "NEWNYM", time.Second)
	if err != nil {
		t.Errorf("Expected signal to succeed: %v", err)
	}
}

func TestStatusThreshold(t *testing.T) {
	cfg := Config{Interval: time.Second, Timeout: time.Second, Retries: 2}
	s := NewStatus()

	fail := Result{Healthy: false, CheckedAt: time.Now()}
	ok := Result{Healthy: true, CheckedAt: time.Now()}

	s.Update(fail, cfg)
	if !s.Healthy {
		t.Error("one failure must not trip the threshold")
	}

	s.Update(fail, cfg)
	if s.Healthy {
		t.Error("two consecutive failures must trip the threshold")
	}

	s.Update(ok, cfg)
	if !s.Healthy {
		t.Error("a success must recover the status")
	}
	if s.ConsecutiveFailures != 0 {
		t.Errorf("expected failure counter reset, got %d", s.ConsecutiveFailures)
	}
}
