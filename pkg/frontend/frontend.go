package frontend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/morningstarxcdcode/anonsuite/pkg/events"
	"github.com/morningstarxcdcode/anonsuite/pkg/health"
	"github.com/morningstarxcdcode/anonsuite/pkg/log"
)

// probeAttempts bounds how long a freshly-started listener gets to open
// its port before the front-end is declared failed.
const (
	probeAttempts = 20
	probeSpacing  = 250 * time.Millisecond
)

// ProbeError reports a front-end subprocess whose listen port never
// answered after start.
type ProbeError struct {
	Component string
	Port      int
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s did not answer on port %d after start", e.Component, e.Port)
}

// Config describes the front-end chain.
type Config struct {
	HAProxyPath string
	HAProxyCfg  string
	LBFrontPort int

	PrivoxyPath string
	PrivoxyCfg  string
	FilterPort  int // 0 disables the filter

	LogDir       string
	ProbeTimeout time.Duration
	Grace        time.Duration
}

// FrontEnd runs the TCP load balancer and the optional HTTP filter chained
// in front of it. Start order is LB then filter; stop order is the
// reverse.
type FrontEnd struct {
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	lb      *process
	filter  *process
	started bool
}

// process tracks one front-end child.
type process struct {
	name   string
	cmd    *exec.Cmd
	waitCh chan error
}

// New creates a front-end for the rendered configs.
func New(cfg Config, broker *events.Broker) *FrontEnd {
	return &FrontEnd{
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("frontend"),
	}
}

// Start brings up the LB, verifies its port, then the filter (when
// enabled) and verifies its port. Any failure stops whatever came up.
func (f *FrontEnd) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	lb, err := f.spawn("lb", f.cfg.HAProxyPath, "-f", f.cfg.HAProxyCfg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.lb = lb
	f.mu.Unlock()

	if err := f.verify(ctx, "lb", f.cfg.LBFrontPort, lb); err != nil {
		f.stopProcess(lb)
		f.clear()
		return err
	}
	f.logger.Info().Int("port", f.cfg.LBFrontPort).Msg("lb up")

	if f.cfg.FilterPort != 0 {
		filter, err := f.spawn("filter", f.cfg.PrivoxyPath, "--no-daemon", f.cfg.PrivoxyCfg)
		if err != nil {
			f.stopProcess(lb)
			f.clear()
			return err
		}
		f.mu.Lock()
		f.filter = filter
		f.mu.Unlock()

		if err := f.verify(ctx, "filter", f.cfg.FilterPort, filter); err != nil {
			f.stopProcess(filter)
			f.stopProcess(lb)
			f.clear()
			return err
		}
		f.logger.Info().Int("port", f.cfg.FilterPort).Msg("filter up")
	}

	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	f.broker.Publish(events.Event{Type: events.EventFrontEndUp, Instance: -1})
	return nil
}

// Stop takes the chain down, filter before LB.
func (f *FrontEnd) Stop(ctx context.Context) error {
	f.mu.Lock()
	filter, lb := f.filter, f.lb
	f.filter, f.lb = nil, nil
	f.started = false
	f.mu.Unlock()

	if filter != nil {
		f.stopProcess(filter)
		f.logger.Info().Msg("filter stop ok")
	}
	if lb != nil {
		f.stopProcess(lb)
		f.logger.Info().Msg("lb stop ok")
	}
	f.broker.Publish(events.Event{Type: events.EventFrontEndDown, Instance: -1})
	return nil
}

// spawn starts one child in its own process group with output teed to a
// component log under the run directory.
func (f *FrontEnd) spawn(name, bin string, args ...string) (*process, error) {
	logFile, err := os.OpenFile(
		fmt.Sprintf("%s/%s.log", f.cfg.LogDir, name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s log: %w", name, err)
	}

	cmd := exec.Command(bin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
		logFile.Close()
	}()

	f.logger.Debug().Str("proc", name).Int("pid", cmd.Process.Pid).Msg("spawned")
	return &process{name: name, cmd: cmd, waitCh: waitCh}, nil
}

// verify connect-probes the child's listen port, bailing early if the
// child already exited.
func (f *FrontEnd) verify(ctx context.Context, name string, port int, p *process) error {
	checker := health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", port)).
		WithTimeout(f.cfg.ProbeTimeout)

	for i := 0; i < probeAttempts; i++ {
		select {
		case err := <-p.waitCh:
			return fmt.Errorf("%s exited during startup: %w", name, err)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeSpacing):
		}
		if checker.Check(ctx).Healthy {
			return nil
		}
	}
	return &ProbeError{Component: name, Port: port}
}

// stopProcess is SIGTERM, grace, SIGKILL against the process group.
func (f *FrontEnd) stopProcess(p *process) {
	if p == nil || p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		_ = unix.Kill(pid, unix.SIGTERM)
	}

	select {
	case <-p.waitCh:
		return
	case <-time.After(f.cfg.Grace):
	}

	f.logger.Warn().Str("proc", p.name).Msg("grace expired, killing")
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
	<-p.waitCh
}

func (f *FrontEnd) clear() {
	f.mu.Lock()
	f.lb, f.filter = nil, nil
	f.started = false
	f.mu.Unlock()
}
