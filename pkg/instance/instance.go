package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/morningstarxcdcode/anonsuite/pkg/events"
	"github.com/morningstarxcdcode/anonsuite/pkg/health"
	"github.com/morningstarxcdcode/anonsuite/pkg/log"
	"github.com/morningstarxcdcode/anonsuite/pkg/types"
)

// bootstrapMarker is the line tor writes once it has a usable circuit.
const bootstrapMarker = "Bootstrapped 100%"

// readinessPollInterval paces the bootstrap wait loop.
const readinessPollInterval = 500 * time.Millisecond

// Config holds the per-instance supervisor settings.
type Config struct {
	TorPath          string
	User             string // effective user for the child, empty = invoker
	ProbeTarget      string // host:port for SOCKS round-trip probes, empty = connect-only
	BootstrapTimeout time.Duration
	HealthInterval   time.Duration
	ProbeTimeout     time.Duration
	Grace            time.Duration
}

// Supervisor runs and watches one onion-router child process. It owns the
// instance's data directory and process handle exclusively.
type Supervisor struct {
	spec     types.InstanceSpec
	cfg      Config
	password func() string
	broker   *events.Broker
	logger   zerolog.Logger

	mu        sync.Mutex
	state     types.InstanceState
	cmd       *exec.Cmd
	waitCh    chan error
	startedAt time.Time
	lastProbe time.Time
	restarts  int
	monCancel context.CancelFunc
}

// New creates a supervisor for one instance spec. password is deferred so
// the credentials buffer is read only at probe time.
func New(spec types.InstanceSpec, cfg Config, password func() string, broker *events.Broker) *Supervisor {
	return &Supervisor{
		spec:     spec,
		cfg:      cfg,
		password: password,
		broker:   broker,
		logger:   log.WithInstance("instance", spec.Index),
		state:    types.InstancePending,
	}
}

// Spec returns the immutable instance spec.
func (s *Supervisor) Spec() types.InstanceSpec {
	return s.spec
}

// Status returns a point-in-time copy of the runtime state.
func (s *Supervisor) Status() types.InstanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := types.InstanceStatus{
		Index:     s.spec.Index,
		State:     s.state,
		StartedAt: s.startedAt,
		LastProbe: s.lastProbe,
		Restarts:  s.restarts,
	}
	if s.cmd != nil && s.cmd.Process != nil && s.state.Running() {
		st.PID = s.cmd.Process.Pid
	}
	return st
}

// Start spawns the child and blocks until it is Ready or terminally failed.
// On success the health monitor keeps running until Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.ensureDataDir(); err != nil {
		return err
	}

	if err := s.spawn(); err != nil {
		return err
	}

	if err := s.waitReady(ctx); err != nil {
		// The child may still be running after a timeout; reap it.
		s.killGroup()
		s.setState(types.InstanceFailed, events.EventInstanceFailed)
		return err
	}

	s.setState(types.InstanceReady, events.EventInstanceReady)
	s.logger.Info().Int("pid", s.Status().PID).Msg("instance ready")

	monCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.monCancel = cancel
	s.mu.Unlock()
	go s.monitor(monCtx)

	return nil
}

// Stop terminates the child: SIGTERM to the process group, a grace wait,
// then SIGKILL. The data directory is released but not deleted.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.monCancel != nil {
		s.monCancel()
		s.monCancel = nil
	}
	if !s.state.Running() {
		s.state = types.InstanceStopped
		s.mu.Unlock()
		return nil
	}
	s.state = types.InstanceTerminating
	cmd := s.cmd
	waitCh := s.waitCh
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		s.signalGroup(cmd.Process.Pid, unix.SIGTERM)

		// The monitor may race us for the Wait result; bound every wait
		// so a consumed channel cannot hang the teardown.
		select {
		case <-waitCh:
		case <-time.After(s.cfg.Grace):
			s.logger.Warn().Msg("grace expired, killing instance")
			s.signalGroup(cmd.Process.Pid, unix.SIGKILL)
			select {
			case <-waitCh:
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
		case <-ctx.Done():
			s.signalGroup(cmd.Process.Pid, unix.SIGKILL)
			select {
			case <-waitCh:
			case <-time.After(5 * time.Second):
			}
		}
	}

	s.setState(types.InstanceStopped, events.EventInstanceStopped)
	s.logger.Info().Msg("instance stopped")
	return nil
}

// ensureDataDir creates the data dir 0700 and verifies it is owned by the
// effective user so a prior root run cannot poison this one.
func (s *Supervisor) ensureDataDir() error {
	dir := s.spec.DataDir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return &DataDirError{Index: s.spec.Index, Path: dir, Err: err}
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return &DataDirError{Index: s.spec.Index, Path: dir, Err: err}
	}

	// The dir must belong to the user the child will run as; root-owned
	// remnants of a prior run are refused, not adopted.
	wantUID := os.Geteuid()
	if s.cfg.User != "" {
		cred, err := userCredential(s.cfg.User)
		if err != nil {
			return &DataDirError{Index: s.spec.Index, Path: dir, Err: err}
		}
		wantUID = int(cred.Uid)
		if err := os.Chown(dir, int(cred.Uid), int(cred.Gid)); err != nil {
			return &DataDirError{Index: s.spec.Index, Path: dir, Err: err}
		}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return &DataDirError{Index: s.spec.Index, Path: dir, Err: err}
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if int(stat.Uid) != wantUID {
			return &DataDirError{
				Index: s.spec.Index,
				Path:  dir,
				Err:   fmt.Errorf("owned by uid %d, want uid %d", stat.Uid, wantUID),
			}
		}
	}
	return nil
}

// spawn starts the tor child in its own process group with output teed to
// the per-instance log.
func (s *Supervisor) spawn() error {
	logFile, err := os.OpenFile(s.spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return &SpawnError{Index: s.spec.Index, Err: err}
	}

	cmd := exec.Command(s.cfg.TorPath, "-f", s.spec.TorrcPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	// Own process group: a supervisor panic must not orphan-signal the
	// children, and teardown signals the group, not just the pid.
	attr := &syscall.SysProcAttr{Setpgid: true}
	if s.cfg.User != "" {
		cred, err := userCredential(s.cfg.User)
		if err != nil {
			logFile.Close()
			return &SpawnError{Index: s.spec.Index, Err: err}
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return &SpawnError{Index: s.spec.Index, Err: err}
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
		logFile.Close()
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.waitCh = waitCh
	s.startedAt = time.Now()
	s.state = types.InstanceStarting
	s.mu.Unlock()

	s.broker.Publish(events.Event{
		Type:     events.EventInstanceStarting,
		Instance: s.spec.Index,
		State:    types.InstanceStarting,
	})
	s.logger.Debug().Int("pid", cmd.Process.Pid).Msg("instance spawned")
	return nil
}

// waitReady blocks until the bootstrap marker shows up in the instance log
// or the SOCKS and control ports answer, whichever comes first.
func (s *Supervisor) waitReady(ctx context.Context) error {
	deadline := time.NewTimer(s.cfg.BootstrapTimeout)
	defer deadline.Stop()

	tick := time.NewTicker(readinessPollInterval)
	defer tick.Stop()

	s.mu.Lock()
	waitCh := s.waitCh
	s.mu.Unlock()

	for {
		select {
		case err := <-waitCh:
			return s.crashError(err)
		case <-deadline.C:
			return &BootstrapTimeoutError{Index: s.spec.Index}
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if s.logMarkerSeen() || s.portsAnswer(ctx) {
				return nil
			}
		}
	}
}

// logMarkerSeen scans the instance log for the bootstrap-complete marker.
func (s *Supervisor) logMarkerSeen() bool {
	data, err := os.ReadFile(s.spec.LogPath)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), bootstrapMarker)
}

// portsAnswer probes the SOCKS port with a connect and the control port
// with an authenticated exchange.
func (s *Supervisor) portsAnswer(ctx context.Context) bool {
	socks := health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", s.spec.SocksPort)).
		WithTimeout(s.cfg.ProbeTimeout)
	if !socks.Check(ctx).Healthy {
		return false
	}

	ctrl := health.NewControlChecker(fmt.Sprintf("127.0.0.1:%d", s.spec.ControlPort), s.password)
	ctrl.Timeout = s.cfg.ProbeTimeout
	return ctrl.Check(ctx).Healthy
}

func (s *Supervisor) setState(state types.InstanceState, ev events.EventType) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.broker.Publish(events.Event{
		Type:     ev,
		Instance: s.spec.Index,
		State:    state,
	})
}

func (s *Supervisor) signalGroup(pid int, sig unix.Signal) {
	// Negative pid addresses the whole process group.
	if err := unix.Kill(-pid, sig); err != nil {
		// Group may be gone already; fall back to the pid.
		_ = unix.Kill(pid, sig)
	}
}

func (s *Supervisor) killGroup() {
	s.mu.Lock()
	cmd := s.cmd
	waitCh := s.waitCh
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	s.signalGroup(cmd.Process.Pid, unix.SIGKILL)
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
	}
}

// userCredential resolves a username to the syscall credential for the
// child process.
func userCredential(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("non-numeric uid for %q: %w", username, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("non-numeric gid for %q: %w", username, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// crashError turns a Wait result into a CrashedError.
func (s *Supervisor) crashError(err error) error {
	ce := &CrashedError{Index: s.spec.Index, ExitCode: -1}
	var exitErr *exec.ExitError
	if err == nil {
		ce.ExitCode = 0
	} else if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ce.Signal = ws.Signal().String()
		} else {
			ce.ExitCode = exitErr.ExitCode()
		}
	}
	return ce
}
