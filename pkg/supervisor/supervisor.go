package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/morningstarxcdcode/anonsuite/pkg/config"
	"github.com/morningstarxcdcode/anonsuite/pkg/creds"
	"github.com/morningstarxcdcode/anonsuite/pkg/events"
	"github.com/morningstarxcdcode/anonsuite/pkg/frontend"
	"github.com/morningstarxcdcode/anonsuite/pkg/health"
	"github.com/morningstarxcdcode/anonsuite/pkg/instance"
	"github.com/morningstarxcdcode/anonsuite/pkg/log"
	"github.com/morningstarxcdcode/anonsuite/pkg/metrics"
	"github.com/morningstarxcdcode/anonsuite/pkg/pool"
	"github.com/morningstarxcdcode/anonsuite/pkg/ports"
	"github.com/morningstarxcdcode/anonsuite/pkg/redirect"
	"github.com/morningstarxcdcode/anonsuite/pkg/render"
	"github.com/morningstarxcdcode/anonsuite/pkg/runner"
	"github.com/morningstarxcdcode/anonsuite/pkg/types"
)

// StartError wraps the stage that broke a Start, with any rollback errors
// attached as causes.
type StartError struct {
	Step     types.RunState
	Err      error
	Rollback error // non-nil when rollback itself partially failed
}

func (e *StartError) Error() string {
	if e.Rollback != nil {
		return fmt.Sprintf("start failed at %s: %v (rollback: %v)", e.Step, e.Err, e.Rollback)
	}
	return fmt.Sprintf("start failed at %s: %v", e.Step, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Coordinator is the single public surface of the supervisor. It owns the
// run state, the credentials, and the redirection snapshot, and it is the
// only layer that decides between rollback and surfacing an error.
type Coordinator struct {
	opts   config.Options
	runID  string
	run    runner.Runner
	broker *events.Broker
	logger zerolog.Logger

	mu         sync.Mutex
	state      types.RunState
	failedStep types.RunState

	// Run artifacts, populated stage by stage.
	portMap    types.PortMap
	credential *creds.Credentials
	rendered   *render.Result
	runRoot    string
	pool       *pool.Manager
	front      *frontend.FrontEnd
	redirector redirect.Redirector

	poolFailed chan struct{}
	failOnce   sync.Once
}

// New validates the options and resolves every external binary. No host
// state is touched; a failure here maps to the precondition exit code.
func New(opts config.Options) (*Coordinator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := opts.AbsDirs(); err != nil {
		return nil, err
	}
	if err := opts.Binaries.Resolve(opts.FilterEnabled()); err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	return &Coordinator{
		opts:       opts,
		runID:      uuid.New().String(),
		run:        runner.New(),
		broker:     broker,
		logger:     log.WithComponent("coordinator"),
		state:      types.RunInit,
		poolFailed: make(chan struct{}),
	}, nil
}

// RunID returns the identifier naming this run's directory.
func (c *Coordinator) RunID() string { return c.runID }

// State returns the current run state.
func (c *Coordinator) State() types.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the state machine. The mutex is held only for the
// transition itself, never across blocking work.
func (c *Coordinator) transition(state types.RunState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	metrics.SetRunState(string(state))
	c.broker.Publish(events.Event{
		Type:     events.EventRunStateChanged,
		Instance: -1,
		Message:  string(state),
	})
	c.logger.Info().Str("state", string(state)).Msg("run state")
}

// Start drives the machine from Init to Running. A port-allocation failure
// is returned as is and leaves the state at Init, since nothing has been
// touched yet. Any later stage failure rolls back everything already
// started, in reverse, and returns a StartError.
func (c *Coordinator) Start(ctx context.Context) error {
	if st := c.State(); st != types.RunInit {
		return fmt.Errorf("start from %s not allowed", st)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.StartDeadline)
	defer cancel()

	// Stage 1: ports. Pure precondition, nothing to roll back.
	pm, err := ports.Allocate(ports.Request{
		Instances:   c.opts.Instances,
		SocksBase:   c.opts.SocksBasePort,
		ControlBase: c.opts.ControlBasePort,
		LBFront:     c.opts.LBFrontPort,
		Filter:      c.opts.FilterListenPort,
		WithDNS:     true,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.portMap = pm
	c.mu.Unlock()
	c.transition(types.RunPortsAllocated)

	// Stage 2: credentials, then rendered configs.
	cred, err := creds.Generate(ctx, c.run, c.opts.Binaries.Tor)
	if err != nil {
		return c.fail(types.RunPortsAllocated, err)
	}
	c.mu.Lock()
	c.credential = cred
	c.mu.Unlock()

	specs := c.buildSpecs(pm)
	c.runRoot = filepath.Join(c.opts.RunDir, c.runID)
	renderer := &render.Renderer{TemplatesDir: c.opts.TemplatesDir}
	rendered, err := renderer.Render(c.runRoot, specs, pm, cred.Hashed)
	if err != nil {
		return c.fail(types.RunPortsAllocated, err)
	}
	c.rendered = rendered
	c.transition(types.RunConfigsRendered)

	// Stage 3: the instance pool.
	p := c.buildPool(specs)
	c.mu.Lock()
	c.pool = p
	c.mu.Unlock()
	go c.watchPool()
	if err := p.Start(ctx); err != nil {
		return c.fail(types.RunConfigsRendered, err)
	}
	c.transition(types.RunInstancesUp)

	// Stage 4: LB and optional filter.
	c.front = frontend.New(frontend.Config{
		HAProxyPath:  c.opts.Binaries.HAProxy,
		HAProxyCfg:   rendered.HAProxyPath,
		LBFrontPort:  pm.LBFront,
		PrivoxyPath:  c.opts.Binaries.Privoxy,
		PrivoxyCfg:   rendered.FilterPath,
		FilterPort:   pm.FilterPort,
		LogDir:       c.runRoot,
		ProbeTimeout: c.opts.ProbeTimeout,
		Grace:        c.opts.Grace,
	}, c.broker)
	if err := c.front.Start(ctx); err != nil {
		return c.fail(types.RunInstancesUp, err)
	}
	c.transition(types.RunFrontEndUp)

	// Stage 5: hijack the host's outbound traffic.
	rd, err := redirect.New(redirect.Params{
		LBFrontPort:  pm.LBFront,
		DNSPort:      pm.DNS,
		IPTablesPath: c.opts.Binaries.IPTables,
		PfctlPath:    c.opts.Binaries.Pfctl,
		Interface:    primaryInterface(),
		RuleFilePath: filepath.Join(c.runRoot, "pf.rules"),
		Runner:       c.run,
	})
	if err != nil {
		return c.fail(types.RunFrontEndUp, err)
	}
	c.redirector = rd
	if err := rd.Install(ctx); err != nil {
		return c.fail(types.RunFrontEndUp, err)
	}
	metrics.RedirectionActive.Set(1)
	c.broker.Publish(events.Event{Type: events.EventRedirectOn, Instance: -1})
	c.transition(types.RunRedirectionActive)

	c.transition(types.RunRunning)
	c.logger.Info().Str("run_id", c.runID).Msg("supervisor running")
	return nil
}

// Stop drains the run: redirection off, front-end down, pool down in
// reverse, configs removed, credentials zeroized. Stop on a Stopped or
// Init coordinator is a successful no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	st := c.State()
	if st == types.RunInit || st.Terminal() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.StopDeadline)
	defer cancel()

	c.transition(types.RunDraining)
	err := c.teardown(ctx)
	if err != nil {
		c.transition(types.RunFailed)
		return err
	}
	c.transition(types.RunStopped)
	return nil
}

// fail rolls back from a failed stage and records the terminal state. The
// original trigger is always the primary error.
func (c *Coordinator) fail(step types.RunState, trigger error) error {
	c.logger.Error().Err(trigger).Str("step", string(step)).Msg("start failed, rolling back")

	// Rollback runs under its own deadline: the start context may
	// already be expired or canceled.
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopDeadline)
	defer cancel()

	rollbackErr := c.teardown(ctx)

	c.mu.Lock()
	c.failedStep = step
	c.mu.Unlock()
	c.transition(types.RunFailed)

	return &StartError{Step: step, Err: trigger, Rollback: rollbackErr}
}

// teardown is the shared reverse-order shutdown used by Stop and by the
// failure path. A failing step is logged and the next step still runs.
func (c *Coordinator) teardown(ctx context.Context) error {
	var errs []error

	if c.redirector != nil {
		if err := c.redirector.Restore(ctx); err != nil {
			c.logger.Error().Err(err).Msg("redirector stop failed")
			errs = append(errs, err)
		} else {
			c.logger.Info().Msg("redirector stop ok")
		}
		metrics.RedirectionActive.Set(0)
		c.broker.Publish(events.Event{Type: events.EventRedirectOff, Instance: -1})
		c.redirector = nil
	}

	if c.front != nil {
		if err := c.front.Stop(ctx); err != nil {
			c.logger.Error().Err(err).Msg("frontend stop failed")
			errs = append(errs, err)
		}
		c.front = nil
	}

	c.mu.Lock()
	p := c.pool
	c.pool = nil
	c.mu.Unlock()
	if p != nil {
		if err := p.Stop(ctx); err != nil {
			c.logger.Error().Err(err).Msg("pool stop failed")
			errs = append(errs, err)
		}
	}

	if c.runRoot != "" {
		if err := os.RemoveAll(c.runRoot); err != nil {
			c.logger.Error().Err(err).Msg("run dir removal failed")
			errs = append(errs, err)
		}
		c.runRoot = ""
		c.rendered = nil
	}

	c.mu.Lock()
	if c.credential != nil {
		c.credential.Zero()
		c.credential = nil
	}
	c.mu.Unlock()

	return errors.Join(errs...)
}

// buildSpecs lays out the per-instance specs under the run root. Instance
// 0 carries the DNS role.
func (c *Coordinator) buildSpecs(pm types.PortMap) []types.InstanceSpec {
	specs := make([]types.InstanceSpec, c.opts.Instances)
	for i := range specs {
		role := types.RoleSocks
		dnsPort := 0
		if i == 0 {
			role = types.RoleDNS
			dnsPort = pm.DNS
		}
		specs[i] = types.InstanceSpec{
			Index:       i,
			SocksPort:   pm.Socks[i],
			ControlPort: pm.Control[i],
			DNSPort:     dnsPort,
			DataDir:     filepath.Join(c.opts.RunDir, c.runID, fmt.Sprintf("data-%d", i)),
			TorrcPath:   filepath.Join(c.opts.RunDir, c.runID, fmt.Sprintf("torrc-%d", i)),
			LogPath:     filepath.Join(c.opts.RunDir, c.runID, fmt.Sprintf("instance-%d.log", i)),
			Role:        role,
		}
	}
	return specs
}

func (c *Coordinator) buildPool(specs []types.InstanceSpec) *pool.Manager {
	icfg := instance.Config{
		TorPath:          c.opts.Binaries.Tor,
		User:             c.opts.User,
		ProbeTarget:      c.opts.ProbeTarget,
		BootstrapTimeout: c.opts.BootstrapTimeout,
		HealthInterval:   c.opts.HealthInterval,
		ProbeTimeout:     c.opts.ProbeTimeout,
		Grace:            c.opts.Grace,
	}
	password := func() string {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.credential == nil {
			return ""
		}
		return c.credential.Plaintext()
	}

	instances := make([]pool.Instance, len(specs))
	for i, spec := range specs {
		instances[i] = instance.New(spec, icfg, password, c.broker)
	}
	return pool.NewManager(instances, c.broker)
}

// watchPool closes PoolFailed when any instance publishes a terminal
// failure. It subscribes before the pool starts, so a failure during
// startup closes it as well; the CLI reacts to it by draining.
func (c *Coordinator) watchPool() {
	sub := c.broker.Subscribe()
	defer c.broker.Unsubscribe(sub)

	for ev := range sub {
		if ev.Type == events.EventInstanceFailed {
			c.failOnce.Do(func() { close(c.poolFailed) })
			return
		}
	}
}

// PoolFailed is closed when an instance fails terminally at runtime.
func (c *Coordinator) PoolFailed() <-chan struct{} {
	return c.poolFailed
}

// Health returns the pool aggregate, or Failed before the pool exists.
func (c *Coordinator) Health() types.AggregateHealth {
	c.mu.Lock()
	p := c.pool
	c.mu.Unlock()
	if p == nil {
		return types.PoolFailed
	}
	return p.Health()
}

// Status reports the run and per-instance view for the CLI.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	p := c.pool
	st := c.state
	failed := c.failedStep
	pm := c.portMap
	c.mu.Unlock()

	s := Status{
		RunID:      c.runID,
		State:      st,
		FailedStep: failed,
		PortMap:    pm,
	}
	if p != nil {
		s.Instances = p.Statuses()
		s.Health = p.Health()
	}
	return s
}

// Rotate issues a NEWNYM circuit-rotation signal to every ready instance.
func (c *Coordinator) Rotate(ctx context.Context) error {
	c.mu.Lock()
	p := c.pool
	cred := c.credential
	c.mu.Unlock()
	if p == nil || cred == nil {
		return fmt.Errorf("rotation requires a running pool")
	}

	password := cred.Plaintext()
	return p.Rotate(ctx, func(ctx context.Context, spec types.InstanceSpec) error {
		addr := fmt.Sprintf("127.0.0.1:%d", spec.ControlPort)
		return health.ControlSignal(ctx, addr, password, "NEWNYM", c.opts.ProbeTimeout)
	})
}

// Status is the point-in-time run view.
type Status struct {
	RunID      string
	State      types.RunState
	FailedStep types.RunState // stage a failed Start broke at; empty otherwise
	Health     types.AggregateHealth
	PortMap    types.PortMap
	Instances  []types.InstanceStatus
}

// Close releases the coordinator's event broker.
func (c *Coordinator) Close() {
	c.broker.Stop()
}

// primaryInterface names the pinned physical interface for macOS rdr
// rules. The ANONSUITE_INTERFACE environment variable overrides the en0
// default.
func primaryInterface() string {
	if iface := os.Getenv("ANONSUITE_INTERFACE"); iface != "" {
		return iface
	}
	return "en0"
}

// RestoreHints are the commands an operator can run to inspect and clean
// up after a RestoreFailed.
func RestoreHints() []string {
	return []string{
		"iptables -t nat -S            # inspect remaining NAT rules (Linux)",
		"iptables -t nat -F            # flush the NAT table (Linux)",
		"pfctl -s info && pfctl -d     # inspect and disable pf (macOS)",
		"cat /etc/resolv.conf          # verify the resolver was restored",
	}
}
