package pool

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/morningstarxcdcode/anonsuite/pkg/events"
	"github.com/morningstarxcdcode/anonsuite/pkg/log"
	"github.com/morningstarxcdcode/anonsuite/pkg/metrics"
	"github.com/morningstarxcdcode/anonsuite/pkg/types"
)

// Instance is the slice of the instance supervisor the pool drives. It is
// an interface so pool ordering can be tested without real children.
type Instance interface {
	Spec() types.InstanceSpec
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() types.InstanceStatus
}

// Manager owns the N instance supervisors. Starts are parallel, stops are
// sequential in reverse index order.
type Manager struct {
	instances []Instance
	broker    *events.Broker
	logger    zerolog.Logger

	mu      sync.Mutex
	started bool
}

// NewManager creates a pool over the given instances. The slice must be
// ordered by instance index.
func NewManager(instances []Instance, broker *events.Broker) *Manager {
	return &Manager{
		instances: instances,
		broker:    broker,
		logger:    log.WithComponent("pool"),
	}
}

// Start launches every instance concurrently and waits until every start
// has returned. A failing instance does not cut the other starts short:
// they run on until Ready or their own failure. If any start failed, all
// instances are then stopped in reverse index order and the first failure
// (by index) is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().Int("instances", len(m.instances)).Msg("starting pool")

	errs := make([]error, len(m.instances))
	var wg sync.WaitGroup
	for i, inst := range m.instances {
		wg.Add(1)
		go func(i int, inst Instance) {
			defer wg.Done()
			errs[i] = inst.Start(ctx)
		}(i, inst)
	}
	wg.Wait()

	var first error
	for _, err := range errs {
		if err != nil {
			first = err
			break
		}
	}
	if first == nil {
		m.updateGauges()
		m.logger.Info().Msg("pool ready")
		return nil
	}

	m.logger.Error().Err(first).Msg("pool start failed, stopping started instances")
	m.stopAll(ctx)
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	return first
}

// Stop takes the pool down sequentially in reverse index order.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()

	failures := m.stopAll(ctx)
	m.updateGauges()

	// Surface the highest-index failure: it happened first in teardown.
	for i := len(m.instances) - 1; i >= 0; i-- {
		if err, ok := failures[i]; ok {
			return err
		}
	}
	return nil
}

// stopAll is the shared reverse-order teardown. Errors are logged per
// instance; teardown always continues to the next one.
func (m *Manager) stopAll(ctx context.Context) map[int]error {
	failures := map[int]error{}
	for i := len(m.instances) - 1; i >= 0; i-- {
		inst := m.instances[i]
		if err := inst.Stop(ctx); err != nil {
			m.logger.Error().Err(err).Int("instance", i).Msg("instance stop failed")
			failures[i] = err
		} else {
			m.logger.Info().Int("instance", i).Msg("instance stop ok")
		}
	}
	return failures
}

// Rotate asks every Ready instance to act via fn (e.g. a NEWNYM signal).
// The first error is returned but every instance is attempted.
func (m *Manager) Rotate(ctx context.Context, fn func(ctx context.Context, spec types.InstanceSpec) error) error {
	var firstErr error
	for _, inst := range m.instances {
		if inst.Status().State != types.InstanceReady {
			continue
		}
		if err := fn(ctx, inst.Spec()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Statuses returns a point-in-time copy of every instance status.
func (m *Manager) Statuses() []types.InstanceStatus {
	out := make([]types.InstanceStatus, len(m.instances))
	for i, inst := range m.instances {
		out[i] = inst.Status()
	}
	return out
}

// Health aggregates the pool: Healthy iff every instance is Ready,
// Degraded if any is Degraded, Failed if any is Failed.
func (m *Manager) Health() types.AggregateHealth {
	health := types.PoolHealthy
	for _, inst := range m.instances {
		switch inst.Status().State {
		case types.InstanceFailed:
			return types.PoolFailed
		case types.InstanceReady:
		default:
			health = types.PoolDegraded
		}
	}
	return health
}

// updateGauges refreshes the per-state instance gauge.
func (m *Manager) updateGauges() {
	metrics.InstancesTotal.Reset()
	for _, inst := range m.instances {
		metrics.InstancesTotal.WithLabelValues(string(inst.Status().State)).Inc()
	}
}
