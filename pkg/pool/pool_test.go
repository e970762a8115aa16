package pool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morningstarxcdcode/anonsuite/pkg/events"
	"github.com/morningstarxcdcode/anonsuite/pkg/types"
)

// fakeInstance records start/stop ordering and simulates failures.
type fakeInstance struct {
	index    int
	startErr error
	state    types.InstanceState

	mu      sync.Mutex
	started bool
	order   *orderLog
}

type orderLog struct {
	mu    sync.Mutex
	stops []int
}

func (o *orderLog) recordStop(i int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stops = append(o.stops, i)
}

func (f *fakeInstance) Spec() types.InstanceSpec {
	return types.InstanceSpec{Index: f.index}
}

func (f *fakeInstance) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.state = types.InstanceFailed
		return f.startErr
	}
	f.started = true
	f.state = types.InstanceReady
	return nil
}

func (f *fakeInstance) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order.recordStop(f.index)
	f.started = false
	f.state = types.InstanceStopped
	return nil
}

func (f *fakeInstance) Status() types.InstanceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.InstanceStatus{Index: f.index, State: f.state}
}

func newPool(t *testing.T, fakes []*fakeInstance) (*Manager, *orderLog) {
	t.Helper()
	order := &orderLog{}
	instances := make([]Instance, len(fakes))
	for i, f := range fakes {
		f.order = order
		instances[i] = f
	}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return NewManager(instances, broker), order
}

func TestStartAllReady(t *testing.T) {
	fakes := []*fakeInstance{{index: 0}, {index: 1}, {index: 2}}
	m, _ := newPool(t, fakes)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, types.PoolHealthy, m.Health())
}

func TestStartFailureStopsStartedInReverseOrder(t *testing.T) {
	boom := errors.New("bootstrap timeout")
	fakes := []*fakeInstance{{index: 0}, {index: 1, startErr: boom}, {index: 2}}
	m, order := newPool(t, fakes)

	err := m.Start(context.Background())
	require.ErrorIs(t, err, boom)

	// Reverse index order, every instance visited.
	assert.Equal(t, []int{2, 1, 0}, order.stops)
}

func TestStartSurfacesLowestIndexFailure(t *testing.T) {
	err0 := errors.New("crash 0")
	err2 := errors.New("crash 2")
	fakes := []*fakeInstance{{index: 0, startErr: err0}, {index: 1}, {index: 2, startErr: err2}}
	m, _ := newPool(t, fakes)

	err := m.Start(context.Background())
	require.ErrorIs(t, err, err0)
}

func TestStopReverseOrder(t *testing.T) {
	fakes := []*fakeInstance{{index: 0}, {index: 1}, {index: 2}}
	m, order := newPool(t, fakes)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	assert.Equal(t, []int{2, 1, 0}, order.stops)
}

func TestHealthAggregation(t *testing.T) {
	tests := []struct {
		name     string
		states   []types.InstanceState
		expected types.AggregateHealth
	}{
		{"all ready", []types.InstanceState{types.InstanceReady, types.InstanceReady}, types.PoolHealthy},
		{"one degraded", []types.InstanceState{types.InstanceReady, types.InstanceDegraded}, types.PoolDegraded},
		{"one failed", []types.InstanceState{types.InstanceDegraded, types.InstanceFailed}, types.PoolFailed},
		{"starting counts degraded", []types.InstanceState{types.InstanceReady, types.InstanceStarting}, types.PoolDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fakes := make([]*fakeInstance, len(tt.states))
			for i, st := range tt.states {
				fakes[i] = &fakeInstance{index: i, state: st}
			}
			m, _ := newPool(t, fakes)
			assert.Equal(t, tt.expected, m.Health())
		})
	}
}

func TestRotateSkipsNotReady(t *testing.T) {
	fakes := []*fakeInstance{
		{index: 0, state: types.InstanceReady},
		{index: 1, state: types.InstanceDegraded},
		{index: 2, state: types.InstanceReady},
	}
	m, _ := newPool(t, fakes)

	var visited []int
	err := m.Rotate(context.Background(), func(_ context.Context, spec types.InstanceSpec) error {
		visited = append(visited, spec.Index)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, visited)
}
