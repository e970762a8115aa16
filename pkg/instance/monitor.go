package instance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/morningstarxcdcode/anonsuite/pkg/events"
	"github.com/morningstarxcdcode/anonsuite/pkg/health"
	"github.com/morningstarxcdcode/anonsuite/pkg/metrics"
	"github.com/morningstarxcdcode/anonsuite/pkg/types"
)

// monitor probes the instance until its context is canceled. The loop body
// runs probes inline, so at most one probe per instance is ever in flight:
// a flapping instance cannot flood the control port or the log.
func (s *Supervisor) monitor(ctx context.Context) {
	cfg := health.Config{
		Interval: s.cfg.HealthInterval,
		Timeout:  s.cfg.ProbeTimeout,
		Retries:  2,
	}
	status := health.NewStatus()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	s.mu.Lock()
	waitCh := s.waitCh
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-waitCh:
			// Unexpected exit while we were not stopping it.
			crash := s.crashError(err)
			s.logger.Error().Err(crash).Msg("instance exited unexpectedly")
			if !s.tryRestart(ctx) {
				s.setState(types.InstanceFailed, events.EventInstanceFailed)
				return
			}
			s.mu.Lock()
			waitCh = s.waitCh
			s.mu.Unlock()
			status = health.NewStatus()

		case <-ticker.C:
			result := s.probe(ctx)
			status.Update(result, cfg)

			s.mu.Lock()
			s.lastProbe = result.CheckedAt
			s.mu.Unlock()

			metrics.ProbeDuration.WithLabelValues("instance").Observe(result.Duration.Seconds())
			if !result.Healthy {
				metrics.ProbeFailures.WithLabelValues("instance").Inc()
			}

			if status.Healthy {
				if s.Status().State == types.InstanceDegraded {
					s.setState(types.InstanceReady, events.EventInstanceReady)
					s.logger.Info().Msg("instance recovered")
				}
				continue
			}

			s.logger.Warn().Str("reason", result.Message).Msg("instance degraded")
			s.setState(types.InstanceDegraded, events.EventInstanceDegraded)

			if !s.tryRestart(ctx) {
				s.setState(types.InstanceFailed, events.EventInstanceFailed)
				return
			}
			s.mu.Lock()
			waitCh = s.waitCh
			s.mu.Unlock()
			status = health.NewStatus()
		}
	}
}

// probe checks the SOCKS port and the control port. The SOCKS side is a
// bare connect by default, or a full round trip through the proxy when a
// probe target is configured. Both must pass.
func (s *Supervisor) probe(ctx context.Context) health.Result {
	socksAddr := fmt.Sprintf("127.0.0.1:%d", s.spec.SocksPort)
	var socks health.Checker
	if s.cfg.ProbeTarget != "" {
		sc := health.NewSocksChecker(socksAddr, s.cfg.ProbeTarget)
		sc.Timeout = s.cfg.ProbeTimeout
		socks = sc
	} else {
		socks = health.NewTCPChecker(socksAddr).WithTimeout(s.cfg.ProbeTimeout)
	}
	if r := socks.Check(ctx); !r.Healthy {
		return r
	}

	ctrl := health.NewControlChecker(fmt.Sprintf("127.0.0.1:%d", s.spec.ControlPort), s.password)
	ctrl.Timeout = s.cfg.ProbeTimeout
	return ctrl.Check(ctx)
}

// tryRestart performs the single in-place restart an instance is allowed
// before it is declared failed. Same spec, same data dir.
func (s *Supervisor) tryRestart(ctx context.Context) bool {
	s.mu.Lock()
	if s.restarts >= 1 {
		s.mu.Unlock()
		return false
	}
	s.restarts++
	restarts := s.restarts
	s.mu.Unlock()

	s.logger.Warn().Int("attempt", restarts).Msg("restarting instance in place")
	metrics.InstanceRestarts.WithLabelValues(strconv.Itoa(s.spec.Index)).Inc()
	s.broker.Publish(events.Event{
		Type:     events.EventInstanceRestart,
		Instance: s.spec.Index,
		State:    types.InstanceStarting,
	})

	s.killGroup()

	if err := s.spawn(); err != nil {
		s.logger.Error().Err(err).Msg("in-place restart spawn failed")
		return false
	}
	if err := s.waitReady(ctx); err != nil {
		s.logger.Error().Err(err).Msg("in-place restart did not become ready")
		s.killGroup()
		return false
	}

	s.setState(types.InstanceReady, events.EventInstanceReady)
	s.logger.Info().Msg("instance restarted")
	return true
}
