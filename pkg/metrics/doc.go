/*
Package metrics defines the supervisor's Prometheus metrics: instance
counts by state, restart and probe-failure counters, probe latency, and the
coordinator's run-state gauge. The optional /metrics listener is wired up by
the CLI when metricsAddr is set.
*/
package metrics
