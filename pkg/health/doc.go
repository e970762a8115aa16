/*
Package health implements the probe primitives the instance supervisors and
the front-end use: plain TCP connect checks, control-port AUTHENTICATE
checks, and SOCKS5 round-trip checks.

A Checker performs one probe; Status folds successive results into a
healthy/unhealthy verdict using a consecutive-failure threshold. Probes are
bounded by their own timeouts and by the caller's context, and callers keep
at most one probe outstanding per instance.
*/
package health
