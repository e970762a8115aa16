/*
Package ports reserves the TCP ports a run needs: one SOCKS and one control
port per instance, the load-balancer front-end port, and the optional HTTP
filter port.

Allocation probes successive candidates from each base port with a loopback
bind and skips ports that are already bound. Ports the caller pinned
explicitly (the LB front-end and filter ports) are never rebound; a conflict
on one of those is ExplicitPortTakenError. The scan is bounded, and the
resulting map is verified pairwise distinct across all port classes.
*/
package ports
