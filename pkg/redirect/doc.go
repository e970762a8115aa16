/*
Package redirect installs and rolls back the transparent-redirection rules
that steer the host's outbound traffic into the proxy chain.

Two variants implement the same capability set: iptables NAT REDIRECT on
Linux and pf rdr rules plus a resolv.conf substitution on macOS. Both
capture a snapshot of the pre-change host state before any mutation, treat
rule installation and DNS substitution as one atomic unit, and hold the
snapshot in process memory only. Teardown is idempotent: restoring without
a snapshot is a successful no-op, and a second install without an
intervening restore is refused.

Mutations to host firewall state are serialized; no other package touches
the packet filter or the resolver file.
*/
package redirect
