/*
Package supervisor is the lifecycle coordinator: the one public surface
tying the port allocator, credential service, template renderer, instance
pool, proxy front-end, and transparent-redirection controller together.

Start advances a strict state machine (Init → PortsAllocated →
ConfigsRendered → InstancesUp → FrontEndUp → RedirectionActive → Running);
no stage begins until the previous one returned success. Any stage failure
triggers a mandatory ordered rollback (redirection, front-end, pool in
reverse index order, rendered configs, credential zeroization) and the
original trigger surfaces with rollback errors attached as causes.

The coordinator exclusively owns the run state, the credentials, and (via
the redirector) the host-state snapshot. One mutex guards state
transitions; holders never perform blocking I/O.
*/
package supervisor
