/*
Package events is the supervisor's internal event stream. Instance
supervisors, the front-end and the coordinator publish lifecycle and health
transitions; the coordinator subscribes to watch for instance failures. The
pool manager does not subscribe: it reads instance state through each
supervisor's Status copy. Slow subscribers are skipped rather than blocking
the publishers.
*/
package events
