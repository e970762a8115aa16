/*
Package pool coordinates the N instance supervisors. Starts are parallel to
amortize bootstrap latency; stops are strictly sequential in reverse index
order so logs do not interleave and group signals cannot race on shared
data-dir parents. A start waits for every instance to finish starting; if
any failed, every instance is stopped in reverse index order and the
lowest-index failure surfaces.
*/
package pool
