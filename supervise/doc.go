/*
Package supervise provides fault-tolerant supervision of long-running
children: it restarts crashed children according to a configurable
strategy, with exponential backoff and crash-rate limiting, and starts and
stops children in a deterministic dependency order.

A supervisor owns an ordered list of [ChildSpec] registrations. Each spec
knows how to start one child and, optionally, how to stop it gracefully.
Register children in dependency order: with [RestForOne] the children
registered after a crashed child are assumed to depend on it and restart
with it.

The worker and proc packages specialize the supervisor for goroutine
workers with message mailboxes and for OS subprocesses with stdio streams.
Owners observe health through the emitted events and the
[Supervisor.Children] snapshots; exhaustion of a child's restart budget is
surfaced as [EventMaxRestartsExceeded] rather than retried forever.
*/
package supervise
