/*
Package broker is the network-facing half of Cillow.

# Architecture

	clients ──► ROUTER socket ──► bounded job queue ──► W dispatchers
	                 ▲                                       │
	                 │            single sender              ▼
	                 └──────────── goroutine ◄────────── pool.Dispatch

One accept goroutine parses incoming [identity][payload] messages. Control
kinds (switch/delete/shutdown_client) are answered inline; runnable kinds
become jobs on a queue of size Q. A full queue is a synchronous ServerBusy
refusal — the accept path never blocks on admission. W dispatcher goroutines
pull jobs, drive the pool, and forward every response frame through one
sender goroutine so a request's frames reach the socket in production order.

Capacities default to Nmax = min(max(2, cpus-1), 8), Cmax = 1,
W = max(2, 2*Nmax), Q = W, all overridable by flags or the YAML config file.

ZeroMQ does not report peer disconnects, so the client wrapper beacons a
PING every two seconds; the liveness loop reaps the workers of any client
silent past the liveness timeout. A clean close still arrives as an explicit
shutdown_client request.

No request timeout exists: code may run indefinitely. Cancellation is client
disconnect, interpreter deletion, or broker shutdown — never partial, always
terminating the stream with a synthesized EXCEPTION + END.
*/
package broker
