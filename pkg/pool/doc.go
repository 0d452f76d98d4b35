/*
Package pool owns the live set of interpreter workers and is the routing
heart of the broker.

# Architecture

	┌─────────────────────── POOL ────────────────────────┐
	│                                                      │
	│  Dispatch(client, env, req, emit)                    │
	│        │                                             │
	│  ┌─────▼──────────────────────────┐                  │
	│  │ admission (one mutex)          │                  │
	│  │  reuse │ Cmax │ Nmax │ spawn   │                  │
	│  └─────┬──────────────────────────┘                  │
	│        │                                             │
	│  ┌─────▼─────┐   ┌───────────┐   ┌───────────┐       │
	│  │ Handle    │   │ Handle    │   │ Handle    │  ...  │
	│  │ actor     │   │ actor     │   │ actor     │       │
	│  │ goroutine │   │ goroutine │   │ goroutine │       │
	│  └─────┬─────┘   └─────┬─────┘   └─────┬─────┘       │
	│        │               │               │             │
	│    subprocess      subprocess      subprocess        │
	└──────────────────────────────────────────────────────┘

Each handle runs one actor goroutine that serves its job queue strictly in
arrival order, which is what serializes same-key requests without a BUSY
flag; the pool mutex covers only map mutation and quota checks. Spawning
reserves the slot first, so concurrent dispatches for a cold key queue
behind the starting worker rather than double-spawning.

Admission refusals (per-client quota, global quota, unknown environment,
shutdown) never mutate the pool: the caller gets a synthesized EXCEPTION +
END. There is no eviction — refusing a new worker beats disrupting another
client's session.

Deletion closes the worker's channel and escalates to a kill after the grace
period; an in-flight request surfaces as Cancelled, queued ones are failed,
and a worker that dies on its own mid-request yields exactly one WorkerDied
for the request it was serving.
*/
package pool
