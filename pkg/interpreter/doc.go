/*
Package interpreter implements the worker side of Cillow: the child process
the broker spawns for each (client, environment) pair.

# Architecture

	┌──────────────────── WORKER PROCESS ─────────────────────┐
	│                                                          │
	│  stdin/stdout ──► protocol.Conn (length-prefixed frames) │
	│                        │                                 │
	│                 ┌──────▼──────┐                          │
	│                 │   Worker    │  one request at a time   │
	│                 └──────┬──────┘                          │
	│        ┌───────────────┼────────────────┐                │
	│  ┌─────▼─────┐  ┌──────▼──────┐  ┌──────▼─────┐          │
	│  │ deps      │  │ installer   │  │ hooks      │          │
	│  │ inspector │  │ (uv / pip)  │  │ (snapshot) │          │
	│  └───────────┘  └─────────────┘  └──────┬─────┘          │
	│                                  ┌──────▼──────┐         │
	│                                  │   Session   │         │
	│                                  │ (evaluator, │         │
	│                                  │  persistent │         │
	│                                  │  namespace) │         │
	│                                  └─────────────┘         │
	└──────────────────────────────────────────────────────────┘

On startup the worker resolves and activates its environment, launches the
evaluator session, snapshots the process-wide hook registry, and reports
READY. The main loop then reads one request frame, dispatches by kind, emits
zero or more stream/byte-stream frames, exactly one of RESULT or EXCEPTION,
and END — in production order, never reordered.

The worker is strictly single-threaded over its evaluator, which is how the
persistent namespace stays coherent without locks. run_command is the one
place two goroutines exist, relaying the child's stdout and stderr pipes.

Hook activation wraps every run_code execution: the startup snapshot is
installed on scope entry and uninstalled in reverse order on every exit path,
so a crashed execution never leaks an instrumented binding.
*/
package interpreter
