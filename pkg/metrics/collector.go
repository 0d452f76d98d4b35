package metrics

import (
	"github.com/synacktraa/cillow/pkg/events"
)

// Attach registers the handler that keeps the interpreter gauges and
// counters and the rejection counter from lifecycle events, so the pool
// never touches metrics directly.
func Attach(bus *events.Bus) {
	bus.OnEvent(apply)
}

func apply(ev *events.Event) {
	switch ev.Type {
	case events.EventWorkerSpawned:
		InterpretersActive.Inc()
		InterpretersSpawned.Inc()
	case events.EventWorkerExited, events.EventWorkerEvicted:
		InterpretersActive.Dec()
	case events.EventWorkerDied:
		InterpretersActive.Dec()
		InterpretersDied.Inc()
	case events.EventRequestRejected:
		RequestsRejected.WithLabelValues(string(ev.Reason)).Inc()
	}
}
