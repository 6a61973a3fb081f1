package fdengine

import (
	"sync/atomic"
)

// Metrics tracks runtime counters for the engine. All counters are atomic
// and safe to read from any goroutine; collection is optional and enabled
// via WithMetrics.
type Metrics struct {
	// Polls counts wait syscalls across all workers.
	Polls atomic.Uint64
	// EventsFolded counts kernel readiness reports merged into the table.
	EventsFolded atomic.Uint64
	// Callbacks counts ready-cache callback invocations.
	Callbacks atomic.Uint64
	// Updates counts update-list entries flushed to the poller.
	Updates atomic.Uint64
	// Wakeups counts cross-worker wake-ups sent through the poller.
	Wakeups atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Polls        uint64
	EventsFolded uint64
	Callbacks    uint64
	Updates      uint64
	Wakeups      uint64
}

// Metrics returns a snapshot of the engine counters. Zero values when
// collection is disabled.
func (e *Engine) Metrics() MetricsSnapshot {
	if e.metrics == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Polls:        e.metrics.Polls.Load(),
		EventsFolded: e.metrics.EventsFolded.Load(),
		Callbacks:    e.metrics.Callbacks.Load(),
		Updates:      e.metrics.Updates.Load(),
		Wakeups:      e.metrics.Wakeups.Load(),
	}
}
