// Package trace implements the engine's TraceCollector (§4.10): the same
// ring-buffer/index shape as audit.Log, but opt-in, volatile (no
// persistence), and globally toggleable.
package trace

import (
	"sync/atomic"

	"github.com/kestrelflow/reactor/internal/audit"
)

// Collector wraps an audit.Log configured without a StorageAdapter, gating
// every Record behind an enabled flag so a disabled collector costs a
// single atomic load per dispatch-path call.
type Collector struct {
	log     *audit.Log
	enabled atomic.Bool
}

// New returns a Collector holding at most maxEntries, disabled by default.
func New(maxEntries int) *Collector {
	return &Collector{log: audit.New(audit.Options{MaxMemoryEntries: maxEntries})}
}

// Enable turns on trace collection.
func (c *Collector) Enable() { c.enabled.Store(true) }

// Disable turns off trace collection; Record becomes a no-op.
func (c *Collector) Disable() { c.enabled.Store(false) }

// Enabled reports whether tracing is currently active.
func (c *Collector) Enabled() bool { return c.enabled.Load() }

// Record implements engine.Recorder; a no-op while disabled.
func (c *Collector) Record(entryType string, fields map[string]any) {
	if !c.enabled.Load() {
		return
	}
	c.log.Record(entryType, fields)
}

// Query delegates to the underlying ring buffer.
func (c *Collector) Query(f audit.Filter) audit.QueryResult {
	return c.log.Query(f)
}

// Len returns the number of entries currently held.
func (c *Collector) Len() int {
	return c.log.Len()
}
