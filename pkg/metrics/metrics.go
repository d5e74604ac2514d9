// Package metrics keeps named monotonic counters for the operational snapshot endpoint.
//
// Counters are created on first use and are safe for concurrent updates. A nil *Registry
// and a nil *Counter are valid no-ops, so components can take an optional registry.
package metrics

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names shared across packages.
const (
	EventsPublished    = "events_published"
	PublishFailures    = "publish_failures"
	EventsProcessed    = "events_processed"
	EventsFailed       = "events_failed"
	EventsDeadLettered = "events_dead_lettered"
	EventsDuplicate    = "events_duplicate"
	ReadErrors         = "stream_read_errors"
	EntriesReclaimed   = "entries_reclaimed"
	EntriesTrimmed     = "entries_trimmed"
	PollCycles         = "poll_cycles"
	PollErrors         = "poll_errors"
	ChangesDetected    = "changes_detected"
	Broadcasts         = "broadcasts"
	MessagesDelivered  = "messages_delivered"
	MessagesDropped    = "messages_dropped"
	ConnectionsOpened  = "connections_opened"
	ConnectionsClosed  = "connections_closed"
	RateLimited        = "rate_limited"
	ProtocolErrors     = "protocol_errors"
)

// Counter is a monotonically increasing value.
type Counter struct {
	v atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.Add(1) }

// Add adds n. Negative values are ignored.
func (c *Counter) Add(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.v.Add(n)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	if c == nil {
		return 0
	}
	return c.v.Load()
}

// Registry holds named counters.
type Registry struct {
	start    time.Time
	mu       sync.RWMutex
	counters map[string]*Counter
}

// New creates an empty registry; uptime is measured from this call.
func New() *Registry {
	return &Registry{
		start:    time.Now(),
		counters: make(map[string]*Counter),
	}
}

// Counter returns the counter with the given name, creating it if needed.
func (r *Registry) Counter(name string) *Counter {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &Counter{}
	r.counters[name] = c
	return c
}

// Inc increments the named counter.
func (r *Registry) Inc(name string) { r.Counter(name).Inc() }

// Add adds n to the named counter.
func (r *Registry) Add(name string, n int64) { r.Counter(name).Add(n) }

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Uptime        time.Duration      `json:"-"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	Counters      map[string]int64   `json:"counters"`
	RatesPerSec   map[string]float64 `json:"rates_per_second"`
	Gauges        map[string]int64   `json:"gauges,omitempty"`
}

// Snapshot copies the counters and derives average per-second rates since start.
func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{Counters: map[string]int64{}, RatesPerSec: map[string]float64{}}
	}

	uptime := time.Since(r.start)
	r.mu.RLock()
	counters := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		counters[name] = c.Load()
	}
	r.mu.RUnlock()

	rates := make(map[string]float64, len(counters))
	secs := uptime.Seconds()
	for name, v := range maps.All(counters) {
		if secs > 0 {
			rates[name] = float64(v) / secs
		}
	}

	return Snapshot{
		Uptime:        uptime,
		UptimeSeconds: secs,
		Counters:      counters,
		RatesPerSec:   rates,
	}
}
