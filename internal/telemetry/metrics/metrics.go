// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for the telemetry SDK. It deliberately avoids the
// prometheus/client_golang package so host binaries stay small with no
// additional dependencies.
//
// # Counter naming convention
//
// Group-level counters use the group name as their label key; transport
// counters use the HTTP status code. A single sync.Map per counter holds
// all label combinations.
//
// # Prometheus text output
//
// Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map
// and atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Get returns the current value for key.
func (lc *labelCounter) Get(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all telemetry SDK metrics. The zero value is ready to
// use; a nil *Registry is also valid and counts nothing, so the channel
// can treat metrics as optional.
type Registry struct {
	// Per-group counters. key = group name.
	Enqueued   labelCounter // logs accepted by Enqueue
	Persisted  labelCounter // logs durably written
	Dropped    labelCounter // logs dropped before persistence (store/device/throttle)
	LogsSent   labelCounter // logs in successfully delivered batches
	LogsFailed labelCounter // logs surfaced to listeners as failed
	Batches    labelCounter // batches handed to the transport

	// Transport counters. key = HTTP status code, "network_error", or
	// "ok" for a delivered batch.
	SendOutcomes labelCounter
}

// IncEnqueued records one accepted log for group. All Inc* helpers are
// nil-safe.
func (r *Registry) IncEnqueued(group string) {
	if r != nil {
		r.Enqueued.Inc(group)
	}
}

func (r *Registry) IncPersisted(group string) {
	if r != nil {
		r.Persisted.Inc(group)
	}
}

func (r *Registry) IncDropped(group string) {
	if r != nil {
		r.Dropped.Inc(group)
	}
}

func (r *Registry) AddLogsSent(group string, n int64) {
	if r != nil {
		r.LogsSent.Add(group, n)
	}
}

func (r *Registry) AddLogsFailed(group string, n int64) {
	if r != nil {
		r.LogsFailed.Add(group, n)
	}
}

func (r *Registry) IncBatches(group string) {
	if r != nil {
		r.Batches.Inc(group)
	}
}

func (r *Registry) IncSendOutcome(status string) {
	if r != nil {
		r.SendOutcomes.Inc(status)
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the
// Prometheus plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		groupFamily := func(name, help string, lc *labelCounter) {
			writeFamily(&b, name, help, "counter", func(fn func(labels, val string)) {
				lc.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`group=%q`, key), fmt.Sprintf("%d", val))
				})
			})
		}

		groupFamily("telemetry_logs_enqueued_total",
			"Total logs accepted by Enqueue", &r.Enqueued)
		groupFamily("telemetry_logs_persisted_total",
			"Total logs durably written to the log store", &r.Persisted)
		groupFamily("telemetry_logs_dropped_total",
			"Total logs dropped before persistence", &r.Dropped)
		groupFamily("telemetry_logs_sent_total",
			"Total logs in successfully delivered batches", &r.LogsSent)
		groupFamily("telemetry_logs_failed_total",
			"Total logs surfaced to listeners as failed", &r.LogsFailed)
		groupFamily("telemetry_batches_sent_total",
			"Total batches handed to the ingestion transport", &r.Batches)

		writeFamily(&b, "telemetry_send_outcomes_total",
			"Ingestion send outcomes by HTTP status", "counter",
			func(fn func(labels, val string)) {
				r.SendOutcomes.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`status=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual
// label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}
