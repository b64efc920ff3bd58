// Package metrics provides a lightweight, Prometheus-compatible metrics
// registry for the bridge. It renders the text exposition format directly.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the process-wide registry used by the pre-defined metrics below.
var Default = NewRegistry("wabridge")

// Registry aggregates counters, gauges and histograms. Metrics render in
// registration order.
type Registry struct {
	namespace string
	startTime time.Time

	mu     sync.Mutex
	byName map[string]metric
	order  []metric
}

type metric interface {
	writeTo(w *bufio.Writer)
}

// NewRegistry creates an empty registry. The uptime gauge is named
// <namespace>_uptime_seconds.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace: namespace,
		startTime: time.Now(),
		byName:    make(map[string]metric),
	}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) writeTo(w *bufio.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", c.name, c.help, c.name, c.name, c.Value())
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) writeTo(w *bufio.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", g.name, g.help, g.name, g.name, g.Value())
}

// Histogram tracks the distribution of observed values in cumulative buckets.
type Histogram struct {
	name   string
	help   string
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) writeTo(w *bufio.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	for i, le := range h.bounds {
		fmt.Fprintf(w, "%s_bucket{le=\"%s\"} %d\n", h.name, formatBound(le), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %g\n%s_count %d\n", h.name, h.sum, h.name, h.count)
}

func formatBound(le float64) string {
	if math.IsInf(le, 1) {
		return "+Inf"
	}
	return fmt.Sprintf("%g", le)
}

// Counter returns the counter registered under name, creating it if needed.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byName[name]; ok {
		return m.(*Counter)
	}
	c := &Counter{name: name, help: help}
	r.add(name, c)
	return c
}

// Gauge returns the gauge registered under name, creating it if needed.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byName[name]; ok {
		return m.(*Gauge)
	}
	g := &Gauge{name: name, help: help}
	r.add(name, g)
	return g
}

// Histogram returns the histogram registered under name, creating it with the
// given upper bounds if needed. +Inf is implicit.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byName[name]; ok {
		return m.(*Histogram)
	}
	bounds := make([]float64, 0, len(buckets))
	for _, b := range buckets {
		if !math.IsInf(b, 1) {
			bounds = append(bounds, b)
		}
	}
	sort.Float64s(bounds)
	h := &Histogram{name: name, help: help, bounds: bounds, counts: make([]int64, len(bounds))}
	r.add(name, h)
	return h
}

func (r *Registry) add(name string, m metric) {
	r.byName[name] = m
	r.order = append(r.order, m)
}

// WriteTo renders every metric in Prometheus text format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	uptime := r.namespace + "_uptime_seconds"
	fmt.Fprintf(bw, "# HELP %s Time since start in seconds\n# TYPE %s gauge\n%s %d\n",
		uptime, uptime, uptime, int64(r.Uptime().Seconds()))

	r.mu.Lock()
	metrics := append([]metric(nil), r.order...)
	r.mu.Unlock()

	for _, m := range metrics {
		m.writeTo(bw)
	}
	err := bw.Flush()
	return cw.n, err
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// --- Pre-defined metrics used across the bridge ---

var (
	MessagesReceived = Default.Counter("wabridge_messages_received_total", "Inbound messages delivered to the relay")
	MessagesIgnored  = Default.Counter("wabridge_messages_ignored_total", "Inbound messages skipped (empty or no trigger)")
	RepliesSent      = Default.Counter("wabridge_replies_sent_total", "Replies delivered to the chat transport")
	SendFailures     = Default.Counter("wabridge_send_failures_total", "Replies the transport failed to deliver")
	AnswerRequests   = Default.Counter("wabridge_answer_requests_total", "Requests made to the answer service")
	AnswerFallbacks  = Default.Counter("wabridge_answer_fallbacks_total", "Answer requests that ended in the fallback reply")
	InFlight         = Default.Gauge("wabridge_inflight_messages", "Messages currently being handled")
	Connected        = Default.Gauge("wabridge_transport_connected", "1 while the WhatsApp transport is connected")

	AnswerLatency = Default.Histogram("wabridge_answer_latency_seconds", "Answer service latency in seconds",
		[]float64{0.25, 0.5, 1, 2, 5, 10, 20, 30})
)
