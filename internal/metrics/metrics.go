// Package metrics tracks runtime statistics of the daemon and exports
// them in Prometheus format.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "asdd"

// Collector tracks connection, session and auth metrics.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsTotal atomic.Int64
	sessionsActive   atomic.Int64
	authSuccesses    atomic.Int64
	authFailures     atomic.Int64
	evictions        atomic.Int64
	bytesIn          atomic.Int64
	bytesOut         atomic.Int64
	errorsTotal      atomic.Int64

	registry     *prometheus.Registry
	accepted     prometheus.Counter
	rejected     *prometheus.CounterVec
	sessions     prometheus.Gauge
	authResults  *prometheus.CounterVec
	evicted      prometheus.Counter
	bytes        *prometheus.CounterVec
	errors       *prometheus.CounterVec
	handshakeDur prometheus.Histogram

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with its own registry, including the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_accepted_total",
			Help: "Client connections accepted and brought up by the transport",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total",
			Help: "Client connections dropped before a session was opened",
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Occupied session slots",
		}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_results_total",
			Help: "Authentication handshake outcomes",
		}, []string{"result"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_evicted_total",
			Help: "Unauthenticated sessions closed after the grace period",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_total",
			Help: "Bytes moved over client sessions",
		}, []string{"direction"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Errors by type",
		}, []string{"type"}),
		handshakeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "accept_duration_seconds",
			Help:    "Time spent accepting a connection, TLS handshake included",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	c.registry.MustRegister(
		c.accepted, c.rejected, c.sessions, c.authResults,
		c.evicted, c.bytes, c.errors, c.handshakeDur,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collector exports through.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionAccepted records a connection the transport brought up and
// how long that took.
func (c *Collector) ConnectionAccepted(took time.Duration) {
	if c == nil {
		return
	}
	c.connectionsTotal.Add(1)
	c.accepted.Inc()
	c.handshakeDur.Observe(took.Seconds())
}

// ConnectionRejected records a connection dropped before it got a
// session, labelled with why.
func (c *Collector) ConnectionRejected(reason string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(reason).Inc()
}

// TotalConnections returns the lifetime accepted-connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── Session metrics ──────────────────────────────────────────────────

// SetSessions records the number of occupied session slots.
func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.sessionsActive.Store(int64(n))
	c.sessions.Set(float64(n))
}

// ActiveSessions returns the last recorded number of sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// SessionsEvicted records n grace-period evictions.
func (c *Collector) SessionsEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.evictions.Add(int64(n))
	c.evicted.Add(float64(n))
}

// Evictions returns the lifetime eviction count.
func (c *Collector) Evictions() int64 {
	if c == nil {
		return 0
	}
	return c.evictions.Load()
}

// ── Auth metrics ─────────────────────────────────────────────────────

// AuthResult records one handshake outcome.  Only "success" counts as
// a success; every other label is a failure.
func (c *Collector) AuthResult(result string) {
	if c == nil {
		return
	}
	if result == "success" {
		c.authSuccesses.Add(1)
	} else {
		c.authFailures.Add(1)
	}
	c.authResults.WithLabelValues(result).Inc()
}

// AuthFailures returns the lifetime count of failed handshakes.
func (c *Collector) AuthFailures() int64 {
	if c == nil {
		return 0
	}
	return c.authFailures.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from a client.
func (c *Collector) BytesReceived(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesIn.Add(n)
	c.bytes.WithLabelValues("in").Add(float64(n))
}

// BytesSent records n bytes written to a client.
func (c *Collector) BytesSent(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesOut.Add(n)
	c.bytes.WithLabelValues("out").Add(float64(n))
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter for kind and stores the
// message.
func (c *Collector) RecordError(kind, msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.errors.WithLabelValues(kind).Inc()
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of the headline metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	ConnectionsTotal int64  `json:"connections_total"`
	SessionsActive   int64  `json:"sessions_active"`
	AuthSuccesses    int64  `json:"auth_successes"`
	AuthFailures     int64  `json:"auth_failures"`
	Evictions        int64  `json:"evictions"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of the current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsTotal: c.connectionsTotal.Load(),
		SessionsActive:   c.sessionsActive.Load(),
		AuthSuccesses:    c.authSuccesses.Load(),
		AuthFailures:     c.authFailures.Load(),
		Evictions:        c.evictions.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
