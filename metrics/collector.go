// Package metrics aggregates request and connection statistics per
// transport, emits a structured report on a fixed interval and mirrors the
// same observations into Prometheus collectors.
package metrics

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultInterval is the report period.
const DefaultInterval = time.Minute

// TransportStats is the per-transport slice of a Report.
type TransportStats struct {
	Requests        int64         `json:"requests"`
	Failed          int64         `json:"failed"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Report is one interval's derived statistics plus current state.
type Report struct {
	Requests        int64                     `json:"requests"`
	Successful      int64                     `json:"successful"`
	Failed          int64                     `json:"failed"`
	ErrorRate       float64                   `json:"error_rate"`
	ErrorsByType    map[string]int64          `json:"errors_by_type"`
	AvgResponseTime time.Duration             `json:"avg_response_time"`
	MinResponseTime time.Duration             `json:"min_response_time"`
	MaxResponseTime time.Duration             `json:"max_response_time"`
	Transports      map[string]TransportStats `json:"transports"`
	Connections     map[string]int64          `json:"connections"`
	LastActivity    time.Time                 `json:"last_activity"`
	CPUPercent      float64                   `json:"cpu_percent"`
}

type transportAcc struct {
	requests int64
	failed   int64
	total    time.Duration
}

// Collector is safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	// Interval accumulators, reset by Flush.
	requests     int64
	successful   int64
	failed       int64
	errorsByType map[string]int64
	samples      []time.Duration
	transports   map[string]*transportAcc

	// Current state, never reset.
	connections  map[string]int64
	lastActivity time.Time

	interval time.Duration
	clock    clockwork.Clock
	cpu      *cpuSampler
	log      *slog.Logger

	registry    *prometheus.Registry
	reqTotal    *prometheus.CounterVec
	reqDuration *prometheus.HistogramVec
	connGauge   *prometheus.GaugeVec
	cpuGauge    prometheus.Gauge
}

// Option configures a Collector.
type Option func(*Collector)

func WithInterval(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Collector) { c.clock = clock }
}

// WithCPUSource enables CPU sampling on each report.
func WithCPUSource(src CPUSource) Option {
	return func(c *Collector) { c.cpu = &cpuSampler{source: src} }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.log = l }
}

// New returns a Collector with its own Prometheus registry.
func New(opts ...Option) *Collector {
	c := &Collector{
		errorsByType: map[string]int64{},
		transports:   map[string]*transportAcc{},
		connections:  map[string]int64{},
		interval:     DefaultInterval,
		clock:        clockwork.NewRealClock(),
		log:          slog.Default(),
		registry:     prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.reqTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcp_gateway",
		Name:      "requests_total",
		Help:      "Messages handled, by transport and outcome.",
	}, []string{"transport", "outcome"})
	c.reqDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mcp_gateway",
		Name:      "request_duration_seconds",
		Help:      "Message handling latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"transport"})
	c.connGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mcp_gateway",
		Name:      "active_connections",
		Help:      "Open client connections, by transport.",
	}, []string{"transport"})
	c.cpuGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mcp_gateway",
		Name:      "cpu_usage_percent",
		Help:      "Host CPU utilization over the last report interval.",
	})
	c.registry.MustRegister(c.reqTotal, c.reqDuration, c.connGauge, c.cpuGauge)
	return c
}

// Registry exposes the Prometheus registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the Prometheus exposition.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Record observes one handled message. An empty errType means success.
func (c *Collector) Record(transport string, elapsed time.Duration, errType string) {
	outcome := "success"
	if errType != "" {
		outcome = "error"
	}
	c.reqTotal.WithLabelValues(transport, outcome).Inc()
	c.reqDuration.WithLabelValues(transport).Observe(elapsed.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	if errType == "" {
		c.successful++
	} else {
		c.failed++
		c.errorsByType[errType]++
	}
	c.samples = append(c.samples, elapsed)
	acc := c.transports[transport]
	if acc == nil {
		acc = &transportAcc{}
		c.transports[transport] = acc
	}
	acc.requests++
	acc.total += elapsed
	if errType != "" {
		acc.failed++
	}
	c.lastActivity = c.clock.Now()
}

// ConnectionOpened increments the open connection count for transport.
func (c *Collector) ConnectionOpened(transport string) {
	c.connGauge.WithLabelValues(transport).Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connections[transport]++
	c.lastActivity = c.clock.Now()
}

// ConnectionClosed decrements the open connection count for transport.
func (c *Collector) ConnectionClosed(transport string) {
	c.connGauge.WithLabelValues(transport).Dec()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connections[transport] > 0 {
		c.connections[transport]--
	}
}

// Snapshot computes the current interval's report without resetting it.
func (c *Collector) Snapshot() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportLocked()
}

func (c *Collector) reportLocked() Report {
	r := Report{
		Requests:     c.requests,
		Successful:   c.successful,
		Failed:       c.failed,
		ErrorsByType: maps.Clone(c.errorsByType),
		Transports:   make(map[string]TransportStats, len(c.transports)),
		Connections:  maps.Clone(c.connections),
		LastActivity: c.lastActivity,
	}
	if c.requests > 0 {
		r.ErrorRate = float64(c.failed) / float64(c.requests) * 100
	}
	if len(c.samples) > 0 {
		var sum time.Duration
		r.MinResponseTime = c.samples[0]
		for _, s := range c.samples {
			sum += s
			r.MinResponseTime = min(r.MinResponseTime, s)
			r.MaxResponseTime = max(r.MaxResponseTime, s)
		}
		r.AvgResponseTime = sum / time.Duration(len(c.samples))
	}
	for name, acc := range c.transports {
		ts := TransportStats{Requests: acc.requests, Failed: acc.failed}
		if acc.requests > 0 {
			ts.AvgResponseTime = acc.total / time.Duration(acc.requests)
		}
		r.Transports[name] = ts
	}
	return r
}

// Flush computes the report, logs it and resets the interval counters.
// Connection counts and last activity are kept.
func (c *Collector) Flush(ctx context.Context) Report {
	cpu, err := c.cpu.sample()
	if err != nil {
		c.log.WarnContext(ctx, "metrics.cpu.fail", slog.String("err", err.Error()))
	}
	c.cpuGauge.Set(cpu)

	c.mu.Lock()
	r := c.reportLocked()
	r.CPUPercent = cpu
	c.requests, c.successful, c.failed = 0, 0, 0
	c.errorsByType = map[string]int64{}
	c.samples = c.samples[:0]
	c.transports = map[string]*transportAcc{}
	c.mu.Unlock()

	attrs := []any{
		slog.Int64("requests", r.Requests),
		slog.Int64("successful", r.Successful),
		slog.Int64("failed", r.Failed),
		slog.Float64("error_rate", r.ErrorRate),
		slog.Duration("avg_response", r.AvgResponseTime),
		slog.Duration("min_response", r.MinResponseTime),
		slog.Duration("max_response", r.MaxResponseTime),
		slog.Any("errors_by_type", r.ErrorsByType),
		slog.Any("connections", r.Connections),
		slog.Float64("cpu_percent", r.CPUPercent),
	}
	for name, ts := range r.Transports {
		attrs = append(attrs, slog.Group("transport_"+name,
			slog.Int64("requests", ts.Requests),
			slog.Int64("failed", ts.Failed),
			slog.Duration("avg_response", ts.AvgResponseTime),
		))
	}
	c.log.InfoContext(ctx, "metrics.report", attrs...)
	return r
}

// Run flushes every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	// Prime the CPU baseline so the first report covers one interval.
	if _, err := c.cpu.sample(); err != nil {
		c.log.WarnContext(ctx, "metrics.cpu.fail", slog.String("err", err.Error()))
	}
	t := c.clock.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			c.Flush(ctx)
		}
	}
}
