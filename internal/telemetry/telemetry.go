// Package telemetry is the request log sink, counters, and latency
// histograms behind the stats operation and the Prometheus endpoint.
package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"

	"github.com/bolagsdata/registryd/internal/apperr"
	"github.com/bolagsdata/registryd/internal/cache"
)

const ringSize = 1000

// LogSink persists request log rows. Implemented by the cache store.
type LogSink interface {
	AppendRequestLog(ctx context.Context, entry cache.RequestLogEntry) error
}

// Telemetry owns the Prometheus registry, the latency rings, and the
// asynchronous request-log writer.
type Telemetry struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	upstreamCalls  prometheus.Counter
	upstreamErrors *prometheus.CounterVec
	circuitOpens   prometheus.Counter
	latency        *prometheus.HistogramVec
	upstreamLat    prometheus.Histogram

	ringMu       sync.Mutex
	endpointRing map[string]*ring
	upstreamRing *ring

	sink      LogSink
	logCh     chan cache.RequestLogEntry
	done      chan struct{}
	startedAt time.Time
}

// New creates the telemetry hub. sink may be nil in tests; log rows are
// then counted but not persisted.
func New(sink LogSink) *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registryd_requests_total",
			Help: "Total public operations by endpoint",
		}, []string{"endpoint"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registryd_cache_hits_total",
			Help: "Total cache hits across cache classes",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registryd_cache_misses_total",
			Help: "Total cache misses across cache classes",
		}),
		upstreamCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registryd_upstream_calls_total",
			Help: "Total upstream HTTP exchanges",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registryd_upstream_errors_total",
			Help: "Total upstream errors by kind",
		}, []string{"kind"}),
		circuitOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registryd_circuit_opens_total",
			Help: "Times the upstream circuit breaker opened",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registryd_end_to_end_latency_ms",
			Help:    "End-to-end operation latency in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"endpoint"}),
		upstreamLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "registryd_upstream_latency_ms",
			Help:    "Upstream exchange latency in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		endpointRing: make(map[string]*ring),
		upstreamRing: newRing(ringSize),
		sink:         sink,
		logCh:        make(chan cache.RequestLogEntry, 1024),
		done:         make(chan struct{}),
		startedAt:    time.Now(),
	}

	t.registry.MustRegister(t.requestsTotal, t.cacheHits, t.cacheMisses,
		t.upstreamCalls, t.upstreamErrors, t.circuitOpens, t.latency, t.upstreamLat)

	go t.drain()
	return t
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// Uptime returns time since construction.
func (t *Telemetry) Uptime() time.Duration { return time.Since(t.startedAt) }

// RecordRequest records one completed public operation: exactly one call
// per request, whatever the outcome.
func (t *Telemetry) RecordRequest(entry cache.RequestLogEntry) {
	t.requestsTotal.WithLabelValues(entry.Endpoint).Inc()
	if entry.CacheHit {
		t.cacheHits.Inc()
	} else if entry.Endpoint == "details" || entry.Endpoint == "documents" || entry.Endpoint == "report" {
		t.cacheMisses.Inc()
	}
	t.latency.WithLabelValues(entry.Endpoint).Observe(float64(entry.LatencyMS))
	t.ringFor(entry.Endpoint).observe(float64(entry.LatencyMS))

	select {
	case t.logCh <- entry:
	default:
		log.Warn().Str("endpoint", entry.Endpoint).Msg("request log queue full, dropping row")
	}
}

// UpstreamCall implements upstream.Observer.
func (t *Telemetry) UpstreamCall(endpoint string, duration time.Duration, err error) {
	t.upstreamCalls.Inc()
	ms := float64(duration.Milliseconds())
	t.upstreamLat.Observe(ms)
	t.upstreamRing.observe(ms)
	if err != nil {
		t.upstreamErrors.WithLabelValues(string(apperr.KindOf(err))).Inc()
	}
}

// CircuitOpened counts a closed/half-open to open transition.
func (t *Telemetry) CircuitOpened() { t.circuitOpens.Inc() }

func (t *Telemetry) ringFor(endpoint string) *ring {
	t.ringMu.Lock()
	defer t.ringMu.Unlock()
	r, ok := t.endpointRing[endpoint]
	if !ok {
		r = newRing(ringSize)
		t.endpointRing[endpoint] = r
	}
	return r
}

// drain writes queued log rows with a deadline detached from any request.
func (t *Telemetry) drain() {
	for {
		select {
		case entry := <-t.logCh:
			if t.sink == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.sink.AppendRequestLog(ctx, entry); err != nil {
				log.Error().Err(err).Msg("request log append failed")
			}
			cancel()
		case <-t.done:
			return
		}
	}
}

// Close stops the log writer after flushing what is already queued.
func (t *Telemetry) Close() {
	for {
		select {
		case entry := <-t.logCh:
			if t.sink != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = t.sink.AppendRequestLog(ctx, entry)
				cancel()
			}
		default:
			close(t.done)
			return
		}
	}
}

// LatencySummary is the quantile view of one latency metric.
type LatencySummary struct {
	P50 float64 `json:"p50_ms"`
	P95 float64 `json:"p95_ms"`
	P99 float64 `json:"p99_ms"`
}

// Snapshot is the counters-and-quantiles view behind the stats operation.
type Snapshot struct {
	Counters        map[string]float64        `json:"counters"`
	Endpoints       map[string]LatencySummary `json:"endpoint_latency"`
	UpstreamLatency LatencySummary            `json:"upstream_latency"`
	UptimeSeconds   float64                   `json:"uptime_seconds"`
}

// SnapshotNow gathers current counter values through the registry and
// quantiles from the rings.
func (t *Telemetry) SnapshotNow() (Snapshot, error) {
	families, err := t.registry.Gather()
	if err != nil {
		return Snapshot{}, err
	}

	counters := make(map[string]float64)
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		name := strings.TrimPrefix(mf.GetName(), "registryd_")
		for _, m := range mf.GetMetric() {
			key := name
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			counters[key] = m.GetCounter().GetValue()
		}
	}

	endpoints := make(map[string]LatencySummary)
	t.ringMu.Lock()
	names := make([]string, 0, len(t.endpointRing))
	rings := make([]*ring, 0, len(t.endpointRing))
	for name, r := range t.endpointRing {
		names = append(names, name)
		rings = append(rings, r)
	}
	t.ringMu.Unlock()
	for i, r := range rings {
		q := r.quantiles(0.50, 0.95, 0.99)
		endpoints[names[i]] = LatencySummary{P50: q[0], P95: q[1], P99: q[2]}
	}
	uq := t.upstreamRing.quantiles(0.50, 0.95, 0.99)

	return Snapshot{
		Counters:        counters,
		Endpoints:       endpoints,
		UpstreamLatency: LatencySummary{P50: uq[0], P95: uq[1], P99: uq[2]},
		UptimeSeconds:   t.Uptime().Seconds(),
	}, nil
}
