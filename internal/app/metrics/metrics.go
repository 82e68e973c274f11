package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/app/scheduler"
	"github.com/datmedevil17/simcityMagicblock/internal/delegation"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/bus"
	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
	"github.com/datmedevil17/simcityMagicblock/internal/program"
)

const namespace = "statechain"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	instructions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "instructions_total",
			Help:      "Instructions dispatched, by result code.",
		},
		[]string{"program", "instruction", "layer", "code"},
	)

	instructionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "instruction_duration_seconds",
			Help:      "Duration of instruction execution.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		},
		[]string{"program", "layer"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Delegate, commit and undelegate transitions, by outcome.",
		},
		[]string{"kind", "transition", "outcome"},
	)

	transitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transition_duration_seconds",
			Help:      "Duration of lifecycle transitions including executor calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"kind", "transition"},
	)

	reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "reconciles_total",
			Help:      "Reconciliations that completed, by outcome.",
		},
		[]string{"kind", "outcome"},
	)

	checkpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "checkpoints_total",
			Help:      "Auto-commit checkpoints, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		instructions,
		instructionDuration,
		transitions,
		transitionDuration,
		reconciles,
		checkpoints,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Recorder feeds program, lifecycle and scheduler measurements into the
// registry.
type Recorder struct{}

var (
	_ delegation.Observer = Recorder{}
	_ program.Observer    = Recorder{}
)

func (Recorder) ObserveInstruction(prog, name string, layer program.Layer, code string, elapsed time.Duration) {
	if prog == "" {
		prog, name = "unknown", "unknown"
	}
	if code == "" {
		code = "ok"
	}
	instructions.WithLabelValues(prog, name, string(layer), code).Inc()
	if elapsed > 0 {
		instructionDuration.WithLabelValues(prog, string(layer)).Observe(elapsed.Seconds())
	}
}

func (Recorder) ObserveTransition(kind account.Kind, t state.Transition, outcome string, elapsed time.Duration) {
	transitions.WithLabelValues(string(kind), string(t), outcome).Inc()
	transitionDuration.WithLabelValues(string(kind), string(t)).Observe(elapsed.Seconds())
}

func (Recorder) ObserveReconcile(kind account.Kind, outcome delegation.Outcome) {
	reconciles.WithLabelValues(string(kind), string(outcome)).Inc()
}

// RecordCheckpoints records one auto-commit pass.
func RecordCheckpoints(sum scheduler.Summary) {
	checkpoints.WithLabelValues("committed").Add(float64(sum.Committed))
	checkpoints.WithLabelValues("skipped").Add(float64(sum.Skipped))
	checkpoints.WithLabelValues("failed").Add(float64(sum.Failed))
}

// RegisterLimiter exposes the cross-layer call limiter as gauges on reg.
func RegisterLimiter(reg prometheus.Registerer, l *bus.Limiter) error {
	gauge := func(name, help string, value func(bus.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(l.Stats()) })
	}
	for _, c := range []prometheus.Collector{
		gauge("active", "Cross-layer calls in flight.", func(s bus.Stats) float64 { return float64(s.Active) }),
		gauge("waiting", "Cross-layer calls waiting for a slot.", func(s bus.Stats) float64 { return float64(s.Waiting) }),
		gauge("rejected", "Cross-layer calls rejected since start.", func(s bus.Stats) float64 { return float64(s.TotalRejected) }),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// canonicalPath replaces account addresses so label cardinality stays
// bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "accounts", "working":
			parts[i] = ":address"
		}
	}
	return "/" + strings.Join(parts, "/")
}
