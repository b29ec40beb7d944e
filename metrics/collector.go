package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sdlora_server/core"
)

const namespace = "sdlora"

// Collector owns the Prometheus registry for the service. It satisfies
// imagegen.Observer and is fed GPU samples through ObserveGPU.
type Collector struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	generations        *prometheus.CounterVec
	generationDuration prometheus.Histogram
	generationsActive  prometheus.Gauge

	gpuUtilization prometheus.Gauge
	gpuTemperature prometheus.Gauge
	gpuMemoryUsed  prometheus.Gauge
	gpuMemoryTotal prometheus.Gauge
}

// NewCollector builds and registers every collector. modelLoaded backs the
// sdlora_model_loaded gauge; nil reports 0.
func NewCollector(modelLoaded func() bool) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		}, []string{"route", "method"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of image generations by outcome.",
		}, []string{"status"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of successful image generations.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		generationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_in_flight",
			Help:      "Generations currently running in the backend.",
		}),
		gpuUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gpu",
			Name:      "utilization_percent",
			Help:      "GPU utilization percentage.",
		}),
		gpuTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gpu",
			Name:      "temperature_celsius",
			Help:      "GPU temperature.",
		}),
		gpuMemoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gpu",
			Name:      "memory_used_bytes",
			Help:      "GPU memory in use.",
		}),
		gpuMemoryTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gpu",
			Name:      "memory_total_bytes",
			Help:      "Total GPU memory.",
		}),
	}

	loaded := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_loaded",
		Help:      "1 when the generation pipeline is ready to serve requests.",
	}, func() float64 {
		if modelLoaded != nil && modelLoaded() {
			return 1
		}
		return 0
	})

	c.registry.MustRegister(
		c.httpInFlight,
		c.httpRequests,
		c.httpDuration,
		c.generations,
		c.generationDuration,
		c.generationsActive,
		c.gpuUtilization,
		c.gpuTemperature,
		c.gpuMemoryUsed,
		c.gpuMemoryTotal,
		loaded,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// GenerationStarted implements imagegen.Observer.
func (c *Collector) GenerationStarted() {
	c.generationsActive.Inc()
}

// GenerationFinished implements imagegen.Observer.
func (c *Collector) GenerationFinished(rec core.GenerationRecord) {
	c.generationsActive.Dec()
	c.generations.WithLabelValues(rec.Status).Inc()
	if rec.Status == core.GenerationStatusSuccess {
		c.generationDuration.Observe(rec.Duration.Seconds())
	}
}

// ObserveGPU publishes a GPU sample.
func (c *Collector) ObserveGPU(m GPUMetrics) {
	c.gpuUtilization.Set(m.Utilization)
	c.gpuTemperature.Set(m.Temperature)
	c.gpuMemoryUsed.Set(float64(m.MemoryUsed))
	c.gpuMemoryTotal.Set(float64(m.MemoryTotal))
}

// ObserveRequest records one finished HTTP request.
func (c *Collector) ObserveRequest(route, method string, code int, duration time.Duration) {
	method = strings.ToUpper(method)
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// InstrumentHandler wraps next with request metrics. route maps a request to
// a bounded label value; unknown paths should collapse to a single label.
func (c *Collector) InstrumentHandler(next http.Handler, route func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)
		c.ObserveRequest(route(r), r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil && !r.wroteHeader {
		r.status = http.StatusSwitchingProtocols
		r.wroteHeader = true
	}
	return conn, rw, err
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
