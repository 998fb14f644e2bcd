package observability

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ServerCollector bundles Prometheus metrics for the fleet server surfaces
// (HTTP API and gRPC) and provides helpers to wire them into handlers.
type ServerCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec

	ScenarioEntities prometheus.Gauge
	ScenarioClasses  prometheus.Gauge
	RunsTotal        *prometheus.CounterVec
}

// NewServerCollector registers server metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewServerCollector(reg prometheus.Registerer) (*ServerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_rpc_requests_total",
		Help: "Total number of handled gRPC calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "fleet_rpc_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_rpc_request_duration_seconds",
		Help:    "gRPC call latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "fleet_rpc_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	httpRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_http_requests_total",
		Help: "Total number of HTTP API requests, labeled by route pattern, method, and status code.",
	}, []string{"route", "method", "code"}), "fleet_http_requests_total")
	if err != nil {
		return nil, err
	}
	httpDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_http_request_duration_seconds",
		Help:    "HTTP API latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"route", "method"}), "fleet_http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	entities, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_scenario_entities",
		Help: "Number of entities in the loaded scenario.",
	}), "fleet_scenario_entities")
	if err != nil {
		return nil, err
	}
	classes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_scenario_classes",
		Help: "Number of classes in the loaded scenario.",
	}), "fleet_scenario_classes")
	if err != nil {
		return nil, err
	}
	runs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_runs_total",
		Help: "Simulation runs started through the server, labeled by outcome.",
	}, []string{"outcome"}), "fleet_runs_total")
	if err != nil {
		return nil, err
	}

	return &ServerCollector{
		gatherer:         gatherer,
		RPCRequests:      requests,
		RPCDurations:     durations,
		HTTPRequests:     httpRequests,
		HTTPDurations:    httpDurations,
		ScenarioEntities: entities,
		ScenarioClasses:  classes,
		RunsTotal:        runs,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *ServerCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request counts and durations for HTTP handlers. Routes
// are labeled by their chi pattern so path parameters do not explode label
// cardinality.
func (c *ServerCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		if c.HTTPRequests != nil {
			c.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(sw.code)).Inc()
		}
		if c.HTTPDurations != nil {
			c.HTTPDurations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ServerCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetScenarioCounts updates the loaded-scenario gauges.
func (c *ServerCollector) SetScenarioCounts(entities, classes int) {
	if c == nil {
		return
	}
	if c.ScenarioEntities != nil {
		c.ScenarioEntities.Set(float64(entities))
	}
	if c.ScenarioClasses != nil {
		c.ScenarioClasses.Set(float64(classes))
	}
}

// IncRun counts a finished run by outcome ("done", "failed", "canceled").
func (c *ServerCollector) IncRun(outcome string) {
	if c == nil || c.RunsTotal == nil {
		return
	}
	c.RunsTotal.WithLabelValues(outcome).Inc()
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
