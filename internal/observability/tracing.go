package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Service names of the two simulator processes.
const (
	ServiceBatch  = "fleet-simulator"
	ServiceServer = "fleet-server"
)

// RunAttributes describe the process a tracer provider belongs to. Every span
// it exports carries them as resource attributes, so traces of different
// scenarios and worker settings can be told apart in the backend.
type RunAttributes struct {
	Mode         string // batch | server
	Scenario     string
	Workers      int
	DefectPolicy string
}

func (a RunAttributes) keyValues() []attribute.KeyValue {
	var kv []attribute.KeyValue
	if a.Mode != "" {
		kv = append(kv, attribute.String("fleet.mode", a.Mode))
	}
	if a.Scenario != "" {
		kv = append(kv, attribute.String("fleet.scenario", filepath.Base(a.Scenario)))
	}
	if a.Workers > 0 {
		kv = append(kv, attribute.Int("fleet.workers", a.Workers))
	}
	if a.DefectPolicy != "" {
		kv = append(kv, attribute.String("fleet.defect_policy", a.DefectPolicy))
	}
	return kv
}

// TracingConfig governs how a simulator process exports its spans.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	SampleRatio float64

	// Output receives spans from the stdout exporter. The batch command may
	// stream its timeline to stdout, so nil means stderr.
	Output io.Writer
	Run    RunAttributes
}

// TracingConfigFromEnv reads FLEETSIM_TRACING_* variables. service is the
// calling command's name and is used unless the environment overrides it.
func TracingConfigFromEnv(service string) TracingConfig {
	enabled := strings.EqualFold(os.Getenv("FLEETSIM_TRACING_ENABLED"), "true")
	exporter := strings.ToLower(os.Getenv("FLEETSIM_TRACING_EXPORTER"))
	if exporter == "" {
		exporter = "stdout"
	}
	if name := os.Getenv("FLEETSIM_TRACING_SERVICE_NAME"); name != "" {
		service = name
	}
	if service == "" {
		service = ServiceBatch
	}

	ratio := 1.0
	if rawRatio := os.Getenv("FLEETSIM_TRACING_SAMPLE_RATIO"); rawRatio != "" {
		if parsed, err := strconv.ParseFloat(rawRatio, 64); err == nil && parsed >= 0 && parsed <= 1 {
			ratio = parsed
		}
	}

	return TracingConfig{
		Enabled:     enabled,
		ServiceName: service,
		Exporter:    exporter,
		Endpoint:    os.Getenv("FLEETSIM_OTLP_ENDPOINT"),
		SampleRatio: ratio,
	}
}

// InitTracing installs the global tracer provider and propagators for cfg and
// returns a shutdown function that flushes pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp, err := newTracerProvider(ctx, cfg, sdktrace.WithBatcher(exp))
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("mode", cfg.Run.Mode),
		logging.String("sampler", fmt.Sprintf("parentbased_traceidratio_%0.2f", cfg.SampleRatio)),
	)

	return tp.Shutdown, nil
}

// newTracerProvider builds the provider with the fleet resource and sampler.
// The span processor is passed in so callers choose batching or syncing.
func newTracerProvider(ctx context.Context, cfg TracingConfig, processor sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "fleet"),
	}, cfg.Run.keyValues()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
		processor,
	), nil
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(out),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes spans within a bounded time and logs a failure
// instead of returning it.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
