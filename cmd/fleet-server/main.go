package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/signalsfoundry/fleet-simulator/internal/api"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/observability"
)

// Config holds the server settings resolved from flags.
type Config struct {
	HTTPAddress   string
	GRPCAddress   string
	LogLevel      string
	LogFormat     string
	Workers       int
	SnapshotEvery int
	ShutdownGrace time.Duration
}

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.HTTPAddress, "http-addr", ":8080", "HTTP address for the run API, timeline stream and /metrics")
	flag.StringVar(&cfg.GRPCAddress, "grpc-addr", ":50051", "TCP address for the gRPC health service")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", envOr("LOG_FORMAT", "text"), "log format (text or json)")
	flag.IntVar(&cfg.Workers, "workers", 0, "goroutines per engine phase; 0 uses GOMAXPROCS")
	flag.IntVar(&cfg.SnapshotEvery, "snapshot-every", 30, "days between full-population timeline snapshots")
	flag.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 10*time.Second, "time allowed for runs and listeners to stop")
	flag.Parse()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing := observability.TracingConfigFromEnv(observability.ServiceServer)
	tracing.Run = observability.RunAttributes{Mode: "server", Workers: cfg.Workers}
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	httpLis, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTPAddress), logging.Err(err))
		os.Exit(1)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddress), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, httpLis, grpcLis); err != nil {
		log.Error(ctx, "fleet server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains in-flight runs and both
// listeners.
func run(ctx context.Context, cfg Config, log logging.Logger, httpLis, grpcLis net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	serverMetrics, err := observability.NewServerCollector(reg)
	if err != nil {
		return err
	}
	fleetMetrics, err := observability.NewFleetCollector(reg)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(api.Config{
		Logger:   log,
		Server:   serverMetrics,
		Fleet:    fleetMetrics,
		Hub:      api.NewHub(log),
		Workers:  cfg.Workers,
		Snapshot: cfg.SnapshotEvery,
	})
	httpSrv := &http.Server{
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			observability.RequestIDUnaryServerInterceptor(log),
			observability.TracingUnaryServerInterceptor(),
			serverMetrics.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "serving fleet API", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info(gctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down fleet server")
		healthSrv.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Warn(shutdownCtx, "runs did not stop in time", logging.Err(err))
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn(shutdownCtx, "HTTP shutdown", logging.Err(err))
		}
		grpcSrv.GracefulStop()
		return nil
	})
	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
