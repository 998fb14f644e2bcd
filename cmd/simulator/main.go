package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/fleet-simulator/core"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/observability"
	"github.com/signalsfoundry/fleet-simulator/internal/timeline"
	"github.com/signalsfoundry/fleet-simulator/internal/validate"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

// Config holds the batch run settings resolved from flags.
type Config struct {
	ScenarioPath  string
	OutPath       string
	Format        string
	SummaryPath   string
	Workers       int
	Defects       string
	SnapshotEvery int
	Validate      bool
	Pace          time.Duration
	MetricsAddr   string
}

// Result is what a batch run produces besides the timeline itself.
type Result struct {
	Summary    *core.RunSummary `json:"summary"`
	Validation *validate.Report `json:"validation,omitempty"`
}

// errValidation marks a run that completed but produced an inconsistent
// timeline.
var errValidation = errors.New("timeline validation failed")

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.ScenarioPath, "scenario", "", "path to a YAML or JSON scenario (required)")
	flag.StringVar(&cfg.OutPath, "out", "-", "timeline output path; - writes to stdout")
	flag.StringVar(&cfg.Format, "format", "jsonl", "timeline encoding: jsonl or proto")
	flag.StringVar(&cfg.SummaryPath, "summary", "", "write the run summary as JSON to this path")
	flag.IntVar(&cfg.Workers, "workers", 0, "goroutines per engine phase; 0 uses GOMAXPROCS")
	flag.StringVar(&cfg.Defects, "defects", "abort", "defect policy: abort or skip")
	flag.IntVar(&cfg.SnapshotEvery, "snapshot-every", 30, "days between full-population snapshots; 0 disables periodic snapshots")
	flag.BoolVar(&cfg.Validate, "validate", false, "replay the timeline and check it for consistency")
	flag.DurationVar(&cfg.Pace, "pace", 0, "wall-clock time per simulated day; 0 runs accelerated")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics while the run is in progress")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing := observability.TracingConfigFromEnv(observability.ServiceBatch)
	tracing.Run = observability.RunAttributes{
		Mode:         "batch",
		Scenario:     cfg.ScenarioPath,
		Workers:      cfg.Workers,
		DefectPolicy: cfg.Defects,
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	res, err := run(ctx, cfg, log, os.Stdout)
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
	if res != nil && res.Summary != nil {
		log.Info(ctx, "run finished",
			logging.Int("event_days", res.Summary.EventDays),
			logging.Int("entities", res.Summary.Entities),
			logging.Int("spawned", res.Summary.Spawned),
			logging.Int("defects", res.Summary.Defects),
		)
	}
	switch {
	case errors.Is(err, errValidation):
		for _, d := range res.Validation.Diagnostics {
			fmt.Fprintln(os.Stderr, d.String())
		}
		os.Exit(2)
	case err != nil:
		log.Error(ctx, "run failed", logging.Err(err))
		os.Exit(1)
	}
}

// run executes one scenario end to end and writes its timeline.
func run(ctx context.Context, cfg Config, log logging.Logger, stdout io.Writer) (*Result, error) {
	if cfg.ScenarioPath == "" {
		return nil, errors.New("-scenario is required")
	}
	policy, err := core.ParseDefectPolicy(cfg.Defects)
	if err != nil {
		return nil, err
	}
	scenario, err := core.LoadScenarioFile(cfg.ScenarioPath)
	if err != nil {
		return nil, err
	}
	ctx, log = logging.WithRunLogger(ctx, log)
	log.Info(ctx, "loaded scenario",
		logging.String("path", cfg.ScenarioPath),
		logging.Int("classes", len(scenario.Classes)),
		logging.Int("entities", len(scenario.Fleet)),
		logging.Int64("start_day", int64(scenario.StartDay)),
		logging.Int64("end_day", int64(scenario.EndDay)),
	)

	out, err := openOutput(cfg.OutPath, stdout)
	if err != nil {
		return nil, err
	}
	var sink timeline.Sink
	switch strings.ToLower(cfg.Format) {
	case "jsonl", "":
		sink = timeline.NewJSONLinesSink(out)
	case "proto":
		sink = timeline.NewProtoSink(out)
	default:
		_ = out.Close()
		return nil, fmt.Errorf("unknown timeline format %q", cfg.Format)
	}
	var memory *timeline.MemorySink
	if cfg.Validate {
		memory = timeline.NewMemorySink()
		sink = timeline.MultiSink{sink, memory}
	}

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewFleetCollector(reg)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	if srv := serveMetrics(cfg.MetricsAddr, metrics, log); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	rec := timeline.NewRecorder(sink,
		timeline.WithSnapshotEvery(cfg.SnapshotEvery),
		timeline.WithLogger(log),
		timeline.WithMetrics(metrics),
	)

	mode := timectrl.Accelerated
	if cfg.Pace > 0 {
		mode = timectrl.Paced
	}
	clock := timectrl.NewDayController(scenario.StartDay, scenario.StartDate, mode)
	clock.Pace = cfg.Pace
	clock.AddListener(func(day model.Day, date time.Time) {
		log.Debug(ctx, "event day", logging.Int64("day", int64(day)), logging.String("date", date.Format(time.DateOnly)))
	})

	engine, err := core.NewFromScenario(scenario,
		core.WithWorkers(cfg.Workers),
		core.WithDefectPolicy(policy),
		core.WithLogger(log),
		core.WithMetrics(metrics),
		core.WithRecorder(rec),
		core.WithClock(clock),
	)
	if err != nil {
		_ = rec.Close(context.Background())
		return nil, err
	}

	summary, runErr := engine.Run(ctx)
	if closeErr := rec.Close(context.Background()); runErr == nil {
		runErr = closeErr
	}
	res := &Result{Summary: summary}
	if runErr != nil {
		return res, runErr
	}

	if memory != nil {
		res.Validation = validate.Check(engine.Sim, memory.Entries())
	}
	if cfg.SummaryPath != "" {
		if err := writeResult(cfg.SummaryPath, res); err != nil {
			return res, err
		}
	}
	if res.Validation != nil && !res.Validation.OK() {
		return res, fmt.Errorf("%w: %d diagnostics", errValidation, len(res.Validation.Diagnostics))
	}
	return res, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func openOutput(path string, stdout io.Writer) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open timeline output: %w", err)
	}
	return f, nil
}

func writeResult(path string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func serveMetrics(addr string, collector *observability.FleetCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Gatherer(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
