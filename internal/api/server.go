// Package api exposes fleet runs over HTTP: submit a scenario, inspect its
// summary and entity histories, scrape metrics and stream the timeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/signalsfoundry/fleet-simulator/core"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/observability"
	"github.com/signalsfoundry/fleet-simulator/internal/timeline"
	"github.com/signalsfoundry/fleet-simulator/internal/validate"
	"github.com/signalsfoundry/fleet-simulator/model"
)

const maxScenarioBytes = 64 << 20

// Run status values.
const (
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Config wires the server's collaborators. Nil collectors disable metrics.
type Config struct {
	Logger   logging.Logger
	Server   *observability.ServerCollector
	Fleet    *observability.FleetCollector
	Hub      *Hub
	Workers  int
	Snapshot int
}

// RunView is the JSON shape of a run.
type RunView struct {
	ID         string           `json:"id"`
	Status     string           `json:"status"`
	Started    time.Time        `json:"started"`
	Finished   *time.Time       `json:"finished,omitempty"`
	Day        model.Day        `json:"day"`
	Summary    *core.RunSummary `json:"summary,omitempty"`
	Error      string           `json:"error,omitempty"`
	Validation *validate.Report `json:"validation,omitempty"`
}

type run struct {
	id       string
	engine   *core.SimulationEngine
	sink     *timeline.MemorySink
	validate bool
	cancel   context.CancelFunc
	done     chan struct{}

	mu         sync.RWMutex
	status     string
	day        model.Day
	started    time.Time
	finished   time.Time
	summary    *core.RunSummary
	err        error
	validation *validate.Report
}

func (r *run) view() RunView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := RunView{
		ID:         r.id,
		Status:     r.status,
		Day:        r.day,
		Started:    r.started,
		Summary:    r.summary,
		Validation: r.validation,
	}
	if !r.finished.IsZero() {
		f := r.finished
		v.Finished = &f
	}
	if r.err != nil {
		v.Error = r.err.Error()
	}
	return v
}

// Server holds submitted runs.
type Server struct {
	cfg  Config
	log  logging.Logger
	base context.Context
	stop context.CancelFunc

	mu   sync.RWMutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// NewServer returns a server with no runs.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	base, stop := context.WithCancel(context.Background())
	return &Server{
		cfg:  cfg,
		log:  cfg.Logger,
		base: base,
		stop: stop,
		runs: make(map[string]*run),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestScope(s.log), tracing, s.cfg.Server.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.cfg.Server.Handler())
	r.Handle("/timeline/stream", s.cfg.Hub)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleCreateRun)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Delete("/", s.handleCancelRun)
			r.Get("/summary", s.handleSummary)
			r.Get("/entities/{entityID}", s.handleEntity)
		})
	})
	return r
}

// Shutdown cancels running simulations and waits for them to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*run, bool) {
	id := chi.URLParam(r, "runID")
	s.mu.RLock()
	rn, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "run not found")
	}
	return rn, ok
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	format := core.FormatYAML
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		format = core.FormatJSON
	}
	scenario, err := core.LoadScenario(http.MaxBytesReader(w, r.Body, maxScenarioBytes), format)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	workers := s.cfg.Workers
	if raw := q.Get("workers"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "workers must be a non-negative integer")
			return
		}
		workers = n
	}
	policy, err := core.ParseDefectPolicy(q.Get("defects"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := logging.LoggerFromContext(r.Context())
	if log == nil {
		log = s.log
	}
	rn, err := s.start(log, scenario, workers, policy, q.Get("validate") == "true")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Get("wait") == "true" {
		select {
		case <-rn.done:
		case <-r.Context().Done():
			return
		}
		writeJSON(w, http.StatusOK, rn.view())
		return
	}
	writeJSON(w, http.StatusAccepted, rn.view())
}

func (s *Server) start(base logging.Logger, scenario *core.Scenario, workers int, policy core.DefectPolicy, check bool) (*run, error) {
	id := uuid.NewString()
	ctx := logging.ContextWithRunID(s.base, id)
	ctx, log := logging.WithRunLogger(ctx, base)
	ctx, cancel := context.WithCancel(ctx)

	sink := timeline.NewMemorySink()
	snapshot := s.cfg.Snapshot
	if snapshot == 0 {
		snapshot = 30
	}
	rec := timeline.NewRecorder(
		timeline.MultiSink{sink, s.cfg.Hub.Sink(id)},
		timeline.WithSnapshotEvery(snapshot),
		timeline.WithLogger(log),
		timeline.WithMetrics(s.cfg.Fleet),
	)
	engine, err := core.NewFromScenario(scenario,
		core.WithWorkers(workers),
		core.WithDefectPolicy(policy),
		core.WithLogger(log),
		core.WithMetrics(s.cfg.Fleet),
		core.WithRecorder(rec),
	)
	if err != nil {
		cancel()
		_ = rec.Close(context.Background())
		return nil, err
	}
	s.cfg.Server.SetScenarioCounts(len(scenario.Fleet), len(scenario.Classes))

	rn := &run{
		id:       id,
		engine:   engine,
		sink:     sink,
		validate: check,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   StatusRunning,
		started:  time.Now().UTC(),
	}
	engine.RegisterDayListener(func(rep core.StepReport) {
		rn.mu.Lock()
		rn.day = rep.Day
		rn.mu.Unlock()
	})
	s.mu.Lock()
	s.runs[id] = rn
	s.mu.Unlock()
	log.Info(ctx, "fleet run submitted",
		logging.Int("entities", len(scenario.Fleet)),
		logging.Int("classes", len(scenario.Classes)),
		logging.String("defect_policy", policy.String()),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(rn.done)
		defer cancel()
		summary, runErr := engine.Run(ctx)
		closeErr := rec.Close(context.Background())
		if runErr == nil {
			runErr = closeErr
		}

		var report *validate.Report
		if runErr == nil && rn.validate {
			report = validate.Check(engine.Sim, sink.Entries())
			if !report.OK() {
				log.Warn(ctx, "timeline validation failed", logging.Int("diagnostics", len(report.Diagnostics)))
			}
		}

		status := StatusDone
		switch {
		case errors.Is(runErr, context.Canceled):
			status = StatusCanceled
		case runErr != nil:
			status = StatusFailed
			log.Error(ctx, "fleet run failed", logging.Err(runErr))
		}
		s.cfg.Server.IncRun(status)

		rn.mu.Lock()
		rn.status = status
		rn.summary = summary
		rn.err = runErr
		rn.validation = report
		rn.finished = time.Now().UTC()
		rn.mu.Unlock()
	}()
	return rn, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	views := make([]RunView, 0, len(s.runs))
	for _, rn := range s.runs {
		views = append(views, rn.view())
	}
	s.mu.RUnlock()
	sort.Slice(views, func(i, j int) bool { return views[i].Started.Before(views[j].Started) })
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rn.view())
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.lookup(w, r)
	if !ok {
		return
	}
	rn.cancel()
	<-rn.done
	writeJSON(w, http.StatusOK, rn.view())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.lookup(w, r)
	if !ok {
		return
	}
	summaries := rn.sink.LatestSummaries()
	if summaries == nil {
		summaries = []model.ClassSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

type entityView struct {
	Entity  model.Entity           `json:"entity"`
	History []model.TimelineRecord `json:"history"`
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.lookup(w, r)
	if !ok {
		return
	}
	raw, err := strconv.ParseUint(chi.URLParam(r, "entityID"), 10, 64)
	if err != nil || raw == 0 {
		writeJSONError(w, http.StatusBadRequest, "entity id must be a positive integer")
		return
	}
	id := model.EntityID(raw)
	e, err := rn.engine.KB.Get(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	history := rn.sink.Rows(id)
	if history == nil {
		history = []model.TimelineRecord{}
	}
	writeJSON(w, http.StatusOK, entityView{Entity: *e, History: history})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
