package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/kb"
	"github.com/signalsfoundry/fleet-simulator/model"
)

const tracerName = "github.com/signalsfoundry/fleet-simulator/core"

// ErrRunFinished is returned by Step once the end day has been processed.
var ErrRunFinished = errors.New("run already reached end day")

// Option configures a SimulationEngine.
type Option func(*SimulationEngine)

// WithWorkers sets the number of goroutines per phase. Zero or less uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(se *SimulationEngine) { se.workers = newWorkerPool(n) }
}

// WithDefectPolicy selects abort-on-defect or skip-and-continue.
func WithDefectPolicy(p DefectPolicy) Option {
	return func(se *SimulationEngine) { se.defects.policy = p }
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(se *SimulationEngine) {
		if l != nil {
			se.log = l
		}
	}
}

// WithMetrics sets the metrics receiver.
func WithMetrics(m Metrics) Option {
	return func(se *SimulationEngine) {
		if m != nil {
			se.metrics = m
		}
	}
}

// WithRecorder sets the timeline recorder.
func WithRecorder(r Recorder) Option {
	return func(se *SimulationEngine) { se.recorder = r }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(se *SimulationEngine) {
		if t != nil {
			se.tracer = t
		}
	}
}

// WithClock sets a calendar the engine advances on every event day.
func WithClock(c Clock) Option {
	return func(se *SimulationEngine) { se.clock = c }
}

// StepReason names what determined an event day.
type StepReason string

const (
	ReasonStart            StepReason = "start"
	ReasonThreshold        StepReason = "threshold"
	ReasonRepairComplete   StepReason = "repair_complete"
	ReasonBayRelease       StepReason = "bay_release"
	ReasonProgramChange    StepReason = "program_change"
	ReasonSpawn            StepReason = "spawn"
	ReasonPendingAdmission StepReason = "pending_admission"
	ReasonEnd              StepReason = "end"
)

// TransitionCount is the number of entities that took one edge on a day.
type TransitionCount struct {
	From  model.State `json:"from"`
	To    model.State `json:"to"`
	Count int         `json:"count"`
}

// StepReport describes one processed event day.
type StepReport struct {
	Day         model.Day
	Previous    model.Day
	Reason      StepReason
	Final       bool
	Transitions []TransitionCount
	Spawned     int
	Shortfall   map[model.ClassID]int
	Queued      int
	Defects     []*DefectError
	Next        model.Day
	NextReason  StepReason
	Duration    time.Duration
}

// RunSummary aggregates the step reports of a run.
type RunSummary struct {
	StartDay    model.Day             `json:"start_day"`
	EndDay      model.Day             `json:"end_day"`
	EventDays   int                   `json:"event_days"`
	Reasons     map[StepReason]int    `json:"reasons"`
	Transitions []TransitionCount     `json:"transitions"`
	Spawned     int                   `json:"spawned"`
	Defects     int                   `json:"defects"`
	Entities    int                   `json:"entities"`
	Shortfall   map[model.ClassID]int `json:"final_shortfall"`
	Elapsed     time.Duration         `json:"elapsed_ns"`

	moves [model.NumStates][model.NumStates]int
}

func (rs *RunSummary) add(rep StepReport) {
	rs.EventDays++
	rs.Reasons[rep.Reason]++
	rs.Spawned += rep.Spawned
	rs.Defects += len(rep.Defects)
	rs.Elapsed += rep.Duration
	for _, tc := range rep.Transitions {
		rs.moves[tc.From][tc.To] += tc.Count
	}
	rs.Shortfall = rep.Shortfall
	rs.Transitions = flattenMoves(&rs.moves)
}

// scratch is the per-entity working area of the check/commit phases. Slot i
// belongs to the entity at position i of the entity slice and is written only
// by the worker owning that position.
type scratch struct {
	want   model.State
	tier   int8
	admit  bool
	bay    int
	parent model.EntityID
	seq    uint64
	dirty  bool
	skip   bool
}

type defectLog struct {
	mu     sync.Mutex
	policy DefectPolicy
	items  []*DefectError
}

func (l *defectLog) report(d *DefectError) error {
	if l.policy == DefectAbort {
		return d
	}
	l.mu.Lock()
	l.items = append(l.items, d)
	l.mu.Unlock()
	return nil
}

func (l *defectLog) drain() []*DefectError {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.items
	l.items = nil
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

type moveCounts [model.NumStates][model.NumStates]atomic.Int64

func (m *moveCounts) add(from, to model.State) {
	m[from][to].Add(1)
}

func (m *moveCounts) drain() [model.NumStates][model.NumStates]int {
	var out [model.NumStates][model.NumStates]int
	for from := range m {
		for to := range m[from] {
			out[from][to] = int(m[from][to].Swap(0))
		}
	}
	return out
}

func flattenMoves(m *[model.NumStates][model.NumStates]int) []TransitionCount {
	var out []TransitionCount
	for from := range m {
		for to := range m[from] {
			if from != to && m[from][to] > 0 {
				out = append(out, TransitionCount{From: model.State(from), To: model.State(to), Count: m[from][to]})
			}
		}
	}
	return out
}

// SimulationEngine advances a fleet through event days chosen by the horizon
// scheduler. It owns the Entity Store for the duration of a run.
type SimulationEngine struct {
	KB  *kb.KnowledgeBase
	Sim *SimContext

	log      logging.Logger
	metrics  Metrics
	recorder Recorder
	tracer   trace.Tracer
	clock    Clock
	workers  *workerPool

	bays    map[model.ClassID]*RepairBays
	quota   *QuotaBalancer
	pool    *ReplacementPool
	horizon *HorizonScheduler
	spawner *SpawnManager

	scratch []scratch
	defects defectLog
	moves   moveCounts

	day        model.Day
	next       model.Day
	nextReason StepReason
	started    bool
	done       bool
	stockSeq   uint64
	shortfall  map[model.ClassID]int
	pending    bool

	dayListeners []func(StepReport)
}

// NewSimulationEngine wires an engine over a loaded store and its context.
func NewSimulationEngine(store *kb.KnowledgeBase, sim *SimContext, opts ...Option) (*SimulationEngine, error) {
	if store == nil || sim == nil {
		return nil, fmt.Errorf("%w: engine needs a store and a context", ErrInvalidScenario)
	}
	se := &SimulationEngine{
		KB:        store,
		Sim:       sim,
		log:       logging.Noop(),
		metrics:   noopMetrics{},
		tracer:    otel.Tracer(tracerName),
		workers:   newWorkerPool(0),
		bays:      make(map[model.ClassID]*RepairBays),
		shortfall: make(map[model.ClassID]int),
		day:       sim.Start,
		next:      sim.Start,
	}
	for _, opt := range opts {
		opt(se)
	}
	for _, id := range sim.ClassIDs() {
		if store.Class(id) == nil {
			return nil, fmt.Errorf("%w: class %q missing from store", ErrInvalidScenario, id)
		}
		se.bays[id] = NewRepairBays(id, sim.Class(id).RepairBays, sim.Start)
	}
	se.quota = NewQuotaBalancer(sim, se.bays)
	se.pool = NewReplacementPool()
	se.horizon = NewHorizonScheduler(sim)
	se.spawner = NewSpawnManager(sim, store.MaxID())
	return se, nil
}

// NewFromScenario builds the store, context and engine for a scenario.
func NewFromScenario(s *Scenario, opts ...Option) (*SimulationEngine, error) {
	sim, err := NewSimContext(s)
	if err != nil {
		return nil, err
	}
	store, err := kb.NewKnowledgeBase(s.Classes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := store.Load(s.Fleet); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	return NewSimulationEngine(store, sim, opts...)
}

// RegisterDayListener adds a callback invoked after every event day.
func (se *SimulationEngine) RegisterDayListener(fn func(StepReport)) {
	se.dayListeners = append(se.dayListeners, fn)
}

// Day returns the last processed event day.
func (se *SimulationEngine) Day() model.Day {
	return se.day
}

// Done reports whether the end day has been processed.
func (se *SimulationEngine) Done() bool {
	return se.done
}

// Bays returns the bay pool of a class. Callers must not mutate it while a
// run is in progress.
func (se *SimulationEngine) Bays(class model.ClassID) *RepairBays {
	return se.bays[class]
}

// PendingRequests returns the queued replacement requests in FIFO order.
func (se *SimulationEngine) PendingRequests() []model.ReplacementRequest {
	return se.pool.Requests()
}

// Horizon recomputes the cached horizon of one entity as of the last
// processed day without changing any state.
func (se *SimulationEngine) Horizon(id model.EntityID) (model.Day, error) {
	var h model.Day
	err := se.KB.View(func(tx *kb.Tx) error {
		e := tx.Lookup(id)
		if e == nil {
			return fmt.Errorf("%w: %d", kb.ErrEntityNotFound, id)
		}
		h, _ = se.horizon.EntityHorizon(e, se.usageFor(tx, e), se.day)
		return nil
	})
	return h, err
}

// Run steps through event days until the end day or until ctx is cancelled.
// Cancellation stops issuing further event days; the last processed day
// remains consistent.
func (se *SimulationEngine) Run(ctx context.Context) (*RunSummary, error) {
	ctx, span := se.tracer.Start(ctx, "fleet.run", trace.WithAttributes(
		attribute.Int("fleet.start_day", int(se.Sim.Start)),
		attribute.Int("fleet.end_day", int(se.Sim.End)),
		attribute.Int("fleet.entities", se.KB.Len()),
	))
	defer span.End()

	summary := &RunSummary{
		StartDay:  se.Sim.Start,
		EndDay:    se.Sim.End,
		Reasons:   make(map[StepReason]int),
		Shortfall: map[model.ClassID]int{},
	}
	se.log.Info(ctx, "fleet run starting",
		logging.Int("start_day", int(se.Sim.Start)),
		logging.Int("end_day", int(se.Sim.End)),
		logging.Int("entities", se.KB.Len()),
		logging.Int("workers", se.workers.workers),
		logging.String("defect_policy", se.defects.policy.String()),
	)
	for !se.done {
		if err := ctx.Err(); err != nil {
			se.log.Warn(ctx, "fleet run cancelled", logging.Int("day", int(se.day)), logging.Err(err))
			return summary, err
		}
		rep, err := se.Step(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return summary, err
		}
		summary.add(rep)
	}
	summary.Entities = se.KB.Len()
	span.SetAttributes(attribute.Int("fleet.event_days", summary.EventDays))
	se.log.Info(ctx, "fleet run finished",
		logging.Int("event_days", summary.EventDays),
		logging.Int("entities", summary.Entities),
		logging.Int("defects", summary.Defects),
	)
	return summary, nil
}

// Step processes the next event day.
func (se *SimulationEngine) Step(ctx context.Context) (StepReport, error) {
	if se.done {
		return StepReport{}, ErrRunFinished
	}
	prev, day, reason := se.Sim.Start, se.Sim.Start, ReasonStart
	if se.started {
		prev, day, reason = se.day, se.next, se.nextReason
		if day <= prev {
			return StepReport{}, fmt.Errorf("%w: day %d after %d", ErrHorizonInPast, day, prev)
		}
	}
	final := day >= se.Sim.End
	if final {
		day, reason = se.Sim.End, ReasonEnd
	}

	ctx, span := se.tracer.Start(ctx, "fleet.event_day", trace.WithAttributes(
		attribute.Int("fleet.day", int(day)),
		attribute.String("fleet.reason", string(reason)),
	))
	defer span.End()

	if se.clock != nil {
		if err := se.clock.AdvanceTo(ctx, day); err != nil {
			return StepReport{}, err
		}
	}

	begin := time.Now()
	rep := StepReport{Day: day, Previous: prev, Reason: reason, Final: final}
	var rows []model.TimelineRecord
	var summaries []model.ClassSummary

	err := se.KB.Update(func(tx *kb.Tx) error {
		se.resetScratch(len(tx.Entities()))
		if err := se.accrualPhase(ctx, tx, prev, day); err != nil {
			return err
		}
		if !final {
			if err := se.runTransitions(ctx, tx, day, &rep); err != nil {
				return err
			}
		}
		full := !se.started || final || (se.recorder != nil && se.recorder.SnapshotDue(day))
		rows = se.collectRows(tx, day, full)
		summaries = se.collectSummaries(tx, day)
		return nil
	})
	if err != nil {
		var defect *DefectError
		if errors.As(err, &defect) {
			se.metrics.IncDefect(defect.KindLabel())
			se.log.Error(ctx, "defect aborted run", defectFields(defect)...)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rep, err
	}

	moves := se.moves.drain()
	rep.Transitions = flattenMoves(&moves)
	for _, tc := range rep.Transitions {
		se.metrics.AddTransitions(tc.From, tc.To, tc.Count)
	}
	rep.Defects = se.defects.drain()
	for _, d := range rep.Defects {
		se.metrics.IncDefect(d.KindLabel())
		se.log.Warn(ctx, "defect skipped", defectFields(d)...)
	}
	rep.Shortfall = make(map[model.ClassID]int, len(se.shortfall))
	for class, n := range se.shortfall {
		rep.Shortfall[class] = n
	}
	rep.Queued = se.pool.Len()

	if se.recorder != nil {
		if err := se.recorder.Record(ctx, day, rows, summaries); err != nil {
			span.RecordError(err)
			return rep, fmt.Errorf("record day %d: %w", day, err)
		}
	}

	se.day = day
	se.started = true
	if final {
		se.done = true
		rep.Next, rep.NextReason = model.Never, ReasonEnd
	} else {
		rep.Next, rep.NextReason = se.next, se.nextReason
	}
	rep.Duration = time.Since(begin)
	se.publish(summaries, rep)

	span.SetAttributes(
		attribute.Int("fleet.rows", len(rows)),
		attribute.Int("fleet.next_day", int(rep.Next)),
	)
	se.log.Debug(ctx, "event day processed",
		logging.Int("day", int(day)),
		logging.String("reason", string(reason)),
		logging.Int("jump", int(day-prev)),
		logging.Int("transitions", len(rep.Transitions)),
		logging.Int("spawned", rep.Spawned),
		logging.Int("next_day", int(rep.Next)),
	)
	for _, fn := range se.dayListeners {
		fn(rep)
	}
	return rep, nil
}

// runTransitions applies the event-day phases after accrual, in order.
func (se *SimulationEngine) runTransitions(ctx context.Context, tx *kb.Tx, day model.Day, rep *StepReport) error {
	if err := se.bayPhase(tx, day); err != nil {
		return err
	}
	if err := se.thresholdPhase(ctx, tx, day); err != nil {
		return err
	}
	if err := se.quotaPhase(ctx, tx, day); err != nil {
		return err
	}
	if err := se.componentPhase(ctx, tx, day); err != nil {
		return err
	}
	if err := se.replacementPhase(ctx, tx, day); err != nil {
		return err
	}
	spawned, err := se.spawnPhase(tx, day)
	if err != nil {
		return err
	}
	rep.Spawned = spawned
	next, reason, err := se.horizonPhase(ctx, tx, day)
	if err != nil {
		return err
	}
	se.next, se.nextReason = next, reason
	return nil
}

func (se *SimulationEngine) publish(summaries []model.ClassSummary, rep StepReport) {
	se.metrics.ObserveStep(string(rep.Reason), int(rep.Day-rep.Previous), rep.Duration)
	for _, cs := range summaries {
		for s := model.StateInactive; int(s) < model.NumStates; s++ {
			se.metrics.SetStateCount(cs.Class, s, cs.Count(s))
		}
		if cs.HasTarget {
			se.metrics.SetShortfall(cs.Class, cs.Shortfall)
		}
		if bays := se.bays[cs.Class]; bays != nil {
			se.metrics.SetBayOccupancy(cs.Class, bays.Occupied(), bays.Len())
		}
		if class := se.Sim.Class(cs.Class); class.IsComponent() {
			se.metrics.SetReplacementQueue(cs.Class, cs.Queued)
		}
	}
}

func (se *SimulationEngine) resetScratch(n int) {
	if cap(se.scratch) < n {
		grown := make([]scratch, n, n+n/4)
		copy(grown, se.scratch)
		se.scratch = grown
	}
	se.scratch = se.scratch[:n]
	for i := range se.scratch {
		se.scratch[i] = scratch{bay: model.NoBay}
	}
}

// growScratch extends the scratch area after entities were appended mid-day.
func (se *SimulationEngine) growScratch(n int) {
	for len(se.scratch) < n {
		se.scratch = append(se.scratch, scratch{bay: model.NoBay, dirty: true})
	}
}

// fail records a defect for the entity owning s. Under DefectSkip the entity
// is left alone for the rest of the day and nil is returned.
func (se *SimulationEngine) fail(s *scratch, d *DefectError) error {
	s.skip = true
	return se.defects.report(d)
}

// transition moves e to the given state after checking the table. It reports
// whether the move was applied.
func (se *SimulationEngine) transition(e *model.Entity, s *scratch, to model.State, day model.Day) (bool, error) {
	if !model.CanTransition(e.State, to) {
		return false, se.fail(s, newDefect(ErrIllegalTransition, e, day, to, ""))
	}
	if e.State != to {
		se.moves.add(e.State, to)
		e.State = to
		s.dirty = true
	}
	return true, nil
}

func (se *SimulationEngine) nextStockSeq() uint64 {
	se.stockSeq++
	return se.stockSeq
}

func defectFields(d *DefectError) []logging.Field {
	return []logging.Field{
		logging.String("kind", d.KindLabel()),
		logging.Uint64("entity_id", uint64(d.EntityID)),
		logging.String("class", string(d.Class)),
		logging.Int("day", int(d.Day)),
		logging.String("from", d.From.String()),
		logging.String("to", d.To.String()),
		logging.String("detail", d.Detail),
	}
}
