package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// ErrInvalidScenario indicates scenario inputs failed validation.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario bundles every input the engine consumes. None of it is mutated
// by a run.
type Scenario struct {
	// StartDay and EndDay bound the run: days [StartDay, EndDay) are simulated.
	StartDay model.Day
	EndDay   model.Day
	// StartDate optionally anchors StartDay to a calendar date.
	StartDate time.Time

	Classes []model.ClassParams
	Fleet   []model.Entity

	// EntityUsage and ClassUsage are daily usage plans indexed by day offset
	// from StartDay. An entity without its own plan uses its class plan.
	EntityUsage map[model.EntityID]model.UsagePlan
	ClassUsage  map[model.ClassID]model.UsagePlan

	Quotas map[model.ClassID][]model.QuotaChange
	Spawns map[model.ClassID][]model.SpawnBatch
}

// Validate checks structural consistency of the scenario.
func (s *Scenario) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil scenario", ErrInvalidScenario)
	}
	if s.EndDay <= s.StartDay {
		return fmt.Errorf("%w: end_day %d must be after start_day %d", ErrInvalidScenario, s.EndDay, s.StartDay)
	}
	classes := make(map[model.ClassID]model.ClassParams, len(s.Classes))
	for _, c := range s.Classes {
		if c.ID == "" {
			return fmt.Errorf("%w: class with empty id", ErrInvalidScenario)
		}
		if c.RepairBays < 0 || c.RepairTime < 0 || c.CompPerParent < 0 {
			return fmt.Errorf("%w: class %q has negative capacity or duration", ErrInvalidScenario, c.ID)
		}
		if c.LL < 0 || c.OH < 0 || c.BR < 0 {
			return fmt.Errorf("%w: class %q has negative thresholds", ErrInvalidScenario, c.ID)
		}
		classes[c.ID] = c
	}
	for _, c := range s.Classes {
		if !c.IsComponent() {
			continue
		}
		parent, ok := classes[c.ParentClass]
		if !ok {
			return fmt.Errorf("%w: component class %q names unknown parent class %q", ErrInvalidScenario, c.ID, c.ParentClass)
		}
		if parent.IsComponent() {
			return fmt.Errorf("%w: component class %q is installed on component class %q", ErrInvalidScenario, c.ID, c.ParentClass)
		}
	}
	for class, changes := range s.Quotas {
		c, ok := classes[class]
		if !ok {
			return fmt.Errorf("%w: quota for unknown class %q", ErrInvalidScenario, class)
		}
		if c.IsComponent() {
			return fmt.Errorf("%w: quota for component class %q", ErrInvalidScenario, class)
		}
		for _, qc := range changes {
			if qc.Target < 0 {
				return fmt.Errorf("%w: class %q has negative target on day %d", ErrInvalidScenario, class, qc.Day)
			}
		}
	}
	for class, batches := range s.Spawns {
		if _, ok := classes[class]; !ok {
			return fmt.Errorf("%w: spawn schedule for unknown class %q", ErrInvalidScenario, class)
		}
		for _, b := range batches {
			if b.Count < 0 {
				return fmt.Errorf("%w: class %q has negative spawn count on day %d", ErrInvalidScenario, class, b.Day)
			}
		}
	}
	for class := range s.ClassUsage {
		if _, ok := classes[class]; !ok {
			return fmt.Errorf("%w: usage plan for unknown class %q", ErrInvalidScenario, class)
		}
	}
	return nil
}

// QuotaSchedule is a per-class step function from day to target count.
type QuotaSchedule struct {
	changes []model.QuotaChange
}

func newQuotaSchedule(changes []model.QuotaChange) *QuotaSchedule {
	sorted := append([]model.QuotaChange(nil), changes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Day < sorted[j].Day })
	// A later entry for the same day wins.
	out := sorted[:0]
	for _, qc := range sorted {
		if n := len(out); n > 0 && out[n-1].Day == qc.Day {
			out[n-1] = qc
			continue
		}
		out = append(out, qc)
	}
	return &QuotaSchedule{changes: out}
}

// Target returns the target in force on day; ok is false before the first
// change point.
func (q *QuotaSchedule) Target(day model.Day) (target int, ok bool) {
	if q == nil || len(q.changes) == 0 {
		return 0, false
	}
	i := sort.Search(len(q.changes), func(i int) bool { return q.changes[i].Day > day })
	if i == 0 {
		return 0, false
	}
	return q.changes[i-1].Target, true
}

// SimContext is the immutable per-run context passed by reference into every
// phase: class constants, usage prefix sums, quota and spawn schedules.
type SimContext struct {
	Start model.Day
	End   model.Day

	classes     map[model.ClassID]*model.ClassParams
	classIDs    []model.ClassID
	classUsage  map[model.ClassID]*Cumulative
	entityUsage map[model.EntityID]*Cumulative
	quotas      map[model.ClassID]*QuotaSchedule
	spawns      map[model.ClassID][]model.SpawnBatch

	programDays []model.Day
	spawnDays   []model.Day

	// ClampedUsage counts negative usage entries replaced by zero, per plan owner.
	ClampedUsage map[string]int
}

// NewSimContext precomputes everything the engine needs from a scenario.
func NewSimContext(s *Scenario) (*SimContext, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	ctx := &SimContext{
		Start:        s.StartDay,
		End:          s.EndDay,
		classes:      make(map[model.ClassID]*model.ClassParams, len(s.Classes)),
		classUsage:   make(map[model.ClassID]*Cumulative, len(s.ClassUsage)),
		entityUsage:  make(map[model.EntityID]*Cumulative, len(s.EntityUsage)),
		quotas:       make(map[model.ClassID]*QuotaSchedule, len(s.Quotas)),
		spawns:       make(map[model.ClassID][]model.SpawnBatch, len(s.Spawns)),
		ClampedUsage: make(map[string]int),
	}
	for i := range s.Classes {
		c := s.Classes[i]
		if c.Kind == "" {
			c.Kind = model.KindAirframe
		}
		ctx.classes[c.ID] = &c
		ctx.classIDs = append(ctx.classIDs, c.ID)
	}
	sort.Slice(ctx.classIDs, func(i, j int) bool { return ctx.classIDs[i] < ctx.classIDs[j] })

	for class, plan := range s.ClassUsage {
		cum, clamped := NewCumulative(plan, s.StartDay, s.EndDay)
		ctx.classUsage[class] = cum
		if clamped > 0 {
			ctx.ClampedUsage["class:"+string(class)] = clamped
		}
	}
	for id, plan := range s.EntityUsage {
		cum, clamped := NewCumulative(plan, s.StartDay, s.EndDay)
		ctx.entityUsage[id] = cum
		if clamped > 0 {
			ctx.ClampedUsage[fmt.Sprintf("entity:%d", id)] = clamped
		}
	}

	programDays := make(map[model.Day]struct{})
	for class, changes := range s.Quotas {
		q := newQuotaSchedule(changes)
		ctx.quotas[class] = q
		for _, qc := range q.changes {
			programDays[qc.Day] = struct{}{}
		}
	}
	ctx.programDays = sortedDays(programDays)

	spawnDays := make(map[model.Day]struct{})
	for class, batches := range s.Spawns {
		merged := make(map[model.Day]int)
		for _, b := range batches {
			if b.Count > 0 {
				merged[b.Day] += b.Count
			}
		}
		days := make([]model.SpawnBatch, 0, len(merged))
		for day, count := range merged {
			days = append(days, model.SpawnBatch{Day: day, Count: count})
			spawnDays[day] = struct{}{}
		}
		sort.Slice(days, func(i, j int) bool { return days[i].Day < days[j].Day })
		ctx.spawns[class] = days
	}
	ctx.spawnDays = sortedDays(spawnDays)
	return ctx, nil
}

func sortedDays(set map[model.Day]struct{}) []model.Day {
	out := make([]model.Day, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Class returns the static parameters of a class, or nil.
func (c *SimContext) Class(id model.ClassID) *model.ClassParams {
	return c.classes[id]
}

// ClassIDs returns the class IDs in sorted order. The slice is shared.
func (c *SimContext) ClassIDs() []model.ClassID {
	return c.classIDs
}

// UsageFor returns the cumulative usage curve that drives an entity, or nil
// when neither the entity nor its class has a plan (usage is zero).
func (c *SimContext) UsageFor(e *model.Entity) *Cumulative {
	if cum, ok := c.entityUsage[e.ID]; ok {
		return cum
	}
	return c.classUsage[e.Class]
}

// Quota returns the quota schedule of a class, or nil if it has none.
func (c *SimContext) Quota(class model.ClassID) *QuotaSchedule {
	return c.quotas[class]
}

// SpawnsOn returns how many units of class are scheduled to appear on day.
func (c *SimContext) SpawnsOn(class model.ClassID, day model.Day) int {
	batches := c.spawns[class]
	i := sort.Search(len(batches), func(i int) bool { return batches[i].Day >= day })
	if i < len(batches) && batches[i].Day == day {
		return batches[i].Count
	}
	return 0
}

// NextProgramChange returns the first quota change day strictly after day.
func (c *SimContext) NextProgramChange(day model.Day) model.Day {
	return nextAfter(c.programDays, day)
}

// NextSpawn returns the first spawn day strictly after day.
func (c *SimContext) NextSpawn(day model.Day) model.Day {
	return nextAfter(c.spawnDays, day)
}

func nextAfter(days []model.Day, day model.Day) model.Day {
	i := sort.Search(len(days), func(i int) bool { return days[i] > day })
	if i < len(days) {
		return days[i]
	}
	return model.Never
}
