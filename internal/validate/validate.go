// Package validate replays a recorded timeline against the run context and
// reports every lifecycle invariant it violates.
package validate

import (
	"fmt"
	"sort"

	"github.com/signalsfoundry/fleet-simulator/core"
	"github.com/signalsfoundry/fleet-simulator/internal/timeline"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// Kind classifies a diagnostic.
type Kind string

const (
	KindIllegalTransition Kind = "illegal_transition"
	KindStorageExit       Kind = "storage_exit"
	KindConservation      Kind = "conservation"
	KindBayCapacity       Kind = "bay_capacity"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindPopulation        Kind = "population"
	KindDayOrder          Kind = "day_order"
)

// Diagnostic is one violated invariant.
type Diagnostic struct {
	Kind     Kind           `json:"kind"`
	Day      model.Day      `json:"day"`
	EntityID model.EntityID `json:"entity_id,omitempty"`
	Class    model.ClassID  `json:"class,omitempty"`
	Detail   string         `json:"detail"`
}

func (d Diagnostic) String() string {
	if d.EntityID != 0 {
		return fmt.Sprintf("day %d %s entity %d (%s): %s", d.Day, d.Kind, d.EntityID, d.Class, d.Detail)
	}
	return fmt.Sprintf("day %d %s class %s: %s", d.Day, d.Kind, d.Class, d.Detail)
}

// Report is the outcome of a replay.
type Report struct {
	Days        int          `json:"days"`
	Rows        int          `json:"rows"`
	Entities    int          `json:"entities"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// OK reports whether no invariant was violated.
func (r *Report) OK() bool {
	return r != nil && len(r.Diagnostics) == 0
}

// CountByKind tallies diagnostics per kind.
func (r *Report) CountByKind() map[Kind]int {
	out := make(map[Kind]int)
	for _, d := range r.Diagnostics {
		out[d.Kind]++
	}
	return out
}

type entityTrack struct {
	last  model.TimelineRecord
	class model.ClassID
}

type checker struct {
	sim     *core.SimContext
	report  *Report
	tracks  map[model.EntityID]*entityTrack
	members map[model.ClassID]int
	prevDay model.Day
	started bool
}

func (c *checker) add(kind Kind, day model.Day, id model.EntityID, class model.ClassID, format string, args ...any) {
	c.report.Diagnostics = append(c.report.Diagnostics, Diagnostic{
		Kind:     kind,
		Day:      day,
		EntityID: id,
		Class:    class,
		Detail:   fmt.Sprintf(format, args...),
	})
}

// Check replays entries, which must hold every recorded event day in order,
// and returns the diagnostics found. The first entry is expected to carry a
// full snapshot of the initial fleet.
func Check(sim *core.SimContext, entries []timeline.Entry) *Report {
	c := &checker{
		sim:     sim,
		report:  &Report{},
		tracks:  make(map[model.EntityID]*entityTrack),
		members: make(map[model.ClassID]int),
	}
	for _, e := range entries {
		c.day(e)
	}
	c.report.Entities = len(c.tracks)
	sort.SliceStable(c.report.Diagnostics, func(i, j int) bool {
		a, b := c.report.Diagnostics[i], c.report.Diagnostics[j]
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		return a.EntityID < b.EntityID
	})
	return c.report
}

func (c *checker) day(e timeline.Entry) {
	if c.started && e.Day <= c.prevDay {
		c.add(KindDayOrder, e.Day, 0, "", "event day %d recorded after day %d", e.Day, c.prevDay)
		return
	}
	prev := c.prevDay
	first := !c.started
	c.started, c.prevDay = true, e.Day
	c.report.Days++
	c.report.Rows += len(e.Rows)

	held := make(map[model.ClassID]int)
	for _, r := range e.Rows {
		t, seen := c.tracks[r.EntityID]
		if !seen {
			c.tracks[r.EntityID] = &entityTrack{last: r, class: r.Class}
			c.members[r.Class]++
			if !first && !model.CanTransition(model.StateSpawn, r.State) {
				c.add(KindIllegalTransition, r.Day, r.EntityID, r.Class, "new entity appeared in %s", r.State)
			}
			continue
		}
		c.entity(t, r, prev, held)
		t.last = r
	}
	for class, n := range held {
		if params := c.sim.Class(class); params != nil && n > params.RepairBays {
			c.add(KindBayCapacity, e.Day, 0, class, "%d units accrued repair days over (%d,%d] with %d bays", n, prev, e.Day, params.RepairBays)
		}
	}
	for _, cs := range e.Summaries {
		c.summary(cs)
	}
}

func (c *checker) entity(t *entityTrack, r model.TimelineRecord, prev model.Day, held map[model.ClassID]int) {
	last := t.last
	if last.State == model.StateStorage && r.State != model.StateStorage {
		c.add(KindStorageExit, r.Day, r.EntityID, r.Class, "left storage for %s", r.State)
	} else if last.State != r.State && !model.CanTransition(last.State, r.State) {
		c.add(KindIllegalTransition, r.Day, r.EntityID, r.Class, "%s -> %s", last.State, r.State)
	}

	delta := r.SNE - last.SNE
	want := int64(0)
	if last.State == model.StateOperations {
		want = c.usage(last).Between(last.Day, r.Day)
	}
	if delta != want {
		c.add(KindConservation, r.Day, r.EntityID, r.Class, "sne moved by %d since day %d, usage plan accounts for %d", delta, last.Day, want)
	}
	if r.RepairDays > last.RepairDays && last.Day == prev {
		held[r.Class]++
	}
}

// usage mirrors the engine's curve resolution: the entity's plan, its class
// plan, then its parent's curve.
func (c *checker) usage(r model.TimelineRecord) *core.Cumulative {
	if cum := c.sim.UsageFor(&model.Entity{ID: r.EntityID, Class: r.Class}); cum != nil {
		return cum
	}
	if r.ParentID == 0 {
		return nil
	}
	parent, ok := c.tracks[r.ParentID]
	if !ok {
		return nil
	}
	return c.sim.UsageFor(&model.Entity{ID: r.ParentID, Class: parent.class})
}

func (c *checker) summary(cs model.ClassSummary) {
	total := 0
	for s := model.StateInactive; int(s) < model.NumStates; s++ {
		total += cs.Count(s)
	}
	if total != c.members[cs.Class] {
		c.add(KindPopulation, cs.Day, 0, cs.Class, "summary counts %d entities, timeline has %d", total, c.members[cs.Class])
	}
	if cs.HasTarget && cs.Count(model.StateOperations) > cs.Target {
		c.add(KindQuotaExceeded, cs.Day, 0, cs.Class, "%d in operations against target %d", cs.Count(model.StateOperations), cs.Target)
	}
}
