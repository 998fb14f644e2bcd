package core

import (
	"github.com/signalsfoundry/fleet-simulator/kb"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// collectRows builds the timeline rows of day: every entity whose visible
// fields changed, or the whole population when full is set.
func (se *SimulationEngine) collectRows(tx *kb.Tx, day model.Day, full bool) []model.TimelineRecord {
	ents := tx.Entities()
	n := len(ents)
	if !full {
		n = 0
		for i := range ents {
			if se.scratch[i].dirty {
				n++
			}
		}
	}
	rows := make([]model.TimelineRecord, 0, n)
	for i, e := range ents {
		if !full && !se.scratch[i].dirty {
			continue
		}
		rows = append(rows, model.TimelineRecord{
			EntityID:   e.ID,
			Class:      e.Class,
			Day:        day,
			State:      e.State,
			SNE:        e.SNE,
			PPR:        e.PPR,
			RepairDays: e.RepairDays,
			ParentID:   e.ParentID,
			Snapshot:   full,
		})
	}
	return rows
}

// collectSummaries counts each class per state on day, next to the target in
// force and the shortfall the balancer carried forward.
func (se *SimulationEngine) collectSummaries(tx *kb.Tx, day model.Day) []model.ClassSummary {
	ents := tx.Entities()
	classes := se.Sim.ClassIDs()
	out := make([]model.ClassSummary, 0, len(classes))
	for _, class := range classes {
		cs := model.ClassSummary{Class: class, Day: day}
		for _, i := range tx.Members(class) {
			cs.Counts[ents[i].State]++
		}
		if target, ok := se.quota.Target(class, day); ok {
			cs.Target, cs.HasTarget = target, true
			cs.Shortfall = se.shortfall[class]
		}
		if se.Sim.Class(class).IsComponent() {
			cs.Queued = se.pool.PendingForClass(class)
		}
		out = append(out, cs)
	}
	return out
}
