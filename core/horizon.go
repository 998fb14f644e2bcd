package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/fleet-simulator/kb"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// reasonOrder breaks ties between sources that force the same day.
var reasonOrder = map[StepReason]int{
	ReasonThreshold:        0,
	ReasonRepairComplete:   1,
	ReasonBayRelease:       2,
	ReasonProgramChange:    3,
	ReasonSpawn:            4,
	ReasonPendingAdmission: 5,
	ReasonEnd:              6,
}

func earlier(day model.Day, reason StepReason, than model.Day, thanReason StepReason) bool {
	if day != than {
		return day < than
	}
	return reasonOrder[reason] < reasonOrder[thanReason]
}

// HorizonScheduler computes the next event day without simulating the days
// in between.
type HorizonScheduler struct {
	sim *SimContext
}

// NewHorizonScheduler returns a scheduler over the run context.
func NewHorizonScheduler(sim *SimContext) *HorizonScheduler {
	return &HorizonScheduler{sim: sim}
}

// EntityHorizon returns the first day after day on which e is forced to
// change: a threshold crossing for a unit in Operations, found by binary
// search over its usage prefix sums, or the completion of a bay-held
// restoration. It is a pure function of its arguments.
func (h *HorizonScheduler) EntityHorizon(e *model.Entity, usage *Cumulative, day model.Day) (model.Day, StepReason) {
	switch {
	case e.State == model.StateOperations:
		best := model.Never
		if e.LL > 0 {
			best = minDay(best, reach(usage, day, e.LL-e.SNE))
		}
		if e.OH > 0 {
			best = minDay(best, reach(usage, day, e.OH-e.PPR))
		}
		return best, ReasonThreshold
	case e.HoldsBay() && !e.Repaired && (e.State == model.StateRepair || e.State == model.StateUnserviceable):
		remaining := e.RepairTime - e.RepairDays
		if remaining < 1 {
			remaining = 1
		}
		return day + model.Day(remaining), ReasonRepairComplete
	}
	return model.Never, ReasonEnd
}

// reach returns the day the remaining need is covered. A need already met is
// resolved on the next day.
func reach(usage *Cumulative, day model.Day, need int64) model.Day {
	if need <= 0 {
		return day + 1
	}
	return usage.FirstReach(day, need)
}

func minDay(a, b model.Day) model.Day {
	if b < a {
		return b
	}
	return a
}

// Next combines the earliest entity horizon with the run-level sources:
// activation reservations ending, program-change days, spawn days and a
// pending admission. The result never exceeds the end day.
func (h *HorizonScheduler) Next(day, entity model.Day, entityReason StepReason, bays map[model.ClassID]*RepairBays, pending bool) (model.Day, StepReason) {
	best, reason := h.sim.End, ReasonEnd
	consider := func(d model.Day, r StepReason) {
		if earlier(d, r, best, reason) {
			best, reason = d, r
		}
	}
	consider(entity, entityReason)
	for _, class := range h.sim.ClassIDs() {
		if b := bays[class]; b != nil {
			consider(b.NextRelease(day), ReasonBayRelease)
		}
	}
	consider(h.sim.NextProgramChange(day), ReasonProgramChange)
	consider(h.sim.NextSpawn(day), ReasonSpawn)
	if pending {
		consider(day+1, ReasonPendingAdmission)
	}
	return best, reason
}

// horizonPhase refreshes every entity's cached horizon in parallel and
// returns the global next event day. A result at or before day means the
// adaptive jump invariant is broken and the run must stop.
func (se *SimulationEngine) horizonPhase(ctx context.Context, tx *kb.Tx, day model.Day) (model.Day, StepReason, error) {
	ents := tx.Entities()
	var mu sync.Mutex
	best, bestReason := model.Never, ReasonEnd
	err := se.workers.forEach(ctx, len(ents), func(lo, hi int) error {
		local, localReason := model.Never, ReasonEnd
		for i := lo; i < hi; i++ {
			e := ents[i]
			h, r := se.horizon.EntityHorizon(e, se.usageFor(tx, e), day)
			e.Horizon = h
			if earlier(h, r, local, localReason) {
				local, localReason = h, r
			}
		}
		mu.Lock()
		if earlier(local, localReason, best, bestReason) {
			best, bestReason = local, localReason
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	next, reason := se.horizon.Next(day, best, bestReason, se.bays, se.pending)
	if next <= day {
		return 0, "", fmt.Errorf("%w: next day %d (%s) computed on day %d", ErrHorizonInPast, next, reason, day)
	}
	return next, reason, nil
}
