package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/fleet-simulator/kb"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// usageFor resolves the usage curve driving e: its own plan, else its class
// plan, else, for an installed component, its parent's curve.
func (se *SimulationEngine) usageFor(tx *kb.Tx, e *model.Entity) *Cumulative {
	if cum := se.Sim.UsageFor(e); cum != nil {
		return cum
	}
	if e.ParentID == 0 {
		return nil
	}
	if parent := tx.Lookup(e.ParentID); parent != nil && parent.ParentID == 0 {
		return se.Sim.UsageFor(parent)
	}
	return nil
}

// Accrue applies the closed-form usage jump over [from, to) to an entity in
// Operations and the elapsed days to a bay-held restoration. It returns the
// usage applied.
func Accrue(e *model.Entity, usage *Cumulative, from, to model.Day) int64 {
	if to <= from {
		return 0
	}
	var applied int64
	switch {
	case e.State == model.StateOperations:
		applied = usage.Between(from, to)
		e.SNE += applied
		e.PPR += applied
	case e.HoldsBay() && !e.Repaired && (e.State == model.StateRepair || e.State == model.StateUnserviceable):
		e.RepairDays += int(to - from)
	}
	return applied
}

// ThresholdOutcome returns the state an entity in Operations is forced into by
// its counters: Storage when sne reached ll, or ppr reached oh beyond economic
// repair; Repair when ppr reached oh and the unit is repairable; Operations
// otherwise. Zero thresholds never trigger.
func ThresholdOutcome(e *model.Entity) model.State {
	if e.State != model.StateOperations {
		return e.State
	}
	if e.LL > 0 && e.SNE >= e.LL {
		return model.StateStorage
	}
	if e.OH > 0 && e.PPR >= e.OH {
		if e.BR > 0 && e.SNE >= e.BR {
			return model.StateStorage
		}
		return model.StateRepair
	}
	return model.StateOperations
}

// accrualPhase jumps every entity from prev to day in parallel. Each worker
// writes only the entities of its own chunk.
func (se *SimulationEngine) accrualPhase(ctx context.Context, tx *kb.Tx, prev, day model.Day) error {
	if day <= prev {
		return nil
	}
	ents := tx.Entities()
	return se.workers.forEach(ctx, len(ents), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			e, s := ents[i], &se.scratch[i]
			before := e.RepairDays
			applied := Accrue(e, se.usageFor(tx, e), prev, day)
			if e.SNE < 0 || e.PPR < 0 || e.RepairDays < 0 {
				detail := fmt.Sprintf("sne=%d ppr=%d repair_days=%d", e.SNE, e.PPR, e.RepairDays)
				if err := se.fail(s, newDefect(ErrNegativeCounter, e, day, e.State, detail)); err != nil {
					return err
				}
				continue
			}
			if applied != 0 || e.RepairDays != before {
				s.dirty = true
			}
		}
		return nil
	})
}
