package core

import (
	"context"

	"github.com/signalsfoundry/fleet-simulator/kb"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// Candidacy tiers written by check phases into scratch.tier.
const (
	tierNone int8 = iota
	tierBacklog
	tierActive
	tierServiceable
	tierRepaired
	tierInactive
	tierReserve
	tierInstalled
)

// bayPhase releases bays whose hold ended on day: expired activation
// reservations and completed restorations. A completed Repair returns the
// unit to Serviceable; a completed Unserviceable restoration marks the unit
// repaired and eligible for Tier-2 promotion. Bays are walked in class and
// index order, which is small and serial.
func (se *SimulationEngine) bayPhase(tx *kb.Tx, day model.Day) error {
	for _, class := range se.Sim.ClassIDs() {
		bays := se.bays[class]
		bays.ExpireReservations(day)
		for _, bay := range bays.Bays() {
			if bay.Free() || bay.Reserved() {
				continue
			}
			idx, ok := tx.Index(bay.Occupant)
			if !ok {
				continue
			}
			e, s := tx.Entities()[idx], &se.scratch[idx]
			if s.skip || e.Bay != bay.Index || !e.RepairComplete() {
				continue
			}
			switch e.State {
			case model.StateRepair:
				applied, err := se.transition(e, s, model.StateServiceable, day)
				if err != nil {
					return err
				}
				if !applied {
					continue
				}
				e.RepairDays = 0
				e.PoolSeq = se.nextStockSeq()
			case model.StateUnserviceable:
				e.Repaired = true
				e.PoolSeq = se.nextStockSeq()
				s.dirty = true
			default:
				continue
			}
			bays.Release(bay.Index, day)
			e.Bay = model.NoBay
		}
	}
	return nil
}

// thresholdPhase resolves entities whose counters crossed a threshold and
// hands free bays to units waiting for one.
//
// Check: every worker classifies its own entities into scratch.
// Rank: per class, in id order, units already waiting for a bay come first,
// then new overhaul entrants; the k-th ranked unit is assigned the k-th bay
// RequestBay would hand out.
// Commit: admitted workers acquire one unit of the class capacity each and
// occupy their pre-assigned bay. Entrants that found no bay are grounded in
// Unserviceable until one frees up.
func (se *SimulationEngine) thresholdPhase(ctx context.Context, tx *kb.Tx, day model.Day) error {
	ents := tx.Entities()
	err := se.workers.forEach(ctx, len(ents), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			e, s := ents[i], &se.scratch[i]
			s.want, s.tier, s.admit, s.bay = e.State, tierNone, false, model.NoBay
			if s.skip {
				continue
			}
			switch {
			case e.State == model.StateOperations:
				s.want = ThresholdOutcome(e)
			case e.AwaitingBay():
				s.tier = tierBacklog
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	caps := make(map[model.ClassID]*Capacity, len(se.bays))
	for _, class := range se.Sim.ClassIDs() {
		free := se.bays[class].FreeOrder(day)
		caps[class] = NewCapacity(len(free))
		rank := 0
		members := tx.Members(class)
		for _, i := range members {
			if s := &se.scratch[i]; s.tier == tierBacklog && rank < len(free) {
				s.admit, s.bay = true, free[rank]
				rank++
			}
		}
		for _, i := range members {
			if s := &se.scratch[i]; s.want == model.StateRepair && rank < len(free) {
				s.admit, s.bay = true, free[rank]
				rank++
			}
		}
	}

	return se.workers.forEach(ctx, len(ents), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			e, s := ents[i], &se.scratch[i]
			if s.skip {
				continue
			}
			switch {
			case s.want == model.StateStorage:
				if _, err := se.transition(e, s, model.StateStorage, day); err != nil {
					return err
				}
			case s.want == model.StateRepair && !s.admit:
				if _, err := se.transition(e, s, model.StateUnserviceable, day); err != nil {
					return err
				}
			case s.want == model.StateRepair || (s.tier == tierBacklog && s.admit):
				if err := se.grantBay(e, s, caps[e.Class], day); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// grantBay commits one ranked bay assignment. New overhaul entrants move to
// Repair; waiting units keep their state and start their restoration clock.
func (se *SimulationEngine) grantBay(e *model.Entity, s *scratch, capacity *Capacity, day model.Day) error {
	if !capacity.TryAcquire(1) {
		return se.fail(s, newDefect(ErrCapacityOverrun, e, day, e.State, "repair bay capacity"))
	}
	if err := se.bays[e.Class].Occupy(s.bay, e.ID); err != nil {
		return se.fail(s, newDefect(err, e, day, e.State, err.Error()))
	}
	entering := e.State == model.StateOperations
	if entering {
		applied, err := se.transition(e, s, model.StateRepair, day)
		if err != nil || !applied {
			se.bays[e.Class].Release(s.bay, day)
			return err
		}
	}
	if entering || e.State == model.StateUnserviceable {
		e.RepairDays = 0
	}
	e.PPR = 0
	e.Bay = s.bay
	s.dirty = true
	return nil
}
