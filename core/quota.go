package core

import (
	"context"

	"github.com/signalsfoundry/fleet-simulator/kb"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// promotionTiers is the order in which a quota deficit is filled.
var promotionTiers = []int8{tierServiceable, tierRepaired, tierInactive, tierReserve}

// QuotaBalancer compares, per class and event day, the Operations count with
// the target in force and ranks demotions and promotions.
type QuotaBalancer struct {
	sim  *SimContext
	bays map[model.ClassID]*RepairBays
}

// NewQuotaBalancer returns a balancer over the given bay pools.
func NewQuotaBalancer(sim *SimContext, bays map[model.ClassID]*RepairBays) *QuotaBalancer {
	return &QuotaBalancer{sim: sim, bays: bays}
}

// Target returns the quota of class on day and whether one is in force.
// Component classes are balanced by the replacement pool instead.
func (q *QuotaBalancer) Target(class model.ClassID, day model.Day) (int, bool) {
	if q.sim.Class(class).IsComponent() {
		return 0, false
	}
	return q.sim.Quota(class).Target(day)
}

// Classify returns the quota tier of an entity on day.
func (q *QuotaBalancer) Classify(e *model.Entity, day model.Day) int8 {
	switch e.State {
	case model.StateOperations:
		return tierActive
	case model.StateServiceable:
		return tierServiceable
	case model.StateUnserviceable:
		if e.Repaired {
			return tierRepaired
		}
	case model.StateInactive:
		return tierInactive
	case model.StateReserve:
		// Spawns land after the balancer has run, so stock delivered on day
		// is first seen on the next event day. Initial stock is eligible at
		// once; only units dated after day wait.
		if e.ManufactureDay <= day {
			return tierReserve
		}
	}
	return tierNone
}

// quotaRanking is the outcome of the serial ranking pass for one class.
type quotaRanking struct {
	admitted  *Capacity
	bays      *Capacity
	shortfall int
}

// rank walks the members of class in id order. Surplus units above the target
// are demoted from the highest ids down, keeping the lowest target ids in
// Operations. A deficit is filled tier by tier; the Inactive tier is capped by
// the bays free on day, except for units with no refurbishment time.
func (q *QuotaBalancer) rank(class model.ClassID, day model.Day, ents []*model.Entity, members []int, sc []scratch) (quotaRanking, bool) {
	target, ok := q.Target(class, day)
	if !ok {
		return quotaRanking{}, false
	}
	actual := 0
	for _, i := range members {
		if sc[i].tier == tierActive {
			actual++
		}
	}

	if actual >= target {
		kept := 0
		for _, i := range members {
			s := &sc[i]
			if s.tier != tierActive {
				continue
			}
			if kept < target {
				kept++
				continue
			}
			s.want = model.StateServiceable
		}
		return quotaRanking{admitted: NewCapacity(0), bays: NewCapacity(0)}, true
	}

	deficit := target - actual
	var free []int
	if bays := q.bays[class]; bays != nil {
		free = bays.FreeOrder(day)
	}
	usedBays := 0
	for _, tier := range promotionTiers {
		for _, i := range members {
			if deficit == 0 {
				break
			}
			s := &sc[i]
			if s.tier != tier {
				continue
			}
			if tier == tierInactive && ents[i].RepairTime > 0 {
				if usedBays >= len(free) {
					continue
				}
				s.bay = free[usedBays]
				usedBays++
			}
			s.admit = true
			s.want = model.StateOperations
			deficit--
		}
	}
	return quotaRanking{
		admitted:  NewCapacity(target - actual - deficit),
		bays:      NewCapacity(usedBays),
		shortfall: deficit,
	}, true
}

// quotaPhase runs the balancer for every class with a target in force.
func (se *SimulationEngine) quotaPhase(ctx context.Context, tx *kb.Tx, day model.Day) error {
	ents := tx.Entities()
	err := se.workers.forEach(ctx, len(ents), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			e, s := ents[i], &se.scratch[i]
			s.want, s.tier, s.admit, s.bay = e.State, tierNone, false, model.NoBay
			if !s.skip {
				s.tier = se.quota.Classify(e, day)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	rankings := make(map[model.ClassID]quotaRanking)
	for _, class := range se.Sim.ClassIDs() {
		r, ok := se.quota.rank(class, day, ents, tx.Members(class), se.scratch)
		if !ok {
			delete(se.shortfall, class)
			continue
		}
		rankings[class] = r
		se.shortfall[class] = r.shortfall
	}
	if len(rankings) == 0 {
		return nil
	}

	return se.workers.forEach(ctx, len(ents), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			e, s := ents[i], &se.scratch[i]
			if s.skip || s.want == e.State {
				continue
			}
			r, ok := rankings[e.Class]
			if !ok {
				continue
			}
			if s.want == model.StateServiceable {
				if _, err := se.transition(e, s, model.StateServiceable, day); err != nil {
					return err
				}
				continue
			}
			if err := se.promote(e, s, r, day); err != nil {
				return err
			}
		}
		return nil
	})
}

// promote commits one ranked promotion into Operations.
func (se *SimulationEngine) promote(e *model.Entity, s *scratch, r quotaRanking, day model.Day) error {
	if !r.admitted.TryAcquire(1) {
		return se.fail(s, newDefect(ErrCapacityOverrun, e, day, model.StateOperations, "quota admissions"))
	}
	from := e.State
	reserved := from == model.StateInactive && e.RepairTime > 0
	if reserved {
		if !r.bays.TryAcquire(1) {
			return se.fail(s, newDefect(ErrCapacityOverrun, e, day, model.StateOperations, "activation bays"))
		}
		if err := se.bays[e.Class].Reserve(s.bay, e.ID, day+model.Day(e.RepairTime)); err != nil {
			return se.fail(s, newDefect(err, e, day, model.StateOperations, err.Error()))
		}
	}
	applied, err := se.transition(e, s, model.StateOperations, day)
	if err != nil || !applied {
		if reserved {
			se.bays[e.Class].Release(s.bay, day)
		}
		return err
	}
	if from == model.StateUnserviceable {
		e.PPR = 0
		e.RepairDays = 0
		e.Repaired = false
	}
	return nil
}
