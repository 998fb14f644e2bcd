package core

import (
	"fmt"

	"github.com/signalsfoundry/fleet-simulator/kb"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// SpawnManager materializes scheduled units. IDs come from a monotonically
// increasing counter seeded above the initial fleet's maximum, and classes
// are served in sorted order, so identical inputs yield identical IDs.
type SpawnManager struct {
	sim    *SimContext
	nextID model.EntityID
}

// NewSpawnManager seeds the ID counter above maxID.
func NewSpawnManager(sim *SimContext, maxID model.EntityID) *SpawnManager {
	return &SpawnManager{sim: sim, nextID: maxID + 1}
}

// NextID returns the ID the next spawned unit will receive.
func (m *SpawnManager) NextID() model.EntityID {
	return m.nextID
}

// Materialize returns the units of class due on day: zeroed counters,
// manufactured on day, stored in Reserve.
func (m *SpawnManager) Materialize(class model.ClassID, day model.Day) []*model.Entity {
	n := m.sim.SpawnsOn(class, day)
	if n <= 0 {
		return nil
	}
	out := make([]*model.Entity, n)
	for k := range out {
		out[k] = &model.Entity{
			ID:             m.nextID,
			Class:          class,
			State:          model.StateReserve,
			ManufactureDay: day,
		}
		m.nextID++
	}
	return out
}

// spawnPhase appends the units due on day. A class left with an unmet target
// or queued requests gets an admission day right after the delivery.
func (se *SimulationEngine) spawnPhase(tx *kb.Tx, day model.Day) (int, error) {
	se.pending = false
	total := 0
	for _, class := range se.Sim.ClassIDs() {
		units := se.spawner.Materialize(class, day)
		if len(units) == 0 {
			continue
		}
		if !model.CanTransition(model.StateSpawn, model.StateReserve) {
			return total, newDefect(ErrIllegalTransition, units[0], day, model.StateReserve, "spawn")
		}
		for _, e := range units {
			e.PoolSeq = se.nextStockSeq()
			if err := tx.Append(e); err != nil {
				return total, fmt.Errorf("spawn %s on day %d: %w", class, day, err)
			}
			se.moves.add(model.StateSpawn, model.StateReserve)
		}
		total += len(units)
		if se.shortfall[class] > 0 || se.pool.PendingForClass(class) > 0 {
			se.pending = true
		}
	}
	se.growScratch(len(tx.Entities()))
	return total, nil
}
