package core

import (
	"context"
	"sort"

	"github.com/signalsfoundry/fleet-simulator/kb"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// SlotKey identifies the component slots of one class on one parent.
type SlotKey struct {
	Parent model.EntityID
	Class  model.ClassID
}

// ReplacementPool is the FIFO queue of replacement requests. Each request is
// consumed exactly once: fulfilled, or dropped when its parent stops operating.
type ReplacementPool struct {
	seq   uint64
	queue []model.ReplacementRequest
}

// NewReplacementPool returns an empty queue.
func NewReplacementPool() *ReplacementPool {
	return &ReplacementPool{}
}

// Enqueue appends a request for one unit of class on behalf of requester.
func (p *ReplacementPool) Enqueue(requester model.EntityID, class model.ClassID, day model.Day) model.ReplacementRequest {
	p.seq++
	req := model.ReplacementRequest{Requester: requester, Class: class, Day: day, Seq: p.seq}
	p.queue = append(p.queue, req)
	return req
}

// Len returns the number of queued requests.
func (p *ReplacementPool) Len() int {
	return len(p.queue)
}

// Requests returns a copy of the queue in FIFO order.
func (p *ReplacementPool) Requests() []model.ReplacementRequest {
	return append([]model.ReplacementRequest(nil), p.queue...)
}

// ForClass returns the queued requests of one class in FIFO order.
func (p *ReplacementPool) ForClass(class model.ClassID) []model.ReplacementRequest {
	var out []model.ReplacementRequest
	for _, req := range p.queue {
		if req.Class == class {
			out = append(out, req)
		}
	}
	return out
}

// PendingForClass counts the queued requests of one class.
func (p *ReplacementPool) PendingForClass(class model.ClassID) int {
	n := 0
	for _, req := range p.queue {
		if req.Class == class {
			n++
		}
	}
	return n
}

// PendingBySlot counts queued requests per parent and class.
func (p *ReplacementPool) PendingBySlot() map[SlotKey]int {
	out := make(map[SlotKey]int, len(p.queue))
	for _, req := range p.queue {
		out[SlotKey{Parent: req.Requester, Class: req.Class}]++
	}
	return out
}

// Consume removes the requests with the given sequence numbers.
func (p *ReplacementPool) Consume(seqs []uint64) int {
	if len(seqs) == 0 {
		return 0
	}
	done := make(map[uint64]struct{}, len(seqs))
	for _, s := range seqs {
		done[s] = struct{}{}
	}
	return p.DropIf(func(req model.ReplacementRequest) bool {
		_, ok := done[req.Seq]
		return ok
	})
}

// DropIf removes every request matching fn, preserving FIFO order of the rest.
func (p *ReplacementPool) DropIf(fn func(model.ReplacementRequest) bool) int {
	kept := p.queue[:0]
	dropped := 0
	for _, req := range p.queue {
		if fn(req) {
			dropped++
			continue
		}
		kept = append(kept, req)
	}
	p.queue = kept
	return dropped
}

// StockTier returns the replacement tier of a loose component: serviceable
// stock first, then restored unserviceable units, then reserve stock.
func StockTier(e *model.Entity) int8 {
	switch e.State {
	case model.StateServiceable:
		return tierServiceable
	case model.StateUnserviceable:
		if e.Repaired {
			return tierRepaired
		}
	case model.StateReserve:
		return tierReserve
	}
	return tierNone
}

// componentClasses returns the component class IDs in sorted order.
func (se *SimulationEngine) componentClasses() []model.ClassID {
	var out []model.ClassID
	for _, id := range se.Sim.ClassIDs() {
		if se.Sim.Class(id).IsComponent() {
			out = append(out, id)
		}
	}
	return out
}

// componentPhase keeps installed components consistent with their parents.
// Components of parents that stopped operating return to Serviceable stock;
// components that left Operations on their own give up their slot. Every
// operating parent then requests units for its empty slots.
func (se *SimulationEngine) componentPhase(ctx context.Context, tx *kb.Tx, day model.Day) error {
	comps := se.componentClasses()
	if len(comps) == 0 {
		return nil
	}
	ents := tx.Entities()
	err := se.workers.forEach(ctx, len(ents), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			e, s := ents[i], &se.scratch[i]
			s.want, s.tier, s.admit, s.bay = e.State, tierNone, false, model.NoBay
			class := se.Sim.Class(e.Class)
			if s.skip || !class.IsComponent() {
				continue
			}
			if e.State != model.StateOperations {
				if e.ParentID != 0 {
					e.ParentID = 0
					s.dirty = true
				}
				continue
			}
			parent := tx.Lookup(e.ParentID)
			if parent == nil || parent.State != model.StateOperations || parent.Class != class.ParentClass {
				s.want = model.StateServiceable
				continue
			}
			s.tier = tierInstalled
		}
		return nil
	})
	if err != nil {
		return err
	}

	installed := make(map[SlotKey]int)
	var detach []int
	for _, class := range comps {
		limit := se.Sim.Class(class).CompPerParent
		for _, i := range tx.Members(class) {
			e, s := ents[i], &se.scratch[i]
			if s.tier == tierInstalled {
				key := SlotKey{Parent: e.ParentID, Class: class}
				if limit == 0 || installed[key] < limit {
					installed[key]++
					continue
				}
				s.want = model.StateServiceable
			}
			if s.want == model.StateServiceable && e.State == model.StateOperations {
				s.seq = se.nextStockSeq()
				detach = append(detach, i)
			}
		}
	}
	err = se.workers.forEachIndex(ctx, detach, func(i int) error {
		e, s := ents[i], &se.scratch[i]
		applied, err := se.transition(e, s, model.StateServiceable, day)
		if err != nil || !applied {
			return err
		}
		e.ParentID = 0
		e.PoolSeq = s.seq
		return nil
	})
	if err != nil {
		return err
	}

	se.pool.DropIf(func(req model.ReplacementRequest) bool {
		parent := tx.Lookup(req.Requester)
		return parent == nil || parent.State != model.StateOperations
	})
	pending := se.pool.PendingBySlot()
	for _, class := range comps {
		params := se.Sim.Class(class)
		if params.CompPerParent == 0 {
			continue
		}
		for _, i := range tx.Members(params.ParentClass) {
			parent := ents[i]
			if parent.State != model.StateOperations {
				continue
			}
			key := SlotKey{Parent: parent.ID, Class: class}
			for n := installed[key] + pending[key]; n < params.CompPerParent; n++ {
				se.pool.Enqueue(parent.ID, class, day)
			}
		}
	}
	return nil
}

// replacementPhase fulfils queued requests in FIFO order. Loose stock of each
// component class is ranked by tier, then by arrival in the pool, then by id;
// the k-th request still valid is matched to the k-th ranked unit.
func (se *SimulationEngine) replacementPhase(ctx context.Context, tx *kb.Tx, day model.Day) error {
	if se.pool.Len() == 0 {
		return nil
	}
	ents := tx.Entities()
	err := se.workers.forEach(ctx, len(ents), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			e, s := ents[i], &se.scratch[i]
			s.want, s.tier, s.admit, s.parent = e.State, tierNone, false, 0
			if !s.skip && se.Sim.Class(e.Class).IsComponent() {
				s.tier = StockTier(e)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	caps := make(map[model.ClassID]*Capacity)
	var admitted []int
	var consumed []uint64
	for _, class := range se.componentClasses() {
		var stock []int
		for _, i := range tx.Members(class) {
			if se.scratch[i].tier != tierNone {
				stock = append(stock, i)
			}
		}
		sort.SliceStable(stock, func(a, b int) bool {
			sa, sb := &se.scratch[stock[a]], &se.scratch[stock[b]]
			if sa.tier != sb.tier {
				return sa.tier < sb.tier
			}
			return ents[stock[a]].PoolSeq < ents[stock[b]].PoolSeq
		})
		k := 0
		for _, req := range se.pool.ForClass(class) {
			if k >= len(stock) {
				break
			}
			s := &se.scratch[stock[k]]
			s.admit, s.parent = true, req.Requester
			admitted = append(admitted, stock[k])
			consumed = append(consumed, req.Seq)
			k++
		}
		caps[class] = NewCapacity(k)
	}
	se.pool.Consume(consumed)
	sort.Ints(admitted)

	return se.workers.forEachIndex(ctx, admitted, func(i int) error {
		e, s := ents[i], &se.scratch[i]
		if !caps[e.Class].TryAcquire(1) {
			return se.fail(s, newDefect(ErrCapacityOverrun, e, day, model.StateOperations, "replacement stock"))
		}
		from := e.State
		applied, err := se.transition(e, s, model.StateOperations, day)
		if err != nil || !applied {
			return err
		}
		e.ParentID = s.parent
		if from == model.StateUnserviceable {
			e.PPR = 0
			e.RepairDays = 0
			e.Repaired = false
		}
		return nil
	})
}
