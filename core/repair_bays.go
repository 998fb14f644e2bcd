package core

import (
	"fmt"
	"sort"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// Bay is one repair slot. A bay holds at most one occupant at a time.
type Bay struct {
	Index     int            `json:"index"`
	Occupant  model.EntityID `json:"occupant,omitempty"`
	FreeSince model.Day      `json:"free_since"`
	// ReservedUntil is the day an activation reservation ends, or model.Never
	// when the bay is free or held by an open-ended repair.
	ReservedUntil model.Day `json:"reserved_until"`
}

// Free reports whether the bay has no occupant.
func (b *Bay) Free() bool {
	return b.Occupant == 0
}

// Reserved reports whether the bay is held by a time-boxed activation reservation.
func (b *Bay) Reserved() bool {
	return b.Occupant != 0 && b.ReservedUntil != model.Never
}

// RepairBays is the fixed-capacity bay pool of one class.
//
// Commit-phase workers may call Occupy and Reserve concurrently as long as
// each call targets a different bay.
type RepairBays struct {
	class model.ClassID
	bays  []Bay
}

// NewRepairBays creates n free bays, each free since start.
func NewRepairBays(class model.ClassID, n int, start model.Day) *RepairBays {
	if n < 0 {
		n = 0
	}
	bays := make([]Bay, n)
	for i := range bays {
		bays[i] = Bay{Index: i, FreeSince: start, ReservedUntil: model.Never}
	}
	return &RepairBays{class: class, bays: bays}
}

// Class returns the class this pool serves.
func (r *RepairBays) Class() model.ClassID {
	return r.class
}

// Len returns the configured bay count.
func (r *RepairBays) Len() int {
	return len(r.bays)
}

// Bays returns a copy of every bay.
func (r *RepairBays) Bays() []Bay {
	return append([]Bay(nil), r.bays...)
}

// Bay returns a copy of one bay.
func (r *RepairBays) Bay(idx int) (Bay, bool) {
	if idx < 0 || idx >= len(r.bays) {
		return Bay{}, false
	}
	return r.bays[idx], true
}

// RequestBay returns the earliest-available bay on day: the free bay with the
// smallest FreeSince, ties broken by lowest index.
func (r *RepairBays) RequestBay(day model.Day) (int, bool) {
	best := -1
	for i := range r.bays {
		b := &r.bays[i]
		if !b.Free() || b.FreeSince > day {
			continue
		}
		if best < 0 || b.FreeSince < r.bays[best].FreeSince {
			best = i
		}
	}
	return best, best >= 0
}

// FreeOrder lists every bay RequestBay would hand out on day, in the order
// successive requests would receive them.
func (r *RepairBays) FreeOrder(day model.Day) []int {
	out := make([]int, 0, len(r.bays))
	for i := range r.bays {
		if r.bays[i].Free() && r.bays[i].FreeSince <= day {
			out = append(out, i)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return r.bays[out[a]].FreeSince < r.bays[out[b]].FreeSince
	})
	return out
}

// AvailableSlots counts bays that can accept a repair starting on day.
func (r *RepairBays) AvailableSlots(day model.Day) int {
	n := 0
	for i := range r.bays {
		if r.bays[i].Free() && r.bays[i].FreeSince <= day {
			n++
		}
	}
	return n
}

// Occupied counts bays that currently hold an occupant.
func (r *RepairBays) Occupied() int {
	n := 0
	for i := range r.bays {
		if !r.bays[i].Free() {
			n++
		}
	}
	return n
}

// Occupy assigns the bay to id until released. Repeating the call for the
// same occupant is a no-op; a different occupant is a defect.
func (r *RepairBays) Occupy(idx int, id model.EntityID) error {
	return r.hold(idx, id, model.Never)
}

// Reserve holds the bay for id until the given day, when the scheduler
// releases it.
func (r *RepairBays) Reserve(idx int, id model.EntityID, until model.Day) error {
	return r.hold(idx, id, until)
}

func (r *RepairBays) hold(idx int, id model.EntityID, until model.Day) error {
	if idx < 0 || idx >= len(r.bays) {
		return fmt.Errorf("class %q: bay %d out of range [0,%d)", r.class, idx, len(r.bays))
	}
	if id == 0 {
		return fmt.Errorf("class %q: bay %d: occupant id 0 is reserved", r.class, idx)
	}
	b := &r.bays[idx]
	if b.Occupant == id {
		return nil
	}
	if b.Occupant != 0 {
		return fmt.Errorf("%w: class %q bay %d held by %d, requested by %d", ErrBayOccupied, r.class, idx, b.Occupant, id)
	}
	b.Occupant = id
	b.ReservedUntil = until
	return nil
}

// Release frees the bay as of day. Releasing a free bay is a no-op.
func (r *RepairBays) Release(idx int, day model.Day) {
	if idx < 0 || idx >= len(r.bays) {
		return
	}
	b := &r.bays[idx]
	if b.Free() {
		return
	}
	b.Occupant = 0
	b.FreeSince = day
	b.ReservedUntil = model.Never
}

// ExpireReservations releases every reservation ending on or before day and
// returns the freed bay indices in ascending order.
func (r *RepairBays) ExpireReservations(day model.Day) []int {
	var freed []int
	for i := range r.bays {
		b := &r.bays[i]
		if b.Reserved() && b.ReservedUntil <= day {
			until := b.ReservedUntil
			r.Release(i, until)
			freed = append(freed, i)
		}
	}
	return freed
}

// NextRelease returns the earliest reservation end after day, or model.Never.
func (r *RepairBays) NextRelease(day model.Day) model.Day {
	next := model.Never
	for i := range r.bays {
		b := &r.bays[i]
		if b.Reserved() && b.ReservedUntil > day && b.ReservedUntil < next {
			next = b.ReservedUntil
		}
	}
	return next
}
