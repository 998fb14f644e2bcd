package model

import "math"

// Day is a simulated day index. Day 0 is the first day of the run.
type Day int32

// Never marks "no event" for horizons and free-until fields.
const Never Day = math.MaxInt32

// EntityID identifies an airframe or component for the whole run.
type EntityID uint64

// ClassID names an airframe type or component part family.
type ClassID string

// NoBay marks an entity that holds no repair bay.
const NoBay = -1

// Entity is the unit of simulation: one airframe or one component.
//
// Counters are minutes of use. Thresholds of zero never trigger.
type Entity struct {
	ID    EntityID `json:"id" yaml:"id"`
	Class ClassID  `json:"class" yaml:"class"`
	State State    `json:"state" yaml:"state"`

	SNE        int64 `json:"sne" yaml:"sne"`
	PPR        int64 `json:"ppr" yaml:"ppr"`
	RepairDays int   `json:"repair_days" yaml:"repair_days"`

	LL int64 `json:"ll,omitempty" yaml:"ll,omitempty"`
	OH int64 `json:"oh,omitempty" yaml:"oh,omitempty"`
	BR int64 `json:"br,omitempty" yaml:"br,omitempty"`

	RepairTime   int `json:"repair_time,omitempty" yaml:"repair_time,omitempty"`
	AssemblyTime int `json:"assembly_time,omitempty" yaml:"assembly_time,omitempty"`
	PartoutTime  int `json:"partout_time,omitempty" yaml:"partout_time,omitempty"`

	ManufactureDay Day `json:"manufacture_day" yaml:"manufacture_day"`

	// ParentID is the airframe a component is installed on; zero when loose.
	ParentID EntityID `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`

	// Horizon caches the next day this entity forces an event. Scheduler use only.
	Horizon Day `json:"-" yaml:"-"`

	// Bay is the index of the repair bay this entity holds, or NoBay.
	Bay int `json:"-" yaml:"-"`
	// Repaired marks an Unserviceable unit whose bay-tracked restoration finished.
	Repaired bool `json:"repaired,omitempty" yaml:"repaired,omitempty"`
	// PoolSeq orders loose stock for first-come-first-served replacement.
	PoolSeq uint64 `json:"-" yaml:"-"`
}

// Clone returns a copy of e.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// HoldsBay reports whether the entity currently occupies a repair bay.
func (e *Entity) HoldsBay() bool {
	return e.Bay != NoBay
}

// AwaitingBay reports whether the entity is queued for a bay: in Repair or
// Unserviceable, not yet restored and without a bay.
func (e *Entity) AwaitingBay() bool {
	if e.HoldsBay() || e.Repaired {
		return false
	}
	return e.State == StateRepair || e.State == StateUnserviceable
}

// RepairComplete reports whether a bay-held restoration has run its course.
func (e *Entity) RepairComplete() bool {
	return e.HoldsBay() && e.RepairDays >= e.RepairTime
}
