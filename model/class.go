package model

// ClassKind distinguishes airframes (quota-driven) from components
// (installed on airframes, replaced through the replacement pool).
type ClassKind string

const (
	KindAirframe  ClassKind = "airframe"
	KindComponent ClassKind = "component"
)

// ClassParams holds the static per-class thresholds and capacities supplied
// before a run. Entity-level values override these when non-zero.
type ClassParams struct {
	ID   ClassID   `json:"id" yaml:"id"`
	Kind ClassKind `json:"kind" yaml:"kind"`

	LL int64 `json:"ll" yaml:"ll"`
	OH int64 `json:"oh" yaml:"oh"`
	BR int64 `json:"br" yaml:"br"`

	RepairTime   int `json:"repair_time" yaml:"repair_time"`
	AssemblyTime int `json:"assembly_time" yaml:"assembly_time"`
	PartoutTime  int `json:"partout_time" yaml:"partout_time"`

	// RepairBays is the fixed number of repair bays serving this class.
	RepairBays int `json:"repair_bays" yaml:"repair_bays"`

	// ParentClass is the airframe class a component class is installed on.
	ParentClass ClassID `json:"parent_class,omitempty" yaml:"parent_class,omitempty"`
	// CompPerParent is how many units of this component class one parent carries.
	CompPerParent int `json:"comp_per_parent,omitempty" yaml:"comp_per_parent,omitempty"`
}

// IsComponent reports whether the class is installed on a parent airframe.
func (c *ClassParams) IsComponent() bool {
	return c != nil && c.Kind == KindComponent
}

// ApplyDefaults fills zero-valued entity thresholds from the class.
func (c *ClassParams) ApplyDefaults(e *Entity) {
	if c == nil || e == nil {
		return
	}
	if e.LL == 0 {
		e.LL = c.LL
	}
	if e.OH == 0 {
		e.OH = c.OH
	}
	if e.BR == 0 {
		e.BR = c.BR
	}
	if e.RepairTime == 0 {
		e.RepairTime = c.RepairTime
	}
	if e.AssemblyTime == 0 {
		e.AssemblyTime = c.AssemblyTime
	}
	if e.PartoutTime == 0 {
		e.PartoutTime = c.PartoutTime
	}
}
