package model

// TimelineRecord is one row of entity history for the external sink.
type TimelineRecord struct {
	EntityID   EntityID `json:"entity_id"`
	Class      ClassID  `json:"class"`
	Day        Day      `json:"day"`
	State      State    `json:"state"`
	SNE        int64    `json:"sne"`
	PPR        int64    `json:"ppr"`
	RepairDays int      `json:"repair_days"`
	// ParentID is the airframe a component is installed on that day.
	ParentID EntityID `json:"parent_id,omitempty"`
	// Snapshot is true for rows emitted by a full-population snapshot rather
	// than a change.
	Snapshot bool `json:"snapshot,omitempty"`
}

// ClassSummary counts a class's entities per state on one day, alongside the
// quota target in force that day.
type ClassSummary struct {
	Class     ClassID        `json:"class"`
	Day       Day            `json:"day"`
	Counts    [NumStates]int `json:"counts"`
	Target    int            `json:"target"`
	HasTarget bool           `json:"has_target"`
	Shortfall int            `json:"shortfall"`
	Queued    int            `json:"queued_requests,omitempty"`
}

// Count returns the number of entities of the class in state s.
func (cs *ClassSummary) Count(s State) int {
	if int(s) >= len(cs.Counts) {
		return 0
	}
	return cs.Counts[s]
}
