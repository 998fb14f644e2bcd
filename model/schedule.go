package model

// QuotaChange is one change point of a class's target active count.
// The target holds from Day until the next change point.
type QuotaChange struct {
	Day    Day `json:"day" yaml:"day"`
	Target int `json:"target" yaml:"target"`
}

// SpawnBatch schedules Count new units of a class on Day.
type SpawnBatch struct {
	Day   Day `json:"day" yaml:"day"`
	Count int `json:"count" yaml:"count"`
}

// UsagePlan is a dense array of planned daily usage (minutes), indexed by day
// offset from the run's start day. Days past the end of the slice use zero.
type UsagePlan []int64

// ReplacementRequest asks the replacement pool for one more unit of Class for
// the parent Requester. Seq orders requests first-come-first-served.
type ReplacementRequest struct {
	Requester EntityID `json:"requester"`
	Class     ClassID  `json:"class"`
	Day       Day      `json:"day"`
	Seq       uint64   `json:"seq"`
}
