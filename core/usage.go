package core

import (
	"sort"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// Cumulative is the prefix sum of a daily usage plan over a run:
// U[k] is the usage of days start .. start+k-1. It is immutable once built.
type Cumulative struct {
	start model.Day
	sums  []int64
}

// NewCumulative builds the prefix sums of plan over [start, end]. Missing
// days contribute zero; negative entries are clamped to zero and reported
// through the returned count.
func NewCumulative(plan model.UsagePlan, start, end model.Day) (*Cumulative, int) {
	if end < start {
		end = start
	}
	n := int(end-start) + 1
	sums := make([]int64, n)
	clamped := 0
	for k := 1; k < n; k++ {
		var v int64
		if k-1 < len(plan) {
			v = plan[k-1]
		}
		if v < 0 {
			v = 0
			clamped++
		}
		sums[k] = sums[k-1] + v
	}
	return &Cumulative{start: start, sums: sums}, clamped
}

// At returns U(day), clamped to the covered range.
func (c *Cumulative) At(day model.Day) int64 {
	if c == nil || len(c.sums) == 0 {
		return 0
	}
	k := int(day - c.start)
	if k <= 0 {
		return 0
	}
	if k >= len(c.sums) {
		return c.sums[len(c.sums)-1]
	}
	return c.sums[k]
}

// Between returns the usage accrued over [from, to).
func (c *Cumulative) Between(from, to model.Day) int64 {
	if to <= from {
		return 0
	}
	return c.At(to) - c.At(from)
}

// Daily returns the planned usage of a single day.
func (c *Cumulative) Daily(day model.Day) int64 {
	return c.Between(day, day+1)
}

// End returns the last day the prefix sums cover.
func (c *Cumulative) End() model.Day {
	if c == nil {
		return 0
	}
	return c.start + model.Day(len(c.sums)-1)
}

// FirstReach returns the smallest day D in (from, End()] such that
// Between(from, D) >= need, or model.Never if the plan never accrues that
// much. need <= 0 is already reached, which callers treat as "now".
func (c *Cumulative) FirstReach(from model.Day, need int64) model.Day {
	if c == nil {
		return model.Never
	}
	if need <= 0 {
		return from
	}
	base := c.At(from)
	target := base + need
	lo := int(from-c.start) + 1
	if lo < 1 {
		lo = 1
	}
	if lo >= len(c.sums) || c.sums[len(c.sums)-1] < target {
		return model.Never
	}
	k := lo + sort.Search(len(c.sums)-lo, func(i int) bool {
		return c.sums[lo+i] >= target
	})
	return c.start + model.Day(k)
}
