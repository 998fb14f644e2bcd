package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/fleet-simulator/model"
)

var (
	// ErrIllegalTransition indicates a (from, to) pair outside the transition table.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrBayOccupied indicates an occupy on a bay already held by another entity.
	ErrBayOccupied = errors.New("repair bay already occupied")
	// ErrNegativeCounter indicates sne, ppr or repair_days went below zero.
	ErrNegativeCounter = errors.New("negative counter")
	// ErrCapacityOverrun indicates a commit-phase acquire failed after ranking
	// admitted the entity.
	ErrCapacityOverrun = errors.New("commit-phase capacity overrun")
	// ErrHorizonInPast indicates the scheduler produced a next day at or before
	// the current one. It is always fatal.
	ErrHorizonInPast = errors.New("horizon at or before current day")
)

// DefectPolicy selects how per-entity defects are handled. The policy is fixed
// for the lifetime of an engine.
type DefectPolicy int

const (
	// DefectAbort stops the run at the first defect.
	DefectAbort DefectPolicy = iota
	// DefectSkip logs the defect with full entity context, counts it and
	// leaves the offending entity untouched for the rest of the day.
	DefectSkip
)

func (p DefectPolicy) String() string {
	switch p {
	case DefectAbort:
		return "abort"
	case DefectSkip:
		return "skip"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseDefectPolicy maps "abort" or "skip" onto a DefectPolicy.
func ParseDefectPolicy(v string) (DefectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "abort", "strict":
		return DefectAbort, nil
	case "skip", "lenient":
		return DefectSkip, nil
	default:
		return DefectAbort, fmt.Errorf("unknown defect policy %q", v)
	}
}

// DefectError reports a logic defect with enough context to reproduce it.
type DefectError struct {
	Kind     error
	EntityID model.EntityID
	Class    model.ClassID
	Day      model.Day
	From     model.State
	To       model.State
	Detail   string
}

func (e *DefectError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: entity %d (class %q) on day %d", e.Kind, e.EntityID, e.Class, e.Day)
	if e.From != e.To {
		fmt.Fprintf(&b, " %s -> %s", e.From, e.To)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *DefectError) Unwrap() error {
	return e.Kind
}

// KindLabel returns a short, stable label for metrics.
func (e *DefectError) KindLabel() string {
	return defectLabel(e.Kind)
}

func defectLabel(kind error) string {
	switch {
	case errors.Is(kind, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(kind, ErrBayOccupied):
		return "bay_occupied"
	case errors.Is(kind, ErrNegativeCounter):
		return "negative_counter"
	case errors.Is(kind, ErrCapacityOverrun):
		return "capacity_overrun"
	default:
		return "other"
	}
}

func newDefect(kind error, e *model.Entity, day model.Day, to model.State, detail string) *DefectError {
	d := &DefectError{Kind: kind, Day: day, To: to, Detail: detail}
	if e != nil {
		d.EntityID = e.ID
		d.Class = e.Class
		d.From = e.State
	}
	return d
}
