package core

import (
	"context"
	"time"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// Metrics receives engine measurements. observability.FleetCollector
// implements it; a nil Metrics disables collection.
type Metrics interface {
	ObserveStep(reason string, jump int, d time.Duration)
	AddTransitions(from, to model.State, n int)
	SetShortfall(class model.ClassID, n int)
	SetBayOccupancy(class model.ClassID, occupied, total int)
	SetReplacementQueue(class model.ClassID, n int)
	IncDefect(kind string)
	SetStateCount(class model.ClassID, state model.State, n int)
}

// Recorder receives the visible history of each event day. It must not retain
// the slices it is handed beyond the call.
type Recorder interface {
	// SnapshotDue reports whether day should carry a full-population snapshot.
	SnapshotDue(day model.Day) bool
	// Record buffers the rows and per-class summaries of one event day.
	Record(ctx context.Context, day model.Day, rows []model.TimelineRecord, summaries []model.ClassSummary) error
}

// Clock is advanced by the engine as it lands on each event day.
// timectrl.DayController implements it.
type Clock interface {
	AdvanceTo(ctx context.Context, day model.Day) error
}

type noopMetrics struct{}

func (noopMetrics) ObserveStep(string, int, time.Duration) {}
func (noopMetrics) AddTransitions(model.State, model.State, int) {}
func (noopMetrics) SetShortfall(model.ClassID, int) {}
func (noopMetrics) SetBayOccupancy(model.ClassID, int, int) {}
func (noopMetrics) SetReplacementQueue(model.ClassID, int) {}
func (noopMetrics) IncDefect(string) {}
func (noopMetrics) SetStateCount(model.ClassID, model.State, int) {}
