package timectrl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// ErrBackwards is returned when asked to move the clock to an earlier day.
var ErrBackwards = errors.New("simulation day cannot move backwards")

// SimClock is the read side of the simulation calendar. Recorders and API
// handlers depend on it rather than on the concrete controller.
type SimClock interface {
	// Today returns the current simulation day.
	Today() model.Day
	// Date maps a simulation day onto the calendar.
	Date(day model.Day) time.Time
}

// Mode describes how the DayController advances between event days.
type Mode int

const (
	// Accelerated jumps to the next event day as soon as the engine asks.
	Accelerated Mode = iota
	// Paced waits Pace of wall-clock time per simulated day jumped, so live
	// consumers can follow a run.
	Paced
)

// DayController drives the simulation calendar and notifies listeners each
// time the engine lands on a new event day.
type DayController struct {
	mu sync.RWMutex

	StartDay  model.Day
	StartDate time.Time
	Mode      Mode
	// Pace is the wall-clock time per simulated day in Paced mode.
	Pace time.Duration

	current   model.Day
	listeners []func(model.Day, time.Time)
}

// NewDayController constructs a controller positioned on start. A zero
// startDate anchors the calendar at the Unix epoch.
func NewDayController(start model.Day, startDate time.Time, mode Mode) *DayController {
	if startDate.IsZero() {
		startDate = time.Unix(0, 0).UTC()
	}
	return &DayController{
		StartDay:  start,
		StartDate: startDate,
		Mode:      mode,
		current:   start,
	}
}

// Today returns the current simulation day. Implements SimClock.
func (dc *DayController) Today() model.Day {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.current
}

// Date maps a simulation day onto the calendar. Implements SimClock.
func (dc *DayController) Date(day model.Day) time.Time {
	return dc.StartDate.AddDate(0, 0, int(day-dc.StartDay))
}

// DayOf maps a calendar date onto the simulation day containing it.
func (dc *DayController) DayOf(t time.Time) model.Day {
	d := t.Sub(dc.StartDate)
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return dc.StartDay + model.Day(days)
}

// AddListener registers a callback invoked on every advance.
func (dc *DayController) AddListener(fn func(model.Day, time.Time)) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.listeners = append(dc.listeners, fn)
}

// AdvanceTo moves the clock to day and notifies listeners. Staying on the
// current day is allowed and still notifies; moving backwards is an error.
func (dc *DayController) AdvanceTo(ctx context.Context, day model.Day) error {
	dc.mu.RLock()
	cur := dc.current
	dc.mu.RUnlock()
	if day < cur {
		return ErrBackwards
	}

	if dc.Mode == Paced && dc.Pace > 0 && day > cur {
		timer := time.NewTimer(time.Duration(day-cur) * dc.Pace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	dc.mu.Lock()
	dc.current = day
	listeners := append([]func(model.Day, time.Time){}, dc.listeners...)
	dc.mu.Unlock()

	date := dc.Date(day)
	for _, fn := range listeners {
		fn(day, date)
	}
	return nil
}
