package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// FleetCollector exposes simulation engine and timeline metrics. It satisfies
// core.Metrics and timeline.FlushMetrics.
type FleetCollector struct {
	gatherer prometheus.Gatherer

	StepDuration     *prometheus.HistogramVec
	StepJump         prometheus.Histogram
	Transitions      *prometheus.CounterVec
	Shortfall        *prometheus.GaugeVec
	BaysOccupied     *prometheus.GaugeVec
	BaysTotal        *prometheus.GaugeVec
	ReplacementQueue *prometheus.GaugeVec
	Defects          *prometheus.CounterVec
	StateCount       *prometheus.GaugeVec

	TimelineRows    prometheus.Counter
	TimelineFlushes *prometheus.CounterVec
	FlushDuration   prometheus.Histogram
}

// NewFleetCollector registers fleet metrics against the provided registerer.
func NewFleetCollector(reg prometheus.Registerer) (*FleetCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	stepDuration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_step_duration_seconds",
		Help:    "Wall time spent processing one event day, labeled by the reason the day was scheduled.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"reason"}), "fleet_step_duration_seconds")
	if err != nil {
		return nil, err
	}
	stepJump, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_step_jump_days",
		Help:    "Simulated days skipped between consecutive event days.",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 90, 180, 365},
	}), "fleet_step_jump_days")
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_transitions_total",
		Help: "Committed lifecycle transitions, labeled by source and destination state.",
	}, []string{"from", "to"}), "fleet_transitions_total")
	if err != nil {
		return nil, err
	}
	shortfall, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_quota_shortfall",
		Help: "Units a class is below its active target after balancing.",
	}, []string{"class"}), "fleet_quota_shortfall")
	if err != nil {
		return nil, err
	}
	occupied, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_repair_bays_occupied",
		Help: "Repair bays currently held, per class.",
	}, []string{"class"}), "fleet_repair_bays_occupied")
	if err != nil {
		return nil, err
	}
	total, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_repair_bays",
		Help: "Configured repair bays, per class.",
	}, []string{"class"}), "fleet_repair_bays")
	if err != nil {
		return nil, err
	}
	queue, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_replacement_requests_queued",
		Help: "Open replacement requests, per component class.",
	}, []string{"class"}), "fleet_replacement_requests_queued")
	if err != nil {
		return nil, err
	}
	defects, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_defects_total",
		Help: "Invariant violations detected during commit, labeled by kind.",
	}, []string{"kind"}), "fleet_defects_total")
	if err != nil {
		return nil, err
	}
	states, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_entities",
		Help: "Entities per class and lifecycle state on the latest event day.",
	}, []string{"class", "state"}), "fleet_entities")
	if err != nil {
		return nil, err
	}
	rows, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_timeline_rows_total",
		Help: "Timeline rows handed to sinks.",
	}), "fleet_timeline_rows_total")
	if err != nil {
		return nil, err
	}
	flushes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_timeline_flushes_total",
		Help: "Timeline buffer flushes, labeled by result.",
	}, []string{"result"}), "fleet_timeline_flushes_total")
	if err != nil {
		return nil, err
	}
	flushDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_timeline_flush_duration_seconds",
		Help:    "Duration of timeline buffer flushes.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "fleet_timeline_flush_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &FleetCollector{
		gatherer:         gatherer,
		StepDuration:     stepDuration,
		StepJump:         stepJump,
		Transitions:      transitions,
		Shortfall:        shortfall,
		BaysOccupied:     occupied,
		BaysTotal:        total,
		ReplacementQueue: queue,
		Defects:          defects,
		StateCount:       states,
		TimelineRows:     rows,
		TimelineFlushes:  flushes,
		FlushDuration:    flushDuration,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *FleetCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveStep records one event day.
func (c *FleetCollector) ObserveStep(reason string, jump int, d time.Duration) {
	if c == nil {
		return
	}
	if c.StepDuration != nil {
		c.StepDuration.WithLabelValues(reason).Observe(d.Seconds())
	}
	if c.StepJump != nil && jump > 0 {
		c.StepJump.Observe(float64(jump))
	}
}

// AddTransitions counts n committed moves along one edge.
func (c *FleetCollector) AddTransitions(from, to model.State, n int) {
	if c == nil || c.Transitions == nil || n <= 0 {
		return
	}
	c.Transitions.WithLabelValues(from.String(), to.String()).Add(float64(n))
}

// SetShortfall updates the class shortfall gauge.
func (c *FleetCollector) SetShortfall(class model.ClassID, n int) {
	if c == nil || c.Shortfall == nil {
		return
	}
	c.Shortfall.WithLabelValues(string(class)).Set(float64(n))
}

// SetBayOccupancy updates the bay gauges of a class.
func (c *FleetCollector) SetBayOccupancy(class model.ClassID, occupied, total int) {
	if c == nil {
		return
	}
	if c.BaysOccupied != nil {
		c.BaysOccupied.WithLabelValues(string(class)).Set(float64(occupied))
	}
	if c.BaysTotal != nil {
		c.BaysTotal.WithLabelValues(string(class)).Set(float64(total))
	}
}

// SetReplacementQueue updates the open request gauge of a component class.
func (c *FleetCollector) SetReplacementQueue(class model.ClassID, n int) {
	if c == nil || c.ReplacementQueue == nil {
		return
	}
	c.ReplacementQueue.WithLabelValues(string(class)).Set(float64(n))
}

// IncDefect counts one invariant violation.
func (c *FleetCollector) IncDefect(kind string) {
	if c == nil || c.Defects == nil {
		return
	}
	c.Defects.WithLabelValues(kind).Inc()
}

// SetStateCount updates the population gauge of one class and state.
func (c *FleetCollector) SetStateCount(class model.ClassID, state model.State, n int) {
	if c == nil || c.StateCount == nil {
		return
	}
	c.StateCount.WithLabelValues(string(class), state.String()).Set(float64(n))
}

// ObserveFlush records one timeline flush of rows rows.
func (c *FleetCollector) ObserveFlush(rows int, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	if c.TimelineFlushes != nil {
		c.TimelineFlushes.WithLabelValues(result).Inc()
	}
	if c.FlushDuration != nil {
		c.FlushDuration.Observe(d.Seconds())
	}
	if c.TimelineRows != nil && err == nil && rows > 0 {
		c.TimelineRows.Add(float64(rows))
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
