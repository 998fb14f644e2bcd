package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/signalsfoundry/fleet-simulator/model"
)

type captureRecorder struct {
	every     model.Day
	last      model.Day
	days      []model.Day
	rows      map[model.Day][]model.TimelineRecord
	summaries map[model.Day][]model.ClassSummary
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{
		rows:      make(map[model.Day][]model.TimelineRecord),
		summaries: make(map[model.Day][]model.ClassSummary),
	}
}

func (c *captureRecorder) SnapshotDue(day model.Day) bool {
	return c.every > 0 && day-c.last >= c.every
}

func (c *captureRecorder) Record(_ context.Context, day model.Day, rows []model.TimelineRecord, summaries []model.ClassSummary) error {
	c.days = append(c.days, day)
	c.rows[day] = append([]model.TimelineRecord(nil), rows...)
	c.summaries[day] = append([]model.ClassSummary(nil), summaries...)
	if len(rows) > 0 && rows[0].Snapshot {
		c.last = day
	}
	return nil
}

func (c *captureRecorder) row(day model.Day, id model.EntityID) (model.TimelineRecord, bool) {
	for _, r := range c.rows[day] {
		if r.EntityID == id {
			return r, true
		}
	}
	return model.TimelineRecord{}, false
}

func (c *captureRecorder) summary(day model.Day, class model.ClassID) (model.ClassSummary, bool) {
	for _, s := range c.summaries[day] {
		if s.Class == class {
			return s, true
		}
	}
	return model.ClassSummary{}, false
}

func constantPlan(days int, v int64) model.UsagePlan {
	plan := make(model.UsagePlan, days)
	for i := range plan {
		plan[i] = v
	}
	return plan
}

func runScenario(t *testing.T, s *Scenario, opts ...Option) (*SimulationEngine, *captureRecorder, *RunSummary) {
	t.Helper()
	rec := newCaptureRecorder()
	opts = append([]Option{WithRecorder(rec), WithWorkers(4)}, opts...)
	se, err := NewFromScenario(s, opts...)
	if err != nil {
		t.Fatalf("NewFromScenario: %v", err)
	}
	summary, err := se.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return se, rec, summary
}

func mustRow(t *testing.T, rec *captureRecorder, day model.Day, id model.EntityID) model.TimelineRecord {
	t.Helper()
	r, ok := rec.row(day, id)
	if !ok {
		t.Fatalf("no timeline row for entity %d on day %d (recorded days %v)", id, day, rec.days)
	}
	return r
}

func overhaulScenario(end model.Day) *Scenario {
	return &Scenario{
		StartDay: 0,
		EndDay:   end,
		Classes: []model.ClassParams{{
			ID: "A", LL: 1000, OH: 500, BR: 900, RepairTime: 30, RepairBays: 1,
		}},
		Fleet: []model.Entity{{ID: 1, Class: "A", State: model.StateOperations}},
		ClassUsage: map[model.ClassID]model.UsagePlan{
			"A": constantPlan(int(end), 10),
		},
	}
}

func TestOverhaulThresholdSendsUnitToRepair(t *testing.T) {
	_, rec, summary := runScenario(t, overhaulScenario(60))

	r := mustRow(t, rec, 50, 1)
	if r.State != model.StateRepair {
		t.Fatalf("day 50 state = %s, want repair", r.State)
	}
	if r.SNE != 500 || r.PPR != 0 || r.RepairDays != 0 {
		t.Fatalf("day 50 counters sne=%d ppr=%d repair_days=%d, want 500/0/0", r.SNE, r.PPR, r.RepairDays)
	}
	if _, ok := rec.row(49, 1); ok {
		t.Fatalf("engine stopped on day 49; expected a jump from 0 to 50")
	}
	if summary.Reasons[ReasonThreshold] != 1 {
		t.Fatalf("threshold steps = %d, want 1 (%v)", summary.Reasons[ReasonThreshold], summary.Reasons)
	}
	if got := rec.days; len(got) != 3 || got[0] != 0 || got[1] != 50 || got[2] != 60 {
		t.Fatalf("event days = %v, want [0 50 60]", got)
	}
}

func TestRepairDaysReachRepairTime(t *testing.T) {
	_, rec, _ := runScenario(t, overhaulScenario(80))

	r := mustRow(t, rec, 80, 1)
	if r.State != model.StateRepair || r.RepairDays != 30 {
		t.Fatalf("day 80 state=%s repair_days=%d, want repair/30", r.State, r.RepairDays)
	}
}

func TestCompletedRepairReturnsToService(t *testing.T) {
	s := overhaulScenario(100)
	s.Quotas = map[model.ClassID][]model.QuotaChange{"A": {{Day: 0, Target: 1}}}
	se, rec, _ := runScenario(t, s)

	if sum, _ := rec.summary(50, "A"); sum.Shortfall != 1 {
		t.Fatalf("day 50 shortfall = %d, want 1", sum.Shortfall)
	}
	r := mustRow(t, rec, 80, 1)
	if r.State != model.StateOperations {
		t.Fatalf("day 80 state = %s, want operations", r.State)
	}
	if r.PPR != 0 || r.SNE != 500 || r.RepairDays != 0 {
		t.Fatalf("day 80 counters sne=%d ppr=%d repair_days=%d, want 500/0/0", r.SNE, r.PPR, r.RepairDays)
	}
	if occ := se.Bays("A").Occupied(); occ != 0 {
		t.Fatalf("bays occupied after repair = %d, want 0", occ)
	}
}

func TestBeyondEconomicRepairGoesToStorage(t *testing.T) {
	s := overhaulScenario(100)
	s.Fleet[0].SNE = 950
	s.Classes[0].LL = 5000
	_, rec, _ := runScenario(t, s)

	r := mustRow(t, rec, 50, 1)
	if r.State != model.StateStorage {
		t.Fatalf("day 50 state = %s, want storage", r.State)
	}
	final := mustRow(t, rec, 100, 1)
	if final.State != model.StateStorage || final.SNE != 1450 {
		t.Fatalf("final state=%s sne=%d, want storage/1450", final.State, final.SNE)
	}
}

func TestLifeLimitWinsOverOverhaul(t *testing.T) {
	s := overhaulScenario(100)
	s.Fleet[0].SNE = 600
	_, rec, _ := runScenario(t, s)

	r := mustRow(t, rec, 40, 1)
	if r.State != model.StateStorage || r.SNE != 1000 {
		t.Fatalf("day 40 state=%s sne=%d, want storage/1000", r.State, r.SNE)
	}
}

func TestLifeLimitAndOverhaulOnSameDay(t *testing.T) {
	s := overhaulScenario(100)
	s.Fleet[0].SNE = 500
	_, rec, _ := runScenario(t, s)

	r := mustRow(t, rec, 50, 1)
	if r.State != model.StateStorage {
		t.Fatalf("day 50 state = %s, want storage", r.State)
	}
	if r.SNE != 1000 || r.PPR != 500 {
		t.Fatalf("day 50 counters sne=%d ppr=%d, want 1000/500", r.SNE, r.PPR)
	}
}

func TestOverhaulAtRepairLimitGoesToStorage(t *testing.T) {
	s := overhaulScenario(100)
	s.Fleet[0].SNE = 400
	_, rec, _ := runScenario(t, s)

	r := mustRow(t, rec, 50, 1)
	if r.State != model.StateStorage || r.SNE != 900 {
		t.Fatalf("day 50 state=%s sne=%d, want storage/900", r.State, r.SNE)
	}
}

func TestQuotaDropDemotesHighestIDs(t *testing.T) {
	fleet := make([]model.Entity, 0, 13)
	for id := model.EntityID(1); id <= 10; id++ {
		fleet = append(fleet, model.Entity{ID: id, Class: "A", State: model.StateOperations})
	}
	for id := model.EntityID(11); id <= 13; id++ {
		fleet = append(fleet, model.Entity{ID: id, Class: "B", State: model.StateOperations})
	}
	s := &Scenario{
		StartDay: 0,
		EndDay:   150,
		Classes:  []model.ClassParams{{ID: "A"}, {ID: "B"}},
		Fleet:    fleet,
		Quotas: map[model.ClassID][]model.QuotaChange{
			"A": {{Day: 0, Target: 10}, {Day: 100, Target: 8}},
			"B": {{Day: 0, Target: 3}},
		},
	}
	_, rec, _ := runScenario(t, s)

	var demoted []model.EntityID
	for _, r := range rec.rows[100] {
		if r.State == model.StateServiceable {
			demoted = append(demoted, r.EntityID)
		}
	}
	if len(demoted) != 2 || demoted[0] != 9 || demoted[1] != 10 {
		t.Fatalf("demoted on day 100 = %v, want [9 10]", demoted)
	}
	sum, _ := rec.summary(100, "A")
	if sum.Count(model.StateOperations) != 8 || sum.Target != 8 {
		t.Fatalf("class A on day 100: operations=%d target=%d, want 8/8", sum.Count(model.StateOperations), sum.Target)
	}
	if b, _ := rec.summary(100, "B"); b.Count(model.StateOperations) != 3 {
		t.Fatalf("class B operations = %d, want 3", b.Count(model.StateOperations))
	}
}

func TestInactiveActivationLimitedByBays(t *testing.T) {
	s := &Scenario{
		StartDay: 0,
		EndDay:   40,
		Classes:  []model.ClassParams{{ID: "A", RepairBays: 1, RepairTime: 10}},
		Fleet: []model.Entity{
			{ID: 1, Class: "A", State: model.StateInactive},
			{ID: 2, Class: "A", State: model.StateInactive},
		},
		Quotas: map[model.ClassID][]model.QuotaChange{"A": {{Day: 0, Target: 2}}},
	}
	var reports []StepReport
	rec := newCaptureRecorder()
	se, err := NewFromScenario(s, WithRecorder(rec))
	if err != nil {
		t.Fatalf("NewFromScenario: %v", err)
	}
	se.RegisterDayListener(func(r StepReport) { reports = append(reports, r) })
	if _, err := se.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if r := mustRow(t, rec, 0, 1); r.State != model.StateOperations {
		t.Fatalf("entity 1 on day 0 = %s, want operations", r.State)
	}
	if r := mustRow(t, rec, 0, 2); r.State != model.StateInactive {
		t.Fatalf("entity 2 on day 0 = %s, want inactive", r.State)
	}
	if sum, _ := rec.summary(0, "A"); sum.Shortfall != 1 {
		t.Fatalf("day 0 shortfall = %d, want 1", sum.Shortfall)
	}
	if len(reports) < 2 || reports[1].Day != 10 || reports[1].Reason != ReasonBayRelease {
		t.Fatalf("event days = %+v, want the second on day 10 for bay_release", reports)
	}
	if r := mustRow(t, rec, 10, 2); r.State != model.StateOperations {
		t.Fatalf("entity 2 on day 10 = %s, want operations", r.State)
	}
}

func TestInactiveActivationWithoutRepairTime(t *testing.T) {
	s := &Scenario{
		StartDay: 0,
		EndDay:   30,
		Classes:  []model.ClassParams{{ID: "A"}},
		Fleet: []model.Entity{
			{ID: 1, Class: "A", State: model.StateInactive},
			{ID: 2, Class: "A", State: model.StateInactive},
		},
		Quotas: map[model.ClassID][]model.QuotaChange{"A": {{Day: 0, Target: 2}}},
	}
	se, rec, _ := runScenario(t, s)

	for id := model.EntityID(1); id <= 2; id++ {
		if r := mustRow(t, rec, 0, id); r.State != model.StateOperations {
			t.Fatalf("entity %d on day 0 = %s, want operations", id, r.State)
		}
	}
	if sum, _ := rec.summary(0, "A"); sum.Shortfall != 0 {
		t.Fatalf("day 0 shortfall = %d, want 0", sum.Shortfall)
	}
	if occ := se.Bays("A").Occupied(); occ != 0 {
		t.Fatalf("bays occupied = %d, want 0", occ)
	}
}

func TestInitialReserveAdmittedOnStartDay(t *testing.T) {
	s := &Scenario{
		StartDay: 0,
		EndDay:   365,
		Classes:  []model.ClassParams{{ID: "A"}},
		Fleet: []model.Entity{
			{ID: 1, Class: "A", State: model.StateReserve},
			{ID: 2, Class: "A", State: model.StateReserve},
			{ID: 3, Class: "A", State: model.StateReserve},
		},
		Quotas: map[model.ClassID][]model.QuotaChange{"A": {{Day: 0, Target: 2}}},
	}
	_, rec, _ := runScenario(t, s)

	day0, _ := rec.summary(0, "A")
	if day0.Count(model.StateOperations) != 2 || day0.Count(model.StateReserve) != 1 || day0.Shortfall != 0 {
		t.Fatalf("day 0 summary = %+v, want 2 operations, 1 reserve, no shortfall", day0)
	}
	for id := model.EntityID(1); id <= 2; id++ {
		if r := mustRow(t, rec, 0, id); r.State != model.StateOperations {
			t.Fatalf("entity %d on day 0 = %s, want operations", id, r.State)
		}
	}
	end, _ := rec.summary(365, "A")
	if end.Count(model.StateOperations) != 2 || end.Shortfall != 0 {
		t.Fatalf("day 365 summary = %+v, want 2 operations", end)
	}
}

func TestInitialReserveAfterNonZeroStartDay(t *testing.T) {
	s := &Scenario{
		StartDay: 10,
		EndDay:   40,
		Classes:  []model.ClassParams{{ID: "A"}},
		Fleet: []model.Entity{
			{ID: 1, Class: "A", State: model.StateReserve, ManufactureDay: 10},
			{ID: 2, Class: "A", State: model.StateReserve, ManufactureDay: 3},
		},
		Quotas: map[model.ClassID][]model.QuotaChange{"A": {{Day: 10, Target: 2}}},
	}
	_, rec, _ := runScenario(t, s)

	if sum, _ := rec.summary(10, "A"); sum.Count(model.StateOperations) != 2 || sum.Shortfall != 0 {
		t.Fatalf("day 10 summary = %+v, want 2 operations", sum)
	}
}

func TestSpawnedStockAdmittedNextDay(t *testing.T) {
	s := &Scenario{
		StartDay: 0,
		EndDay:   250,
		Classes:  []model.ClassParams{{ID: "A"}},
		Quotas:   map[model.ClassID][]model.QuotaChange{"A": {{Day: 0, Target: 3}}},
		Spawns:   map[model.ClassID][]model.SpawnBatch{"A": {{Day: 200, Count: 5}}},
	}
	se, rec, summary := runScenario(t, s)

	day200, _ := rec.summary(200, "A")
	if day200.Count(model.StateReserve) != 5 || day200.Count(model.StateOperations) != 0 || day200.Shortfall != 3 {
		t.Fatalf("day 200 summary = %+v, want 5 reserve, 0 operations, shortfall 3", day200)
	}
	day201, ok := rec.summary(201, "A")
	if !ok {
		t.Fatalf("no event on day 201; days = %v", rec.days)
	}
	if day201.Count(model.StateOperations) != 3 || day201.Count(model.StateReserve) != 2 || day201.Shortfall != 0 {
		t.Fatalf("day 201 summary = %+v, want 3 operations, 2 reserve", day201)
	}
	for id := model.EntityID(1); id <= 3; id++ {
		if r := mustRow(t, rec, 201, id); r.State != model.StateOperations {
			t.Fatalf("entity %d on day 201 = %s, want operations", id, r.State)
		}
	}
	spawned, err := se.KB.Get(5)
	if err != nil {
		t.Fatalf("Get(5): %v", err)
	}
	if spawned.ManufactureDay != 200 || spawned.SNE != 0 {
		t.Fatalf("spawned unit = %+v, want manufacture_day 200 and zero counters", spawned)
	}
	if summary.Spawned != 5 || summary.Reasons[ReasonPendingAdmission] != 1 {
		t.Fatalf("summary spawned=%d pending=%d, want 5/1", summary.Spawned, summary.Reasons[ReasonPendingAdmission])
	}
}

func TestSpawnIDsAboveInitialMaximum(t *testing.T) {
	s := &Scenario{
		StartDay: 0,
		EndDay:   10,
		Classes:  []model.ClassParams{{ID: "A"}, {ID: "B"}},
		Fleet:    []model.Entity{{ID: 40, Class: "A", State: model.StateServiceable}},
		Spawns: map[model.ClassID][]model.SpawnBatch{
			"B": {{Day: 3, Count: 1}},
			"A": {{Day: 3, Count: 2}},
		},
	}
	se, _, _ := runScenario(t, s)

	for id, class := range map[model.EntityID]model.ClassID{41: "A", 42: "A", 43: "B"} {
		e, err := se.KB.Get(id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if e.Class != class || e.State != model.StateReserve {
			t.Fatalf("entity %d = class %s state %s, want class %s reserve", id, e.Class, e.State, class)
		}
	}
}

func TestConservationOverYearWithoutThresholds(t *testing.T) {
	const days = 365
	varied := make(model.UsagePlan, days)
	var variedSum int64
	for i := range varied {
		varied[i] = int64(i%7) * 3
		variedSum += varied[i]
	}
	s := &Scenario{
		StartDay: 0,
		EndDay:   days,
		Classes:  []model.ClassParams{{ID: "A"}},
		Fleet: []model.Entity{
			{ID: 1, Class: "A", State: model.StateOperations},
			{ID: 2, Class: "A", State: model.StateOperations, SNE: 100},
			{ID: 3, Class: "A", State: model.StateServiceable},
		},
		ClassUsage:  map[model.ClassID]model.UsagePlan{"A": constantPlan(days, 12)},
		EntityUsage: map[model.EntityID]model.UsagePlan{2: varied},
	}
	_, rec, _ := runScenario(t, s)

	cases := []struct {
		id   model.EntityID
		want int64
	}{
		{1, 12 * days},
		{2, 100 + variedSum},
		{3, 0},
	}
	for _, tc := range cases {
		r := mustRow(t, rec, days, tc.id)
		if r.SNE != tc.want {
			t.Fatalf("entity %d sne = %d, want %d", tc.id, r.SNE, tc.want)
		}
	}
}

func TestGroundedBacklogAndTierTwoPromotion(t *testing.T) {
	s := &Scenario{
		StartDay: 0,
		EndDay:   45,
		Classes:  []model.ClassParams{{ID: "A", OH: 100, RepairBays: 1, RepairTime: 10}},
		Fleet: []model.Entity{
			{ID: 1, Class: "A", State: model.StateOperations},
			{ID: 2, Class: "A", State: model.StateOperations},
		},
		ClassUsage: map[model.ClassID]model.UsagePlan{"A": constantPlan(45, 10)},
		Quotas:     map[model.ClassID][]model.QuotaChange{"A": {{Day: 0, Target: 2}}},
	}
	_, rec, _ := runScenario(t, s)

	if r := mustRow(t, rec, 10, 1); r.State != model.StateRepair {
		t.Fatalf("entity 1 on day 10 = %s, want repair", r.State)
	}
	if r := mustRow(t, rec, 10, 2); r.State != model.StateUnserviceable || r.PPR != 100 {
		t.Fatalf("entity 2 on day 10 = %s ppr=%d, want unserviceable/100", r.State, r.PPR)
	}
	if r := mustRow(t, rec, 20, 1); r.State != model.StateOperations {
		t.Fatalf("entity 1 on day 20 = %s, want operations", r.State)
	}
	if r := mustRow(t, rec, 20, 2); r.State != model.StateUnserviceable || r.PPR != 0 || r.RepairDays != 0 {
		t.Fatalf("entity 2 on day 20 = %s ppr=%d repair_days=%d, want unserviceable with bay", r.State, r.PPR, r.RepairDays)
	}
	if r := mustRow(t, rec, 30, 2); r.State != model.StateOperations {
		t.Fatalf("entity 2 on day 30 = %s, want operations via tier 2", r.State)
	}
	if r := mustRow(t, rec, 30, 1); r.State != model.StateRepair {
		t.Fatalf("entity 1 on day 30 = %s, want repair", r.State)
	}
}

func TestComponentReplacedFromServiceableStock(t *testing.T) {
	s := &Scenario{
		StartDay: 0,
		EndDay:   20,
		Classes: []model.ClassParams{
			{ID: "heli"},
			{ID: "engine", Kind: model.KindComponent, ParentClass: "heli", CompPerParent: 2, RepairBays: 1, RepairTime: 30},
		},
		Fleet: []model.Entity{
			{ID: 1, Class: "heli", State: model.StateOperations},
			{ID: 10, Class: "engine", State: model.StateOperations, ParentID: 1, OH: 50},
			{ID: 11, Class: "engine", State: model.StateOperations, ParentID: 1},
			{ID: 12, Class: "engine", State: model.StateServiceable},
		},
		ClassUsage: map[model.ClassID]model.UsagePlan{"heli": constantPlan(20, 10)},
	}
	se, rec, _ := runScenario(t, s)

	if r := mustRow(t, rec, 5, 10); r.State != model.StateRepair || r.SNE != 50 {
		t.Fatalf("engine 10 on day 5 = %s sne=%d, want repair/50", r.State, r.SNE)
	}
	if r := mustRow(t, rec, 5, 12); r.State != model.StateOperations {
		t.Fatalf("engine 12 on day 5 = %s, want operations", r.State)
	}
	spare, err := se.KB.Get(12)
	if err != nil {
		t.Fatalf("Get(12): %v", err)
	}
	if spare.ParentID != 1 || spare.SNE != 150 {
		t.Fatalf("engine 12 parent=%d sne=%d, want 1/150", spare.ParentID, spare.SNE)
	}
	if n := len(se.PendingRequests()); n != 0 {
		t.Fatalf("pending requests = %d, want 0", n)
	}
}

func TestComponentsDetachWhenParentDemoted(t *testing.T) {
	s := &Scenario{
		StartDay: 0,
		EndDay:   20,
		Classes: []model.ClassParams{
			{ID: "heli"},
			{ID: "engine", Kind: model.KindComponent, ParentClass: "heli", CompPerParent: 1},
		},
		Fleet: []model.Entity{
			{ID: 1, Class: "heli", State: model.StateOperations},
			{ID: 2, Class: "heli", State: model.StateOperations},
			{ID: 10, Class: "engine", State: model.StateOperations, ParentID: 1},
			{ID: 11, Class: "engine", State: model.StateOperations, ParentID: 2},
		},
		Quotas: map[model.ClassID][]model.QuotaChange{"heli": {{Day: 0, Target: 2}, {Day: 7, Target: 1}}},
	}
	se, rec, _ := runScenario(t, s)

	if r := mustRow(t, rec, 7, 2); r.State != model.StateServiceable {
		t.Fatalf("heli 2 on day 7 = %s, want serviceable", r.State)
	}
	if r := mustRow(t, rec, 7, 11); r.State != model.StateServiceable {
		t.Fatalf("engine 11 on day 7 = %s, want serviceable", r.State)
	}
	engine, _ := se.KB.Get(11)
	if engine.ParentID != 0 {
		t.Fatalf("engine 11 still attached to %d", engine.ParentID)
	}
}

func TestParentRequestsMissingComponents(t *testing.T) {
	s := &Scenario{
		StartDay: 0,
		EndDay:   10,
		Classes: []model.ClassParams{
			{ID: "heli"},
			{ID: "engine", Kind: model.KindComponent, ParentClass: "heli", CompPerParent: 2},
		},
		Fleet: []model.Entity{
			{ID: 1, Class: "heli", State: model.StateOperations},
			{ID: 10, Class: "engine", State: model.StateReserve},
		},
		Spawns: map[model.ClassID][]model.SpawnBatch{"engine": {{Day: 4, Count: 1}}},
	}
	se, rec, _ := runScenario(t, s)

	if r := mustRow(t, rec, 0, 10); r.State != model.StateOperations {
		t.Fatalf("engine 10 on day 0 = %s, want operations", r.State)
	}
	sum, _ := rec.summary(0, "engine")
	if sum.Queued != 1 {
		t.Fatalf("queued requests on day 0 = %d, want 1", sum.Queued)
	}
	if r := mustRow(t, rec, 5, 11); r.State != model.StateOperations {
		t.Fatalf("spawned engine on day 5 = %s, want operations", r.State)
	}
	for _, id := range []model.EntityID{10, 11} {
		e, _ := se.KB.Get(id)
		if e.ParentID != 1 {
			t.Fatalf("engine %d parent = %d, want 1", id, e.ParentID)
		}
	}
}

func TestRunIsDeterministicAcrossWorkerCounts(t *testing.T) {
	encode := func(workers int) []byte {
		s := largeScenario()
		rec := newCaptureRecorder()
		rec.every = 90
		se, err := NewFromScenario(s, WithRecorder(rec), WithWorkers(workers))
		if err != nil {
			t.Fatalf("NewFromScenario: %v", err)
		}
		if _, err := se.Run(context.Background()); err != nil {
			t.Fatalf("Run(workers=%d): %v", workers, err)
		}
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, day := range rec.days {
			if err := enc.Encode(rec.rows[day]); err != nil {
				t.Fatalf("encode rows: %v", err)
			}
			if err := enc.Encode(rec.summaries[day]); err != nil {
				t.Fatalf("encode summaries: %v", err)
			}
		}
		return buf.Bytes()
	}

	serial := encode(1)
	for _, workers := range []int{2, 8} {
		if parallel := encode(workers); !bytes.Equal(serial, parallel) {
			t.Fatalf("timeline with %d workers differs from serial run", workers)
		}
	}
}

func TestBayOccupancyNeverExceedsCapacity(t *testing.T) {
	s := largeScenario()
	se, err := NewFromScenario(s, WithWorkers(8))
	if err != nil {
		t.Fatalf("NewFromScenario: %v", err)
	}
	se.RegisterDayListener(func(StepReport) {
		for _, class := range se.Sim.ClassIDs() {
			bays := se.Bays(class)
			held := 0
			for _, e := range se.KB.List() {
				if e.Class == class && e.HoldsBay() {
					held++
				}
			}
			if bays.Occupied() > bays.Len() || held > bays.Len() {
				t.Fatalf("class %s day %d: occupied=%d held=%d bays=%d", class, se.Day(), bays.Occupied(), held, bays.Len())
			}
		}
	})
	if _, err := se.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestHorizonIsIdempotent(t *testing.T) {
	se, err := NewFromScenario(overhaulScenario(200))
	if err != nil {
		t.Fatalf("NewFromScenario: %v", err)
	}
	if _, err := se.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	first, err := se.Horizon(1)
	if err != nil {
		t.Fatalf("Horizon: %v", err)
	}
	second, _ := se.Horizon(1)
	if first != second || first != 50 {
		t.Fatalf("horizons = %d, %d, want 50 twice", first, second)
	}
}

func TestStepAfterEndReturnsErrRunFinished(t *testing.T) {
	se, err := NewFromScenario(overhaulScenario(10))
	if err != nil {
		t.Fatalf("NewFromScenario: %v", err)
	}
	if _, err := se.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := se.Step(context.Background()); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("Step after end = %v, want ErrRunFinished", err)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	se, err := NewFromScenario(overhaulScenario(100))
	if err != nil {
		t.Fatalf("NewFromScenario: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	se.RegisterDayListener(func(StepReport) { cancel() })
	if _, err := se.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if se.Day() != 0 || se.Done() {
		t.Fatalf("engine day=%d done=%v after cancel, want 0/false", se.Day(), se.Done())
	}
}

func TestDefectPolicyOnIllegalTransition(t *testing.T) {
	for _, policy := range []DefectPolicy{DefectAbort, DefectSkip} {
		se, err := NewFromScenario(overhaulScenario(60), WithDefectPolicy(policy))
		if err != nil {
			t.Fatalf("NewFromScenario: %v", err)
		}
		e := &model.Entity{ID: 7, Class: "A", State: model.StateStorage}
		s := &scratch{bay: model.NoBay}

		applied, err := se.transition(e, s, model.StateOperations, 3)
		if applied || e.State != model.StateStorage || !s.skip {
			t.Fatalf("%s: applied=%v state=%s skip=%v, want rejected and skipped", policy, applied, e.State, s.skip)
		}
		switch policy {
		case DefectAbort:
			var defect *DefectError
			if !errors.As(err, &defect) || !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("abort: error = %v, want DefectError wrapping ErrIllegalTransition", err)
			}
			if defect.EntityID != 7 || defect.Day != 3 || defect.From != model.StateStorage || defect.To != model.StateOperations {
				t.Fatalf("abort: defect context = %+v", defect)
			}
		case DefectSkip:
			if err != nil {
				t.Fatalf("skip: error = %v, want nil", err)
			}
			if got := se.defects.drain(); len(got) != 1 || got[0].KindLabel() != "illegal_transition" {
				t.Fatalf("skip: recorded defects = %v", got)
			}
		}
	}
}

func TestInvalidScenarioRejected(t *testing.T) {
	cases := map[string]*Scenario{
		"empty range":          {StartDay: 10, EndDay: 10},
		"unknown parent":       {EndDay: 5, Classes: []model.ClassParams{{ID: "e", Kind: model.KindComponent, ParentClass: "x"}}},
		"quota class":          {EndDay: 5, Quotas: map[model.ClassID][]model.QuotaChange{"x": {{Day: 0, Target: 1}}}},
		"negative spawn":       {EndDay: 5, Classes: []model.ClassParams{{ID: "a"}}, Spawns: map[model.ClassID][]model.SpawnBatch{"a": {{Day: 1, Count: -1}}}},
		"unknown entity class": {EndDay: 5, Classes: []model.ClassParams{{ID: "a"}}, Fleet: []model.Entity{{ID: 1, Class: "b", State: model.StateInactive}}},
	}
	for name, s := range cases {
		if _, err := NewFromScenario(s); !errors.Is(err, ErrInvalidScenario) {
			t.Fatalf("%s: error = %v, want ErrInvalidScenario", name, err)
		}
	}
}

// largeScenario builds a deterministic mixed fleet big enough to split every
// phase across several workers.
func largeScenario() *Scenario {
	const days = 720
	seed := uint64(42)
	rnd := func(n uint64) uint64 {
		seed = seed*6364136223846793005 + 1442695040888963407
		return (seed >> 33) % n
	}

	mi17Plan := make(model.UsagePlan, days)
	for i := range mi17Plan {
		mi17Plan[i] = int64(60 + (i%30)*2)
	}
	s := &Scenario{
		StartDay: 0,
		EndDay:   days,
		Classes: []model.ClassParams{
			{ID: "mi8", LL: 60000, OH: 12000, BR: 50000, RepairTime: 60, RepairBays: 12},
			{ID: "mi17", LL: 80000, OH: 15000, BR: 70000, RepairTime: 45, RepairBays: 8},
			{ID: "tv3", Kind: model.KindComponent, ParentClass: "mi8", CompPerParent: 2, LL: 40000, OH: 9000, BR: 30000, RepairTime: 30, RepairBays: 20},
		},
		ClassUsage: map[model.ClassID]model.UsagePlan{
			"mi8":  constantPlan(days, 90),
			"mi17": mi17Plan,
		},
		EntityUsage: map[model.EntityID]model.UsagePlan{},
		Quotas: map[model.ClassID][]model.QuotaChange{
			"mi8":  {{Day: 0, Target: 480}, {Day: 180, Target: 520}, {Day: 400, Target: 450}},
			"mi17": {{Day: 0, Target: 240}, {Day: 300, Target: 280}},
		},
		Spawns: map[model.ClassID][]model.SpawnBatch{
			"mi8":  {{Day: 100, Count: 20}, {Day: 500, Count: 30}},
			"mi17": {{Day: 250, Count: 10}},
			"tv3":  {{Day: 50, Count: 40}},
		},
	}

	states := []model.State{
		model.StateOperations, model.StateOperations, model.StateOperations, model.StateOperations,
		model.StateServiceable, model.StateInactive, model.StateUnserviceable, model.StateRepair, model.StateReserve,
	}
	id := model.EntityID(1)
	var operatingMi8 []model.EntityID
	addFleet := func(class model.ClassID, n int, ll, oh int64) {
		for k := 0; k < n; k++ {
			e := model.Entity{
				ID:    id,
				Class: class,
				State: states[rnd(uint64(len(states)))],
				SNE:   int64(rnd(uint64(ll / 2))),
				PPR:   int64(rnd(uint64(oh))),
			}
			if e.State == model.StateRepair {
				e.RepairDays = int(rnd(20))
			}
			if class == "mi8" && e.State == model.StateOperations {
				operatingMi8 = append(operatingMi8, id)
			}
			if class == "mi17" && k%50 == 0 {
				s.EntityUsage[id] = constantPlan(days, int64(40+rnd(80)))
			}
			s.Fleet = append(s.Fleet, e)
			id++
		}
	}
	addFleet("mi8", 800, 60000, 12000)
	addFleet("mi17", 400, 80000, 15000)

	for _, parent := range operatingMi8 {
		for slot := 0; slot < 2; slot++ {
			s.Fleet = append(s.Fleet, model.Entity{
				ID:       id,
				Class:    "tv3",
				State:    model.StateOperations,
				SNE:      int64(rnd(20000)),
				PPR:      int64(rnd(9000)),
				ParentID: parent,
			})
			id++
		}
	}
	for k := 0; k < 200; k++ {
		state := model.StateServiceable
		if k%3 == 0 {
			state = model.StateReserve
		}
		s.Fleet = append(s.Fleet, model.Entity{ID: id, Class: "tv3", State: state, SNE: int64(rnd(10000))})
		id++
	}
	return s
}
