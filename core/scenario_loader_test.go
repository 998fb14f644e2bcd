// core/scenario_loader_test.go
package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalsfoundry/fleet-simulator/model"
)

const yamlScenario = `
start_day: 0
end_day: 120
start_date: 2025-01-01
classes:
  - id: mi8
    ll: 1800000
    oh: 270000
    br: 1500000
    repair_time: 180
    repair_bays: 2
  - id: tv3
    kind: component
    parent_class: mi8
    comp_per_parent: 2
    oh: 90000
fleet:
  - id: 1
    class: mi8
    state: operations
    sne: 1000
  - id: 2
    class: mi8
    state: 4
    repair_days: 20
  - id: 10
    class: tv3
    state: operations
    parent_id: 1
usage:
  classes:
    mi8:
      daily: 90
  entities:
    - id: 1
      plan: [60, 60, 0]
quotas:
  mi8:
    - day: 0
      target: 1
spawns:
  mi8:
    - day: 30
      count: 2
`

func TestLoadScenarioYAML(t *testing.T) {
	s, err := LoadScenario(strings.NewReader(yamlScenario), FormatYAML)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if s.EndDay != 120 || len(s.Classes) != 2 || len(s.Fleet) != 3 {
		t.Fatalf("unexpected scenario shape: %+v", s)
	}
	if s.StartDate.Year() != 2025 || s.StartDate.YearDay() != 1 {
		t.Fatalf("StartDate = %v", s.StartDate)
	}
	if s.Fleet[0].State != model.StateOperations || s.Fleet[1].State != model.StateRepair {
		t.Fatalf("states = %v %v", s.Fleet[0].State, s.Fleet[1].State)
	}
	if s.Fleet[2].ParentID != 1 || !s.Classes[1].IsComponent() {
		t.Fatalf("component wiring lost: %+v %+v", s.Fleet[2], s.Classes[1])
	}
	if got := len(s.ClassUsage["mi8"]); got != 120 {
		t.Fatalf("daily usage expanded to %d days, want 120", got)
	}
	if plan := s.EntityUsage[1]; len(plan) != 3 || plan[0] != 60 {
		t.Fatalf("entity plan = %v", plan)
	}
	if len(s.Quotas["mi8"]) != 1 || s.Spawns["mi8"][0].Count != 2 {
		t.Fatalf("schedules = %+v %+v", s.Quotas, s.Spawns)
	}
}

func TestLoadScenarioJSON(t *testing.T) {
	data := `{
  "start_day": 5,
  "end_day": 50,
  "classes": [{"id": "mi8", "oh": 1000, "repair_time": 10, "repair_bays": 1}],
  "fleet": [{"id": 3, "class": "mi8", "state": "inactive"}],
  "usage": {"classes": {"mi8": {"plan": [1, 2, 3]}}}
}`
	s, err := LoadScenario(strings.NewReader(data), FormatJSON)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if s.StartDay != 5 || s.Fleet[0].State != model.StateInactive {
		t.Fatalf("unexpected scenario: %+v", s)
	}
	if plan := s.ClassUsage["mi8"]; len(plan) != 3 {
		t.Fatalf("class plan = %v", plan)
	}
}

func TestLoadScenarioRejectsUnknownFields(t *testing.T) {
	data := "end_day: 10\nclasses: [{id: mi8}]\nbogus: true\n"
	if _, err := LoadScenario(strings.NewReader(data), FormatYAML); err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if _, err := LoadScenario(strings.NewReader(`{"end_day": 10, "bogus": 1}`), FormatJSON); err == nil {
		t.Fatalf("expected error for unknown json field")
	}
}

func TestLoadScenarioValidationErrors(t *testing.T) {
	cases := map[string]string{
		"bad date":       "end_day: 10\nstart_date: 01/02/2025\n",
		"empty range":    "start_day: 10\nend_day: 10\n",
		"duplicate plan": "end_day: 10\nclasses: [{id: mi8}]\nusage:\n  entities:\n    - {id: 1, daily: 5}\n    - {id: 1, daily: 6}\n",
		"unknown quota":  "end_day: 10\nquotas:\n  mi8: [{day: 0, target: 1}]\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadScenario(strings.NewReader(data), FormatYAML)
			if !errors.Is(err, ErrInvalidScenario) {
				t.Fatalf("got %v, want ErrInvalidScenario", err)
			}
		})
	}
}

func TestLoadScenarioFilePicksFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.json")
	if err := os.WriteFile(path, []byte(`{"end_day": 3, "classes": [{"id": "mi8"}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadScenarioFile(path)
	if err != nil {
		t.Fatalf("LoadScenarioFile: %v", err)
	}
	if s.EndDay != 3 {
		t.Fatalf("EndDay = %d", s.EndDay)
	}
	if FormatFromPath("x.yml") != FormatYAML || FormatFromPath("X.JSON") != FormatJSON {
		t.Fatalf("FormatFromPath mismatch")
	}
	if _, err := LoadScenario(strings.NewReader("{}"), Format("toml")); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestLoadBundledExampleScenario(t *testing.T) {
	s, err := LoadScenarioFile(filepath.Join("..", "examples", "scenarios", "mi8_fleet.yaml"))
	if err != nil {
		t.Fatalf("LoadScenarioFile: %v", err)
	}
	if len(s.Classes) != 2 || len(s.Fleet) != 18 {
		t.Fatalf("classes=%d fleet=%d, want 2 and 18", len(s.Classes), len(s.Fleet))
	}
	if got := len(s.ClassUsage["mi8"]); got != 730 {
		t.Fatalf("mi8 usage plan covers %d days, want 730", got)
	}
	if got := s.EntityUsage[4][0]; got != 240 {
		t.Fatalf("entity 4 daily usage = %d, want 240", got)
	}
	if _, err := NewSimContext(s); err != nil {
		t.Fatalf("NewSimContext: %v", err)
	}
}
