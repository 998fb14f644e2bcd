// core/scenario_loader.go
package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// Format selects the scenario encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension, defaulting to YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// internal file shapes; unexported so the on-disk layout can evolve freely.
type scenarioFile struct {
	StartDay  model.Day           `json:"start_day" yaml:"start_day"`
	EndDay    model.Day           `json:"end_day" yaml:"end_day"`
	StartDate string              `json:"start_date" yaml:"start_date"`
	Classes   []model.ClassParams `json:"classes" yaml:"classes"`
	Fleet     []model.Entity      `json:"fleet" yaml:"fleet"`
	Usage     usageFile           `json:"usage" yaml:"usage"`

	Quotas map[model.ClassID][]model.QuotaChange `json:"quotas" yaml:"quotas"`
	Spawns map[model.ClassID][]model.SpawnBatch  `json:"spawns" yaml:"spawns"`
}

type usageFile struct {
	Classes  map[model.ClassID]usagePlanFile `json:"classes" yaml:"classes"`
	Entities []entityUsageFile               `json:"entities" yaml:"entities"`
}

// usagePlanFile is either an explicit per-day plan or a constant daily
// amount over the whole run. An explicit plan wins when both are set.
type usagePlanFile struct {
	Daily int64   `json:"daily" yaml:"daily"`
	Plan  []int64 `json:"plan" yaml:"plan"`
}

type entityUsageFile struct {
	ID            model.EntityID `json:"id" yaml:"id"`
	usagePlanFile `yaml:",inline"`
}

func (u usagePlanFile) build(days int) model.UsagePlan {
	if len(u.Plan) > 0 {
		return append(model.UsagePlan(nil), u.Plan...)
	}
	if u.Daily == 0 || days <= 0 {
		return nil
	}
	plan := make(model.UsagePlan, days)
	for i := range plan {
		plan[i] = u.Daily
	}
	return plan
}

// LoadScenario decodes a scenario from r and validates it.
func LoadScenario(r io.Reader, format Format) (*Scenario, error) {
	var payload scenarioFile
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&payload); err != nil {
			return nil, fmt.Errorf("LoadScenario: decode json: %w", err)
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&payload); err != nil {
			return nil, fmt.Errorf("LoadScenario: decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("LoadScenario: unsupported format %q", format)
	}

	s := &Scenario{
		StartDay:    payload.StartDay,
		EndDay:      payload.EndDay,
		Classes:     payload.Classes,
		Fleet:       payload.Fleet,
		EntityUsage: make(map[model.EntityID]model.UsagePlan, len(payload.Usage.Entities)),
		ClassUsage:  make(map[model.ClassID]model.UsagePlan, len(payload.Usage.Classes)),
		Quotas:      payload.Quotas,
		Spawns:      payload.Spawns,
	}
	if payload.StartDate != "" {
		date, err := time.Parse(time.DateOnly, payload.StartDate)
		if err != nil {
			return nil, fmt.Errorf("%w: start_date: %v", ErrInvalidScenario, err)
		}
		s.StartDate = date
	}
	days := int(payload.EndDay - payload.StartDay)
	for class, plan := range payload.Usage.Classes {
		if built := plan.build(days); built != nil {
			s.ClassUsage[class] = built
		}
	}
	for _, eu := range payload.Usage.Entities {
		if _, dup := s.EntityUsage[eu.ID]; dup {
			return nil, fmt.Errorf("%w: usage for entity %d declared twice", ErrInvalidScenario, eu.ID)
		}
		if built := eu.build(days); built != nil {
			s.EntityUsage[eu.ID] = built
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadScenarioFile reads a scenario from disk, picking the format from the
// file extension.
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadScenarioFile: %w", err)
	}
	defer f.Close()
	return LoadScenario(f, FormatFromPath(path))
}
