// Package timeline buffers the per-day history produced by the engine and
// hands it to pluggable sinks.
package timeline

import (
	"context"
	"errors"
	"sync"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// Entry is the visible history of one event day.
type Entry struct {
	Day       model.Day              `json:"day"`
	Rows      []model.TimelineRecord `json:"rows"`
	Summaries []model.ClassSummary   `json:"summaries"`
}

// Sink consumes flushed entries in day order. Write is never called
// concurrently by a Recorder.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

// MemorySink keeps every entry in memory. It backs tests and the HTTP API.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Write(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, entries...)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Entries returns a copy of the stored entries.
func (m *MemorySink) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

// Rows returns every stored row, optionally restricted to one entity.
func (m *MemorySink) Rows(id model.EntityID) []model.TimelineRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.TimelineRecord
	for _, e := range m.entries {
		for _, r := range e.Rows {
			if id == 0 || r.EntityID == id {
				out = append(out, r)
			}
		}
	}
	return out
}

// LatestSummaries returns the summaries of the most recent stored day.
func (m *MemorySink) LatestSummaries() []model.ClassSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil
	}
	return append([]model.ClassSummary(nil), m.entries[len(m.entries)-1].Summaries...)
}

// MultiSink fans each write out to several sinks.
type MultiSink []Sink

func (ms MultiSink) Write(ctx context.Context, entries []Entry) error {
	var errs []error
	for _, s := range ms {
		if err := s.Write(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ms MultiSink) Close() error {
	var errs []error
	for _, s := range ms {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
