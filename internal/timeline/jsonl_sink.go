package timeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/signalsfoundry/fleet-simulator/model"
)

type rowLine struct {
	Kind string `json:"kind"`
	model.TimelineRecord
}

type summaryLine struct {
	Kind string `json:"kind"`
	model.ClassSummary
}

// JSONLinesSink writes one JSON object per row and per class summary, tagged
// with "kind": "row" or "summary".
type JSONLinesSink struct {
	bw     *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONLinesSink writes to w. If w is an io.Closer it is closed by Close.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	bw := bufio.NewWriterSize(w, 64<<10)
	s := &JSONLinesSink{bw: bw, enc: json.NewEncoder(bw)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *JSONLinesSink) Write(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, r := range e.Rows {
			if err := s.enc.Encode(rowLine{Kind: "row", TimelineRecord: r}); err != nil {
				return fmt.Errorf("jsonl: row %d day %d: %w", r.EntityID, r.Day, err)
			}
		}
		for _, cs := range e.Summaries {
			if err := s.enc.Encode(summaryLine{Kind: "summary", ClassSummary: cs}); err != nil {
				return fmt.Errorf("jsonl: summary %s day %d: %w", cs.Class, cs.Day, err)
			}
		}
	}
	return s.bw.Flush()
}

func (s *JSONLinesSink) Close() error {
	if err := s.bw.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
