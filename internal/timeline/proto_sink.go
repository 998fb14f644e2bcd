package timeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// ProtoSink writes rows as a stream of length-delimited
// google.protobuf.Struct messages, readable by any protobuf runtime.
type ProtoSink struct {
	bw     *bufio.Writer
	closer io.Closer
}

// NewProtoSink writes to w. If w is an io.Closer it is closed by Close.
func NewProtoSink(w io.Writer) *ProtoSink {
	s := &ProtoSink{bw: bufio.NewWriterSize(w, 64<<10)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func rowStruct(r model.TimelineRecord) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"entity_id":   float64(r.EntityID),
		"class":       string(r.Class),
		"day":         int64(r.Day),
		"state":       r.State.String(),
		"sne":         r.SNE,
		"ppr":         r.PPR,
		"repair_days": int64(r.RepairDays),
		"parent_id":   float64(r.ParentID),
		"snapshot":    r.Snapshot,
	})
}

func (s *ProtoSink) Write(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, r := range e.Rows {
			msg, err := rowStruct(r)
			if err != nil {
				return fmt.Errorf("proto: row %d day %d: %w", r.EntityID, r.Day, err)
			}
			if _, err := protodelim.MarshalTo(s.bw, msg); err != nil {
				return fmt.Errorf("proto: row %d day %d: %w", r.EntityID, r.Day, err)
			}
		}
	}
	return s.bw.Flush()
}

func (s *ProtoSink) Close() error {
	if err := s.bw.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ReadProtoRows decodes a stream written by ProtoSink.
func ReadProtoRows(r io.Reader) ([]model.TimelineRecord, error) {
	br := bufio.NewReader(r)
	var out []model.TimelineRecord
	for {
		msg := &structpb.Struct{}
		err := protodelim.UnmarshalFrom(br, msg)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		f := msg.GetFields()
		state, err := model.ParseState(f["state"].GetStringValue())
		if err != nil {
			return out, err
		}
		out = append(out, model.TimelineRecord{
			EntityID:   model.EntityID(f["entity_id"].GetNumberValue()),
			Class:      model.ClassID(f["class"].GetStringValue()),
			Day:        model.Day(f["day"].GetNumberValue()),
			State:      state,
			SNE:        int64(f["sne"].GetNumberValue()),
			PPR:        int64(f["ppr"].GetNumberValue()),
			RepairDays: int(f["repair_days"].GetNumberValue()),
			ParentID:   model.EntityID(f["parent_id"].GetNumberValue()),
			Snapshot:   f["snapshot"].GetBoolValue(),
		})
	}
}
