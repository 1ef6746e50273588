package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

// Source is the set of streams to archive. *streamlog.Log satisfies it.
type Source interface {
	StreamIDs() []protocol.StreamID
	Snapshot(id protocol.StreamID) (*protocol.StreamSnapshot, error)
}

// Header is the first JSONL record written by ExportJSONL.
type Header struct {
	Version     string    `json:"version"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	StreamCount int       `json:"stream_count"`
}

// Record wraps a single JSONL line with a type discriminator.
type Record struct {
	Type string                   `json:"type"`
	Data *protocol.StreamSnapshot `json:"data"`
}

// ExportJSONL writes a header and one snapshot per stream to w, sorted by
// stream id, and returns the number of streams written. Each snapshot is
// consistent on its own; streams are not frozen against each other.
func ExportJSONL(ctx context.Context, src Source, w io.Writer) (int, error) {
	ids := src.StreamIDs()
	slices.SortFunc(ids, protocol.StreamID.Compare)

	snaps := make([]*protocol.StreamSnapshot, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		snap, err := src.Snapshot(id)
		if err != nil {
			// Reserved but never created.
			if rpcerr.IsCode(err, rpcerr.NotFound) {
				continue
			}
			return 0, fmt.Errorf("snapshot %s: %w", id, err)
		}
		snaps = append(snaps, snap)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(Header{
		Version:     "1",
		Type:        "header",
		Timestamp:   time.Now().UTC(),
		StreamCount: len(snaps),
	}); err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}
	for _, snap := range snaps {
		if err := enc.Encode(Record{Type: "stream", Data: snap}); err != nil {
			return 0, fmt.Errorf("encode stream %s: %w", snap.StreamID, err)
		}
	}
	return len(snaps), nil
}

// ReadJSONL decodes an export written by ExportJSONL.
func ReadJSONL(r io.Reader) (*Header, []*protocol.StreamSnapshot, error) {
	dec := json.NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Type != "header" {
		return nil, nil, fmt.Errorf("first record is %q, want header", h.Type)
	}
	var out []*protocol.StreamSnapshot
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("decode record %d: %w", len(out)+1, err)
		}
		if rec.Type != "stream" || rec.Data == nil {
			return nil, nil, fmt.Errorf("record %d: unexpected type %q", len(out)+1, rec.Type)
		}
		out = append(out, rec.Data)
	}
	if len(out) != h.StreamCount {
		return nil, nil, fmt.Errorf("header announces %d streams, found %d", h.StreamCount, len(out))
	}
	return &h, out, nil
}
