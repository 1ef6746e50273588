package postgres

import (
	"database/sql"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// eventRow is one row of the events table.
type eventRow struct {
	position  int64
	env       *protocol.Envelope
	miniblock sql.NullInt64
}

func scanHeader(row scannable) (*protocol.MiniblockHeader, error) {
	var h protocol.MiniblockHeader
	var prev []byte
	if err := row.Scan(&h.Num, &h.Hash, &prev, &h.TimestampMs); err != nil {
		return nil, err
	}
	if len(prev) > 0 {
		h.PrevMiniblockHash = prev
	}
	return &h, nil
}

// scanHeaders scans and closes rows.
func scanHeaders(rows *sql.Rows) ([]*protocol.MiniblockHeader, error) {
	defer rows.Close()
	var out []*protocol.MiniblockHeader
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanEventRow(row scannable) (eventRow, error) {
	ev := eventRow{env: &protocol.Envelope{}}
	err := row.Scan(&ev.position, &ev.env.Hash, &ev.env.Event, &ev.env.Signature, &ev.miniblock)
	return ev, err
}

// scanEventRows scans and closes rows.
func scanEventRows(rows *sql.Rows) ([]eventRow, error) {
	defer rows.Close()
	var out []eventRow
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// nullBytes maps an empty slice to SQL NULL.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
