package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/store"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// pgForeignKeyViolation is the SQLSTATE raised when an event references a
// stream row that does not exist.
const pgForeignKeyViolation = "23503"

func queryCreateStream(ctx context.Context, db executor, id protocol.StreamID, genesis *protocol.Miniblock) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO streams (stream_id) VALUES ($1) ON CONFLICT (stream_id) DO NOTHING`,
		id.Bytes())
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("create %s: %w", id, store.ErrAlreadyExists)
	}
	if err := insertMiniblock(ctx, db, id, genesis.Header); err != nil {
		return err
	}
	for i, env := range genesis.Events {
		if err := insertEvent(ctx, db, id, int64(i), env, sql.NullInt64{Int64: 0, Valid: true}); err != nil {
			return err
		}
	}
	return nil
}

func insertMiniblock(ctx context.Context, db executor, id protocol.StreamID, h *protocol.MiniblockHeader) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO miniblocks (stream_id, num, hash, prev_hash, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5)`,
		id.Bytes(), h.Num, h.Hash, nullBytes(h.PrevMiniblockHash), h.TimestampMs)
	if err != nil {
		return fmt.Errorf("insert miniblock %d: %w", h.Num, err)
	}
	return nil
}

func insertEvent(ctx context.Context, db executor, id protocol.StreamID, position int64, env *protocol.Envelope, mb sql.NullInt64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO events (stream_id, position, hash, event, signature, miniblock_num)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id.Bytes(), position, env.Hash, env.Event, env.Signature, mb)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgForeignKeyViolation {
			return fmt.Errorf("append %s: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("insert event %d: %w", position, err)
	}
	return nil
}

func queryAppendEvents(ctx context.Context, db executor, id protocol.StreamID, position int64, events []*protocol.Envelope) error {
	for i, env := range events {
		if err := insertEvent(ctx, db, id, position+int64(i), env, sql.NullInt64{}); err != nil {
			return err
		}
	}
	return nil
}

func querySealMiniblock(ctx context.Context, db executor, id protocol.StreamID, mb *protocol.Miniblock) error {
	if err := insertMiniblock(ctx, db, id, mb.Header); err != nil {
		return err
	}
	hashes := make([][]byte, len(mb.Events))
	for i, env := range mb.Events {
		hashes[i] = env.Hash
	}
	res, err := db.ExecContext(ctx, `
		UPDATE events SET miniblock_num = $2
		WHERE stream_id = $1 AND miniblock_num IS NULL AND hash = ANY($3)`,
		id.Bytes(), mb.Header.Num, pq.Array(hashes))
	if err != nil {
		return fmt.Errorf("seal events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != int64(len(hashes)) {
		return fmt.Errorf("seal %s miniblock %d: moved %d of %d events", id, mb.Header.Num, n, len(hashes))
	}
	return nil
}

func queryLoadStream(ctx context.Context, db executor, id protocol.StreamID) (*store.StreamData, error) {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM streams WHERE stream_id = $1`, id.Bytes()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT num, hash, prev_hash, timestamp_ms FROM miniblocks
		WHERE stream_id = $1 ORDER BY num`, id.Bytes())
	if err != nil {
		return nil, err
	}
	headers, err := scanHeaders(rows)
	if err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `
		SELECT position, hash, event, signature, miniblock_num FROM events
		WHERE stream_id = $1 ORDER BY position`, id.Bytes())
	if err != nil {
		return nil, err
	}
	events, err := scanEventRows(rows)
	if err != nil {
		return nil, err
	}

	return assemble(id, headers, events)
}

// assemble groups position-ordered events into their miniblocks.
func assemble(id protocol.StreamID, headers []*protocol.MiniblockHeader, events []eventRow) (*store.StreamData, error) {
	data := &store.StreamData{StreamID: id}
	byNum := make(map[int64]*protocol.Miniblock, len(headers))
	for _, h := range headers {
		mb := &protocol.Miniblock{Header: h}
		byNum[h.Num] = mb
		data.Miniblocks = append(data.Miniblocks, mb)
	}
	for _, ev := range events {
		if !ev.miniblock.Valid {
			data.Minipool = append(data.Minipool, ev.env)
			continue
		}
		mb, ok := byNum[ev.miniblock.Int64]
		if !ok {
			return nil, fmt.Errorf("load %s: event %d references missing miniblock %d", id, ev.position, ev.miniblock.Int64)
		}
		mb.Events = append(mb.Events, ev.env)
		mb.Header.EventHashes = append(mb.Header.EventHashes, ev.env.Hash)
	}
	return data, nil
}

func queryListStreams(ctx context.Context, db executor) ([]protocol.StreamID, error) {
	rows, err := db.QueryContext(ctx, `SELECT stream_id FROM streams ORDER BY stream_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []protocol.StreamID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := protocol.StreamIDFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("stored stream id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
