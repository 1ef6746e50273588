// Package memory implements store.Store in process memory. It backs tests
// and nodes started without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/store"
)

type stream struct {
	miniblocks []*protocol.Miniblock
	minipool   []*protocol.Envelope
	// length is the number of events ever stored, sealed or not.
	length int64
}

func (s *stream) clone() *stream {
	return &stream{
		miniblocks: append([]*protocol.Miniblock(nil), s.miniblocks...),
		minipool:   append([]*protocol.Envelope(nil), s.minipool...),
		length:     s.length,
	}
}

// MemoryStore implements store.Store with maps guarded by a mutex.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[protocol.StreamID]*stream
}

// Compile-time check that MemoryStore implements store.Store.
var _ store.Store = (*MemoryStore)(nil)

// New returns an empty store.
func New() *MemoryStore {
	return &MemoryStore{streams: make(map[protocol.StreamID]*stream)}
}

func (s *MemoryStore) CreateStream(ctx context.Context, id protocol.StreamID, genesis *protocol.Miniblock) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.CreateStream(ctx, id, genesis)
	})
}

func (s *MemoryStore) AppendEvents(ctx context.Context, id protocol.StreamID, position int64, events []*protocol.Envelope) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.AppendEvents(ctx, id, position, events)
	})
}

func (s *MemoryStore) SealMiniblock(ctx context.Context, id protocol.StreamID, mb *protocol.Miniblock) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.SealMiniblock(ctx, id, mb)
	})
}

func (s *MemoryStore) LoadStream(_ context.Context, id protocol.StreamID) (*store.StreamData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return load(s.streams, id)
}

func load(streams map[protocol.StreamID]*stream, id protocol.StreamID) (*store.StreamData, error) {
	st, ok := streams[id]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", id, store.ErrNotFound)
	}
	c := st.clone()
	return &store.StreamData{StreamID: id, Miniblocks: c.miniblocks, Minipool: c.minipool}, nil
}

func (s *MemoryStore) ListStreams(_ context.Context) ([]protocol.StreamID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]protocol.StreamID, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids, nil
}

// RunInTransaction holds the store lock for the duration of fn. Writes go
// to copies of the touched streams and are swapped in only if fn succeeds.
func (s *MemoryStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txStore{parent: s, staged: make(map[protocol.StreamID]*stream)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, st := range tx.staged {
		s.streams[id] = st
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// txStore implements store.Store over a MemoryStore whose lock is held.
type txStore struct {
	parent *MemoryStore
	staged map[protocol.StreamID]*stream
}

var _ store.Store = (*txStore)(nil)

func (tx *txStore) get(id protocol.StreamID) (*stream, bool) {
	if st, ok := tx.staged[id]; ok {
		return st, true
	}
	st, ok := tx.parent.streams[id]
	if !ok {
		return nil, false
	}
	c := st.clone()
	tx.staged[id] = c
	return c, true
}

func (tx *txStore) CreateStream(_ context.Context, id protocol.StreamID, genesis *protocol.Miniblock) error {
	if _, ok := tx.get(id); ok {
		return fmt.Errorf("create %s: %w", id, store.ErrAlreadyExists)
	}
	tx.staged[id] = &stream{
		miniblocks: []*protocol.Miniblock{genesis},
		length:     int64(len(genesis.Events)),
	}
	return nil
}

func (tx *txStore) AppendEvents(_ context.Context, id protocol.StreamID, position int64, events []*protocol.Envelope) error {
	st, ok := tx.get(id)
	if !ok {
		return fmt.Errorf("append %s: %w", id, store.ErrNotFound)
	}
	if position != st.length {
		return fmt.Errorf("append %s: position %d, stream has %d events", id, position, st.length)
	}
	st.minipool = append(st.minipool, events...)
	st.length += int64(len(events))
	return nil
}

func (tx *txStore) SealMiniblock(_ context.Context, id protocol.StreamID, mb *protocol.Miniblock) error {
	st, ok := tx.get(id)
	if !ok {
		return fmt.Errorf("seal %s: %w", id, store.ErrNotFound)
	}
	if want := int64(len(st.miniblocks)); mb.Header.Num != want {
		return fmt.Errorf("seal %s: miniblock %d, want %d", id, mb.Header.Num, want)
	}
	if len(mb.Events) > len(st.minipool) {
		return fmt.Errorf("seal %s: %d events, minipool has %d", id, len(mb.Events), len(st.minipool))
	}
	st.miniblocks = append(st.miniblocks, mb)
	st.minipool = append([]*protocol.Envelope(nil), st.minipool[len(mb.Events):]...)
	return nil
}

func (tx *txStore) LoadStream(_ context.Context, id protocol.StreamID) (*store.StreamData, error) {
	if st, ok := tx.staged[id]; ok {
		return load(map[protocol.StreamID]*stream{id: st}, id)
	}
	return load(tx.parent.streams, id)
}

func (tx *txStore) ListStreams(ctx context.Context) ([]protocol.StreamID, error) {
	seen := make(map[protocol.StreamID]bool)
	for id := range tx.parent.streams {
		seen[id] = true
	}
	for id := range tx.staged {
		seen[id] = true
	}
	ids := make([]protocol.StreamID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids, nil
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (tx *txStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(tx)
}

// Close is a no-op for a transaction store; the parent store owns the data.
func (tx *txStore) Close() error { return nil }
