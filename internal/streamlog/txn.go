package streamlog

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/alfredjeanlab/rivernode/internal/metrics"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/signing"
	"github.com/alfredjeanlab/rivernode/internal/store"
)

// Txn is a set of locked streams and the changes staged against them.
// Validation happens as changes are staged; Commit persists everything in
// one store transaction and then publishes it.
type Txn struct {
	log     *Log
	streams map[protocol.StreamID]*stream
	order   []*stream
	staged  map[protocol.StreamID]*staged
	touched []protocol.StreamID
	done    bool
}

type staged struct {
	genesis []*protocol.ParsedEvent
	appends []*protocol.ParsedEvent
	hashes  map[protocol.Hash]bool
	seal    bool
}

// Committed is what a commit changed in one stream.
type Committed struct {
	StreamID protocol.StreamID
	Created  bool
	Events   []*protocol.ParsedEvent
	Sealed   *protocol.MiniblockHeader
	Cookie   protocol.SyncCookie
}

// Lock acquires the locks of ids in byte order. Duplicates are ignored.
func (l *Log) Lock(ids ...protocol.StreamID) *Txn {
	uniq := make(map[protocol.StreamID]bool, len(ids))
	sorted := make([]protocol.StreamID, 0, len(ids))
	for _, id := range ids {
		if !uniq[id] {
			uniq[id] = true
			sorted = append(sorted, id)
		}
	}
	sortIDs(sorted)

	tx := &Txn{
		log:     l,
		streams: make(map[protocol.StreamID]*stream, len(sorted)),
		staged:  make(map[protocol.StreamID]*staged),
	}
	for _, id := range sorted {
		s := l.entry(id)
		s.mu.Lock()
		tx.streams[id] = s
		tx.order = append(tx.order, s)
	}
	return tx
}

// Unlock releases all locks. Uncommitted changes are discarded.
func (t *Txn) Unlock() {
	for i := len(t.order) - 1; i >= 0; i-- {
		s := t.order[i]
		t.log.release(s)
		s.mu.Unlock()
	}
	t.order = nil
}

// Locked reports whether id is held by t.
func (t *Txn) Locked(id protocol.StreamID) bool {
	_, ok := t.streams[id]
	return ok
}

func (t *Txn) stream(id protocol.StreamID) *stream {
	s, ok := t.streams[id]
	if !ok {
		panic(fmt.Sprintf("streamlog: stream %s is not locked", id))
	}
	return s
}

func (t *Txn) stage(id protocol.StreamID) *staged {
	st, ok := t.staged[id]
	if !ok {
		st = &staged{hashes: make(map[protocol.Hash]bool)}
		t.staged[id] = st
		t.touched = append(t.touched, id)
	}
	return st
}

// Exists reports whether id exists or is being created in t.
func (t *Txn) Exists(id protocol.StreamID) bool {
	if t.stream(id).created {
		return true
	}
	st, ok := t.staged[id]
	return ok && len(st.genesis) > 0
}

// Inception returns id's inception payload, including a staged creation.
func (t *Txn) Inception(id protocol.StreamID) (protocol.Inception, bool) {
	s := t.stream(id)
	if s.created {
		return s.inception, true
	}
	if st, ok := t.staged[id]; ok && len(st.genesis) > 0 {
		inc, _ := protocol.AsInception(st.genesis[0].Event.Payload)
		return inc, true
	}
	return nil, false
}

// Head returns the hash of id's last sealed miniblock.
func (t *Txn) Head(id protocol.StreamID) []byte {
	s := t.stream(id)
	if s.created {
		return s.head()
	}
	return nil
}

// HasEvent reports whether an event with hash h is committed or staged in id.
func (t *Txn) HasEvent(id protocol.StreamID, h protocol.Hash) bool {
	if _, ok := t.stream(id).hashes[h]; ok {
		return true
	}
	st, ok := t.staged[id]
	return ok && st.hashes[h]
}

// GenesisHashes returns the hashes of id's creation batch.
func (t *Txn) GenesisHashes(id protocol.StreamID) [][]byte {
	s := t.stream(id)
	if !s.created || len(s.miniblocks) == 0 {
		return nil
	}
	return s.miniblocks[0].Header.EventHashes
}

// Snapshot returns the committed state of a locked stream.
func (t *Txn) Snapshot(id protocol.StreamID) *protocol.StreamSnapshot {
	return snapshotLocked(t.stream(id))
}

// Cookie returns the sync cookie at the end of id's committed history.
func (t *Txn) Cookie(id protocol.StreamID) protocol.SyncCookie {
	return t.stream(id).cookie()
}

// Since returns id's committed events from position on, or nil when
// position is the end of the stream.
func (t *Txn) Since(id protocol.StreamID, position int64) (*Update, error) {
	if !t.stream(id).created {
		return nil, notFound(id)
	}
	return sinceLocked(t.stream(id), position)
}

// Subscribe is Log.Subscribe for a stream already locked by t. The
// returned func takes the stream lock and must be called after Unlock.
func (t *Txn) Subscribe(id protocol.StreamID, sub Subscriber, position int64) (func(), error) {
	s := t.stream(id)
	if !s.created {
		return nil, notFound(id)
	}
	return subscribeLocked(s, sub, position)
}

// Unsubscribe removes every registration of sub on a locked stream.
func (t *Txn) Unsubscribe(id protocol.StreamID, sub Subscriber) {
	s := t.stream(id)
	for entry := range s.subs {
		if entry.sub == sub {
			delete(s.subs, entry)
		}
	}
}

// Create stages a new stream. The first event must be the inception of id
// and every event must be a genesis event of the inception's family.
func (t *Txn) Create(id protocol.StreamID, events []*protocol.ParsedEvent) error {
	if t.Exists(id) {
		return rpcerr.New(rpcerr.AlreadyExists, "stream already exists").Tag("stream_id", id)
	}
	if len(events) == 0 {
		return rpcerr.New(rpcerr.BadStreamCreationParams, "no events").Tag("stream_id", id)
	}
	inc, ok := protocol.AsInception(events[0].Event.Payload)
	if !ok {
		return rpcerr.Newf(rpcerr.BadStreamCreationParams, "first event is %s, not an inception", events[0].Case()).
			Tag("stream_id", id)
	}
	if inc.InceptionStreamID() != id {
		return rpcerr.New(rpcerr.BadStreamCreationParams, "inception is for a different stream").
			Tag("stream_id", id).Tag("inception_stream_id", inc.InceptionStreamID())
	}
	if id.Kind() != inc.StreamKind() {
		return rpcerr.Newf(rpcerr.BadStreamCreationParams, "%s inception for a %s stream id", inc.Case(), id.Kind()).
			Tag("stream_id", id)
	}
	seen := make(map[protocol.Hash]bool, len(events))
	for i, ev := range events {
		if len(ev.Event.PrevMiniblockHash) != 0 {
			return rpcerr.New(rpcerr.BadStreamCreationParams, "genesis event references a previous miniblock").
				Tag("stream_id", id).Tag("index", i)
		}
		if i > 0 {
			if _, again := protocol.AsInception(ev.Event.Payload); again {
				return rpcerr.New(rpcerr.BadStreamCreationParams, "more than one inception").Tag("stream_id", id)
			}
		}
		if !protocol.MatchesInception(ev.Case(), inc.Case()) {
			return signing.InceptionMismatch(ev.Case(), inc.Case())
		}
		if seen[ev.Hash] {
			return rpcerr.New(rpcerr.BadStreamCreationParams, "duplicate event in creation batch").Tag("stream_id", id)
		}
		seen[ev.Hash] = true
	}

	st := t.stage(id)
	st.genesis = events
	for h := range seen {
		st.hashes[h] = true
	}
	return nil
}

// Append stages ev on id. It reports true without staging anything when an
// identical event is already committed or staged. Otherwise ev must
// reference id's last sealed miniblock, must not be an inception and must
// match the stream's inception family.
func (t *Txn) Append(id protocol.StreamID, ev *protocol.ParsedEvent) (bool, error) {
	if !t.Exists(id) {
		return false, notFound(id)
	}
	if t.HasEvent(id, ev.Hash) {
		return true, nil
	}
	if err := t.CheckChain(id, ev); err != nil {
		return false, err
	}
	if _, ok := protocol.AsInception(ev.Event.Payload); ok {
		return false, rpcerr.Newf(rpcerr.BadStreamCreationParams, "%s can only be the first event of a stream", ev.Case()).
			Tag("stream_id", id)
	}
	inc, _ := t.Inception(id)
	if !protocol.MatchesInception(ev.Case(), inc.Case()) {
		return false, signing.InceptionMismatch(ev.Case(), inc.Case())
	}
	st := t.stage(id)
	st.appends = append(st.appends, ev)
	st.hashes[ev.Hash] = true
	return false, nil
}

// CheckChain validates ev's previous miniblock reference against id's head.
func (t *Txn) CheckChain(id protocol.StreamID, ev *protocol.ParsedEvent) error {
	prev := ev.Event.PrevMiniblockHash
	if len(prev) == 0 {
		return rpcerr.New(rpcerr.InvalidArgument, "event has no previous miniblock hash").Tag("stream_id", id)
	}
	if head := t.Head(id); !bytes.Equal(prev, head) {
		return rpcerr.New(rpcerr.BadPrevMiniblockHash, "prev miniblock hash does not match stream head").
			Tag("stream_id", id).Tag("head", fmt.Sprintf("%x", head))
	}
	return nil
}

// Seal stages sealing id's open batch, including anything appended in t.
func (t *Txn) Seal(id protocol.StreamID) {
	t.stage(id).seal = true
}

// Commit persists all staged changes in one store transaction, applies them
// in memory and notifies observers and subscribers. The locks stay held.
func (t *Txn) Commit(ctx context.Context) ([]*Committed, error) {
	if t.done {
		return nil, fmt.Errorf("streamlog: transaction already committed")
	}
	t.done = true
	if len(t.touched) == 0 {
		return nil, nil
	}
	now := t.log.now()
	maxEvents := t.log.cfg.MiniblockMaxEvents

	type plan struct {
		id      protocol.StreamID
		genesis *protocol.Miniblock
		appends []*protocol.Envelope
		pos     int64
		sealed  *protocol.Miniblock
	}
	plans := make([]*plan, 0, len(t.touched))
	for _, id := range t.touched {
		s, st := t.stream(id), t.staged[id]
		p := &plan{id: id, pos: int64(len(s.events))}
		if len(st.genesis) > 0 {
			p.genesis = protocol.NewMiniblock(0, nil, envelopes(st.genesis), now)
			p.pos = int64(len(st.genesis))
		}
		p.appends = envelopes(st.appends)
		pending := len(s.minipool) + len(p.appends)
		if pending > 0 && (st.seal || pending >= maxEvents) {
			events := append(append([]*protocol.Envelope(nil), s.minipool...), p.appends...)
			num, prev := int64(len(s.miniblocks)), s.head()
			if p.genesis != nil {
				num, prev = 1, p.genesis.Header.Hash
			}
			p.sealed = protocol.NewMiniblock(num, prev, events, now)
		}
		plans = append(plans, p)
	}

	err := t.log.store.RunInTransaction(ctx, func(tx store.Store) error {
		for _, p := range plans {
			if p.genesis != nil {
				if err := tx.CreateStream(ctx, p.id, p.genesis); err != nil {
					return err
				}
			}
			if len(p.appends) > 0 {
				if err := tx.AppendEvents(ctx, p.id, p.pos, p.appends); err != nil {
					return err
				}
			}
			if p.sealed != nil {
				if err := tx.SealMiniblock(ctx, p.id, p.sealed); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Internal, err, "commit failed")
	}

	results := make([]*Committed, 0, len(plans))
	for _, p := range plans {
		s, st := t.stream(p.id), t.staged[p.id]
		c := &Committed{StreamID: p.id}
		update := &Update{StreamID: p.id}

		if p.genesis != nil {
			inc, _ := protocol.AsInception(st.genesis[0].Event.Payload)
			s.inception = inc
			s.miniblocks = []*protocol.Miniblock{p.genesis}
			s.created = true
			c.Created = true
			c.Events = append(c.Events, st.genesis...)
			update.Sealed = append(update.Sealed, p.genesis.Header)
			for _, ev := range st.genesis {
				s.hashes[ev.Hash] = int64(len(s.events))
				s.events = append(s.events, ev.Envelope)
			}
		}
		for _, ev := range st.appends {
			s.hashes[ev.Hash] = int64(len(s.events))
			s.events = append(s.events, ev.Envelope)
			s.minipool = append(s.minipool, ev.Envelope)
		}
		c.Events = append(c.Events, st.appends...)
		if p.sealed != nil {
			s.miniblocks = append(s.miniblocks, p.sealed)
			s.minipool = nil
			c.Sealed = p.sealed.Header
			metrics.MiniblocksSealedTotal.Inc()
			update.Sealed = append(update.Sealed, p.sealed.Header)
		}
		update.Events = envelopes(c.Events)
		update.Cookie = s.cookie()
		c.Cookie = update.Cookie

		if len(c.Events) > 0 {
			for _, o := range t.log.observers {
				o.Committed(p.id, c.Events)
			}
		}
		notifyLocked(s, update)
		results = append(results, c)
	}
	return results, nil
}

func envelopes(events []*protocol.ParsedEvent) []*protocol.Envelope {
	out := make([]*protocol.Envelope, len(events))
	for i, ev := range events {
		out[i] = ev.Envelope
	}
	return out
}

func sortIDs(ids []protocol.StreamID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}
