// Package streamlog holds every stream's committed history in memory, backed
// by a store.Store. Each stream has a mutex that is the single serialization
// point for writes to it; Lock takes several of them in byte order so a
// commit touching more than one stream is atomic to readers and subscribers.
package streamlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/store"
)

// Config controls miniblock production.
type Config struct {
	// MiniblockMaxEvents seals the open batch once it holds this many events.
	MiniblockMaxEvents int
	// MiniblockInterval is how often Run seals non-empty batches.
	MiniblockInterval time.Duration
}

// DefaultConfig returns the defaults used by the node.
func DefaultConfig() Config {
	return Config{MiniblockMaxEvents: 100, MiniblockInterval: 2 * time.Second}
}

// Update is a delta of one stream delivered to subscribers.
type Update struct {
	StreamID protocol.StreamID
	// Events are newly committed envelopes in commit order.
	Events []*protocol.Envelope
	// Sealed are the headers of miniblocks sealed by this commit.
	Sealed []*protocol.MiniblockHeader
	// Cookie is the position right after this update.
	Cookie protocol.SyncCookie
}

// Subscriber receives updates while the stream lock is held. Deliver must
// not block and must not call back into the Log; returning false
// unsubscribes.
type Subscriber interface {
	Deliver(u *Update) bool
}

// Observer sees every committed event under the stream lock, before
// subscribers are notified.
type Observer interface {
	Committed(id protocol.StreamID, events []*protocol.ParsedEvent)
}

type stream struct {
	mu      sync.Mutex
	id      protocol.StreamID
	created bool

	inception  protocol.Inception
	miniblocks []*protocol.Miniblock
	minipool   []*protocol.Envelope
	events     []*protocol.Envelope
	hashes     map[protocol.Hash]int64
	subs       map[*subscription]struct{}

	// refs counts Txns holding or waiting for this entry. Guarded by
	// Log.mu, not by mu.
	refs int
}

func (s *stream) head() []byte {
	if len(s.miniblocks) == 0 {
		return nil
	}
	return s.miniblocks[len(s.miniblocks)-1].Header.Hash
}

func (s *stream) cookie() protocol.SyncCookie {
	return protocol.SyncCookie{
		StreamID:    s.id,
		MinipoolGen: int64(len(s.miniblocks)),
		Position:    int64(len(s.events)),
	}
}

type subscription struct {
	sub Subscriber
}

// Log is the set of all streams known to the node.
type Log struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	streams   map[protocol.StreamID]*stream
	observers []Observer
}

// New creates an empty log over st. Call Load to restore persisted streams.
func New(st store.Store, cfg Config, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MiniblockMaxEvents <= 0 {
		cfg.MiniblockMaxEvents = DefaultConfig().MiniblockMaxEvents
	}
	return &Log{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		streams: make(map[protocol.StreamID]*stream),
	}
}

// AddObserver registers o. Observers must be added before Load.
func (l *Log) AddObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// entry returns the stream record for id, creating an empty placeholder so
// that streams being created can be locked. Every entry call must be paired
// with a release.
func (l *Log) entry(id protocol.StreamID) *stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[id]
	if !ok {
		s = &stream{
			id:     id,
			hashes: make(map[protocol.Hash]int64),
			subs:   make(map[*subscription]struct{}),
		}
		l.streams[id] = s
	}
	s.refs++
	return s
}

// release drops a reference taken by entry. A placeholder that was never
// created and that nobody else is waiting on is removed, so lookups of
// unknown ids leave nothing behind. s.mu must be held.
func (l *Log) release(s *stream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 && !s.created && len(s.subs) == 0 && l.streams[s.id] == s {
		delete(l.streams, s.id)
	}
}

// existing returns the locked stream for id, or NOT_FOUND. The caller must
// unlock it.
func (l *Log) existing(id protocol.StreamID) (*stream, error) {
	l.mu.Lock()
	s, ok := l.streams[id]
	l.mu.Unlock()
	if !ok {
		return nil, notFound(id)
	}
	s.mu.Lock()
	if !s.created {
		s.mu.Unlock()
		return nil, notFound(id)
	}
	return s, nil
}

func notFound(id protocol.StreamID) error {
	return rpcerr.New(rpcerr.NotFound, "stream not found").Tag("stream_id", id)
}

// Load restores every persisted stream and replays it to the observers.
func (l *Log) Load(ctx context.Context) error {
	ids, err := l.store.ListStreams(ctx)
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}
	for _, id := range ids {
		data, err := l.store.LoadStream(ctx, id)
		if err != nil {
			return fmt.Errorf("load stream %s: %w", id, err)
		}
		if err := l.restore(data); err != nil {
			return fmt.Errorf("restore stream %s: %w", id, err)
		}
	}
	l.logger.Info("stream log loaded", "streams", len(ids))
	return nil
}

func (l *Log) restore(data *store.StreamData) error {
	s := l.entry(data.StreamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer l.release(s)

	var parsed []*protocol.ParsedEvent
	add := func(env *protocol.Envelope) error {
		p, err := protocol.ParseEnvelope(env)
		if err != nil {
			return err
		}
		s.hashes[p.Hash] = int64(len(s.events))
		s.events = append(s.events, env)
		parsed = append(parsed, p)
		return nil
	}
	for _, mb := range data.Miniblocks {
		for _, env := range mb.Events {
			if err := add(env); err != nil {
				return err
			}
		}
	}
	for _, env := range data.Minipool {
		if err := add(env); err != nil {
			return err
		}
	}
	if len(parsed) == 0 {
		return fmt.Errorf("stream has no events")
	}
	inc, ok := protocol.AsInception(parsed[0].Event.Payload)
	if !ok {
		return fmt.Errorf("first event is %s, not an inception", parsed[0].Case())
	}
	s.inception = inc
	s.miniblocks = data.Miniblocks
	s.minipool = data.Minipool
	s.created = true

	for _, o := range l.observers {
		o.Committed(s.id, parsed)
	}
	return nil
}

// Exists reports whether id has been created.
func (l *Log) Exists(id protocol.StreamID) bool {
	s, err := l.existing(id)
	if err != nil {
		return false
	}
	s.mu.Unlock()
	return true
}

// HasEvent reports whether an event with hash h is committed to id.
func (l *Log) HasEvent(id protocol.StreamID, h protocol.Hash) bool {
	s, err := l.existing(id)
	if err != nil {
		return false
	}
	defer s.mu.Unlock()
	_, ok := s.hashes[h]
	return ok
}

// LastMiniblockHash returns the hash new appends to id must reference.
func (l *Log) LastMiniblockHash(id protocol.StreamID) ([]byte, int64, error) {
	s, err := l.existing(id)
	if err != nil {
		return nil, 0, err
	}
	defer s.mu.Unlock()
	return s.head(), int64(len(s.miniblocks) - 1), nil
}

// Inception returns the inception payload of id.
func (l *Log) Inception(id protocol.StreamID) (protocol.Inception, error) {
	s, err := l.existing(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.inception, nil
}

// Read returns id's full committed history in order.
func (l *Log) Read(id protocol.StreamID) ([]*protocol.Envelope, error) {
	s, err := l.existing(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return append([]*protocol.Envelope(nil), s.events...), nil
}

// Snapshot returns id's sealed miniblocks, open batch and next cookie.
func (l *Log) Snapshot(id protocol.StreamID) (*protocol.StreamSnapshot, error) {
	s, err := l.existing(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return snapshotLocked(s), nil
}

func snapshotLocked(s *stream) *protocol.StreamSnapshot {
	return &protocol.StreamSnapshot{
		StreamID:       s.id,
		Miniblocks:     append([]*protocol.Miniblock(nil), s.miniblocks...),
		Minipool:       append([]*protocol.Envelope(nil), s.minipool...),
		NextSyncCookie: s.cookie(),
	}
}

// StreamIDs returns the ids of all created streams in byte order.
func (l *Log) StreamIDs() []protocol.StreamID {
	l.mu.Lock()
	candidates := make([]*stream, 0, len(l.streams))
	for _, s := range l.streams {
		candidates = append(candidates, s)
	}
	l.mu.Unlock()

	var ids []protocol.StreamID
	for _, s := range candidates {
		s.mu.Lock()
		if s.created {
			ids = append(ids, s.id)
		}
		s.mu.Unlock()
	}
	sortIDs(ids)
	return ids
}

// Subscribe registers sub on id. Events from position onward that are
// already committed are delivered first, then live updates, all under the
// stream lock so nothing is skipped or repeated. The returned func removes
// the subscription; it must not be called from within Deliver.
func (l *Log) Subscribe(id protocol.StreamID, sub Subscriber, position int64) (func(), error) {
	s, err := l.existing(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return subscribeLocked(s, sub, position)
}

func subscribeLocked(s *stream, sub Subscriber, position int64) (func(), error) {
	backlog, err := sinceLocked(s, position)
	if err != nil {
		return nil, err
	}
	if backlog != nil && !sub.Deliver(backlog) {
		return nil, rpcerr.New(rpcerr.Canceled, "subscriber rejected backlog").Tag("stream_id", s.id)
	}
	entry := &subscription{sub: sub}
	s.subs[entry] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.subs, entry)
		s.mu.Unlock()
	}, nil
}

// sinceLocked returns the committed events from position on, or nil when
// position is the end of the stream.
func sinceLocked(s *stream, position int64) (*Update, error) {
	if position < 0 || position > int64(len(s.events)) {
		return nil, rpcerr.Newf(rpcerr.InvalidArgument, "cookie position %d out of range", position).
			Tag("stream_id", s.id).Tag("length", len(s.events))
	}
	if position == int64(len(s.events)) {
		return nil, nil
	}
	return &Update{
		StreamID: s.id,
		Events:   append([]*protocol.Envelope(nil), s.events[position:]...),
		Cookie:   s.cookie(),
	}, nil
}

// notifyLocked fans u out to s's subscribers. s.mu must be held.
func notifyLocked(s *stream, u *Update) {
	for entry := range s.subs {
		if !entry.sub.Deliver(u) {
			delete(s.subs, entry)
		}
	}
}

// Seal closes id's open batch into a miniblock if it is non-empty.
func (l *Log) Seal(ctx context.Context, id protocol.StreamID) (bool, error) {
	tx := l.Lock(id)
	defer tx.Unlock()
	if !tx.Exists(id) || len(tx.streams[id].minipool) == 0 {
		return false, nil
	}
	tx.Seal(id)
	if _, err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SealAll seals every non-empty open batch and reports how many were sealed.
func (l *Log) SealAll(ctx context.Context) (int, error) {
	sealed := 0
	for _, id := range l.StreamIDs() {
		ok, err := l.Seal(ctx, id)
		if err != nil {
			return sealed, fmt.Errorf("seal %s: %w", id, err)
		}
		if ok {
			sealed++
		}
	}
	return sealed, nil
}

// Run is the miniblock producer: it seals open batches every
// MiniblockInterval until ctx is done.
func (l *Log) Run(ctx context.Context) error {
	if l.cfg.MiniblockInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(l.cfg.MiniblockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := l.SealAll(ctx)
			if err != nil {
				l.logger.Error("miniblock producer", "err", err)
				continue
			}
			if n > 0 {
				l.logger.Debug("sealed miniblocks", "count", n)
			}
		}
	}
}
