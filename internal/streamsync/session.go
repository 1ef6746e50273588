package streamsync

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/metrics"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/streamlog"
)

// SyncOp is the kind of a sync record.
type SyncOp int

const (
	SyncUnspecified SyncOp = iota
	SyncNew
	SyncClose
	SyncUpdate
	SyncPong
	SyncDown
)

func (op SyncOp) String() string {
	switch op {
	case SyncNew:
		return "SYNC_NEW"
	case SyncClose:
		return "SYNC_CLOSE"
	case SyncUpdate:
		return "SYNC_UPDATE"
	case SyncPong:
		return "SYNC_PONG"
	case SyncDown:
		return "SYNC_DOWN"
	default:
		return "SYNC_UNSPECIFIED"
	}
}

// Record is one item of a session's update stream.
type Record struct {
	SyncID   string
	Op       SyncOp
	StreamID protocol.StreamID
	// Update is set for SYNC_UPDATE.
	Update *streamlog.Update
	// Nonce echoes the PingSync nonce in SYNC_PONG.
	Nonce string
	// Message explains a SYNC_DOWN.
	Message string
}

// NoTimeout keeps a session open until it is cancelled.
const NoTimeout time.Duration = -1

// Options configure a session.
type Options struct {
	// Shared routes the session's subscriptions through the multiplexer.
	Shared bool
	// Timeout closes the session after this long. Zero closes it as soon as
	// the initial records have been read; NoTimeout never closes it.
	Timeout time.Duration
}

// attacher subscribes a session's stream entry to a stream.
type attacher interface {
	attach(id protocol.StreamID, sub streamlog.Subscriber, position int64) (func(), error)
}

// Session is one subscriber's set of stream positions and its bounded
// delivery queue. Next must be called from a single goroutine.
type Session struct {
	id     string
	engine *Engine
	src    attacher
	shared bool

	queue   chan *Record
	done    chan struct{}
	expired <-chan time.Time
	timer   *time.Timer

	mu      sync.Mutex
	streams map[protocol.StreamID]*streamSub

	closeOnce sync.Once
	err       error
	closeSent bool
}

func newSession(e *Engine, id string, src attacher, opts Options, queueSize int) *Session {
	s := &Session{
		id:      id,
		engine:  e,
		src:     src,
		shared:  opts.Shared,
		queue:   make(chan *Record, queueSize),
		done:    make(chan struct{}),
		streams: make(map[protocol.StreamID]*streamSub),
	}
	switch {
	case opts.Timeout == 0:
		expired := make(chan time.Time)
		close(expired)
		s.expired = expired
	case opts.Timeout > 0:
		s.timer = time.NewTimer(opts.Timeout)
		s.expired = s.timer.C
	}
	return s
}

// ID returns the sync id.
func (s *Session) ID() string { return s.id }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the reason a session failed, nil if it was closed normally.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Next blocks until the next record. After the session closes normally it
// returns one SYNC_CLOSE record and then io.EOF; a failed session returns
// its error. Queued records are discarded once the session is closed.
func (s *Session) Next(ctx context.Context) (*Record, error) {
	select {
	case <-s.done:
		return s.finish()
	default:
	}
	select {
	case r := <-s.queue:
		return r, nil
	default:
	}
	select {
	case <-s.done:
		return s.finish()
	case r := <-s.queue:
		return r, nil
	case <-s.expired:
		s.close(nil, "timeout")
		s.detachAll()
		return s.finish()
	case <-ctx.Done():
		s.close(rpcerr.Wrap(rpcerr.Canceled, ctx.Err(), "sync transport closed"), "transport")
		s.detachAll()
		return nil, ctx.Err()
	}
}

func (s *Session) finish() (*Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	if !s.closeSent {
		s.closeSent = true
		return &Record{SyncID: s.id, Op: SyncClose}, nil
	}
	return nil, io.EOF
}

// enqueue adds r without blocking. A full queue fails the session: the
// subscriber falls behind and must resync rather than see a gap.
func (s *Session) enqueue(r *Record) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	r.SyncID = s.id
	select {
	case s.queue <- r:
		return true
	default:
		s.close(rpcerr.New(rpcerr.ResourceExhausted, "sync queue full").Tag("sync_id", s.id), "overflow")
		// Deliver runs under a stream lock; detaching takes it again.
		go s.detachAll()
		return false
	}
}

// close ends the session once. It does not touch the stream log, so it is
// safe to call from Deliver.
func (s *Session) close(err error, reason string) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		if s.timer != nil {
			s.timer.Stop()
		}
		s.engine.forget(s)
		metrics.SessionClosed(s.shared, reason)
		if err != nil {
			s.engine.logger.Warn("sync session failed", "sync_id", s.id, "reason", reason, "err", err)
		} else {
			s.engine.logger.Debug("sync session closed", "sync_id", s.id, "reason", reason)
		}
	})
}

func (s *Session) detachAll() {
	s.mu.Lock()
	subs := make([]*streamSub, 0, len(s.streams))
	for _, ss := range s.streams {
		subs = append(subs, ss)
	}
	clear(s.streams)
	s.mu.Unlock()
	for _, ss := range subs {
		ss.stop()
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// add subscribes to cookie's stream from cookie's position. Adding a
// stream again at the position the session has reached is a no-op.
func (s *Session) add(cookie protocol.SyncCookie) error {
	id := cookie.StreamID
	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return rpcerr.New(rpcerr.NotFound, "sync session closed").Tag("sync_id", s.id)
	}
	if ss, ok := s.streams[id]; ok {
		s.mu.Unlock()
		if next := ss.next.Load(); next != cookie.Position {
			return rpcerr.Newf(rpcerr.FailedPrecondition, "stream already in sync at position %d", next).
				Tag("sync_id", s.id).Tag("stream_id", id).Tag("cookie_position", cookie.Position)
		}
		return nil
	}
	ss := &streamSub{session: s, id: id}
	ss.next.Store(cookie.Position)
	s.streams[id] = ss
	s.mu.Unlock()

	detach, err := s.src.attach(id, ss, cookie.Position)

	s.mu.Lock()
	if err != nil {
		if s.streams[id] == ss {
			delete(s.streams, id)
		}
		s.mu.Unlock()
		return err
	}
	ss.setDetach(detach)
	removed := s.streams[id] != ss
	s.mu.Unlock()
	if removed {
		ss.stop()
	}
	return nil
}

func (s *Session) remove(id protocol.StreamID) error {
	s.mu.Lock()
	ss, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if !ok {
		return rpcerr.New(rpcerr.NotFound, "stream not in sync").Tag("sync_id", s.id).Tag("stream_id", id)
	}
	ss.stop()
	return nil
}

// streamSub is one stream of a session. It is the streamlog.Subscriber
// registered for that stream.
type streamSub struct {
	session *Session
	id      protocol.StreamID
	next    atomic.Int64
	stopped atomic.Bool

	mu     sync.Mutex
	detach func()
}

func (ss *streamSub) Deliver(u *streamlog.Update) bool {
	if ss.stopped.Load() {
		return false
	}
	if !ss.session.enqueue(&Record{Op: SyncUpdate, StreamID: ss.id, Update: u}) {
		return false
	}
	ss.next.Store(u.Cookie.Position)
	metrics.SyncUpdatesTotal.Inc()
	return true
}

func (ss *streamSub) setDetach(fn func()) {
	ss.mu.Lock()
	ss.detach = fn
	ss.mu.Unlock()
}

// stop prevents further deliveries and detaches from the stream.
func (ss *streamSub) stop() {
	ss.stopped.Store(true)
	ss.mu.Lock()
	fn := ss.detach
	ss.detach = nil
	ss.mu.Unlock()
	if fn != nil {
		fn()
	}
}
