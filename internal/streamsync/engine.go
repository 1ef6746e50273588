// Package streamsync delivers ordered stream updates to sync sessions. A
// session holds a cookie per stream and a bounded queue; updates are
// queued under the stream lock, so per-stream order is the commit order.
package streamsync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alfredjeanlab/rivernode/internal/idgen"
	"github.com/alfredjeanlab/rivernode/internal/metrics"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/streamlog"
)

// DefaultQueueSize is the per-session queue capacity when none is set.
const DefaultQueueSize = 256

// Config controls the engine.
type Config struct {
	QueueSize int
}

// Engine owns all sync sessions of the node.
type Engine struct {
	log    *streamlog.Log
	mux    *Multiplexer
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine creates an engine over log.
func NewEngine(log *streamlog.Log, cfg Config, logger *slog.Logger) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		log:      log,
		mux:      NewMultiplexer(log),
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Multiplexer returns the engine's shared-session multiplexer.
func (e *Engine) Multiplexer() *Multiplexer { return e.mux }

// StartSync opens a session positioned at cookies. The first record is
// SYNC_NEW; streams that cannot be subscribed are reported with SYNC_DOWN
// instead of failing the whole session.
func (e *Engine) StartSync(ctx context.Context, cookies []protocol.SyncCookie, opts Options) (*Session, error) {
	id, err := idgen.SyncID()
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Internal, err, "generating sync id")
	}
	var src attacher = direct{log: e.log}
	if opts.Shared {
		src = e.mux
	}
	s := newSession(e, id, src, opts, e.cfg.QueueSize)

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()
	metrics.SessionOpened(opts.Shared)

	s.enqueue(&Record{Op: SyncNew})
	for _, c := range cookies {
		if err := s.add(c); err != nil {
			if s.closed() {
				break
			}
			s.enqueue(&Record{Op: SyncDown, StreamID: c.StreamID, Message: err.Error()})
		}
	}
	e.logger.Debug("sync started", "sync_id", id, "streams", len(cookies), "shared", opts.Shared)
	return s, nil
}

// AddStreamToSync adds a stream to a session. Updates committed after it
// returns are delivered.
func (e *Engine) AddStreamToSync(_ context.Context, syncID string, cookie protocol.SyncCookie) error {
	s, err := e.session(syncID)
	if err != nil {
		return err
	}
	return s.add(cookie)
}

// RemoveStreamFromSync stops delivering a stream to a session.
func (e *Engine) RemoveStreamFromSync(_ context.Context, syncID string, streamID protocol.StreamID) error {
	s, err := e.session(syncID)
	if err != nil {
		return err
	}
	return s.remove(streamID)
}

// CancelSync ends a session. No update is delivered after it returns.
func (e *Engine) CancelSync(_ context.Context, syncID string) error {
	s, err := e.session(syncID)
	if err != nil {
		return err
	}
	s.close(nil, "cancel")
	s.detachAll()
	return nil
}

// PingSync queues a SYNC_PONG carrying nonce.
func (e *Engine) PingSync(_ context.Context, syncID, nonce string) error {
	s, err := e.session(syncID)
	if err != nil {
		return err
	}
	if !s.enqueue(&Record{Op: SyncPong, Nonce: nonce}) {
		return rpcerr.New(rpcerr.NotFound, "sync session closed").Tag("sync_id", syncID)
	}
	return nil
}

// Sessions returns the number of open sessions.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Close ends every session, e.g. on shutdown.
func (e *Engine) Close() {
	e.mu.Lock()
	open := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		open = append(open, s)
	}
	e.mu.Unlock()
	for _, s := range open {
		s.close(nil, "shutdown")
		s.detachAll()
	}
}

func (e *Engine) session(id string) (*Session, error) {
	if !idgen.ValidSyncID(id) {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "malformed sync id").Tag("sync_id", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, rpcerr.New(rpcerr.NotFound, "sync session not found").Tag("sync_id", id)
	}
	return s, nil
}

func (e *Engine) forget(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.id] == s {
		delete(e.sessions, s.id)
	}
}
