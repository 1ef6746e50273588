package streamsync

import (
	"sync"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/streamlog"
)

// direct subscribes every session to the stream log on its own.
type direct struct {
	log *streamlog.Log
}

func (d direct) attach(id protocol.StreamID, sub streamlog.Subscriber, position int64) (func(), error) {
	return d.log.Subscribe(id, sub, position)
}

// Multiplexer shares one stream log subscription per stream between all
// shared sessions. Each session still has its own queue and cookie, so
// one session falling behind or being cancelled never affects another.
type Multiplexer struct {
	log *streamlog.Log

	mu   sync.Mutex
	hubs map[protocol.StreamID]*hub
}

// NewMultiplexer creates a multiplexer over log.
func NewMultiplexer(log *streamlog.Log) *Multiplexer {
	return &Multiplexer{log: log, hubs: make(map[protocol.StreamID]*hub)}
}

// Streams returns the number of streams with an upstream subscription.
func (m *Multiplexer) Streams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}

func (m *Multiplexer) attach(id protocol.StreamID, sub streamlog.Subscriber, position int64) (func(), error) {
	tx := m.log.Lock(id)
	defer tx.Unlock()
	if !tx.Exists(id) {
		return nil, rpcerr.New(rpcerr.NotFound, "stream not found").Tag("stream_id", id)
	}
	backlog, err := tx.Since(id, position)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	h, ok := m.hubs[id]
	if !ok {
		h = &hub{subs: make(map[streamlog.Subscriber]struct{})}
		if _, err := tx.Subscribe(id, h, tx.Cookie(id).Position); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.hubs[id] = h
	}
	m.mu.Unlock()

	if backlog != nil && !sub.Deliver(backlog) {
		m.releaseLocked(tx, id, h)
		return nil, rpcerr.New(rpcerr.Canceled, "subscriber rejected backlog").Tag("stream_id", id)
	}
	h.add(sub)
	return func() { m.detach(id, h, sub) }, nil
}

func (m *Multiplexer) detach(id protocol.StreamID, h *hub, sub streamlog.Subscriber) {
	tx := m.log.Lock(id)
	defer tx.Unlock()
	h.remove(sub)
	m.releaseLocked(tx, id, h)
}

// releaseLocked drops the upstream subscription of an idle hub. The
// stream must be locked by tx.
func (m *Multiplexer) releaseLocked(tx *streamlog.Txn, id protocol.StreamID, h *hub) {
	if !h.empty() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hubs[id] == h {
		delete(m.hubs, id)
		tx.Unsubscribe(id, h)
	}
}

// hub is the upstream subscriber of one stream. It runs under the stream
// lock, so every session sees updates in commit order.
type hub struct {
	mu   sync.Mutex
	subs map[streamlog.Subscriber]struct{}
}

func (h *hub) Deliver(u *streamlog.Update) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.Deliver(u) {
			delete(h.subs, sub)
		}
	}
	return true
}

func (h *hub) add(sub streamlog.Subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(sub streamlog.Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *hub) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) == 0
}
