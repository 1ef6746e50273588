// Package admission is the single entry point for writes. It verifies
// events, checks chaining and authorization under the stream locks, derives
// membership side effects and commits everything atomically.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/auth"
	"github.com/alfredjeanlab/rivernode/internal/membership"
	"github.com/alfredjeanlab/rivernode/internal/metrics"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/signing"
	"github.com/alfredjeanlab/rivernode/internal/streamlog"
)

// CommitListener is told about every successful commit after the stream
// locks are released.
type CommitListener interface {
	Committed(ctx context.Context, results []*streamlog.Committed)
}

// Config wires a Pipeline.
type Config struct {
	Log        *streamlog.Log
	Members    *membership.Tracker
	Authorizer auth.Authorizer
	// Node signs derived membership events.
	Node      *signing.SignerContext
	Listeners []CommitListener
	Logger    *slog.Logger
	// Now defaults to time.Now. Delegate expiry is evaluated against it.
	Now func() time.Time
}

// Pipeline admits stream creations and appends.
type Pipeline struct {
	log       *streamlog.Log
	members   *membership.Tracker
	authz     auth.Authorizer
	node      *signing.SignerContext
	listeners []CommitListener
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a pipeline. A nil Authorizer allows everything.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		log:       cfg.Log,
		members:   cfg.Members,
		authz:     cfg.Authorizer,
		node:      cfg.Node,
		listeners: cfg.Listeners,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if p.authz == nil {
		p.authz = auth.AllowAll{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// NodeAddress is the address derived events are signed with.
func (p *Pipeline) NodeAddress() protocol.Address { return p.node.Address() }

// AddEvent appends env to stream id. Re-submitting a committed event is a
// no-op success.
func (p *Pipeline) AddEvent(ctx context.Context, id protocol.StreamID, env *protocol.Envelope) error {
	start := time.Now()
	err := p.addEvent(ctx, id, env)
	metrics.ObserveAdmission("add_event", err, time.Since(start))
	return err
}

func (p *Pipeline) addEvent(ctx context.Context, id protocol.StreamID, env *protocol.Envelope) error {
	inc, err := p.log.Inception(id)
	if err != nil {
		return err
	}
	// A retry of a committed event succeeds even if it would no longer
	// verify, e.g. because its delegation has since expired.
	if env != nil && len(env.Hash) == protocol.HashLen {
		if h := protocol.EventHash(env.Event); h.Equal(env.Hash) && p.log.HasEvent(id, h) {
			p.logger.Debug("duplicate event ignored", "stream_id", id, "hash", h)
			return nil
		}
	}
	incCase := inc.Case()
	now := p.now()
	ev, err := signing.Verify(env, &incCase, now)
	if err != nil {
		return err
	}
	plan, err := membership.Derive(id, ev, p.node.Address())
	if err != nil {
		return err
	}

	tx := p.log.Lock(append([]protocol.StreamID{id}, plan.Targets()...)...)
	results, err := p.admitLocked(ctx, tx, id, ev, plan, now)
	tx.Unlock()
	if err != nil {
		return err
	}
	p.notify(ctx, results)
	return nil
}

func (p *Pipeline) admitLocked(ctx context.Context, tx *streamlog.Txn, id protocol.StreamID, ev *protocol.ParsedEvent, plan *membership.Plan, now time.Time) ([]*streamlog.Committed, error) {
	if tx.HasEvent(id, ev.Hash) {
		p.logger.Debug("duplicate event ignored", "stream_id", id, "hash", ev.Hash)
		return nil, nil
	}
	if err := tx.CheckChain(id, ev); err != nil {
		return nil, err
	}
	for _, d := range plan.Derivations {
		if !d.Optional && !tx.Exists(d.Target) {
			return nil, rpcerr.New(rpcerr.NotFound, "membership target stream not found").
				Tag("stream_id", d.Target)
		}
	}
	if err := p.authorizeEvent(ctx, tx, id, ev, plan); err != nil {
		return nil, err
	}
	if e := plan.Effect; e != nil {
		if _, err := membership.Transition(p.members.State(e.Stream, e.User), e.Op); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Append(id, ev); err != nil {
		return nil, err
	}
	derived, err := p.stageDerivations(tx, plan.Derivations, now)
	if err != nil {
		return nil, err
	}
	results, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}
	metrics.DerivedEventsTotal.Add(float64(derived))
	p.logger.Debug("event admitted", "stream_id", id, "hash", ev.Hash, "case", ev.Case(), "derived", derived)
	return results, nil
}

// authorizeEvent asks the oracle about the write itself and about the
// membership change it causes, if any.
func (p *Pipeline) authorizeEvent(ctx context.Context, tx *streamlog.Txn, id protocol.StreamID, ev *protocol.ParsedEvent, plan *membership.Plan) error {
	principal := ev.Event.CreatorAddress
	if principal == p.node.Address() {
		return nil
	}
	e := plan.Effect
	if e == nil || e.Stream != id {
		if err := p.authorize(ctx, auth.Request{
			Principal: principal,
			StreamID:  id,
			ParentID:  parentOf(tx, id),
			Op:        auth.OpWrite,
		}); err != nil {
			return err
		}
	}
	if e == nil {
		return nil
	}
	return p.authorize(ctx, auth.Request{
		Principal: principal,
		StreamID:  e.Stream,
		ParentID:  parentOf(tx, e.Stream),
		Op:        auth.OpFor(e.Op),
		Subject:   e.User,
	})
}

func (p *Pipeline) authorize(ctx context.Context, req auth.Request) error {
	ok, err := p.authz.Authorize(ctx, req)
	if err != nil {
		return rpcerr.Wrap(rpcerr.Unavailable, err, "authorization failed")
	}
	if !ok {
		return rpcerr.Newf(rpcerr.PermissionDenied, "%s not permitted", req.Op).
			Tag("stream_id", req.StreamID).Tag("principal", req.Principal)
	}
	return nil
}

// stageDerivations signs each derivation with the node key against its
// target's current head and stages it. Optional targets that do not exist
// are skipped.
func (p *Pipeline) stageDerivations(tx *streamlog.Txn, derivations []membership.Derivation, now time.Time) (int, error) {
	n := 0
	for _, d := range derivations {
		if !tx.Exists(d.Target) {
			continue
		}
		inc, _ := tx.Inception(d.Target)
		incCase := inc.Case()
		env, err := signing.MakeEnvelopeAt(p.node, d.Payload, tx.Head(d.Target), now)
		if err != nil {
			return 0, rpcerr.Wrap(rpcerr.Internal, err, "signing derived event")
		}
		ev, err := signing.Verify(env, &incCase, now)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Append(d.Target, ev); err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func parentOf(tx *streamlog.Txn, id protocol.StreamID) protocol.StreamID {
	if !tx.Locked(id) {
		return protocol.StreamID{}
	}
	if inc, ok := tx.Inception(id); ok {
		if ch, ok := inc.(*protocol.ChannelInception); ok {
			return ch.SpaceID
		}
	}
	return protocol.StreamID{}
}

func (p *Pipeline) notify(ctx context.Context, results []*streamlog.Committed) {
	if len(results) == 0 {
		return
	}
	for _, l := range p.listeners {
		l.Committed(ctx, results)
	}
}
