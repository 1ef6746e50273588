package admission

import (
	"bytes"
	"context"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/auth"
	"github.com/alfredjeanlab/rivernode/internal/membership"
	"github.com/alfredjeanlab/rivernode/internal/metrics"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/signing"
	"github.com/alfredjeanlab/rivernode/internal/streamlog"
)

// CreateStream creates stream id from a genesis batch: the inception
// followed by bootstrap events. The batch is validated as a unit and
// nothing is written unless all of it is accepted. Re-submitting the batch
// that created an existing stream returns its snapshot.
func (p *Pipeline) CreateStream(ctx context.Context, id protocol.StreamID, envs []*protocol.Envelope) (*protocol.StreamSnapshot, error) {
	start := time.Now()
	snap, err := p.createStream(ctx, id, envs)
	metrics.ObserveAdmission("create_stream", err, time.Since(start))
	return snap, err
}

func (p *Pipeline) createStream(ctx context.Context, id protocol.StreamID, envs []*protocol.Envelope) (*protocol.StreamSnapshot, error) {
	if len(envs) == 0 {
		return nil, rpcerr.New(rpcerr.BadStreamCreationParams, "no events").Tag("stream_id", id)
	}
	now := p.now()
	events, inc, err := verifyGenesis(envs, now)
	if err != nil {
		return nil, err
	}
	creator := events[0].Event.CreatorAddress
	if err := checkBootstrap(id, creator, events); err != nil {
		return nil, err
	}

	var derivations []membership.Derivation
	for _, ev := range events[1:] {
		plan, err := membership.Derive(id, ev, p.node.Address())
		if err != nil {
			return nil, err
		}
		derivations = append(derivations, plan.Derivations...)
	}

	var parent protocol.StreamID
	if ch, ok := inc.(*protocol.ChannelInception); ok {
		parent = ch.SpaceID
		if parent.IsZero() || parent.Kind() != protocol.KindSpace {
			return nil, rpcerr.New(rpcerr.BadStreamCreationParams, "channel inception needs a space id").
				Tag("stream_id", id)
		}
	}

	lock := []protocol.StreamID{id}
	if !parent.IsZero() {
		lock = append(lock, parent)
	}
	for _, d := range derivations {
		lock = append(lock, d.Target)
	}
	tx := p.log.Lock(lock...)
	snap, results, err := p.createLocked(ctx, tx, id, parent, creator, events, derivations, now)
	tx.Unlock()
	if err != nil {
		return nil, err
	}
	p.notify(ctx, results)
	return snap, nil
}

func (p *Pipeline) createLocked(
	ctx context.Context,
	tx *streamlog.Txn,
	id, parent protocol.StreamID,
	creator protocol.Address,
	events []*protocol.ParsedEvent,
	derivations []membership.Derivation,
	now time.Time,
) (*protocol.StreamSnapshot, []*streamlog.Committed, error) {
	if tx.Exists(id) {
		if sameGenesis(tx.GenesisHashes(id), events) {
			p.logger.Debug("duplicate stream creation ignored", "stream_id", id)
			return tx.Snapshot(id), nil, nil
		}
		return nil, nil, rpcerr.New(rpcerr.AlreadyExists, "stream already exists").Tag("stream_id", id)
	}
	if !parent.IsZero() && !tx.Exists(parent) {
		return nil, nil, rpcerr.New(rpcerr.BadStreamCreationParams, "parent space not found").
			Tag("stream_id", id).Tag("space_id", parent)
	}
	if err := p.authorize(ctx, auth.Request{
		Principal: creator,
		StreamID:  id,
		ParentID:  parent,
		Op:        auth.OpCreate,
	}); err != nil {
		return nil, nil, err
	}
	if err := tx.Create(id, events); err != nil {
		return nil, nil, err
	}
	derived, err := p.stageDerivations(tx, derivations, now)
	if err != nil {
		return nil, nil, err
	}
	results, err := tx.Commit(ctx)
	if err != nil {
		return nil, nil, err
	}
	metrics.DerivedEventsTotal.Add(float64(derived))
	p.logger.Info("stream created", "stream_id", id, "kind", id.Kind(), "events", len(events), "creator", creator)
	return tx.Snapshot(id), results, nil
}

// verifyGenesis verifies every envelope; the first must be an inception
// and fixes the family the rest are checked against.
func verifyGenesis(envs []*protocol.Envelope, now time.Time) ([]*protocol.ParsedEvent, protocol.Inception, error) {
	first, err := signing.Verify(envs[0], nil, now)
	if err != nil {
		return nil, nil, err
	}
	inc, ok := protocol.AsInception(first.Event.Payload)
	if !ok {
		return nil, nil, rpcerr.Newf(rpcerr.BadStreamCreationParams, "first event is %s, not an inception", first.Case())
	}
	incCase := inc.Case()
	events := []*protocol.ParsedEvent{first}
	for _, env := range envs[1:] {
		ev, err := signing.Verify(env, &incCase, now)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
	}
	return events, inc, nil
}

// checkBootstrap allows, after the inception, only self-joins by the
// creator (at most one) and channel messages, all written by the creator.
func checkBootstrap(id protocol.StreamID, creator protocol.Address, events []*protocol.ParsedEvent) error {
	joined := false
	for i, ev := range events[1:] {
		if ev.Event.CreatorAddress != creator {
			return rpcerr.New(rpcerr.BadStreamCreationParams, "genesis events must share the inception creator").
				Tag("stream_id", id).Tag("index", i+1)
		}
		switch pl := ev.Event.Payload.(type) {
		case *protocol.MemberMembership:
			if id.Kind() == protocol.KindUser {
				return rpcerr.New(rpcerr.BadStreamCreationParams, "user streams have no members").Tag("stream_id", id)
			}
			if pl.Op != protocol.OpJoin || pl.UserID != creator || joined {
				return rpcerr.New(rpcerr.BadStreamCreationParams, "bootstrap membership must be a self-join by the creator").
					Tag("stream_id", id).Tag("index", i+1)
			}
			joined = true
		case *protocol.ChannelMessage:
		default:
			return rpcerr.Newf(rpcerr.BadStreamCreationParams, "%s not allowed at creation", ev.Case()).
				Tag("stream_id", id).Tag("index", i+1)
		}
	}
	return nil
}

func sameGenesis(hashes [][]byte, events []*protocol.ParsedEvent) bool {
	if len(hashes) != len(events) {
		return false
	}
	for i, ev := range events {
		if !bytes.Equal(hashes[i], ev.Hash.Bytes()) {
			return false
		}
	}
	return true
}
