// Package membership tracks who belongs to which stream and derives the
// cross-stream events a membership change implies.
package membership

import (
	"sort"
	"sync"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

// State is a user's membership in one stream.
type State int

const (
	NonMember State = iota
	Invited
	Member
	Left
)

func (s State) String() string {
	switch s {
	case Invited:
		return "invited"
	case Member:
		return "member"
	case Left:
		return "left"
	default:
		return "non_member"
	}
}

// Transition applies op to from. Re-inviting an invited user is allowed;
// everything not in the table is FAILED_PRECONDITION.
func Transition(from State, op protocol.MembershipOp) (State, error) {
	switch op {
	case protocol.OpJoin:
		if from == NonMember || from == Invited || from == Left {
			return Member, nil
		}
	case protocol.OpInvite:
		if from == NonMember || from == Invited || from == Left {
			return Invited, nil
		}
	case protocol.OpLeave:
		if from == Member || from == Invited {
			return Left, nil
		}
	default:
		return from, rpcerr.Newf(rpcerr.InvalidArgument, "unknown membership op %s", op)
	}
	return from, rpcerr.Newf(rpcerr.FailedPrecondition, "cannot %s from %s", op, from)
}

// Tracker keeps the member view of every stream. It is rebuilt by replaying
// committed member events and updated as new ones commit.
type Tracker struct {
	mu      sync.RWMutex
	members map[protocol.StreamID]map[protocol.Address]State
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{members: make(map[protocol.StreamID]map[protocol.Address]State)}
}

// State returns user's state in stream.
func (t *Tracker) State(stream protocol.StreamID, user protocol.Address) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.members[stream][user]
}

// IsMember reports whether user is a member of stream.
func (t *Tracker) IsMember(stream protocol.StreamID, user protocol.Address) bool {
	return t.State(stream, user) == Member
}

// Members returns the current members of stream in address order.
func (t *Tracker) Members(stream protocol.StreamID) []protocol.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []protocol.Address
	for a, st := range t.members[stream] {
		if st == Member {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Committed implements streamlog.Observer.
func (t *Tracker) Committed(id protocol.StreamID, events []*protocol.ParsedEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ev := range events {
		if p, ok := ev.Event.Payload.(*protocol.MemberMembership); ok {
			m, ok := t.members[id]
			if !ok {
				m = make(map[protocol.Address]State)
				t.members[id] = m
			}
			next, err := Transition(m[p.UserID], p.Op)
			if err != nil {
				// Replayed history is trusted; keep the recorded op.
				next = stateFor(p.Op)
			}
			m[p.UserID] = next
		}
	}
}

func stateFor(op protocol.MembershipOp) State {
	switch op {
	case protocol.OpJoin:
		return Member
	case protocol.OpInvite:
		return Invited
	case protocol.OpLeave:
		return Left
	}
	return NonMember
}

// Derivation is an event the node writes because of a client event.
type Derivation struct {
	Target  protocol.StreamID
	Payload protocol.Payload
	// Optional derivations are skipped when Target does not exist.
	Optional bool
}

// Effect is the membership change an event causes in a space or channel,
// used for authorization and transition checks.
type Effect struct {
	Stream    protocol.StreamID
	Op        protocol.MembershipOp
	User      protocol.Address
	Initiator protocol.Address
}

// Plan describes everything a client event implies.
type Plan struct {
	Effect      *Effect
	Derivations []Derivation
}

// Derive computes the derived events of ev written to stream. Events
// created by the node never derive further.
func Derive(stream protocol.StreamID, ev *protocol.ParsedEvent, node protocol.Address) (*Plan, error) {
	plan := &Plan{}
	creator := ev.Event.CreatorAddress
	if creator == node {
		return plan, nil
	}

	switch p := ev.Event.Payload.(type) {
	case *protocol.UserMembershipAction:
		if p.Op != protocol.OpInvite {
			return nil, rpcerr.Newf(rpcerr.InvalidArgument, "unsupported membership action %s", p.Op)
		}
		if err := checkTarget(p.StreamID); err != nil {
			return nil, err
		}
		plan.Effect = &Effect{Stream: p.StreamID, Op: protocol.OpInvite, User: p.UserID, Initiator: creator}
		plan.Derivations = []Derivation{
			{
				Target: p.StreamID,
				Payload: &protocol.MemberMembership{
					Op: protocol.OpInvite, UserID: p.UserID, InitiatorID: creator, StreamParentID: p.StreamParentID,
				},
			},
			{
				Target: protocol.UserStreamID(p.UserID),
				Payload: &protocol.UserMembership{
					Op: protocol.OpInvite, StreamID: p.StreamID, Inviter: creator, StreamParentID: p.StreamParentID,
				},
				Optional: true,
			},
		}

	case *protocol.UserMembership:
		if p.Op != protocol.OpJoin && p.Op != protocol.OpLeave {
			return nil, rpcerr.Newf(rpcerr.InvalidArgument, "%s cannot be written to a user stream by a client", p.Op)
		}
		if err := checkTarget(p.StreamID); err != nil {
			return nil, err
		}
		owner, ok := stream.Owner()
		if !ok {
			return nil, rpcerr.New(rpcerr.BadStreamID, "user membership outside a user stream")
		}
		plan.Effect = &Effect{Stream: p.StreamID, Op: p.Op, User: owner, Initiator: creator}
		plan.Derivations = []Derivation{{
			Target: p.StreamID,
			Payload: &protocol.MemberMembership{
				Op: p.Op, UserID: owner, InitiatorID: creator, StreamParentID: p.StreamParentID,
			},
		}}

	case *protocol.MemberMembership:
		if stream.Kind() == protocol.KindUser {
			return nil, rpcerr.New(rpcerr.InvalidArgument, "member events belong in space or channel streams")
		}
		plan.Effect = &Effect{Stream: stream, Op: p.Op, User: p.UserID, Initiator: creator}
		plan.Derivations = []Derivation{{
			Target: protocol.UserStreamID(p.UserID),
			Payload: &protocol.UserMembership{
				Op: p.Op, StreamID: stream, Inviter: creator, StreamParentID: p.StreamParentID,
			},
			Optional: true,
		}}
	}
	return plan, nil
}

func checkTarget(id protocol.StreamID) error {
	switch id.Kind() {
	case protocol.KindSpace, protocol.KindChannel:
		return nil
	}
	return rpcerr.Newf(rpcerr.BadStreamID, "membership target %s is not a space or channel", id)
}

// Targets lists the streams a plan writes to, for locking.
func (p *Plan) Targets() []protocol.StreamID {
	out := make([]protocol.StreamID, 0, len(p.Derivations))
	for _, d := range p.Derivations {
		out = append(out, d.Target)
	}
	return out
}
