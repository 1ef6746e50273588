// Package auth answers whether an identity may perform an operation on a
// stream. The node treats the answer as opaque; the default implementation
// decides from the membership view.
package auth

import (
	"context"

	"github.com/alfredjeanlab/rivernode/internal/membership"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
)

// Op is the kind of operation being authorized.
type Op int

const (
	OpCreate Op = iota + 1
	OpWrite
	OpJoin
	OpInvite
	OpLeave
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpJoin:
		return "join"
	case OpInvite:
		return "invite"
	case OpLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// OpFor maps a membership op to the operation it needs.
func OpFor(op protocol.MembershipOp) Op {
	switch op {
	case protocol.OpJoin:
		return OpJoin
	case protocol.OpInvite:
		return OpInvite
	case protocol.OpLeave:
		return OpLeave
	}
	return OpWrite
}

// Request is one authorization question.
type Request struct {
	// Principal is the creator address of the event.
	Principal protocol.Address
	StreamID  protocol.StreamID
	// ParentID is the space of a channel, zero otherwise.
	ParentID protocol.StreamID
	Op       Op
	// Subject is the user a membership op applies to.
	Subject protocol.Address
}

// Authorizer is the authorization oracle.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (bool, error)
}

// MembershipView is the part of membership.Tracker the default
// authorizer reads.
type MembershipView interface {
	State(stream protocol.StreamID, user protocol.Address) membership.State
}

// MembershipAuthorizer grants operations based on stream membership.
type MembershipAuthorizer struct {
	view MembershipView
}

// NewMembershipAuthorizer returns an authorizer over view.
func NewMembershipAuthorizer(view MembershipView) *MembershipAuthorizer {
	return &MembershipAuthorizer{view: view}
}

func (a *MembershipAuthorizer) Authorize(_ context.Context, req Request) (bool, error) {
	if owner, ok := req.StreamID.Owner(); ok {
		return owner == req.Principal, nil
	}
	isMember := func(id protocol.StreamID, who protocol.Address) bool {
		return a.view.State(id, who) == membership.Member
	}

	switch req.Op {
	case OpCreate:
		switch req.StreamID.Kind() {
		case protocol.KindSpace:
			return true, nil
		case protocol.KindChannel:
			return !req.ParentID.IsZero() && isMember(req.ParentID, req.Principal), nil
		}
		return false, nil
	case OpWrite, OpInvite:
		return isMember(req.StreamID, req.Principal), nil
	case OpJoin:
		if req.Principal != req.Subject {
			return false, nil
		}
		switch {
		case a.view.State(req.StreamID, req.Subject) == membership.Invited:
			return true, nil
		case req.StreamID.Kind() == protocol.KindSpace:
			return true, nil
		case req.StreamID.Kind() == protocol.KindChannel && !req.ParentID.IsZero():
			return isMember(req.ParentID, req.Subject), nil
		}
		return false, nil
	case OpLeave:
		return req.Principal == req.Subject, nil
	}
	return false, nil
}

// AllowAll grants everything. Used by tests and single-user dev nodes.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, Request) (bool, error) { return true, nil }
