package protocol

import "fmt"

// Family is the top-level payload case of an event. A stream's inception
// event fixes the family every later event must use (member payloads are
// accepted in every stream).
type Family int

const (
	FamilyUnspecified Family = iota
	FamilyUser
	FamilySpace
	FamilyChannel
	FamilyMember
)

func (f Family) String() string {
	switch f {
	case FamilyUser:
		return "user_payload"
	case FamilySpace:
		return "space_payload"
	case FamilyChannel:
		return "channel_payload"
	case FamilyMember:
		return "member_payload"
	default:
		return "unspecified_payload"
	}
}

// Case identifies a payload variant, e.g. channel_payload::message.
type Case struct {
	Family  Family
	Content string
}

func (c Case) String() string { return c.Family.String() + "::" + c.Content }

// MembershipOp is a membership operation.
type MembershipOp int32

const (
	OpUnspecified MembershipOp = 0
	OpJoin        MembershipOp = 1
	OpInvite      MembershipOp = 2
	OpLeave       MembershipOp = 3
)

func (op MembershipOp) String() string {
	switch op {
	case OpJoin:
		return "SO_JOIN"
	case OpInvite:
		return "SO_INVITE"
	case OpLeave:
		return "SO_LEAVE"
	default:
		return fmt.Sprintf("SO_UNSPECIFIED(%d)", int32(op))
	}
}

// Payload is the closed set of event payloads. Only types in this package
// implement it.
type Payload interface {
	Case() Case
	isPayload()
}

// Inception is implemented by the payloads allowed as a stream's first event.
type Inception interface {
	Payload
	InceptionStreamID() StreamID
	// StreamKind is the kind of stream id this inception may create.
	StreamKind() StreamKind
}

const (
	contentInception            = "inception"
	contentUserMembership       = "user_membership"
	contentUserMembershipAction = "user_membership_action"
	contentMessage              = "message"
	contentMembership           = "membership"
)

// UserInception creates a user's personal stream.
type UserInception struct {
	StreamID StreamID
}

// UserMembership records a membership change of the stream owner. Written by
// the owner (join/leave) or derived by the node (invites and notices).
type UserMembership struct {
	Op             MembershipOp
	StreamID       StreamID
	Inviter        Address
	StreamParentID StreamID
}

// UserMembershipAction is an action the stream owner takes on another user,
// e.g. inviting them to a channel.
type UserMembershipAction struct {
	Op             MembershipOp
	UserID         Address
	StreamID       StreamID
	StreamParentID StreamID
}

// SpaceInception creates a space.
type SpaceInception struct {
	StreamID StreamID
}

// ChannelInception creates a channel inside a space.
type ChannelInception struct {
	StreamID StreamID
	SpaceID  StreamID
}

// ChannelMessage is an encrypted channel message. The node never looks
// inside the ciphertext.
type ChannelMessage struct {
	Ciphertext string
	Algorithm  string
	SenderKey  string
	SessionID  string
}

// MemberMembership is the authoritative membership record inside a space or
// channel stream.
type MemberMembership struct {
	Op             MembershipOp
	UserID         Address
	InitiatorID    Address
	StreamParentID StreamID
}

func (*UserInception) Case() Case        { return Case{FamilyUser, contentInception} }
func (*UserMembership) Case() Case       { return Case{FamilyUser, contentUserMembership} }
func (*UserMembershipAction) Case() Case { return Case{FamilyUser, contentUserMembershipAction} }
func (*SpaceInception) Case() Case       { return Case{FamilySpace, contentInception} }
func (*ChannelInception) Case() Case     { return Case{FamilyChannel, contentInception} }
func (*ChannelMessage) Case() Case       { return Case{FamilyChannel, contentMessage} }
func (*MemberMembership) Case() Case     { return Case{FamilyMember, contentMembership} }

func (*UserInception) isPayload()        {}
func (*UserMembership) isPayload()       {}
func (*UserMembershipAction) isPayload() {}
func (*SpaceInception) isPayload()       {}
func (*ChannelInception) isPayload()     {}
func (*ChannelMessage) isPayload()       {}
func (*MemberMembership) isPayload()     {}

func (p *UserInception) InceptionStreamID() StreamID    { return p.StreamID }
func (p *SpaceInception) InceptionStreamID() StreamID   { return p.StreamID }
func (p *ChannelInception) InceptionStreamID() StreamID { return p.StreamID }

func (*UserInception) StreamKind() StreamKind    { return KindUser }
func (*SpaceInception) StreamKind() StreamKind   { return KindSpace }
func (*ChannelInception) StreamKind() StreamKind { return KindChannel }

// AsInception reports whether p is an inception payload.
func AsInception(p Payload) (Inception, bool) {
	inc, ok := p.(Inception)
	return inc, ok
}

// MatchesInception reports whether a payload of case c may be appended to a
// stream whose inception case is inception.
func MatchesInception(c, inception Case) bool {
	return c.Family == FamilyMember || c.Family == inception.Family
}
