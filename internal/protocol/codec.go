package protocol

import (
	"encoding/hex"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

// StreamEvent field numbers. Fields are written in ascending order and
// zero values are omitted, so encoding is deterministic.
const (
	fieldCreator         protowire.Number = 1
	fieldSalt            protowire.Number = 2
	fieldPrevMiniblock   protowire.Number = 3
	fieldCreatedAt       protowire.Number = 4
	fieldDelegatePub     protowire.Number = 5
	fieldDelegateSig     protowire.Number = 6
	fieldDelegateExpiry  protowire.Number = 7
	fieldUserPayload     protowire.Number = 100
	fieldSpacePayload    protowire.Number = 101
	fieldChannelPayload  protowire.Number = 102
	fieldMemberPayload   protowire.Number = 103
	fieldHeaderNum       protowire.Number = 1
	fieldHeaderPrev      protowire.Number = 2
	fieldHeaderEvent     protowire.Number = 3
	fieldHeaderTimestamp protowire.Number = 4
	fieldCookieStream    protowire.Number = 1
	fieldCookieGen       protowire.Number = 2
	fieldCookiePosition  protowire.Number = 3
)

var familyFields = map[Family]protowire.Number{
	FamilyUser:    fieldUserPayload,
	FamilySpace:   fieldSpacePayload,
	FamilyChannel: fieldChannelPayload,
	FamilyMember:  fieldMemberPayload,
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendMessage always writes the field so an empty oneof member stays
// distinguishable from an unset one.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendStreamID(b []byte, num protowire.Number, id StreamID) []byte {
	if id.IsZero() {
		return b
	}
	return appendBytes(b, num, id[:])
}

func appendAddress(b []byte, num protowire.Number, a Address) []byte {
	if a.IsZero() {
		return b
	}
	return appendBytes(b, num, a[:])
}

// EncodeEvent returns the canonical bytes of e.
func EncodeEvent(e *StreamEvent) ([]byte, error) {
	if e.Payload == nil {
		return nil, rpcerr.New(rpcerr.BadPayload, "event has no payload")
	}
	var b []byte
	b = appendAddress(b, fieldCreator, e.CreatorAddress)
	b = appendBytes(b, fieldSalt, e.Salt)
	b = appendBytes(b, fieldPrevMiniblock, e.PrevMiniblockHash)
	b = appendVarint(b, fieldCreatedAt, uint64(e.CreatedAtEpochMs))
	b = appendBytes(b, fieldDelegatePub, e.DelegatePublicKey)
	b = appendBytes(b, fieldDelegateSig, e.DelegateSig)
	b = appendVarint(b, fieldDelegateExpiry, uint64(e.DelegateExpiryEpochMs))

	c := e.Payload.Case()
	num, ok := familyFields[c.Family]
	if !ok {
		return nil, rpcerr.Newf(rpcerr.BadPayload, "unknown payload family %s", c.Family)
	}
	b = appendMessage(b, num, encodePayload(e.Payload))
	return b, nil
}

// encodePayload encodes the family message wrapping the content variant.
func encodePayload(p Payload) []byte {
	var content protowire.Number
	var msg []byte
	switch v := p.(type) {
	case *UserInception:
		content = 1
		msg = appendStreamID(nil, 1, v.StreamID)
	case *UserMembership:
		content = 2
		msg = appendVarint(nil, 1, uint64(v.Op))
		msg = appendStreamID(msg, 2, v.StreamID)
		msg = appendAddress(msg, 3, v.Inviter)
		msg = appendStreamID(msg, 4, v.StreamParentID)
	case *UserMembershipAction:
		content = 3
		msg = appendVarint(nil, 1, uint64(v.Op))
		msg = appendAddress(msg, 2, v.UserID)
		msg = appendStreamID(msg, 3, v.StreamID)
		msg = appendStreamID(msg, 4, v.StreamParentID)
	case *SpaceInception:
		content = 1
		msg = appendStreamID(nil, 1, v.StreamID)
	case *ChannelInception:
		content = 1
		msg = appendStreamID(nil, 1, v.StreamID)
		msg = appendStreamID(msg, 2, v.SpaceID)
	case *ChannelMessage:
		content = 2
		msg = appendString(nil, 1, v.Ciphertext)
		msg = appendString(msg, 2, v.Algorithm)
		msg = appendString(msg, 3, v.SenderKey)
		msg = appendString(msg, 4, v.SessionID)
	case *MemberMembership:
		content = 1
		msg = appendVarint(nil, 1, uint64(v.Op))
		msg = appendAddress(msg, 2, v.UserID)
		msg = appendAddress(msg, 3, v.InitiatorID)
		msg = appendStreamID(msg, 4, v.StreamParentID)
	}
	return appendMessage(nil, content, msg)
}

// field is one decoded top-level field. Only varint and bytes fields carry
// a value; other wire types are skipped.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func walkFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func badEvent(err error) error {
	if _, ok := rpcerr.AsError(err); ok {
		return err
	}
	return rpcerr.Wrap(rpcerr.BadEvent, err, "malformed event bytes")
}

func (f field) wantBytes() error {
	if f.typ != protowire.BytesType {
		return rpcerr.Newf(rpcerr.BadEvent, "field %d: want bytes", f.num)
	}
	return nil
}

func (f field) wantVarint() error {
	if f.typ != protowire.VarintType {
		return rpcerr.Newf(rpcerr.BadEvent, "field %d: want varint", f.num)
	}
	return nil
}

func (f field) address() (Address, error) {
	if err := f.wantBytes(); err != nil {
		return Address{}, err
	}
	return AddressFromBytes(f.bytes)
}

func (f field) streamID() (StreamID, error) {
	if err := f.wantBytes(); err != nil {
		return StreamID{}, err
	}
	return StreamIDFromBytes(f.bytes)
}

func (f field) clone() ([]byte, error) {
	if err := f.wantBytes(); err != nil {
		return nil, err
	}
	return append([]byte(nil), f.bytes...), nil
}

// DecodeEvent parses canonical event bytes. Unknown top-level fields are
// ignored; a missing or unknown payload is BAD_PAYLOAD.
func DecodeEvent(b []byte) (*StreamEvent, error) {
	e := &StreamEvent{}
	payloads := 0
	err := walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case fieldCreator:
			e.CreatorAddress, err = f.address()
		case fieldSalt:
			e.Salt, err = f.clone()
		case fieldPrevMiniblock:
			e.PrevMiniblockHash, err = f.clone()
		case fieldCreatedAt:
			err = f.wantVarint()
			e.CreatedAtEpochMs = int64(f.varint)
		case fieldDelegatePub:
			e.DelegatePublicKey, err = f.clone()
		case fieldDelegateSig:
			e.DelegateSig, err = f.clone()
		case fieldDelegateExpiry:
			err = f.wantVarint()
			e.DelegateExpiryEpochMs = int64(f.varint)
		case fieldUserPayload, fieldSpacePayload, fieldChannelPayload, fieldMemberPayload:
			if err = f.wantBytes(); err != nil {
				return err
			}
			payloads++
			e.Payload, err = decodePayload(f.num, f.bytes)
		default:
			if f.num >= fieldUserPayload && f.num < 200 {
				return rpcerr.Newf(rpcerr.BadPayload, "unknown payload tag %d", f.num)
			}
		}
		return err
	})
	if err != nil {
		return nil, badEvent(err)
	}
	switch {
	case payloads == 0:
		return nil, rpcerr.New(rpcerr.BadPayload, "event has no payload")
	case payloads > 1:
		return nil, rpcerr.New(rpcerr.BadPayload, "event has more than one payload")
	}
	return e, nil
}

func decodePayload(family protowire.Number, b []byte) (Payload, error) {
	var p Payload
	err := walkFields(b, func(f field) error {
		if p != nil {
			return rpcerr.New(rpcerr.BadPayload, "payload has more than one content")
		}
		if err := f.wantBytes(); err != nil {
			return err
		}
		var err error
		p, err = decodeContent(family, f.num, f.bytes)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, rpcerr.Newf(rpcerr.BadPayload, "payload %d has no content", family)
	}
	return p, nil
}

func decodeContent(family, content protowire.Number, b []byte) (Payload, error) {
	switch {
	case family == fieldUserPayload && content == 1:
		v := &UserInception{}
		return v, walkFields(b, func(f field) (err error) {
			if f.num == 1 {
				v.StreamID, err = f.streamID()
			}
			return err
		})
	case family == fieldUserPayload && content == 2:
		v := &UserMembership{}
		return v, walkFields(b, func(f field) (err error) {
			switch f.num {
			case 1:
				err = f.wantVarint()
				v.Op = MembershipOp(f.varint)
			case 2:
				v.StreamID, err = f.streamID()
			case 3:
				v.Inviter, err = f.address()
			case 4:
				v.StreamParentID, err = f.streamID()
			}
			return err
		})
	case family == fieldUserPayload && content == 3:
		v := &UserMembershipAction{}
		return v, walkFields(b, func(f field) (err error) {
			switch f.num {
			case 1:
				err = f.wantVarint()
				v.Op = MembershipOp(f.varint)
			case 2:
				v.UserID, err = f.address()
			case 3:
				v.StreamID, err = f.streamID()
			case 4:
				v.StreamParentID, err = f.streamID()
			}
			return err
		})
	case family == fieldSpacePayload && content == 1:
		v := &SpaceInception{}
		return v, walkFields(b, func(f field) (err error) {
			if f.num == 1 {
				v.StreamID, err = f.streamID()
			}
			return err
		})
	case family == fieldChannelPayload && content == 1:
		v := &ChannelInception{}
		return v, walkFields(b, func(f field) (err error) {
			switch f.num {
			case 1:
				v.StreamID, err = f.streamID()
			case 2:
				v.SpaceID, err = f.streamID()
			}
			return err
		})
	case family == fieldChannelPayload && content == 2:
		v := &ChannelMessage{}
		return v, walkFields(b, func(f field) error {
			if err := f.wantBytes(); err != nil {
				return err
			}
			switch f.num {
			case 1:
				v.Ciphertext = string(f.bytes)
			case 2:
				v.Algorithm = string(f.bytes)
			case 3:
				v.SenderKey = string(f.bytes)
			case 4:
				v.SessionID = string(f.bytes)
			}
			return nil
		})
	case family == fieldMemberPayload && content == 1:
		v := &MemberMembership{}
		return v, walkFields(b, func(f field) (err error) {
			switch f.num {
			case 1:
				err = f.wantVarint()
				v.Op = MembershipOp(f.varint)
			case 2:
				v.UserID, err = f.address()
			case 3:
				v.InitiatorID, err = f.address()
			case 4:
				v.StreamParentID, err = f.streamID()
			}
			return err
		})
	}
	return nil, rpcerr.Newf(rpcerr.BadPayload, "unknown payload content %d.%d", family, content)
}

func encodeMiniblockHeader(h *MiniblockHeader) []byte {
	var b []byte
	b = appendVarint(b, fieldHeaderNum, uint64(h.Num))
	b = appendBytes(b, fieldHeaderPrev, h.PrevMiniblockHash)
	for _, eh := range h.EventHashes {
		b = appendMessage(b, fieldHeaderEvent, eh)
	}
	b = appendVarint(b, fieldHeaderTimestamp, uint64(h.TimestampMs))
	return b
}

// EncodeCookie returns the hex form of a cookie, used where a cookie has to
// travel as a single string (HTTP query parameters, CLI flags).
func EncodeCookie(c SyncCookie) string {
	var b []byte
	b = appendStreamID(b, fieldCookieStream, c.StreamID)
	b = appendVarint(b, fieldCookieGen, uint64(c.MinipoolGen))
	b = appendVarint(b, fieldCookiePosition, uint64(c.Position))
	return hex.EncodeToString(b)
}

// DecodeCookie parses the output of EncodeCookie.
func DecodeCookie(s string) (SyncCookie, error) {
	var c SyncCookie
	raw, err := hex.DecodeString(s)
	if err != nil {
		return c, rpcerr.Wrap(rpcerr.InvalidArgument, err, "cookie is not hex")
	}
	err = walkFields(raw, func(f field) (err error) {
		switch f.num {
		case fieldCookieStream:
			c.StreamID, err = f.streamID()
		case fieldCookieGen:
			err = f.wantVarint()
			c.MinipoolGen = int64(f.varint)
		case fieldCookiePosition:
			err = f.wantVarint()
			c.Position = int64(f.varint)
		}
		return err
	})
	if err != nil {
		return SyncCookie{}, rpcerr.Wrap(rpcerr.InvalidArgument, err, "malformed cookie")
	}
	if c.StreamID.IsZero() {
		return SyncCookie{}, rpcerr.New(rpcerr.InvalidArgument, "cookie has no stream id")
	}
	return c, nil
}
