// Package protocol holds the node's wire-level data model: typed stream ids,
// the closed set of event payloads, signed envelopes, miniblock headers and
// sync cookies, plus their canonical binary encoding.
package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

const (
	// AddressLen is the length of a wallet address (an ed25519 public key).
	AddressLen = 32
	// StreamIDLen is one prefix byte followed by a 32-byte body.
	StreamIDLen = 1 + 32
)

// StreamKind is the type tag carried in the first byte of a StreamID.
type StreamKind byte

const (
	KindUnknown StreamKind = 0x00
	KindSpace   StreamKind = 0x10
	KindChannel StreamKind = 0x20
	KindUser    StreamKind = 0xa8
)

func (k StreamKind) String() string {
	switch k {
	case KindSpace:
		return "space"
	case KindChannel:
		return "channel"
	case KindUser:
		return "user"
	default:
		return "unknown"
	}
}

// Address identifies a wallet.
type Address [AddressLen]byte

// AddressFromBytes validates and copies b.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLen {
		return a, rpcerr.Newf(rpcerr.InvalidArgument, "bad address length %d", len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) Bytes() []byte        { return a[:] }
func (a Address) String() string       { return hex.EncodeToString(a[:]) }
func (a Address) IsZero() bool         { return a == Address{} }
func (a Address) Equal(b Address) bool { return a == b }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	v, err := AddressFromBytes(b)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// StreamID is a fixed-length, type-tagged stream identifier. It is a value
// type so it can be used as a map key and copied freely.
type StreamID [StreamIDLen]byte

// StreamIDFromBytes validates length and prefix.
func StreamIDFromBytes(b []byte) (StreamID, error) {
	var id StreamID
	if len(b) != StreamIDLen {
		return id, rpcerr.Newf(rpcerr.BadStreamID, "bad stream id length %d", len(b))
	}
	copy(id[:], b)
	if id.Kind() == KindUnknown {
		return StreamID{}, rpcerr.Newf(rpcerr.BadStreamID, "unknown stream id prefix 0x%02x", b[0])
	}
	return id, nil
}

// ParseStreamID parses a hex encoded stream id.
func ParseStreamID(s string) (StreamID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return StreamID{}, rpcerr.Wrap(rpcerr.BadStreamID, err, "stream id is not hex")
	}
	return StreamIDFromBytes(b)
}

// UserStreamID returns the personal stream of the wallet at addr.
func UserStreamID(addr Address) StreamID {
	var id StreamID
	id[0] = byte(KindUser)
	copy(id[1:], addr[:])
	return id
}

// MakeSpaceID returns a fresh random space id.
func MakeSpaceID() StreamID { return randomStreamID(KindSpace) }

// MakeChannelID returns a fresh random channel id.
func MakeChannelID() StreamID { return randomStreamID(KindChannel) }

func randomStreamID(kind StreamKind) StreamID {
	var id StreamID
	id[0] = byte(kind)
	if _, err := rand.Read(id[1:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return id
}

// Kind returns the stream's type tag.
func (id StreamID) Kind() StreamKind {
	switch k := StreamKind(id[0]); k {
	case KindSpace, KindChannel, KindUser:
		return k
	default:
		return KindUnknown
	}
}

// Owner returns the wallet owning a user stream.
func (id StreamID) Owner() (Address, bool) {
	var a Address
	if id.Kind() != KindUser {
		return a, false
	}
	copy(a[:], id[1:])
	return a, true
}

func (id StreamID) Bytes() []byte  { return id[:] }
func (id StreamID) String() string { return hex.EncodeToString(id[:]) }
func (id StreamID) IsZero() bool   { return id == StreamID{} }

// Compare orders ids bytewise; used to take multi-stream locks in a fixed order.
func (id StreamID) Compare(other StreamID) int { return bytes.Compare(id[:], other[:]) }

func (id StreamID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *StreamID) UnmarshalText(text []byte) error {
	v, err := ParseStreamID(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
