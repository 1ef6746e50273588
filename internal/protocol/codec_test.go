package protocol

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

func testAddress(b byte) Address {
	var a Address
	for i := range a {
		a[i] = b
	}
	return a
}

func TestEncodeDecodeEvent(t *testing.T) {
	space := MakeSpaceID()
	channel := MakeChannelID()
	alice := testAddress(0xaa)
	bob := testAddress(0xbb)

	payloads := []Payload{
		&UserInception{StreamID: UserStreamID(alice)},
		&UserMembership{Op: OpInvite, StreamID: channel, Inviter: bob, StreamParentID: space},
		&UserMembershipAction{Op: OpInvite, UserID: bob, StreamID: channel, StreamParentID: space},
		&SpaceInception{StreamID: space},
		&ChannelInception{StreamID: channel, SpaceID: space},
		&ChannelMessage{Ciphertext: "hello", Algorithm: "none"},
		&ChannelMessage{},
		&MemberMembership{Op: OpJoin, UserID: alice, InitiatorID: alice},
	}
	for _, p := range payloads {
		t.Run(p.Case().String(), func(t *testing.T) {
			ev := &StreamEvent{
				CreatorAddress:    alice,
				Salt:              []byte{1, 2, 3},
				PrevMiniblockHash: bytes.Repeat([]byte{7}, HashLen),
				CreatedAtEpochMs:  1700000000000,
				Payload:           p,
			}
			raw, err := EncodeEvent(ev)
			if err != nil {
				t.Fatalf("EncodeEvent: %v", err)
			}
			got, err := DecodeEvent(raw)
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if !reflect.DeepEqual(got, ev) {
				t.Fatalf("decoded event differs:\n got %+v\nwant %+v", got, ev)
			}
			again, _ := EncodeEvent(got)
			if !bytes.Equal(again, raw) {
				t.Fatal("encoding is not deterministic")
			}
		})
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	noPayload := appendBytes(nil, fieldSalt, []byte{1})
	unknownFamily := appendMessage(nil, 150, nil)
	unknownContent := appendMessage(nil, fieldChannelPayload, appendMessage(nil, 9, nil))
	emptyFamily := appendMessage(nil, fieldSpacePayload, nil)
	truncated := []byte{0x0a, 0x20, 0x01}

	for _, tc := range []struct {
		name string
		raw  []byte
		want rpcerr.Code
	}{
		{"NoPayload", noPayload, rpcerr.BadPayload},
		{"UnknownFamily", unknownFamily, rpcerr.BadPayload},
		{"UnknownContent", unknownContent, rpcerr.BadPayload},
		{"EmptyFamily", emptyFamily, rpcerr.BadPayload},
		{"Truncated", truncated, rpcerr.BadEvent},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEvent(tc.raw)
			if got := rpcerr.CodeOf(err); got != tc.want {
				t.Fatalf("code = %v, want %v (err %v)", got, tc.want, err)
			}
		})
	}
}

func TestDecodeEvent_IgnoresUnknownScalarFields(t *testing.T) {
	ev := &StreamEvent{Payload: &SpaceInception{StreamID: MakeSpaceID()}}
	raw, err := EncodeEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	raw = protowire.AppendTag(raw, 50, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 9)
	if _, err := DecodeEvent(raw); err != nil {
		t.Fatalf("unknown field should be skipped: %v", err)
	}
}

func TestEventHash_DomainSeparated(t *testing.T) {
	data := []byte("payload")
	if EventHash(data) == hashWithDomain(DomainMiniblock, data) {
		t.Fatal("event and miniblock domains must not collide")
	}
	if EventHash(data) != EventHash([]byte("payload")) {
		t.Fatal("hash is not stable")
	}
}

func TestMiniblockHash(t *testing.T) {
	env := &Envelope{Hash: bytes.Repeat([]byte{1}, HashLen)}
	ts := time.UnixMilli(1700000000000)
	a := NewMiniblock(0, nil, []*Envelope{env}, ts)
	b := NewMiniblock(1, a.Header.Hash, []*Envelope{env}, ts)
	if bytes.Equal(a.Header.Hash, b.Header.Hash) {
		t.Fatal("chained headers should hash differently")
	}
	if got := a.Header.ComputeHash(); !bytes.Equal(got.Bytes(), a.Header.Hash) {
		t.Fatal("ComputeHash must ignore the stored hash")
	}
}

func TestCookieRoundTrip(t *testing.T) {
	c := SyncCookie{StreamID: MakeChannelID(), MinipoolGen: 3, Position: 17}
	got, err := DecodeCookie(EncodeCookie(c))
	if err != nil {
		t.Fatalf("DecodeCookie: %v", err)
	}
	if got != c {
		t.Fatalf("got %+v, want %+v", got, c)
	}
	if _, err := DecodeCookie("zz"); !rpcerr.IsCode(err, rpcerr.InvalidArgument) {
		t.Fatalf("bad hex: %v", err)
	}
	if _, err := DecodeCookie(""); !rpcerr.IsCode(err, rpcerr.InvalidArgument) {
		t.Fatalf("empty cookie: %v", err)
	}
}

func TestDelegateExpired(t *testing.T) {
	now := time.UnixMilli(10_000)
	for _, tc := range []struct {
		name   string
		ev     StreamEvent
		expect bool
	}{
		{"NoDelegate", StreamEvent{DelegateExpiryEpochMs: 1}, false},
		{"NeverExpires", StreamEvent{DelegatePublicKey: []byte{1}}, false},
		{"Future", StreamEvent{DelegatePublicKey: []byte{1}, DelegateExpiryEpochMs: 10_001}, false},
		{"AtExpiry", StreamEvent{DelegatePublicKey: []byte{1}, DelegateExpiryEpochMs: 10_000}, true},
		{"Past", StreamEvent{DelegatePublicKey: []byte{1}, DelegateExpiryEpochMs: 9_999}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ev.DelegateExpired(now); got != tc.expect {
				t.Fatalf("DelegateExpired = %v, want %v", got, tc.expect)
			}
		})
	}
}
