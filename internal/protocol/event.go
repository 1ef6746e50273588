package protocol

import (
	"bytes"
	"time"
)

// StreamEvent is the signed content of an event. Its canonical bytes (see
// EncodeEvent) are what the hash and signature cover.
type StreamEvent struct {
	CreatorAddress        Address
	Salt                  []byte
	PrevMiniblockHash     []byte
	CreatedAtEpochMs      int64
	DelegatePublicKey     []byte
	DelegateSig           []byte
	DelegateExpiryEpochMs int64
	Payload               Payload
}

// HasDelegate reports whether the event was signed by a delegate key.
func (e *StreamEvent) HasDelegate() bool { return len(e.DelegatePublicKey) > 0 }

// DelegateExpired reports whether the event's delegation has lapsed at now.
// A zero expiry never lapses.
func (e *StreamEvent) DelegateExpired(now time.Time) bool {
	if !e.HasDelegate() || e.DelegateExpiryEpochMs == 0 {
		return false
	}
	return now.UnixMilli() >= e.DelegateExpiryEpochMs
}

// Envelope is an event as it travels: canonical event bytes plus the hash
// and signature over them.
type Envelope struct {
	Event     []byte `json:"event"`
	Hash      []byte `json:"hash"`
	Signature []byte `json:"signature"`
}

// ParsedEvent is a verified envelope with its decoded event.
type ParsedEvent struct {
	Envelope *Envelope
	Event    *StreamEvent
	Hash     Hash
}

// Case is shorthand for the payload case.
func (p *ParsedEvent) Case() Case { return p.Event.Payload.Case() }

// ParseEnvelope decodes the envelope's event bytes and hash without checking
// signatures. Callers that accept client input go through signing.Verify.
func ParseEnvelope(env *Envelope) (*ParsedEvent, error) {
	h, err := HashFromBytes(env.Hash)
	if err != nil {
		return nil, err
	}
	ev, err := DecodeEvent(env.Event)
	if err != nil {
		return nil, err
	}
	return &ParsedEvent{Envelope: env, Event: ev, Hash: h}, nil
}

// MiniblockHeader chains a sealed batch of events to its predecessor.
type MiniblockHeader struct {
	Num               int64    `json:"num"`
	PrevMiniblockHash []byte   `json:"prev_miniblock_hash,omitempty"`
	EventHashes       [][]byte `json:"event_hashes"`
	TimestampMs       int64    `json:"timestamp_ms"`
	Hash              []byte   `json:"hash"`
}

// Miniblock is a sealed, immutable batch of events.
type Miniblock struct {
	Header *MiniblockHeader `json:"header"`
	Events []*Envelope      `json:"events"`
}

// NewMiniblock builds and hashes a miniblock sealing events after prev.
func NewMiniblock(num int64, prev []byte, events []*Envelope, ts time.Time) *Miniblock {
	hdr := &MiniblockHeader{
		Num:               num,
		PrevMiniblockHash: bytes.Clone(prev),
		TimestampMs:       ts.UnixMilli(),
	}
	for _, e := range events {
		hdr.EventHashes = append(hdr.EventHashes, e.Hash)
	}
	h := hdr.ComputeHash()
	hdr.Hash = h.Bytes()
	return &Miniblock{Header: hdr, Events: events}
}

// SyncCookie marks the next delta to deliver for one stream. Position is
// the index of the next event in the stream's committed history and
// MinipoolGen the number of the next miniblock to be sealed.
type SyncCookie struct {
	StreamID    StreamID `json:"stream_id"`
	MinipoolGen int64    `json:"minipool_gen"`
	Position    int64    `json:"position"`
}

// StreamSnapshot is a stream's committed state: sealed miniblocks, the open
// batch, and the cookie a subscriber should start from.
type StreamSnapshot struct {
	StreamID       StreamID     `json:"stream_id"`
	Miniblocks     []*Miniblock `json:"miniblocks"`
	Minipool       []*Envelope  `json:"minipool"`
	NextSyncCookie SyncCookie   `json:"next_sync_cookie"`
}

// Envelopes returns every committed envelope in order.
func (s *StreamSnapshot) Envelopes() []*Envelope {
	var out []*Envelope
	for _, mb := range s.Miniblocks {
		out = append(out, mb.Events...)
	}
	return append(out, s.Minipool...)
}

// LastMiniblock returns the most recently sealed miniblock header.
func (s *StreamSnapshot) LastMiniblock() *MiniblockHeader {
	if len(s.Miniblocks) == 0 {
		return nil
	}
	return s.Miniblocks[len(s.Miniblocks)-1].Header
}
