package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

// Domain prefixes for hashed and signed material. The version suffix allows
// the algorithm to be migrated later without ambiguity.
const (
	DomainEvent     = "rivernode/event/v1"
	DomainMiniblock = "rivernode/miniblock/v1"
	DomainDelegate  = "rivernode/delegate/v1"
)

// HashLen is the length of event and miniblock hashes.
const HashLen = 32

// Hash is a keccak256 digest.
type Hash [HashLen]byte

// HashFromBytes validates and copies b.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashLen {
		return h, rpcerr.Newf(rpcerr.BadHashFormat, "bad hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash parses a hex encoded hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Hash{}, rpcerr.Wrap(rpcerr.BadHashFormat, err, "hash is not hex")
	}
	return HashFromBytes(b)
}

func (h Hash) Bytes() []byte  { return h[:] }
func (h Hash) String() string { return hex.EncodeToString(h[:]) }
func (h Hash) IsZero() bool   { return h == Hash{} }

// Equal compares h with raw hash bytes.
func (h Hash) Equal(b []byte) bool { return bytes.Equal(h[:], b) }

// hashWithDomain computes keccak256(domain || 0x00 || parts...).
func hashWithDomain(domain string, parts ...[]byte) Hash {
	k := sha3.NewLegacyKeccak256()
	k.Write([]byte(domain))
	k.Write([]byte{0x00})
	for _, p := range parts {
		k.Write(p)
	}
	var h Hash
	k.Sum(h[:0])
	return h
}

// EventHash hashes the canonical bytes of a StreamEvent.
func EventHash(eventBytes []byte) Hash {
	return hashWithDomain(DomainEvent, eventBytes)
}

// DelegateMessage is the material a wallet signs to authorize a delegate
// key until expiryMs (0 never expires).
func DelegateMessage(delegatePub []byte, expiryMs int64) []byte {
	msg := make([]byte, 0, len(DomainDelegate)+1+len(delegatePub)+8)
	msg = append(msg, DomainDelegate...)
	msg = append(msg, 0x00)
	msg = append(msg, delegatePub...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(expiryMs))
	return msg
}

// ComputeHash hashes the header's canonical encoding with its Hash field
// left out.
func (h *MiniblockHeader) ComputeHash() Hash {
	return hashWithDomain(DomainMiniblock, encodeMiniblockHeader(h))
}
