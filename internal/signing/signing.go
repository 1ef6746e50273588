// Package signing builds and verifies signed event envelopes. A wallet signs
// either directly or through a delegate key it has authorized until an
// expiry; verification is a pure function of the envelope and the time it
// is evaluated at.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

const saltLen = 16

// Wallet is a primary identity key. Its address is the public key.
type Wallet struct {
	Address protocol.Address
	key     ed25519.PrivateKey
}

// NewWallet generates a random wallet.
func NewWallet() (*Wallet, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating wallet key: %w", err)
	}
	return walletFromKey(priv), nil
}

// WalletFromSeed restores a wallet from a 32-byte ed25519 seed.
func WalletFromSeed(seed []byte) (*Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("wallet seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return walletFromKey(ed25519.NewKeyFromSeed(seed)), nil
}

// ParseWallet restores a wallet from a hex seed.
func ParseWallet(hexSeed string) (*Wallet, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("wallet seed: %w", err)
	}
	return WalletFromSeed(seed)
}

func walletFromKey(priv ed25519.PrivateKey) *Wallet {
	w := &Wallet{key: priv}
	copy(w.Address[:], priv.Public().(ed25519.PublicKey))
	return w
}

// Seed returns the hex seed, for persisting a generated key.
func (w *Wallet) Seed() string { return hex.EncodeToString(w.key.Seed()) }

func (w *Wallet) sign(msg []byte) []byte { return ed25519.Sign(w.key, msg) }

// Delegate is a secondary key authorized by a wallet until ExpiryEpochMs
// (0 never expires).
type Delegate struct {
	Key           ed25519.PrivateKey
	Sig           []byte
	ExpiryEpochMs int64
}

// PublicKey returns the delegate's public key.
func (d *Delegate) PublicKey() []byte { return d.Key.Public().(ed25519.PublicKey) }

// SignerContext is the capability used to sign events: the creator wallet
// and an optional delegate.
type SignerContext struct {
	Wallet   *Wallet
	Delegate *Delegate
}

// NewSignerContext signs directly with w.
func NewSignerContext(w *Wallet) *SignerContext {
	return &SignerContext{Wallet: w}
}

// NewDelegatedSignerContext creates a fresh delegate key authorized by w
// until expiry. A zero expiry never expires.
func NewDelegatedSignerContext(w *Wallet, expiry time.Time) (*SignerContext, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating delegate key: %w", err)
	}
	var expiryMs int64
	if !expiry.IsZero() {
		expiryMs = expiry.UnixMilli()
	}
	d := &Delegate{Key: priv, ExpiryEpochMs: expiryMs}
	d.Sig = w.sign(protocol.DelegateMessage(d.PublicKey(), expiryMs))
	return &SignerContext{Wallet: w, Delegate: d}, nil
}

// Address is the creator address of events signed by s.
func (s *SignerContext) Address() protocol.Address { return s.Wallet.Address }

// Sign fills the delegate fields of ev, encodes it and signs the hash.
func (s *SignerContext) Sign(ev *protocol.StreamEvent) (*protocol.Envelope, error) {
	ev.CreatorAddress = s.Wallet.Address
	if s.Delegate != nil {
		ev.DelegatePublicKey = s.Delegate.PublicKey()
		ev.DelegateSig = s.Delegate.Sig
		ev.DelegateExpiryEpochMs = s.Delegate.ExpiryEpochMs
	}
	raw, err := protocol.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	h := protocol.EventHash(raw)
	var sig []byte
	if s.Delegate != nil {
		sig = ed25519.Sign(s.Delegate.Key, h[:])
	} else {
		sig = s.Wallet.sign(h[:])
	}
	return &protocol.Envelope{Event: raw, Hash: h.Bytes(), Signature: sig}, nil
}

// MakeEnvelope builds a signed envelope appending payload after the
// miniblock with hash prev.
func MakeEnvelope(s *SignerContext, payload protocol.Payload, prev []byte) (*protocol.Envelope, error) {
	return MakeEnvelopeAt(s, payload, prev, time.Now())
}

// MakeEnvelopeAt is MakeEnvelope with an explicit creation time.
func MakeEnvelopeAt(s *SignerContext, payload protocol.Payload, prev []byte, now time.Time) (*protocol.Envelope, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("reading salt: %w", err)
	}
	return s.Sign(&protocol.StreamEvent{
		Salt:              salt,
		PrevMiniblockHash: prev,
		CreatedAtEpochMs:  now.UnixMilli(),
		Payload:           payload,
	})
}

// MakeEvents builds a stream creation batch: every event is a genesis
// event with no previous miniblock.
func MakeEvents(s *SignerContext, payloads ...protocol.Payload) ([]*protocol.Envelope, error) {
	out := make([]*protocol.Envelope, 0, len(payloads))
	for _, p := range payloads {
		env, err := MakeEnvelope(s, p, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Verify checks an envelope's hash and signature at time now. When
// inception is non-nil the payload must belong to the inception's family
// (or the member family).
func Verify(env *protocol.Envelope, inception *protocol.Case, now time.Time) (*protocol.ParsedEvent, error) {
	if env == nil {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "missing event envelope")
	}
	if len(env.Hash) != protocol.HashLen {
		return nil, rpcerr.Newf(rpcerr.BadHashFormat, "bad event hash length %d", len(env.Hash))
	}
	ev, err := protocol.DecodeEvent(env.Event)
	if err != nil {
		return nil, err
	}
	h := protocol.EventHash(env.Event)
	if !h.Equal(env.Hash) {
		return nil, rpcerr.New(rpcerr.BadEventID, "event hash does not match event bytes").Tag("hash", h)
	}

	if ev.HasDelegate() {
		// Expiry is checked first: a lapsed delegation is denied whatever
		// its signatures look like.
		if ev.DelegateExpired(now) {
			return nil, rpcerr.New(rpcerr.PermissionDenied, "delegate signature expired").
				Tag("expiry_ms", ev.DelegateExpiryEpochMs)
		}
		if err := verifyDelegate(ev, env, h); err != nil {
			return nil, err
		}
	} else if !ed25519.Verify(ed25519.PublicKey(ev.CreatorAddress[:]), h[:], env.Signature) {
		return nil, rpcerr.New(rpcerr.BadEventSignature, "signature does not match creator").
			Tag("creator", ev.CreatorAddress)
	}

	if inception != nil && !protocol.MatchesInception(ev.Payload.Case(), *inception) {
		return nil, InceptionMismatch(ev.Payload.Case(), *inception)
	}
	return &protocol.ParsedEvent{Envelope: env, Event: ev, Hash: h}, nil
}

func verifyDelegate(ev *protocol.StreamEvent, env *protocol.Envelope, h protocol.Hash) error {
	if len(ev.DelegatePublicKey) != ed25519.PublicKeySize {
		return rpcerr.Newf(rpcerr.BadDelegateSig, "bad delegate key length %d", len(ev.DelegatePublicKey))
	}
	msg := protocol.DelegateMessage(ev.DelegatePublicKey, ev.DelegateExpiryEpochMs)
	if !ed25519.Verify(ed25519.PublicKey(ev.CreatorAddress[:]), msg, ev.DelegateSig) {
		return rpcerr.New(rpcerr.BadDelegateSig, "delegate not authorized by creator").
			Tag("creator", ev.CreatorAddress)
	}
	if !ed25519.Verify(ed25519.PublicKey(ev.DelegatePublicKey), h[:], env.Signature) {
		return rpcerr.New(rpcerr.BadEventSignature, "signature does not match delegate key")
	}
	return nil
}

// InceptionMismatch is the error for a payload outside the stream's family.
func InceptionMismatch(got, want protocol.Case) error {
	return rpcerr.Newf(rpcerr.BadStreamCreationParams, "inception type mismatch: %s vs %s", got, want)
}
