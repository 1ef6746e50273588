package client

import (
	"context"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/signing"
)

// maxAppendAttempts bounds Append's retries after a concurrent seal moved
// the head.
const maxAppendAttempts = 3

// Append signs payload against the stream's current head and adds it. A
// BAD_PREV_MINIBLOCK_HASH means the head moved between the read and the
// write; Append re-reads the head and tries again.
func Append(ctx context.Context, c StreamClient, signer *signing.SignerContext, id protocol.StreamID, payload protocol.Payload) (*protocol.Envelope, error) {
	var err error
	for range maxAppendAttempts {
		var head []byte
		head, _, err = c.GetLastMiniblockHash(ctx, id)
		if err != nil {
			return nil, err
		}
		var env *protocol.Envelope
		env, err = signing.MakeEnvelope(signer, payload, head)
		if err != nil {
			return nil, err
		}
		err = c.AddEvent(ctx, id, env)
		if err == nil {
			return env, nil
		}
		if !rpcerr.IsCode(err, rpcerr.BadPrevMiniblockHash) {
			return nil, err
		}
	}
	return nil, err
}

// Create builds a stream from its inception payload followed by extra
// genesis payloads, all signed by signer.
func Create(ctx context.Context, c StreamClient, signer *signing.SignerContext, id protocol.StreamID, payloads ...protocol.Payload) (*protocol.StreamSnapshot, error) {
	envs, err := signing.MakeEvents(signer, payloads...)
	if err != nil {
		return nil, err
	}
	return c.CreateStream(ctx, id, envs)
}
