package store

import (
	"context"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

// ErrNotFound is returned when a stream does not exist.
var ErrNotFound = rpcerr.New(rpcerr.NotFound, "stream not found")

// ErrAlreadyExists is returned when creating a stream that already exists.
var ErrAlreadyExists = rpcerr.New(rpcerr.AlreadyExists, "stream already exists")

// StreamData is everything persisted for one stream.
type StreamData struct {
	StreamID   protocol.StreamID
	Miniblocks []*protocol.Miniblock
	Minipool   []*protocol.Envelope
}

// Store defines the persistence interface for streams. Events are stored
// with their position in the stream's history; events not yet sealed into a
// miniblock form the minipool.
type Store interface {
	// CreateStream stores a new stream with its genesis miniblock.
	CreateStream(ctx context.Context, id protocol.StreamID, genesis *protocol.Miniblock) error
	// AppendEvents adds events to the minipool starting at position.
	AppendEvents(ctx context.Context, id protocol.StreamID, position int64, events []*protocol.Envelope) error
	// SealMiniblock stores mb and moves its events out of the minipool.
	SealMiniblock(ctx context.Context, id protocol.StreamID, mb *protocol.Miniblock) error

	LoadStream(ctx context.Context, id protocol.StreamID) (*StreamData, error)
	ListStreams(ctx context.Context) ([]protocol.StreamID, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
