// Package client provides a transport-agnostic interface for the river
// node and a gRPC implementation used by the CLI, plus an HTTP client for
// the health, info and server-sent sync endpoints.
package client

import (
	"context"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/api"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
)

// StreamClient is the interface CLI commands use to talk to a node.
type StreamClient interface {
	// Streams
	CreateStream(ctx context.Context, id protocol.StreamID, events []*protocol.Envelope) (*protocol.StreamSnapshot, error)
	AddEvent(ctx context.Context, id protocol.StreamID, event *protocol.Envelope) error
	GetStream(ctx context.Context, id protocol.StreamID) (*protocol.StreamSnapshot, error)
	GetLastMiniblockHash(ctx context.Context, id protocol.StreamID) ([]byte, int64, error)

	// Sync
	Sync(ctx context.Context, cookies []protocol.SyncCookie, opts SyncOptions) (*SyncStream, error)
	AddStreamToSync(ctx context.Context, syncID string, cookie protocol.SyncCookie) error
	RemoveStreamFromSync(ctx context.Context, syncID string, id protocol.StreamID) error
	CancelSync(ctx context.Context, syncID string) error
	PingSync(ctx context.Context, syncID, nonce string) error

	// Diagnostics
	Info(ctx context.Context, debug ...string) (*api.InfoResponse, error)

	// Lifecycle
	Close() error
}

// SyncOptions are the per-call options of Sync.
type SyncOptions struct {
	// Shared routes the session through the node's shared multiplexer.
	Shared bool
	// Timeout is nil for the node default. A negative value means no timeout.
	Timeout *time.Duration
}

// NoTimeout returns a SyncOptions timeout that keeps the session open
// until it is cancelled.
func NoTimeout() *time.Duration {
	d := time.Duration(-1)
	return &d
}

func (o SyncOptions) timeoutMs() *int64 {
	if o.Timeout == nil {
		return nil
	}
	ms := int64(-1)
	if *o.Timeout >= 0 {
		ms = o.Timeout.Milliseconds()
	}
	return &ms
}
