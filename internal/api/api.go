// Package api defines the river.StreamService wire messages, the service
// descriptor and a typed client stub. Messages travel as JSON through the
// gRPC codec registered in codec.go.
package api

import (
	"github.com/alfredjeanlab/rivernode/internal/protocol"
)

type CreateStreamRequest struct {
	StreamID protocol.StreamID    `json:"stream_id"`
	Events   []*protocol.Envelope `json:"events"`
}

type CreateStreamResponse struct {
	Stream *protocol.StreamSnapshot `json:"stream"`
}

type AddEventRequest struct {
	StreamID protocol.StreamID  `json:"stream_id"`
	Event    *protocol.Envelope `json:"event"`
}

type AddEventResponse struct{}

type GetStreamRequest struct {
	StreamID protocol.StreamID `json:"stream_id"`
}

type GetStreamResponse struct {
	Stream *protocol.StreamSnapshot `json:"stream"`
}

type GetLastMiniblockHashRequest struct {
	StreamID protocol.StreamID `json:"stream_id"`
}

type GetLastMiniblockHashResponse struct {
	Hash         []byte `json:"hash"`
	MiniblockNum int64  `json:"miniblock_num"`
}

type SyncStreamsRequest struct {
	SyncPos []protocol.SyncCookie `json:"sync_pos"`
	// TimeoutMs is nil for the node default, -1 for no timeout, 0 to close
	// once the initial backlog is delivered.
	TimeoutMs *int64 `json:"timeout_ms,omitempty"`
}

// StreamUpdate is the delta of one stream delivered by sync.
type StreamUpdate struct {
	StreamID       protocol.StreamID           `json:"stream_id"`
	Events         []*protocol.Envelope        `json:"events"`
	Sealed         []*protocol.MiniblockHeader `json:"sealed,omitempty"`
	NextSyncCookie protocol.SyncCookie         `json:"next_sync_cookie"`
}

type SyncStreamsResponse struct {
	SyncID string `json:"sync_id"`
	SyncOp string `json:"sync_op"`
	// Stream is set for SYNC_UPDATE.
	Stream *StreamUpdate `json:"stream,omitempty"`
	// StreamID names the stream of a SYNC_DOWN.
	StreamID  string `json:"stream_id,omitempty"`
	PongNonce string `json:"pong_nonce,omitempty"`
	Message   string `json:"message,omitempty"`
}

type AddStreamToSyncRequest struct {
	SyncID  string              `json:"sync_id"`
	SyncPos protocol.SyncCookie `json:"sync_pos"`
}

type AddStreamToSyncResponse struct{}

type RemoveStreamFromSyncRequest struct {
	SyncID   string            `json:"sync_id"`
	StreamID protocol.StreamID `json:"stream_id"`
}

type RemoveStreamFromSyncResponse struct{}

type CancelSyncRequest struct {
	SyncID string `json:"sync_id"`
}

type CancelSyncResponse struct{}

type PingSyncRequest struct {
	SyncID string `json:"sync_id"`
	Nonce  string `json:"nonce"`
}

type PingSyncResponse struct{}

type InfoRequest struct {
	Debug []string `json:"debug,omitempty"`
}

type InfoResponse struct {
	Graffiti    string `json:"graffiti"`
	Version     string `json:"version,omitempty"`
	NodeAddress string `json:"node_address,omitempty"`
	Streams     int    `json:"streams,omitempty"`
	SyncCount   int    `json:"sync_sessions,omitempty"`
	// Sealed is the number of miniblocks sealed by a "flush" request.
	Sealed int `json:"sealed,omitempty"`
}
