package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/admission"
	"github.com/alfredjeanlab/rivernode/internal/api"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/streamlog"
	"github.com/alfredjeanlab/rivernode/internal/streamsync"
)

// Options are the node settings the service reports or applies per call.
type Options struct {
	Graffiti       string
	Version        string
	DebugEndpoints bool
	// SyncTimeout applies when a SyncStreams request carries no timeout.
	SyncTimeout time.Duration
}

// StreamServer implements api.StreamServiceServer.
type StreamServer struct {
	pipeline *admission.Pipeline
	log      *streamlog.Log
	sync     *streamsync.Engine
	opts     Options
	logger   *slog.Logger
}

var _ api.StreamServiceServer = (*StreamServer)(nil)

// NewStreamServer returns a service over the given pipeline, log and sync engine.
func NewStreamServer(p *admission.Pipeline, log *streamlog.Log, engine *streamsync.Engine, opts Options, logger *slog.Logger) *StreamServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamServer{pipeline: p, log: log, sync: engine, opts: opts, logger: logger}
}

func requireStreamID(id protocol.StreamID) error {
	if id.IsZero() {
		return rpcerr.New(rpcerr.BadStreamID, "stream_id is required")
	}
	return nil
}

// CreateStream creates a stream from its genesis events.
func (s *StreamServer) CreateStream(ctx context.Context, req *api.CreateStreamRequest) (*api.CreateStreamResponse, error) {
	if err := requireStreamID(req.StreamID); err != nil {
		return nil, err
	}
	if len(req.Events) == 0 {
		return nil, rpcerr.New(rpcerr.BadStreamCreationParams, "events are required")
	}
	snap, err := s.pipeline.CreateStream(ctx, req.StreamID, req.Events)
	if err != nil {
		return nil, err
	}
	return &api.CreateStreamResponse{Stream: snap}, nil
}

// AddEvent appends one event. Re-submitting a committed event succeeds.
func (s *StreamServer) AddEvent(ctx context.Context, req *api.AddEventRequest) (*api.AddEventResponse, error) {
	if err := requireStreamID(req.StreamID); err != nil {
		return nil, err
	}
	if req.Event == nil {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "event is required")
	}
	if err := s.pipeline.AddEvent(ctx, req.StreamID, req.Event); err != nil {
		return nil, err
	}
	return &api.AddEventResponse{}, nil
}

// GetStream returns the stream's committed state.
func (s *StreamServer) GetStream(_ context.Context, req *api.GetStreamRequest) (*api.GetStreamResponse, error) {
	if err := requireStreamID(req.StreamID); err != nil {
		return nil, err
	}
	snap, err := s.log.Snapshot(req.StreamID)
	if err != nil {
		return nil, err
	}
	return &api.GetStreamResponse{Stream: snap}, nil
}

// GetLastMiniblockHash returns the head appends must reference.
func (s *StreamServer) GetLastMiniblockHash(_ context.Context, req *api.GetLastMiniblockHashRequest) (*api.GetLastMiniblockHashResponse, error) {
	if err := requireStreamID(req.StreamID); err != nil {
		return nil, err
	}
	hash, num, err := s.log.LastMiniblockHash(req.StreamID)
	if err != nil {
		return nil, err
	}
	return &api.GetLastMiniblockHashResponse{Hash: hash, MiniblockNum: num}, nil
}

// Info reports node details. The first debug selector can instead
// trigger a diagnostic action or an injected error.
func (s *StreamServer) Info(ctx context.Context, req *api.InfoRequest) (*api.InfoResponse, error) {
	resp := &api.InfoResponse{
		Graffiti:    s.opts.Graffiti,
		Version:     s.opts.Version,
		NodeAddress: s.pipeline.NodeAddress().String(),
		Streams:     len(s.log.StreamIDs()),
		SyncCount:   s.sync.Sessions(),
	}
	if len(req.Debug) == 0 {
		return resp, nil
	}
	switch req.Debug[0] {
	case "graffiti":
		return &api.InfoResponse{Graffiti: s.opts.Graffiti}, nil
	case "ping":
		if !s.opts.DebugEndpoints {
			return nil, rpcerr.New(rpcerr.PermissionDenied, "debug endpoints are disabled")
		}
		return &api.InfoResponse{Graffiti: "pong"}, nil
	case "error":
		return nil, rpcerr.New(rpcerr.DebugError, "Error requested through Info request")
	case "error_untyped":
		return nil, errors.New("error requested through Info request")
	case "flush":
		n, err := s.log.SealAll(ctx)
		if err != nil {
			return nil, err
		}
		resp.Sealed = n
		return resp, nil
	default:
		return nil, rpcerr.Newf(rpcerr.InvalidArgument, "unknown debug selector %q", req.Debug[0])
	}
}
