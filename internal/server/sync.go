package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/api"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/streamsync"
	"google.golang.org/grpc/metadata"
)

// syncOptions resolves the session options of a SyncStreams call.
func (s *StreamServer) syncOptions(ctx context.Context, timeoutMs *int64) (streamsync.Options, error) {
	opts := streamsync.Options{Shared: sharedSync(ctx), Timeout: s.opts.SyncTimeout}
	if timeoutMs != nil {
		switch ms := *timeoutMs; {
		case ms == -1:
			opts.Timeout = streamsync.NoTimeout
		case ms < 0:
			return opts, rpcerr.Newf(rpcerr.InvalidArgument, "timeout_ms must be -1, 0 or positive, got %d", ms)
		default:
			opts.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return opts, nil
}

func sharedSync(ctx context.Context) bool {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return false
	}
	vals := md.Get(api.SharedSyncHeader)
	return len(vals) > 0 && strings.EqualFold(vals[0], "true")
}

// SyncStreams opens a session and streams its records until the session
// closes or the caller goes away.
func (s *StreamServer) SyncStreams(req *api.SyncStreamsRequest, stream api.SyncStreamsServer) error {
	ctx := stream.Context()
	opts, err := s.syncOptions(ctx, req.TimeoutMs)
	if err != nil {
		return err
	}
	sess, err := s.sync.StartSync(ctx, req.SyncPos, opts)
	if err != nil {
		return err
	}
	// Cancels a session that is still open when Send fails.
	defer func() { _ = s.sync.CancelSync(context.WithoutCancel(ctx), sess.ID()) }()

	return pump(ctx, sess, func(r *streamsync.Record) error {
		return stream.Send(toResponse(r))
	})
}

// pump forwards session records to send until the session ends.
func pump(ctx context.Context, sess *streamsync.Session, send func(*streamsync.Record) error) error {
	for {
		rec, err := sess.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := send(rec); err != nil {
			return err
		}
	}
}

func toResponse(r *streamsync.Record) *api.SyncStreamsResponse {
	resp := &api.SyncStreamsResponse{
		SyncID:    r.SyncID,
		SyncOp:    r.Op.String(),
		PongNonce: r.Nonce,
		Message:   r.Message,
	}
	switch r.Op {
	case streamsync.SyncUpdate:
		resp.Stream = &api.StreamUpdate{
			StreamID:       r.Update.StreamID,
			Events:         r.Update.Events,
			Sealed:         r.Update.Sealed,
			NextSyncCookie: r.Update.Cookie,
		}
	case streamsync.SyncDown:
		resp.StreamID = r.StreamID.String()
	}
	return resp
}

func (s *StreamServer) AddStreamToSync(ctx context.Context, req *api.AddStreamToSyncRequest) (*api.AddStreamToSyncResponse, error) {
	if err := requireStreamID(req.SyncPos.StreamID); err != nil {
		return nil, err
	}
	if err := s.sync.AddStreamToSync(ctx, req.SyncID, req.SyncPos); err != nil {
		return nil, err
	}
	return &api.AddStreamToSyncResponse{}, nil
}

func (s *StreamServer) RemoveStreamFromSync(ctx context.Context, req *api.RemoveStreamFromSyncRequest) (*api.RemoveStreamFromSyncResponse, error) {
	if err := s.sync.RemoveStreamFromSync(ctx, req.SyncID, req.StreamID); err != nil {
		return nil, err
	}
	return &api.RemoveStreamFromSyncResponse{}, nil
}

func (s *StreamServer) CancelSync(ctx context.Context, req *api.CancelSyncRequest) (*api.CancelSyncResponse, error) {
	if err := s.sync.CancelSync(ctx, req.SyncID); err != nil {
		return nil, err
	}
	return &api.CancelSyncResponse{}, nil
}

func (s *StreamServer) PingSync(ctx context.Context, req *api.PingSyncRequest) (*api.PingSyncResponse, error) {
	if err := s.sync.PingSync(ctx, req.SyncID, req.Nonce); err != nil {
		return nil, err
	}
	return &api.PingSyncResponse{}, nil
}
