package client

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/rivernode/internal/api"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// GRPCClient implements StreamClient using the gRPC transport. Errors
// come back as *rpcerr.Error with the node's code.
type GRPCClient struct {
	conn   *grpc.ClientConn
	client *api.StreamServiceClient
}

var _ StreamClient = (*GRPCClient)(nil)

// NewGRPCClient connects to the given gRPC address and returns a client.
// When token is non-empty it is sent as a Bearer token on every call.
func NewGRPCClient(addr, token string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	if token != "" {
		opts = append(opts,
			grpc.WithChainUnaryInterceptor(bearerTokenInterceptor(token)),
			grpc.WithChainStreamInterceptor(bearerTokenStreamInterceptor(token)),
		)
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &GRPCClient{conn: conn, client: api.NewStreamServiceClient(conn)}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// bearerTokenInterceptor attaches a Bearer token to every outgoing unary call.
func bearerTokenInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func bearerTokenStreamInterceptor(token string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		return streamer(ctx, desc, cc, method, opts...)
	}
}

// --- Streams ---

func (c *GRPCClient) CreateStream(ctx context.Context, id protocol.StreamID, events []*protocol.Envelope) (*protocol.StreamSnapshot, error) {
	resp, err := c.client.CreateStream(ctx, &api.CreateStreamRequest{StreamID: id, Events: events})
	if err != nil {
		return nil, rpcerr.FromStatus(err)
	}
	return resp.Stream, nil
}

func (c *GRPCClient) AddEvent(ctx context.Context, id protocol.StreamID, event *protocol.Envelope) error {
	_, err := c.client.AddEvent(ctx, &api.AddEventRequest{StreamID: id, Event: event})
	return rpcerr.FromStatus(err)
}

func (c *GRPCClient) GetStream(ctx context.Context, id protocol.StreamID) (*protocol.StreamSnapshot, error) {
	resp, err := c.client.GetStream(ctx, &api.GetStreamRequest{StreamID: id})
	if err != nil {
		return nil, rpcerr.FromStatus(err)
	}
	return resp.Stream, nil
}

func (c *GRPCClient) GetLastMiniblockHash(ctx context.Context, id protocol.StreamID) ([]byte, int64, error) {
	resp, err := c.client.GetLastMiniblockHash(ctx, &api.GetLastMiniblockHashRequest{StreamID: id})
	if err != nil {
		return nil, 0, rpcerr.FromStatus(err)
	}
	return resp.Hash, resp.MiniblockNum, nil
}

// --- Sync ---

// SyncStream is an open SyncStreams call.
type SyncStream struct {
	stream api.SyncStreamsClient
	cancel context.CancelFunc
	id     string
}

// ID is the session id, known once the SYNC_NEW record has been received.
func (s *SyncStream) ID() string { return s.id }

// Recv returns the next record. It returns io.EOF once the node has closed
// the session.
func (s *SyncStream) Recv() (*api.SyncStreamsResponse, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return nil, rpcerr.FromStatus(err)
	}
	if s.id == "" {
		s.id = resp.SyncID
	}
	return resp, nil
}

// Close abandons the call. The node ends the session when it sees the
// transport go away; use CancelSync for a prompt, acknowledged end.
func (s *SyncStream) Close() { s.cancel() }

func (c *GRPCClient) Sync(ctx context.Context, cookies []protocol.SyncCookie, opts SyncOptions) (*SyncStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	if opts.Shared {
		ctx = metadata.AppendToOutgoingContext(ctx, api.SharedSyncHeader, "true")
	}
	stream, err := c.client.SyncStreams(ctx, &api.SyncStreamsRequest{SyncPos: cookies, TimeoutMs: opts.timeoutMs()})
	if err != nil {
		cancel()
		return nil, rpcerr.FromStatus(err)
	}
	return &SyncStream{stream: stream, cancel: cancel}, nil
}

func (c *GRPCClient) AddStreamToSync(ctx context.Context, syncID string, cookie protocol.SyncCookie) error {
	_, err := c.client.AddStreamToSync(ctx, &api.AddStreamToSyncRequest{SyncID: syncID, SyncPos: cookie})
	return rpcerr.FromStatus(err)
}

func (c *GRPCClient) RemoveStreamFromSync(ctx context.Context, syncID string, id protocol.StreamID) error {
	_, err := c.client.RemoveStreamFromSync(ctx, &api.RemoveStreamFromSyncRequest{SyncID: syncID, StreamID: id})
	return rpcerr.FromStatus(err)
}

func (c *GRPCClient) CancelSync(ctx context.Context, syncID string) error {
	_, err := c.client.CancelSync(ctx, &api.CancelSyncRequest{SyncID: syncID})
	return rpcerr.FromStatus(err)
}

func (c *GRPCClient) PingSync(ctx context.Context, syncID, nonce string) error {
	_, err := c.client.PingSync(ctx, &api.PingSyncRequest{SyncID: syncID, Nonce: nonce})
	return rpcerr.FromStatus(err)
}

// --- Diagnostics ---

func (c *GRPCClient) Info(ctx context.Context, debug ...string) (*api.InfoResponse, error) {
	resp, err := c.client.Info(ctx, &api.InfoRequest{Debug: debug})
	if err != nil {
		return nil, rpcerr.FromStatus(err)
	}
	return resp, nil
}
