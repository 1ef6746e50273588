package server

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/admission"
	"github.com/alfredjeanlab/rivernode/internal/auth"
	"github.com/alfredjeanlab/rivernode/internal/client"
	"github.com/alfredjeanlab/rivernode/internal/membership"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/signing"
	"github.com/alfredjeanlab/rivernode/internal/store/memory"
	"github.com/alfredjeanlab/rivernode/internal/streamlog"
	"github.com/alfredjeanlab/rivernode/internal/streamsync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// testNode is a full node served over an in-memory gRPC listener.
type testNode struct {
	log    *streamlog.Log
	engine *streamsync.Engine
	srv    *StreamServer
	client *client.GRPCClient
	http   *httptest.Server
}

type nodeOptions struct {
	Options
	token     string
	queueSize int
}

func startNode(t *testing.T, o nodeOptions) *testNode {
	t.Helper()
	log := streamlog.New(memory.New(), streamlog.Config{MiniblockMaxEvents: 100, MiniblockInterval: time.Hour}, nil)
	members := membership.NewTracker()
	log.AddObserver(members)
	p := admission.New(admission.Config{
		Log:        log,
		Members:    members,
		Authorizer: auth.NewMembershipAuthorizer(members),
		Node:       newSigner(t),
	})
	engine := streamsync.NewEngine(log, streamsync.Config{QueueSize: o.queueSize}, nil)
	if o.SyncTimeout == 0 {
		o.SyncTimeout = streamsync.NoTimeout
	}
	srv := NewStreamServer(p, log, engine, o.Options, nil)

	gs, _ := NewGRPCServer(srv, o.token, nil)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Serve(lis) }()

	c, err := client.NewGRPCClient("passthrough:///bufnet", o.token,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(srv.NewHTTPHandler(o.token))

	t.Cleanup(func() {
		c.Close()
		hs.Close()
		engine.Close()
		gs.Stop()
	})
	return &testNode{log: log, engine: engine, srv: srv, client: c, http: hs}
}

func newSigner(t *testing.T) *signing.SignerContext {
	t.Helper()
	w, err := signing.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	return signing.NewSignerContext(w)
}

func (n *testNode) createUser(t *testing.T, s *signing.SignerContext) protocol.StreamID {
	t.Helper()
	id := protocol.UserStreamID(s.Address())
	if _, err := client.Create(context.Background(), n.client, s, id, &protocol.UserInception{StreamID: id}); err != nil {
		t.Fatalf("create user stream: %v", err)
	}
	return id
}

func (n *testNode) createSpace(t *testing.T, s *signing.SignerContext) protocol.StreamID {
	t.Helper()
	id := protocol.MakeSpaceID()
	if _, err := client.Create(context.Background(), n.client, s, id,
		&protocol.SpaceInception{StreamID: id},
		&protocol.MemberMembership{Op: protocol.OpJoin, UserID: s.Address()},
	); err != nil {
		t.Fatalf("create space: %v", err)
	}
	return id
}

func (n *testNode) createChannel(t *testing.T, s *signing.SignerContext, space protocol.StreamID) protocol.StreamID {
	t.Helper()
	id := protocol.MakeChannelID()
	if _, err := client.Create(context.Background(), n.client, s, id,
		&protocol.ChannelInception{StreamID: id, SpaceID: space},
		&protocol.MemberMembership{Op: protocol.OpJoin, UserID: s.Address(), StreamParentID: space},
	); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return id
}

func (n *testNode) post(t *testing.T, s *signing.SignerContext, id protocol.StreamID, text string) {
	t.Helper()
	if _, err := client.Append(context.Background(), n.client, s, id, &protocol.ChannelMessage{Ciphertext: text}); err != nil {
		t.Fatalf("post %q: %v", text, err)
	}
}

func wantCode(t *testing.T, err error, code rpcerr.Code) {
	t.Helper()
	if !rpcerr.IsCode(err, code) {
		t.Fatalf("err = %v, want %s", err, code.Qualified())
	}
}

func messages(t *testing.T, envs []*protocol.Envelope) []string {
	t.Helper()
	var out []string
	for _, env := range envs {
		ev, err := protocol.ParseEnvelope(env)
		if err != nil {
			t.Fatal(err)
		}
		if m, ok := ev.Event.Payload.(*protocol.ChannelMessage); ok {
			out = append(out, m.Ciphertext)
		}
	}
	return out
}
