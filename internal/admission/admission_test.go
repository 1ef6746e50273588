package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/auth"
	"github.com/alfredjeanlab/rivernode/internal/membership"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/signing"
	"github.com/alfredjeanlab/rivernode/internal/store/memory"
	"github.com/alfredjeanlab/rivernode/internal/streamlog"
)

type recordingListener struct {
	mu      sync.Mutex
	results []*streamlog.Committed
}

func (r *recordingListener) Committed(_ context.Context, results []*streamlog.Committed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results...)
}

type harness struct {
	p        *Pipeline
	log      *streamlog.Log
	members  *membership.Tracker
	node     *signing.SignerContext
	listener *recordingListener
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := streamlog.New(memory.New(), streamlog.Config{MiniblockMaxEvents: 100}, nil)
	members := membership.NewTracker()
	log.AddObserver(members)
	h := &harness{
		log:      log,
		members:  members,
		node:     newSigner(t),
		listener: &recordingListener{},
		now:      time.Now(),
	}
	h.p = New(Config{
		Log:        log,
		Members:    members,
		Authorizer: auth.NewMembershipAuthorizer(members),
		Node:       h.node,
		Listeners:  []CommitListener{h.listener},
		Now:        func() time.Time { return h.now },
	})
	return h
}

func newSigner(t *testing.T) *signing.SignerContext {
	t.Helper()
	w, err := signing.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	return signing.NewSignerContext(w)
}

func genesis(t *testing.T, s *signing.SignerContext, payloads ...protocol.Payload) []*protocol.Envelope {
	t.Helper()
	envs, err := signing.MakeEvents(s, payloads...)
	if err != nil {
		t.Fatal(err)
	}
	return envs
}

func (h *harness) event(t *testing.T, s *signing.SignerContext, id protocol.StreamID, p protocol.Payload) *protocol.Envelope {
	t.Helper()
	head, _, err := h.log.LastMiniblockHash(id)
	if err != nil {
		t.Fatal(err)
	}
	env, err := signing.MakeEnvelopeAt(s, p, head, h.now)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func (h *harness) createUser(t *testing.T, s *signing.SignerContext) protocol.StreamID {
	t.Helper()
	id := protocol.UserStreamID(s.Address())
	if _, err := h.p.CreateStream(context.Background(), id, genesis(t, s, &protocol.UserInception{StreamID: id})); err != nil {
		t.Fatalf("create user stream: %v", err)
	}
	return id
}

func (h *harness) createSpace(t *testing.T, s *signing.SignerContext) protocol.StreamID {
	t.Helper()
	id := protocol.MakeSpaceID()
	envs := genesis(t, s,
		&protocol.SpaceInception{StreamID: id},
		&protocol.MemberMembership{Op: protocol.OpJoin, UserID: s.Address()},
	)
	if _, err := h.p.CreateStream(context.Background(), id, envs); err != nil {
		t.Fatalf("create space: %v", err)
	}
	return id
}

func (h *harness) createChannel(t *testing.T, s *signing.SignerContext, space protocol.StreamID) protocol.StreamID {
	t.Helper()
	id := protocol.MakeChannelID()
	envs := genesis(t, s,
		&protocol.ChannelInception{StreamID: id, SpaceID: space},
		&protocol.MemberMembership{Op: protocol.OpJoin, UserID: s.Address(), StreamParentID: space},
	)
	if _, err := h.p.CreateStream(context.Background(), id, envs); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return id
}

func parsedEvents(t *testing.T, envs []*protocol.Envelope) []*protocol.ParsedEvent {
	t.Helper()
	out := make([]*protocol.ParsedEvent, 0, len(envs))
	for _, env := range envs {
		p, err := protocol.ParseEnvelope(env)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func wantCode(t *testing.T, err error, code rpcerr.Code) {
	t.Helper()
	if got := rpcerr.CodeOf(err); got != code {
		t.Fatalf("code = %v, want %v (err: %v)", got, code, err)
	}
}

func TestChannelMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := newSigner(t)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	msg := h.event(t, alice, channel, &protocol.ChannelMessage{Ciphertext: "hello"})
	if err := h.p.AddEvent(ctx, channel, msg); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	snap, err := h.log.Snapshot(channel)
	if err != nil {
		t.Fatal(err)
	}
	var messages []*protocol.ChannelMessage
	for _, ev := range parsedEvents(t, snap.Envelopes()) {
		if m, ok := ev.Event.Payload.(*protocol.ChannelMessage); ok {
			messages = append(messages, m)
		}
	}
	if len(messages) != 1 || messages[0].Ciphertext != "hello" {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestAddEvent_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := newSigner(t)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	msg := h.event(t, alice, channel, &protocol.ChannelMessage{Ciphertext: "once"})
	for i := 0; i < 2; i++ {
		if err := h.p.AddEvent(ctx, channel, msg); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	events, _ := h.log.Read(channel)
	if len(events) != 3 {
		t.Fatalf("got %d events, want inception, join and one message", len(events))
	}
}

func TestCreateStream_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := newSigner(t)
	id := protocol.MakeSpaceID()
	envs := genesis(t, alice, &protocol.SpaceInception{StreamID: id})

	first, err := h.p.CreateStream(ctx, id, envs)
	if err != nil {
		t.Fatal(err)
	}
	again, err := h.p.CreateStream(ctx, id, envs)
	if err != nil {
		t.Fatalf("re-submit: %v", err)
	}
	if !first.LastMiniblock().ComputeHash().Equal(again.LastMiniblock().Hash) {
		t.Fatal("re-submitted creation returned a different stream")
	}

	_, err = h.p.CreateStream(ctx, id, genesis(t, alice, &protocol.SpaceInception{StreamID: id}))
	wantCode(t, err, rpcerr.AlreadyExists)
}

func TestCreateStream_Snapshot(t *testing.T) {
	h := newHarness(t)
	alice := newSigner(t)
	id := protocol.MakeSpaceID()
	snap, err := h.p.CreateStream(context.Background(), id, genesis(t, alice,
		&protocol.SpaceInception{StreamID: id},
		&protocol.MemberMembership{Op: protocol.OpJoin, UserID: alice.Address()},
	))
	if err != nil {
		t.Fatal(err)
	}
	last := snap.LastMiniblock()
	if last == nil || last.Num != 0 || len(last.EventHashes) != 2 {
		t.Fatalf("last miniblock = %+v", last)
	}
	if snap.NextSyncCookie.Position != 2 || snap.NextSyncCookie.StreamID != id {
		t.Fatalf("cookie = %+v", snap.NextSyncCookie)
	}
	if !h.members.IsMember(id, alice.Address()) {
		t.Fatal("bootstrap join should make the creator a member")
	}
}

func TestCreateStream_Rejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, bob := newSigner(t), newSigner(t)
	space := h.createSpace(t, alice)

	t.Run("NoEvents", func(t *testing.T) {
		_, err := h.p.CreateStream(ctx, protocol.MakeSpaceID(), nil)
		wantCode(t, err, rpcerr.BadStreamCreationParams)
	})
	t.Run("NotInception", func(t *testing.T) {
		_, err := h.p.CreateStream(ctx, protocol.MakeSpaceID(),
			genesis(t, alice, &protocol.MemberMembership{Op: protocol.OpJoin, UserID: alice.Address()}))
		wantCode(t, err, rpcerr.BadStreamCreationParams)
	})
	t.Run("InceptionMismatch", func(t *testing.T) {
		id := protocol.MakeSpaceID()
		_, err := h.p.CreateStream(ctx, id, genesis(t, alice,
			&protocol.SpaceInception{StreamID: id},
			&protocol.ChannelMessage{Ciphertext: "x"},
		))
		wantCode(t, err, rpcerr.BadStreamCreationParams)
		e, _ := rpcerr.AsError(err)
		if e.Msg != "inception type mismatch: channel_payload::message vs space_payload::inception" {
			t.Fatalf("message = %q", e.Msg)
		}
	})
	t.Run("JoinForSomeoneElse", func(t *testing.T) {
		id := protocol.MakeSpaceID()
		_, err := h.p.CreateStream(ctx, id, genesis(t, alice,
			&protocol.SpaceInception{StreamID: id},
			&protocol.MemberMembership{Op: protocol.OpJoin, UserID: bob.Address()},
		))
		wantCode(t, err, rpcerr.BadStreamCreationParams)
	})
	t.Run("MissingSpace", func(t *testing.T) {
		id := protocol.MakeChannelID()
		_, err := h.p.CreateStream(ctx, id, genesis(t, alice,
			&protocol.ChannelInception{StreamID: id, SpaceID: protocol.MakeSpaceID()}))
		wantCode(t, err, rpcerr.BadStreamCreationParams)
	})
	t.Run("ChannelByNonMember", func(t *testing.T) {
		id := protocol.MakeChannelID()
		_, err := h.p.CreateStream(ctx, id, genesis(t, bob,
			&protocol.ChannelInception{StreamID: id, SpaceID: space}))
		wantCode(t, err, rpcerr.PermissionDenied)
		if h.log.Exists(id) {
			t.Fatal("denied creation left a stream behind")
		}
	})
	t.Run("OtherUsersStream", func(t *testing.T) {
		id := protocol.UserStreamID(bob.Address())
		_, err := h.p.CreateStream(ctx, id, genesis(t, alice, &protocol.UserInception{StreamID: id}))
		wantCode(t, err, rpcerr.PermissionDenied)
	})
	t.Run("BadSignature", func(t *testing.T) {
		id := protocol.MakeSpaceID()
		envs := genesis(t, alice, &protocol.SpaceInception{StreamID: id})
		envs[0].Signature = append([]byte(nil), envs[0].Signature...)
		envs[0].Signature[0] ^= 0xff
		_, err := h.p.CreateStream(ctx, id, envs)
		wantCode(t, err, rpcerr.BadEventSignature)
	})
}

func TestAddEvent_Chaining(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := newSigner(t)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	fixed := make([]byte, protocol.HashLen)
	for i := range fixed {
		fixed[i] = 0x11
	}
	env, err := signing.MakeEnvelopeAt(alice, &protocol.ChannelMessage{Ciphertext: "x"}, fixed, h.now)
	if err != nil {
		t.Fatal(err)
	}
	wantCode(t, h.p.AddEvent(ctx, channel, env), rpcerr.BadPrevMiniblockHash)

	env, err = signing.MakeEnvelopeAt(alice, &protocol.ChannelMessage{Ciphertext: "x"}, nil, h.now)
	if err != nil {
		t.Fatal(err)
	}
	wantCode(t, h.p.AddEvent(ctx, channel, env), rpcerr.InvalidArgument)

	events, _ := h.log.Read(channel)
	if len(events) != 2 {
		t.Fatalf("rejected appends changed the stream: %d events", len(events))
	}
}

func TestAddEvent_StaleHeadAfterSeal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := newSigner(t)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	stale := h.event(t, alice, channel, &protocol.ChannelMessage{Ciphertext: "late"})
	if err := h.p.AddEvent(ctx, channel, h.event(t, alice, channel, &protocol.ChannelMessage{Ciphertext: "a"})); err != nil {
		t.Fatal(err)
	}
	if _, err := h.log.Seal(ctx, channel); err != nil {
		t.Fatal(err)
	}
	wantCode(t, h.p.AddEvent(ctx, channel, stale), rpcerr.BadPrevMiniblockHash)
	if err := h.p.AddEvent(ctx, channel, h.event(t, alice, channel, &protocol.ChannelMessage{Ciphertext: "late"})); err != nil {
		t.Fatalf("retry with fresh head: %v", err)
	}
}

func TestAddEvent_TypeConsistency(t *testing.T) {
	h := newHarness(t)
	alice := newSigner(t)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	env := h.event(t, alice, channel, &protocol.UserMembership{Op: protocol.OpJoin, StreamID: space})
	err := h.p.AddEvent(context.Background(), channel, env)
	wantCode(t, err, rpcerr.BadStreamCreationParams)
}

func TestAddEvent_NotFound(t *testing.T) {
	h := newHarness(t)
	alice := newSigner(t)
	env, err := signing.MakeEnvelope(alice, &protocol.ChannelMessage{Ciphertext: "x"}, []byte{1})
	if err != nil {
		t.Fatal(err)
	}
	wantCode(t, h.p.AddEvent(context.Background(), protocol.MakeChannelID(), env), rpcerr.NotFound)
}

func TestAddEvent_DelegationExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := newSigner(t)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	expiry := h.now.Add(time.Hour)
	delegated, err := signing.NewDelegatedSignerContext(alice.Wallet, expiry)
	if err != nil {
		t.Fatal(err)
	}

	h.now = expiry.Add(-time.Minute)
	before := h.event(t, delegated, channel, &protocol.ChannelMessage{Ciphertext: "before"})
	if err := h.p.AddEvent(ctx, channel, before); err != nil {
		t.Fatalf("before expiry: %v", err)
	}

	h.now = expiry.Add(time.Minute)
	err = h.p.AddEvent(ctx, channel, h.event(t, delegated, channel, &protocol.ChannelMessage{Ciphertext: "after"}))
	wantCode(t, err, rpcerr.PermissionDenied)

	// Retrying the event committed in time is still a no-op success.
	if err := h.p.AddEvent(ctx, channel, before); err != nil {
		t.Fatalf("retry after expiry: %v", err)
	}
	if events, _ := h.log.Read(channel); len(events) != 3 {
		t.Fatalf("got %d events, want inception, join and one message", len(events))
	}
}

func TestAddEvent_SecondInception(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := newSigner(t)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)
	other := h.createSpace(t, alice)

	env := h.event(t, alice, space, &protocol.SpaceInception{StreamID: space})
	wantCode(t, h.p.AddEvent(ctx, space, env), rpcerr.BadStreamCreationParams)

	env = h.event(t, alice, channel, &protocol.ChannelInception{StreamID: channel, SpaceID: other})
	wantCode(t, h.p.AddEvent(ctx, channel, env), rpcerr.BadStreamCreationParams)

	inc, err := h.log.Inception(channel)
	if err != nil {
		t.Fatal(err)
	}
	if got := inc.(*protocol.ChannelInception).SpaceID; got != space {
		t.Fatalf("channel parent = %s, want %s", got, space)
	}
	if events, _ := h.log.Read(channel); len(events) != 2 {
		t.Fatalf("got %d events, want inception and join", len(events))
	}
}

func TestAddEvent_AuthorizationGating(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, bob := newSigner(t), newSigner(t)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	payload := &protocol.ChannelMessage{Ciphertext: "same"}
	wantCode(t, h.p.AddEvent(ctx, channel, h.event(t, bob, channel, payload)), rpcerr.PermissionDenied)
	if err := h.p.AddEvent(ctx, channel, h.event(t, alice, channel, payload)); err != nil {
		t.Fatalf("member write: %v", err)
	}
}

func TestInviteAndJoin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, bob := newSigner(t), newSigner(t)
	aliceStream := h.createUser(t, alice)
	bobStream := h.createUser(t, bob)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	invite := h.event(t, alice, aliceStream, &protocol.UserMembershipAction{
		Op: protocol.OpInvite, UserID: bob.Address(), StreamID: channel, StreamParentID: space,
	})
	if err := h.p.AddEvent(ctx, aliceStream, invite); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if got := h.members.State(channel, bob.Address()); got != membership.Invited {
		t.Fatalf("bob is %s after invite", got)
	}

	events, _ := h.log.Read(bobStream)
	parsed := parsedEvents(t, events)
	notice, ok := parsed[len(parsed)-1].Event.Payload.(*protocol.UserMembership)
	if !ok || notice.Op != protocol.OpInvite || notice.StreamID != channel || notice.Inviter != alice.Address() {
		t.Fatalf("bob's user stream tail = %+v", parsed[len(parsed)-1].Event.Payload)
	}
	if parsed[len(parsed)-1].Event.CreatorAddress != h.node.Address() {
		t.Fatal("derived event should be signed by the node")
	}

	join := h.event(t, bob, bobStream, &protocol.UserMembership{Op: protocol.OpJoin, StreamID: channel, StreamParentID: space})
	if err := h.p.AddEvent(ctx, bobStream, join); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !h.members.IsMember(channel, bob.Address()) {
		t.Fatal("bob should be a member after joining")
	}
	// Re-inviting a member is not a valid transition.
	again := h.event(t, alice, aliceStream, &protocol.UserMembershipAction{
		Op: protocol.OpInvite, UserID: bob.Address(), StreamID: channel, StreamParentID: space,
	})
	wantCode(t, h.p.AddEvent(ctx, aliceStream, again), rpcerr.FailedPrecondition)

	if err := h.p.AddEvent(ctx, channel, h.event(t, bob, channel, &protocol.ChannelMessage{Ciphertext: "hi"})); err != nil {
		t.Fatalf("bob posting after join: %v", err)
	}
}

func TestInvite_AtomicAcrossStreams(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, bob := newSigner(t), newSigner(t)
	aliceStream := h.createUser(t, alice)
	h.createUser(t, bob)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	h.listener.results = nil
	invite := h.event(t, alice, aliceStream, &protocol.UserMembershipAction{
		Op: protocol.OpInvite, UserID: bob.Address(), StreamID: channel,
	})
	if err := h.p.AddEvent(ctx, aliceStream, invite); err != nil {
		t.Fatal(err)
	}
	touched := map[protocol.StreamID]bool{}
	for _, r := range h.listener.results {
		touched[r.StreamID] = true
	}
	if len(h.listener.results) != 3 || !touched[aliceStream] || !touched[channel] || !touched[protocol.UserStreamID(bob.Address())] {
		t.Fatalf("one commit should touch all three streams, got %d results", len(h.listener.results))
	}
}

func TestInvite_Rejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, bob, carol := newSigner(t), newSigner(t), newSigner(t)
	aliceStream := h.createUser(t, alice)
	carolStream := h.createUser(t, carol)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	t.Run("MissingChannel", func(t *testing.T) {
		env := h.event(t, alice, aliceStream, &protocol.UserMembershipAction{
			Op: protocol.OpInvite, UserID: bob.Address(), StreamID: protocol.MakeChannelID(),
		})
		wantCode(t, h.p.AddEvent(ctx, aliceStream, env), rpcerr.NotFound)
	})
	t.Run("InviterNotMember", func(t *testing.T) {
		env := h.event(t, carol, carolStream, &protocol.UserMembershipAction{
			Op: protocol.OpInvite, UserID: bob.Address(), StreamID: channel,
		})
		wantCode(t, h.p.AddEvent(ctx, carolStream, env), rpcerr.PermissionDenied)
	})
	t.Run("SomeoneElsesUserStream", func(t *testing.T) {
		env := h.event(t, carol, aliceStream, &protocol.UserMembershipAction{
			Op: protocol.OpInvite, UserID: bob.Address(), StreamID: channel,
		})
		wantCode(t, h.p.AddEvent(ctx, aliceStream, env), rpcerr.PermissionDenied)
	})
	t.Run("UninvitedJoinToChannel", func(t *testing.T) {
		env := h.event(t, carol, carolStream, &protocol.UserMembership{Op: protocol.OpJoin, StreamID: channel})
		wantCode(t, h.p.AddEvent(ctx, carolStream, env), rpcerr.PermissionDenied)
	})
	if got := h.members.State(channel, bob.Address()); got != membership.NonMember {
		t.Fatalf("rejected invites changed bob's state to %s", got)
	}
}

func TestDirectSpaceJoin_NotifiesUserStream(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, bob := newSigner(t), newSigner(t)
	bobStream := h.createUser(t, bob)
	space := h.createSpace(t, alice)

	join := h.event(t, bob, space, &protocol.MemberMembership{Op: protocol.OpJoin, UserID: bob.Address()})
	if err := h.p.AddEvent(ctx, space, join); err != nil {
		t.Fatalf("join: %v", err)
	}
	events, _ := h.log.Read(bobStream)
	parsed := parsedEvents(t, events)
	notice, ok := parsed[len(parsed)-1].Event.Payload.(*protocol.UserMembership)
	if !ok || notice.StreamID != space || notice.Op != protocol.OpJoin {
		t.Fatalf("notice = %+v", parsed[len(parsed)-1].Event.Payload)
	}

	wantCode(t, h.p.AddEvent(ctx, space, h.event(t, bob, space, &protocol.MemberMembership{Op: protocol.OpJoin, UserID: bob.Address()})),
		rpcerr.FailedPrecondition)
}

func TestDirectJoin_WithoutUserStream(t *testing.T) {
	h := newHarness(t)
	alice, bob := newSigner(t), newSigner(t)
	space := h.createSpace(t, alice)

	join := h.event(t, bob, space, &protocol.MemberMembership{Op: protocol.OpJoin, UserID: bob.Address()})
	if err := h.p.AddEvent(context.Background(), space, join); err != nil {
		t.Fatalf("join without a user stream: %v", err)
	}
	if h.log.Exists(protocol.UserStreamID(bob.Address())) {
		t.Fatal("optional notice must not create the user stream")
	}
}

func TestConcurrentAppendsSameHead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := newSigner(t)
	space := h.createSpace(t, alice)
	channel := h.createChannel(t, alice, space)

	const n = 16
	envs := make([]*protocol.Envelope, n)
	for i := range envs {
		envs[i] = h.event(t, alice, channel, &protocol.ChannelMessage{Ciphertext: "m"})
	}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, env := range envs {
		wg.Add(1)
		go func(env *protocol.Envelope) {
			defer wg.Done()
			errs <- h.p.AddEvent(ctx, channel, env)
		}(env)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	events, _ := h.log.Read(channel)
	if len(events) != n+2 {
		t.Fatalf("got %d events, want %d", len(events), n+2)
	}
}
