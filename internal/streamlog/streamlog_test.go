package streamlog

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
	"github.com/alfredjeanlab/rivernode/internal/signing"
	"github.com/alfredjeanlab/rivernode/internal/store"
	"github.com/alfredjeanlab/rivernode/internal/store/memory"
)

func newTestLog(t *testing.T, st store.Store, maxEvents int) *Log {
	t.Helper()
	if st == nil {
		st = memory.New()
	}
	return New(st, Config{MiniblockMaxEvents: maxEvents}, nil)
}

func newSigner(t *testing.T) *signing.SignerContext {
	t.Helper()
	w, err := signing.NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	return signing.NewSignerContext(w)
}

func parse(t *testing.T, env *protocol.Envelope) *protocol.ParsedEvent {
	t.Helper()
	p, err := protocol.ParseEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func envelope(t *testing.T, s *signing.SignerContext, p protocol.Payload, prev []byte) *protocol.ParsedEvent {
	t.Helper()
	env, err := signing.MakeEnvelope(s, p, prev)
	if err != nil {
		t.Fatal(err)
	}
	return parse(t, env)
}

// createChannel creates a channel stream and returns its id and head.
func createChannel(t *testing.T, l *Log, s *signing.SignerContext) (protocol.StreamID, []byte) {
	t.Helper()
	id := protocol.MakeChannelID()
	inc := envelope(t, s, &protocol.ChannelInception{StreamID: id, SpaceID: protocol.MakeSpaceID()}, nil)

	tx := l.Lock(id)
	defer tx.Unlock()
	if err := tx.Create(id, []*protocol.ParsedEvent{inc}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	head, _, err := l.LastMiniblockHash(id)
	if err != nil {
		t.Fatal(err)
	}
	return id, head
}

func appendOne(t *testing.T, l *Log, id protocol.StreamID, ev *protocol.ParsedEvent) (bool, error) {
	t.Helper()
	tx := l.Lock(id)
	defer tx.Unlock()
	dup, err := tx.Append(id, ev)
	if err != nil || dup {
		return dup, err
	}
	_, err = tx.Commit(context.Background())
	return false, err
}

func message(text string) *protocol.ChannelMessage {
	return &protocol.ChannelMessage{Ciphertext: text, Algorithm: "test"}
}

type recorder struct {
	mu      sync.Mutex
	updates []*Update
	reject  bool
}

func (r *recorder) Deliver(u *Update) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.updates = append(r.updates, u)
	return true
}

func (r *recorder) events() []*protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Envelope
	for _, u := range r.updates {
		out = append(out, u.Events...)
	}
	return out
}

func TestCreateAndRead(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id, head := createChannel(t, l, s)

	if !l.Exists(id) {
		t.Fatal("stream should exist")
	}
	if len(head) != protocol.HashLen {
		t.Fatalf("head length = %d", len(head))
	}
	inc, err := l.Inception(id)
	if err != nil || inc.InceptionStreamID() != id {
		t.Fatalf("Inception = %v, %v", inc, err)
	}

	if _, err := appendOne(t, l, id, envelope(t, s, message("hello"), head)); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := l.Read(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("Read returned %d events, want 2", len(events))
	}
	snap, err := l.Snapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Miniblocks) != 1 || len(snap.Minipool) != 1 || snap.NextSyncCookie.Position != 2 {
		t.Fatalf("snapshot = %d miniblocks, %d pending, cookie %+v",
			len(snap.Miniblocks), len(snap.Minipool), snap.NextSyncCookie)
	}
}

func TestCreate_Rejects(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id := protocol.MakeSpaceID()
	other := protocol.MakeSpaceID()
	inc := envelope(t, s, &protocol.SpaceInception{StreamID: id}, nil)

	for _, tc := range []struct {
		name   string
		events []*protocol.ParsedEvent
		code   rpcerr.Code
	}{
		{"Empty", nil, rpcerr.BadStreamCreationParams},
		{"NoInception", []*protocol.ParsedEvent{envelope(t, s, message("x"), nil)}, rpcerr.BadStreamCreationParams},
		{"WrongStream", []*protocol.ParsedEvent{envelope(t, s, &protocol.SpaceInception{StreamID: other}, nil)}, rpcerr.BadStreamCreationParams},
		{"WrongKind", []*protocol.ParsedEvent{envelope(t, s, &protocol.UserInception{StreamID: id}, nil)}, rpcerr.BadStreamCreationParams},
		{"FamilyMismatch", []*protocol.ParsedEvent{inc, envelope(t, s, message("x"), nil)}, rpcerr.BadStreamCreationParams},
		{"PrevSet", []*protocol.ParsedEvent{inc, envelope(t, s, &protocol.MemberMembership{Op: protocol.OpJoin, UserID: s.Address()}, []byte{1})}, rpcerr.BadStreamCreationParams},
		{"Duplicate", []*protocol.ParsedEvent{inc, inc}, rpcerr.BadStreamCreationParams},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tx := l.Lock(id)
			defer tx.Unlock()
			err := tx.Create(id, tc.events)
			if got := rpcerr.CodeOf(err); got != tc.code {
				t.Fatalf("code = %v, want %v (%v)", got, tc.code, err)
			}
		})
	}
	if l.Exists(id) {
		t.Fatal("rejected creation left a stream behind")
	}
}

func TestCreate_InceptionMismatchMessage(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id := protocol.MakeSpaceID()
	events := []*protocol.ParsedEvent{
		envelope(t, s, &protocol.SpaceInception{StreamID: id}, nil),
		envelope(t, s, message("x"), nil),
	}
	tx := l.Lock(id)
	defer tx.Unlock()
	err := tx.Create(id, events)
	want := "inception type mismatch: channel_payload::message vs space_payload::inception"
	if e, ok := rpcerr.AsError(err); !ok || e.Msg != want {
		t.Fatalf("err = %v", err)
	}
}

func TestCreate_AlreadyExists(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id, _ := createChannel(t, l, s)

	tx := l.Lock(id)
	defer tx.Unlock()
	err := tx.Create(id, []*protocol.ParsedEvent{envelope(t, s, &protocol.ChannelInception{StreamID: id}, nil)})
	if !rpcerr.IsCode(err, rpcerr.AlreadyExists) {
		t.Fatalf("err = %v", err)
	}
}

func TestAppend_DuplicateIsNoop(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id, head := createChannel(t, l, s)
	ev := envelope(t, s, message("hello"), head)

	for i := 0; i < 2; i++ {
		if _, err := appendOne(t, l, id, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	events, _ := l.Read(id)
	if len(events) != 2 {
		t.Fatalf("got %d events, want inception plus one message", len(events))
	}

	// A retry after the batch was sealed is still a no-op, even though its
	// prev hash is no longer the head.
	if _, err := l.Seal(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	dup, err := appendOne(t, l, id, ev)
	if err != nil || !dup {
		t.Fatalf("retry after seal = %v, %v", dup, err)
	}
}

func TestAppend_Chaining(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id, _ := createChannel(t, l, s)

	bad := make([]byte, protocol.HashLen)
	for i := range bad {
		bad[i] = 0x42
	}
	_, err := appendOne(t, l, id, envelope(t, s, message("x"), bad))
	if !rpcerr.IsCode(err, rpcerr.BadPrevMiniblockHash) {
		t.Fatalf("mismatched prev: %v", err)
	}
	_, err = appendOne(t, l, id, envelope(t, s, message("x"), nil))
	if !rpcerr.IsCode(err, rpcerr.InvalidArgument) {
		t.Fatalf("empty prev: %v", err)
	}
}

func TestAppend_InceptionMismatch(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id, head := createChannel(t, l, s)

	_, err := appendOne(t, l, id, envelope(t, s, &protocol.UserMembership{Op: protocol.OpJoin, StreamID: id}, head))
	if !rpcerr.IsCode(err, rpcerr.BadStreamCreationParams) {
		t.Fatalf("err = %v", err)
	}
	// Member payloads are allowed everywhere.
	_, err = appendOne(t, l, id, envelope(t, s, &protocol.MemberMembership{Op: protocol.OpJoin, UserID: s.Address()}, head))
	if err != nil {
		t.Fatalf("member payload: %v", err)
	}
}

func TestAppend_NotFound(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	_, err := appendOne(t, l, protocol.MakeChannelID(), envelope(t, s, message("x"), []byte{1}))
	if !rpcerr.IsCode(err, rpcerr.NotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, _, err := l.LastMiniblockHash(protocol.MakeChannelID()); !rpcerr.IsCode(err, rpcerr.NotFound) {
		t.Fatalf("LastMiniblockHash: %v", err)
	}
}

func TestSeal_AdvancesHead(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id, head := createChannel(t, l, s)

	if sealed, err := l.Seal(ctx, id); err != nil || sealed {
		t.Fatalf("sealing an empty batch = %v, %v", sealed, err)
	}
	if _, err := appendOne(t, l, id, envelope(t, s, message("a"), head)); err != nil {
		t.Fatal(err)
	}
	if sealed, err := l.Seal(ctx, id); err != nil || !sealed {
		t.Fatalf("Seal = %v, %v", sealed, err)
	}

	next, num, err := l.LastMiniblockHash(id)
	if err != nil {
		t.Fatal(err)
	}
	if num != 1 {
		t.Fatalf("last miniblock num = %d", num)
	}
	snap, _ := l.Snapshot(id)
	last := snap.LastMiniblock()
	if !last.ComputeHash().Equal(next) || string(last.PrevMiniblockHash) != string(head) {
		t.Fatal("sealed miniblock is not chained to the genesis")
	}

	if _, err := appendOne(t, l, id, envelope(t, s, message("b"), head)); !rpcerr.IsCode(err, rpcerr.BadPrevMiniblockHash) {
		t.Fatalf("stale head accepted: %v", err)
	}
	if _, err := appendOne(t, l, id, envelope(t, s, message("b"), next)); err != nil {
		t.Fatalf("fresh head: %v", err)
	}
}

func TestCommit_SealsAtMaxEvents(t *testing.T) {
	l := newTestLog(t, nil, 2)
	s := newSigner(t)
	id, head := createChannel(t, l, s)

	if _, err := appendOne(t, l, id, envelope(t, s, message("a"), head)); err != nil {
		t.Fatal(err)
	}
	if _, err := appendOne(t, l, id, envelope(t, s, message("b"), head)); err != nil {
		t.Fatal(err)
	}
	snap, _ := l.Snapshot(id)
	if len(snap.Miniblocks) != 2 || len(snap.Minipool) != 0 {
		t.Fatalf("got %d miniblocks, %d pending", len(snap.Miniblocks), len(snap.Minipool))
	}
	if snap.NextSyncCookie.MinipoolGen != 2 {
		t.Fatalf("cookie = %+v", snap.NextSyncCookie)
	}
}

func TestSubscribe_BacklogThenLive(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id, head := createChannel(t, l, s)
	first := envelope(t, s, message("a"), head)
	if _, err := appendOne(t, l, id, first); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	cancel, err := l.Subscribe(id, rec, 1)
	if err != nil {
		t.Fatal(err)
	}
	second := envelope(t, s, message("b"), head)
	if _, err := appendOne(t, l, id, second); err != nil {
		t.Fatal(err)
	}

	got := rec.events()
	if len(got) != 2 || string(got[0].Hash) != string(first.Hash[:]) || string(got[1].Hash) != string(second.Hash[:]) {
		t.Fatalf("delivered %d events in wrong order", len(got))
	}
	if pos := rec.updates[len(rec.updates)-1].Cookie.Position; pos != 3 {
		t.Fatalf("cookie position = %d", pos)
	}

	cancel()
	if _, err := appendOne(t, l, id, envelope(t, s, message("c"), head)); err != nil {
		t.Fatal(err)
	}
	if len(rec.events()) != 2 {
		t.Fatal("delivered after cancel")
	}
}

func TestSubscribe_Rejects(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id, _ := createChannel(t, l, s)

	if _, err := l.Subscribe(id, &recorder{}, 5); !rpcerr.IsCode(err, rpcerr.InvalidArgument) {
		t.Fatalf("out of range: %v", err)
	}
	if _, err := l.Subscribe(id, &recorder{reject: true}, 0); !rpcerr.IsCode(err, rpcerr.Canceled) {
		t.Fatalf("rejected backlog: %v", err)
	}
	if _, err := l.Subscribe(protocol.MakeSpaceID(), &recorder{}, 0); !rpcerr.IsCode(err, rpcerr.NotFound) {
		t.Fatalf("missing stream: %v", err)
	}
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[protocol.StreamID]int
}

func (o *countingObserver) Committed(id protocol.StreamID, events []*protocol.ParsedEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[id] += len(events)
}

func TestLoad_Replays(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	l := newTestLog(t, st, 100)
	s := newSigner(t)
	id, head := createChannel(t, l, s)
	if _, err := appendOne(t, l, id, envelope(t, s, message("a"), head)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Seal(ctx, id); err != nil {
		t.Fatal(err)
	}
	next, _, _ := l.LastMiniblockHash(id)
	if _, err := appendOne(t, l, id, envelope(t, s, message("b"), next)); err != nil {
		t.Fatal(err)
	}

	restored := newTestLog(t, st, 100)
	obs := &countingObserver{counts: make(map[protocol.StreamID]int)}
	restored.AddObserver(obs)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if obs.counts[id] != 3 {
		t.Fatalf("observer saw %d events", obs.counts[id])
	}
	gotHead, _, err := restored.LastMiniblockHash(id)
	if err != nil || string(gotHead) != string(next) {
		t.Fatalf("restored head differs: %v", err)
	}
	snap, _ := restored.Snapshot(id)
	if len(snap.Minipool) != 1 || snap.NextSyncCookie.Position != 3 {
		t.Fatalf("restored snapshot: %d pending, cookie %+v", len(snap.Minipool), snap.NextSyncCookie)
	}
}

type failingStore struct {
	*memory.MemoryStore
}

func (failingStore) RunInTransaction(context.Context, func(store.Store) error) error {
	return errors.New("disk on fire")
}

func TestCommit_FailureLeavesLogUnchanged(t *testing.T) {
	mem := memory.New()
	l := newTestLog(t, mem, 100)
	s := newSigner(t)
	id, head := createChannel(t, l, s)

	l.store = failingStore{mem}
	_, err := appendOne(t, l, id, envelope(t, s, message("a"), head))
	if !rpcerr.IsCode(err, rpcerr.Internal) {
		t.Fatalf("err = %v", err)
	}
	events, _ := l.Read(id)
	if len(events) != 1 {
		t.Fatalf("failed commit left %d events", len(events))
	}
}

func TestConcurrentAppends(t *testing.T) {
	l := newTestLog(t, nil, 1000)
	s := newSigner(t)
	id, head := createChannel(t, l, s)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		ev := envelope(t, s, message("m"), head)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := l.Lock(id)
			defer tx.Unlock()
			if _, err := tx.Append(id, ev); err != nil {
				errs <- err
				return
			}
			if _, err := tx.Commit(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	events, _ := l.Read(id)
	if len(events) != n+1 {
		t.Fatalf("got %d events, want %d", len(events), n+1)
	}
}

func TestLock_MultipleStreamsAtomic(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	a, headA := createChannel(t, l, s)
	b, headB := createChannel(t, l, s)

	recA, recB := &recorder{}, &recorder{}
	if _, err := l.Subscribe(a, recA, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Subscribe(b, recB, 1); err != nil {
		t.Fatal(err)
	}

	tx := l.Lock(b, a, b)
	if _, err := tx.Append(a, envelope(t, s, message("a"), headA)); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Append(b, envelope(t, s, message("b"), headB)); err != nil {
		t.Fatal(err)
	}
	results, err := tx.Commit(context.Background())
	tx.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if len(recA.events()) != 1 || len(recB.events()) != 1 {
		t.Fatal("both subscribers should see their stream's event")
	}
}

func TestAppend_SecondInception(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id, head := createChannel(t, l, s)
	before, _ := l.Inception(id)

	again := envelope(t, s, &protocol.ChannelInception{StreamID: id, SpaceID: protocol.MakeSpaceID()}, head)
	_, err := appendOne(t, l, id, again)
	if !rpcerr.IsCode(err, rpcerr.BadStreamCreationParams) {
		t.Fatalf("err = %v, want BAD_STREAM_CREATION_PARAMS", err)
	}
	after, _ := l.Inception(id)
	if after != before {
		t.Fatal("inception changed")
	}
	if events, _ := l.Read(id); len(events) != 1 {
		t.Fatalf("got %d events, want only the original inception", len(events))
	}
}

func logEntries(l *Log) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams)
}

func TestLock_UnknownIDsLeaveNothingBehind(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id, _ := createChannel(t, l, s)

	for i := 0; i < 100; i++ {
		tx := l.Lock(protocol.MakeChannelID(), id)
		tx.Unlock()
	}
	// A creation that fails validation leaves nothing either.
	bad := protocol.MakeSpaceID()
	tx := l.Lock(bad)
	if err := tx.Create(bad, []*protocol.ParsedEvent{envelope(t, s, message("x"), nil)}); err == nil {
		t.Fatal("expected Create to fail")
	}
	tx.Unlock()

	if n := logEntries(l); n != 1 {
		t.Fatalf("log holds %d entries, want only the created stream", n)
	}
	if ids := l.StreamIDs(); len(ids) != 1 || ids[0] != id {
		t.Fatalf("StreamIDs = %v", ids)
	}
}

func TestLock_WaiterCreatesAfterPlaceholderReleased(t *testing.T) {
	l := newTestLog(t, nil, 100)
	s := newSigner(t)
	id := protocol.MakeChannelID()
	inc := envelope(t, s, &protocol.ChannelInception{StreamID: id, SpaceID: protocol.MakeSpaceID()}, nil)

	first := l.Lock(id)
	done := make(chan error, 1)
	go func() {
		tx := l.Lock(id)
		defer tx.Unlock()
		if err := tx.Create(id, []*protocol.ParsedEvent{inc}); err != nil {
			done <- err
			return
		}
		_, err := tx.Commit(context.Background())
		done <- err
	}()
	// Give the second Lock time to queue behind the first.
	for {
		l.mu.Lock()
		refs := l.streams[id].refs
		l.mu.Unlock()
		if refs == 2 {
			break
		}
		runtime.Gosched()
	}
	first.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("create: %v", err)
	}
	if !l.Exists(id) {
		t.Fatal("stream created by the waiting transaction was lost")
	}
	if n := logEntries(l); n != 1 {
		t.Fatalf("log holds %d entries", n)
	}
}
