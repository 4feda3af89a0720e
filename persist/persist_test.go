package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/kv"
)

func newStore(t *testing.T) (s *Store, db *kv.Store) {
	dir := t.TempDir()
	db, err := kv.Open(filepath.Join(dir, "ragchat.db"))
	Tassert(t, err == nil, "open: %v", err)
	s, err = NewStore(db)
	Tassert(t, err == nil, "new store: %v", err)
	return
}

func TestStoreRoundTrip(t *testing.T) {
	s, db := newStore(t)
	defer db.Close()
	ctx := context.Background()

	err := s.CreateUser(ctx, User{UserID: "u1", Username: "alice"})
	Tassert(t, err == nil, "create user: %v", err)
	u, err := s.GetUser(ctx, "u1")
	Tassert(t, err == nil && u.Username == "alice", "get user: %+v %v", u, err)
	_, err = s.GetUser(ctx, "nobody")
	Tassert(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	Ck(s.CreateConversation(ctx, Conversation{ConversationID: "c2", UserID: "u1", Model: "m1", CreatedAt: t0.Add(time.Hour)}))
	Ck(s.CreateConversation(ctx, Conversation{ConversationID: "c1", UserID: "u1", Model: "m1", CreatedAt: t0}))
	Ck(s.CreateConversation(ctx, Conversation{ConversationID: "c3", UserID: "u2", Model: "m1", CreatedAt: t0}))

	convs, err := s.ListConversations(ctx, "u1")
	Tassert(t, err == nil, "list conversations: %v", err)
	Tassert(t, len(convs) == 2 && convs[0].ConversationID == "c1" && convs[1].ConversationID == "c2", "got %+v", convs)

	// seq ordering must hold past 9
	for _, seq := range []int{10, 2, 0, 1} {
		err = s.AddMessage(ctx, Message{MessageID: Spf("m%d", seq), ConversationID: "c1", Seq: seq, Role: "user", Content: Spf("msg %d", seq)})
		Tassert(t, err == nil, "add message: %v", err)
	}
	msgs, err := s.ListMessages(ctx, "c1")
	Tassert(t, err == nil, "list messages: %v", err)
	Tassert(t, len(msgs) == 4, "expected 4 messages, got %d", len(msgs))
	for i, want := range []int{0, 1, 2, 10} {
		Tassert(t, msgs[i].Seq == want, "message %d has seq %d", i, msgs[i].Seq)
	}
	// c1 is a prefix of c10; make sure scans don't bleed
	Ck(s.CreateConversation(ctx, Conversation{ConversationID: "c10", UserID: "u1", Model: "m1"}))
	Ck(s.AddMessage(ctx, Message{MessageID: "x", ConversationID: "c10", Role: "user"}))
	msgs, err = s.ListMessages(ctx, "c1")
	Tassert(t, err == nil && len(msgs) == 4, "scan bled into c10: %d", len(msgs))
}

func TestStoreValidation(t *testing.T) {
	s, db := newStore(t)
	defer db.Close()
	ctx := context.Background()
	err := s.CreateUser(ctx, User{UserID: "u1"})
	Tassert(t, errors.Is(err, ErrInvalid), "expected ErrInvalid, got %v", err)
	err = s.AddMessage(ctx, Message{MessageID: "m", ConversationID: "missing", Role: "user"})
	Tassert(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestStoreVersion(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "ragchat.db")
	db, err := kv.Open(fn)
	Tassert(t, err == nil, "open: %v", err)
	_, err = NewStore(db)
	Tassert(t, err == nil, "new store: %v", err)
	// reopening at the same version works
	_, err = NewStore(db)
	Tassert(t, err == nil, "reopen: %v", err)
	// a newer database is refused
	Ck(db.Update(func(tx kv.WriteTx) error {
		return tx.Put(metaBucket, versionKey, []byte("2.0.0"))
	}))
	_, err = NewStore(db)
	Tassert(t, err != nil, "expected version error")
	// so is a newer patch release
	Ck(db.Update(func(tx kv.WriteTx) error {
		return tx.Put(metaBucket, versionKey, []byte("1.0.1"))
	}))
	_, err = NewStore(db)
	Tassert(t, err != nil, "expected version error for a newer patch")
	// an older database is accepted
	Ck(db.Update(func(tx kv.WriteTx) error {
		return tx.Put(metaBucket, versionKey, []byte("0.9.0"))
	}))
	_, err = NewStore(db)
	Tassert(t, err == nil, "older database refused: %v", err)
	Ck(db.Close())
	_, err = os.Stat(fn)
	Tassert(t, err == nil, "db file missing: %v", err)
}

// slowSink records calls and can be made to fail or block.
type slowSink struct {
	mu    sync.Mutex
	calls []string
	fail  bool
	block chan struct{}
}

func (s *slowSink) add(call string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.fail {
		return errors.New("storage down")
	}
	return nil
}

func (s *slowSink) CreateUser(ctx context.Context, u User) error { return s.add("user " + u.UserID) }
func (s *slowSink) CreateConversation(ctx context.Context, c Conversation) error {
	return s.add("conv " + c.ConversationID)
}
func (s *slowSink) AddMessage(ctx context.Context, m Message) error {
	return s.add("msg " + m.MessageID)
}
func (s *slowSink) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return nil, nil
}
func (s *slowSink) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return nil, nil
}

func TestMirrorOrder(t *testing.T) {
	sink := &slowSink{}
	m := NewMirror(sink, 16)
	m.CreateUser(User{UserID: "u"})
	m.CreateConversation(Conversation{ConversationID: "c"})
	m.AddMessage(Message{MessageID: "1"})
	m.AddMessage(Message{MessageID: "2"})
	m.Close()
	want := []string{"user u", "conv c", "msg 1", "msg 2"}
	Tassert(t, len(sink.calls) == len(want), "got %v", sink.calls)
	for i := range want {
		Tassert(t, sink.calls[i] == want[i], "call %d: got %q want %q", i, sink.calls[i], want[i])
	}
}

func TestMirrorNeverBlocks(t *testing.T) {
	sink := &slowSink{block: make(chan struct{})}
	var mu sync.Mutex
	var failures []error
	m := NewMirror(sink, 1)
	m.OnError = func(kind string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, err)
	}
	done := make(chan struct{})
	go func() {
		// the worker holds one, the queue holds one, the rest drop
		for i := 0; i < 10; i++ {
			m.AddMessage(Message{MessageID: Spf("%d", i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("enqueue blocked on a stuck sink")
	}
	close(sink.block)
	m.Close()
	mu.Lock()
	defer mu.Unlock()
	Tassert(t, len(failures) >= 8, "expected dropped records to be reported, got %d", len(failures))
	Tassert(t, errors.Is(failures[0], errQueueFull), "got %v", failures[0])
}

func TestMirrorFailuresLogged(t *testing.T) {
	sink := &slowSink{fail: true}
	var n int
	m := NewMirror(sink, 4)
	m.OnError = func(kind string, err error) { n++ }
	m.AddMessage(Message{MessageID: "1"})
	m.Close()
	Tassert(t, n == 1, "expected one failure, got %d", n)
	// enqueue after close is dropped, not a panic
	m.AddMessage(Message{MessageID: "2"})
	Tassert(t, n == 2, "expected closed drop to be reported, got %d", n)
}
