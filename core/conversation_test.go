package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/client"
	"github.com/stevegt/ragchat/persist"
	"github.com/stevegt/ragchat/stream"
	"github.com/stevegt/ragchat/window"
)

// fakeStreamer replays deltas and then ends with err, or io.EOF if
// err is nil.  If gate is non-nil, each Recv waits for a value on it.
type fakeStreamer struct {
	deltas  []string
	err     error
	openErr error
	gate    chan struct{}

	mu   sync.Mutex
	reqs []client.CompletionRequest
}

func (f *fakeStreamer) Stream(ctx context.Context, req client.CompletionRequest) (client.DeltaStream, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeStream{ctx: ctx, f: f}, nil
}

func (f *fakeStreamer) lastReq() client.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeStream struct {
	ctx     context.Context
	f       *fakeStreamer
	i       int
	partial string
}

func (s *fakeStream) Recv() (string, error) {
	if s.f.gate != nil {
		select {
		case <-s.f.gate:
		case <-s.ctx.Done():
			return "", &stream.StreamError{Partial: s.partial, Err: s.ctx.Err()}
		}
	}
	if s.i < len(s.f.deltas) {
		d := s.f.deltas[s.i]
		s.i++
		s.partial += d
		return d, nil
	}
	if s.f.err != nil {
		return "", &stream.StreamError{Partial: s.partial, Err: s.f.err}
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeRecorder struct {
	mu    sync.Mutex
	convs []persist.Conversation
	msgs  []persist.Message
}

func (r *fakeRecorder) CreateUser(u persist.User) {}

func (r *fakeRecorder) CreateConversation(c persist.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs = append(r.convs, c)
}

func (r *fakeRecorder) AddMessage(m persist.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func helpful() Session {
	return Session{Model: "m1", Directive: "You are a helpful assistant", Category: "ALL"}
}

func TestSubmitNoRetrieval(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"X is", " a thing."}}
	searches := 0
	search := func(ctx context.Context, q, cat string) ([]client.Passage, error) {
		searches++
		return nil, nil
	}
	c := NewConversation(Config{Streamer: f, Search: search}, helpful())
	err := c.Submit(context.Background(), "What is X?")
	Tassert(t, err == nil, "submit error: %v", err)
	Tassert(t, searches == 0, "search called %d times with retrieval disabled", searches)

	snap := c.Snapshot()
	Tassert(t, len(snap.Turns) == 2, "expected 2 turns, got %d", len(snap.Turns))
	Tassert(t, snap.Turns[0].Role == client.RoleUser && snap.Turns[0].Content == "What is X?", "bad user turn %+v", snap.Turns[0])
	a := snap.Turns[1]
	Tassert(t, a.Role == client.RoleAssistant && a.Content == "X is a thing.", "bad assistant turn %+v", a)
	Tassert(t, a.Sources == nil, "sources should be absent: %v", a.Sources)
	Tassert(t, !a.InFlight && a.Err == "", "turn should be finalized cleanly: %+v", a)
	Tassert(t, snap.State == Idle, "expected idle, got %s", snap.State)
	Tassert(t, snap.ConversationID != "", "conversation id not assigned")

	req := f.lastReq()
	Tassert(t, req.Model == "m1", "model %q", req.Model)
	Tassert(t, len(req.Messages) == 2, "expected system+user, got %v", req.Messages)
	Tassert(t, req.Messages[0].Role == client.RoleSystem, "system directive missing")
	Tassert(t, req.Messages[1].Content == "What is X?", "got %q", req.Messages[1].Content)
}

func TestSubmitWithPassages(t *testing.T) {
	passage := client.Passage{Text: "X is defined in doc.", Path: "doc.pdf", Category: "ref"}
	var gotCat string
	search := func(ctx context.Context, q, cat string) ([]client.Passage, error) {
		gotCat = cat
		return []client.Passage{passage}, nil
	}
	f := &fakeStreamer{deltas: []string{"From ", "the doc."}}
	sess := helpful()
	sess.RetrievalEnabled = true
	c := NewConversation(Config{Streamer: f, Search: search}, sess)
	err := c.Submit(context.Background(), "What is X?")
	Tassert(t, err == nil, "submit error: %v", err)
	Tassert(t, gotCat == "", "ALL should reach search as no filter, got %q", gotCat)

	req := f.lastReq()
	last := req.Messages[len(req.Messages)-1]
	Tassert(t, strings.Contains(last.Content, "Context:\nX is defined in doc.\n\nQuestion: What is X?"), "got %q", last.Content)

	snap := c.Snapshot()
	a := snap.Last()
	Tassert(t, len(a.Sources) == 1 && a.Sources[0] == passage, "sources %v", a.Sources)
	// the transcript keeps the literal question, not the spliced prompt
	Tassert(t, snap.Turns[0].Content == "What is X?", "user turn rewritten: %q", snap.Turns[0].Content)
}

func TestSubmitDegraded(t *testing.T) {
	for _, searchErr := range []error{nil, errors.New("search down")} {
		search := func(ctx context.Context, q, cat string) ([]client.Passage, error) {
			return nil, searchErr
		}
		var reported error
		f := &fakeStreamer{deltas: []string{"I don't know."}}
		sess := helpful()
		sess.RetrievalEnabled = true
		c := NewConversation(Config{
			Streamer:         f,
			Search:           search,
			OnRetrievalError: func(err error) { reported = err },
		}, sess)
		err := c.Submit(context.Background(), "What is X?")
		Tassert(t, err == nil, "retrieval failure must not abort the turn: %v", err)
		Tassert(t, (reported != nil) == (searchErr != nil), "retrieval error reporting mismatch: %v", reported)

		last := f.lastReq().Messages[len(f.lastReq().Messages)-1]
		Tassert(t, last.Content == "You are a helpful assistant\n\nQuestion: What is X?\n\nAnswer:", "got %q", last.Content)
		a := c.Snapshot().Last()
		Tassert(t, len(a.Sources) == 0, "degraded turn should have no sources: %v", a.Sources)
		Tassert(t, a.Content == "I don't know.", "got %q", a.Content)
	}
}

func TestNoSearchConfigured(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"ok"}}
	sess := helpful()
	sess.RetrievalEnabled = true
	var reported error
	c := NewConversation(Config{Streamer: f, OnRetrievalError: func(err error) { reported = err }}, sess)
	err := c.Submit(context.Background(), "q")
	Tassert(t, err == nil, "submit error: %v", err)
	Tassert(t, errors.Is(reported, ErrNoSearch), "expected ErrNoSearch, got %v", reported)
}

func TestDeltaGrowth(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	f := &fakeStreamer{deltas: []string{"Hel", "lo", " world"}}
	c := NewConversation(Config{
		Streamer: f,
		Observer: func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			if a := s.Last(); a != nil && a.Role == client.RoleAssistant && a.InFlight {
				seen = append(seen, a.Content)
			}
		},
	}, helpful())
	err := c.Submit(context.Background(), "hi")
	Tassert(t, err == nil, "submit error: %v", err)
	mu.Lock()
	defer mu.Unlock()
	Tassert(t, strings.Join(seen, "|") == "Hel|Hello|Hello world", "intermediate reads %q", seen)
	Tassert(t, c.Snapshot().Last().Content == "Hello world", "final %q", c.Snapshot().Last().Content)
}

func TestObserverSeesStates(t *testing.T) {
	var states []State
	f := &fakeStreamer{deltas: []string{"a"}}
	sess := helpful()
	sess.RetrievalEnabled = true
	search := func(ctx context.Context, q, cat string) ([]client.Passage, error) { return nil, nil }
	var last uint64
	c := NewConversation(Config{Streamer: f, Search: search, Observer: func(s Snapshot) {
		Tassert(t, s.Version > last, "snapshot versions out of order: %d after %d", s.Version, last)
		last = s.Version
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}}, sess)
	err := c.Submit(context.Background(), "q")
	Tassert(t, err == nil, "submit error: %v", err)
	want := []State{AwaitingRetrieval, Sending, Streaming, Idle}
	Tassert(t, len(states) == len(want), "states %v", states)
	for i := range want {
		Tassert(t, states[i] == want[i], "state %d: got %s want %s", i, states[i], want[i])
	}
}

func TestStreamErrorAfterPartial(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"one ", "two "}, err: errors.New("connection reset")}
	c := NewConversation(Config{Streamer: f}, helpful())
	err := c.Submit(context.Background(), "count to five")
	var serr *stream.StreamError
	Tassert(t, errors.As(err, &serr), "expected StreamError, got %v", err)

	snap := c.Snapshot()
	assistants := 0
	for _, turn := range snap.Turns {
		if turn.Role == client.RoleAssistant {
			assistants++
		}
		Tassert(t, !turn.InFlight, "turn left in flight: %+v", turn)
	}
	Tassert(t, assistants == 1, "expected exactly one assistant turn, got %d", assistants)
	a := snap.Last()
	Tassert(t, a.Content == "one two ", "partial content not kept: %q", a.Content)
	Tassert(t, strings.Contains(a.Err, "connection reset"), "error not recorded: %q", a.Err)
	Tassert(t, snap.State == Idle, "expected idle, got %s", snap.State)
}

func TestStreamErrorBeforeContent(t *testing.T) {
	f := &fakeStreamer{openErr: &stream.StreamError{Err: &client.StatusError{Code: 502, Body: "upstream unavailable"}}}
	c := NewConversation(Config{Streamer: f}, helpful())
	err := c.Submit(context.Background(), "q")
	Tassert(t, err != nil, "expected an error")
	snap := c.Snapshot()
	Tassert(t, len(snap.Turns) == 2, "expected user+error turns, got %d", len(snap.Turns))
	a := snap.Last()
	Tassert(t, a.Role == client.RoleAssistant, "error turn role %q", a.Role)
	Tassert(t, a.Content == "Error: upstream unavailable", "got %q", a.Content)
	Tassert(t, !a.InFlight, "error turn in flight")
}

func TestEmptyResponse(t *testing.T) {
	f := &fakeStreamer{}
	c := NewConversation(Config{Streamer: f}, helpful())
	err := c.Submit(context.Background(), "q")
	Tassert(t, errors.Is(err, ErrEmptyResponse), "got %v", err)
	a := c.Snapshot().Last()
	Tassert(t, a.Content == "Error: "+ErrEmptyResponse.Error(), "got %q", a.Content)
	Tassert(t, c.State() == Idle, "expected idle")
}

func TestEmptyInput(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"x"}}
	c := NewConversation(Config{Streamer: f}, helpful())
	err := c.Submit(context.Background(), "  \n")
	Tassert(t, err == ErrEmptyInput, "got %v", err)
	Tassert(t, len(c.Snapshot().Turns) == 0, "transcript changed")
	Tassert(t, c.ID() == "", "conversation id created for empty input")
}

func TestBusyRejected(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"a", "b"}, gate: make(chan struct{})}
	c := NewConversation(Config{Streamer: f}, helpful())
	done := make(chan error)
	go func() { done <- c.Submit(context.Background(), "first") }()

	// release the first delta and wait until it has been applied
	f.gate <- struct{}{}
	for c.State() != Streaming || c.Snapshot().Last().Role != client.RoleAssistant {
	}
	err := c.Submit(context.Background(), "second")
	Tassert(t, err == ErrBusy, "expected ErrBusy, got %v", err)

	f.gate <- struct{}{}
	f.gate <- struct{}{}
	err = <-done
	Tassert(t, err == nil, "first turn failed: %v", err)
	snap := c.Snapshot()
	Tassert(t, len(snap.Turns) == 2, "rejected submission changed the transcript: %+v", snap.Turns)
	Tassert(t, snap.Last().Content == "ab", "got %q", snap.Last().Content)
}

func TestSessionSnapshotPerTurn(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"a", "b"}, gate: make(chan struct{})}
	c := NewConversation(Config{Streamer: f}, helpful())
	done := make(chan error)
	go func() { done <- c.Submit(context.Background(), "first") }()
	f.gate <- struct{}{}
	for c.State() != Streaming {
	}
	c.UpdateSession(func(s *Session) { s.Model = "m2"; s.Directive = "" })
	f.gate <- struct{}{}
	f.gate <- struct{}{}
	Tassert(t, <-done == nil, "first turn failed")
	Tassert(t, f.lastReq().Model == "m1", "in-flight turn should keep m1")

	f.gate = nil
	err := c.Submit(context.Background(), "second")
	Tassert(t, err == nil, "second turn failed: %v", err)
	req := f.lastReq()
	Tassert(t, req.Model == "m2", "next turn should use m2, got %q", req.Model)
	Tassert(t, req.Messages[0].Role == client.RoleUser, "directive should be gone: %v", req.Messages)
	// history carries the first exchange
	Tassert(t, len(req.Messages) == 3, "expected 3 messages, got %v", req.Messages)
}

func TestCancel(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"a", "b", "c"}, gate: make(chan struct{})}
	c := NewConversation(Config{Streamer: f}, helpful())
	Tassert(t, !c.Cancel(), "cancel with nothing in flight should report false")
	done := make(chan error)
	go func() { done <- c.Submit(context.Background(), "q") }()
	f.gate <- struct{}{}
	for c.State() != Streaming || c.Snapshot().Last().Role != client.RoleAssistant {
	}
	Tassert(t, c.Cancel(), "cancel should report true")
	err := <-done
	Tassert(t, errors.Is(err, context.Canceled), "expected Canceled, got %v", err)
	snap := c.Snapshot()
	a := snap.Last()
	Tassert(t, a.Content == "a" && !a.InFlight, "partial turn not finalized: %+v", a)
	Tassert(t, a.Err == "request cancelled", "got %q", a.Err)
	Tassert(t, snap.State == Idle, "expected idle")
}

func TestBudgetWindow(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"ok"}}
	c := NewConversation(Config{Streamer: f, Budget: window.Budget{MaxMessages: 2, MaxTokens: 4000}}, helpful())
	for i := 0; i < 3; i++ {
		err := c.Submit(context.Background(), Spf("q%d", i))
		Tassert(t, err == nil, "submit %d: %v", i, err)
	}
	req := f.lastReq()
	Tassert(t, len(req.Messages) == 4, "expected system+2 history+question, got %d", len(req.Messages))
	Tassert(t, req.Messages[3].Content == "q2", "got %q", req.Messages[3].Content)
	Tassert(t, req.MaxTokens == 4000, "max tokens not forwarded")
}

func TestRecorder(t *testing.T) {
	rec := &fakeRecorder{}
	f := &fakeStreamer{deltas: []string{"hello ", "there"}}
	c := NewConversation(Config{Streamer: f, Recorder: rec, UserID: "u1"}, helpful())
	Tassert(t, c.Submit(context.Background(), "first question") == nil, "submit failed")
	Tassert(t, c.Submit(context.Background(), "second") == nil, "submit failed")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	Tassert(t, len(rec.convs) == 1, "conversation created %d times", len(rec.convs))
	conv := rec.convs[0]
	Tassert(t, conv.ConversationID == c.ID() && conv.UserID == "u1", "bad conversation %+v", conv)
	Tassert(t, conv.Title == "first question" && conv.Model == "m1", "bad conversation %+v", conv)
	Tassert(t, len(rec.msgs) == 4, "expected 4 messages, got %d", len(rec.msgs))
	for i, m := range rec.msgs {
		Tassert(t, m.Seq == i, "message %d has seq %d", i, m.Seq)
		Tassert(t, m.ConversationID == c.ID(), "message %d in wrong conversation", i)
	}
	Tassert(t, rec.msgs[1].Content == "hello there", "assistant recorded before finalization: %q", rec.msgs[1].Content)
	Tassert(t, rec.msgs[1].TokenCount > 0, "token count not filled")
}

func TestTitle(t *testing.T) {
	Tassert(t, title("  a \n b ") == "a b", "got %q", title("  a \n b "))
	long := strings.Repeat("x", 60)
	Tassert(t, title(long) == strings.Repeat("x", 50)+"...", "got %q", title(long))
}
