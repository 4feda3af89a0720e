// Package core owns a chat transcript and drives each user turn
// through retrieval, message assembly and streaming.
package core

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/client"
	"github.com/stevegt/ragchat/persist"
	"github.com/stevegt/ragchat/retrieval"
	"github.com/stevegt/ragchat/util"
	"github.com/stevegt/ragchat/window"
)

// Config wires a Conversation to its collaborators.  Only Streamer is
// required.
type Config struct {
	Streamer client.Streamer
	// Search is consulted for turns with retrieval enabled.
	Search retrieval.SearchFunc
	Budget window.Budget
	// Recorder mirrors the conversation and its finalized turns.
	Recorder persist.Recorder
	UserID   string
	// Observer is called with a snapshot after every mutation.
	// Snapshots arrive in version order; a snapshot older than one
	// already delivered is skipped.
	Observer func(Snapshot)
	// OnRetrievalError is told about retrieval failures.  The turn
	// continues in degraded mode regardless.
	OnRetrievalError func(err error)
}

// Conversation is the transcript state machine.  All transcript
// mutations happen inside Submit, one turn at a time.
type Conversation struct {
	cfg Config

	mu      sync.Mutex
	id      string
	state   State
	session Session
	turns   []Turn
	version uint64
	cancel  context.CancelFunc

	notifyMu  sync.Mutex
	delivered uint64
}

// NewConversation returns an idle conversation with an empty
// transcript.
func NewConversation(cfg Config, session Session) *Conversation {
	Assert(cfg.Streamer != nil, "conversation needs a streamer")
	return &Conversation{cfg: cfg, session: session}
}

// ID returns the conversation id, or "" before the first turn.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// State returns the current protocol state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the current selections.
func (c *Conversation) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession replaces the selections.  A turn already in progress
// keeps the selections it started with.
func (c *Conversation) SetSession(s Session) {
	c.UpdateSession(func(cur *Session) { *cur = s })
}

// UpdateSession applies fn to the selections.
func (c *Conversation) UpdateSession(fn func(*Session)) {
	c.mu.Lock()
	fn(&c.session)
	snap := c.touch()
	c.mu.Unlock()
	c.notify(snap)
}

// Snapshot returns a copy of the conversation.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Cancel aborts the turn in progress, if any.  The turn is finalized
// the same way as a transport failure.
func (c *Conversation) Cancel() (cancelled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle || c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Submit runs one user turn to completion.  It returns ErrBusy if a
// turn is already in progress and ErrEmptyInput for blank text; in
// both cases the transcript is untouched.  Otherwise the turn always
// ends with the conversation Idle and an assistant turn appended, and
// Submit returns the error, if any, that the assistant turn reports.
func (c *Conversation) Submit(ctx context.Context, text string) (err error) {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}

	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrBusy
	}
	sess := c.session
	history := c.history()
	var newConv *persist.Conversation
	if c.id == "" {
		c.id = uuid.New().String()
		newConv = &persist.Conversation{
			ConversationID: c.id,
			UserID:         c.cfg.UserID,
			Title:          title(text),
			Model:          sess.Model,
			CreatedAt:      time.Now(),
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel
	c.turns = append(c.turns, Turn{ID: uuid.New().String(), Role: client.RoleUser, Content: text})
	c.state = Sending
	if sess.RetrievalEnabled {
		c.state = AwaitingRetrieval
	}
	userTurn := c.record(len(c.turns) - 1)
	snap := c.touch()
	c.mu.Unlock()
	c.notify(snap)

	if c.cfg.Recorder != nil {
		if newConv != nil {
			c.cfg.Recorder.CreateConversation(*newConv)
		}
		c.cfg.Recorder.AddMessage(userTurn)
	}

	var r window.Retrieval
	if sess.RetrievalEnabled {
		r.Attempted = true
		r.Passages, r.Err = retrieval.MaybeRetrieve(ctx, true, text, sess.Category, c.searchFunc())
		if r.Err != nil && c.cfg.OnRetrievalError != nil {
			c.cfg.OnRetrievalError(r.Err)
		}
		c.setState(Sending)
	}

	built := window.Build(window.Input{
		History:   history,
		Directive: sess.Directive,
		Question:  text,
		Retrieval: r,
		Budget:    c.cfg.Budget,
	})
	if os.Getenv("DEBUG") != "" {
		n, _ := window.Tokens(built.Messages)
		Debug("turn: model=%s messages=%d tokens=%d passages=%d degraded=%v", sess.Model, len(built.Messages), n, len(built.Passages), built.Degraded)
	}

	req := client.CompletionRequest{
		Model:     sess.Model,
		Messages:  built.Messages,
		MaxTokens: c.cfg.Budget.MaxTokens,
	}
	ds, err := c.cfg.Streamer.Stream(ctx, req)
	if err != nil {
		return c.finish(err, false)
	}
	defer ds.Close()
	c.setState(Streaming)

	received := false
	for {
		delta, rerr := ds.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
		c.apply(delta, !received, built.Passages)
		received = true
	}
	if err == nil && !received {
		err = ErrEmptyResponse
	}
	return c.finish(err, received)
}

func (c *Conversation) searchFunc() retrieval.SearchFunc {
	if c.cfg.Search != nil {
		return c.cfg.Search
	}
	return func(context.Context, string, string) ([]client.Passage, error) {
		return nil, ErrNoSearch
	}
}

// apply grows the transcript by one delta.  The first delta of a turn
// creates the assistant turn and attaches the sources.
func (c *Conversation) apply(delta string, first bool, sources []client.Passage) {
	c.mu.Lock()
	if first {
		turn := Turn{ID: uuid.New().String(), Role: client.RoleAssistant, Content: delta, InFlight: true}
		if len(sources) > 0 {
			turn.Sources = append([]client.Passage(nil), sources...)
		}
		c.turns = append(c.turns, turn)
	} else {
		last := &c.turns[len(c.turns)-1]
		Assert(last.InFlight, "delta applied to a finalized turn")
		last.Content += delta
	}
	snap := c.touch()
	c.mu.Unlock()
	c.notify(snap)
}

// finish finalizes the turn and returns to Idle.  With no content
// received, an error turn is appended; otherwise the streamed turn
// is kept as is and marked with the failure, if any.
func (c *Conversation) finish(cause error, received bool) error {
	c.mu.Lock()
	if received {
		last := &c.turns[len(c.turns)-1]
		last.InFlight = false
		if cause != nil {
			last.Err = errorMessage(cause)
		}
	} else {
		c.turns = append(c.turns, Turn{
			ID:      uuid.New().String(),
			Role:    client.RoleAssistant,
			Content: ErrorContent(cause),
			Err:     errorMessage(cause),
		})
	}
	c.state = Idle
	c.cancel = nil
	msg := c.record(len(c.turns) - 1)
	snap := c.touch()
	c.mu.Unlock()
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.AddMessage(msg)
	}
	c.notify(snap)
	if cause != nil {
		Debug("turn ended with error: %v", cause)
	}
	return cause
}

func (c *Conversation) setState(s State) {
	c.mu.Lock()
	c.state = s
	snap := c.touch()
	c.mu.Unlock()
	c.notify(snap)
}

// history returns the transcript as chat messages.  Caller holds mu.
func (c *Conversation) history() (msgs []client.ChatMsg) {
	msgs = make([]client.ChatMsg, len(c.turns))
	for i, t := range c.turns {
		msgs[i] = client.ChatMsg{Role: t.Role, Content: t.Content}
	}
	return
}

// record converts turn i for persistence.  Caller holds mu.
func (c *Conversation) record(i int) persist.Message {
	t := c.turns[i]
	m := persist.Message{
		MessageID:      t.ID,
		ConversationID: c.id,
		Seq:            i,
		Role:           t.Role,
		Content:        t.Content,
		CreatedAt:      time.Now(),
	}
	if c.cfg.Recorder != nil {
		n, err := util.TokenCount(t.Content)
		if err == nil {
			m.TokenCount = n
		}
	}
	return m
}

// touch bumps the version and returns a snapshot.  Caller holds mu.
func (c *Conversation) touch() Snapshot {
	c.version++
	return c.snapshot()
}

func (c *Conversation) snapshot() Snapshot {
	turns := make([]Turn, len(c.turns))
	copy(turns, c.turns)
	return Snapshot{
		ConversationID: c.id,
		Version:        c.version,
		State:          c.state,
		Session:        c.session,
		Turns:          turns,
	}
}

func (c *Conversation) notify(snap Snapshot) {
	if c.cfg.Observer == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if snap.Version <= c.delivered {
		return
	}
	c.delivered = snap.Version
	c.cfg.Observer(snap)
}

// title derives a conversation title from its first question.
func title(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) > 50 {
		return string(r[:50]) + "..."
	}
	return text
}
