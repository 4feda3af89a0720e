package core

import (
	"fmt"

	"github.com/stevegt/ragchat/client"
)

// State is the position of a Conversation in its turn protocol.
type State int

const (
	Idle State = iota
	AwaitingRetrieval
	Sending
	Streaming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingRetrieval:
		return "retrieving"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	}
	return "unknown"
}

// MarshalText lets snapshots carry the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, AwaitingRetrieval, Sending, Streaming} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Session holds the user's selections.  A Conversation copies it at
// the start of each turn, so a change only affects later turns.
type Session struct {
	Model            string `json:"model"`
	Directive        string `json:"directive"`
	RetrievalEnabled bool   `json:"retrieval_enabled"`
	Category         string `json:"category"`
}

// Turn is one entry in the transcript.  Only the trailing assistant
// turn can be InFlight, and only its Content changes.
type Turn struct {
	ID       string           `json:"id"`
	Role     string           `json:"role"`
	Content  string           `json:"content"`
	Sources  []client.Passage `json:"sources,omitempty"`
	InFlight bool             `json:"in_flight,omitempty"`
	// Err is set when the turn ended in a failure.
	Err string `json:"error,omitempty"`
}

// Snapshot is a read-only copy of a Conversation after a mutation.
// Version increases with every mutation.
type Snapshot struct {
	ConversationID string  `json:"conversation_id"`
	Version        uint64  `json:"version"`
	State          State   `json:"state"`
	Session        Session `json:"session"`
	Turns          []Turn  `json:"turns"`
}

// Last returns the final turn, or nil.
func (s Snapshot) Last() *Turn {
	if len(s.Turns) == 0 {
		return nil
	}
	return &s.Turns[len(s.Turns)-1]
}
