// Package window assembles the ordered message list sent to the
// completion endpoint for one user turn.
package window

import (
	"strings"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/client"
	"github.com/stevegt/ragchat/util"
)

// Budget limits the history sent with a turn.  MaxMessages is a
// sliding window over prior turns; zero means unlimited.  MaxTokens
// is forwarded to the endpoint as max_tokens and is not otherwise
// enforced.
type Budget struct {
	MaxMessages int
	MaxTokens   int
}

// Retrieval is the outcome of the retrieval step for a turn.
type Retrieval struct {
	// Attempted is true if the search collaborator was consulted.
	Attempted bool
	Passages  []client.Passage
	// Err is the retrieval failure, if any.  A failed retrieval
	// builds the same prompt as an empty one.
	Err error
}

// Input is everything Build needs.  History holds the turns that
// precede the new question, oldest first.
type Input struct {
	History   []client.ChatMsg
	Directive string
	Question  string
	Retrieval Retrieval
	Budget    Budget
}

// Result is the built message list plus the passages that travel
// with it for provenance.
type Result struct {
	Messages []client.ChatMsg
	Passages []client.Passage
	// Degraded is true when retrieval was attempted but produced
	// nothing usable.
	Degraded bool
}

// Build produces the message list for one turn.  It does no I/O.
func Build(in Input) (res Result) {
	history := in.History
	if n := in.Budget.MaxMessages; n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}

	msgs := make([]client.ChatMsg, 0, len(history)+2)
	if in.Directive != "" {
		msgs = append(msgs, client.ChatMsg{Role: client.RoleSystem, Content: in.Directive})
	}
	msgs = append(msgs, history...)

	last := client.ChatMsg{Role: client.RoleUser, Content: in.Question}
	switch {
	case len(in.Retrieval.Passages) > 0:
		last.Content = ContextPrompt(in.Retrieval.Passages, in.Question)
		res.Passages = append([]client.Passage(nil), in.Retrieval.Passages...)
	case in.Retrieval.Attempted:
		last.Content = DegradedPrompt(in.Directive, in.Question)
		res.Degraded = true
	}
	msgs = append(msgs, last)
	res.Messages = msgs
	return
}

// ContextPrompt splices passages ahead of the question.
func ContextPrompt(passages []client.Passage, question string) string {
	chunks := make([]string, len(passages))
	for i, p := range passages {
		chunks[i] = p.Text
	}
	return Spf("Context:\n%s\n\nQuestion: %s", strings.Join(chunks, "\n\n"), question)
}

// DegradedPrompt is used when retrieval was attempted but found
// nothing, so it can be told apart from retrieval being off.
func DegradedPrompt(directive, question string) string {
	return Spf("%s\n\nQuestion: %s\n\nAnswer:", directive, question)
}

// Tokens returns the token count of a message list.  It is a
// diagnostic only.
func Tokens(msgs []client.ChatMsg) (count int, err error) {
	defer Return(&err)
	for _, m := range msgs {
		var n int
		n, err = util.TokenCount(m.Content)
		Ck(err)
		count += n
	}
	return
}
