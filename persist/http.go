package persist

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/stevegt/ragchat/client"
)

// HTTPSink is a Sink that talks to the persistence endpoints of a
// ragchat daemon.
type HTTPSink struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPSink returns a sink for the daemon at baseURL.
func NewHTTPSink(baseURL string) *HTTPSink {
	return &HTTPSink{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{}}
}

func (h *HTTPSink) url(path string, query url.Values) string {
	u := h.BaseURL + "/api/db/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// CreateUser implements Sink.
func (h *HTTPSink) CreateUser(ctx context.Context, u User) error {
	return client.DoJSON(ctx, h.HTTP, http.MethodPost, h.url("users", nil), u, nil)
}

// CreateConversation implements Sink.
func (h *HTTPSink) CreateConversation(ctx context.Context, c Conversation) error {
	return client.DoJSON(ctx, h.HTTP, http.MethodPost, h.url("conversations", nil), c, nil)
}

// AddMessage implements Sink.
func (h *HTTPSink) AddMessage(ctx context.Context, m Message) error {
	return client.DoJSON(ctx, h.HTTP, http.MethodPost, h.url("messages", nil), m, nil)
}

// ListConversations implements Sink.
func (h *HTTPSink) ListConversations(ctx context.Context, userID string) (convs []Conversation, err error) {
	q := url.Values{"user_id": {userID}}
	err = client.DoJSON(ctx, h.HTTP, http.MethodGet, h.url("conversations", q), nil, &convs)
	return
}

// ListMessages implements Sink.
func (h *HTTPSink) ListMessages(ctx context.Context, conversationID string) (msgs []Message, err error) {
	q := url.Values{"conversation_id": {conversationID}}
	err = client.DoJSON(ctx, h.HTTP, http.MethodGet, h.url("messages", q), nil, &msgs)
	return
}

var _ Sink = (*HTTPSink)(nil)
