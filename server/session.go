package server

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stevegt/ragchat/core"
	"github.com/stevegt/ragchat/persist"
	"github.com/stevegt/ragchat/retrieval"
	"github.com/stevegt/ragchat/upload"
	"github.com/yuin/goldmark"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	writeWait    = 10 * time.Second
	// maxMessage caps one message from the browser.
	maxMessage = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// categoriesChanged tells every client to refresh its category list.
var categoriesChanged = outMsg{Type: "categories_changed"}

// inMsg is a message from the browser.
type inMsg struct {
	Type string `json:"type"`
	// submit
	Text string `json:"text,omitempty"`
	// session
	Session *core.Session `json:"session,omitempty"`
}

// outMsg is a message to the browser.
type outMsg struct {
	Type       string   `json:"type"`
	UserID     string   `json:"user_id,omitempty"`
	Models     []string `json:"models,omitempty"`
	Directives []string `json:"directives,omitempty"`
	Categories []string `json:"categories,omitempty"`
	// UploadTypes lists the file extensions the upload endpoint accepts.
	UploadTypes []string       `json:"upload_types,omitempty"`
	Snapshot    *core.Snapshot `json:"snapshot,omitempty"`
	// HTML holds the rendered content of each turn in Snapshot.
	HTML    []string `json:"html,omitempty"`
	Level   string   `json:"level,omitempty"`
	Message string   `json:"message,omitempty"`
}

// ClientPool tracks connected clients for broadcasts.
type ClientPool struct {
	clients    map[*WSClient]bool
	broadcast  chan outMsg
	register   chan *WSClient
	unregister chan *WSClient
	stop       chan struct{}
	stopOnce   sync.Once
	mutex      sync.RWMutex
}

// NewClientPool creates a new client pool.
func NewClientPool() *ClientPool {
	return &ClientPool{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan outMsg, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stop:       make(chan struct{}),
	}
}

// Start runs the pool's loop until Stop.
func (cp *ClientPool) Start() {
	for {
		select {
		case client := <-cp.register:
			cp.mutex.Lock()
			cp.clients[client] = true
			n := len(cp.clients)
			cp.mutex.Unlock()
			log.Printf("client %s registered, total clients: %d", client.id, n)

		case client := <-cp.unregister:
			cp.mutex.Lock()
			delete(cp.clients, client)
			n := len(cp.clients)
			cp.mutex.Unlock()
			log.Printf("client %s unregistered, total clients: %d", client.id, n)

		case message := <-cp.broadcast:
			cp.mutex.RLock()
			for client := range cp.clients {
				client.trySend(message)
			}
			cp.mutex.RUnlock()

		case <-cp.stop:
			return
		}
	}
}

// Stop ends the loop.
func (cp *ClientPool) Stop() {
	cp.stopOnce.Do(func() { close(cp.stop) })
}

// Broadcast sends a message to all connected clients.  It drops the
// message if the pool is backed up.
func (cp *ClientPool) Broadcast(message outMsg) {
	select {
	case cp.broadcast <- message:
	default:
		log.Printf("broadcast dropped: %s", message.Type)
	}
}

func (cp *ClientPool) add(c *WSClient) {
	select {
	case cp.register <- c:
	case <-cp.stop:
	}
}

func (cp *ClientPool) remove(c *WSClient) {
	select {
	case cp.unregister <- c:
	case <-cp.stop:
	}
}

// Len returns the number of connected clients.
func (cp *ClientPool) Len() int {
	cp.mutex.RLock()
	defer cp.mutex.RUnlock()
	return len(cp.clients)
}

// WSClient is one browser connection and its chat session.
type WSClient struct {
	conn     *websocket.Conn
	send     chan outMsg
	done     chan struct{}
	doneOnce sync.Once
	pool     *ClientPool
	id       string
	userID   string
	conv     *core.Conversation
}

// queue queues a message, waiting while the connection is alive.
func (c *WSClient) queue(m outMsg) {
	select {
	case c.send <- m:
	case <-c.done:
	}
}

// trySend queues a message unless the client is backed up.
func (c *WSClient) trySend(m outMsg) {
	select {
	case c.send <- m:
	default:
	}
}

func (c *WSClient) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// writePump writes messages to the client and sends periodic pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				log.Printf("websocket write error: %v", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("websocket ping error: %v", err)
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump reads client messages until the connection drops.  Turns
// run on their own goroutine so cancel and session changes are read
// while a turn streams.
func (c *WSClient) readPump(s *Server) {
	defer func() {
		c.conv.Cancel()
		c.close()
		c.pool.remove(c)
		c.conn.Close()
	}()
	for {
		var msg inMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}
		switch msg.Type {
		case "submit":
			text := msg.Text
			go func() {
				err := c.conv.Submit(context.Background(), text)
				switch {
				case errors.Is(err, core.ErrBusy):
					c.queue(outMsg{Type: "notice", Level: "warning", Message: "please wait for the current answer to finish"})
				case errors.Is(err, core.ErrEmptyInput):
				case err != nil:
					log.Printf("client %s: turn failed: %v", c.id, err)
					msg := err.Error()
					if last := c.conv.Snapshot().Last(); last != nil && last.Err != "" {
						msg = last.Err
					}
					c.queue(outMsg{Type: "notice", Level: "error", Message: "answer failed: " + msg})
				}
			}()
		case "session":
			if msg.Session == nil {
				continue
			}
			sess := *msg.Session
			if sess.Model != "" && !s.cfg.HasModel(sess.Model) {
				c.queue(outMsg{Type: "notice", Level: "error", Message: "unknown model " + sess.Model})
				continue
			}
			c.conv.UpdateSession(func(cur *core.Session) {
				if sess.Model != "" {
					cur.Model = sess.Model
				}
				cur.Directive = sess.Directive
				cur.RetrievalEnabled = sess.RetrievalEnabled
				cur.Category = sess.Category
			})
		case "cancel":
			c.conv.Cancel()
		case "categories":
			go c.refreshCategories(s)
		default:
			log.Printf("client %s: unknown message type %q", c.id, msg.Type)
		}
	}
}

// refreshCategories loads the category list and pushes it.  Failures
// become a notice; the chat is unaffected.
func (c *WSClient) refreshCategories(s *Server) {
	cats := []string{retrieval.All}
	if s.index != nil {
		var err error
		cats, err = s.index.Categories()
		if err != nil {
			log.Printf("client %s: categories failed: %v", c.id, err)
			c.queue(outMsg{Type: "notice", Level: "error", Message: "failed to load categories"})
			return
		}
	}
	c.queue(outMsg{Type: "categories", Categories: cats})
}

// transcriptMsg renders a snapshot for the browser.
func transcriptMsg(snap core.Snapshot) outMsg {
	html := make([]string, len(snap.Turns))
	for i, t := range snap.Turns {
		html[i] = markdownToHTML(t.Content)
	}
	return outMsg{Type: "transcript", Snapshot: &snap, HTML: html}
}

// markdownToHTML converts markdown text to HTML using goldmark.
func markdownToHTML(markdown string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		log.Printf("markdown conversion error: %v", err)
		return "<p>Error rendering markdown</p>"
	}
	return buf.String()
}

// handleWS upgrades the connection and starts a chat session.  The
// optional user_id and username query parameters identify the user.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = uuid.New().String()
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = "anonymous"
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan outMsg, 256),
		done:   make(chan struct{}),
		pool:   s.pool,
		id:     uuid.New().String()[:8],
		userID: userID,
	}
	cfg := core.Config{
		Streamer: s.upstream,
		Budget:   s.budget(),
		UserID:   userID,
		Observer: func(snap core.Snapshot) { client.queue(transcriptMsg(snap)) },
		OnRetrievalError: func(err error) {
			log.Printf("client %s: %v", client.id, err)
			client.queue(outMsg{Type: "notice", Level: "warning", Message: "document search failed; answering without context"})
		},
	}
	if s.index != nil {
		cfg.Search = s.searcher().Search
	}
	if s.mirror != nil {
		cfg.Recorder = s.mirror
		s.mirror.CreateUser(persist.User{UserID: userID, Username: username})
	}
	session := core.Session{Model: s.cfg.Model, Category: retrieval.All}
	if len(s.cfg.Directives) > 0 {
		session.Directive = s.cfg.Directives[0]
	}
	client.conv = core.NewConversation(cfg, session)

	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s.pool.add(client)
	go client.writePump()
	client.queue(outMsg{
		Type:        "hello",
		UserID:      userID,
		Models:      s.cfg.Models,
		Directives:  s.cfg.Directives,
		UploadTypes: upload.Extensions(),
	})
	client.queue(transcriptMsg(client.conv.Snapshot()))
	go client.refreshCategories(s)
	go client.readPump(s)
}
