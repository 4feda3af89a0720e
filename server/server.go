// Package server is the ragchat daemon.  It exposes the completion,
// search, categories, upload and persistence endpoints, and runs one
// chat session per websocket connection.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/client"
	"github.com/stevegt/ragchat/config"
	"github.com/stevegt/ragchat/index"
	"github.com/stevegt/ragchat/persist"
	"github.com/stevegt/ragchat/window"
)

//go:embed index.html
var indexHTML []byte

// Version is set at build time with -ldflags.
var Version = "dev-unknown"

// Options wires a Server.  Index and Sink may be nil, in which case
// the endpoints that need them answer 503.
type Options struct {
	Config   *config.Config
	Upstream client.Streamer
	Index    *index.Index
	Sink     persist.Sink
}

// Server holds the daemon's collaborators.
type Server struct {
	cfg      *config.Config
	upstream client.Streamer
	index    *index.Index
	sink     persist.Sink
	mirror   *persist.Mirror
	pool     *ClientPool
	router   *mux.Router
}

// New builds a Server.  Call Close to flush pending persistence.
func New(opts Options) (s *Server) {
	Assert(opts.Config != nil, "server needs a config")
	Assert(opts.Upstream != nil, "server needs an upstream streamer")
	s = &Server{
		cfg:      opts.Config,
		upstream: opts.Upstream,
		index:    opts.Index,
		sink:     opts.Sink,
		pool:     NewClientPool(),
	}
	if s.sink != nil {
		s.mirror = persist.NewMirror(s.sink, s.cfg.SinkQueue)
	}
	s.router = s.routes()
	go s.pool.Start()
	return
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/llm", s.handleCompletion).Methods(http.MethodPost)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/categories", s.handleCategories).Methods(http.MethodGet)
	api.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	db := api.PathPrefix("/db").Subrouter()
	db.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	db.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	db.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	db.HandleFunc("/messages", s.handleAddMessage).Methods(http.MethodPost)
	db.HandleFunc("/messages", s.handleListMessages).Methods(http.MethodGet)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) (err error) {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s}
	errc := make(chan error, 1)
	go func() {
		log.Printf("ragchat %s listening on %s", Version, s.cfg.Listen)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err = <-errc:
		return
	case <-ctx.Done():
	}
	log.Printf("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(sctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return
}

// Close stops the client pool and drains the persistence queue.
func (s *Server) Close() {
	s.pool.Stop()
	if s.mirror != nil {
		s.mirror.Close()
	}
}

// budget returns the per-turn budget from the config.
func (s *Server) budget() window.Budget {
	return window.Budget{MaxMessages: s.cfg.MaxMessages, MaxTokens: s.cfg.MaxTokens}
}

func (s *Server) searcher() *index.Searcher {
	return &index.Searcher{Index: s.index, Limit: s.cfg.SearchLimit}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// writeError writes {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":     s.cfg.Models,
		"default":    s.cfg.Model,
		"directives": s.cfg.Directives,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}
