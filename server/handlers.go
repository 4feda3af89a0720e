package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/stevegt/ragchat/client"
	"github.com/stevegt/ragchat/index"
	"github.com/stevegt/ragchat/persist"
	"github.com/stevegt/ragchat/retrieval"
	"github.com/stevegt/ragchat/stream"
	"github.com/stevegt/ragchat/upload"
)

// maxUpload caps an uploaded file.
const maxUpload = 64 << 20

// handleCompletion proxies a completion request to the upstream
// provider and re-emits the deltas as event records.  A failure after
// the first record aborts the connection so the client sees a drop
// instead of a clean end of stream.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req client.CompletionRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}
	req.Temperature = 0
	req.TopP = 0
	if req.MaxTokens == 0 {
		req.MaxTokens = s.cfg.MaxTokens
	}

	ds, err := s.upstream.Stream(r.Context(), req)
	if err != nil {
		log.Printf("completion: upstream error: %v", err)
		msg := err.Error()
		var serr *stream.StreamError
		if errors.As(err, &serr) && serr.Err != nil {
			msg = serr.Err.Error()
		}
		writeError(w, http.StatusBadGateway, msg)
		return
	}
	defer ds.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for {
		delta, err := ds.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("completion: stream failed: %v", err)
			panic(http.ErrAbortHandler)
		}
		rec, err := stream.EncodeRecord(delta)
		if err != nil {
			log.Printf("completion: encode failed: %v", err)
			panic(http.ErrAbortHandler)
		}
		_, err = w.Write(rec)
		if err != nil {
			// client went away
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, "search is not configured")
		return
	}
	var req retrieval.SearchRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	passages, err := s.index.Search(r.Context(), req.Query, req.Category, s.cfg.SearchLimit)
	if err != nil {
		log.Printf("search failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if passages == nil {
		passages = []client.Passage{}
	}
	writeJSON(w, http.StatusOK, retrieval.SearchResponse{Results: passages, RequestID: uuid.New().String()})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSON(w, http.StatusOK, []string{retrieval.All})
		return
	}
	cats, err := s.index.Categories()
	if err != nil {
		log.Printf("categories failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

// handleUpload stages a file by type and indexes it when its text can
// be extracted.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer f.Close()
	name := filepath.Base(hdr.Filename)
	stage, ok := upload.StageFor(name)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unsupported file type")
		return
	}

	dir := filepath.Join(s.cfg.UploadDir, string(stage))
	path := filepath.Join(dir, name)
	err = saveFile(dir, path, f)
	if err != nil {
		log.Printf("upload %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	log.Printf("upload %s staged to %s", name, stage)

	res := upload.Response{Message: fmt.Sprintf("%s uploaded", name), Stage: stage, Path: name}
	if s.index != nil {
		res.Indexed, err = s.indexFile(r, name, stage, path)
		switch {
		case errors.Is(err, index.ErrNoText):
			log.Printf("upload %s staged without indexing: %v", name, err)
		case err != nil:
			log.Printf("upload %s: indexing failed: %v", name, err)
			writeError(w, http.StatusInternalServerError, "file stored but indexing failed")
			return
		default:
			s.pool.Broadcast(categoriesChanged)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func saveFile(dir, path string, src io.Reader) (err error) {
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return
	}
	dst, err := os.Create(path)
	if err != nil {
		return
	}
	_, err = io.Copy(dst, src)
	cerr := dst.Close()
	if err == nil {
		err = cerr
	}
	return
}

func (s *Server) indexFile(r *http.Request, name string, stage upload.Stage, path string) (n int, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return
	}
	defer fh.Close()
	text, err := index.Extract(name, fh)
	if err != nil {
		return
	}
	return s.index.Add(r.Context(), name, string(stage), text)
}

// sinkStatus maps persistence errors to HTTP status codes.
func sinkStatus(err error) int {
	switch {
	case errors.Is(err, persist.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, persist.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// withSink decodes a record of type T and hands it to fn.
func withSink[T any](s *Server, w http.ResponseWriter, r *http.Request, fn func(rec T) error) {
	if s.sink == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence is not configured")
		return
	}
	var rec T
	err := json.NewDecoder(r.Body).Decode(&rec)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err = fn(rec)
	if err != nil {
		log.Printf("persist: %v", err)
		writeError(w, sinkStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	withSink(s, w, r, func(u persist.User) error {
		return s.sink.CreateUser(r.Context(), u)
	})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	withSink(s, w, r, func(c persist.Conversation) error {
		return s.sink.CreateConversation(r.Context(), c)
	})
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	withSink(s, w, r, func(m persist.Message) error {
		return s.sink.AddMessage(r.Context(), m)
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence is not configured")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	convs, err := s.sink.ListConversations(r.Context(), userID)
	if err != nil {
		writeError(w, sinkStatus(err), err.Error())
		return
	}
	if convs == nil {
		convs = []persist.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence is not configured")
		return
	}
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	msgs, err := s.sink.ListMessages(r.Context(), convID)
	if err != nil {
		writeError(w, sinkStatus(err), err.Error())
		return
	}
	if msgs == nil {
		msgs = []persist.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
