// Package stream issues streaming completion requests and exposes
// the response as a lazy sequence of text deltas.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/client"
)

// StreamError reports a transport failure before or during a
// stream.  Partial holds whatever content was delivered before the
// failure; it is never retracted.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// ErrUnexpectedEOF is reported when the connection drops in the
// middle of a record.
var ErrUnexpectedEOF = errors.New("connection closed mid-record")

// Client posts completion requests to an SSE completion endpoint.
type Client struct {
	URL    string
	HTTP   *http.Client
	Header http.Header
}

// NewClient returns a Client for the completion endpoint at url.
func NewClient(url string) *Client {
	return &Client{URL: url, HTTP: &http.Client{}, Header: http.Header{}}
}

// Stream issues one request.  The returned stream must be consumed
// with Recv until it returns an error, and then closed.
func (c *Client) Stream(ctx context.Context, req client.CompletionRequest) (ds client.DeltaStream, err error) {
	req.Stream = true
	hreq, err := client.NewRequest(ctx, http.MethodPost, c.URL, req)
	if err != nil {
		return nil, &StreamError{Err: err}
	}
	hreq.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range c.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	Debug("stream: POST %s model=%s messages=%d", c.URL, req.Model, len(req.Messages))
	resp, err := hc.Do(hreq)
	if err != nil {
		return nil, &StreamError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StreamError{Err: &client.StatusError{Code: resp.StatusCode, Body: diagnostic(body)}}
	}
	return NewStream(ctx, resp.Body), nil
}

// diagnostic extracts the most useful message from an error body.
func diagnostic(body []byte) string {
	var e struct {
		Error interface{} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != nil {
		switch v := e.Error.(type) {
		case string:
			return v
		case map[string]interface{}:
			if msg, ok := v["message"].(string); ok {
				return msg
			}
		}
	}
	return strings.TrimSpace(string(body))
}

// Stream is a lazy sequence of deltas read from an SSE body.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	framer  Framer
	pending []string
	partial strings.Builder
	buf     []byte
	eof     bool
	readErr error
	err     error
}

// NewStream wraps body.  Cancelling ctx ends the stream with a
// StreamError at the next Recv.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	return &Stream{ctx: ctx, body: body, buf: make([]byte, 4096)}
}

// Recv returns the next non-empty delta, io.EOF at a clean end of
// stream, or a *StreamError.
func (s *Stream) Recv() (delta string, err error) {
	for {
		if s.err != nil {
			return "", s.err
		}
		if cerr := s.ctx.Err(); cerr != nil {
			return "", s.fail(cerr)
		}
		if len(s.pending) > 0 {
			delta = s.pending[0]
			s.pending = s.pending[1:]
			s.partial.WriteString(delta)
			return delta, nil
		}
		if s.readErr != nil {
			return "", s.fail(s.readErr)
		}
		if s.eof {
			s.err = io.EOF
			return "", io.EOF
		}
		n, rerr := s.body.Read(s.buf)
		if n > 0 {
			s.parse(s.framer.Feed(s.buf[:n])...)
		}
		switch {
		case rerr == io.EOF:
			if rec, ok := s.framer.Flush(); ok {
				s.parse(rec)
			}
			s.eof = true
		case rerr != nil:
			if cerr := s.ctx.Err(); cerr != nil {
				rerr = cerr
			} else if errors.Is(rerr, io.ErrUnexpectedEOF) {
				rerr = ErrUnexpectedEOF
			}
			// records read along with the error are delivered first
			s.readErr = rerr
		}
	}
}

func (s *Stream) parse(records ...[]byte) {
	for _, rec := range records {
		if delta, ok := ParseRecord(rec); ok {
			s.pending = append(s.pending, delta)
		}
	}
}

func (s *Stream) fail(err error) error {
	s.pending = nil
	s.err = &StreamError{Partial: s.partial.String(), Err: err}
	s.body.Close()
	return s.err
}

// Close releases the transport.
func (s *Stream) Close() error {
	return s.body.Close()
}

var _ client.Streamer = (*Client)(nil)
var _ client.DeltaStream = (*Stream)(nil)
