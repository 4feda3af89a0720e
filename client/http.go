package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError is returned when a collaborator answers with an
// unexpected HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// NewRequest builds a request with a JSON body, or no body if payload
// is nil.
func NewRequest(ctx context.Context, method, url string, payload interface{}) (req *http.Request, err error) {
	var body io.Reader
	if payload != nil {
		var buf []byte
		buf, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err = http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return
}

// CheckStatus returns a *StatusError unless resp has one of the
// accepted codes.  The body is consumed on error.
func CheckStatus(resp *http.Response, acceptedCodes ...int) error {
	for _, code := range acceptedCodes {
		if resp.StatusCode == code {
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}

// DoJSON sends payload to url and decodes a JSON response into out,
// which may be nil.
func DoJSON(ctx context.Context, hc *http.Client, method, url string, payload, out interface{}) (err error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := NewRequest(ctx, method, url, payload)
	if err != nil {
		return
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()
	err = CheckStatus(resp, http.StatusOK, http.StatusCreated)
	if err != nil {
		return
	}
	if out == nil {
		return
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return
}
