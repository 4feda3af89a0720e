package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/stevegt/ragchat/client"
)

// Response is the upload endpoint's success body.
type Response struct {
	Message string `json:"message"`
	Stage   Stage  `json:"stage"`
	Path    string `json:"path"`
	Indexed int    `json:"indexed"`
}

// HTTPUploader posts files as multipart form data.
type HTTPUploader struct {
	URL  string
	HTTP *http.Client
}

// NewHTTPUploader returns an uploader for the daemon at baseURL.
func NewHTTPUploader(baseURL string) *HTTPUploader {
	return &HTTPUploader{URL: strings.TrimRight(baseURL, "/") + "/api/upload", HTTP: &http.Client{}}
}

// Upload implements Uploader.  The body is streamed through a pipe
// so large files are not buffered.
func (u *HTTPUploader) Upload(ctx context.Context, f File) (err error) {
	src, err := f.Open()
	if err != nil {
		return
	}
	defer src.Close()

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", f.Name)
		if err == nil {
			_, err = io.Copy(part, src)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, pr)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	hc := u.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	err = client.CheckStatus(resp, http.StatusOK, http.StatusCreated)
	if err != nil {
		return
	}
	var res Response
	err = json.NewDecoder(resp.Body).Decode(&res)
	if err != nil {
		return fmt.Errorf("bad upload response: %w", err)
	}
	return
}

var _ Uploader = (*HTTPUploader)(nil)
