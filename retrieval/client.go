package retrieval

import (
	"context"
	"net/http"
	"strings"

	"github.com/stevegt/ragchat/client"
)

// SearchRequest is the search endpoint's request body.
type SearchRequest struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
}

// SearchResponse is the search endpoint's response body.
type SearchResponse struct {
	Results   []client.Passage `json:"results"`
	RequestID string           `json:"request_id"`
}

// Client talks to the search and categories endpoints of a ragchat
// daemon.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a Client for the daemon at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{}}
}

// Search implements client.Searcher.
func (c *Client) Search(ctx context.Context, query, category string) (passages []client.Passage, err error) {
	req := SearchRequest{Query: query, Category: NormalizeCategory(category)}
	var res SearchResponse
	err = client.DoJSON(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/api/search", req, &res)
	if err != nil {
		return
	}
	return res.Results, nil
}

// Categories returns the category list, All first.
func (c *Client) Categories(ctx context.Context) (categories []string, err error) {
	err = client.DoJSON(ctx, c.HTTP, http.MethodGet, c.BaseURL+"/api/categories", nil, &categories)
	if err != nil {
		return
	}
	if len(categories) == 0 || categories[0] != All {
		categories = append([]string{All}, categories...)
	}
	return
}

var _ client.Searcher = (*Client)(nil)
