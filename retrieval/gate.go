// Package retrieval decides whether a turn consults the document
// search collaborator, and talks to that collaborator over HTTP.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/client"
)

// All is the category sentinel meaning "no filter".
const All = "ALL"

// SearchFunc queries the search collaborator.  An empty category
// means unfiltered.
type SearchFunc func(ctx context.Context, query, category string) ([]client.Passage, error)

// RetrievalError wraps a search failure.  The turn continues in
// degraded mode when it sees one.
type RetrievalError struct {
	Query string
	Err   error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed for %q: %v", e.Query, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// NormalizeCategory maps the All sentinel and blank values to the
// empty "no filter" category.
func NormalizeCategory(category string) string {
	c := strings.TrimSpace(category)
	if c == "" || strings.EqualFold(c, All) {
		return ""
	}
	return c
}

// MaybeRetrieve calls search once when enabled and never when
// disabled.  Failures are not retried.
func MaybeRetrieve(ctx context.Context, enabled bool, query, category string, search SearchFunc) (passages []client.Passage, err error) {
	if !enabled {
		return nil, nil
	}
	Assert(search != nil, "retrieval enabled with no search function")
	passages, err = search(ctx, query, NormalizeCategory(category))
	if err != nil {
		Debug("retrieval for %q failed: %v", query, err)
		return nil, &RetrievalError{Query: query, Err: err}
	}
	Debug("retrieval for %q returned %d passages", query, len(passages))
	return
}
