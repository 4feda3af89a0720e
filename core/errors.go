package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/stevegt/ragchat/client"
)

var (
	// ErrBusy is returned by Submit while another turn is in progress.
	// Submissions are rejected, never queued.
	ErrBusy = errors.New("a turn is already in progress")
	// ErrEmptyInput is returned by Submit for blank input.
	ErrEmptyInput = errors.New("empty input")
	// ErrEmptyResponse ends a turn whose stream finished without any
	// content.
	ErrEmptyResponse = errors.New("the model returned an empty response")
	// ErrNoSearch is the retrieval failure when no search collaborator
	// is configured.
	ErrNoSearch = errors.New("no search collaborator configured")
)

// DefaultErrorMessage is shown when a failure has no usable message.
const DefaultErrorMessage = "An unexpected error occurred. Please try again."

// ErrorContent renders err as the content of a failed assistant turn.
func ErrorContent(err error) string {
	return fmt.Sprintf("Error: %s", errorMessage(err))
}

func errorMessage(err error) string {
	var status *client.StatusError
	switch {
	case err == nil:
		return DefaultErrorMessage
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.As(err, &status):
		if status.Body != "" {
			return status.Body
		}
		return fmt.Sprintf("server returned status %d", status.Code)
	}
	msg := err.Error()
	if msg == "" {
		return DefaultErrorMessage
	}
	return msg
}
