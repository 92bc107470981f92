// Package remote replays queued mutations against the PackFinderz API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
)

// Request is one mutation replay. IdempotencyKey is the queue entry id, so a retried send
// can be recognised by the server.
type Request struct {
	IdempotencyKey string
	EntityType     enums.EntityType
	Action         enums.MutationAction
	EntityID       string
	Payload        json.RawMessage
}

// Response is the server's view of the entity after the mutation.
type Response struct {
	CanonicalID string
	Record      json.RawMessage
}

// Sender delivers mutations. Implementations return *Error to classify failures; anything
// else is treated as transient.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req Request) (*Response, error)

func (f SenderFunc) Send(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// Error is a classified send failure.
type Error struct {
	Kind       enums.FailureKind
	StatusCode int
	Code       string
	Message    string
	cause      error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.cause != nil:
		return fmt.Sprintf("remote %s (status %d): %s: %v", e.Kind, e.StatusCode, e.Message, e.cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("remote %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	case e.cause != nil:
		return fmt.Sprintf("remote %s: %s: %v", e.Kind, e.Message, e.cause)
	default:
		return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Transient wraps a failure worth retrying.
func Transient(message string, cause error) *Error {
	return &Error{Kind: enums.FailureTransient, Message: message, cause: cause}
}

// Permanent wraps a failure the server will keep rejecting.
func Permanent(statusCode int, message string) *Error {
	return &Error{Kind: enums.FailurePermanent, StatusCode: statusCode, Message: message}
}

// ClassifyStatus maps an HTTP status onto a failure kind: throttling, timeouts and server
// errors are transient, every other 4xx is permanent.
func ClassifyStatus(status int) enums.FailureKind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return enums.FailureTransient
	case status >= http.StatusBadRequest:
		return enums.FailurePermanent
	default:
		return enums.FailureTransient
	}
}

// KindOf classifies any send error.
func KindOf(err error) enums.FailureKind {
	var remoteErr *Error
	if errors.As(err, &remoteErr) && remoteErr.Kind.IsValid() {
		return remoteErr.Kind
	}
	if pkgerrors.KindOf(err) == pkgerrors.KindPermanent {
		return enums.FailurePermanent
	}
	return enums.FailureTransient
}
