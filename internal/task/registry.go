// Package task holds the handler registry and the business-logic handlers
// for each job kind: AI document verification, eligibility scraping, and
// outbound email. Handlers classify their own failures as retryable or
// permanent — the worker pool never guesses — and are idempotent with
// respect to externally visible side effects, using the job ID as the
// deduplication key.
package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

// Job is the handler-facing view of a leased envelope.
type Job struct {
	ID      uuid.UUID
	Attempt int
	Payload json.RawMessage
}

// Handler executes the business logic for one job kind. The returned raw
// message becomes the job's recorded result. Errors wrapped with
// job.Retryable are redelivered with backoff; job.Permanent errors end the
// job; unwrapped errors default to retryable.
type Handler interface {
	Handle(ctx context.Context, j Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, j Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, j Job) (json.RawMessage, error) {
	return f(ctx, j)
}

// Registry is the static kind → handler mapping, resolved once at process
// start. It is not safe for concurrent mutation; Register everything before
// the worker pool starts.
type Registry struct {
	handlers map[job.Kind]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Kind]Handler)}
}

// Register binds h to kind. Registering the same kind twice is a
// configuration bug and fails loudly.
func (r *Registry) Register(kind job.Kind, h Handler) error {
	if _, err := job.ParseKind(string(kind)); err != nil {
		return err
	}
	if _, dup := r.handlers[kind]; dup {
		return fmt.Errorf("handler already registered for kind %q", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Resolve returns the handler for kind, or job.ErrUnknownKind. An
// unregistered kind on dequeue is a permanent failure, never a silent drop.
func (r *Registry) Resolve(kind job.Kind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", job.ErrUnknownKind, kind)
	}
	return h, nil
}
