// Package job defines the unit of deferred work shared by every layer of the
// task core: the Envelope carried on the broker, the closed set of job kinds,
// the record state machine, and the error taxonomy handlers use to classify
// failures as retryable or permanent.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind selects the handler that executes a job. The set is closed: anything
// outside it fails ParseKind and is recorded as a permanent failure rather
// than silently dropped.
type Kind string

const (
	KindVerifyDocument    Kind = "verify_document"
	KindScrapeEligibility Kind = "scrape_eligibility"
	KindSendEmail         Kind = "send_email"
)

// Kinds lists every registered kind, in a stable order.
func Kinds() []Kind {
	return []Kind{KindVerifyDocument, KindScrapeEligibility, KindSendEmail}
}

// ParseKind validates a wire-format kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	switch k {
	case KindVerifyDocument, KindScrapeEligibility, KindSendEmail:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// State is the externally observable lifecycle position of a job record.
// Transitions are monotonic along
// queued → running → {succeeded | retrying → running | failed};
// succeeded and failed are terminal.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateRetrying  State = "failed-retrying"
	StateFailed    State = "failed-permanent"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Envelope is the serialized unit of work published on the broker channel.
// ID and EnqueuedAt are immutable after enqueue; Attempt is incremented by
// the worker pool before each dispatch; NotBefore is mutated only by the
// retry mechanism to express backoff.
type Envelope struct {
	ID          uuid.UUID       `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	NotBefore   time.Time       `json:"not_before"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Encode serializes the envelope for broker transport.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope deserializes a broker message back into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.ID == uuid.Nil {
		return nil, fmt.Errorf("decode envelope: missing id")
	}
	return &e, nil
}
