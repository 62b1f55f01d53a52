// Package interaction carries recovery questions to a human operator and
// brings their decision back.
package interaction

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNoChannel       = errors.New("no interaction channel configured")
	ErrRequestNotFound = errors.New("decision request not found")
	ErrAlreadyAnswered = errors.New("decision request already answered")
	ErrEmptyReply      = errors.New("empty reply")
)

// Request is a question put to an operator about a failed step.
type Request struct {
	ID        string    `json:"id"`
	FlowID    string    `json:"flow_id"`
	StepID    string    `json:"step_id"`
	Error     string    `json:"error"`
	Questions []string  `json:"questions"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel delivers a request and blocks until a reply arrives or ctx ends.
type Channel interface {
	Ask(ctx context.Context, req Request) (string, error)
}

// Inbox is the operator side of a Channel: list open requests and answer
// them.
type Inbox interface {
	Pending(ctx context.Context) ([]Request, error)
	Answer(ctx context.Context, id, reply string) error
}

// Decision is the interpreted form of a reply.
type Decision string

const (
	DecisionRetry Decision = "retry"
	DecisionSkip  Decision = "skip"
	DecisionAbort Decision = "abort"
)

// ParseDecision interprets free-form operator text. Keywords are checked in
// the order retry/yes, skip/continue, abort/cancel and the first match wins.
// Anything unrecognised means retry.
func ParseDecision(reply string) Decision {
	s := strings.ToLower(reply)
	switch {
	case strings.Contains(s, "retry"), strings.Contains(s, "yes"):
		return DecisionRetry
	case strings.Contains(s, "skip"), strings.Contains(s, "continue"):
		return DecisionSkip
	case strings.Contains(s, "abort"), strings.Contains(s, "cancel"):
		return DecisionAbort
	default:
		return DecisionRetry
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewRequestID returns a sortable unique id.
func NewRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Prepare fills in id and timestamp when the caller left them empty.
func Prepare(req Request) Request {
	if req.ID == "" {
		req.ID = NewRequestID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	return req
}
