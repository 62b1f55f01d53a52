package interaction

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Broker is an in-memory Channel. Requests wait in a pending set until
// Answer is called, typically from the HTTP API.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	req   Request
	reply chan string
}

var (
	_ Channel = (*Broker)(nil)
	_ Inbox   = (*Broker)(nil)
)

func NewBroker() *Broker {
	return &Broker{pending: make(map[string]*pendingRequest)}
}

func (b *Broker) Ask(ctx context.Context, req Request) (string, error) {
	req = Prepare(req)
	p := &pendingRequest{req: req, reply: make(chan string, 1)}

	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case reply := <-p.reply:
		return reply, nil
	}
}

// Answer delivers reply to the waiting request.
func (b *Broker) Answer(_ context.Context, id, reply string) error {
	if strings.TrimSpace(reply) == "" {
		return ErrEmptyReply
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return ErrRequestNotFound
	}
	select {
	case p.reply <- reply:
		return nil
	default:
		return ErrAlreadyAnswered
	}
}

// Pending lists unanswered requests, oldest first.
func (b *Broker) Pending(context.Context) ([]Request, error) {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a single pending request.
func (b *Broker) Get(id string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return Request{}, false
	}
	return p.req, true
}
