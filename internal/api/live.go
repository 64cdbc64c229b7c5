// Package api exposes the orchestration state machines over HTTP: workers
// submit onboarding answers and chat messages through a chi router, and an
// MCP server exposes collection progress to monitoring clients.
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"annotalk/internal/message"
)

// inboxDepth bounds how many submitted messages may queue before the state
// machine consumes them. The UI enforces strict turn-taking, so more than a
// couple queued messages means a misbehaving client.
const inboxDepth = 8

// LiveAgent is the human side of a conversation or onboarding session,
// bridging HTTP requests to the blocking Agent contract. Submit feeds
// messages in from POST handlers; Observe collects messages to show the
// worker, drained by GET handlers.
type LiveAgent struct {
	id    string
	inbox chan message.Message

	mu     sync.Mutex
	outbox []message.Message
	seen   chan struct{}
}

// NewLiveAgent creates a LiveAgent for the given worker id.
func NewLiveAgent(workerID string) *LiveAgent {
	return &LiveAgent{
		id:    workerID,
		inbox: make(chan message.Message, inboxDepth),
		seen:  make(chan struct{}, 1),
	}
}

// ID returns the worker id.
func (a *LiveAgent) ID() string { return a.id }

// Submit queues a message from the worker. It never blocks; a full inbox is
// a client error.
func (a *LiveAgent) Submit(msg message.Message) error {
	select {
	case a.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("worker %s: message queue full", a.id)
	}
}

// Act blocks until the worker submits a message, the timeout elapses, or the
// context is canceled. A timeout <= 0 means an unbounded wait.
func (a *LiveAgent) Act(ctx context.Context, timeout time.Duration) (message.Message, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case msg := <-a.inbox:
		return msg, nil
	case <-deadline:
		return message.Message{}, fmt.Errorf("worker %s: %w", a.id, message.ErrTimeout)
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

// Observe appends a message for the worker to fetch.
func (a *LiveAgent) Observe(msg message.Message) {
	a.mu.Lock()
	a.outbox = append(a.outbox, msg)
	a.mu.Unlock()

	select {
	case a.seen <- struct{}{}:
	default:
	}
}

// Messages returns the observed messages from index since onward.
func (a *LiveAgent) Messages(since int) []message.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if since < 0 || since > len(a.outbox) {
		since = len(a.outbox)
	}
	out := make([]message.Message, len(a.outbox)-since)
	copy(out, a.outbox[since:])
	return out
}

// WaitObserve blocks until at least one new message has been observed since
// the last wait, or the context is canceled.
func (a *LiveAgent) WaitObserve(ctx context.Context) error {
	select {
	case <-a.seen:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
