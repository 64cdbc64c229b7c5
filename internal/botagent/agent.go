// Package botagent adapts a botengine.Engine into a conversation partner
// for the chat orchestrator: it accumulates the observed history and turns
// Act calls into inference requests.
package botagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"annotalk/internal/botengine"
	"annotalk/internal/message"
)

const systemID = "SYSTEM"

// Agent is the bot side of one conversation. Bot inference is serialized
// process-wide through a shared weighted semaphore so only a bounded number
// of generations run at once.
type Agent struct {
	name      string
	model     string
	engine    botengine.Engine
	admission *semaphore.Weighted
	history   []botengine.Message
	logger    *slog.Logger
}

// New creates an Agent for one conversation. name is the bot identity shown
// in transcripts; model is the engine model it maps to. The admission
// semaphore is shared by every concurrently running conversation.
func New(name, model string, engine botengine.Engine, admission *semaphore.Weighted) *Agent {
	return &Agent{
		name:      name,
		model:     model,
		engine:    engine,
		admission: admission,
		logger:    slog.With("bot", name),
	}
}

// ID returns the bot identity.
func (a *Agent) ID() string { return a.name }

// Observe appends a message to the bot's conversation history. Messages
// from the SYSTEM sender become system-role context; the bot's own
// utterances are assistant turns; everything else is the human partner.
func (a *Agent) Observe(msg message.Message) {
	role := "user"
	switch msg.ID {
	case systemID:
		role = "system"
	case a.name:
		role = "assistant"
	}
	a.history = append(a.history, botengine.Message{Role: role, Content: msg.Text})
}

// Act generates the bot's next utterance. A timeout <= 0 leaves the wait
// bounded only by ctx. The admission slot is held for the duration of the
// inference call, not the wait for it.
func (a *Agent) Act(ctx context.Context, timeout time.Duration) (message.Message, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := a.admission.Acquire(ctx, 1); err != nil {
		return message.Message{}, fmt.Errorf("acquiring inference slot: %w", err)
	}
	reply, err := a.engine.Chat(ctx, a.model, a.history)
	a.admission.Release(1)
	if err != nil {
		return message.Message{}, fmt.Errorf("generating bot reply: %w", err)
	}

	a.history = append(a.history, botengine.Message{Role: "assistant", Content: reply})
	a.logger.Debug("bot reply generated", "chars", len(reply))

	return message.Message{ID: a.name, Text: reply}, nil
}
