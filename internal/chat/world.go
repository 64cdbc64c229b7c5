// Package chat drives one turn-bounded human/bot conversation: start-mode
// handling, the alternating main loop, per-turn annotation collection,
// end-of-conversation detection, and transcript finalization.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"annotalk/internal/acceptability"
	"annotalk/internal/message"
	"annotalk/internal/stats"
	"annotalk/internal/transcript"
)

// StartMode selects how conversation history is seeded at turn zero.
type StartMode string

const (
	// StartModeSeededPair inserts one prior utterance per side as fixed,
	// non-interactive history.
	StartModeSeededPair StartMode = "seeded-pair"
	// StartModeGreetingOnly records a literal greeting from the human side
	// and asks the bot for its first real reply.
	StartModeGreetingOnly StartMode = "greeting-only"
)

// ErrUnknownStartMode is returned for an unrecognized start mode. The
// conversation is aborted, never retried.
var ErrUnknownStartMode = errors.New("conversation start mode not recognized")

const systemID = "SYSTEM"

// breakMarker delimits annotation-checkbox markup the bot appends to its
// reply text; everything from the first marker on is stripped before the
// utterance is recorded.
const breakMarker = "<br>"

// State is the orchestrator's position in the conversation lifecycle.
type State int

const (
	StateInit State = iota
	StateGreeting
	StateInProgress
	StateFinalizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateGreeting:
		return "GREETING"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateFinalizing:
		return "FINALIZING"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Agent is one side of the conversation. Act blocks until the party
// produces a message; a timeout <= 0 means an unbounded wait.
type Agent interface {
	ID() string
	Act(ctx context.Context, timeout time.Duration) (message.Message, error)
	Observe(msg message.Message)
}

// Screener evaluates human utterances against content rules. Satisfied by
// *acceptability.Checker.
type Screener interface {
	Check(messages []string, rules []string) (string, error)
}

// BlockGranter flags a worker whose conversation failed screening.
// Satisfied by *qualify.Gate.
type BlockGranter interface {
	MarkAcceptabilityViolation(ctx context.Context, workerID string) error
}

// Persister writes the finished transcript. Satisfied by *transcript.Sink.
type Persister interface {
	Save(rec transcript.Record) (string, error)
}

// RunRecord summarizes a finished conversation for the run index.
type RunRecord struct {
	ConversationID string
	BotName        string
	WorkerID       string
	FilePath       string
	Violations     string
	NumTurns       int
}

// RunRecorder indexes finished conversations. Optional.
type RunRecorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
}

// Config holds the per-conversation orchestration parameters.
type Config struct {
	// NumTurns is the turn count each side must reach before an early end
	// carries its annotation payload.
	NumTurns           int
	MaxRespTime        time.Duration
	StartMode          StartMode
	IncludePersona     bool
	CheckAcceptability bool
	// AnnotationsConfig is echoed verbatim into the persisted transcript.
	AnnotationsConfig []byte
	HITID             string
	AssignmentID      string
}

// Deps bundles the collaborators of one World.
type Deps struct {
	Human    Agent
	Bot      Agent
	Context  *ContextInfo
	Screener Screener
	Gate     BlockGranter
	Sink     Persister
	Recorder RunRecorder // optional
	RunStats *stats.RunStats

	BotName      string
	BotModelFile string
	BotModelOpt  map[string]any
}

// World is the conversation orchestrator. One World runs per active
// conversation, on its own goroutine; Advance performs one lifecycle step
// per call and the caller loops until IsDone.
type World struct {
	id   string
	cfg  Config
	deps Deps

	// mu guards state and taskTurnIdx: the world goroutine writes them
	// while HTTP handlers poll State/TurnIndex/IsDone concurrently.
	mu          sync.Mutex
	state       State
	taskTurnIdx int

	dialog   []message.Utterance
	chatDone bool
	logger   *slog.Logger
}

// NewWorld creates a World for one conversation.
func NewWorld(conversationID string, cfg Config, deps Deps) *World {
	return &World{
		id:     conversationID,
		cfg:    cfg,
		deps:   deps,
		state:  StateInit,
		logger: slog.With("conversation_id", conversationID, "bot", deps.BotName),
	}
}

// State returns the current lifecycle state.
func (w *World) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// TurnIndex returns the current task turn counter.
func (w *World) TurnIndex() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.taskTurnIdx
}

// Dialog returns the recorded utterances. The slice is append-only for the
// lifetime of the conversation; callers must not mutate it.
func (w *World) Dialog() []message.Utterance { return w.dialog }

// IsDone reports whether the conversation has reached FINALIZING or DONE.
func (w *World) IsDone() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state >= StateFinalizing
}

func (w *World) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *World) setTurnIndex(n int) {
	w.mu.Lock()
	w.taskTurnIdx = n
	w.mu.Unlock()
}

// Advance drives one lifecycle step. Callers invoke it repeatedly until
// IsDone. Calling Advance in a terminal state is an error.
func (w *World) Advance(ctx context.Context) error {
	switch w.state {
	case StateInit:
		if err := w.start(ctx); err != nil {
			return err
		}
		w.setState(StateGreeting)
	case StateGreeting:
		w.setState(StateInProgress)
	case StateInProgress:
		if err := w.step(ctx); err != nil {
			return err
		}
		if w.chatDone {
			w.setState(StateFinalizing)
		}
	default:
		return fmt.Errorf("advance called in terminal state %s", w.state)
	}
	return nil
}

// start performs turn-zero handling: persona injection and the configured
// conversation start mode.
func (w *World) start(ctx context.Context) error {
	if w.cfg.IncludePersona {
		if w.deps.Context == nil {
			return fmt.Errorf("include_persona is set but no conversation context was provided")
		}
		if !validDataset(w.deps.Context.ContextDataset) {
			return fmt.Errorf("%w: %q", ErrUnknownContextDataset, w.deps.Context.ContextDataset)
		}
		// Seeing its persona does not count as a turn for the bot.
		w.deps.Bot.Observe(message.Message{
			ID:   systemID,
			Text: botContext(w.deps.Context.Persona2Strings, w.deps.Context.ContextDataset, w.deps.Context.AdditionalContext),
		})
	}

	switch w.cfg.StartMode {
	case StartModeSeededPair:
		return w.startSeededPair()
	case StartModeGreetingOnly:
		return w.startGreetingOnly(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStartMode, w.cfg.StartMode)
	}
}

// startSeededPair inserts both seed utterances as fixed history, delivered
// to both parties. The synthetic pair does not advance the turn counter.
func (w *World) startSeededPair() error {
	if w.deps.Context == nil {
		return fmt.Errorf("seeded-pair start mode requires conversation context")
	}
	w.logger.Info("seeding conversation with prior utterance pair")

	seeds := []message.Utterance{
		{AgentIdx: 0, Text: w.deps.Context.Person1SeedUtterance, ID: w.deps.Human.ID(), FakeStart: true},
		{AgentIdx: 1, Text: w.deps.Context.Person2SeedUtterance, ID: w.deps.Bot.ID(), FakeStart: true},
	}
	for _, seed := range seeds {
		w.dialog = append(w.dialog, seed)
		msg := message.Message{ID: seed.ID, Text: seed.Text}
		w.deps.Human.Observe(msg)
		w.deps.Bot.Observe(msg)
	}
	return nil
}

// startGreetingOnly records a fixed greeting from the human side and asks
// the bot for its first real reply; the exchange counts as the first turn.
func (w *World) startGreetingOnly(ctx context.Context) error {
	w.logger.Info("starting conversation with fixed greeting")

	greeting := message.Message{ID: w.deps.Human.ID(), Text: "Hi!"}
	w.dialog = append(w.dialog, message.Utterance{
		AgentIdx: 0, Text: greeting.Text, ID: greeting.ID, FakeStart: true,
	})
	w.deps.Human.Observe(greeting)
	w.deps.Bot.Observe(greeting)

	firstReply, err := w.deps.Bot.Act(ctx, 0)
	if err != nil {
		return fmt.Errorf("waiting for first bot reply: %w", err)
	}
	firstReply.Normalize()
	w.deps.Human.Observe(firstReply)
	w.dialog = append(w.dialog, message.Utterance{
		AgentIdx: 1, Text: stripMarkup(firstReply.Text), ID: firstReply.ID,
	})

	w.setTurnIndex(1)
	return nil
}

// step runs one main-loop pass: human side first, then bot side. Either
// side may end the conversation by sending a rating-completion signal.
func (w *World) step(ctx context.Context) error {
	w.logger.Debug("main loop pass", "turn_idx", w.taskTurnIdx, "turns_needed", w.cfg.NumTurns)

	sides := []Agent{w.deps.Human, w.deps.Bot}
	for idx, agent := range sides {
		if w.chatDone {
			break
		}

		timeout := w.cfg.MaxRespTime
		if idx == 1 {
			timeout = 0 // bot inference is unbounded; admission is gated upstream
		}
		act, err := agent.Act(ctx, timeout)
		if err != nil {
			return fmt.Errorf("waiting for agent %d at turn %d: %w", idx, w.taskTurnIdx, err)
		}
		act.Normalize()

		if act.HasFinalRating() {
			w.chatDone = true
			// The annotation payload on the ending message only counts once
			// the minimum turn requirement is exceeded; an early end
			// discards it.
			if w.taskTurnIdx > w.cfg.NumTurns {
				p, err := act.ProblemData()
				if err != nil {
					return fmt.Errorf("rating message at turn %d: %w", w.taskTurnIdx, err)
				}
				w.dialog[len(w.dialog)-1].ProblemData = p
			}
			return nil
		}

		w.dialog = append(w.dialog, message.Utterance{
			AgentIdx: idx,
			Text:     stripMarkup(act.Text),
			ID:       act.ID,
		})

		if idx == 0 {
			// The human has just responded; the annotation payload they
			// carry describes the bot's prior utterance.
			p, err := act.ProblemData()
			if err != nil {
				return fmt.Errorf("human message at turn %d: %w", w.taskTurnIdx, err)
			}
			w.dialog[len(w.dialog)-2].ProblemData = p
		}

		other := sides[1-idx]
		other.Observe(act)

		if idx == 1 {
			w.setTurnIndex(w.taskTurnIdx + 1)
		}
	}
	return nil
}

// FinalizeAndPersist screens the human side of the finished conversation,
// writes the transcript, indexes the run, and applies the blocking
// qualification when a violation is reported. Valid only in FINALIZING.
func (w *World) FinalizeAndPersist(ctx context.Context) error {
	if w.state != StateFinalizing {
		return fmt.Errorf("finalize called in state %s", w.state)
	}

	var violations *string
	if w.cfg.CheckAcceptability {
		rules := acceptability.DefaultRules()
		if w.cfg.StartMode == StartModeSeededPair {
			// The conversation opened on seeded history, so a fresh
			// greeting from the worker is formulaic filler.
			rules = append(rules, acceptability.RulePenalizeGreetings)
		}
		report, err := w.deps.Screener.Check(w.humanTexts(), rules)
		if err != nil {
			return fmt.Errorf("screening conversation %s: %w", w.id, err)
		}
		violations = &report
	}

	rec := w.buildRecord(violations)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		path, err := w.deps.Sink.Save(rec)
		if err != nil {
			return fmt.Errorf("persisting conversation %s: %w", w.id, err)
		}
		if w.deps.Recorder == nil {
			return nil
		}
		run := RunRecord{
			ConversationID: w.id,
			BotName:        w.deps.BotName,
			WorkerID:       w.deps.Human.ID(),
			FilePath:       path,
			NumTurns:       w.taskTurnIdx,
		}
		if violations != nil {
			run.Violations = *violations
		}
		if err := w.deps.Recorder.RecordRun(gctx, run); err != nil {
			return fmt.Errorf("indexing conversation %s: %w", w.id, err)
		}
		return nil
	})
	g.Go(func() error {
		if violations == nil || *violations == "" {
			return nil
		}
		w.logger.Info("acceptability violations found", "violations", *violations)
		return w.deps.Gate.MarkAcceptabilityViolation(gctx, w.deps.Human.ID())
	})
	if err := g.Wait(); err != nil {
		return err
	}

	w.deps.RunStats.Increment(w.deps.BotName)
	w.setState(StateDone)
	return nil
}

func (w *World) humanTexts() []string {
	var texts []string
	for _, u := range w.dialog {
		if u.AgentIdx == 0 {
			texts = append(texts, u.Text)
		}
	}
	return texts
}

func (w *World) buildRecord(violations *string) transcript.Record {
	rec := transcript.Record{
		Dialog:                  w.dialog,
		Workers:                 []string{w.deps.Human.ID()},
		BadWorkers:              []string{},
		AcceptabilityViolations: []*string{violations},
		HITIDs:                  []string{w.cfg.HITID},
		AssignmentIDs:           []string{w.cfg.AssignmentID},
		TaskDescription: transcript.TaskDescription{
			AnnotationsConfig: w.cfg.AnnotationsConfig,
			ModelNickname:     w.deps.BotName,
			ModelFile:         w.deps.BotModelFile,
			ModelOpt:          w.deps.BotModelOpt,
		},
	}
	if ci := w.deps.Context; ci != nil {
		rec.Personas = [][]string{ci.Persona1Strings, ci.Persona2Strings}
		rec.ContextDataset = &ci.ContextDataset
		rec.Person1SeedUtterance = &ci.Person1SeedUtterance
		rec.Person2SeedUtterance = &ci.Person2SeedUtterance
		rec.AdditionalContext = &ci.AdditionalContext
	}
	return rec
}

// stripMarkup drops the annotation-checkbox markup the bot appends after
// the first line-break marker.
func stripMarkup(text string) string {
	if i := strings.Index(text, breakMarker); i >= 0 {
		return text[:i]
	}
	return text
}
