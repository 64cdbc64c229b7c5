package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"annotalk/internal/acceptability"
	"annotalk/internal/message"
	"annotalk/internal/stats"
	"annotalk/internal/transcript"
)

// scriptedAgent implements Agent. Act pops from the script; an exhausted
// script honors the bounded wait and returns ErrTimeout.
type scriptedAgent struct {
	id       string
	script   []message.Message
	observed []message.Message
}

func (a *scriptedAgent) ID() string { return a.id }

func (a *scriptedAgent) Act(ctx context.Context, timeout time.Duration) (message.Message, error) {
	if len(a.script) == 0 {
		if timeout <= 0 {
			return message.Message{}, message.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		case <-time.After(timeout):
			return message.Message{}, message.ErrTimeout
		}
	}
	m := a.script[0]
	a.script = a.script[1:]
	return m, nil
}

func (a *scriptedAgent) Observe(msg message.Message) {
	a.observed = append(a.observed, msg)
}

type fakeGate struct {
	blocked []string
}

func (g *fakeGate) MarkAcceptabilityViolation(_ context.Context, workerID string) error {
	g.blocked = append(g.blocked, workerID)
	return nil
}

type fakeSink struct {
	saved []transcript.Record
	path  string
	err   error
}

func (s *fakeSink) Save(rec transcript.Record) (string, error) {
	s.saved = append(s.saved, rec)
	return s.path, s.err
}

type fakeRecorder struct {
	runs []RunRecord
}

func (r *fakeRecorder) RecordRun(_ context.Context, run RunRecord) error {
	r.runs = append(r.runs, run)
	return nil
}

func humanMsg(text string) message.Message {
	return message.Message{
		ID:   "Worker",
		Text: text,
		TaskData: &message.TaskData{
			ProblemData: map[string]bool{"none": true},
		},
	}
}

func ratingMsg() message.Message {
	rating := "4"
	return message.Message{
		ID: "Worker",
		TaskData: &message.TaskData{
			FinalRating: &rating,
			ProblemData: map[string]bool{"repetitive": true},
		},
	}
}

func botMsg(text string) message.Message {
	return message.Message{ID: "blender_3B", Text: text}
}

func testDeps(human, bot Agent) Deps {
	return Deps{
		Human:    human,
		Bot:      bot,
		Screener: acceptability.NewChecker(),
		Gate:     &fakeGate{},
		Sink:     &fakeSink{path: "/tmp/run.json"},
		RunStats: stats.NewRunStats(),
		BotName:  "blender_3B",
	}
}

// runToDone advances the world until it reaches a terminal state.
func runToDone(t *testing.T, w *World) {
	t.Helper()
	for i := 0; !w.IsDone(); i++ {
		if i > 50 {
			t.Fatal("world did not finish within 50 advances")
		}
		if err := w.Advance(context.Background()); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
}

func TestGreetingOnly_FullConversation(t *testing.T) {
	human := &scriptedAgent{id: "Worker", script: []message.Message{
		humanMsg("I spent the morning at the farmers market"),
		ratingMsg(),
	}}
	bot := &scriptedAgent{id: "blender_3B", script: []message.Message{
		botMsg("Hello! I was just out walking my dog.<br>[checkboxes]"),
		botMsg("That sounds lovely, what did you buy?"),
	}}

	w := NewWorld("c1", Config{
		NumTurns:    1,
		MaxRespTime: time.Second,
		StartMode:   StartModeGreetingOnly,
	}, testDeps(human, bot))

	runToDone(t, w)

	dialog := w.Dialog()
	if len(dialog) != 4 {
		t.Fatalf("dialog length = %d, want 4: %+v", len(dialog), dialog)
	}

	// dialog[0] is the fixed greeting from the human side.
	if dialog[0].AgentIdx != 0 || dialog[0].Text != "Hi!" || !dialog[0].FakeStart {
		t.Errorf("dialog[0] = %+v, want fake-start Hi! from agent 0", dialog[0])
	}
	// dialog[1] is the bot's first real reply, markup stripped.
	if dialog[1].AgentIdx != 1 || dialog[1].Text != "Hello! I was just out walking my dog." || dialog[1].ID != "blender_3B" {
		t.Errorf("dialog[1] = %+v", dialog[1])
	}

	// Strict alternation 0,1,0,1.
	for i, u := range dialog {
		if u.AgentIdx != i%2 {
			t.Errorf("dialog[%d].AgentIdx = %d, want %d", i, u.AgentIdx, i%2)
		}
	}

	// Dialog length is twice the final turn index.
	if got := 2 * w.TurnIndex(); got != len(dialog) {
		t.Errorf("2*TurnIndex = %d, dialog length = %d", got, len(dialog))
	}

	// The human's first substantive message annotated the bot's prior reply.
	if dialog[1].ProblemData == nil || !dialog[1].ProblemData["none"] {
		t.Errorf("dialog[1].ProblemData = %v, want annotation from the human turn", dialog[1].ProblemData)
	}
	// The rating message (turn index exceeded NumTurns) annotated the last
	// bot utterance.
	if dialog[3].ProblemData == nil || !dialog[3].ProblemData["repetitive"] {
		t.Errorf("dialog[3].ProblemData = %v, want rating-message annotation", dialog[3].ProblemData)
	}
}

func TestSeededPair_InsertsFakesWithoutCountingTurns(t *testing.T) {
	ctxInfo := &ContextInfo{
		Persona1Strings:      []string{"i love gardening"},
		Persona2Strings:      []string{"i play bass in a band"},
		ContextDataset:       DatasetConvAI2,
		Person1SeedUtterance: "what do you do on weekends?",
		Person2SeedUtterance: "mostly band practice, we have a gig coming up",
	}

	human := &scriptedAgent{id: "Worker", script: []message.Message{
		humanMsg("a gig! what kind of music do you play?"),
		ratingMsg(),
	}}
	bot := &scriptedAgent{id: "blender_90M", script: []message.Message{
		botMsg("mostly funk covers, a little original stuff"),
	}}

	deps := testDeps(human, bot)
	deps.Context = ctxInfo
	deps.BotName = "blender_90M"

	w := NewWorld("c2", Config{
		NumTurns:       1,
		MaxRespTime:    time.Second,
		StartMode:      StartModeSeededPair,
		IncludePersona: true,
	}, deps)

	// First advance performs turn-zero handling; the synthetic pair must
	// not advance the counter.
	if err := w.Advance(context.Background()); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if w.TurnIndex() != 0 {
		t.Errorf("TurnIndex after seeding = %d, want 0", w.TurnIndex())
	}

	dialog := w.Dialog()
	if len(dialog) != 2 || !dialog[0].FakeStart || !dialog[1].FakeStart {
		t.Fatalf("seed pair not inserted as fake starts: %+v", dialog)
	}
	if dialog[0].AgentIdx != 0 || dialog[1].AgentIdx != 1 {
		t.Errorf("seed pair order: %+v", dialog)
	}

	// Both parties observed both seeds.
	if len(human.observed) != 2 || len(bot.observed) != 3 { // bot also saw its persona
		t.Errorf("observed counts: human=%d bot=%d", len(human.observed), len(bot.observed))
	}
	if !strings.Contains(bot.observed[0].Text, "your persona: i play bass in a band") {
		t.Errorf("bot persona observation = %q", bot.observed[0].Text)
	}

	runToDone(t, w)

	dialog = w.Dialog()
	// Two synthetic entries plus one full exchange.
	if want := 2*w.TurnIndex() + 2; len(dialog) != want {
		t.Errorf("dialog length = %d, want %d", len(dialog), want)
	}
}

func TestEarlyEnd_DiscardsAnnotationPayload(t *testing.T) {
	human := &scriptedAgent{id: "Worker", script: []message.Message{ratingMsg()}}
	bot := &scriptedAgent{id: "blender_3B", script: []message.Message{botMsg("hello!")}}

	w := NewWorld("c3", Config{
		NumTurns:    5,
		MaxRespTime: time.Second,
		StartMode:   StartModeGreetingOnly,
	}, testDeps(human, bot))

	runToDone(t, w)

	for i, u := range w.Dialog() {
		if u.ProblemData != nil {
			t.Errorf("dialog[%d] carries annotation after early end: %v", i, u.ProblemData)
		}
	}
	if !w.IsDone() {
		t.Error("world not done after rating message")
	}
}

func TestUnknownStartMode_Fatal(t *testing.T) {
	w := NewWorld("c4", Config{StartMode: "freeform"}, testDeps(
		&scriptedAgent{id: "Worker"}, &scriptedAgent{id: "bot"},
	))
	err := w.Advance(context.Background())
	if !errors.Is(err, ErrUnknownStartMode) {
		t.Errorf("err = %v, want ErrUnknownStartMode", err)
	}
}

func TestUnknownContextDataset_Fatal(t *testing.T) {
	deps := testDeps(&scriptedAgent{id: "Worker"}, &scriptedAgent{id: "bot"})
	deps.Context = &ContextInfo{ContextDataset: "daily_dialog"}

	w := NewWorld("c5", Config{
		StartMode:      StartModeSeededPair,
		IncludePersona: true,
	}, deps)

	err := w.Advance(context.Background())
	if !errors.Is(err, ErrUnknownContextDataset) {
		t.Errorf("err = %v, want ErrUnknownContextDataset", err)
	}
}

func TestHumanTimeout_Propagates(t *testing.T) {
	human := &scriptedAgent{id: "Worker"} // never responds
	bot := &scriptedAgent{id: "bot", script: []message.Message{botMsg("hi there")}}

	w := NewWorld("c6", Config{
		NumTurns:    1,
		MaxRespTime: 10 * time.Millisecond,
		StartMode:   StartModeGreetingOnly,
	}, testDeps(human, bot))

	if err := w.Advance(context.Background()); err != nil { // INIT -> GREETING
		t.Fatalf("Advance: %v", err)
	}
	if err := w.Advance(context.Background()); err != nil { // GREETING -> IN_PROGRESS
		t.Fatalf("Advance: %v", err)
	}
	err := w.Advance(context.Background())
	if !errors.Is(err, message.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestFinalize_ViolationGrantsBlockExactlyOnce(t *testing.T) {
	human := &scriptedAgent{id: "Worker", script: []message.Message{
		humanMsg("ok"), // too short: min_words violation
		ratingMsg(),
	}}
	bot := &scriptedAgent{id: "blender_3B", script: []message.Message{
		botMsg("hello friend"), botMsg("tell me more"),
	}}

	gate := &fakeGate{}
	sink := &fakeSink{path: "/data/20240101_000000_42_live.json"}
	recorder := &fakeRecorder{}
	runStats := stats.NewRunStats()

	deps := testDeps(human, bot)
	deps.Gate = gate
	deps.Sink = sink
	deps.Recorder = recorder
	deps.RunStats = runStats

	w := NewWorld("c7", Config{
		NumTurns:           1,
		MaxRespTime:        time.Second,
		StartMode:          StartModeGreetingOnly,
		CheckAcceptability: true,
	}, deps)

	runToDone(t, w)
	if err := w.FinalizeAndPersist(context.Background()); err != nil {
		t.Fatalf("FinalizeAndPersist: %v", err)
	}

	if len(gate.blocked) != 1 || gate.blocked[0] != "Worker" {
		t.Errorf("block grants = %v, want exactly one for Worker", gate.blocked)
	}
	if len(sink.saved) != 1 {
		t.Fatalf("saved %d transcripts, want 1", len(sink.saved))
	}

	rec := sink.saved[0]
	if len(rec.Workers) != 1 || rec.Workers[0] != "Worker" {
		t.Errorf("workers = %v", rec.Workers)
	}
	if rec.BadWorkers == nil || len(rec.BadWorkers) != 0 {
		t.Errorf("bad_workers = %v, want empty non-nil list", rec.BadWorkers)
	}
	if len(rec.AcceptabilityViolations) != 1 || rec.AcceptabilityViolations[0] == nil ||
		!strings.Contains(*rec.AcceptabilityViolations[0], "min_words") {
		t.Errorf("acceptability_violations = %v", rec.AcceptabilityViolations)
	}

	if len(recorder.runs) != 1 || recorder.runs[0].FilePath != sink.path {
		t.Errorf("recorded runs = %+v", recorder.runs)
	}
	if runStats.Snapshot()["blender_3B"] != 1 {
		t.Errorf("run stats = %v", runStats.Snapshot())
	}

	// A second finalize is invalid: the grant must never double-fire.
	if err := w.FinalizeAndPersist(context.Background()); err == nil {
		t.Error("expected error on second FinalizeAndPersist")
	}
	if len(gate.blocked) != 1 {
		t.Errorf("block grants after second finalize = %v", gate.blocked)
	}
}

func TestFinalize_AcceptabilityDisabled(t *testing.T) {
	human := &scriptedAgent{id: "Worker", script: []message.Message{
		humanMsg("ok"),
		ratingMsg(),
	}}
	bot := &scriptedAgent{id: "blender_3B", script: []message.Message{
		botMsg("hello friend"), botMsg("tell me more"),
	}}

	gate := &fakeGate{}
	sink := &fakeSink{}
	deps := testDeps(human, bot)
	deps.Gate = gate
	deps.Sink = sink

	w := NewWorld("c8", Config{
		NumTurns:    1,
		MaxRespTime: time.Second,
		StartMode:   StartModeGreetingOnly,
	}, deps)

	runToDone(t, w)
	if err := w.FinalizeAndPersist(context.Background()); err != nil {
		t.Fatalf("FinalizeAndPersist: %v", err)
	}

	if len(gate.blocked) != 0 {
		t.Errorf("block grants = %v, want none when checking disabled", gate.blocked)
	}
	rec := sink.saved[0]
	if len(rec.AcceptabilityViolations) != 1 || rec.AcceptabilityViolations[0] != nil {
		t.Errorf("acceptability_violations = %v, want single nil element", rec.AcceptabilityViolations)
	}
}

func TestLifecyclePollingWhileAdvancing(t *testing.T) {
	// HTTP handlers poll State/TurnIndex/IsDone from their own goroutines
	// while the world goroutine advances; run under -race.
	human := &scriptedAgent{id: "Worker", script: []message.Message{
		humanMsg("tell me about your day so far"),
		humanMsg("that sounds like a lot of walking"),
		ratingMsg(),
	}}
	bot := &scriptedAgent{id: "blender_3B", script: []message.Message{
		botMsg("r0"), botMsg("r1"), botMsg("r2"),
	}}

	w := NewWorld("c11", Config{
		NumTurns:    1,
		MaxRespTime: time.Second,
		StartMode:   StartModeGreetingOnly,
	}, testDeps(human, bot))

	stop := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-stop:
				return
			default:
				_ = w.State()
				_ = w.TurnIndex()
				_ = w.IsDone()
			}
		}
	}()

	runToDone(t, w)
	if err := w.FinalizeAndPersist(context.Background()); err != nil {
		t.Fatalf("FinalizeAndPersist: %v", err)
	}
	close(stop)
	<-polled

	if w.State() != StateDone {
		t.Errorf("state = %s, want DONE", w.State())
	}
}

func TestBotMarkupStripped(t *testing.T) {
	human := &scriptedAgent{id: "Worker", script: []message.Message{
		humanMsg("how was your weekend, anything fun?"),
		ratingMsg(),
	}}
	bot := &scriptedAgent{id: "blender_3B", script: []message.Message{
		botMsg("first reply"),
		botMsg("Hello there<br>[annotation-ui-markup]"),
	}}

	w := NewWorld("c9", Config{
		NumTurns:    1,
		MaxRespTime: time.Second,
		StartMode:   StartModeGreetingOnly,
	}, testDeps(human, bot))

	runToDone(t, w)

	dialog := w.Dialog()
	last := dialog[len(dialog)-1]
	if last.Text != "Hello there" {
		t.Errorf("bot utterance = %q, want markup suffix stripped", last.Text)
	}
}

func TestAnnotationsReferNonStrictlyEarlierUtterances(t *testing.T) {
	// Annotations attached by a message must land on an utterance recorded
	// before that message, never on or after it.
	human := &scriptedAgent{id: "Worker", script: []message.Message{
		humanMsg("what did you get up to today then"),
		humanMsg("that sounds like a very full afternoon"),
		ratingMsg(),
	}}
	bot := &scriptedAgent{id: "blender_3B", script: []message.Message{
		botMsg("r0"), botMsg("r1"), botMsg("r2"),
	}}

	w := NewWorld("c10", Config{
		NumTurns:    1,
		MaxRespTime: time.Second,
		StartMode:   StartModeGreetingOnly,
	}, testDeps(human, bot))

	runToDone(t, w)

	dialog := w.Dialog()
	// Human annotations land on the bot utterances at indexes 1 and 3,
	// carried by the human messages at indexes 2 and 4.
	for _, botIdx := range []int{1, 3} {
		if dialog[botIdx].ProblemData == nil {
			t.Errorf("dialog[%d] missing annotation", botIdx)
		}
	}
	for _, humanIdx := range []int{0, 2, 4} {
		if humanIdx < len(dialog) && dialog[humanIdx].AgentIdx == 0 && dialog[humanIdx].ProblemData != nil {
			t.Errorf("dialog[%d] (human) unexpectedly carries annotation", humanIdx)
		}
	}
}
