// Package onboarding runs the single-shot screening flow that gates entry
// into the live annotation task. The worker annotates a fixed reference
// dialog; the submission is graded turn-by-turn against known answers.
package onboarding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"annotalk/internal/message"
	"annotalk/internal/stats"
)

// Terminal statuses recorded for each onboarding session.
const (
	StatusSuccess    = "ONBOARD_SUCCESS"
	StatusFail       = "ONBOARD_FAIL"
	StatusDisconnect = "DISCONNECT"
)

// systemID is the sender id of app-generated control messages.
const systemID = "SYSTEM"

// Agent is the worker's side of the onboarding session.
type Agent interface {
	ID() string
	Act(ctx context.Context, timeout time.Duration) (message.Message, error)
	Observe(msg message.Message)
}

// FailGranter flags a worker who failed screening. Satisfied by
// *qualify.Gate.
type FailGranter interface {
	MarkOnboardingFailed(ctx context.Context, workerID string) error
}

// Config holds the grading thresholds and the submission deadline.
type Config struct {
	MinCorrect     int
	MaxIncorrect   int
	MaxOnboardTime time.Duration
}

// World drives one onboarding session from submission to a terminal status.
type World struct {
	agent    Agent
	task     Task
	cfg      Config
	gate     FailGranter
	outcomes *stats.Histogram
	status   string
	logger   *slog.Logger
}

// NewWorld creates a World for one worker. The outcome histogram is shared
// across all concurrently running sessions.
func NewWorld(agent Agent, task Task, cfg Config, gate FailGranter, outcomes *stats.Histogram) *World {
	return &World{
		agent:    agent,
		task:     task,
		cfg:      cfg,
		gate:     gate,
		outcomes: outcomes,
		status:   StatusDisconnect,
		logger:   slog.With("worker_id", agent.ID()),
	}
}

// Status returns the terminal status of the session ("DISCONNECT" until a
// submission has been graded).
func (w *World) Status() string {
	return w.status
}

// Run waits for the worker's submission, grades it, reports the outcome back
// to the worker, and on failure holds the session open until the onboarding
// deadline so the frontend can display the failure state. The outcome
// histogram is always incremented, including on disconnect.
func (w *World) Run(ctx context.Context) error {
	defer w.outcomes.Observe(w.status)

	w.logger.Info("waiting for onboarding submission")
	act, err := w.agent.Act(ctx, w.cfg.MaxOnboardTime)
	if err != nil {
		return fmt.Errorf("waiting for onboarding submission: %w", err)
	}

	w.status = w.grade(ctx, act)
	w.agent.Observe(message.Message{
		ID:       systemID,
		TaskData: &message.TaskData{FinalStatus: w.status},
	})

	if w.status == StatusFail {
		w.holdFailed(ctx)
	}
	return nil
}

// grade scores the submission and applies the failure side effect. A
// submission with no answer payload is a failure, never an error.
func (w *World) grade(ctx context.Context, act message.Message) string {
	if act.TaskData == nil || act.TaskData.Annotations == nil {
		w.logger.Info("no answers submitted, failing onboarding")
		w.failSideEffect(ctx)
		return StatusFail
	}

	correct, incorrect := w.Score(act.TaskData.Annotations)
	w.logger.Info("graded onboarding submission", "correct", correct, "incorrect", incorrect)

	if correct >= w.cfg.MinCorrect && incorrect <= w.cfg.MaxIncorrect {
		return StatusSuccess
	}
	w.failSideEffect(ctx)
	return StatusFail
}

func (w *World) failSideEffect(ctx context.Context) {
	if err := w.gate.MarkOnboardingFailed(ctx, w.agent.ID()); err != nil {
		w.logger.Error("failed to grant onboarding-failure qualification", "error", err)
	}
}

// holdFailed keeps the session open after a failure until the onboarding
// deadline elapses or the worker disconnects (ctx cancellation).
func (w *World) holdFailed(ctx context.Context) {
	timer := time.NewTimer(w.cfg.MaxOnboardTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Score counts turns where the worker's selected label set exactly equals
// the reference answer set. Comparison is order-independent and
// presence-only; a label marked false is the same as a label not listed.
// Extra submitted turns beyond the reference dialog are ignored, and
// reference turns with no submitted answer are not counted either way.
func (w *World) Score(answers []map[string]bool) (correct, incorrect int) {
	n := len(answers)
	if len(w.task.Dialog) < n {
		n = len(w.task.Dialog)
	}
	for i := 0; i < n; i++ {
		if sameAnswerSet(answers[i], w.task.Dialog[i].Answers) {
			correct++
		} else {
			incorrect++
		}
	}
	return correct, incorrect
}

func sameAnswerSet(selected map[string]bool, reference []string) bool {
	want := make(map[string]bool, len(reference))
	for _, label := range reference {
		want[label] = true
	}

	got := make(map[string]bool, len(selected))
	for label, on := range selected {
		if on {
			got[label] = true
		}
	}

	if len(got) != len(want) {
		return false
	}
	for label := range got {
		if !want[label] {
			return false
		}
	}
	return true
}

// ValidateSubmission is consumed by the surrounding platform to decide
// whether a completed onboarding session may be accepted. The second-to-last
// message of the exchanged log is the system status message.
func ValidateSubmission(messages []message.Message) bool {
	if len(messages) < 2 {
		return false
	}
	status := messages[len(messages)-2]
	if status.TaskData == nil {
		return false
	}
	return status.TaskData.FinalStatus == StatusSuccess
}
