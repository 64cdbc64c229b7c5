// Package message defines the wire schema exchanged between the crowd
// worker's client, the bot, and the orchestration state machines, plus the
// utterance model stored in finished transcripts.
package message

import (
	"errors"
	"fmt"
)

// NullID is the sender id recorded when a message arrives without one.
const NullID = "NULL_ID"

// ErrMalformedMessage is the kind wrapped by all boundary validation errors.
var ErrMalformedMessage = errors.New("malformed message")

// ErrTimeout is returned when a party does not produce a message within the
// bounded wait. Callers distinguish it with errors.Is.
var ErrTimeout = errors.New("timed out waiting for message")

// TaskData carries the optional structured payload attached to a message by
// the annotation UI or the onboarding frontend.
type TaskData struct {
	// Annotations is the per-turn checkbox state submitted during onboarding.
	Annotations []map[string]bool `json:"annotations,omitempty"`

	// FinalRating is non-nil when the worker ends the conversation through
	// the rating screen.
	FinalRating *string `json:"final_rating,omitempty"`

	// ProblemData describes the partner's immediately preceding utterance.
	ProblemData map[string]bool `json:"problem_data_for_prior_message,omitempty"`

	// FinalStatus is set on the system message that closes an onboarding
	// session (see onboarding.StatusSuccess and friends).
	FinalStatus string `json:"final_status,omitempty"`
}

// Message is a single inbound or outbound chat message.
type Message struct {
	Text        string    `json:"text"`
	ID          string    `json:"id,omitempty"`
	TaskData    *TaskData `json:"task_data,omitempty"`
	EpisodeDone bool      `json:"episode_done"`
}

// Normalize applies schema defaults in place. A message without a sender id
// gets the NULL_ID sentinel.
func (m *Message) Normalize() {
	if m.ID == "" {
		m.ID = NullID
	}
}

// HasFinalRating reports whether the message signals rating completion.
func (m Message) HasFinalRating() bool {
	return m.TaskData != nil && m.TaskData.FinalRating != nil
}

// ProblemData returns the annotation payload carried by the message, or an
// error wrapping ErrMalformedMessage when the payload the UI contract
// requires is absent.
func (m Message) ProblemData() (map[string]bool, error) {
	if m.TaskData == nil || m.TaskData.ProblemData == nil {
		return nil, fmt.Errorf("%w: missing problem_data_for_prior_message", ErrMalformedMessage)
	}
	return m.TaskData.ProblemData, nil
}

// Utterance is one recorded dialog entry. AgentIdx 0 is the human side,
// 1 the bot side.
type Utterance struct {
	AgentIdx    int             `json:"agent_idx"`
	Text        string          `json:"text"`
	ID          string          `json:"id"`
	FakeStart   bool            `json:"fake_start,omitempty"`
	ProblemData map[string]bool `json:"problem_data,omitempty"`
}
