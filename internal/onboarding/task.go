package onboarding

import (
	"encoding/json"
	"fmt"
	"os"
)

// Task is the fixed reference dialog a worker annotates during onboarding.
// It is read-only and loaded once per process.
type Task struct {
	Dialog []TaskTurn `json:"dialog"`
}

// TaskTurn is one bot utterance of the reference dialog together with the
// set of annotation labels that correctly describe it.
type TaskTurn struct {
	Text    string   `json:"text"`
	Answers []string `json:"answers"`
}

// LoadTask reads a reference task from a JSON file.
func LoadTask(path string) (Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Task{}, fmt.Errorf("reading onboarding task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("parsing onboarding task: %w", err)
	}
	if len(t.Dialog) == 0 {
		return Task{}, fmt.Errorf("onboarding task %s has an empty dialog", path)
	}
	return t, nil
}

// DefaultTask returns the built-in reference dialog used when no task file
// is configured.
func DefaultTask() Task {
	return Task{Dialog: []TaskTurn{
		{
			Text:    "I just got back from a run, I do ten miles every morning before work.",
			Answers: []string{"none"},
		},
		{
			Text:    "I don't really like running. Running is my favorite way to start the day!",
			Answers: []string{"contradiction"},
		},
		{
			Text:    "That is so interesting! Tell me more about the thing you said.",
			Answers: []string{"vague"},
		},
		{
			Text:    "Purple elephant calendar dishwasher agree very much yes.",
			Answers: []string{"nonsensical"},
		},
	}}
}
