// Package transcript builds and persists the JSON document written for each
// finished conversation. The schema is kept compatible with the historical
// human/human collection format, which is why bad_workers is always present
// and acceptability_violations is a single-element tuple.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"annotalk/internal/message"
)

// TaskDescription echoes the collection setup into the persisted record.
type TaskDescription struct {
	AnnotationsConfig json.RawMessage `json:"annotations_config"`
	ModelNickname     string          `json:"model_nickname"`
	ModelFile         string          `json:"model_file"`
	ModelOpt          map[string]any  `json:"model_opt"`
}

// Record is the persisted form of one finished conversation.
type Record struct {
	Personas                [][]string          `json:"personas"`
	ContextDataset          *string             `json:"context_dataset"`
	Person1SeedUtterance    *string             `json:"person1_seed_utterance"`
	Person2SeedUtterance    *string             `json:"person2_seed_utterance"`
	AdditionalContext       *string             `json:"additional_context"`
	Dialog                  []message.Utterance `json:"dialog"`
	Workers                 []string            `json:"workers"`
	BadWorkers              []string            `json:"bad_workers"`
	AcceptabilityViolations []*string           `json:"acceptability_violations"`
	HITIDs                  []string            `json:"hit_ids"`
	AssignmentIDs           []string            `json:"assignment_ids"`
	TaskDescription         TaskDescription     `json:"task_description"`
}

// Sink writes finished transcripts under a save folder. Filenames follow
// {UTC timestamp}_{random 0-999}_{live|sandbox}.json.
type Sink struct {
	dir      string
	taskType string
	logger   *slog.Logger
}

// NewSink creates a Sink. sandbox selects the filename suffix.
func NewSink(dir string, sandbox bool) *Sink {
	taskType := "live"
	if sandbox {
		taskType = "sandbox"
	}
	return &Sink{dir: dir, taskType: taskType, logger: slog.Default()}
}

// Save writes the record and returns the path of the created file.
func (s *Sink) Save(rec Record) (string, error) {
	if rec.BadWorkers == nil {
		rec.BadWorkers = []string{}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating save folder: %w", err)
	}

	name := fmt.Sprintf("%s_%d_%s.json",
		time.Now().UTC().Format("20060102_150405"), rand.IntN(1000), s.taskType)
	path := filepath.Join(s.dir, name)

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding transcript: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing transcript: %w", err)
	}

	s.logger.Info("transcript saved", "path", path, "model", rec.TaskDescription.ModelNickname)
	return path, nil
}
