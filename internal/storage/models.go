package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one finished conversation in the run index.
type Run struct {
	ConversationID string
	BotName        string
	WorkerID       string
	FilePath       string
	Violations     string
	NumTurns       int
	CreatedAt      time.Time
}

// OnboardingResult is one terminal onboarding session.
type OnboardingResult struct {
	WorkerID  string
	Status    string // ONBOARD_SUCCESS, ONBOARD_FAIL, DISCONNECT
	CreatedAt time.Time
}
