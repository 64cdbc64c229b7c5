// Package qualify centralizes every credential side effect the collection
// pipeline performs against the crowd platform. Qualifications are
// write-only signals: nothing in this service ever reads them back.
package qualify

import (
	"context"
	"fmt"
	"log/slog"
)

// Granter is the credentialing backend. The platform client implements it;
// tests substitute a recorder.
type Granter interface {
	GrantQualification(ctx context.Context, workerID, qualification string, value int) error
}

// Gate binds screening outcomes to qualification grants.
type Gate struct {
	granter       Granter
	onboardingFail string
	block          string
	logger         *slog.Logger
}

// NewGate creates a Gate granting the given qualification names.
func NewGate(granter Granter, onboardingFailQual, blockQual string) *Gate {
	return &Gate{
		granter:        granter,
		onboardingFail: onboardingFailQual,
		block:          blockQual,
		logger:         slog.Default(),
	}
}

// MarkOnboardingFailed grants the onboarding-failure qualification so the
// platform never routes this worker back into the task.
func (g *Gate) MarkOnboardingFailed(ctx context.Context, workerID string) error {
	g.logger.Info("granting onboarding-failure qualification", "worker_id", workerID, "qualification", g.onboardingFail)
	if err := g.granter.GrantQualification(ctx, workerID, g.onboardingFail, 0); err != nil {
		return fmt.Errorf("granting onboarding-failure qualification to %s: %w", workerID, err)
	}
	return nil
}

// MarkAcceptabilityViolation grants the block qualification after a finished
// conversation fails acceptability screening.
func (g *Gate) MarkAcceptabilityViolation(ctx context.Context, workerID string) error {
	g.logger.Info("granting block qualification", "worker_id", workerID, "qualification", g.block)
	if err := g.granter.GrantQualification(ctx, workerID, g.block, 1); err != nil {
		return fmt.Errorf("granting block qualification to %s: %w", workerID, err)
	}
	return nil
}
