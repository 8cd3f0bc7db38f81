package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/notify"
	"github.com/refundtrack/tax-engine/internal/status"
)

// FlagReminderSweep is the persisted feature flag gating the daily sweep.
const FlagReminderSweep = "docs_reminder_sweep"

// ReminderResult summarizes one sweep run.
type ReminderResult struct {
	Scanned int `json:"scanned"`
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
}

// RunReminderSweep finds early-stage cases older than the day threshold that
// still miss a W2 or a finished profile and sends each client a reminder
// naming what is missing. A per-client cap over a rolling window keeps
// repeated sweeps from turning into spam; the count-then-send sequence is an
// accepted weak guarantee, not a hard limit.
func (e *Engine) RunReminderSweep(ctx context.Context) (*ReminderResult, error) {
	var flag database.FeatureFlag
	err := e.db.WithContext(ctx).Where("name = ?", FlagReminderSweep).First(&flag).Error
	if err != nil || !flag.Enabled {
		e.logger.Info("Reminder sweep disabled, skipping")
		return &ReminderResult{}, nil
	}

	cutoff := time.Now().AddDate(0, 0, -e.cfg.ReminderDayThreshold)

	var cases []database.TaxCase
	err = e.db.WithContext(ctx).Preload("User").
		Where("case_status IN ? AND created_at < ?",
			[]string{string(status.CaseAwaitingForm), string(status.CaseAwaitingDocs)}, cutoff).
		Find(&cases).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale cases: %w", err)
	}

	result := &ReminderResult{Scanned: len(cases)}
	for i := range cases {
		tc := &cases[i]

		missing, err := e.missingItems(ctx, tc)
		if err != nil {
			e.logger.Error("Failed to compute missing items", "case_id", tc.ID, "error", err)
			result.Skipped++
			continue
		}
		if len(missing) == 0 {
			result.Skipped++
			continue
		}

		recent, err := e.notify.CountRecent(tc.UserID, notify.KeyDocsMissing, e.cfg.ReminderWindow)
		if err != nil {
			e.logger.Error("Failed to count recent reminders", "user_id", tc.UserID, "error", err)
			result.Skipped++
			continue
		}
		if recent >= int64(e.cfg.ReminderCap) {
			e.logger.Debug("Reminder cap reached", "user_id", tc.UserID, "recent", recent)
			result.Skipped++
			continue
		}

		err = e.notify.Send(tc.UserID, notify.KeyDocsMissing, notify.Params{
			FirstName: tc.User.FirstName,
			Detail:    strings.Join(missing, ", "),
		})
		if err != nil {
			e.logger.Error("Failed to send reminder", "user_id", tc.UserID, "error", err)
			result.Skipped++
			continue
		}
		result.Sent++
	}

	e.logger.Info("Reminder sweep finished",
		"scanned", result.Scanned, "sent", result.Sent, "skipped", result.Skipped)
	return result, nil
}

func (e *Engine) missingItems(ctx context.Context, tc *database.TaxCase) ([]string, error) {
	var missing []string

	hasW2, err := e.hasDocument(ctx, tc.ID, database.DocTypeW2)
	if err != nil {
		return nil, err
	}
	if !hasW2 {
		missing = append(missing, "tu formulario W2")
	}

	if !tc.User.ProfileComplete || tc.User.ProfileDraft {
		missing = append(missing, "completar tu perfil")
	}

	return missing, nil
}
