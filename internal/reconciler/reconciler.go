// Package reconciler reconciles externally observed refund status (scraped
// from the state portal) against the authoritative record. A check only ever
// stages a recommendation; the authoritative case moves when an admin
// approves it.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/refundtrack/tax-engine/internal/cache"
	"github.com/refundtrack/tax-engine/internal/config"
	"github.com/refundtrack/tax-engine/internal/coordinator"
	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/notify"
	"github.com/refundtrack/tax-engine/internal/scraper"
	"github.com/refundtrack/tax-engine/internal/secrets"
	"github.com/refundtrack/tax-engine/internal/status"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

// ErrCheckNotFound is returned when the referenced check does not exist.
var ErrCheckNotFound = errors.New("external check not found")

// ApproveResult reports whether an approval actually moved the case.
type ApproveResult struct {
	Applied bool `json:"applied"`
}

// SweepResult aggregates a full portal sweep.
type SweepResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type Reconciler struct {
	db          *gorm.DB
	cfg         *config.Config
	logger      *logger.Logger
	coordinator *coordinator.Coordinator
	notify      *notify.Service
	vault       *secrets.Vault
	portal      scraper.PortalChecker
	checkCache  cache.Cache

	// Process-local sweep guard. Does not exclude sweeps on other instances,
	// which is fine for the single-process sqlite deployment this runs in.
	sweeping atomic.Bool
}

func New(db *gorm.DB, cfg *config.Config, log *logger.Logger, c *coordinator.Coordinator,
	n *notify.Service, v *secrets.Vault, portal scraper.PortalChecker, cc cache.Cache) *Reconciler {
	return &Reconciler{
		db:          db,
		cfg:         cfg,
		logger:      log,
		coordinator: c,
		notify:      n,
		vault:       v,
		portal:      portal,
		checkCache:  cc,
	}
}

// RunCheck scrapes the portal for one case and stages the result as an
// ExternalCheck row. Precondition and scraper failures are recorded on the
// row, not returned as errors, so a sweep keeps going past a failing client.
// The authoritative case is never touched here.
func (r *Reconciler) RunCheck(ctx context.Context, caseID uint, triggeredBy *uint, trigger string) (*database.ExternalCheck, error) {
	var tc database.TaxCase
	err := r.db.WithContext(ctx).Preload("User").First(&tc, caseID).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, coordinator.ErrCaseNotFound
		}
		return nil, fmt.Errorf("failed to load case %d: %w", caseID, err)
	}

	// A manual re-check inside the cache TTL reuses the staged result
	// instead of driving the browser again. StatusChanged is recomputed
	// against the case as it stands now; the stored row keeps its scrape-time
	// snapshot.
	if trigger == database.TriggerManual {
		if cached, found := r.checkCache.Get(caseID); found {
			r.logger.Info("Reusing cached portal check", "case_id", caseID, "check_id", cached.ID)
			refreshed := *cached
			refreshed.StatusChanged = refreshed.MappedStatus != nil && *refreshed.MappedStatus != tc.StateStatus
			return &refreshed, nil
		}
	}

	check := &database.ExternalCheck{
		TaxCaseID:         tc.ID,
		PreviousStatus:    tc.StateStatus,
		TriggeredBy:       trigger,
		TriggeredByUserID: triggeredBy,
		CheckResult:       database.CheckResultError,
	}

	ssn, err := r.vault.Decrypt(tc.User.SSNEncrypted)
	if err != nil {
		check.ErrorMessage = fmt.Sprintf("cannot decrypt SSN: %v", err)
		return r.saveCheck(ctx, check)
	}

	if tc.StateRefundAmount == nil || *tc.StateRefundAmount <= 0 {
		check.ErrorMessage = "no positive state refund amount on file"
		return r.saveCheck(ctx, check)
	}

	resp := r.checkWithRetry(ctx, scraper.CheckRequest{
		SSN:                  ssn,
		ExpectedRefundAmount: *tc.StateRefundAmount,
		CaseID:               fmt.Sprintf("%d", tc.ID),
		ClientName:           tc.User.FirstName + " " + tc.User.LastName,
	})

	check.RawStatus = resp.RawStatus
	check.ErrorMessage = resp.ErrorMessage
	check.ScreenshotPath = resp.ScreenshotPath

	switch resp.Result {
	case scraper.ResultSuccess:
		check.CheckResult = database.CheckResultSuccess
	case scraper.ResultTimeout:
		check.CheckResult = database.CheckResultTimeout
	default:
		check.CheckResult = database.CheckResultError
	}

	if check.CheckResult == database.CheckResultSuccess {
		if mapped := MapRawStatus(resp.RawStatus, &tc.User); mapped != nil {
			m := string(*mapped)
			check.MappedStatus = &m
			check.StatusChanged = m != tc.StateStatus
		}
	}

	saved, err := r.saveCheck(ctx, check)
	if err != nil {
		return nil, err
	}
	if saved.CheckResult == database.CheckResultSuccess {
		r.checkCache.Set(caseID, saved)
	}
	return saved, nil
}

// checkWithRetry calls the portal and retries exactly once, after a short
// delay, on a transient result.
func (r *Reconciler) checkWithRetry(ctx context.Context, req scraper.CheckRequest) *scraper.CheckResponse {
	resp := r.callPortal(ctx, req)
	if resp.Result == scraper.ResultSuccess {
		return resp
	}

	r.logger.Warn("Portal check failed, retrying once",
		"case_id", req.CaseID, "result", resp.Result, "error", resp.ErrorMessage)

	select {
	case <-time.After(r.cfg.RetryDelay):
	case <-ctx.Done():
		return resp
	}

	return r.callPortal(ctx, req)
}

// callPortal invokes the checker and converts a panic from the browser layer
// into an error response, so one failing client is recorded on its check row
// instead of aborting the whole sweep.
func (r *Reconciler) callPortal(ctx context.Context, req scraper.CheckRequest) (resp *scraper.CheckResponse) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Portal check panicked", "case_id", req.CaseID, "panic", rec)
			resp = &scraper.CheckResponse{
				Result:       scraper.ResultError,
				ErrorMessage: fmt.Sprintf("portal check panicked: %v", rec),
			}
		}
	}()
	return r.portal.CheckRefundStatus(ctx, req)
}

func (r *Reconciler) saveCheck(ctx context.Context, check *database.ExternalCheck) (*database.ExternalCheck, error) {
	if err := r.db.WithContext(ctx).Create(check).Error; err != nil {
		return nil, fmt.Errorf("failed to save external check: %w", err)
	}
	return check, nil
}

// ApproveCheck applies a staged check to the authoritative case. It
// re-validates first: a check that was never flagged, or whose mapped status
// meanwhile equals the live status, is a no-op with Applied=false.
func (r *Reconciler) ApproveCheck(ctx context.Context, checkID uint, adminID uint) (*ApproveResult, error) {
	var check database.ExternalCheck
	err := r.db.WithContext(ctx).First(&check, checkID).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrCheckNotFound
		}
		return nil, fmt.Errorf("failed to load check %d: %w", checkID, err)
	}

	if !check.StatusChanged || check.MappedStatus == nil {
		return &ApproveResult{Applied: false}, nil
	}

	var tc database.TaxCase
	if err := r.db.WithContext(ctx).Preload("User").First(&tc, check.TaxCaseID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, coordinator.ErrCaseNotFound
		}
		return nil, fmt.Errorf("failed to load case %d: %w", check.TaxCaseID, err)
	}

	if *check.MappedStatus == tc.StateStatus {
		return &ApproveResult{Applied: false}, nil
	}

	mapped := status.RefundStatus(*check.MappedStatus)
	_, err = r.coordinator.UpdateStatus(ctx, tc.ID, coordinator.UpdateRequest{
		State:   coordinator.BranchPatch{Status: &mapped},
		Comment: fmt.Sprintf("Estado del portal aprobado por admin (check #%d: %q)", check.ID, check.RawStatus),
	}, &adminID)
	if err != nil {
		return nil, fmt.Errorf("failed to apply approved check: %w", err)
	}

	if err := r.notify.Send(tc.UserID, notify.KeyCheckApproved, notify.Params{
		FirstName: tc.User.FirstName,
		Detail:    string(mapped),
	}); err != nil {
		r.logger.Error("Failed to notify client of approved check", "check_id", check.ID, "error", err)
	}

	r.checkCache.Delete(tc.ID)
	return &ApproveResult{Applied: true}, nil
}

// DismissCheck clears the status-changed flag. The case is not touched; this
// is the only mutation an ExternalCheck row ever sees.
func (r *Reconciler) DismissCheck(ctx context.Context, checkID uint) error {
	res := r.db.WithContext(ctx).Model(&database.ExternalCheck{}).
		Where("id = ?", checkID).
		Update("status_changed", false)
	if res.Error != nil {
		return fmt.Errorf("failed to dismiss check %d: %w", checkID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCheckNotFound
	}
	return nil
}

// RunAllChecks sweeps every eligible client sequentially: taxes filed, state
// branch unresolved, working in the portal's state. A sweep started while one
// is already running returns a zero-count result and triggers no scraping.
func (r *Reconciler) RunAllChecks(ctx context.Context, trigger string, adminID *uint) (*SweepResult, error) {
	if !r.sweeping.CompareAndSwap(false, true) {
		r.logger.Warn("Portal sweep already running, skipping")
		return &SweepResult{}, nil
	}
	defer r.sweeping.Store(false)

	var cases []database.TaxCase
	err := r.db.WithContext(ctx).
		Joins("JOIN users ON users.id = tax_cases.user_id").
		Where("tax_cases.case_status = ?", string(status.CaseTaxesFiled)).
		Where("tax_cases.state_status <> ?", string(status.RefundTaxesCompletados)).
		Where("users.work_state = ?", r.cfg.WorkState).
		Find(&cases).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible cases: %w", err)
	}

	result := &SweepResult{Total: len(cases)}
	for i := range cases {
		check, err := r.RunCheck(ctx, cases[i].ID, adminID, trigger)
		if err != nil || check.CheckResult != database.CheckResultSuccess {
			result.Failed++
			continue
		}
		result.Succeeded++
	}

	r.logger.Info("Portal sweep finished",
		"total", result.Total, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}
