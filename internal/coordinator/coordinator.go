// Package coordinator orchestrates authoritative status changes on a tax
// case: validation, derived fields, the atomic case-write + history-append,
// and the best-effort side effects that follow a commit.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/refundtrack/tax-engine/internal/commission"
	"github.com/refundtrack/tax-engine/internal/config"
	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/notify"
	"github.com/refundtrack/tax-engine/internal/status"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

// ErrCaseNotFound is returned when the requested case does not exist.
var ErrCaseNotFound = errors.New("tax case not found")

// PreconditionError rejects an update whose prerequisites are not met. It is
// a client error and is never retried automatically.
type PreconditionError struct {
	Field  string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed on %s: %s", e.Field, e.Reason)
}

// Referrals is the referral collaborator the coordinator dispatches to after
// a commit.
type Referrals interface {
	EnsureCode(userID uint) (string, error)
	MarkReferralComplete(userID uint) error
}

// Auditor records sensitive field changes.
type Auditor interface {
	Log(actorID *uint, affectedUserID uint, action string, details map[string]interface{})
}

// Coordinator applies status updates. All writes for one update happen inside
// a single transaction; everything after the commit is best-effort.
type Coordinator struct {
	db        *gorm.DB
	cfg       *config.Config
	logger    *logger.Logger
	notify    *notify.Service
	audit     Auditor
	referrals Referrals
}

func New(db *gorm.DB, cfg *config.Config, log *logger.Logger, n *notify.Service, a Auditor, r Referrals) *Coordinator {
	return &Coordinator{
		db:        db,
		cfg:       cfg,
		logger:    log,
		notify:    n,
		audit:     a,
		referrals: r,
	}
}

// sideEffects captures, before the transaction commits, everything the
// post-commit dispatch needs to know about what changed.
type sideEffects struct {
	federalStatusChanged bool
	stateStatusChanged   bool
	firstTimeFiled       bool
	firstDeposit         bool
	firstCompleted       bool
	federalAmountChanged bool
	stateAmountChanged   bool
	oldFederalAmount     *float64
	oldStateAmount       *float64
	problemResolved      bool
}

// UpdateStatus loads the case, validates and applies the requested changes,
// persists the case row and one StatusHistory row atomically, then dispatches
// side effects. changedBy is nil for system-automated updates.
func (c *Coordinator) UpdateStatus(ctx context.Context, caseID uint, req UpdateRequest, changedBy *uint) (*database.TaxCase, error) {
	var tc database.TaxCase
	err := c.db.WithContext(ctx).Preload("User").
		Order("tax_year DESC").
		First(&tc, caseID).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("failed to load case %d: %w", caseID, err)
	}

	previousSnapshot := snapshot(&tc)

	if err := c.validateTransitions(&tc, req); err != nil {
		return nil, err
	}

	changes, effects, err := c.applyUpdates(&tc, req)
	if err != nil {
		return nil, err
	}

	if len(changes) == 0 {
		return &tc, nil
	}

	history := &database.StatusHistory{
		TaxCaseID:       tc.ID,
		PreviousStatus:  previousSnapshot,
		NewStatus:       strings.Join(changes, "; "),
		ChangedByID:     changedBy,
		Comment:         buildComment(req),
		InternalComment: req.InternalComment,
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&tc).Error; err != nil {
			return fmt.Errorf("failed to save case: %w", err)
		}
		if err := tx.Create(history).Error; err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.dispatchSideEffects(&tc, req, effects, changedBy)
	return &tc, nil
}

// validateTransitions runs the validator for each dimension that would
// change. With enforcement disabled this never rejects, but the override path
// stays exercised so re-enabling it is a one-line change in the validator.
func (c *Coordinator) validateTransitions(tc *database.TaxCase, req UpdateRequest) error {
	type attempt struct {
		dim      status.Dimension
		current  string
		proposed string
		valid    bool
	}

	var attempts []attempt
	if req.CaseStatus != nil && string(*req.CaseStatus) != tc.CaseStatus {
		attempts = append(attempts, attempt{
			dim: status.DimensionCase, current: tc.CaseStatus,
			proposed: string(*req.CaseStatus),
			valid:    status.ValidCaseStatus(*req.CaseStatus),
		})
	}
	if req.Federal.Status != nil && string(*req.Federal.Status) != tc.FederalStatus {
		attempts = append(attempts, attempt{
			dim: status.DimensionFederal, current: tc.FederalStatus,
			proposed: string(*req.Federal.Status),
			valid:    status.ValidRefundStatus(*req.Federal.Status),
		})
	}
	if req.State.Status != nil && string(*req.State.Status) != tc.StateStatus {
		attempts = append(attempts, attempt{
			dim: status.DimensionState, current: tc.StateStatus,
			proposed: string(*req.State.Status),
			valid:    status.ValidRefundStatus(*req.State.Status),
		})
	}

	for _, a := range attempts {
		// Values outside the enumerated domain are always rejected; the
		// graph check itself is advisory for now.
		if !a.valid {
			return status.NewInvalidTransition(a.dim, a.current, a.proposed)
		}
		if !status.IsValidTransition(a.dim, a.current, a.proposed) && !req.ForceTransition {
			return status.NewInvalidTransition(a.dim, a.current, a.proposed)
		}
	}
	return nil
}

// applyUpdates mutates the in-memory case and returns the change summary plus
// the side-effect plan. Nothing is persisted here.
func (c *Coordinator) applyUpdates(tc *database.TaxCase, req UpdateRequest) ([]string, *sideEffects, error) {
	now := time.Now()
	var changes []string
	effects := &sideEffects{
		oldFederalAmount: tc.FederalRefundAmount,
		oldStateAmount:   tc.StateRefundAmount,
	}

	if req.CaseStatus != nil && string(*req.CaseStatus) != tc.CaseStatus {
		changes = append(changes, fmt.Sprintf("case: %s -> %s", tc.CaseStatus, *req.CaseStatus))
		tc.CaseStatus = string(*req.CaseStatus)
		tc.CaseStatusChangedAt = &now

		if *req.CaseStatus == status.CaseTaxesFiled {
			effects.firstTimeFiled = true
			// Seed deposit estimates on first filing; never overwrite ones
			// already on file.
			if tc.FederalEstimatedDate == nil {
				d := now.AddDate(0, 0, c.cfg.FederalEstimateDays)
				tc.FederalEstimatedDate = &d
			}
			if tc.StateEstimatedDate == nil {
				d := now.AddDate(0, 0, c.cfg.StateEstimateDays)
				tc.StateEstimatedDate = &d
			}
		}
	}

	oldFederal := status.RefundStatus(tc.FederalStatus)
	oldState := status.RefundStatus(tc.StateStatus)

	fedChanges, err := c.applyBranch(tc, req.Federal, federalBranch{}, now)
	if err != nil {
		return nil, nil, err
	}
	changes = append(changes, fedChanges...)

	stChanges, err := c.applyBranch(tc, req.State, stateBranch{}, now)
	if err != nil {
		return nil, nil, err
	}
	changes = append(changes, stChanges...)

	effects.federalStatusChanged = containsPrefix(fedChanges, "federal:")
	effects.stateStatusChanged = containsPrefix(stChanges, "state:")

	effects.federalAmountChanged = amountChanged(effects.oldFederalAmount, tc.FederalRefundAmount)
	effects.stateAmountChanged = amountChanged(effects.oldStateAmount, tc.StateRefundAmount)

	// The referral completion trigger fires the first time either branch
	// reaches a payment-in-flight status, and the first time one completes.
	newFederal := status.RefundStatus(tc.FederalStatus)
	newState := status.RefundStatus(tc.StateStatus)
	hadDeposit := status.IsDepositStatus(oldFederal) || status.IsDepositStatus(oldState)
	hasDeposit := status.IsDepositStatus(newFederal) || status.IsDepositStatus(newState)
	hadCompleted := oldFederal == status.RefundTaxesCompletados || oldState == status.RefundTaxesCompletados
	hasCompleted := newFederal == status.RefundTaxesCompletados || newState == status.RefundTaxesCompletados
	effects.firstDeposit = hasDeposit && !hadDeposit
	effects.firstCompleted = hasCompleted && !hadCompleted

	// A branch landing on positive progress resolves an open problem flag.
	if tc.HasProblem {
		if status.IsPositiveProgress(status.RefundStatus(tc.FederalStatus)) ||
			status.IsPositiveProgress(status.RefundStatus(tc.StateStatus)) {
			tc.HasProblem = false
			tc.ProblemType = ""
			tc.ProblemDescription = ""
			tc.ProblemStep = ""
			tc.ProblemResolvedAt = &now
			effects.problemResolved = true
			changes = append(changes, "problem resolved")
		}
	}

	tc.CommissionPaid = commission.BothPaid(tc)

	return changes, effects, nil
}

// branchFields abstracts over the duplicated federal/state column pairs so
// both branches share one update routine.
type branchFields interface {
	name() string
	dimension() status.Dimension
	get(tc *database.TaxCase) branchState
	set(tc *database.TaxCase, s branchState)
}

type branchState struct {
	Status          string
	StatusChangedAt *time.Time
	RefundAmount    *float64
	CommissionRate  float64
	RefundReceived  bool
	ReceivedAt      *time.Time
	CommissionPaid  bool
	PaidAt          *time.Time
	EstimatedDate   *time.Time
	DepositDate     *time.Time
	LastComment     string
}

type federalBranch struct{}

func (federalBranch) name() string                { return "federal" }
func (federalBranch) dimension() status.Dimension { return status.DimensionFederal }
func (federalBranch) get(tc *database.TaxCase) branchState {
	return branchState{
		Status: tc.FederalStatus, StatusChangedAt: tc.FederalStatusChangedAt,
		RefundAmount: tc.FederalRefundAmount, CommissionRate: tc.FederalCommissionRate,
		RefundReceived: tc.FederalRefundReceived, ReceivedAt: tc.FederalRefundReceivedAt,
		CommissionPaid: tc.FederalCommissionPaid, PaidAt: tc.FederalCommissionPaidAt,
		EstimatedDate: tc.FederalEstimatedDate, DepositDate: tc.FederalDepositDate,
		LastComment: tc.FederalLastComment,
	}
}
func (federalBranch) set(tc *database.TaxCase, s branchState) {
	tc.FederalStatus, tc.FederalStatusChangedAt = s.Status, s.StatusChangedAt
	tc.FederalRefundAmount, tc.FederalCommissionRate = s.RefundAmount, s.CommissionRate
	tc.FederalRefundReceived, tc.FederalRefundReceivedAt = s.RefundReceived, s.ReceivedAt
	tc.FederalCommissionPaid, tc.FederalCommissionPaidAt = s.CommissionPaid, s.PaidAt
	tc.FederalEstimatedDate, tc.FederalDepositDate = s.EstimatedDate, s.DepositDate
	tc.FederalLastComment = s.LastComment
}

type stateBranch struct{}

func (stateBranch) name() string                { return "state" }
func (stateBranch) dimension() status.Dimension { return status.DimensionState }
func (stateBranch) get(tc *database.TaxCase) branchState {
	return branchState{
		Status: tc.StateStatus, StatusChangedAt: tc.StateStatusChangedAt,
		RefundAmount: tc.StateRefundAmount, CommissionRate: tc.StateCommissionRate,
		RefundReceived: tc.StateRefundReceived, ReceivedAt: tc.StateRefundReceivedAt,
		CommissionPaid: tc.StateCommissionPaid, PaidAt: tc.StateCommissionPaidAt,
		EstimatedDate: tc.StateEstimatedDate, DepositDate: tc.StateDepositDate,
		LastComment: tc.StateLastComment,
	}
}
func (stateBranch) set(tc *database.TaxCase, s branchState) {
	tc.StateStatus, tc.StateStatusChangedAt = s.Status, s.StatusChangedAt
	tc.StateRefundAmount, tc.StateCommissionRate = s.RefundAmount, s.CommissionRate
	tc.StateRefundReceived, tc.StateRefundReceivedAt = s.RefundReceived, s.ReceivedAt
	tc.StateCommissionPaid, tc.StateCommissionPaidAt = s.CommissionPaid, s.PaidAt
	tc.StateEstimatedDate, tc.StateDepositDate = s.EstimatedDate, s.DepositDate
	tc.StateLastComment = s.LastComment
}

func (c *Coordinator) applyBranch(tc *database.TaxCase, patch BranchPatch, b branchFields, now time.Time) ([]string, error) {
	s := b.get(tc)
	var changes []string

	if patch.Status != nil && string(*patch.Status) != s.Status {
		changes = append(changes, fmt.Sprintf("%s: %s -> %s", b.name(), s.Status, *patch.Status))
		s.Status = string(*patch.Status)
		s.StatusChangedAt = &now
	}

	if patch.RefundAmount != nil && amountChanged(s.RefundAmount, patch.RefundAmount) {
		if *patch.RefundAmount < 0 {
			return nil, &PreconditionError{
				Field:  b.name() + " refund amount",
				Reason: "must not be negative",
			}
		}
		changes = append(changes, fmt.Sprintf("%s refund amount set to %.2f", b.name(), *patch.RefundAmount))
		s.RefundAmount = patch.RefundAmount
	}

	if patch.CommissionRate != nil && *patch.CommissionRate != s.CommissionRate {
		changes = append(changes, fmt.Sprintf("%s commission rate set to %.2f", b.name(), *patch.CommissionRate))
		s.CommissionRate = *patch.CommissionRate
	}

	if patch.EstimatedDate != nil {
		changes = append(changes, fmt.Sprintf("%s estimated date set", b.name()))
		s.EstimatedDate = patch.EstimatedDate
	}

	if patch.DepositDate != nil {
		changes = append(changes, fmt.Sprintf("%s deposit date set", b.name()))
		s.DepositDate = patch.DepositDate
	}

	if patch.RefundReceived != nil && *patch.RefundReceived {
		if s.RefundReceived {
			return nil, &PreconditionError{
				Field:  b.name() + " refund received",
				Reason: "receipt already confirmed",
			}
		}
		changes = append(changes, b.name()+" refund received")
		s.RefundReceived = true
		s.ReceivedAt = &now
	}

	if patch.CommissionPaid != nil && *patch.CommissionPaid {
		if err := commission.CanMarkPaid(commission.Branch{
			RefundAmount:   s.RefundAmount,
			RefundReceived: s.RefundReceived,
			CommissionPaid: s.CommissionPaid,
		}); err != nil {
			return nil, &PreconditionError{Field: b.name() + " commission", Reason: err.Error()}
		}
		changes = append(changes, b.name()+" commission paid")
		s.CommissionPaid = true
		s.PaidAt = &now
	}

	if patch.Comment != nil && *patch.Comment != s.LastComment {
		changes = append(changes, b.name()+" comment updated")
		s.LastComment = *patch.Comment
	}

	b.set(tc, s)
	return changes, nil
}

// dispatchSideEffects runs after the commit. Every effect is independently
// best-effort: failures are logged and never surfaced to the caller.
func (c *Coordinator) dispatchSideEffects(tc *database.TaxCase, req UpdateRequest, e *sideEffects, changedBy *uint) {
	user := tc.User

	if e.federalStatusChanged {
		c.sendBranchNotification(tc, status.DimensionFederal)
	}
	if e.stateStatusChanged {
		c.sendBranchNotification(tc, status.DimensionState)
	}

	if e.problemResolved {
		if err := c.notify.Send(tc.UserID, notify.KeyProblemResolved, notify.Params{FirstName: user.FirstName}); err != nil {
			c.logger.Error("Failed to send problem-resolved notification", "case_id", tc.ID, "error", err)
		}
	}

	if e.firstTimeFiled {
		if _, err := c.referrals.EnsureCode(tc.UserID); err != nil {
			c.logger.Error("Failed to ensure referral code", "user_id", tc.UserID, "error", err)
		}
	}

	if e.firstDeposit || e.firstCompleted {
		if err := c.referrals.MarkReferralComplete(tc.UserID); err != nil {
			c.logger.Error("Failed to trigger referral completion", "user_id", tc.UserID, "error", err)
		}
	}

	if e.federalAmountChanged {
		c.audit.Log(changedBy, tc.UserID, database.AuditRefundAmountUpdate, map[string]interface{}{
			"case_id": tc.ID,
			"branch":  "federal",
			"old":     e.oldFederalAmount,
			"new":     tc.FederalRefundAmount,
		})
	}
	if e.stateAmountChanged {
		c.audit.Log(changedBy, tc.UserID, database.AuditRefundAmountUpdate, map[string]interface{}{
			"case_id": tc.ID,
			"branch":  "state",
			"old":     e.oldStateAmount,
			"new":     tc.StateRefundAmount,
		})
	}
}

func (c *Coordinator) sendBranchNotification(tc *database.TaxCase, dim status.Dimension) {
	var s status.RefundStatus
	params := notify.Params{FirstName: tc.User.FirstName}
	if dim == status.DimensionFederal {
		s = status.RefundStatus(tc.FederalStatus)
		params.Amount = tc.FederalRefundAmount
		params.EstimatedDate = tc.FederalEstimatedDate
	} else {
		s = status.RefundStatus(tc.StateStatus)
		params.Amount = tc.StateRefundAmount
		params.EstimatedDate = tc.StateEstimatedDate
	}

	if err := c.notify.SendBranchStatus(tc.UserID, dim, s, params); err != nil {
		c.logger.Error("Failed to send status notification",
			"case_id", tc.ID, "dimension", dim, "error", err)
	}
}

// snapshot renders all three status dimensions as they stand, for the history
// row's previous-status column.
func snapshot(tc *database.TaxCase) string {
	return fmt.Sprintf("case=%s federal=%s state=%s", tc.CaseStatus, tc.FederalStatus, tc.StateStatus)
}

// buildComment folds the override reason into the history comment so the
// audit trail survives even while enforcement is off.
func buildComment(req UpdateRequest) string {
	comment := req.Comment
	if req.OverrideReason != "" {
		if comment != "" {
			comment += " | "
		}
		comment += "override: " + req.OverrideReason
	}
	return comment
}

func amountChanged(old, new *float64) bool {
	if old == nil && new == nil {
		return false
	}
	if old == nil || new == nil {
		return true
	}
	return *old != *new
}

// containsPrefix reports whether any change entry carries the "<branch>:"
// prefix used exclusively for status transitions.
func containsPrefix(changes []string, prefix string) bool {
	for _, ch := range changes {
		if strings.HasPrefix(ch, prefix) {
			return true
		}
	}
	return false
}
