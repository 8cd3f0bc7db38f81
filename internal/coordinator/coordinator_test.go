package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/refundtrack/tax-engine/internal/audit"
	"github.com/refundtrack/tax-engine/internal/config"
	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/notify"
	"github.com/refundtrack/tax-engine/internal/referral"
	"github.com/refundtrack/tax-engine/internal/status"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

func setup(t *testing.T) (*Coordinator, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	log := logger.NewNop()
	cfg := &config.Config{
		FederalEstimateDays:   42,
		StateEstimateDays:     63,
		DefaultCommissionRate: 0.11,
	}

	c := New(db, cfg, log,
		notify.NewService(db, log),
		audit.NewService(db, log),
		referral.NewService(db, log),
	)
	return c, db
}

func seedCase(t *testing.T, db *gorm.DB, mutate func(*database.User, *database.TaxCase)) *database.TaxCase {
	t.Helper()

	user := &database.User{
		FirstName:     "Maria",
		LastName:      "Lopez",
		Email:         "maria@example.com",
		Role:          database.RoleClient,
		PaymentMethod: database.PaymentDirectDeposit,
		WorkState:     "NY",
	}
	tc := &database.TaxCase{
		TaxYear:               2025,
		CaseStatus:            string(status.CaseAwaitingDocs),
		FederalStatus:         string(status.RefundTaxesEnProceso),
		StateStatus:           string(status.RefundTaxesEnProceso),
		FederalCommissionRate: 0.11,
		StateCommissionRate:   0.11,
	}
	if mutate != nil {
		mutate(user, tc)
	}

	require.NoError(t, db.Create(user).Error)
	tc.UserID = user.ID
	require.NoError(t, db.Create(tc).Error)
	return tc
}

func caseStatusPtr(s status.CaseStatus) *status.CaseStatus     { return &s }
func refundStatusPtr(s status.RefundStatus) *status.RefundStatus { return &s }
func floatPtr(v float64) *float64                              { return &v }
func boolPtr(v bool) *bool                                     { return &v }

func TestUpdateStatusNotFound(t *testing.T) {
	c, _ := setup(t)

	_, err := c.UpdateStatus(context.Background(), 9999, UpdateRequest{}, nil)
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestHistorySnapshotMatchesPreviousValues(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, nil)

	_, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		CaseStatus: caseStatusPtr(status.CasePreparing),
		Federal:    BranchPatch{Status: refundStatusPtr(status.RefundEnVerificacion)},
		Comment:    "moving along",
	}, nil)
	require.NoError(t, err)

	var history database.StatusHistory
	require.NoError(t, db.Where("tax_case_id = ?", tc.ID).First(&history).Error)

	assert.Equal(t, "case=awaiting_docs federal=taxes_en_proceso state=taxes_en_proceso",
		history.PreviousStatus)
	assert.Contains(t, history.NewStatus, "case: awaiting_docs -> preparing")
	assert.Contains(t, history.NewStatus, "federal: taxes_en_proceso -> en_verificacion")
	assert.Nil(t, history.ChangedByID)
	assert.Equal(t, "moving along", history.Comment)
}

func TestTaxesFiledSetsEstimatesOnce(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, func(_ *database.User, tc *database.TaxCase) {
		tc.CaseStatus = string(status.CasePreparing)
	})

	updated, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		CaseStatus: caseStatusPtr(status.CaseTaxesFiled),
	}, nil)
	require.NoError(t, err)

	require.NotNil(t, updated.FederalEstimatedDate)
	require.NotNil(t, updated.StateEstimatedDate)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 42), *updated.FederalEstimatedDate, time.Minute)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 63), *updated.StateEstimatedDate, time.Minute)

	firstFederal := *updated.FederalEstimatedDate
	firstState := *updated.StateEstimatedDate

	// Leave and re-enter taxes_filed: the estimates must survive untouched.
	_, err = c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		CaseStatus: caseStatusPtr(status.CaseIssues),
	}, nil)
	require.NoError(t, err)

	reentered, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		CaseStatus: caseStatusPtr(status.CaseTaxesFiled),
	}, nil)
	require.NoError(t, err)

	assert.True(t, reentered.FederalEstimatedDate.Equal(firstFederal))
	assert.True(t, reentered.StateEstimatedDate.Equal(firstState))
}

func TestProblemAutoResolvedOnPositiveProgress(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, func(_ *database.User, tc *database.TaxCase) {
		tc.HasProblem = true
		tc.ProblemType = "identity_verification"
		tc.ProblemDescription = "IRS letter 5071C"
		tc.ProblemStep = "federal"
	})

	updated, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		Federal: BranchPatch{Status: refundStatusPtr(status.RefundDepositoDirecto)},
	}, nil)
	require.NoError(t, err)

	assert.False(t, updated.HasProblem)
	assert.Empty(t, updated.ProblemType)
	assert.Empty(t, updated.ProblemDescription)
	assert.NotNil(t, updated.ProblemResolvedAt)

	var resolved int64
	db.Model(&database.Notification{}).
		Where("user_id = ? AND template_key = ?", updated.UserID, notify.KeyProblemResolved).
		Count(&resolved)
	assert.Equal(t, int64(1), resolved)
}

func TestInvalidStatusValueRejected(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, nil)

	bogus := status.CaseStatus("bogus")
	_, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		CaseStatus: &bogus,
	}, nil)

	var transition *status.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, status.DimensionCase, transition.Dimension)
	assert.Equal(t, "bogus", transition.Attempted)
	assert.Contains(t, transition.AllowedTransitions, string(status.CaseAwaitingDocs))

	// Nothing persisted.
	var count int64
	db.Model(&database.StatusHistory{}).Where("tax_case_id = ?", tc.ID).Count(&count)
	assert.Zero(t, count)
}

func TestOverrideReasonRecordedInHistory(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, nil)

	_, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		CaseStatus:      caseStatusPtr(status.CaseTaxesFiled),
		ForceTransition: true,
		OverrideReason:  "manager approved skipping preparation",
	}, nil)
	require.NoError(t, err)

	var history database.StatusHistory
	require.NoError(t, db.Where("tax_case_id = ?", tc.ID).First(&history).Error)
	assert.Contains(t, history.Comment, "override: manager approved skipping preparation")
}

func TestCommissionPaidGate(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, nil)

	_, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		Federal: BranchPatch{CommissionPaid: boolPtr(true)},
	}, nil)

	var precondition *PreconditionError
	require.ErrorAs(t, err, &precondition)

	// With refund amount and receipt on file the gate opens.
	updated, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		Federal: BranchPatch{
			RefundAmount:   floatPtr(1500),
			RefundReceived: boolPtr(true),
			CommissionPaid: boolPtr(true),
		},
	}, nil)
	require.NoError(t, err)

	assert.True(t, updated.FederalCommissionPaid)
	assert.NotNil(t, updated.FederalCommissionPaidAt)
	// State branch has no refund: the legacy flag derives to true.
	assert.True(t, updated.CommissionPaid)
}

func TestRefundReceiptConfirmedOnlyOnce(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, func(_ *database.User, tc *database.TaxCase) {
		tc.FederalRefundReceived = true
	})

	_, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		Federal: BranchPatch{RefundReceived: boolPtr(true)},
	}, nil)

	var precondition *PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.Contains(t, precondition.Error(), "already confirmed")
}

func TestNoChangeWritesNoHistory(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, nil)

	_, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{}, nil)
	require.NoError(t, err)

	// Same status as current: also not a change.
	_, err = c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		CaseStatus: caseStatusPtr(status.CaseAwaitingDocs),
	}, nil)
	require.NoError(t, err)

	var count int64
	db.Model(&database.StatusHistory{}).Where("tax_case_id = ?", tc.ID).Count(&count)
	assert.Zero(t, count)
}

func TestCompletedNotificationInterpolatesAmount(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, func(_ *database.User, tc *database.TaxCase) {
		tc.FederalRefundAmount = floatPtr(1500)
	})

	_, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		Federal: BranchPatch{Status: refundStatusPtr(status.RefundTaxesCompletados)},
	}, nil)
	require.NoError(t, err)

	var n database.Notification
	require.NoError(t, db.Where("user_id = ? AND template_key = ?",
		tc.UserID, "federal_taxes_completados").First(&n).Error)
	assert.Contains(t, n.Body, "Maria")
	assert.Contains(t, n.Body, "1500.00")
}

func TestReferralCodeGeneratedOnFirstFiling(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, nil)

	_, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		CaseStatus: caseStatusPtr(status.CaseTaxesFiled),
	}, nil)
	require.NoError(t, err)

	var user database.User
	require.NoError(t, db.First(&user, tc.UserID).Error)
	assert.NotEmpty(t, user.ReferralCode)
}

func TestRefundAmountChangeIsAudited(t *testing.T) {
	c, db := setup(t)
	tc := seedCase(t, db, nil)
	admin := uint(42)

	_, err := c.UpdateStatus(context.Background(), tc.ID, UpdateRequest{
		State: BranchPatch{RefundAmount: floatPtr(800)},
	}, &admin)
	require.NoError(t, err)

	var entry database.AuditLog
	require.NoError(t, db.Where("affected_user_id = ? AND action = ?",
		tc.UserID, database.AuditRefundAmountUpdate).First(&entry).Error)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, admin, *entry.ActorID)
	assert.Contains(t, entry.Details, "state")
}
