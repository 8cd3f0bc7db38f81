package automation

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
	"github.com/refundtrack/tax-engine/internal/coordinator"
	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/notify"
	"github.com/refundtrack/tax-engine/internal/referral"
	"github.com/refundtrack/tax-engine/internal/status"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

func setup(t *testing.T) (*Engine, *gorm.DB) {
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
		ReminderDayThreshold:  3,
		ReminderCap:           3,
		ReminderWindow:        30 * 24 * time.Hour,
		BackgroundTaskTimeout: time.Second,
	}

	n := notify.NewService(db, log)
	coord := coordinator.New(db, cfg, log, n, audit.NewService(db, log), referral.NewService(db, log))
	return NewEngine(db, cfg, log, coord, n), db
}

func seedClient(t *testing.T, db *gorm.DB, mutate func(*database.User, *database.TaxCase)) *database.TaxCase {
	t.Helper()

	user := &database.User{
		FirstName:       "Carlos",
		LastName:        "Rivera",
		Role:            database.RoleClient,
		PaymentMethod:   database.PaymentDirectDeposit,
		WorkState:       "NY",
		ProfileComplete: true,
	}
	tc := &database.TaxCase{
		TaxYear:       2025,
		CaseStatus:    string(status.CaseAwaitingDocs),
		FederalStatus: string(status.RefundTaxesEnProceso),
		StateStatus:   string(status.RefundTaxesEnProceso),
	}
	if mutate != nil {
		mutate(user, tc)
	}

	require.NoError(t, db.Create(user).Error)
	tc.UserID = user.ID
	require.NoError(t, db.Create(tc).Error)
	return tc
}

func seedAdmin(t *testing.T, db *gorm.DB) *database.User {
	t.Helper()
	admin := &database.User{FirstName: "Admin", Role: database.RoleAdmin}
	require.NoError(t, db.Create(admin).Error)
	return admin
}

func addDocument(t *testing.T, db *gorm.DB, tc *database.TaxCase, docType string) {
	t.Helper()
	require.NoError(t, db.Create(&database.Document{
		UserID:    tc.UserID,
		TaxCaseID: tc.ID,
		DocType:   docType,
		FilePath:  "/tmp/doc.pdf",
	}).Error)
}

func TestCheckDocumentationCompleteAdvancesCase(t *testing.T) {
	e, db := setup(t)
	seedAdmin(t, db)
	tc := seedClient(t, db, nil)
	addDocument(t, db, tc, database.DocTypeW2)
	addDocument(t, db, tc, database.DocTypePaymentProof)

	require.NoError(t, e.CheckDocumentationComplete(context.Background(), tc.ID))

	var updated database.TaxCase
	require.NoError(t, db.First(&updated, tc.ID).Error)
	assert.Equal(t, string(status.CasePreparing), updated.CaseStatus)

	// The transition is system-authored.
	var history database.StatusHistory
	require.NoError(t, db.Where("tax_case_id = ?", tc.ID).First(&history).Error)
	assert.Nil(t, history.ChangedByID)
}

func TestCheckDocumentationCompleteIsIdempotent(t *testing.T) {
	e, db := setup(t)
	tc := seedClient(t, db, nil)
	addDocument(t, db, tc, database.DocTypeW2)
	addDocument(t, db, tc, database.DocTypePaymentProof)

	require.NoError(t, e.CheckDocumentationComplete(context.Background(), tc.ID))
	require.NoError(t, e.CheckDocumentationComplete(context.Background(), tc.ID))

	var count int64
	db.Model(&database.StatusHistory{}).Where("tax_case_id = ?", tc.ID).Count(&count)
	assert.Equal(t, int64(1), count, "second invocation must not append another history row")
}

func TestCheckDocumentationIncompleteDoesNothing(t *testing.T) {
	e, db := setup(t)
	tc := seedClient(t, db, nil)
	addDocument(t, db, tc, database.DocTypeW2)
	// No payment proof yet.

	require.NoError(t, e.CheckDocumentationComplete(context.Background(), tc.ID))

	var updated database.TaxCase
	require.NoError(t, db.First(&updated, tc.ID).Error)
	assert.Equal(t, string(status.CaseAwaitingDocs), updated.CaseStatus)
}

func TestDraftProfileBlocksCompletion(t *testing.T) {
	e, db := setup(t)
	tc := seedClient(t, db, func(u *database.User, _ *database.TaxCase) {
		u.ProfileDraft = true
	})
	addDocument(t, db, tc, database.DocTypeW2)
	addDocument(t, db, tc, database.DocTypePaymentProof)

	require.NoError(t, e.CheckDocumentationComplete(context.Background(), tc.ID))

	var updated database.TaxCase
	require.NoError(t, db.First(&updated, tc.ID).Error)
	assert.Equal(t, string(status.CaseAwaitingDocs), updated.CaseStatus)
}

func TestProfileCompletedAdvancesEarlyCase(t *testing.T) {
	e, db := setup(t)
	seedAdmin(t, db)
	tc := seedClient(t, db, func(_ *database.User, tc *database.TaxCase) {
		tc.CaseStatus = string(status.CaseAwaitingForm)
	})

	e.ProcessEvent(context.Background(), Event{
		Type: EventProfileCompleted, UserID: tc.UserID, TaxCaseID: tc.ID,
	})

	var updated database.TaxCase
	require.NoError(t, db.First(&updated, tc.ID).Error)
	assert.Equal(t, string(status.CaseAwaitingDocs), updated.CaseStatus)
}

func TestPaymentProofFlipsPaymentReceived(t *testing.T) {
	e, db := setup(t)
	tc := seedClient(t, db, nil)

	e.ProcessEvent(context.Background(), Event{
		Type: EventPaymentProofUploaded, UserID: tc.UserID, TaxCaseID: tc.ID,
	})

	var user database.User
	require.NoError(t, db.First(&user, tc.UserID).Error)
	assert.True(t, user.PaymentReceived)
}

func TestAdminFanOutIsBatched(t *testing.T) {
	e, db := setup(t)
	seedAdmin(t, db)
	seedAdmin(t, db)
	seedAdmin(t, db)
	tc := seedClient(t, db, nil)

	e.ProcessEvent(context.Background(), Event{
		Type: EventW2Uploaded, UserID: tc.UserID, TaxCaseID: tc.ID,
	})

	var count int64
	db.Model(&database.Notification{}).
		Where("template_key = ?", notify.KeyAdminEvent).
		Count(&count)
	assert.Equal(t, int64(3), count, "every admin gets exactly one row")
}

func TestUnknownEventDoesNotPanic(t *testing.T) {
	e, _ := setup(t)
	assert.NotPanics(t, func() {
		e.ProcessEvent(context.Background(), Event{Type: "NOT_A_THING"})
	})
}

func enableSweep(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&database.FeatureFlag{
		Name: FlagReminderSweep, Enabled: true,
	}).Error)
}

func backdate(t *testing.T, db *gorm.DB, tc *database.TaxCase, days int) {
	t.Helper()
	require.NoError(t, db.Model(tc).
		Update("created_at", time.Now().AddDate(0, 0, -days)).Error)
}

func TestReminderSweepDisabledByFlag(t *testing.T) {
	e, db := setup(t)
	tc := seedClient(t, db, func(u *database.User, _ *database.TaxCase) {
		u.ProfileComplete = false
	})
	backdate(t, db, tc, 10)

	result, err := e.RunReminderSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
	assert.Zero(t, result.Sent)
}

func TestReminderSweepSendsForMissingItems(t *testing.T) {
	e, db := setup(t)
	enableSweep(t, db)
	tc := seedClient(t, db, func(u *database.User, _ *database.TaxCase) {
		u.ProfileComplete = false
	})
	backdate(t, db, tc, 10)

	result, err := e.RunReminderSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)

	var n database.Notification
	require.NoError(t, db.Where("user_id = ? AND template_key = ?",
		tc.UserID, notify.KeyDocsMissing).First(&n).Error)
	assert.Contains(t, n.Body, "W2")
	assert.Contains(t, n.Body, "perfil")
}

func TestReminderSweepSkipsFreshCases(t *testing.T) {
	e, db := setup(t)
	enableSweep(t, db)
	seedClient(t, db, func(u *database.User, _ *database.TaxCase) {
		u.ProfileComplete = false
	})
	// Created just now: under the day threshold.

	result, err := e.RunReminderSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
}

func TestReminderSweepHonorsPerClientCap(t *testing.T) {
	e, db := setup(t)
	enableSweep(t, db)
	tc := seedClient(t, db, func(u *database.User, _ *database.TaxCase) {
		u.ProfileComplete = false
	})
	backdate(t, db, tc, 10)

	// Client already got the capped number of reminders this window.
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&database.Notification{
			UserID:      tc.UserID,
			TemplateKey: notify.KeyDocsMissing,
			Body:        "recordatorio",
		}).Error)
	}

	result, err := e.RunReminderSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Sent)
	assert.Equal(t, 1, result.Skipped)
}

func TestRunInBackgroundDoesNotBlock(t *testing.T) {
	e, _ := setup(t)

	started := make(chan struct{})
	release := make(chan struct{})
	e.RunInBackground("slow", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("background task never started")
	}
	close(release)
}
