// Package automation advances case status from lifecycle milestones and runs
// the scheduled reminder sweep. Automation must never break the request that
// triggered it: every handler swallows its own errors.
package automation

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/refundtrack/tax-engine/internal/config"
	"github.com/refundtrack/tax-engine/internal/coordinator"
	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/notify"
	"github.com/refundtrack/tax-engine/internal/status"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

// EventType identifies a lifecycle milestone.
type EventType string

const (
	EventProfileCompleted     EventType = "PROFILE_COMPLETED"
	EventW2Uploaded           EventType = "W2_UPLOADED"
	EventPaymentProofUploaded EventType = "PAYMENT_PROOF_UPLOADED"
	EventDocumentUploaded     EventType = "DOCUMENT_UPLOADED"
	EventAllDocsComplete      EventType = "ALL_DOCS_COMPLETE"
)

// Event is one lifecycle milestone for a client.
type Event struct {
	Type       EventType `json:"type"`
	UserID     uint      `json:"user_id"`
	TaxCaseID  uint      `json:"tax_case_id"`
	DocumentID uint      `json:"document_id,omitempty"`
}

// Engine consumes lifecycle events and auto-invokes the coordinator when
// completion predicates are met.
type Engine struct {
	db          *gorm.DB
	cfg         *config.Config
	logger      *logger.Logger
	coordinator *coordinator.Coordinator
	notify      *notify.Service
}

func NewEngine(db *gorm.DB, cfg *config.Config, log *logger.Logger, c *coordinator.Coordinator, n *notify.Service) *Engine {
	return &Engine{
		db:          db,
		cfg:         cfg,
		logger:      log,
		coordinator: c,
		notify:      n,
	}
}

// ProcessEvent dispatches an event to its handler. Errors and panics are
// logged and never propagate to the caller.
func (e *Engine) ProcessEvent(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Automation handler panicked", "event", ev.Type, "case_id", ev.TaxCaseID, "panic", r)
		}
	}()

	var err error
	switch ev.Type {
	case EventProfileCompleted:
		err = e.handleProfileCompleted(ctx, ev)
	case EventW2Uploaded:
		err = e.handleDocumentUploaded(ctx, ev, "W2")
	case EventPaymentProofUploaded:
		err = e.handlePaymentProofUploaded(ctx, ev)
	case EventDocumentUploaded:
		err = e.handleDocumentUploaded(ctx, ev, "documento")
	case EventAllDocsComplete:
		err = e.CheckDocumentationComplete(ctx, ev.TaxCaseID)
	default:
		e.logger.Warn("Unknown automation event type", "event", ev.Type)
		return
	}

	if err != nil {
		e.logger.Error("Automation handler failed", "event", ev.Type, "case_id", ev.TaxCaseID, "error", err)
	}
}

func (e *Engine) handleProfileCompleted(ctx context.Context, ev Event) error {
	var tc database.TaxCase
	if err := e.db.WithContext(ctx).Preload("User").First(&tc, ev.TaxCaseID).Error; err != nil {
		return fmt.Errorf("failed to load case %d: %w", ev.TaxCaseID, err)
	}

	// A completed profile only moves a case that has not reached document
	// review yet; the coordinator no-ops if it is already awaiting docs.
	if status.EarlyCaseStage(status.CaseStatus(tc.CaseStatus)) {
		next := status.CaseAwaitingDocs
		_, err := e.coordinator.UpdateStatus(ctx, tc.ID, coordinator.UpdateRequest{
			CaseStatus: &next,
			Comment:    "Perfil completado, esperando documentos",
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to advance case after profile completion: %w", err)
		}
	}

	return e.notify.NotifyAdmins(fmt.Sprintf("%s %s completó su perfil (caso %d)",
		tc.User.FirstName, tc.User.LastName, tc.ID))
}

func (e *Engine) handleDocumentUploaded(ctx context.Context, ev Event, label string) error {
	var tc database.TaxCase
	if err := e.db.WithContext(ctx).Preload("User").First(&tc, ev.TaxCaseID).Error; err != nil {
		return fmt.Errorf("failed to load case %d: %w", ev.TaxCaseID, err)
	}

	if err := e.notify.NotifyAdmins(fmt.Sprintf("%s %s subió %s (caso %d)",
		tc.User.FirstName, tc.User.LastName, label, tc.ID)); err != nil {
		e.logger.Error("Admin notification failed", "case_id", tc.ID, "error", err)
	}

	return e.CheckDocumentationComplete(ctx, tc.ID)
}

func (e *Engine) handlePaymentProofUploaded(ctx context.Context, ev Event) error {
	if err := e.db.WithContext(ctx).Model(&database.User{}).
		Where("id = ?", ev.UserID).
		Update("payment_received", true).Error; err != nil {
		return fmt.Errorf("failed to flag payment received: %w", err)
	}

	return e.handleDocumentUploaded(ctx, ev, "comprobante de pago")
}

// CheckDocumentationComplete advances a case from awaiting_docs to preparing
// once all three predicates hold: a W2 on file, a payment proof on file, and
// a submitted (non-draft) profile. Idempotent: a case already past
// awaiting_docs is left alone.
func (e *Engine) CheckDocumentationComplete(ctx context.Context, caseID uint) error {
	var tc database.TaxCase
	if err := e.db.WithContext(ctx).Preload("User").First(&tc, caseID).Error; err != nil {
		return fmt.Errorf("failed to load case %d: %w", caseID, err)
	}

	if tc.CaseStatus != string(status.CaseAwaitingDocs) {
		return nil
	}

	hasW2, err := e.hasDocument(ctx, caseID, database.DocTypeW2)
	if err != nil {
		return err
	}
	hasProof, err := e.hasDocument(ctx, caseID, database.DocTypePaymentProof)
	if err != nil {
		return err
	}
	profileReady := tc.User.ProfileComplete && !tc.User.ProfileDraft

	if !hasW2 || !hasProof || !profileReady {
		return nil
	}

	next := status.CasePreparing
	_, err = e.coordinator.UpdateStatus(ctx, tc.ID, coordinator.UpdateRequest{
		CaseStatus: &next,
		Comment:    "Documentación completa, caso en preparación",
	}, nil) // system-authored
	if err != nil {
		return fmt.Errorf("failed to advance case to preparing: %w", err)
	}

	return e.notify.NotifyAdmins(fmt.Sprintf("Caso %d de %s %s listo para preparación",
		tc.ID, tc.User.FirstName, tc.User.LastName))
}

func (e *Engine) hasDocument(ctx context.Context, caseID uint, docType string) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&database.Document{}).
		Where("tax_case_id = ? AND doc_type = ?", caseID, docType).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count %s documents: %w", docType, err)
	}
	return count > 0, nil
}
