// Package notify renders and stores client/admin notifications. Rows are
// picked up by the delivery pipeline out of process; from the engine's point
// of view a notification is sent once its row exists.
package notify

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/status"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

// Operational template keys.
const (
	KeyDocsMissing     = "docs_missing"
	KeyProblemResolved = "problem_resolved"
	KeyAdminEvent      = "admin_event"
	KeyCheckApproved   = "check_approved"
)

// Params carries the values interpolated into a template.
type Params struct {
	FirstName     string
	Amount        *float64
	EstimatedDate *time.Time
	Detail        string
}

// Per-branch template sets keyed by the canonical refund status.
var federalTemplates = map[status.RefundStatus]string{
	status.RefundTaxesEnProceso:         "Hola {firstName}, tus taxes federales están en proceso.",
	status.RefundEnVerificacion:         "Hola {firstName}, tu reembolso federal está en verificación.",
	status.RefundVerificacionEnProgreso: "Hola {firstName}, la verificación de tu reembolso federal está en progreso.",
	status.RefundVerificacionRechazada:  "Hola {firstName}, la verificación de tu reembolso federal fue rechazada. Nos pondremos en contacto contigo.",
	status.RefundProblemas:              "Hola {firstName}, encontramos un problema con tu reembolso federal. Nuestro equipo ya está trabajando en ello.",
	status.RefundDepositoDirecto:        "Hola {firstName}, ¡tu reembolso federal fue aprobado! El depósito directo llegará alrededor del {estimatedDate}.",
	status.RefundChequeEnCamino:         "Hola {firstName}, ¡tu cheque federal está en camino! Debería llegar alrededor del {estimatedDate}.",
	status.RefundComisionPendiente:      "Hola {firstName}, recibimos la confirmación de tu reembolso federal. Queda pendiente la comisión del servicio.",
	status.RefundTaxesCompletados:       "¡Felicidades {firstName}! Tus taxes federales están completados. Reembolso recibido: ${amount}.",
}

var stateTemplates = map[status.RefundStatus]string{
	status.RefundTaxesEnProceso:         "Hola {firstName}, tus taxes estatales están en proceso.",
	status.RefundEnVerificacion:         "Hola {firstName}, tu reembolso estatal está en verificación.",
	status.RefundVerificacionEnProgreso: "Hola {firstName}, la verificación de tu reembolso estatal está en progreso.",
	status.RefundVerificacionRechazada:  "Hola {firstName}, la verificación de tu reembolso estatal fue rechazada. Nos pondremos en contacto contigo.",
	status.RefundProblemas:              "Hola {firstName}, encontramos un problema con tu reembolso estatal. Nuestro equipo ya está trabajando en ello.",
	status.RefundDepositoDirecto:        "Hola {firstName}, ¡tu reembolso estatal fue aprobado! El depósito directo llegará alrededor del {estimatedDate}.",
	status.RefundChequeEnCamino:         "Hola {firstName}, ¡tu cheque estatal está en camino! Debería llegar alrededor del {estimatedDate}.",
	status.RefundComisionPendiente:      "Hola {firstName}, recibimos la confirmación de tu reembolso estatal. Queda pendiente la comisión del servicio.",
	status.RefundTaxesCompletados:       "¡Felicidades {firstName}! Tus taxes estatales están completados. Reembolso recibido: ${amount}.",
}

var operationalTemplates = map[string]string{
	KeyDocsMissing:     "Hola {firstName}, para avanzar con tus taxes todavía necesitamos: {detail}.",
	KeyProblemResolved: "Hola {firstName}, ¡buenas noticias! El problema con tu caso fue resuelto.",
	KeyAdminEvent:      "{detail}",
	KeyCheckApproved:   "Hola {firstName}, el estado de tu reembolso estatal fue actualizado: {detail}.",
}

// Service writes notification rows.
type Service struct {
	db     *gorm.DB
	logger *logger.Logger
}

func NewService(db *gorm.DB, logger *logger.Logger) *Service {
	return &Service{db: db, logger: logger}
}

func render(template string, p Params) string {
	out := strings.ReplaceAll(template, "{firstName}", p.FirstName)
	out = strings.ReplaceAll(out, "{detail}", p.Detail)

	amount := ""
	if p.Amount != nil {
		amount = fmt.Sprintf("%.2f", *p.Amount)
	}
	out = strings.ReplaceAll(out, "{amount}", amount)

	date := "la fecha estimada"
	if p.EstimatedDate != nil {
		date = p.EstimatedDate.Format("02/01/2006")
	}
	return strings.ReplaceAll(out, "{estimatedDate}", date)
}

// BranchStatusTemplate returns the template key and text for a branch status
// change, or ok=false when the status has no client-facing message.
func BranchStatusTemplate(dimension status.Dimension, s status.RefundStatus) (key, template string, ok bool) {
	var templates map[status.RefundStatus]string
	switch dimension {
	case status.DimensionFederal:
		templates = federalTemplates
		key = "federal_" + string(s)
	case status.DimensionState:
		templates = stateTemplates
		key = "state_" + string(s)
	default:
		return "", "", false
	}
	template, ok = templates[s]
	return key, template, ok
}

// SendBranchStatus notifies a client that one refund branch changed status.
func (s *Service) SendBranchStatus(userID uint, dimension status.Dimension, newStatus status.RefundStatus, p Params) error {
	key, template, ok := BranchStatusTemplate(dimension, newStatus)
	if !ok {
		return nil
	}
	return s.send(userID, key, render(template, p))
}

// Send renders an operational template and stores it for one user.
func (s *Service) Send(userID uint, key string, p Params) error {
	template, ok := operationalTemplates[key]
	if !ok {
		return fmt.Errorf("unknown notification template: %q", key)
	}
	return s.send(userID, key, render(template, p))
}

func (s *Service) send(userID uint, key, body string) error {
	n := &database.Notification{
		UserID:      userID,
		TemplateKey: key,
		Body:        body,
	}
	if err := s.db.Create(n).Error; err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

// NotifyAdmins fans one message out to every admin account with a single
// batched insert, so an upload burst cannot amplify into N inserts per admin.
func (s *Service) NotifyAdmins(message string) error {
	var adminIDs []uint
	if err := s.db.Model(&database.User{}).
		Where("role = ?", database.RoleAdmin).
		Pluck("id", &adminIDs).Error; err != nil {
		return fmt.Errorf("failed to list admins: %w", err)
	}
	if len(adminIDs) == 0 {
		return nil
	}

	rows := make([]database.Notification, 0, len(adminIDs))
	for _, id := range adminIDs {
		rows = append(rows, database.Notification{
			UserID:      id,
			TemplateKey: KeyAdminEvent,
			Body:        message,
		})
	}
	return s.db.Create(&rows).Error
}

// CountRecent returns how many notifications with the given key a user
// received inside the window. Used by the reminder sweep's per-client cap;
// the count-then-insert sequence is deliberately not atomic.
func (s *Service) CountRecent(userID uint, key string, window time.Duration) (int64, error) {
	var count int64
	err := s.db.Model(&database.Notification{}).
		Where("user_id = ? AND template_key = ? AND created_at > ?",
			userID, key, time.Now().Add(-window)).
		Count(&count).Error
	return count, err
}
