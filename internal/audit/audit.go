// Package audit appends structured audit rows for sensitive account changes.
// Audit writes are best-effort: a failure is logged and never blocks the
// operation that triggered it.
package audit

import (
	"encoding/json"

	"gorm.io/gorm"

	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

type Service struct {
	db     *gorm.DB
	logger *logger.Logger
}

func NewService(db *gorm.DB, logger *logger.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Log records an action against a user. details is marshalled to JSON; a
// marshal failure falls back to an empty payload rather than dropping the row.
func (s *Service) Log(actorID *uint, affectedUserID uint, action string, details map[string]interface{}) {
	payload, err := json.Marshal(details)
	if err != nil {
		s.logger.Warn("Failed to marshal audit details", "action", action, "error", err)
		payload = []byte("{}")
	}

	row := &database.AuditLog{
		ActorID:        actorID,
		AffectedUserID: affectedUserID,
		Action:         action,
		Details:        string(payload),
	}
	if err := s.db.Create(row).Error; err != nil {
		s.logger.Error("Failed to write audit log", "action", action, "user_id", affectedUserID, "error", err)
	}
}
