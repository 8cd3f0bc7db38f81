// Package referral manages client referral codes and the payout trigger that
// fires once a referred client's refund materializes.
package referral

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
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

// EnsureCode assigns a referral code to the user if they have none yet.
// Called when a case first reaches the filed stage. Idempotent.
func (s *Service) EnsureCode(userID uint) (string, error) {
	var user database.User
	if err := s.db.First(&user, userID).Error; err != nil {
		return "", fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	if user.ReferralCode != "" {
		return user.ReferralCode, nil
	}

	code := newCode()
	if err := s.db.Model(&user).Update("referral_code", code).Error; err != nil {
		return "", fmt.Errorf("failed to save referral code: %w", err)
	}

	s.logger.Info("Generated referral code", "user_id", userID, "code", code)
	return code, nil
}

// MarkReferralComplete credits the referrer once the referred client's refund
// is on its way (first deposit date set or branch completed). No-op when the
// client was not referred.
func (s *Service) MarkReferralComplete(userID uint) error {
	var user database.User
	if err := s.db.First(&user, userID).Error; err != nil {
		return fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	if user.ReferredByCode == "" {
		return nil
	}

	var referrer database.User
	err := s.db.Where("referral_code = ?", user.ReferredByCode).First(&referrer).Error
	if err != nil {
		if database.IsNotFound(err) {
			s.logger.Warn("Referral code has no owner", "code", user.ReferredByCode, "user_id", userID)
			return nil
		}
		return fmt.Errorf("failed to resolve referral code: %w", err)
	}

	s.logger.Info("Referral completed", "referrer_id", referrer.ID, "referred_id", userID)
	return s.db.Create(&database.Notification{
		UserID:      referrer.ID,
		TemplateKey: "referral_completed",
		Body: fmt.Sprintf("¡Tu referido %s completó su proceso! Tu bono de referido está en camino.",
			user.FirstName),
	}).Error
}

func newCode() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return "REF-" + id[:8]
}
