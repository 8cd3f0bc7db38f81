package database

import (
	"time"

	"gorm.io/gorm"
)

// User roles
const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// Payment methods
const (
	PaymentDirectDeposit = "direct_deposit"
	PaymentPaperCheck    = "paper_check"
)

// Document types
const (
	DocTypeW2           = "w2"
	DocTypePaymentProof = "payment_proof"
	DocTypeOther        = "other"
)

// External check results
const (
	CheckResultSuccess = "success"
	CheckResultError   = "error"
	CheckResultTimeout = "timeout"
)

// External check triggers
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// Audit actions
const (
	AuditRefundAmountUpdate = "refund_amount_update"
	AuditSSNChange          = "ssn_change"
	AuditBankInfoChange     = "bank_info_change"
	AuditDiscountApplied    = "discount_applied"
)

type User struct {
	gorm.Model
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name"`
	Email              string     `json:"email" gorm:"index"`
	Role               string     `json:"role" gorm:"default:client;index"`
	SSNEncrypted       string     `json:"-"`
	PaymentMethod      string     `json:"payment_method" gorm:"default:direct_deposit"`
	WorkState          string     `json:"work_state" gorm:"index"`
	ReferralCode       string     `json:"referral_code"`
	ReferredByCode     string     `json:"referred_by_code"`
	PaymentReceived    bool       `json:"payment_received"`
	ProfileComplete    bool       `json:"profile_complete"`
	ProfileDraft       bool       `json:"profile_draft"`
	ProfileSubmittedAt *time.Time `json:"profile_submitted_at"`
}

type TaxCase struct {
	gorm.Model
	UserID  uint `json:"user_id" gorm:"index"`
	User    User `json:"user,omitempty"`
	TaxYear int  `json:"tax_year" gorm:"index"`

	CaseStatus          string     `json:"case_status" gorm:"default:awaiting_form"`
	CaseStatusChangedAt *time.Time `json:"case_status_changed_at"`

	FederalStatus             string     `json:"federal_status" gorm:"default:taxes_en_proceso"`
	FederalStatusChangedAt    *time.Time `json:"federal_status_changed_at"`
	FederalRefundAmount       *float64   `json:"federal_refund_amount"`
	FederalCommissionRate     float64    `json:"federal_commission_rate" gorm:"default:0.11"`
	FederalRefundReceived     bool       `json:"federal_refund_received"`
	FederalRefundReceivedAt   *time.Time `json:"federal_refund_received_at"`
	FederalCommissionPaid     bool       `json:"federal_commission_paid"`
	FederalCommissionPaidAt   *time.Time `json:"federal_commission_paid_at"`
	FederalEstimatedDate      *time.Time `json:"federal_estimated_date"`
	FederalDepositDate        *time.Time `json:"federal_deposit_date"`
	FederalLastComment        string     `json:"federal_last_comment"`

	StateStatus           string     `json:"state_status" gorm:"default:taxes_en_proceso"`
	StateStatusChangedAt  *time.Time `json:"state_status_changed_at"`
	StateRefundAmount     *float64   `json:"state_refund_amount"`
	StateCommissionRate   float64    `json:"state_commission_rate" gorm:"default:0.11"`
	StateRefundReceived   bool       `json:"state_refund_received"`
	StateRefundReceivedAt *time.Time `json:"state_refund_received_at"`
	StateCommissionPaid   bool       `json:"state_commission_paid"`
	StateCommissionPaidAt *time.Time `json:"state_commission_paid_at"`
	StateEstimatedDate    *time.Time `json:"state_estimated_date"`
	StateDepositDate      *time.Time `json:"state_deposit_date"`
	StateLastComment      string     `json:"state_last_comment"`

	HasProblem         bool       `json:"has_problem"`
	ProblemType        string     `json:"problem_type"`
	ProblemDescription string     `json:"problem_description"`
	ProblemStep        string     `json:"problem_step"`
	ProblemResolvedAt  *time.Time `json:"problem_resolved_at"`

	// Legacy flag: true only once both applicable branches are paid (or a
	// branch has no refund to pay out at all).
	CommissionPaid bool `json:"commission_paid"`
}

type Document struct {
	gorm.Model
	UserID       uint   `json:"user_id" gorm:"index"`
	TaxCaseID    uint   `json:"tax_case_id" gorm:"index"`
	DocType      string `json:"doc_type" gorm:"index"`
	FilePath     string `json:"file_path"`
	OriginalName string `json:"original_name"`
}

// StatusHistory is append-only: one row per coordinator invocation that
// produced a change. Rows are never updated or deleted.
type StatusHistory struct {
	gorm.Model
	TaxCaseID       uint   `json:"tax_case_id" gorm:"index"`
	PreviousStatus  string `json:"previous_status" gorm:"type:text"`
	NewStatus       string `json:"new_status" gorm:"type:text"`
	ChangedByID     *uint  `json:"changed_by_id"` // nil means system-automated
	Comment         string `json:"comment" gorm:"type:text"`
	InternalComment string `json:"internal_comment" gorm:"type:text"`
}

// ExternalCheck records one reconciliation attempt against the state refund
// portal. The only field ever mutated after creation is StatusChanged, which
// is cleared when an admin dismisses the check.
type ExternalCheck struct {
	gorm.Model
	TaxCaseID         uint    `json:"tax_case_id" gorm:"index"`
	RawStatus         string  `json:"raw_status" gorm:"type:text"`
	MappedStatus      *string `json:"mapped_status"`
	PreviousStatus    string  `json:"previous_status"`
	StatusChanged     bool    `json:"status_changed" gorm:"index"`
	CheckResult       string  `json:"check_result"`
	TriggeredBy       string  `json:"triggered_by"`
	TriggeredByUserID *uint   `json:"triggered_by_user_id"`
	ErrorMessage      string  `json:"error_message"`
	ScreenshotPath    string  `json:"screenshot_path"`
}

type Notification struct {
	gorm.Model
	UserID      uint   `json:"user_id" gorm:"index"`
	TemplateKey string `json:"template_key" gorm:"index"`
	Body        string `json:"body" gorm:"type:text"`
}

type AuditLog struct {
	gorm.Model
	ActorID        *uint  `json:"actor_id"`
	AffectedUserID uint   `json:"affected_user_id" gorm:"index"`
	Action         string `json:"action" gorm:"index"`
	Details        string `json:"details" gorm:"type:text"`
}

type FeatureFlag struct {
	gorm.Model
	Name    string `json:"name" gorm:"uniqueIndex"`
	Enabled bool   `json:"enabled"`
}

func (User) TableName() string {
	return "users"
}

func (TaxCase) TableName() string {
	return "tax_cases"
}

func (Document) TableName() string {
	return "documents"
}

func (StatusHistory) TableName() string {
	return "status_histories"
}

func (ExternalCheck) TableName() string {
	return "external_checks"
}

func (Notification) TableName() string {
	return "notifications"
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

func (FeatureFlag) TableName() string {
	return "feature_flags"
}
