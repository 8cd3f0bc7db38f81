package coordinator

import (
	"time"

	"github.com/refundtrack/tax-engine/internal/status"
)

// BranchPatch carries the optional per-branch fields of a status update. Nil
// means "leave unchanged".
type BranchPatch struct {
	Status         *status.RefundStatus `json:"status,omitempty"`
	RefundAmount   *float64             `json:"refund_amount,omitempty"`
	CommissionRate *float64             `json:"commission_rate,omitempty"`
	EstimatedDate  *time.Time           `json:"estimated_date,omitempty"`
	DepositDate    *time.Time           `json:"deposit_date,omitempty"`
	RefundReceived *bool                `json:"refund_received,omitempty"`
	CommissionPaid *bool                `json:"commission_paid,omitempty"`
	Comment        *string              `json:"comment,omitempty"`
}

// UpdateRequest is one authoritative status change across the three
// dimensions. Every field is optional; only supplied fields are touched.
type UpdateRequest struct {
	CaseStatus *status.CaseStatus `json:"case_status,omitempty"`
	Federal    BranchPatch        `json:"federal,omitempty"`
	State      BranchPatch        `json:"state,omitempty"`

	Comment         string `json:"comment,omitempty"`
	InternalComment string `json:"internal_comment,omitempty"`

	// ForceTransition bypasses transition validation; the reason is recorded
	// in the history row either way.
	ForceTransition bool   `json:"force_transition,omitempty"`
	OverrideReason  string `json:"override_reason,omitempty"`
}
