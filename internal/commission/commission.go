// Package commission computes the service commission owed on received refunds
// and gates when a branch may be marked as paid out.
package commission

import (
	"errors"
	"math"

	"github.com/refundtrack/tax-engine/internal/database"
)

// Gating failures. All of them are client errors: the operation is refused
// and never retried automatically.
var (
	ErrRefundNotReceived = errors.New("refund has not been received yet")
	ErrNoRefundAmount    = errors.New("no positive refund amount on file")
	ErrAlreadyPaid       = errors.New("commission already marked as paid")
)

// Commission returns refund * rate rounded to two decimal places.
func Commission(refundAmount, rate float64) float64 {
	return math.Round(refundAmount*rate*100) / 100
}

// Branch is the per-branch snapshot the gate needs.
type Branch struct {
	RefundAmount   *float64
	RefundReceived bool
	CommissionPaid bool
}

// CanMarkPaid reports whether a branch's commission may be marked paid.
// Requires the refund to have been received, a positive amount on file, and
// the commission not already paid.
func CanMarkPaid(b Branch) error {
	if b.CommissionPaid {
		return ErrAlreadyPaid
	}
	if !b.RefundReceived {
		return ErrRefundNotReceived
	}
	if b.RefundAmount == nil || *b.RefundAmount <= 0 {
		return ErrNoRefundAmount
	}
	return nil
}

// branchSettled reports whether a branch needs no further commission work:
// either its commission is paid, or there is no refund to pay out on.
func branchSettled(paid bool, amount *float64) bool {
	if paid {
		return true
	}
	return amount == nil || *amount <= 0
}

// BothPaid derives the legacy case-level commission flag: true only once both
// applicable branches are paid, treating a branch with no refund at all as
// not applicable.
func BothPaid(tc *database.TaxCase) bool {
	federal := branchSettled(tc.FederalCommissionPaid, tc.FederalRefundAmount)
	state := branchSettled(tc.StateCommissionPaid, tc.StateRefundAmount)
	if !federal || !state {
		return false
	}
	// At least one branch must actually have been paid; two not-applicable
	// branches mean there was never a commission to settle.
	return tc.FederalCommissionPaid || tc.StateCommissionPaid
}
