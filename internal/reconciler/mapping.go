package reconciler

import (
	"strings"

	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/status"
)

// mappingRule maps a portal free-text fragment to a canonical status. Rules
// are evaluated in order with case-insensitive substring matching, so a rule
// whose trigger text contains another rule's trigger as a substring must come
// first. "has not been received" contains "received": swapping the first two
// rules would classify a not-yet-filed return as in process.
type mappingRule struct {
	fragments []string
	resolve   func(u *database.User) *status.RefundStatus
}

func fixed(s status.RefundStatus) func(*database.User) *status.RefundStatus {
	return func(*database.User) *status.RefundStatus { return &s }
}

func none(*database.User) *status.RefundStatus { return nil }

// byPaymentMethod picks the in-flight status matching how the client chose to
// be paid.
func byPaymentMethod(u *database.User) *status.RefundStatus {
	s := status.RefundChequeEnCamino
	if u != nil && u.PaymentMethod == database.PaymentDirectDeposit {
		s = status.RefundDepositoDirecto
	}
	return &s
}

var mappingRules = []mappingRule{
	// Ordered: "not received" variants first, they contain "received".
	{fragments: []string{"not received", "has not been received", "not yet processed"}, resolve: none},
	{fragments: []string{"received", "being processed"}, resolve: fixed(status.RefundVerificacionEnProgreso)},
	{fragments: []string{"reviewed"}, resolve: fixed(status.RefundVerificacionEnProgreso)},
	// Redeemed means the client already has the money, whatever the method.
	{fragments: []string{"redeemed", "direct deposit of your refund", "refund check was cashed"}, resolve: fixed(status.RefundTaxesCompletados)},
	{fragments: []string{"issued", "approved and sent"}, resolve: byPaymentMethod},
}

// MapRawStatus maps the portal's free text onto the canonical refund
// vocabulary. A nil result means "no update", which is not an error.
func MapRawStatus(raw string, user *database.User) *status.RefundStatus {
	text := strings.ToLower(raw)
	for _, rule := range mappingRules {
		for _, fragment := range rule.fragments {
			if strings.Contains(text, fragment) {
				return rule.resolve(user)
			}
		}
	}
	return nil
}
