package status

import "fmt"

// The transition graphs below power the "suggested next status" UI and the
// structured rejection payload. Enforcement is currently switched off:
// IsValidTransition accepts everything, and callers that want to tighten the
// gate later pass forceTransition + overrideReason so the audit trail is
// already in place.

var caseTransitions = map[CaseStatus][]CaseStatus{
	CaseAwaitingForm:       {CaseAwaitingDocs, CaseIssues},
	CaseAwaitingDocs:       {CaseDocumentosEnviados, CasePreparing, CaseIssues},
	CaseDocumentosEnviados: {CasePreparing, CaseAwaitingDocs, CaseIssues},
	CasePreparing:          {CaseTaxesFiled, CaseAwaitingDocs, CaseIssues},
	CaseTaxesFiled:         {CaseIssues},
	CaseIssues:             {CaseAwaitingForm, CaseAwaitingDocs, CasePreparing, CaseTaxesFiled},
}

var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundTaxesEnProceso:         {RefundEnVerificacion, RefundProblemas},
	RefundEnVerificacion:         {RefundVerificacionEnProgreso, RefundVerificacionRechazada, RefundProblemas},
	RefundVerificacionEnProgreso: {RefundVerificacionRechazada, RefundDepositoDirecto, RefundChequeEnCamino, RefundProblemas},
	RefundVerificacionRechazada:  {RefundEnVerificacion, RefundProblemas},
	RefundProblemas:              {RefundTaxesEnProceso, RefundEnVerificacion, RefundVerificacionEnProgreso},
	RefundDepositoDirecto:        {RefundComisionPendiente, RefundTaxesCompletados, RefundProblemas},
	RefundChequeEnCamino:         {RefundComisionPendiente, RefundTaxesCompletados, RefundProblemas},
	RefundComisionPendiente:      {RefundTaxesCompletados},
	RefundTaxesCompletados:       {},
}

// AllowedNextCase returns the statuses a case may move to from current. The
// current status is always included; a status missing from the graph may only
// stay where it is.
func AllowedNextCase(current CaseStatus) []CaseStatus {
	next, ok := caseTransitions[current]
	if !ok {
		return []CaseStatus{current}
	}
	return append([]CaseStatus{current}, next...)
}

// AllowedNextRefund returns the refund statuses a branch may move to from
// current, with the same self-inclusion rule as AllowedNextCase.
func AllowedNextRefund(current RefundStatus) []RefundStatus {
	next, ok := refundTransitions[current]
	if !ok {
		return []RefundStatus{current}
	}
	return append([]RefundStatus{current}, next...)
}

// IsValidTransition reports whether a transition is permitted. Every
// transition is currently permitted; the graphs stay advisory until the gate
// is reinstated.
func IsValidTransition(dimension Dimension, current, attempted string) bool {
	return true
}

// InvalidTransitionError is the structured rejection returned when a status
// change is refused.
type InvalidTransitionError struct {
	Dimension          Dimension `json:"dimension"`
	Current            string    `json:"current"`
	Attempted          string    `json:"attempted"`
	AllowedTransitions []string  `json:"allowed_transitions"`
	Message            string    `json:"message"`
}

func (e *InvalidTransitionError) Error() string {
	return e.Message
}

// NewInvalidTransition builds the rejection payload for a refused change,
// including the full allowed-next list for the caller's UI.
func NewInvalidTransition(dimension Dimension, current, attempted string) *InvalidTransitionError {
	var allowed []string
	switch dimension {
	case DimensionCase:
		for _, s := range AllowedNextCase(CaseStatus(current)) {
			allowed = append(allowed, string(s))
		}
	case DimensionFederal, DimensionState:
		for _, s := range AllowedNextRefund(RefundStatus(current)) {
			allowed = append(allowed, string(s))
		}
	}

	return &InvalidTransitionError{
		Dimension:          dimension,
		Current:            current,
		Attempted:          attempted,
		AllowedTransitions: allowed,
		Message: fmt.Sprintf("invalid %s status transition from %q to %q",
			dimension, current, attempted),
	}
}
