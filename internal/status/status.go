package status

// Dimension identifies which of the three status tracks a value belongs to.
type Dimension string

const (
	DimensionCase    Dimension = "case"
	DimensionFederal Dimension = "federal"
	DimensionState   Dimension = "state"
)

// CaseStatus is the internal workflow status of a tax case.
type CaseStatus string

const (
	CaseAwaitingForm       CaseStatus = "awaiting_form"
	CaseAwaitingDocs       CaseStatus = "awaiting_docs"
	CaseDocumentosEnviados CaseStatus = "documentos_enviados"
	CasePreparing          CaseStatus = "preparing"
	CaseTaxesFiled         CaseStatus = "taxes_filed"
	CaseIssues             CaseStatus = "case_issues"
)

// RefundStatus is the per-branch (federal or state) refund status. The same
// vocabulary is shared by both branches.
type RefundStatus string

const (
	RefundTaxesEnProceso         RefundStatus = "taxes_en_proceso"
	RefundEnVerificacion         RefundStatus = "en_verificacion"
	RefundVerificacionEnProgreso RefundStatus = "verificacion_en_progreso"
	RefundVerificacionRechazada  RefundStatus = "verificacion_rechazada"
	RefundProblemas              RefundStatus = "problemas"
	RefundDepositoDirecto        RefundStatus = "deposito_directo"
	RefundChequeEnCamino         RefundStatus = "cheque_en_camino"
	RefundComisionPendiente      RefundStatus = "comision_pendiente"
	RefundTaxesCompletados       RefundStatus = "taxes_completados"
)

// AllCaseStatuses lists every valid workflow status.
func AllCaseStatuses() []CaseStatus {
	return []CaseStatus{
		CaseAwaitingForm,
		CaseAwaitingDocs,
		CaseDocumentosEnviados,
		CasePreparing,
		CaseTaxesFiled,
		CaseIssues,
	}
}

// AllRefundStatuses lists every valid refund status.
func AllRefundStatuses() []RefundStatus {
	return []RefundStatus{
		RefundTaxesEnProceso,
		RefundEnVerificacion,
		RefundVerificacionEnProgreso,
		RefundVerificacionRechazada,
		RefundProblemas,
		RefundDepositoDirecto,
		RefundChequeEnCamino,
		RefundComisionPendiente,
		RefundTaxesCompletados,
	}
}

// ValidCaseStatus reports whether s belongs to the workflow vocabulary.
func ValidCaseStatus(s CaseStatus) bool {
	for _, v := range AllCaseStatuses() {
		if v == s {
			return true
		}
	}
	return false
}

// ValidRefundStatus reports whether s belongs to the refund vocabulary.
func ValidRefundStatus(s RefundStatus) bool {
	for _, v := range AllRefundStatuses() {
		if v == s {
			return true
		}
	}
	return false
}

// IsPositiveProgress reports whether a refund status indicates the refund is on
// its way or done. Landing on one of these auto-resolves an open problem flag.
func IsPositiveProgress(s RefundStatus) bool {
	switch s {
	case RefundDepositoDirecto, RefundChequeEnCamino, RefundComisionPendiente, RefundTaxesCompletados:
		return true
	}
	return false
}

// IsDepositStatus reports whether a refund status means a payment is in flight.
func IsDepositStatus(s RefundStatus) bool {
	return s == RefundDepositoDirecto || s == RefundChequeEnCamino
}

// EarlyCaseStage reports whether the case has not yet reached document review.
// Used by automation to decide if a milestone may still advance the workflow.
func EarlyCaseStage(s CaseStatus) bool {
	return s == CaseAwaitingForm || s == CaseAwaitingDocs
}
