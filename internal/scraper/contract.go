package scraper

import "context"

// Check outcomes.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// CheckRequest is the input the portal lookup needs for one client.
type CheckRequest struct {
	SSN                  string  `json:"ssn"`
	ExpectedRefundAmount float64 `json:"expected_refund_amount"`
	CaseID               string  `json:"case_id"`
	ClientName           string  `json:"client_name"`
}

// CheckResponse is what a portal lookup produces. RawStatus carries the
// portal's free-text status verbatim; callers map it to the canonical
// vocabulary themselves.
type CheckResponse struct {
	Result         string            `json:"result"`
	RawStatus      string            `json:"raw_status"`
	Details        map[string]string `json:"details,omitempty"`
	ScreenshotPath string            `json:"screenshot_path,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
}

// PortalChecker looks up a client's refund status on the state portal. The
// rod-backed Scraper is the production implementation; tests substitute fakes.
type PortalChecker interface {
	CheckRefundStatus(ctx context.Context, req CheckRequest) *CheckResponse
}

// CheckFunc adapts a plain function to the PortalChecker interface.
type CheckFunc func(ctx context.Context, req CheckRequest) *CheckResponse

func (f CheckFunc) CheckRefundStatus(ctx context.Context, req CheckRequest) *CheckResponse {
	return f(ctx, req)
}
