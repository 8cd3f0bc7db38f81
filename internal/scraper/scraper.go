package scraper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/refundtrack/tax-engine/internal/config"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

// Scraper drives a headless browser against the state refund-status portal.
type Scraper struct {
	cfg     *config.Config
	Browser *rod.Browser // Made public for testing
	mu      sync.Mutex
	logger  *logger.Logger
}

// NewScraper launches the browser and returns a ready portal client.
func NewScraper(cfg *config.Config, logger *logger.Logger) (*Scraper, error) {
	l := launcher.New().
		Headless(cfg.HeadlessMode).
		Set("user-agent", cfg.UserAgent).
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")

	if cfg.BrowserPath != "" {
		l = l.Bin(cfg.BrowserPath)
	}

	if cfg.LogLevel == "debug" {
		l = l.Devtools(true)
	}

	browserURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(browserURL).MustConnect()

	return &Scraper{
		cfg:     cfg,
		Browser: browser,
		logger:  logger,
	}, nil
}

// Close shuts the browser down.
func (s *Scraper) Close() error {
	return s.Browser.Close()
}

// CheckRefundStatus fills the portal's lookup form with the client's SSN and
// expected refund amount and extracts the free-text status. Failures are
// reported in the response, never panicked or returned as errors, so a sweep
// over many clients can keep going.
func (s *Scraper) CheckRefundStatus(ctx context.Context, req CheckRequest) (resp *CheckResponse) {
	// One lookup at a time: the portal throttles parallel sessions from one
	// browser aggressively.
	s.mu.Lock()
	defer s.mu.Unlock()

	resp = &CheckResponse{Result: ResultError}

	// rod's Must* actions panic on a mid-action failure (detached element,
	// closed page). Convert that into an error response; a sweep must survive
	// one bad page.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Portal check panicked", "case_id", req.CaseID, "panic", r)
			resp = &CheckResponse{
				Result:       ResultError,
				ErrorMessage: fmt.Sprintf("browser action failed: %v", r),
			}
		}
	}()

	page, err := s.newPage()
	if err != nil {
		resp.ErrorMessage = fmt.Sprintf("failed to open page: %v", err)
		return resp
	}
	defer page.MustClose()

	searchCtx, cancel := context.WithTimeout(ctx, s.cfg.ScraperTimeout)
	defer cancel()

	s.logger.Info("Navigating to refund portal", "url", s.cfg.PortalBaseURL, "case_id", req.CaseID)

	if err := page.Context(searchCtx).Navigate(s.cfg.PortalBaseURL); err != nil {
		return s.fail(resp, page, req, "navigation failed", err)
	}

	if err := page.Context(searchCtx).WaitLoad(); err != nil {
		return s.fail(resp, page, req, "page load failed", err)
	}

	if err := s.fillLookupForm(searchCtx, page, req); err != nil {
		return s.fail(resp, page, req, "form fill failed", err)
	}

	rawStatus, err := s.extractStatus(searchCtx, page)
	if err != nil {
		return s.fail(resp, page, req, "status extraction failed", err)
	}

	resp.Result = ResultSuccess
	resp.RawStatus = rawStatus
	resp.ScreenshotPath = s.screenshot(page, req.CaseID)
	s.logger.Info("Portal check completed", "case_id", req.CaseID, "raw_status", rawStatus)
	return resp
}

func (s *Scraper) newPage() (*rod.Page, error) {
	page, err := s.Browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	page.MustSetViewport(1920, 1080, 1, false)
	page.MustSetExtraHeaders("Accept-Language", "en-US,en;q=0.9")
	return page, nil
}

func (s *Scraper) fillLookupForm(ctx context.Context, page *rod.Page, req CheckRequest) error {
	ssnInput, err := page.Context(ctx).Element("#ssn, input[name='ssn']")
	if err != nil {
		return fmt.Errorf("SSN input not found: %w", err)
	}
	ssnInput.MustInput(req.SSN)

	amountInput, err := page.Context(ctx).Element("#refund_amount, input[name='refund_amount']")
	if err != nil {
		return fmt.Errorf("refund amount input not found: %w", err)
	}
	amountInput.MustInput(fmt.Sprintf("%.0f", req.ExpectedRefundAmount))

	submitBtn, err := page.Context(ctx).Element("#submit, button[type='submit']")
	if err != nil {
		return fmt.Errorf("submit button not found: %w", err)
	}

	// The waiter must be armed before the click or the navigation it waits
	// for may already be over.
	wait := page.Context(ctx).MustWaitNavigation()
	submitBtn.MustClick()
	wait()
	return nil
}

func (s *Scraper) extractStatus(ctx context.Context, page *rod.Page) (string, error) {
	statusSelectors := []string{
		"div.refund-status",
		"div#status_message",
		"div.alert",
		"p.status",
	}

	for _, selector := range statusSelectors {
		elem, err := page.Context(ctx).Element(selector)
		if err == nil && elem != nil {
			text, _ := elem.Text()
			if text = strings.TrimSpace(text); text != "" {
				return text, nil
			}
		}
	}

	// Fall back to scanning the body for a recognizable status sentence.
	body, err := page.Context(ctx).Element("body")
	if err != nil {
		return "", fmt.Errorf("no status element found: %w", err)
	}
	text, _ := body.Text()
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if strings.Contains(lower, "return") || strings.Contains(lower, "refund") {
			return line, nil
		}
	}

	return "", errors.New("no status text found on results page")
}

// screenshot captures the results page for the approval UI; a failure here
// only costs the screenshot.
func (s *Scraper) screenshot(page *rod.Page, caseID string) string {
	if err := os.MkdirAll(s.cfg.ScreenshotDir, 0755); err != nil {
		s.logger.Warn("Failed to create screenshot directory", "error", err)
		return ""
	}

	path := filepath.Join(s.cfg.ScreenshotDir,
		fmt.Sprintf("check_%s_%d.png", caseID, time.Now().Unix()))
	data, err := page.Screenshot(false, nil)
	if err != nil {
		s.logger.Warn("Failed to capture screenshot", "case_id", caseID, "error", err)
		return ""
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		s.logger.Warn("Failed to save screenshot", "path", path, "error", err)
		return ""
	}
	return path
}

func (s *Scraper) fail(resp *CheckResponse, page *rod.Page, req CheckRequest, msg string, err error) *CheckResponse {
	s.logger.Error("Portal check failed", "case_id", req.CaseID, "reason", msg, "error", err)
	resp.ErrorMessage = fmt.Sprintf("%s: %v", msg, err)
	if errors.Is(err, context.DeadlineExceeded) {
		resp.Result = ResultTimeout
	}
	resp.ScreenshotPath = s.screenshot(page, req.CaseID)
	return resp
}
