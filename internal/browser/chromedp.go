// Package browser contains BrowserSession implementations that submit job
// applications through a real browser.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/mpetrov/autoapply/internal/apply"
)

// FormSelectors maps a board's application form to CSS selectors. Empty
// optional selectors (Phone, Resume) are skipped during fill.
type FormSelectors struct {
	Form         string
	Name         string
	Email        string
	Phone        string
	Resume       string
	Submit       string
	Confirmation string
}

// DefaultSelectors covers the common single-page application form shape.
func DefaultSelectors() FormSelectors {
	return FormSelectors{
		Form:         "form.application-form",
		Name:         `input[name="name"]`,
		Email:        `input[name="email"]`,
		Phone:        `input[name="phone"]`,
		Resume:       `input[name="resume_url"]`,
		Submit:       `button[type="submit"]`,
		Confirmation: ".application-confirmation",
	}
}

// Config controls the behavior of the chromedp session.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Selectors         FormSelectors
}

// Session implements apply.BrowserSession using chromedp and headless Chrome.
// One Session is shared by all workers; MaxParallel bounds concurrent tabs.
type Session struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	launched    atomic.Bool
}

// NewChromedp creates a chromedp-backed browser session.
func NewChromedp(cfg Config) (*Session, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Selectors == (FormSelectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Session{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and tears down the browser.
func (s *Session) Close() {
	s.allocCancel()
}

// ApplyTo navigates to the job posting, fills the application form with the
// profile, submits, and captures the confirmation DOM as the receipt. A job
// page without an application form is reported as skipped, not failed.
func (s *Session) ApplyTo(ctx context.Context, job apply.Job, profile apply.Profile) (apply.ApplyResult, error) {
	if err := s.acquire(ctx); err != nil {
		return apply.ApplyResult{}, err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.navTimeout())
	defer cancel()

	if err := chromedp.Run(taskCtx,
		s.networkSetupAction(),
		chromedp.Navigate(job.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return apply.ApplyResult{}, s.navigateErr(job.URL, err)
	}
	s.launched.Store(true)

	hasForm, err := s.formPresent(taskCtx)
	if err != nil {
		return apply.ApplyResult{}, fmt.Errorf("probe application form: %w", err)
	}
	if !hasForm {
		return apply.ApplyResult{
			Outcome: apply.OutcomeSkipped,
			Reason:  "no application form on page",
		}, nil
	}

	if err := chromedp.Run(taskCtx, s.fillActions(profile)...); err != nil {
		return apply.ApplyResult{}, fmt.Errorf("fill application form: %w", err)
	}

	var confirmation string
	if err := chromedp.Run(taskCtx,
		chromedp.Click(s.cfg.Selectors.Submit, chromedp.ByQuery),
		chromedp.WaitVisible(s.cfg.Selectors.Confirmation, chromedp.ByQuery),
		chromedp.OuterHTML("html", &confirmation, chromedp.ByQuery),
	); err != nil {
		return apply.ApplyResult{}, fmt.Errorf("submit application: %w", err)
	}

	return apply.ApplyResult{
		Outcome:     apply.OutcomeApplied,
		Receipt:     []byte(confirmation),
		ContentType: "text/html; charset=utf-8",
	}, nil
}

// navigateErr classifies a navigation failure. A browser that never came up
// is unusable for the whole session; a timeout or cancellation, even on the
// first job, is an ordinary per-job failure the worker retries and counts
// toward its ceilings.
func (s *Session) navigateErr(url string, err error) error {
	if !s.launched.Load() &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: launch browser: %v", apply.ErrFatal, err)
	}
	return fmt.Errorf("navigate %s: %w", url, err)
}

func (s *Session) fillActions(profile apply.Profile) []chromedp.Action {
	sel := s.cfg.Selectors
	actions := []chromedp.Action{
		chromedp.WaitVisible(sel.Form, chromedp.ByQuery),
		chromedp.SendKeys(sel.Name, profile.FullName, chromedp.ByQuery),
		chromedp.SendKeys(sel.Email, profile.Email, chromedp.ByQuery),
	}
	if sel.Phone != "" && profile.Phone != "" {
		actions = append(actions, optionalSendKeys(sel.Phone, profile.Phone))
	}
	if sel.Resume != "" && profile.ResumeURI != "" {
		actions = append(actions, optionalSendKeys(sel.Resume, profile.ResumeURI))
	}
	return actions
}

// optionalSendKeys fills a field only when the page has it.
func optionalSendKeys(selector, value string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var present bool
		if err := chromedp.Evaluate(presenceExpr(selector), &present).Do(ctx); err != nil {
			return err
		}
		if !present {
			return nil
		}
		return chromedp.SendKeys(selector, value, chromedp.ByQuery).Do(ctx)
	})
}

func (s *Session) formPresent(ctx context.Context) (bool, error) {
	var present bool
	err := chromedp.Run(ctx, chromedp.Evaluate(presenceExpr(s.cfg.Selectors.Form), &present))
	return present, err
}

func presenceExpr(selector string) string {
	return fmt.Sprintf("document.querySelector(%q) !== null", selector)
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *Session) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (s *Session) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

func (s *Session) navTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return 45 * time.Second
}
