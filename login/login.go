// Package login drives the email/password sign-in and the verification code
// step on the target site.
package login

import (
	"context"
	"log/slog"
	"time"

	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/models"
	"github.com/use-agent/chatrelay/timing"
)

// Outcome is where the login flow left the session.
type Outcome int

const (
	// OutcomeReady means the chat input is available.
	OutcomeReady Outcome = iota
	// OutcomeVerify means the site asked for an emailed code.
	OutcomeVerify
	// OutcomeReopen means the session is unusable and must be discarded.
	OutcomeReopen
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeVerify:
		return "verify"
	case OutcomeReopen:
		return "reopen"
	}
	return "unknown"
}

// Result of a Login call. Cookies are captured whenever the flow routes to
// verification so the code step can restore them on a fresh tab.
type Result struct {
	Outcome Outcome
	Cookies []driver.Cookie
}

// Options configures a Flow.
type Options struct {
	LoginURL    string
	BaseURL     string
	FallbackURL string

	PollInterval     time.Duration
	EmailTimeout     time.Duration
	PasswordTimeout  time.Duration
	VerifyTimeout    time.Duration
	ChatReadyTimeout time.Duration
	CodeTimeout      time.Duration

	Short      timing.Range
	PageSettle timing.Range
}

// Flow runs the sign-in steps against a driver.
type Flow struct {
	d      driver.Driver
	loc    *locator.Set
	opts   Options
	logger *slog.Logger
}

// New returns a Flow.
func New(d driver.Driver, loc *locator.Set, opts Options, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Flow{d: d, loc: loc, opts: opts, logger: logger.With("component", "login")}
}

// reopen builds the Reopen result for a missing element, with a capture of
// the page as it was.
func (f *Flow) reopen(ctx context.Context, msg, shot string, err error) (Result, error) {
	if ctx.Err() != nil {
		return Result{Outcome: OutcomeReopen}, ctx.Err()
	}
	path, _ := f.d.Screenshot(context.WithoutCancel(ctx), shot)
	f.logger.Warn("login step failed", "step", msg, "error", err)
	return Result{Outcome: OutcomeReopen},
		models.NewRunError(models.KindLoginElementMissing, msg, err).WithScreenshot(path)
}

func (f *Flow) short(ctx context.Context) {
	_ = timing.SleepRange(ctx, f.opts.Short)
}

// Login signs acct in. A non-nil error always comes with OutcomeReopen.
func (f *Flow) Login(ctx context.Context, acct models.Account) (Result, error) {
	f.logger.Info("opening login page", "url", f.opts.LoginURL)
	if err := f.d.Open(ctx, f.opts.LoginURL); err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeReopen}, ctx.Err()
		}
		return Result{Outcome: OutcomeReopen},
			models.NewRunError(models.KindUnexpectedException, "login page did not load", err)
	}
	if err := timing.SleepRange(ctx, f.opts.PageSettle); err != nil {
		return Result{Outcome: OutcomeReopen}, err
	}

	if _, ok := driver.FirstVisible(ctx, f.d, f.loc.LoginButton); ok {
		if q, err := driver.ClickFirst(ctx, f.d, f.loc.LoginButton); err == nil {
			f.logger.Debug("clicked login button", "selector", q.String())
			f.short(ctx)
		}
	}

	// ── Email step ───────────────────────────────────────────────────
	emailQ, err := driver.WaitAnyVisible(ctx, f.d, f.loc.EmailInput, f.opts.PollInterval, f.opts.EmailTimeout)
	if err != nil {
		return f.reopen(ctx, "email input not found", "email_input_missing", err)
	}
	_ = f.d.Click(ctx, emailQ)
	f.short(ctx)
	if err := f.d.Type(ctx, emailQ, acct.Email); err != nil {
		return f.reopen(ctx, "could not type email", "email_type_failed", err)
	}
	f.short(ctx)
	if _, err := driver.ClickFirst(ctx, f.d, f.loc.EmailContinue); err != nil {
		return f.reopen(ctx, "email continue button not found", "email_continue_missing", err)
	}
	if err := timing.SleepRange(ctx, f.opts.PageSettle); err != nil {
		return Result{Outcome: OutcomeReopen}, err
	}

	if f.verificationVisible(ctx) {
		return f.toVerification(ctx, "after email")
	}

	// ── Password step ────────────────────────────────────────────────
	pwQ, err := driver.WaitAnyVisible(ctx, f.d, f.loc.PasswordInput, f.opts.PollInterval, f.opts.PasswordTimeout)
	if err != nil {
		return f.reopen(ctx, "password input not found", "password_input_missing", err)
	}
	_ = f.d.Click(ctx, pwQ)
	f.short(ctx)
	if err := f.d.Type(ctx, pwQ, acct.Password); err != nil {
		return f.reopen(ctx, "could not type password", "password_type_failed", err)
	}
	f.short(ctx)
	if _, err := driver.ClickFirst(ctx, f.d, f.loc.PasswordContinue); err != nil {
		return f.reopen(ctx, "password continue button not found", "password_continue_missing", err)
	}
	if err := timing.SleepRange(ctx, f.opts.PageSettle); err != nil {
		return Result{Outcome: OutcomeReopen}, err
	}

	if f.verificationVisible(ctx) {
		return f.toVerification(ctx, "after password")
	}

	// ── Readiness: current page, then base URL, then fallback ────────
	if f.chatReady(ctx, f.opts.VerifyTimeout) {
		return Result{Outcome: OutcomeReady}, nil
	}
	for _, u := range []string{f.opts.BaseURL, f.opts.FallbackURL} {
		if u == "" {
			continue
		}
		f.logger.Info("chat input not visible, reloading", "url", u)
		if err := f.d.Open(ctx, u); err != nil {
			f.logger.Debug("reload failed", "url", u, "error", err)
		}
		if err := timing.SleepRange(ctx, f.opts.PageSettle); err != nil {
			return Result{Outcome: OutcomeReopen}, err
		}
		if f.chatReady(ctx, f.opts.ChatReadyTimeout) {
			return Result{Outcome: OutcomeReady}, nil
		}
	}
	return f.reopen(ctx, "chat input not available after login", "login_no_chat_input", nil)
}

func (f *Flow) toVerification(ctx context.Context, step string) (Result, error) {
	f.logger.Info("verification requested", "step", step)
	_, _ = f.d.Screenshot(ctx, "verification_code_page")
	cookies, err := f.d.Cookies(ctx)
	if err != nil {
		f.logger.Warn("could not capture cookies for verification", "error", err)
	}
	return Result{Outcome: OutcomeVerify, Cookies: cookies}, nil
}

func (f *Flow) verificationVisible(ctx context.Context) bool {
	_, err := driver.WaitAnyVisible(ctx, f.d, f.loc.VerificationIndicator, f.opts.PollInterval, f.opts.VerifyTimeout)
	return err == nil
}

func (f *Flow) chatReady(ctx context.Context, timeout time.Duration) bool {
	_, err := driver.WaitAnyVisible(ctx, f.d, f.loc.ChatInput, f.opts.PollInterval, timeout)
	return err == nil
}

// SubmitCode enters a verification code on the current page and waits for
// the chat input.
func (f *Flow) SubmitCode(ctx context.Context, code string) error {
	codeQ, err := driver.WaitAnyVisible(ctx, f.d, f.loc.CodeInput, f.opts.PollInterval, f.opts.CodeTimeout)
	if err != nil {
		_, err = f.reopen(ctx, "verification code input not found", "code_input_missing", err)
		return err
	}
	_ = f.d.Click(ctx, codeQ)
	if err := f.d.Type(ctx, codeQ, code); err != nil {
		_, err = f.reopen(ctx, "could not type verification code", "code_type_failed", err)
		return err
	}
	f.short(ctx)

	if _, err := driver.ClickFirst(ctx, f.d, f.loc.CodeContinue); err != nil {
		f.logger.Debug("no continue button for code, pressing Enter", "error", err)
		if err := f.d.PressKey(ctx, codeQ, driver.KeyEnter); err != nil {
			_, err = f.reopen(ctx, "could not submit verification code", "code_submit_failed", err)
			return err
		}
	}

	if !f.chatReady(ctx, f.opts.CodeTimeout) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		shot, _ := f.d.Screenshot(context.WithoutCancel(ctx), "verification_no_chat_input")
		return models.NewRunError(models.KindLoginElementMissing,
			"chat input not available after verification", nil).WithScreenshot(shot)
	}
	f.logger.Info("verification complete")
	return nil
}
