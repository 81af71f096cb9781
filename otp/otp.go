// Package otp reads a one-time verification code from a web mailbox in a
// separate tab and hands the browser back to the verification page.
package otp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/use-agent/chatrelay/challenge"
	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/extract"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/models"
	"github.com/use-agent/chatrelay/timing"
)

// Handoff carries the target-site session captured when login routed to
// verification. It is restored onto the fresh verification tab.
type Handoff struct {
	Cookies []driver.Cookie
}

// Options configures a Bridge.
type Options struct {
	LoginURL        string
	DashboardURL    string
	Email           string
	Password        string
	ServiceName     string
	VerificationURL string

	PollInterval     time.Duration
	Timeout          time.Duration
	ElementTimeout   time.Duration
	ChallengeTimeout time.Duration
	Pause            timing.Range
}

// Bridge fetches codes from the mailbox service.
type Bridge struct {
	d       driver.Driver
	loc     *locator.Set
	ch      *challenge.Handler
	opts    Options
	logger  *slog.Logger
	pattern *regexp.Regexp
}

// New returns a Bridge. The code pattern is built from opts.ServiceName.
func New(d driver.Driver, loc *locator.Set, ch *challenge.Handler, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = 20 * time.Second
	}
	return &Bridge{
		d:       d,
		loc:     loc,
		ch:      ch,
		opts:    opts,
		logger:  logger.With("component", "otp"),
		pattern: CodePattern(opts.ServiceName),
	}
}

// CodePattern matches "<service> code is NNNNNN" case-insensitively. A longer
// digit run does not match.
func CodePattern(service string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(service) + `\s+code\s+is\s+(\d{6})\b`)
}

// FindCode returns the first six-digit code in text.
func (b *Bridge) FindCode(text string) (string, bool) {
	m := b.pattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func fetchErr(msg string, err error) *models.RunError {
	return models.NewRunError(models.KindOtpFetchFailed, msg, err)
}

// FetchCode logs into the mailbox in a new tab, searches for targetEmail,
// and polls the inbox for the code.
//
// Whatever the outcome, before it returns the mailbox tab is closed and a
// new tab carrying the handed-off cookies is left active on the
// verification page.
func (b *Bridge) FetchCode(ctx context.Context, targetEmail string, h Handoff) (code string, err error) {
	var tab driver.TabID
	defer func() { b.restore(ctx, tab, h) }()

	tab, err = b.d.NewTab(ctx, b.opts.LoginURL)
	if err != nil {
		return "", fetchErr("could not open mailbox", err)
	}
	b.pause(ctx)

	if err := b.fill(ctx, b.loc.RelayEmailInput, b.opts.Email, "mailbox email input"); err != nil {
		return "", err
	}
	if err := b.fill(ctx, b.loc.RelayPasswordInput, b.opts.Password, "mailbox password input"); err != nil {
		return "", err
	}

	if b.ch != nil {
		if res := b.ch.Resolve(ctx, b.opts.ChallengeTimeout); !res.Resolved {
			return "", models.NewRunError(models.KindChallengeUnresolved,
				"mailbox challenge not resolved", nil).WithScreenshot(res.Screenshot)
		}
	}

	for _, q := range b.loc.RelayDisabledInput {
		if err := b.d.WaitAbsent(ctx, q, b.opts.ElementTimeout); err != nil {
			b.logger.Debug("submit still disabled", "selector", q.String(), "error", err)
		}
	}
	if _, err := driver.ClickFirst(ctx, b.d, b.loc.RelaySubmit); err != nil {
		return "", fetchErr("mailbox submit button not found", err)
	}
	b.pause(ctx)

	if u, _ := b.d.CurrentURL(ctx); !strings.Contains(u, "/dashboard") {
		if err := b.d.Open(ctx, b.opts.DashboardURL); err != nil {
			return "", fetchErr("could not open mailbox dashboard", err)
		}
		b.pause(ctx)
	}

	if err := b.fill(ctx, b.loc.RelaySearchInput, targetEmail, "mailbox search field"); err != nil {
		return "", err
	}

	b.logger.Info("polling inbox for code", "email", targetEmail, "timeout", b.opts.Timeout)
	err = timing.Poll(ctx, b.opts.PollInterval, b.opts.Timeout, func(ctx context.Context) (bool, error) {
		doc, err := b.d.PageHTML(ctx)
		if err != nil {
			return false, nil
		}
		c, ok := b.FindCode(extract.VisibleText(doc))
		if ok {
			code = c
		}
		return ok, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		shot, _ := b.d.Screenshot(context.WithoutCancel(ctx), "otp_not_found")
		return "", fetchErr(fmt.Sprintf("no code within %s", b.opts.Timeout), err).WithScreenshot(shot)
	}
	b.logger.Info("code received")
	return code, nil
}

func (b *Bridge) fill(ctx context.Context, loc locator.Locator, text, what string) error {
	q, err := driver.WaitAnyVisible(ctx, b.d, loc, 250*time.Millisecond, b.opts.ElementTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fetchErr(what+" not found", err)
	}
	if err := b.d.Type(ctx, q, text); err != nil {
		return fetchErr("could not type into "+what, err)
	}
	b.pause(ctx)
	return nil
}

func (b *Bridge) pause(ctx context.Context) {
	_ = timing.SleepRange(ctx, b.opts.Pause)
}

// restore closes the mailbox tab and leaves a fresh tab with the handed-off
// cookies active on the verification page. It runs even when ctx is done.
func (b *Bridge) restore(ctx context.Context, tab driver.TabID, h Handoff) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if tab != "" {
		if err := b.d.CloseTab(cctx, tab); err != nil {
			b.logger.Warn("close mailbox tab", "error", err)
		}
	}
	id, err := b.d.NewTab(cctx, "")
	if err != nil {
		b.logger.Warn("open verification tab", "error", err)
		return
	}
	if len(h.Cookies) > 0 {
		if err := b.d.SetCookies(cctx, h.Cookies); err != nil {
			b.logger.Warn("restore cookies", "error", err)
		}
	}
	if err := b.d.Open(cctx, b.opts.VerificationURL); err != nil {
		b.logger.Warn("open verification page", "error", err)
	}
	if err := b.d.ActivateTab(cctx, id); err != nil {
		b.logger.Warn("activate verification tab", "error", err)
	}
}
