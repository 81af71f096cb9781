// Package challenge detects an anti-bot widget on the current page and makes
// a best-effort attempt to get past it.
package challenge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/extract"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/timing"
)

// Result is the outcome of one Resolve call.
type Result struct {
	// Detected is true when a challenge was on the page.
	Detected bool

	// Resolved is true when no challenge was found or it cleared in time.
	Resolved bool

	// Screenshot is the capture taken when the challenge did not clear.
	Screenshot string
}

// Handler runs the challenge routine against a driver.
type Handler struct {
	d        driver.Driver
	loc      *locator.Set
	logger   *slog.Logger
	interval time.Duration
}

// New returns a Handler. interval is the cadence of the success check.
func New(d driver.Driver, loc *locator.Set, interval time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Handler{d: d, loc: loc, logger: logger, interval: interval}
}

// Detect reports whether a challenge indicator is on the page.
func (h *Handler) Detect(ctx context.Context) bool {
	_, ok := driver.FirstPresent(ctx, h.d, h.loc.ChallengeIndicator)
	return ok
}

// Resolve checks for a challenge and, if one is present, tries the
// automated solve, then a pointer click on the widget container, then waits
// up to timeout for success text or for the widget to go away.
func (h *Handler) Resolve(ctx context.Context, timeout time.Duration) Result {
	if !h.Detect(ctx) {
		return Result{Resolved: true}
	}
	h.logger.Info("challenge detected")

	if err := h.d.SolveChallenge(ctx); err != nil {
		h.logger.Debug("automated challenge attempt failed", "error", err)
	}

	if h.Detect(ctx) {
		for _, q := range h.loc.ChallengeParent {
			ok, err := h.d.IsVisible(ctx, q)
			if err != nil || !ok {
				continue
			}
			if err := h.d.PointerClick(ctx, q); err != nil {
				h.logger.Debug("pointer click on challenge failed", "selector", q.String(), "error", err)
				continue
			}
			break
		}
	}

	err := timing.Poll(ctx, h.interval, timeout, func(ctx context.Context) (bool, error) {
		return h.cleared(ctx), nil
	})
	if err == nil {
		h.logger.Info("challenge cleared")
		return Result{Detected: true, Resolved: true}
	}

	shot, _ := h.d.Screenshot(context.WithoutCancel(ctx), "challenge_unresolved")
	h.logger.Warn("challenge not cleared", "timeout", timeout, "error", err)
	return Result{Detected: true, Resolved: false, Screenshot: shot}
}

func (h *Handler) cleared(ctx context.Context) bool {
	if !h.Detect(ctx) {
		return true
	}
	doc, err := h.d.PageHTML(ctx)
	if err != nil {
		return false
	}
	text := extract.VisibleText(doc)
	for _, s := range h.loc.ChallengeSuccessText {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}
