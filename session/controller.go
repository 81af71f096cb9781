// Package session runs the prompt queue through a browser session that it
// opens, signs in, verifies, and reopens when it breaks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/use-agent/chatrelay/challenge"
	"github.com/use-agent/chatrelay/config"
	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/extract"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/login"
	"github.com/use-agent/chatrelay/models"
	"github.com/use-agent/chatrelay/otp"
	"github.com/use-agent/chatrelay/prompt"
	"github.com/use-agent/chatrelay/simhash"
	"github.com/use-agent/chatrelay/timing"
)

// Controller owns the session lifecycle for one batch run. It is not safe
// for concurrent use; one Run at a time.
type Controller struct {
	cfg      *config.Config
	account  models.Account
	launcher driver.Launcher
	loc      *locator.Set
	logger   *slog.Logger
	observer Observer

	state State

	// seen names the challenge met by any attempt for the current prompt.
	seen string
}

// New returns a Controller for one account.
func New(cfg *config.Config, account models.Account, launcher driver.Launcher, loc *locator.Set, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		account:  account,
		launcher: launcher,
		loc:      loc,
		logger:   logger.With("component", "session"),
		state:    StateCold,
	}
}

// WithObserver sets the progress observer.
func (c *Controller) WithObserver(o Observer) *Controller {
	c.observer = o
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// live is an open browser session and the components bound to it.
type live struct {
	attempt   Attempt
	d         driver.Driver
	challenge *challenge.Handler
	flow      *login.Flow
	bridge    *otp.Bridge
	extractor *extract.Extractor
}

func (c *Controller) transition(attemptID string, to State) {
	from := c.state
	c.state = to
	if from != to {
		c.logger.Debug("state change", "attempt", attemptID, "from", from.String(), "to", to.String())
	}
	if c.observer != nil {
		c.observer.StateChanged(attemptID, from, to)
	}
}

// Run processes prompts in order and returns exactly one record per prompt.
// It returns an error only when ctx ends; the partial records are then
// discarded.
func (c *Controller) Run(ctx context.Context, prompts []models.Prompt) ([]models.ScrapeResult, error) {
	if c.observer != nil {
		c.observer.RunStarted(len(prompts))
	}
	c.seen = ""

	var (
		results    = make([]models.ScrapeResult, 0, len(prompts))
		sess       *live
		forceLogin bool
		retries    int
		lastErr    error
		dedupe     = simhash.NewDetector()
	)
	closeSession := func() {
		if sess != nil {
			if err := sess.d.Close(); err != nil {
				c.logger.Debug("close browser", "error", err)
			}
			sess = nil
		}
	}
	defer closeSession()

	add := func(r models.ScrapeResult) {
		results = append(results, r)
		if c.observer != nil {
			c.observer.RecordAdded(r)
		}
	}

	maxRetries := max(1, c.cfg.Run.MaxRetries)

	for i := 0; i < len(prompts); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := prompts[i]
		text := prompt.Sanitize(p.Text)
		log := c.logger.With("prompt", i, "query_index", p.QueryIndex)

		if text == "" {
			log.Warn("prompt empty after sanitizing, skipping")
			add(c.failure(p, text, models.NewRunError(models.KindEmptyPrompt, "Prompt is empty after sanitizing", nil), ""))
			i++
			retries, lastErr, c.seen = 0, nil, ""
			continue
		}

		var err error
		if sess == nil {
			sess, err = c.open(ctx, forceLogin)
		}
		var reply string
		if err == nil {
			reply, err = c.ask(ctx, sess, i, text)
		}

		switch {
		case err == nil:
			r := models.ScrapeResult{
				PromptID:            p.ID,
				Prompt:              text,
				Response:            reply,
				Screenshot:          models.StringPtr(c.capture(ctx, sess, fmt.Sprintf("prompt_%d", p.QueryIndex))),
				CaptchaType:         models.StringPtr(c.seen),
				BatchID:             c.cfg.Run.BatchNumber,
				QueryIndex:          p.QueryIndex,
				DuplicateOfPrevious: dedupe.Seen(reply),
			}
			if r.DuplicateOfPrevious {
				log.Warn("reply matches the previous reply")
			}
			log.Info("prompt answered", "chars", len([]rune(reply)))
			add(r)
			i++
			retries, lastErr, c.seen = 0, nil, ""
			if sess != nil {
				c.transition(sess.attempt.ID, StateReady)
			}

		case ctx.Err() != nil:
			return nil, ctx.Err()

		case models.KindOf(err).Terminal():
			log.Warn("prompt failed", "kind", models.KindOf(err), "error", err)
			add(c.failure(p, text, err, c.seen))
			i++
			retries, lastErr, c.seen = 0, nil, ""
			if sess != nil {
				c.transition(sess.attempt.ID, StateReady)
			}

		case models.KindOf(err).Reopens():
			id := ""
			if sess != nil {
				id = sess.attempt.ID
			}
			retries++
			lastErr = err
			log.Warn("session attempt failed, reopening",
				"kind", models.KindOf(err), "attempt", retries, "max", maxRetries, "error", err)
			c.transition(id, StateReopen)
			closeSession()
			forceLogin = true

			if retries >= maxRetries {
				c.transition(id, StateExhausted)
				add(c.exhausted(p, text, lastErr, retries, c.seen))
				i++
				retries, lastErr, c.seen = 0, nil, ""
			}
			continue

		default:
			// Not retryable: record it and start the next prompt on a fresh login.
			log.Error("prompt failed", "kind", models.KindOf(err), "error", err)
			add(c.failure(p, text, err, c.seen))
			closeSession()
			forceLogin = true
			i++
			retries, lastErr, c.seen = 0, nil, ""
			continue
		}

		if i < len(prompts) {
			if err := timing.SleepRange(ctx, c.cfg.Timing.BetweenPrompts); err != nil {
				return nil, err
			}
		}
	}

	c.transition("", StateDone)
	return results, nil
}

// capture takes a screenshot, returning "" on failure.
func (c *Controller) capture(ctx context.Context, s *live, name string) string {
	if s == nil {
		return ""
	}
	path, err := s.d.Screenshot(ctx, name)
	if err != nil {
		c.logger.Debug("screenshot failed", "name", name, "error", err)
		return ""
	}
	return path
}

func errorMessage(err error) string {
	var re *models.RunError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

func (c *Controller) failure(p models.Prompt, text string, err error, seen string) models.ScrapeResult {
	return models.ScrapeResult{
		PromptID:    p.ID,
		Prompt:      text,
		Response:    "Error: " + errorMessage(err),
		ErrorKind:   models.KindOf(err),
		Screenshot:  models.StringPtr(models.ScreenshotOf(err)),
		CaptchaType: models.StringPtr(seen),
		BatchID:     c.cfg.Run.BatchNumber,
		QueryIndex:  p.QueryIndex,
	}
}

func (c *Controller) exhausted(p models.Prompt, text string, lastErr error, attempts int, seen string) models.ScrapeResult {
	if lastErr == nil {
		lastErr = models.NewRunError(models.KindRetriesExhausted, "Max retries exceeded", nil)
	}
	r := c.failure(p, text, lastErr, seen)
	r.Response = fmt.Sprintf("Error: %s (gave up after %d session attempts)", errorMessage(lastErr), attempts)
	return r
}

// open launches a browser and brings it to Ready. On failure the browser is
// already closed.
func (c *Controller) open(ctx context.Context, forceLogin bool) (s *live, err error) {
	attempt := Attempt{ID: uuid.NewString(), ForceLogin: forceLogin}
	c.transition(attempt.ID, StateCold)
	log := c.logger.With("attempt", attempt.ID)
	log.Info("starting session", "force_login", forceLogin)

	d, err := c.launcher.Launch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewRunError(models.KindUnexpectedException, "browser launch failed", err)
	}
	s = c.bind(d, attempt)
	defer func() {
		if r := recover(); r != nil {
			err = models.NewRunError(models.KindUnexpectedException, fmt.Sprintf("panic during session setup: %v", r), nil)
		}
		if err != nil {
			_ = d.Close()
			s = nil
		}
	}()

	c.transition(attempt.ID, StateLoginCheck)
	if err := d.Open(ctx, c.cfg.Target.BaseURL); err != nil {
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		return s, models.NewRunError(models.KindUnexpectedException, "chat page did not load", err)
	}
	if err := timing.SleepRange(ctx, c.cfg.Timing.PageSettle); err != nil {
		return s, err
	}
	if err := c.resolveChallenge(ctx, s); err != nil {
		return s, err
	}

	cond := c.classify(ctx, s)
	if forceLogin {
		cond = ConditionLogin
	}
	log.Info("page checked", "condition", cond.String())

	next := NextState(cond)
	if next == StateAwaitingLogin {
		c.transition(attempt.ID, StateAwaitingLogin)
		res, err := s.flow.Login(ctx, c.account)
		if err != nil {
			return s, err
		}
		s.attempt.Cookies = res.Cookies
		if res.Outcome == login.OutcomeVerify {
			next = StateAwaitingVerification
		} else {
			next = StateReady
		}
	} else if next == StateAwaitingVerification {
		cookies, err := d.Cookies(ctx)
		if err != nil {
			log.Warn("could not capture cookies for verification", "error", err)
		}
		s.attempt.Cookies = cookies
	}

	if next == StateAwaitingVerification {
		c.transition(attempt.ID, StateAwaitingVerification)
		code, err := s.bridge.FetchCode(ctx, c.account.Email, otp.Handoff{Cookies: s.attempt.Cookies})
		if err != nil {
			return s, err
		}
		if err := s.flow.SubmitCode(ctx, code); err != nil {
			return s, err
		}
	}

	c.dismissDialogs(ctx, s)
	if _, err := driver.WaitAnyVisible(ctx, d, c.loc.ChatInput, c.cfg.Timing.PollInterval, c.cfg.Timing.ChatReadyTimeout); err != nil {
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		shot := c.capture(ctx, s, "chat_input_missing")
		return s, models.NewRunError(models.KindLoginElementMissing, "Chat input not found", err).WithScreenshot(shot)
	}

	c.transition(attempt.ID, StateReady)
	log.Info("session ready")
	return s, nil
}

func (c *Controller) bind(d driver.Driver, attempt Attempt) *live {
	t := c.cfg.Timing
	ch := challenge.New(d, c.loc, t.PollInterval, c.logger)
	return &live{
		attempt:   attempt,
		d:         d,
		challenge: ch,
		flow: login.New(d, c.loc, login.Options{
			LoginURL:         c.cfg.Target.LoginURL,
			BaseURL:          c.cfg.Target.BaseURL,
			FallbackURL:      c.cfg.Target.FallbackURL,
			PollInterval:     t.PollInterval,
			EmailTimeout:     t.EmailTimeout,
			PasswordTimeout:  t.PasswordTimeout,
			VerifyTimeout:    t.VerifyTimeout,
			ChatReadyTimeout: t.ChatReadyTimeout,
			CodeTimeout:      t.CodeTimeout,
			Short:            t.Short,
			PageSettle:       t.PageSettle,
		}, c.logger),
		bridge: otp.New(d, c.loc, ch, otp.Options{
			LoginURL:         c.cfg.Relay.LoginURL,
			DashboardURL:     c.cfg.Relay.DashboardURL,
			Email:            c.cfg.Relay.Email,
			Password:         c.cfg.Relay.Password,
			ServiceName:      c.cfg.Target.ServiceName,
			VerificationURL:  c.cfg.Target.VerificationURL,
			PollInterval:     c.cfg.Relay.PollInterval,
			Timeout:          c.cfg.Relay.Timeout,
			ElementTimeout:   t.PasswordTimeout,
			ChallengeTimeout: t.ChallengeTimeout,
			Pause:            t.Short,
		}, c.logger),
		extractor: extract.New(d, c.loc, extract.Options{
			ResponseTimeout: t.ResponseTimeout,
			Settle:          t.ReplySettle,
			Format:          extract.Format(c.cfg.Run.ReplyFormat),
		}, c.logger),
	}
}

// resolveChallenge runs the challenge handler and marks the attempt when
// one was seen.
func (c *Controller) resolveChallenge(ctx context.Context, s *live) error {
	res := s.challenge.Resolve(ctx, c.cfg.Timing.ChallengeTimeout)
	if res.Detected {
		s.attempt.ChallengeSeen = c.cfg.Target.ChallengeType
		c.seen = s.attempt.ChallengeSeen
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !res.Resolved {
		return models.NewRunError(models.KindChallengeUnresolved, "Anti-bot challenge not resolved", nil).
			WithScreenshot(res.Screenshot)
	}
	return nil
}

// classify reports what the freshly loaded page asks for.
func (c *Controller) classify(ctx context.Context, s *live) PageCondition {
	if _, ok := driver.FirstVisible(ctx, s.d, c.loc.VerificationIndicator); ok {
		return ConditionVerification
	}
	if _, ok := driver.FirstVisible(ctx, s.d, c.loc.LoginIndicator); ok {
		return ConditionLogin
	}
	return ConditionNone
}

// dismissDialogs closes close-buttons and "stay logged out" style modals.
func (c *Controller) dismissDialogs(ctx context.Context, s *live) {
	for _, loc := range []locator.Locator{c.loc.CloseDialog, c.loc.DismissModal} {
		if q, err := driver.ClickFirst(ctx, s.d, loc); err == nil {
			c.logger.Debug("dismissed dialog", "selector", q.String())
			_ = timing.SleepRange(ctx, c.cfg.Timing.Short)
		}
	}
}

// ask sends one prompt on a Ready session and extracts the reply. A panic
// inside the attempt is returned as UnexpectedException.
func (c *Controller) ask(ctx context.Context, s *live, i int, text string) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.NewRunError(models.KindUnexpectedException, fmt.Sprintf("panic while sending: %v", r), nil)
		}
		if err != nil && ctx.Err() == nil && models.ScreenshotOf(err) == "" {
			var re *models.RunError
			if errors.As(err, &re) {
				re.Screenshot = c.capture(ctx, s, fmt.Sprintf("error_prompt_%d", i))
			}
		}
	}()

	c.transition(s.attempt.ID, StateSending)
	c.dismissDialogs(ctx, s)
	if err := c.resolveChallenge(ctx, s); err != nil {
		return "", err
	}

	if err := c.send(ctx, s, text); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}

	c.transition(s.attempt.ID, StateAwaitingResponse)
	return s.extractor.ExtractLatest(ctx)
}

func (c *Controller) send(ctx context.Context, s *live, text string) error {
	t := c.cfg.Timing
	q, err := driver.WaitAnyVisible(ctx, s.d, c.loc.ChatInput, t.PollInterval, t.ChatReadyTimeout)
	if err != nil {
		return models.NewRunError(models.KindSendFailed, "Chat input not found", err)
	}
	pause := func() { _ = timing.SleepRange(ctx, t.Short) }

	_ = s.d.ScrollIntoView(ctx, q)
	pause()
	if err := s.d.Click(ctx, q); err != nil {
		return models.NewRunError(models.KindSendFailed, "Could not focus chat input", err)
	}
	pause()
	if err := s.d.Clear(ctx, q); err != nil {
		c.logger.Debug("clear chat input failed", "error", err)
	}
	if err := s.d.Type(ctx, q, text); err != nil {
		return models.NewRunError(models.KindSendFailed, "Could not type prompt", err)
	}
	pause()

	if _, err := driver.ClickFirst(ctx, s.d, c.loc.SendButton); err == nil {
		return nil
	}
	c.logger.Debug("no send button worked, pressing Enter")
	_ = s.d.Click(ctx, q)
	pause()
	if err := s.d.PressKey(ctx, q, driver.KeyEnter); err != nil {
		return models.NewRunError(models.KindSendFailed, "Could not send prompt", err)
	}
	return nil
}

// Summary logs the end-of-run tally.
func Summary(logger *slog.Logger, results []models.ScrapeResult, elapsed time.Duration) {
	ok := 0
	for _, r := range results {
		if r.Succeeded() {
			ok++
		}
	}
	logger.Info("run finished", "successful", ok, "total", len(results), "elapsed", elapsed.Round(time.Second))
}
