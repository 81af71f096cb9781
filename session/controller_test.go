package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/chatrelay/config"
	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/driver/drivertest"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/models"
)

var acct = models.Account{Email: "user@example.com", Password: "hunter2"}

func testConfig() *config.Config {
	ms := time.Millisecond
	return &config.Config{
		Run: config.RunConfig{BatchNumber: 2, TotalBatches: 2, MaxRetries: 2, ReplyFormat: "text"},
		Target: config.TargetConfig{
			BaseURL:         "https://chat.example.com/",
			LoginURL:        "https://chat.example.com/auth/login",
			FallbackURL:     "https://chat.example.com/?fallback=1",
			VerificationURL: "https://auth.example.com/email-verification",
			ServiceName:     "ChatGPT",
			ChallengeType:   "turnstile",
		},
		Relay: config.RelayConfig{
			LoginURL:     "https://mail.example.com/login",
			DashboardURL: "https://mail.example.com/dashboard",
			Email:        "relay@example.com",
			Password:     "relay-pass",
			PollInterval: ms,
			Timeout:      30 * ms,
		},
		Timing: config.TimingConfig{
			PollInterval:     ms,
			ChatReadyTimeout: 20 * ms,
			EmailTimeout:     20 * ms,
			PasswordTimeout:  20 * ms,
			VerifyTimeout:    5 * ms,
			CodeTimeout:      20 * ms,
			ChallengeTimeout: 20 * ms,
			ResponseTimeout:  20 * ms,
		},
	}
}

func defaults(t *testing.T) *locator.Set {
	t.Helper()
	set, err := locator.Default()
	require.NoError(t, err)
	return set
}

// chat scripts a ready chat page: clicking send appends the next reply.
// A reply of "" appends nothing.
func chat(f *drivertest.Fake, set *locator.Set, replies ...string) {
	f.Show(set.ChatInput[0], set.SendButton[0])
	var shown []driver.Element
	n := 0
	prev := f.OnClick
	f.OnClick = func(f *drivertest.Fake, q locator.Query) error {
		if q == set.SendButton[0] {
			if n < len(replies) && replies[n] != "" {
				shown = append(shown, driver.Element{Text: replies[n]})
				f.SetElements(set.Response[0], shown...)
			}
			n++
			return nil
		}
		if prev != nil {
			return prev(f, q)
		}
		return nil
	}
}

// credentials scripts the email and password forms; the password continue
// click calls after.
func credentials(f *drivertest.Fake, set *locator.Set, after func(*drivertest.Fake)) {
	email, submit, password := set.EmailInput[5], set.EmailContinue[2], set.PasswordInput[0]
	f.OnOpen = func(f *drivertest.Fake, url string) error {
		if strings.HasSuffix(url, "/auth/login") {
			f.Show(email, submit)
		}
		return nil
	}
	f.OnClick = func(f *drivertest.Fake, q locator.Query) error {
		if q != submit {
			return nil
		}
		if ok, _ := f.IsVisible(context.Background(), password); !ok {
			f.Hide(email)
			f.Show(password)
			return nil
		}
		f.Hide(password, submit)
		after(f)
		return nil
	}
}

type recorder struct {
	total   int
	states  []State
	records int
}

func (r *recorder) RunStarted(total int)               { r.total = total }
func (r *recorder) StateChanged(_ string, _, to State) { r.states = append(r.states, to) }
func (r *recorder) RecordAdded(models.ScrapeResult)    { r.records++ }

func prompts(texts ...string) []models.Prompt {
	out := make([]models.Prompt, len(texts))
	for i, s := range texts {
		out[i] = models.Prompt{ID: string(rune('a' + i)), Text: s, QueryIndex: 10 + i}
	}
	return out
}

func TestRunReadySessionAnswersPrompt(t *testing.T) {
	set := defaults(t)
	l := &drivertest.Launcher{Build: func(int) *drivertest.Fake {
		f := drivertest.New()
		chat(f, set, "Hello! How can I help you today?")
		return f
	}}
	rec := &recorder{}
	c := New(testConfig(), acct, l, set, nil).WithObserver(rec)

	results, err := c.Run(context.Background(), prompts("Hello"))
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.True(t, r.Succeeded())
	assert.Equal(t, "Hello! How can I help you today?", r.Response)
	assert.Equal(t, "Hello", r.Prompt)
	assert.Equal(t, "a", r.PromptID)
	assert.Equal(t, 10, r.QueryIndex)
	assert.Equal(t, 2, r.BatchID)
	assert.Nil(t, r.CaptchaType)
	require.NotNil(t, r.Screenshot)
	assert.Equal(t, "screenshots/prompt_10.png", *r.Screenshot)

	launched := l.Launched()
	require.Len(t, launched, 1)
	assert.True(t, launched[0].Closed())
	assert.Equal(t, "Hello", launched[0].Typed(set.ChatInput[0]))

	assert.Equal(t, 1, rec.total)
	assert.Equal(t, 1, rec.records)
	assert.Equal(t, []State{StateCold, StateLoginCheck, StateReady, StateSending, StateAwaitingResponse, StateReady, StateDone}, rec.states)
	assert.Equal(t, StateDone, c.State())
}

func TestRunBoundedRetriesRecordOneFailure(t *testing.T) {
	set := defaults(t)
	l := &drivertest.Launcher{}
	c := New(testConfig(), acct, l, set, nil)

	results, err := c.Run(context.Background(), prompts("first", "second"))
	require.NoError(t, err)
	require.Len(t, results, 2, "one record per prompt, no infinite loop")

	for _, r := range results {
		assert.False(t, r.Succeeded())
		assert.Equal(t, models.KindLoginElementMissing, r.ErrorKind)
		assert.True(t, strings.HasPrefix(r.Response, "Error: "), r.Response)
		assert.Contains(t, r.Response, "gave up after 2 session attempts")
	}

	launched := l.Launched()
	assert.Len(t, launched, 4, "two session attempts per prompt")
	for _, f := range launched {
		assert.True(t, f.Closed(), "every reopen closes the browser")
	}
	assert.False(t, launched[0].Called("Open", "https://chat.example.com/auth/login"), "first attempt is not forced")
	assert.True(t, launched[1].Called("Open", "https://chat.example.com/auth/login"), "reopen forces login")
}

func TestRunVerificationThroughBridge(t *testing.T) {
	set := defaults(t)
	cfg := testConfig()
	cookies := []driver.Cookie{{Name: "sid", Value: "xyz", Domain: ".example.com", Path: "/"}}

	l := &drivertest.Launcher{Build: func(int) *drivertest.Fake {
		f := drivertest.New()
		f.Show(set.LoginIndicator[0])
		f.SetCookieJar(cookies)
		credentials(f, set, func(f *drivertest.Fake) {
			f.Show(set.VerificationIndicator[1], set.CodeContinue[0])
		})
		login := f.OnClick
		f.OnClick = func(f *drivertest.Fake, q locator.Query) error {
			switch q {
			case set.RelaySubmit[0]:
				f.SetURL("https://mail.example.com/dashboard")
				f.Show(set.RelaySearchInput[0])
			case set.CodeContinue[0]:
				f.Hide(set.LoginIndicator[0], set.VerificationIndicator[1], set.CodeContinue[0])
				chat(f, set, "The answer to your question is forty-two.")
			default:
				return login(f, q)
			}
			return nil
		}
		f.OnNewTab = func(f *drivertest.Fake, _ driver.TabID, url string) error {
			if url == cfg.Relay.LoginURL {
				f.Show(set.RelayEmailInput[0], set.RelayPasswordInput[0], set.RelaySubmit[0])
			}
			return nil
		}
		f.OnType = func(f *drivertest.Fake, q locator.Query, _ string) error {
			if q == set.RelaySearchInput[0] {
				f.SetText("Your ChatGPT code is 314159")
			}
			return nil
		}
		return f
	}}
	rec := &recorder{}
	c := New(cfg, acct, l, set, nil).WithObserver(rec)

	results, err := c.Run(context.Background(), prompts("What is the answer?"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded(), results[0].Response)

	f := l.Launched()[0]
	assert.Equal(t, acct.Email, f.Typed(set.RelaySearchInput[0]), "bridge searches for the account email")
	assert.Equal(t, "314159", f.Typed(set.CodeInput[0]))
	require.Len(t, f.Restored(), 1)
	assert.Equal(t, cookies, f.Restored()[0])
	assert.Contains(t, rec.states, StateAwaitingVerification)
}

func TestRunBridgeFailureReopens(t *testing.T) {
	set := defaults(t)
	l := &drivertest.Launcher{Build: func(n int) *drivertest.Fake {
		f := drivertest.New()
		f.Show(set.LoginIndicator[0])
		if n == 0 {
			// Verification requested but the mailbox never loads.
			credentials(f, set, func(f *drivertest.Fake) { f.Show(set.VerificationIndicator[1]) })
			return f
		}
		credentials(f, set, func(f *drivertest.Fake) {
			f.Hide(set.LoginIndicator[0])
			chat(f, set, "A perfectly fine reply on the second attempt.")
		})
		return f
	}}
	c := New(testConfig(), acct, l, set, nil)

	results, err := c.Run(context.Background(), prompts("hi there"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded(), results[0].Response)

	launched := l.Launched()
	require.Len(t, launched, 2)
	assert.True(t, launched[0].Closed())
	assert.True(t, launched[0].Called("NewTab", "https://mail.example.com/login"))
}

func TestRunTerminalFailureAdvancesWithoutReopen(t *testing.T) {
	set := defaults(t)
	l := &drivertest.Launcher{Build: func(int) *drivertest.Fake {
		f := drivertest.New()
		chat(f, set, "short", "This second reply is long enough.")
		return f
	}}
	c := New(testConfig(), acct, l, set, nil)

	results, err := c.Run(context.Background(), prompts("one", "two"))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, models.KindEmptyResponse, results[0].ErrorKind)
	assert.Equal(t, "Error: Response too short (5 chars)", results[0].Response)
	require.NotNil(t, results[0].Screenshot)
	assert.Equal(t, "screenshots/error_prompt_0.png", *results[0].Screenshot)
	assert.True(t, results[1].Succeeded())
	assert.Len(t, l.Launched(), 1)
}

func TestRunNoResponseIsTerminal(t *testing.T) {
	set := defaults(t)
	l := &drivertest.Launcher{Build: func(int) *drivertest.Fake {
		f := drivertest.New()
		chat(f, set, "")
		return f
	}}
	c := New(testConfig(), acct, l, set, nil)

	results, err := c.Run(context.Background(), prompts("one"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.KindNoResponse, results[0].ErrorKind)
	assert.Equal(t, "Error: No response found", results[0].Response)
}

func TestRunEmptyPromptSkipped(t *testing.T) {
	set := defaults(t)
	l := &drivertest.Launcher{}
	c := New(testConfig(), acct, l, set, nil)

	results, err := c.Run(context.Background(), prompts("[Prompt:] query -"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.KindEmptyPrompt, results[0].ErrorKind)
	assert.Empty(t, l.Launched(), "no browser for an empty prompt")
}

func TestRunPanicBecomesUnexpected(t *testing.T) {
	set := defaults(t)
	cfg := testConfig()
	cfg.Run.MaxRetries = 1
	l := &drivertest.Launcher{Build: func(int) *drivertest.Fake {
		f := drivertest.New()
		f.Show(set.ChatInput[0], set.SendButton[0])
		f.OnClick = func(_ *drivertest.Fake, q locator.Query) error {
			if q == set.SendButton[0] {
				panic("renderer crashed")
			}
			return nil
		}
		return f
	}}
	c := New(cfg, acct, l, set, nil)

	results, err := c.Run(context.Background(), prompts("hello"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.KindUnexpectedException, results[0].ErrorKind)
	assert.Contains(t, results[0].Response, "renderer crashed")
	assert.True(t, l.Launched()[0].Closed())
}

func TestRunSendFallsBackToEnter(t *testing.T) {
	set := defaults(t)
	l := &drivertest.Launcher{Build: func(int) *drivertest.Fake {
		f := drivertest.New()
		f.Show(set.ChatInput[0])
		f.OnPressKey = func(f *drivertest.Fake, _ locator.Query, key driver.Key) error {
			if key == driver.KeyEnter {
				f.SetElements(set.Response[1], driver.Element{HTML: "<p>Sent with the Enter key.</p>"})
			}
			return nil
		}
		return f
	}}
	c := New(testConfig(), acct, l, set, nil)

	results, err := c.Run(context.Background(), prompts("hello"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Sent with the Enter key.", results[0].Response)
}

func TestRunFlagsDuplicateReply(t *testing.T) {
	set := defaults(t)
	l := &drivertest.Launcher{Build: func(int) *drivertest.Fake {
		f := drivertest.New()
		chat(f, set, "The same reply every single time.", "")
		return f
	}}
	c := New(testConfig(), acct, l, set, nil)

	results, err := c.Run(context.Background(), prompts("one", "two"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].DuplicateOfPrevious)
	assert.True(t, results[1].Succeeded())
	assert.True(t, results[1].DuplicateOfPrevious, "nothing new rendered for the second prompt")
}

func TestRunRecordsChallenge(t *testing.T) {
	set := defaults(t)
	l := &drivertest.Launcher{Build: func(int) *drivertest.Fake {
		f := drivertest.New()
		f.Show(set.ChallengeIndicator[0])
		f.OnSolve = func(f *drivertest.Fake) error {
			f.Hide(set.ChallengeIndicator[0])
			return nil
		}
		chat(f, set, "First reply that is long enough.", "Second reply that is long enough.")
		return f
	}}
	c := New(testConfig(), acct, l, set, nil)

	results, err := c.Run(context.Background(), prompts("one", "two"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotNil(t, results[0].CaptchaType)
	assert.Equal(t, "turnstile", *results[0].CaptchaType)
	assert.Nil(t, results[1].CaptchaType)
}

func TestRunCanceledWritesNothing(t *testing.T) {
	set := defaults(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := &drivertest.Launcher{Build: func(int) *drivertest.Fake {
		f := drivertest.New()
		f.Show(set.ChatInput[0], set.SendButton[0])
		f.OnClick = func(_ *drivertest.Fake, q locator.Query) error {
			if q == set.SendButton[0] {
				cancel()
			}
			return nil
		}
		return f
	}}
	c := New(testConfig(), acct, l, set, nil)

	results, err := c.Run(ctx, prompts("one", "two"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results)
	assert.True(t, l.Launched()[0].Closed())
}

// verificationOnLoad scripts a browser whose first page already asks for the
// emailed code, with a mailbox that delivers it.
func verificationOnLoad(set *locator.Set, cfg *config.Config, jar []driver.Cookie, setup func(*drivertest.Fake)) *drivertest.Launcher {
	return &drivertest.Launcher{Build: func(int) *drivertest.Fake {
		f := drivertest.New()
		f.Show(set.VerificationIndicator[1], set.CodeContinue[0])
		f.SetCookieJar(jar)
		f.OnNewTab = func(f *drivertest.Fake, _ driver.TabID, url string) error {
			if url == cfg.Relay.LoginURL {
				f.Show(set.RelayEmailInput[0], set.RelayPasswordInput[0], set.RelaySubmit[0])
			}
			return nil
		}
		f.OnClick = func(f *drivertest.Fake, q locator.Query) error {
			switch q {
			case set.RelaySubmit[0]:
				f.SetURL(cfg.Relay.DashboardURL)
				f.Show(set.RelaySearchInput[0])
			case set.CodeContinue[0]:
				f.Hide(set.VerificationIndicator[1], set.CodeContinue[0])
				chat(f, set, "Verified straight from the first page load.")
			}
			return nil
		}
		f.OnType = func(f *drivertest.Fake, q locator.Query, _ string) error {
			if q == set.RelaySearchInput[0] {
				f.SetText("Your ChatGPT code is 271828")
			}
			return nil
		}
		if setup != nil {
			setup(f)
		}
		return f
	}}
}

func TestRunVerificationOnFirstLoadSkipsLogin(t *testing.T) {
	set := defaults(t)
	cfg := testConfig()
	jar := []driver.Cookie{{Name: "session", Value: "abc", Domain: ".example.com", Path: "/"}}
	l := verificationOnLoad(set, cfg, jar, nil)
	rec := &recorder{}
	c := New(cfg, acct, l, set, nil).WithObserver(rec)

	results, err := c.Run(context.Background(), prompts("hello"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded(), results[0].Response)

	require.Len(t, l.Launched(), 1)
	f := l.Launched()[0]
	assert.False(t, f.Called("Open", cfg.Target.LoginURL), "no login step")
	assert.NotContains(t, rec.states, StateAwaitingLogin)
	assert.Contains(t, rec.states, StateAwaitingVerification)
	assert.Equal(t, acct.Email, f.Typed(set.RelaySearchInput[0]))
	assert.Equal(t, "271828", f.Typed(set.CodeInput[0]))
	require.Len(t, f.Restored(), 1)
	assert.Equal(t, jar, f.Restored()[0], "cookies captured on load are handed back")
}

func TestRunVerificationOnLoadLogsCookieFailure(t *testing.T) {
	set := defaults(t)
	cfg := testConfig()
	l := verificationOnLoad(set, cfg, nil, func(f *drivertest.Fake) {
		f.Fail("Cookies", errors.New("target closed"))
	})
	var buf bytes.Buffer
	c := New(cfg, acct, l, set, slog.New(slog.NewTextHandler(&buf, nil)))

	results, err := c.Run(context.Background(), prompts("hello"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded(), results[0].Response)

	assert.Empty(t, l.Launched()[0].Restored(), "nothing to restore")
	assert.Contains(t, buf.String(), "could not capture cookies for verification")
	assert.Contains(t, buf.String(), "target closed")
}
