package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/chatrelay/config"
	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/driver/drivertest"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/results"
	"github.com/use-agent/chatrelay/webhook"
)

const promptsJSON = `{"queries":[
  {"id":"p1","text":"Prompt: first question"},
  {"id":"p2","text":"second question"},
  {"id":"p3","text":"third question"},
  {"id":"p4","text":"fourth question"}
]}`

const accountsYAML = `accounts:
  - email: a@example.com
    password: pa
  - email: b@example.com
    password: pb
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	promptsPath := filepath.Join(dir, "prompts.json")
	accountsPath := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(promptsPath, []byte(promptsJSON), 0o644))
	require.NoError(t, os.WriteFile(accountsPath, []byte(accountsYAML), 0o644))

	ms := time.Millisecond
	return &config.Config{
		Run: config.RunConfig{
			BatchNumber:  2,
			TotalBatches: 2,
			MaxPrompts:   50,
			MaxRetries:   2,
			PromptsFile:  promptsPath,
			AccountsFile: accountsPath,
			OutputDir:    filepath.Join(dir, "out"),
			ReplyFormat:  "text",
		},
		Target: config.TargetConfig{BaseURL: "https://chat.example.com/", ChallengeType: "turnstile"},
		Timing: config.TimingConfig{
			PollInterval:     ms,
			ChatReadyTimeout: 20 * ms,
			ResponseTimeout:  20 * ms,
			ChallengeTimeout: 20 * ms,
		},
		Log: config.LogConfig{Level: "error", Format: "text"},
	}
}

// readyChat returns a launcher whose browsers are signed in and answer every
// prompt.
func readyChat() launcherFunc {
	return func(_ *config.Config, loc *locator.Set) driver.Launcher {
		return &drivertest.Launcher{Build: func(int) *drivertest.Fake {
			f := drivertest.New()
			f.Show(loc.ChatInput[0], loc.SendButton[0])
			var shown []driver.Element
			f.OnClick = func(f *drivertest.Fake, q locator.Query) error {
				if q == loc.SendButton[0] {
					shown = append(shown, driver.Element{Text: fmt.Sprintf("Reply number %d to your question.", len(shown)+1)})
					f.SetElements(loc.Response[0], shown...)
				}
				return nil
			}
			return f
		}}
	}
}

func TestRunBatchWritesResultsAndNotifies(t *testing.T) {
	cfg := testConfig(t)

	events := make(chan webhook.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, webhook.Verify("hook-secret", body, r.Header.Get(webhook.SignatureHeader)))
		var ev webhook.Event
		assert.NoError(t, json.Unmarshal(body, &ev))
		events <- ev
	}))
	defer srv.Close()
	cfg.Webhook.URL = srv.URL
	cfg.Webhook.Secret = "hook-secret"

	require.NoError(t, runBatch(context.Background(), cfg, readyChat()))

	records, err := results.ReadFile(filepath.Join(cfg.Run.OutputDir, "results_batch_2.json"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "p3", records[0].PromptID)
	assert.Equal(t, 2, records[0].QueryIndex)
	assert.Equal(t, "third question", records[0].Prompt)
	assert.Equal(t, "Reply number 1 to your question.", records[0].Response)
	assert.Equal(t, "p4", records[1].PromptID)
	assert.Equal(t, 2, records[1].BatchID)

	select {
	case ev := <-events:
		assert.Equal(t, webhook.EventBatchCompleted, ev.Type)
		data := ev.Data.(map[string]any)
		assert.EqualValues(t, 2, data["succeeded"])
	default:
		t.Fatal("webhook not delivered")
	}
}

func TestRunBatchCanceledWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runBatch(ctx, cfg, readyChat())
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(filepath.Join(cfg.Run.OutputDir, "results_batch_2.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunBatchRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.BatchNumber = 3
	err := runBatch(context.Background(), cfg, readyChat())
	assert.ErrorContains(t, err, "BATCH_NUMBER")
}

func TestCheckCommandFlagsOverrideEnv(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.BatchNumber = 2

	cmd := newRootCmd(cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check", "--batch", "1", "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, 1, cfg.Run.BatchNumber)
	assert.Equal(t, "batch 1/2: prompts [0,2) of 4, account a@example.com\n", out.String())
}

func TestCheckCommandReportsMissingAccounts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.AccountsFile = filepath.Join(t.TempDir(), "missing.yaml")

	cmd := newRootCmd(cfg)
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"check"})
	assert.ErrorContains(t, cmd.Execute(), "accounts")
}
