package locator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableIsValid(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "#prompt-textarea", s.ChatInput[0].CSS)
	assert.Equal(t, `button[data-testid="stop-button"]`, s.StopButton[0].CSS)
	assert.Equal(t, []string{"Verified", "Success"}, s.ChallengeSuccessText)

	require.NotEmpty(t, s.LoginIndicator)
	assert.Equal(t, "h1", s.LoginIndicator[0].CSS)
	assert.Equal(t, "Log in or sign up", s.LoginIndicator[0].Text)
}

func TestLoadOverridesOnlyNamedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locators.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chat_input:
  - css: "div[contenteditable=true]"
  - css: textarea
    text: Ask
    ignore_case: true
`), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	require.Len(t, s.ChatInput, 2)
	assert.Equal(t, "div[contenteditable=true]", s.ChatInput[0].CSS)
	assert.Equal(t, Query{CSS: "textarea", Text: "Ask", IgnoreCase: true}, s.ChatInput[1])

	def, err := Default()
	require.NoError(t, err)
	assert.Equal(t, def.SendButton, s.SendButton)
}

func TestLoadRejectsBadSelector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locators.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
send_button:
  - css: "button[data-testid="
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send_button[0]")
}

func TestValidateReportsEmptyLocator(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)

	s.Response = nil
	s.ChallengeSuccessText = nil
	err = s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locator response: no candidates")
	assert.Contains(t, err.Error(), "challenge_success_text")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestQueryString(t *testing.T) {
	assert.Equal(t, "button", Query{CSS: "button"}.String())
	assert.Equal(t, `button:contains("Log in")`, Query{CSS: "button", Text: "Log in"}.String())
}
