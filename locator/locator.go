// Package locator holds the ordered fallback queries used to find page
// elements. The tables are data: the embedded defaults can be overridden per
// entry from a YAML file without touching the session logic.
package locator

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Query is one candidate: a CSS selector, optionally narrowed to elements
// whose rendered text contains Text.
type Query struct {
	CSS        string `yaml:"css"`
	Text       string `yaml:"text,omitempty"`
	IgnoreCase bool   `yaml:"ignore_case,omitempty"`
}

func (q Query) String() string {
	if q.Text == "" {
		return q.CSS
	}
	return fmt.Sprintf("%s:contains(%q)", q.CSS, q.Text)
}

// Locator is an ordered list of candidates tried first-match.
type Locator []Query

// Set is the complete table of locators used by the controller.
type Set struct {
	ChatInput             Locator  `yaml:"chat_input"`
	LoginIndicator        Locator  `yaml:"login_indicator"`
	LoginButton           Locator  `yaml:"login_button"`
	EmailInput            Locator  `yaml:"email_input"`
	EmailContinue         Locator  `yaml:"email_continue"`
	PasswordInput         Locator  `yaml:"password_input"`
	PasswordContinue      Locator  `yaml:"password_continue"`
	VerificationIndicator Locator  `yaml:"verification_indicator"`
	CodeInput             Locator  `yaml:"code_input"`
	CodeContinue          Locator  `yaml:"code_continue"`
	CloseDialog           Locator  `yaml:"close_dialog"`
	DismissModal          Locator  `yaml:"dismiss_modal"`
	SendButton            Locator  `yaml:"send_button"`
	StopButton            Locator  `yaml:"stop_button"`
	Response              Locator  `yaml:"response"`
	ChallengeIndicator    Locator  `yaml:"challenge_indicator"`
	ChallengeWidget       Locator  `yaml:"challenge_widget"`
	ChallengeParent       Locator  `yaml:"challenge_parent"`
	ChallengeSuccessText  []string `yaml:"challenge_success_text"`
	RelayEmailInput       Locator  `yaml:"relay_email_input"`
	RelayPasswordInput    Locator  `yaml:"relay_password_input"`
	RelayDisabledInput    Locator  `yaml:"relay_disabled_input"`
	RelaySubmit           Locator  `yaml:"relay_submit"`
	RelaySearchInput      Locator  `yaml:"relay_search_input"`
}

// Default returns the embedded locator table.
func Default() (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(defaultYAML, &s); err != nil {
		return nil, fmt.Errorf("locator: decode defaults: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load returns the default table with any entries present in the YAML file
// at path replacing their defaults. An empty path yields the defaults.
func Load(path string) (*Set, error) {
	if path == "" {
		return Default()
	}

	var s Set
	if err := yaml.Unmarshal(defaultYAML, &s); err != nil {
		return nil, fmt.Errorf("locator: decode defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("locator: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("locator: decode %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// named lists every locator with its YAML key, in table order.
func (s *Set) named() []struct {
	name string
	loc  Locator
} {
	return []struct {
		name string
		loc  Locator
	}{
		{"chat_input", s.ChatInput},
		{"login_indicator", s.LoginIndicator},
		{"login_button", s.LoginButton},
		{"email_input", s.EmailInput},
		{"email_continue", s.EmailContinue},
		{"password_input", s.PasswordInput},
		{"password_continue", s.PasswordContinue},
		{"verification_indicator", s.VerificationIndicator},
		{"code_input", s.CodeInput},
		{"code_continue", s.CodeContinue},
		{"close_dialog", s.CloseDialog},
		{"dismiss_modal", s.DismissModal},
		{"send_button", s.SendButton},
		{"stop_button", s.StopButton},
		{"response", s.Response},
		{"challenge_indicator", s.ChallengeIndicator},
		{"challenge_widget", s.ChallengeWidget},
		{"challenge_parent", s.ChallengeParent},
		{"relay_email_input", s.RelayEmailInput},
		{"relay_password_input", s.RelayPasswordInput},
		{"relay_disabled_input", s.RelayDisabledInput},
		{"relay_submit", s.RelaySubmit},
		{"relay_search_input", s.RelaySearchInput},
	}
}

// Validate checks that every locator has at least one candidate and that
// every candidate's CSS selector parses.
func (s *Set) Validate() error {
	var errs []error
	for _, e := range s.named() {
		if len(e.loc) == 0 {
			errs = append(errs, fmt.Errorf("locator %s: no candidates", e.name))
			continue
		}
		for i, q := range e.loc {
			if strings.TrimSpace(q.CSS) == "" {
				errs = append(errs, fmt.Errorf("locator %s[%d]: empty css", e.name, i))
				continue
			}
			if _, err := cascadia.Parse(q.CSS); err != nil {
				errs = append(errs, fmt.Errorf("locator %s[%d] %q: %w", e.name, i, q.CSS, err))
			}
		}
	}
	if len(s.ChallengeSuccessText) == 0 {
		errs = append(errs, errors.New("locator challenge_success_text: no entries"))
	}
	return errors.Join(errs...)
}
