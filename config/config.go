package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/use-agent/chatrelay/models"
	"github.com/use-agent/chatrelay/timing"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Run     RunConfig
	Browser BrowserConfig
	Target  TargetConfig
	Relay   RelayConfig
	Timing  TimingConfig
	Log     LogConfig
	Status  StatusConfig
	Webhook WebhookConfig
}

// RunConfig controls which slice of the prompt list this process handles.
type RunConfig struct {
	BatchNumber  int // default: 1
	TotalBatches int // default: 2
	MaxPrompts   int // default: 50; 0 disables the cap
	MaxRetries   int // default: 2

	PromptsFile  string // default: "merlinAi.json"
	AccountsFile string // default: "accounts.yaml"
	OutputDir    string // default: "."
	LocatorsFile string // optional override of the embedded locator table

	// ReplyFormat is "text" or "markdown"; default: "text".
	ReplyFormat string
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: false

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Proxy is the proxy URL for all browser traffic.
	Proxy string

	// BlockAds drops requests to known ad and tracking hosts.
	BlockAds bool // default: true

	// Locale is sent as the browser language and Accept-Language.
	Locale string // default: "en-US"

	// ScreenshotDir receives milestone and failure captures.
	ScreenshotDir string // default: "screenshots"

	// ActionTimeout bounds every single driver call.
	ActionTimeout time.Duration // default: 10s

	// NavigateTimeout bounds a page load including the wait for the DOM
	// to settle.
	NavigateTimeout time.Duration // default: 45s
}

// TargetConfig describes the chat site being automated.
type TargetConfig struct {
	BaseURL         string // default: "https://chatgpt.com/"
	LoginURL        string // default: "https://chatgpt.com/auth/login"
	FallbackURL     string // default: "https://chatgpt.com/?oai-dm=1"
	VerificationURL string // default: "https://auth.openai.com/email-verification"

	// ServiceName is the product name quoted in the verification email.
	ServiceName string // default: "ChatGPT"

	// ChallengeType is recorded as captcha_type when a challenge was seen.
	ChallengeType string // default: "turnstile"
}

// RelayConfig controls the mailbox service used to read one-time codes.
type RelayConfig struct {
	LoginURL     string // default: "https://boomlify.com/en/login"
	DashboardURL string // default: "https://boomlify.com/en/dashboard"
	Email        string
	Password     string

	PollInterval time.Duration // default: 1s
	Timeout      time.Duration // default: 60s
}

// TimingConfig holds every wait budget and randomized pause.
type TimingConfig struct {
	BetweenPrompts timing.Range // default: 8s-15s
	Short          timing.Range // default: 800ms-1.5s
	PageSettle     timing.Range // default: 8s-15s
	ReplySettle    timing.Range // default: 10s-15s

	PollInterval     time.Duration // default: 500ms
	ChatReadyTimeout time.Duration // default: 40s
	EmailTimeout     time.Duration // default: 15s
	PasswordTimeout  time.Duration // default: 20s
	VerifyTimeout    time.Duration // default: 8s
	CodeTimeout      time.Duration // default: 20s
	ChallengeTimeout time.Duration // default: 25s
	ResponseTimeout  time.Duration // default: 90s
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// StatusConfig controls the optional progress API.
type StatusConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string

	// APIKeys enables bearer authentication when non-empty.
	APIKeys []string

	RequestsPerSecond float64 // default: 5
	Burst             int     // default: 10
}

// WebhookConfig controls the batch completion callback.
type WebhookConfig struct {
	// URL is the endpoint; empty disables delivery.
	URL    string
	Secret string
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Run: RunConfig{
			BatchNumber:  envIntOr("BATCH_NUMBER", 1),
			TotalBatches: envIntOr("TOTAL_BATCHES", 2),
			MaxPrompts:   envIntOr("MAX_PROMPTS", 50),
			MaxRetries:   envIntOr("MAX_RETRIES", 2),
			PromptsFile:  envOr("CHATRELAY_PROMPTS_FILE", "merlinAi.json"),
			AccountsFile: envOr("CHATRELAY_ACCOUNTS_FILE", "accounts.yaml"),
			OutputDir:    envOr("CHATRELAY_OUTPUT_DIR", "."),
			LocatorsFile: os.Getenv("CHATRELAY_LOCATORS_FILE"),
			ReplyFormat:  envOr("CHATRELAY_REPLY_FORMAT", "text"),
		},
		Browser: BrowserConfig{
			Headless:        envBoolOr("CHATRELAY_HEADLESS", false),
			NoSandbox:       envBoolOr("CHATRELAY_NO_SANDBOX", false),
			BrowserBin:      os.Getenv("CHATRELAY_BROWSER_BIN"),
			Proxy:           os.Getenv("CHATRELAY_PROXY"),
			BlockAds:        envBoolOr("CHATRELAY_BLOCK_ADS", true),
			Locale:          envOr("CHATRELAY_LOCALE", "en-US"),
			ScreenshotDir:   envOr("CHATRELAY_SCREENSHOT_DIR", "screenshots"),
			ActionTimeout:   envDurationOr("CHATRELAY_ACTION_TIMEOUT", 10*time.Second),
			NavigateTimeout: envDurationOr("CHATRELAY_NAVIGATE_TIMEOUT", 45*time.Second),
		},
		Target: TargetConfig{
			BaseURL:         envOr("CHATRELAY_BASE_URL", "https://chatgpt.com/"),
			LoginURL:        envOr("CHATRELAY_LOGIN_URL", "https://chatgpt.com/auth/login"),
			FallbackURL:     envOr("CHATRELAY_FALLBACK_URL", "https://chatgpt.com/?oai-dm=1"),
			VerificationURL: envOr("CHATRELAY_VERIFICATION_URL", "https://auth.openai.com/email-verification"),
			ServiceName:     envOr("CHATRELAY_SERVICE_NAME", "ChatGPT"),
			ChallengeType:   envOr("CHATRELAY_CHALLENGE_TYPE", "turnstile"),
		},
		Relay: RelayConfig{
			LoginURL:     envOr("CHATRELAY_RELAY_LOGIN_URL", "https://boomlify.com/en/login"),
			DashboardURL: envOr("CHATRELAY_RELAY_DASHBOARD_URL", "https://boomlify.com/en/dashboard"),
			Email:        os.Getenv("CHATRELAY_RELAY_EMAIL"),
			Password:     os.Getenv("CHATRELAY_RELAY_PASSWORD"),
			PollInterval: envDurationOr("CHATRELAY_OTP_POLL_INTERVAL", time.Second),
			Timeout:      envDurationOr("CHATRELAY_OTP_TIMEOUT", 60*time.Second),
		},
		Timing: TimingConfig{
			BetweenPrompts:   envRangeOr("CHATRELAY_BETWEEN_PROMPTS", timing.Range{Min: 8 * time.Second, Max: 15 * time.Second}),
			Short:            envRangeOr("CHATRELAY_SHORT_PAUSE", timing.Range{Min: 800 * time.Millisecond, Max: 1500 * time.Millisecond}),
			PageSettle:       envRangeOr("CHATRELAY_PAGE_SETTLE", timing.Range{Min: 8 * time.Second, Max: 15 * time.Second}),
			ReplySettle:      envRangeOr("CHATRELAY_REPLY_SETTLE", timing.Range{Min: 10 * time.Second, Max: 15 * time.Second}),
			PollInterval:     envDurationOr("CHATRELAY_POLL_INTERVAL", 500*time.Millisecond),
			ChatReadyTimeout: envDurationOr("CHATRELAY_CHAT_READY_TIMEOUT", 40*time.Second),
			EmailTimeout:     envDurationOr("CHATRELAY_EMAIL_TIMEOUT", 15*time.Second),
			PasswordTimeout:  envDurationOr("CHATRELAY_PASSWORD_TIMEOUT", 20*time.Second),
			VerifyTimeout:    envDurationOr("CHATRELAY_VERIFY_TIMEOUT", 8*time.Second),
			CodeTimeout:      envDurationOr("CHATRELAY_CODE_TIMEOUT", 20*time.Second),
			ChallengeTimeout: envDurationOr("CHATRELAY_CHALLENGE_TIMEOUT", 25*time.Second),
			ResponseTimeout:  envDurationOr("CHATRELAY_RESPONSE_TIMEOUT", 90*time.Second),
		},
		Log: LogConfig{
			Level:  envOr("CHATRELAY_LOG_LEVEL", "info"),
			Format: envOr("CHATRELAY_LOG_FORMAT", "json"),
		},
		Status: StatusConfig{
			Addr:              os.Getenv("CHATRELAY_STATUS_ADDR"),
			APIKeys:           envSliceOr("CHATRELAY_STATUS_API_KEYS", nil),
			RequestsPerSecond: envFloatOr("CHATRELAY_STATUS_RPS", 5.0),
			Burst:             envIntOr("CHATRELAY_STATUS_BURST", 10),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("CHATRELAY_WEBHOOK_URL"),
			Secret: os.Getenv("CHATRELAY_WEBHOOK_SECRET"),
		},
	}
}

// Validate checks the run parameters and the values every run depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Run.TotalBatches < 1 {
		errs = append(errs, fmt.Errorf("TOTAL_BATCHES must be >= 1, got %d", c.Run.TotalBatches))
	}
	if c.Run.BatchNumber < 1 || c.Run.BatchNumber > c.Run.TotalBatches {
		errs = append(errs, fmt.Errorf("BATCH_NUMBER must be in [1,%d], got %d", c.Run.TotalBatches, c.Run.BatchNumber))
	}
	if c.Run.MaxPrompts < 0 {
		errs = append(errs, fmt.Errorf("MAX_PROMPTS must be >= 0, got %d", c.Run.MaxPrompts))
	}
	if c.Run.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be >= 1, got %d", c.Run.MaxRetries))
	}
	switch c.Run.ReplyFormat {
	case "text", "markdown":
	default:
		errs = append(errs, fmt.Errorf("reply format must be text or markdown, got %q", c.Run.ReplyFormat))
	}
	if c.Run.PromptsFile == "" {
		errs = append(errs, errors.New("prompts file is required"))
	}
	if c.Timing.BetweenPrompts.Max < c.Timing.BetweenPrompts.Min {
		errs = append(errs, errors.New("between-prompts range is inverted"))
	}
	return errors.Join(errs...)
}

type accountsFile struct {
	Accounts []models.Account `yaml:"accounts"`
}

// LoadAccounts reads the account pool from a YAML file of the form
//
//	accounts:
//	  - email: a@example.com
//	    password: secret
func LoadAccounts(path string) ([]models.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode accounts file: %w", err)
	}
	for i, a := range f.Accounts {
		if a.Email == "" || a.Password == "" {
			return nil, fmt.Errorf("account %d: email and password are required", i)
		}
	}
	if len(f.Accounts) == 0 {
		return nil, errors.New("accounts file lists no accounts")
	}
	return f.Accounts, nil
}

// SelectAccount picks the account for a batch: pool[(batchNumber-1) mod len].
func SelectAccount(pool []models.Account, batchNumber int) (models.Account, error) {
	if len(pool) == 0 {
		return models.Account{}, errors.New("empty account pool")
	}
	if batchNumber < 1 {
		return models.Account{}, fmt.Errorf("batch number must be >= 1, got %d", batchNumber)
	}
	return pool[(batchNumber-1)%len(pool)], nil
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envRangeOr parses "min-max" or "min,max" durations, e.g. "8s-15s".
func envRangeOr(key string, fallback timing.Range) timing.Range {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	sep := ","
	if !strings.Contains(v, ",") {
		sep = "-"
	}
	parts := strings.SplitN(v, sep, 2)
	if len(parts) != 2 {
		return fallback
	}
	lo, err1 := time.ParseDuration(strings.TrimSpace(parts[0]))
	hi, err2 := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || hi < lo {
		return fallback
	}
	return timing.Range{Min: lo, Max: hi}
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
