package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/use-agent/chatrelay/config"
	"github.com/use-agent/chatrelay/locator"
)

// RodLauncher starts a fresh Chromium process per session attempt.
type RodLauncher struct {
	cfg      config.BrowserConfig
	locators *locator.Set
	logger   *slog.Logger
}

// NewRodLauncher returns a launcher for the given browser settings. The
// locator table supplies the challenge widget queries used by SolveChallenge.
func NewRodLauncher(cfg config.BrowserConfig, locators *locator.Set, logger *slog.Logger) *RodLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RodLauncher{cfg: cfg, locators: locators, logger: logger}
}

// Launch starts the browser, connects to it, and opens the first tab.
func (r *RodLauncher) Launch(ctx context.Context) (Driver, error) {
	l := launcher.New().
		Context(ctx).
		Headless(r.cfg.Headless).
		NoSandbox(r.cfg.NoSandbox)

	if r.cfg.BrowserBin != "" {
		l = l.Bin(r.cfg.BrowserBin)
	}
	if r.cfg.Proxy != "" {
		l = l.Proxy(r.cfg.Proxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("no-first-run"))
	if r.cfg.Locale != "" {
		l.Set(flags.Flag("lang"), r.cfg.Locale)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	r.logger.Debug("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	d := &RodDriver{
		browser:  browser,
		launcher: l,
		cfg:      r.cfg,
		locators: r.locators,
		logger:   r.logger,
		tabs:     make(map[TabID]*rod.Page),
	}
	if _, err := d.NewTab(ctx, ""); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}
