package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/use-agent/chatrelay/api"
	"github.com/use-agent/chatrelay/config"
	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/models"
	"github.com/use-agent/chatrelay/prompt"
	"github.com/use-agent/chatrelay/results"
	"github.com/use-agent/chatrelay/session"
	"github.com/use-agent/chatrelay/webhook"
)

// launcherFunc builds the browser launcher for a run.
type launcherFunc func(cfg *config.Config, loc *locator.Set) driver.Launcher

func rodLauncher(cfg *config.Config, loc *locator.Set) driver.Launcher {
	return driver.NewRodLauncher(cfg.Browser, loc, slog.Default())
}

// newRootCmd builds the CLI. Flag defaults come from cfg, which was loaded
// from the environment, so a flag on the command line overrides its env var.
func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Send one batch of prompts through a web chat session and record the replies.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogger(cfg.Log)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), cfg, rodLauncher)
		},
	}

	pf := root.PersistentFlags()
	pf.IntVar(&cfg.Run.BatchNumber, "batch", cfg.Run.BatchNumber, "1-based batch number (BATCH_NUMBER)")
	pf.IntVar(&cfg.Run.TotalBatches, "total-batches", cfg.Run.TotalBatches, "number of batches the prompt list is split into (TOTAL_BATCHES)")
	pf.IntVar(&cfg.Run.MaxPrompts, "max-prompts", cfg.Run.MaxPrompts, "cap on prompts per batch, 0 for none (MAX_PROMPTS)")
	pf.StringVar(&cfg.Run.PromptsFile, "prompts", cfg.Run.PromptsFile, "prompt list JSON file")
	pf.StringVar(&cfg.Run.AccountsFile, "accounts", cfg.Run.AccountsFile, "account pool YAML file")
	pf.StringVar(&cfg.Run.LocatorsFile, "locators", cfg.Run.LocatorsFile, "YAML file overriding the built-in locators")
	pf.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	pf.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "json or text")

	f := root.Flags()
	f.IntVar(&cfg.Run.MaxRetries, "max-retries", cfg.Run.MaxRetries, "session attempts per prompt before recording a failure (MAX_RETRIES)")
	f.StringVar(&cfg.Run.OutputDir, "output", cfg.Run.OutputDir, "directory for results_batch_<n>.json")
	f.StringVar(&cfg.Run.ReplyFormat, "format", cfg.Run.ReplyFormat, "reply format: text or markdown")
	f.BoolVar(&cfg.Browser.Headless, "headless", cfg.Browser.Headless, "run the browser headless")
	f.StringVar(&cfg.Browser.ScreenshotDir, "screenshots", cfg.Browser.ScreenshotDir, "directory for screenshots")
	f.StringVar(&cfg.Status.Addr, "status-addr", cfg.Status.Addr, "listen address for the progress API, empty to disable")
	f.StringVar(&cfg.Webhook.URL, "webhook", cfg.Webhook.URL, "URL notified when the batch finishes")

	root.AddCommand(newCheckCmd(cfg))
	return root
}

// newCheckCmd validates the inputs of a run without opening a browser.
func newCheckCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, locators, accounts and prompts, then print the batch window.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := prepare(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %d/%d: prompts [%d,%d) of %d, account %s\n",
				p.window.BatchNumber, p.window.TotalBatches, p.window.Start, p.window.End, p.total, p.account.Email)
			return nil
		},
	}
}

// plan is everything a run needs before the browser starts.
type plan struct {
	loc     *locator.Set
	account models.Account
	window  prompt.Window
	prompts []models.Prompt
	total   int
}

func prepare(cfg *config.Config) (*plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	loc, err := locator.Load(cfg.Run.LocatorsFile)
	if err != nil {
		return nil, err
	}
	pool, err := config.LoadAccounts(cfg.Run.AccountsFile)
	if err != nil {
		return nil, err
	}
	account, err := config.SelectAccount(pool, cfg.Run.BatchNumber)
	if err != nil {
		return nil, err
	}
	all, err := prompt.Load(cfg.Run.PromptsFile)
	if err != nil {
		return nil, err
	}
	w, err := prompt.Partition(len(all), cfg.Run.TotalBatches, cfg.Run.BatchNumber, cfg.Run.MaxPrompts)
	if err != nil {
		return nil, err
	}
	return &plan{loc: loc, account: account, window: w, prompts: w.Apply(all), total: len(all)}, nil
}

func runBatch(ctx context.Context, cfg *config.Config, newLauncher launcherFunc) error {
	p, err := prepare(cfg)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logger := slog.Default().With("run_id", runID, "batch", cfg.Run.BatchNumber)
	logger.Info("chatrelay starting",
		"total_batches", cfg.Run.TotalBatches,
		"start", p.window.Start,
		"end", p.window.End,
		"prompts", len(p.prompts),
		"account", p.account.Email,
	)
	if cfg.Relay.Email == "" || cfg.Relay.Password == "" {
		logger.Warn("relay mailbox credentials not set; verification codes cannot be fetched")
	}

	tracker := results.NewTracker(runID, cfg.Run.BatchNumber)
	stopStatus := startStatus(ctx, cfg.Status, tracker)
	defer stopStatus()

	start := time.Now()
	ctrl := session.New(cfg, p.account, newLauncher(cfg, p.loc), p.loc, logger).WithObserver(tracker)
	records, err := ctrl.Run(ctx, p.prompts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("run interrupted, no results written", "error", err)
		}
		return err
	}
	elapsed := time.Since(start)

	path, err := results.WriteFile(cfg.Run.OutputDir, cfg.Run.BatchNumber, records)
	if err != nil {
		return err
	}
	logger.Info("results written", "path", path, "records", len(records))
	session.Summary(logger, records, elapsed)

	if cfg.Webhook.URL != "" {
		ev := webhook.BatchCompleted(runID, cfg.Run.BatchNumber, records, path, elapsed)
		if err := webhook.DeliverWithRetry(ctx, cfg.Webhook.URL, cfg.Webhook.Secret, ev, webhook.DefaultDelays); err != nil {
			logger.Error("batch webhook not delivered", "error", err)
		}
	}
	return nil
}

// startStatus runs the progress API when an address is configured and
// returns a function that stops it.
func startStatus(ctx context.Context, cfg config.StatusConfig, tracker *results.Tracker) func() {
	if cfg.Addr == "" {
		return func() {}
	}
	sctx, cancel := context.WithCancel(ctx)
	router := api.NewRouter(sctx, cfg, tracker, time.Now())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := api.Serve(sctx, cfg.Addr, router); err != nil {
			slog.Error("status server error", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
