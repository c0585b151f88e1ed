package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/spf13/cobra"

	"github.com/harrisonrobin/bobsync/pkg/auth"
	"github.com/harrisonrobin/bobsync/pkg/config"
	"github.com/harrisonrobin/bobsync/pkg/dedupe"
	"github.com/harrisonrobin/bobsync/pkg/device"
	"github.com/harrisonrobin/bobsync/pkg/engine"
	"github.com/harrisonrobin/bobsync/pkg/ledger"
	"github.com/harrisonrobin/bobsync/pkg/triage"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "bobsync",
		Short:         "Reconcile the Bob task ledger with the local device task store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(
		newSyncCmd(&verbose),
		newDedupeCmd(&verbose),
		newAuthCmd(&verbose),
		newVersionCmd(),
	)
	return root
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// stores opens the ledger and device stores from config. The returned
// cleanup closes both.
func stores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Store, device.Store, func(), error) {
	if cfg.ProjectID == "" {
		return nil, nil, nil, errors.New("projectId is not configured")
	}
	if !auth.HasToken() {
		return nil, nil, nil, ledger.ErrNotAuthenticated
	}
	opts, err := auth.ClientOptions(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			return nil, nil, nil, ledger.ErrNotAuthenticated
		}
		return nil, nil, nil, err
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to ledger: %w", err)
	}
	dev, err := device.OpenSQLite(cfg.DeviceStorePath)
	if err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("opening device store: %w", err)
	}
	cleanup := func() {
		dev.Close()
		client.Close()
	}
	return ledger.NewFirestore(client, logger), dev, cleanup, nil
}

func newSyncCmd(verbose *bool) *cobra.Command {
	var dryRun, full, watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a reconciliation pass (or keep running with --watch)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(*verbose)
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.OwnerID == "" {
				return errors.New("ownerId is not configured")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, dev, cleanup, err := stores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			dir, err := config.Dir()
			if err != nil {
				return err
			}
			state, err := engine.OpenState(filepath.Join(dir, "state.json"))
			if err != nil {
				return err
			}

			opts := engine.Options{
				OwnerID:         cfg.OwnerID,
				FullSync:        full || cfg.FullSync,
				DryRun:          dryRun || cfg.DryRun,
				ShowMetadata:    cfg.ShowMetadata,
				State:           state,
				Retention:       time.Duration(cfg.RetentionDays) * 24 * time.Hour,
				FullResyncEvery: cfg.FullResyncEvery,
				Triage: engine.TriageOptions{
					Enabled:    cfg.TriageEnabled,
					SourceList: cfg.TriageSourceList,
					WorkList:   cfg.TriageWorkList,
				},
			}
			if cfg.TriageEnabled {
				opts.Classifier = triage.New(cfg.ClassifyEndpoint, logger)
			}
			e := engine.New(store, dev, logger, opts)

			if !watch {
				return runPass(ctx, e)
			}

			logger.Info("watching", "interval", cfg.PassInterval)
			if err := runPass(ctx, e); err != nil {
				logger.Error("pass failed", "error", err)
			}
			ticker := time.NewTicker(cfg.PassInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := runPass(ctx, e); err != nil {
						if errors.Is(err, ledger.ErrNotAuthenticated) {
							return err
						}
						logger.Error("pass failed", "error", err)
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and log every decision without writing")
	cmd.Flags().BoolVar(&full, "full", false, "force a full fetch instead of a delta pass")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep reconciling on the configured interval")
	return cmd
}

func runPass(ctx context.Context, e *engine.Engine) error {
	report, err := e.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(report.Summary())
	for _, msg := range report.Errors {
		fmt.Fprintln(os.Stderr, "  error:", msg)
	}
	return nil
}

func newDedupeCmd(verbose *bool) *cobra.Command {
	var hard bool
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Sweep the ledger for duplicate tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(*verbose)
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.OwnerID == "" {
				return errors.New("ownerId is not configured")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, _, cleanup, err := stores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			tasks, err := store.Tasks(ctx, ledger.Query{OwnerID: cfg.OwnerID})
			if err != nil {
				return fmt.Errorf("loading tasks: %w", err)
			}

			mode := dedupe.Soft
			if hard {
				mode = dedupe.Hard
			}
			result, err := dedupe.Run(ctx, store, cfg.OwnerID, tasks, mode, time.Now(), logger)
			if err != nil {
				return err
			}
			fmt.Printf("dedupe (%s): %d groups, %d duplicates resolved\n", mode, result.Groups, result.Duplicates)
			return nil
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "delete duplicate documents instead of marking them")
	return cmd
}

func newAuthCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize bobsync against the ledger backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(*verbose)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := auth.Login(ctx, logger); err != nil {
				return err
			}
			fmt.Println("Authentication successful.")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bobsync version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("bobsync", version)
		},
	}
}
