// Command selfpatch runs the self-modification safety layer: an audited,
// interruptible loop that applies proposed code and configuration
// changes atomically, validates them, and quarantines the ones that
// fail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"selfpatch/internal/config"
	"selfpatch/internal/orchestrator"
	"selfpatch/internal/types"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "selfpatch",
	Short: "selfpatch - audited self-modification safety layer",
	Long: `selfpatch accepts change proposals, converts them into structured edit
specifications, applies them to live files under an atomic two-state
guarantee, validates the result, and commits it to a feature branch.
Every action lands in an append-only audit log; failed values are
quarantined so they are not retried until their quarantine expires.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if cfg.Logging.Format == "console" {
			zcfg = zap.NewDevelopmentConfig()
		}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else if level, perr := zapcore.ParseLevel(cfg.Logging.Level); perr == nil {
			zcfg.Level = zap.NewAtomicLevelAt(level)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd is the daemon: automatic cycles plus the two signal triggers.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		a.orch.Start()
		if err := a.orch.WatchProposals(ctx); err != nil {
			logger.Warn("proposal watcher unavailable", zap.Error(err))
		}

		// The handlers do nothing but push into the notifier; all real
		// work happens on the orchestrator's own goroutines.
		notifier := a.orch.Notifier()
		sigs := make(chan os.Signal, 4)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
		defer signal.Stop(sigs)
		go func() {
			for sig := range sigs {
				switch sig {
				case syscall.SIGUSR1:
					notifier.UserPriority()
				case syscall.SIGUSR2:
					notifier.Emergency()
				default:
					cancel()
					return
				}
			}
		}()

		logger.Info("selfpatch running",
			zap.String("state_dir", cfg.StateDir),
			zap.Strings("work_roots", cfg.WorkRoots))
		if err := a.orch.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		a.orch.Start()
		return a.orch.RunCycle(cmd.Context(), orchestrator.CycleUser)
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <proposal.json>",
	Short: "Apply one proposal through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var proposal types.ChangeProposal
		if err := json.Unmarshal(data, &proposal); err != nil {
			return fmt.Errorf("parse proposal: %w", err)
		}

		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		ok, message := a.orch.ApplyProposal(cmd.Context(), proposal)
		fmt.Println(message)
		if !ok {
			return fmt.Errorf("proposal %s not applied", proposal.ID)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proposal and quarantine state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		proposals, err := a.store.Proposals()
		if err != nil {
			return err
		}
		counts := map[types.ProposalStatus]int{}
		for _, p := range proposals {
			counts[p.Status]++
		}
		entries, err := a.registry.Entries()
		if err != nil {
			return err
		}

		return printJSON(map[string]any{
			"orchestrator": a.orch.GetStatus(),
			"proposals":    counts,
			"quarantined":  len(entries),
		})
	},
}

var (
	historyLimit  int
	diagnoseLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		records, err := a.store.ReadHistory(historyLimit)
		if err != nil {
			return err
		}
		for _, rec := range records {
			line, _ := json.Marshal(rec)
			fmt.Println(string(line))
		}
		return nil
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Summarize recent history for triage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		diag, err := a.orch.DiagnoseRecentHistory(diagnoseLimit)
		if err != nil {
			return err
		}
		return printJSON(diag)
	},
}

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect or release quarantined values",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active quarantine entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		entries, err := a.registry.Entries()
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var quarantineReleaseCmd = &cobra.Command{
	Use:   "release <parameter> [value]",
	Short: "Release a quarantined parameter (operator override)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		value := ""
		if len(args) == 2 {
			value = args[1]
		}
		if err := a.registry.Release(args[0], value); err != nil {
			return err
		}
		fmt.Printf("released %s\n", args[0])
		return nil
	},
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "selfpatch.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "records to show")
	diagnoseCmd.Flags().IntVarP(&diagnoseLimit, "limit", "n", 200, "records to inspect")

	quarantineCmd.AddCommand(quarantineListCmd, quarantineReleaseCmd)
	rootCmd.AddCommand(runCmd, cycleCmd, applyCmd, statusCmd, historyCmd, diagnoseCmd, quarantineCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
