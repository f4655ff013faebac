// stella-cli - administrative command-line interface for the Stella ledger.
//
// Operations:
// - Balance management (get, add, deduct)
// - User management (create/touch)
// - Aggregate stats
// - Paid-operation simulation for smoke-testing the refund envelope
//
// Usage:
//   stella-cli balance get --user-id 12345
//   stella-cli balance add --user-id 12345 --amount 50
//   stella-cli user create --user-id 12345 --username alice
//   stella-cli stats
//   stella-cli simulate --user-id 12345 --cost 25 --fail
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portraitlab/stella/internal/cache"
	"github.com/portraitlab/stella/internal/config"
	"github.com/portraitlab/stella/internal/generation"
	"github.com/portraitlab/stella/internal/ledger"
	"github.com/portraitlab/stella/internal/store"
	"github.com/portraitlab/stella/internal/tasks"
)

var (
	// Version is set during build
	Version = "dev"

	verbose bool

	st        *store.Store
	ledgerSvc *ledger.Service
	queue     *tasks.Queue
	memCache  *cache.Memory
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:           "stella-cli",
		Short:         "Administrative CLI for the Stella credit ledger",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := log.Level(level)

			cfg := config.Load()
			var err error
			st, err = store.New(cfg.DatabaseURL, cfg.PoolMinConns, cfg.PoolMaxConns, cfg.DefaultBalance, logger)
			if err != nil {
				return fmt.Errorf("postgres connection failed: %w", err)
			}
			if err := st.EnsureSchema(cmd.Context()); err != nil {
				return fmt.Errorf("schema check failed: %w", err)
			}

			// Admin commands run one-shot: a tiny cache and queue are
			// still wired so the ledger behaves exactly as in the server.
			memCache = cache.NewMemory(cfg.CacheTTL)
			queue = tasks.NewQueue(cfg.TaskQueueCapacity, st, logger)
			queue.Start()
			ledgerSvc = ledger.NewService(st, memCache, queue, logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			// Give queued audit writes a moment before abandoning them.
			time.Sleep(200 * time.Millisecond)
			if queue != nil {
				queue.Stop()
			}
			if memCache != nil {
				memCache.Stop()
			}
			if st != nil {
				st.Close()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(balanceCmd(), userCmd(), statsCmd(), simulateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Balance operations",
	}

	var userID int64
	get := &cobra.Command{
		Use:   "get",
		Short: "Show a user's current balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			balance := ledgerSvc.GetBalance(cmd.Context(), userID)
			fmt.Printf("user %d: %d stars\n", userID, balance)
			return nil
		},
	}
	get.Flags().Int64Var(&userID, "user-id", 0, "user id")
	get.MarkFlagRequired("user-id")

	var addUserID, addAmount int64
	add := &cobra.Command{
		Use:   "add",
		Short: "Credit stars to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addAmount <= 0 {
				return fmt.Errorf("amount must be positive")
			}
			balance := ledgerSvc.AdjustBalance(cmd.Context(), addUserID, addAmount)
			fmt.Printf("user %d: %d stars\n", addUserID, balance)
			return nil
		},
	}
	add.Flags().Int64Var(&addUserID, "user-id", 0, "user id")
	add.Flags().Int64Var(&addAmount, "amount", 0, "stars to add")
	add.MarkFlagRequired("user-id")
	add.MarkFlagRequired("amount")

	var dedUserID, dedAmount int64
	deduct := &cobra.Command{
		Use:   "deduct",
		Short: "Debit stars from a user (floors at zero)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dedAmount <= 0 {
				return fmt.Errorf("amount must be positive")
			}
			balance := ledgerSvc.AdjustBalance(cmd.Context(), dedUserID, -dedAmount)
			fmt.Printf("user %d: %d stars\n", dedUserID, balance)
			return nil
		},
	}
	deduct.Flags().Int64Var(&dedUserID, "user-id", 0, "user id")
	deduct.Flags().Int64Var(&dedAmount, "amount", 0, "stars to deduct")
	deduct.MarkFlagRequired("user-id")
	deduct.MarkFlagRequired("amount")

	cmd.AddCommand(get, add, deduct)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "User account operations",
	}

	var userID int64
	var username, firstName, lastName string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user (or refresh profile fields of an existing one)",
		RunE: func(cmd *cobra.Command, args []string) error {
			balance := ledgerSvc.CreateOrTouchUser(cmd.Context(), userID, username, firstName, lastName)
			fmt.Printf("user %d: %d stars\n", userID, balance)
			return nil
		},
	}
	create.Flags().Int64Var(&userID, "user-id", 0, "user id")
	create.Flags().StringVar(&username, "username", "", "username")
	create.Flags().StringVar(&firstName, "first-name", "", "first name")
	create.Flags().StringVar(&lastName, "last-name", "", "last name")
	create.MarkFlagRequired("user-id")

	cmd.AddCommand(create)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate account statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := st.UserStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("total users:       %d\n", stats.TotalUsers)
			fmt.Printf("total generations: %d\n", stats.TotalGenerations)
			fmt.Printf("average balance:   %.2f\n", stats.AvgBalance)
			return nil
		},
	}
}

// simulateCmd exercises the full debit/execute/refund envelope against the
// real ledger, standing in for the image API with a stub operation. Handy
// for verifying refund behavior in a staging environment.
func simulateCmd() *cobra.Command {
	var userID, cost int64
	var fail, skipConfirm bool
	var reconcileDelay time.Duration

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one paid operation against the ledger with a stub generator",
		RunE: func(cmd *cobra.Command, args []string) error {
			refunded := make(chan generation.FailureNotice, 1)
			orch := generation.NewOrchestrator(ledgerSvc, queue, reconcileDelay, log.Logger)
			defer orch.Shutdown()

			outcome, err := orch.Run(cmd.Context(), generation.Request{
				UserID: userID,
				Cost:   cost,
				Operation: func(ctx context.Context) ([]byte, error) {
					if fail {
						return nil, fmt.Errorf("stub generator failure")
					}
					return []byte("stub-image"), nil
				},
				OnFailure: func(n generation.FailureNotice) { refunded <- n },
			})
			if err != nil {
				fmt.Printf("outcome: %v (balance %d)\n", err, ledgerSvc.GetBalance(cmd.Context(), userID))
				return nil
			}

			fmt.Printf("generated %d bytes, balance %d, generation %s\n",
				len(outcome.Result), outcome.NewBalance, outcome.GenerationID)

			if skipConfirm {
				fmt.Printf("skipping delivery confirmation, waiting for reconciliation...\n")
				select {
				case n := <-refunded:
					fmt.Printf("refunded %d stars, balance %d\n", n.Refunded, n.NewBalance)
				case <-time.After(reconcileDelay + 5*time.Second):
					return fmt.Errorf("reconciliation never fired")
				}
				return nil
			}

			orch.ConfirmDelivered(outcome.GenerationID)
			fmt.Printf("delivery confirmed\n")
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user-id", 0, "user id")
	cmd.Flags().Int64Var(&cost, "cost", 25, "stars to charge")
	cmd.Flags().BoolVar(&fail, "fail", false, "make the stub operation fail")
	cmd.Flags().BoolVar(&skipConfirm, "skip-confirm", false, "never confirm delivery, exercising the timeout refund")
	cmd.Flags().DurationVar(&reconcileDelay, "reconcile-delay", 5*time.Second, "reconciliation delay for the simulation")
	cmd.MarkFlagRequired("user-id")
	return cmd
}
