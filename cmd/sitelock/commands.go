package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/daimoniac/sitelock/internal/config"
	"github.com/daimoniac/sitelock/internal/observability"
	"github.com/daimoniac/sitelock/internal/status"
	"github.com/daimoniac/sitelock/internal/types"
	"github.com/daimoniac/sitelock/internal/verifier"
)

var loginToken string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local cache with the directory once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(eng *engine) error {
			rec, _, err := eng.newReconciler()
			if err != nil {
				return err
			}

			out := rec.Reconcile(cmd.Context(), types.ToEpochMillis(time.Now()))
			if err := output(out, func() {
				fmt.Printf("Sync %s (run %s)\n", out.Status, out.RunID)
				fmt.Printf("  Restrictions: %d\n", out.Restrictions)
				fmt.Printf("  Changed: %t\n", out.Changed)
				fmt.Printf("  Dropped URLs: %d\n", out.DroppedURLs)
				fmt.Printf("  Exceptions pruned: %d expired, %d orphaned\n", out.ExpiredPruned, out.OrphanedPruned)
			}); err != nil {
				return err
			}
			if out.Err != nil {
				return fmt.Errorf("sync failed (%s): %w", out.Kind, out.Err)
			}
			return nil
		})
	},
}

var decideCmd = &cobra.Command{
	Use:   "decide <url>",
	Short: "Decide a URL against the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(eng *engine) error {
			g, err := eng.newGuard()
			if err != nil {
				return err
			}

			d := g.Decide(args[0], types.ToEpochMillis(time.Now()))
			return output(d, func() {
				fmt.Printf("%s (%s)\n", d.Result, d.Reason)
				if d.Blocked() {
					fmt.Printf("  Restriction: %d %s\n", d.RestrictionID, d.DisplayName)
					fmt.Printf("  Block page: %s\n", d.RedirectURL)
				}
			})
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(eng *engine) error {
			rep, err := status.NewReporter(eng.cache, eng.logger).Report(cmd.Context())
			if err != nil {
				return err
			}

			return output(rep, func() {
				fmt.Printf("Status: %s\n", rep.Indicator)
				if rep.LastSyncAt != nil {
					fmt.Printf("  Last sync: %s\n", *rep.LastSyncAt)
				} else {
					fmt.Println("  Last sync: never")
				}
				if rep.LastError != "" {
					fmt.Printf("  Last error: %s (%d consecutive failures)\n", rep.LastError, rep.ConsecutiveFailures)
				}
				fmt.Printf("  Restrictions: %d (%d active)\n", rep.Restrictions, rep.ActiveRestrictions)
				fmt.Printf("  Exceptions: %d (%d valid)\n", rep.Exceptions, rep.ValidExceptions)
			})
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the directory credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginToken == "" {
			return fmt.Errorf("--token is required")
		}
		return withEngine(cmd.Context(), func(eng *engine) error {
			if err := eng.cache.SetCredential(cmd.Context(), loginToken); err != nil {
				return err
			}
			fmt.Println("Credential stored.")
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the directory credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(eng *engine) error {
			if err := eng.cache.ClearCredential(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Credential removed. Cached restrictions stay enforced.")
			return nil
		})
	},
}

var hashPINCmd = &cobra.Command{
	Use:   "hash-pin <pin>",
	Short: "Print a bcrypt hash for VERIFIER_PIN_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := verifier.HashPIN(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "directory bearer token")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(hashPINCmd)
}

// withEngine loads configuration, opens the store and runs fn. One-shot
// commands log to stderr so stdout stays parseable.
func withEngine(ctx context.Context, fn func(*engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eng, err := openEngine(ctx, cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer eng.Close()

	return fn(eng)
}

func cliLogger(cfg *config.Config) *slog.Logger {
	return observability.NewLoggerTo(os.Stderr, cfg.Observability.LogLevel)
}
