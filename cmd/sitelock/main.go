package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	jsonOutput bool
	configPath string

	rootCmd = &cobra.Command{
		Use:   "sitelock",
		Short: "sitelock - site restriction enforcement",
		Long: `sitelock keeps a local cache of remotely managed site restrictions in sync
and decides, for every navigation, whether it is allowed. Restrictions can be
bypassed for a limited time after PIN verification.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
			if configPath != "" {
				_ = os.Setenv("SITELOCK_CONFIG", configPath)
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "settings file (default $SITELOCK_CONFIG or sitelock.yml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// output prints v as JSON when --json is set and falls back to text otherwise.
func output(v any, text func()) error {
	if !jsonOutput {
		text()
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
