package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	jsonLog bool
	apiKey  string
	apiURL  string
)

// RootCmd is the base command for kernelctl.
var RootCmd = &cobra.Command{
	Use:   "kernelctl",
	Short: "Client for the kerneld kernel orchestration service",
	Long: `kernelctl talks to a running kerneld server to create, drive, and
tear down interpreter kernels — in-process or sandboxed, Python or
JavaScript.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("KERNELD_API_KEY"), "API key for authentication")
	RootCmd.PersistentFlags().StringVar(&apiURL, "url", envOr("KERNELD_URL", "http://localhost:8088"), "kerneld server URL")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
