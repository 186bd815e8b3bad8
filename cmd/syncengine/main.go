// Command syncengine fetches URL lists through the adaptive engine and manages its configuration.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/objectfs/syncengine/internal/config"
)

var (
	// Build info (set by the build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configFile  string
	logLevel    string
	logFormat   string
	metricsAddr string
	trace       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "syncengine",
		Short: "Adaptive concurrent fetcher with tiered caching",
		Long: `syncengine executes batches of HTTP requests with adaptive concurrency,
pooled connections, retry with backoff and a two-tier response cache.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "config file path")
	pf.StringVarP(&flags.logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	pf.StringVarP(&flags.logFormat, "log-format", "f", "", "log format (json, text, console)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve /metrics, /stats and /health on this address")
	pf.BoolVar(&flags.trace, "trace", false, "print OpenTelemetry spans to stderr")

	rootCmd.AddCommand(newFetchCmd(flags))
	rootCmd.AddCommand(newConfigCmd(flags))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig reads the config file and applies command line overrides
func (f *globalFlags) loadConfig() (*config.Configuration, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if f.logLevel != "" {
		cfg.Global.LogLevel = strings.ToLower(f.logLevel)
	}
	if f.logFormat != "" {
		cfg.Global.LogFormat = strings.ToLower(f.logFormat)
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = f.metricsAddr
	}
	if f.trace {
		cfg.Tracing.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "syncengine\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
