// Package cli provides the command-line interface of portwatch. It
// implements the Cobra-based command tree: watch, scan, config and version.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	apihandlers "github.com/anstrom/portwatch/internal/api/handlers"
	"github.com/anstrom/portwatch/internal/config"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/scanning"
)

const envPrefix = "PORTWATCH"

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// newExecutor builds the scan backend. Replaced in tests.
var newExecutor = func(logger *logging.Logger) scanning.Executor {
	return scanning.NewNmapExecutor(logger)
}

// NewRootCommand builds the command tree with its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "portwatch",
		Short: "Watch hosts for open port changes",
		Long: `Portwatch scans a fixed list of hosts with nmap in repeating cycles and
reports every change: a host's first report, ports opening or closing, and
hosts going down or coming back up. Updates go to the log and to any
configured integration (Slack, Pub/Sub, PostgreSQL, websocket stream).`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, v)
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringP("log", "l", "", "log file path (overrides logging.output)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(
		newWatchCommand(v),
		newScanCommand(v),
		newConfigCommand(v),
		newVersionCommand(),
	)
	return rootCmd
}

// Execute runs the root command and exits non-zero on failure. It is
// called by main.main().
func Execute() {
	if err := ExecuteContext(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// ExecuteContext runs the command tree with args.
func ExecuteContext(ctx context.Context, args []string) error {
	rootCmd := NewRootCommand()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// bindFlags makes PORTWATCH_<FLAG> environment variables act as defaults
// for the global flags, e.g. PORTWATCH_CONFIG for --config.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Root().PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		if err := v.BindPFlag(f.Name, cmd.Flags().Lookup(f.Name)); err != nil {
			bindErr = fmt.Errorf("failed to bind %s flag: %w", f.Name, err)
		}
	})
	return bindErr
}

// loadConfig loads the configuration named by --config and applies the
// --log and --debug overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString("config")
	if path == "" {
		return nil, fmt.Errorf("no configuration file given, use --config or %s_CONFIG", envPrefix)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration %s: %w", path, err)
	}

	if logPath := v.GetString("log"); logPath != "" {
		cfg.Logging.Output = logPath
	}
	if v.GetBool("debug") {
		cfg.Logging.Level = string(logging.LevelDebug)
	}
	return cfg, nil
}

// initLogging builds the logger for cfg and makes it the package default.
func initLogging(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.SetDefault(logger)
	return logger, nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	apihandlers.SetBuildInfo(v, c, bt)
}
