package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/portwatch/internal/daemon"
)

func newWatchCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Scan the configured hosts continuously and report changes",
		Long: `Watch runs scan cycles over every configured host until interrupted.
The first result for each host is reported as an initial report; after
that only changes are reported. SIGINT or SIGTERM stops scanning and
flushes pending updates. SIGUSR1 logs a status dump and SIGUSR2 toggles
debug logging.`,
		Example: `  portwatch watch --config /etc/portwatch/portwatch.yaml
  portwatch watch -c portwatch.yaml --debug --log /var/log/portwatch.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := initLogging(cfg)
			if err != nil {
				return err
			}

			d, err := daemon.New(cmd.Context(), cfg,
				daemon.WithLogger(logger),
				daemon.WithExecutor(newExecutor(logger)))
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}
}
