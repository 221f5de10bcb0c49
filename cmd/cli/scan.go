package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/portwatch/internal/daemon"
	"github.com/anstrom/portwatch/internal/watch"
)

func newScanCommand(v *viper.Viper) *cobra.Command {
	var (
		notify bool
		cycles uint64
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run scan cycles once and print the results",
		Long: `Scan runs a fixed number of scan cycles (one by default) over the
configured hosts and prints the last known state of every host as a table.
The status API is not started. Integrations are only notified with --notify.`,
		Example: `  portwatch scan -c portwatch.yaml
  portwatch scan -c portwatch.yaml --cycles 2 --notify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cycles == 0 {
				return fmt.Errorf("--cycles must be at least 1")
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := initLogging(cfg)
			if err != nil {
				return err
			}

			cfg.API.Enabled = false
			if !notify {
				cfg.Integrations.Slack.Enabled = false
				cfg.Integrations.PubSub.Enabled = false
				cfg.Integrations.Postgres.Enabled = false
			}

			d, err := daemon.New(cmd.Context(), cfg,
				daemon.WithLogger(logger),
				daemon.WithExecutor(newExecutor(logger)),
				daemon.WithMaxCycles(cycles))
			if err != nil {
				return err
			}
			if err := d.Run(cmd.Context()); err != nil {
				return err
			}

			renderHostTable(cmd.OutOrStdout(), d.Tracker().Status())
			return nil
		},
	}

	cmd.Flags().BoolVar(&notify, "notify", false, "deliver updates to the configured integrations")
	cmd.Flags().Uint64Var(&cycles, "cycles", 1, "number of scan cycles to run")
	return cmd
}

// renderHostTable prints one row per tracked port, or a single row for a
// host without open ports.
func renderHostTable(w io.Writer, hosts []watch.HostStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Host", "Status", "Port", "State", "Service")

	for i := range hosts {
		h := &hosts[i]
		status := "up"
		if !h.Reachable {
			status = "down"
		}

		if len(h.Ports) == 0 {
			_ = table.Append([]string{h.Host, status, "-", "-", "-"})
			continue
		}

		ports := make([]int, 0, len(h.Ports))
		for p := range h.Ports {
			ports = append(ports, p)
		}
		sort.Ints(ports)
		for _, p := range ports {
			st := h.Ports[p]
			_ = table.Append([]string{h.Host, status, strconv.Itoa(p), string(st.State), st.Service})
		}
	}

	_ = table.Render()
}
