package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portwatch/internal/config"
)

func newConfigCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
	}
	cmd.AddCommand(
		newConfigValidateCommand(v),
		newConfigShowCommand(v),
		newConfigInitCommand(),
	)
	return cmd
}

func newConfigValidateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "validate",
		Short:   "Check a configuration file",
		Example: `  portwatch config validate -c portwatch.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration %s is valid: %d hosts, %s mode\n",
				v.GetString("config"), len(cfg.Scan.Hosts), cfg.Scan.Mode)
			return nil
		},
	}
}

func newConfigShowCommand(v *viper.Viper) *cobra.Command {
	var hostsOnly bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		Example: `  portwatch config show -c portwatch.yaml
  portwatch config show -c portwatch.yaml --hosts`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if hostsOnly {
				renderProfileTable(cmd.OutOrStdout(), cfg)
				return nil
			}

			data, err := yaml.Marshal(redacted(cfg))
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&hostsOnly, "hosts", false, "print only the watched hosts as a table")
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "init <path>",
		Short:   "Write an example configuration file",
		Example: `  portwatch config init /etc/portwatch/portwatch.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.Example().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote example configuration to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// redacted returns a copy of cfg with secrets masked.
func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Integrations.Slack.WebhookURL != "" {
		out.Integrations.Slack.WebhookURL = "********"
	}
	if out.Integrations.Postgres.Password != "" {
		out.Integrations.Postgres.Password = "********"
	}
	return &out
}

func renderProfileTable(w io.Writer, cfg *config.Config) {
	table := tablewriter.NewWriter(w)
	table.Header("Host", "Port Type", "Ports", "Count")

	for _, h := range cfg.Scan.Hosts {
		profile := h.Ports.Profile()
		count := len(h.Ports.List)
		if h.Ports.Type == config.PortsRange {
			count = h.Ports.Upper - h.Ports.Lower + 1
		}
		_ = table.Append([]string{h.Host, h.Ports.Type, profile.String(), strconv.Itoa(count)})
	}

	_ = table.Render()
}
