package cli

import (
	"github.com/spf13/cobra"

	"github.com/getmockd/pubsubd/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display resolved configuration",
	Long: `Display the configuration serve would run with, after merging defaults,
the config file, PUBSUBD_* environment variables and flags. The command
fails when the result is invalid.`,
	Example: `  pubsubd config
  PUBSUBD_ADDR=:9000 pubsubd config --relay-url redis://localhost:6379`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, configFlags)
		if err != nil {
			return err
		}
		return printConfig(cmd, cfg)
	},
}

var configFlags *serverFlags

func init() {
	configFlags = addServerFlags(configCmd)
	rootCmd.AddCommand(configCmd)
}

func printConfig(cmd *cobra.Command, cfg *config.Config) error {
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
