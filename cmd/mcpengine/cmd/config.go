package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MegaGrindStone/mcp-engine/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after the config file, environment overrides and
defaults are applied, as YAML. Auth tokens are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		masked := *cfg
		masked.Server.AuthTokens = make([]string, len(cfg.Server.AuthTokens))
		for i := range masked.Server.AuthTokens {
			masked.Server.AuthTokens[i] = "********"
		}

		out, err := yaml.Marshal(masked)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if used := config.ConfigFileUsed(); used != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", used)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
