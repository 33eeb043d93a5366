package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/moat/internal/domain/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Config prints the configuration moat would run with: the file given by
--config (or moat.yaml in the working directory) merged over the defaults.

Examples:
  moat config                      # Defaults or ./moat.yaml as YAML
  moat config --format toml        # Same, as TOML
  moat config --config prod.toml   # Check a specific file`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

var configFormat string

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format (yaml, toml)")
	_ = configCmd.RegisterFlagCompletionFunc("format", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "toml"}, cobra.ShellCompDirectiveNoFileComp
	})
}

func runConfig(cmd *cobra.Command, _ []string) error {
	var format config.Format
	switch configFormat {
	case "yaml", "yml":
		format = config.FormatYAML
	case "toml":
		format = config.FormatTOML
	default:
		return fmt.Errorf("unknown format %q: use yaml or toml", configFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.Marshal(format)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
