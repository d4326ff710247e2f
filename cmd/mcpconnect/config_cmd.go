package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the configuration after defaults and overrides are applied",
		Long: `Print the effective configuration. Secret references such as
${keyring:name} and ${env:NAME} are shown as written; they are only resolved
when a command connects to servers.

Examples:
  mcpconnect config show
  mcpconnect config show -o json`,
		RunE: runConfigShow,
	}

	configValidateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE:  runConfigValidate,
	}

	configShowOutput string
)

// GetConfigCommand returns the config command for adding to the root command
func GetConfigCommand() *cobra.Command {
	return configCmd
}

func init() {
	configShowCmd.Flags().StringVarP(&configShowOutput, "output", "o", "yaml", "Output format (yaml, json)")
	configCmd.AddCommand(configShowCmd, configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return writeConfig(cmd.OutOrStdout(), configShowOutput, cfg)
}

func writeConfig(w io.Writer, format string, cfg *config.Config) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		data, err = config.MarshalYAML(cfg)
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return fmt.Errorf("unsupported output format: %s (supported: yaml, json)", format)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = fmt.Fprint(w, ensureNewline(string(data)))
	return err
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: %d servers (%s)\n",
		len(cfg.Servers), strings.Join(cfg.ServerNames(), ", "))
	return nil
}
