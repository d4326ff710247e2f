package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
)

var (
	configFile string
	dataDir    string
	listen     string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // This will be injected by -ldflags during build
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		code := exitCodeFor(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code != ExitCodeGeneralError {
			fmt.Fprintf(os.Stderr, "(%s)\n", exitCodeDescription(code))
		}
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mcpconnect",
		Short:         "MCP connection manager - shared and per-user MCP server connections with OAuth",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path (JSON or YAML)")
	flags.StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpconnect)")
	flags.StringVarP(&listen, "listen", "l", "", "Listen address of the HTTP API")
	flags.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.BoolVar(&logToFile, "log-to-file", false, "Also write logs to a rotating file")
	flags.StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")

	cobra.OnInitialize(config.SetupViper)
	bindViperFlags(flags, "config", "data-dir", "listen", "log-level")

	rootCmd.AddCommand(
		GetServeCommand(),
		GetServersCommand(),
		GetToolsCommand(),
		GetCallCommand(),
		GetAuthCommand(),
		GetConfigCommand(),
	)
	return rootCmd
}

// bindViperFlags lets viper read the named flags as config overrides
func bindViperFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("Failed to bind %s flag: %v", name, err))
		}
	}
}

// loadConfig loads the configuration named by --config (or found in the
// usual locations) with flag and MCPC_* overrides applied
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &configError{err: err}
	}
	return cfg, nil
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
