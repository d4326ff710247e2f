package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/u2sebau2/librechat-custom-sub004/internal/registry"
)

var (
	serversCmd = &cobra.Command{
		Use:   "servers",
		Short: "List configured servers and their probe state",
		Long: `List every configured server with what probing found: whether it needs
OAuth, whether it is served from the shared app-level pool, and how many
tools it exposes.

Examples:
  mcpconnect servers
  mcpconnect servers -o json`,
		RunE: runServers,
	}

	serversTimeout time.Duration
	serversOutput  string
)

// GetServersCommand returns the servers command for adding to the root command
func GetServersCommand() *cobra.Command {
	return serversCmd
}

func init() {
	serversCmd.Flags().DurationVarP(&serversTimeout, "timeout", "t", 60*time.Second, "Overall timeout")
	serversCmd.Flags().StringVarP(&serversOutput, "output", "o", "", "Output format (table, json, yaml)")
}

func runServers(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), serversTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, redactor, err := setupLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var servers []registry.ServerState
	if client := daemonClient(ctx, cfg); client != nil {
		if servers, err = client.ListServers(ctx); err != nil {
			return cliError("failed to list servers", err)
		}
	} else {
		a, err := newApp(ctx, cfg, logger, redactor)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		if err := a.initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize servers: %w", err)
		}
		servers = a.manager.GetAllServers()
	}

	return writeServers(cmd.OutOrStdout(), serversOutput, servers)
}

func writeServers(w io.Writer, format string, servers []registry.ServerState) error {
	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		status := "ok"
		switch {
		case !s.Probed:
			status = "not probed"
		case s.Error != "":
			status = truncate(s.Error, maxDescriptionWidth)
		case !s.Available:
			status = "unavailable"
		}
		rows = append(rows, []string{
			s.Name,
			yesNo(s.RequiresOAuth),
			yesNo(s.AppEligible),
			strconv.Itoa(s.ToolCount),
			status,
		})
	}
	return printTable(w, format, []string{"SERVER", "OAUTH", "APP", "TOOLS", "STATUS"}, rows)
}
