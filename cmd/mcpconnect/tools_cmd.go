package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/u2sebau2/librechat-custom-sub004/internal/registry"
)

const maxDescriptionWidth = 60

var (
	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "List the tools exposed by the configured servers",
		Long: `List every tool available through the manager, keyed as <tool>_mcp_<server>.
When a server is running on the listen address the list comes from it and
includes the tools of the user's open connections; otherwise the servers are
probed in-process and only app-level tools are listed.

Examples:
  mcpconnect tools
  mcpconnect tools --user=alice -o json
  mcpconnect tools --server=files`,
		RunE: runTools,
	}

	toolsUser    string
	toolsServer  string
	toolsTimeout time.Duration
	toolsOutput  string
)

// GetToolsCommand returns the tools command for adding to the root command
func GetToolsCommand() *cobra.Command {
	return toolsCmd
}

func init() {
	toolsCmd.Flags().StringVarP(&toolsUser, "user", "u", "", "User ID whose connections are included")
	toolsCmd.Flags().StringVarP(&toolsServer, "server", "s", "", "Only list tools of this server")
	toolsCmd.Flags().DurationVarP(&toolsTimeout, "timeout", "t", 60*time.Second, "Overall timeout")
	toolsCmd.Flags().StringVarP(&toolsOutput, "output", "o", "", "Output format (table, json, yaml)")
}

func runTools(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), toolsTimeout)
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

	var tools registry.ToolFunctions
	if client := daemonClient(ctx, cfg); client != nil {
		logger.Debug("Using running server", zap.String("listen", cfg.Listen))
		if tools, err = client.ListTools(ctx, toolsUser); err != nil {
			return cliError("failed to list tools", err)
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
		tools = a.manager.GetAllToolFunctions(ctx, toolsUser)
	}

	return writeTools(cmd.OutOrStdout(), toolsOutput, tools, toolsServer)
}

func writeTools(w io.Writer, format string, tools registry.ToolFunctions, serverFilter string) error {
	keys := make([]string, 0, len(tools))
	for key := range tools {
		if _, server, ok := registry.ParseToolKey(key); ok && (serverFilter == "" || server == serverFilter) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		tool, server, _ := registry.ParseToolKey(key)
		rows = append(rows, []string{server, tool, truncate(tools[key].Function.Description, maxDescriptionWidth)})
	}
	return printTable(w, format, []string{"SERVER", "TOOL", "DESCRIPTION"}, rows)
}

func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= width {
		return s
	}
	return string([]rune(s)[:width-3]) + "..."
}
