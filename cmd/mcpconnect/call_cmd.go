package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/u2sebau2/librechat-custom-sub004/internal/cli/output"
	"github.com/u2sebau2/librechat-custom-sub004/internal/cliclient"
	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/httpapi"
	"github.com/u2sebau2/librechat-custom-sub004/internal/manager"
	"github.com/u2sebau2/librechat-custom-sub004/internal/reqcontext"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream"
)

var (
	callCmd = &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Call a tool on an MCP server",
		Long: `Call a tool through the manager. App-level servers use the shared
connection; every other server is reached with the given user's own
connection, authorizing through OAuth when the server requires it.

Examples:
  mcpconnect call files read_file --args='{"path":"README.md"}'
  mcpconnect call github search_issues --user=alice --args='{"query":"bug"}'
  mcpconnect call personal profile --user=alice --var=API_KEY=secret -o json`,
		Args: cobra.ExactArgs(2),
		RunE: runCall,
	}

	callUser     string
	callArgsJSON string
	callVars     []string
	callBody     []string
	callTimeout  time.Duration
	callOutput   string
)

// GetCallCommand returns the call command for adding to the root command
func GetCallCommand() *cobra.Command {
	return callCmd
}

func init() {
	callCmd.Flags().StringVarP(&callUser, "user", "u", "", "User ID the call is made for")
	callCmd.Flags().StringVarP(&callArgsJSON, "args", "a", "{}", "Tool arguments as a JSON object")
	callCmd.Flags().StringArrayVar(&callVars, "var", nil, "Custom user variable KEY=VALUE (repeatable)")
	callCmd.Flags().StringArrayVar(&callBody, "body", nil, "Request body field KEY=VALUE for {{BODY_x}} placeholders (repeatable)")
	callCmd.Flags().DurationVarP(&callTimeout, "timeout", "t", 5*time.Minute, "Overall timeout, including time spent authorizing")
	callCmd.Flags().StringVarP(&callOutput, "output", "o", "", "Output format (table, json, yaml)")
}

func runCall(cmd *cobra.Command, args []string) error {
	serverName, toolName := args[0], args[1]

	var toolArgs map[string]interface{}
	if err := json.Unmarshal([]byte(callArgsJSON), &toolArgs); err != nil {
		return fmt.Errorf("invalid JSON arguments: %w", err)
	}
	vars, err := parseKeyValues(callVars)
	if err != nil {
		return fmt.Errorf("invalid --var: %w", err)
	}
	body, err := parseKeyValues(callBody)
	if err != nil {
		return fmt.Errorf("invalid --body: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, ok := cfg.Servers[serverName]; !ok {
		return fmt.Errorf("server '%s' not found in configuration. Available servers: %v", serverName, cfg.ServerNames())
	}

	logger, redactor, err := setupLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	out := cmd.OutOrStdout()
	if client := daemonClient(ctx, cfg); client != nil {
		logger.Debug("Using running server", zap.String("listen", cfg.Listen))
		resp, err := client.CallTool(ctx, callUser, serverName, toolName, httpapi.CallToolBody{
			Arguments:      toolArgs,
			CustomUserVars: vars,
			RequestBody:    body,
		})
		if err != nil {
			return daemonCallError(cmd.ErrOrStderr(), serverName, toolName, err)
		}
		return writeCallResult(out, callOutput, resp)
	}

	a, err := newApp(ctx, cfg, logger, redactor)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if err := a.initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize servers: %w", err)
	}

	// The OAuth redirect lands on the listen address, so serve the
	// callback for as long as the call may wait on it
	if callUser != "" && slices.Contains(a.manager.GetOAuthServers(), serverName) {
		stopCallback, err := serveCallback(cfg, a, logger)
		if err != nil {
			return err
		}
		defer stopCallback()
	}

	req := manager.CallToolRequest{
		ServerName:     serverName,
		ToolName:       toolName,
		Arguments:      toolArgs,
		CustomUserVars: vars,
		RequestBody:    body,
		OAuthStart: func(_ context.Context, authorizationURL string) error {
			fmt.Fprintf(cmd.ErrOrStderr(), "Server '%s' requires authorization. Open this URL in a browser:\n\n  %s\n\nWaiting for the authorization to complete...\n", serverName, authorizationURL)
			return nil
		},
	}
	if callUser != "" {
		req.User = &config.UserInfo{ID: callUser}
	}

	resp, err := a.manager.CallTool(reqcontext.WithMetadata(ctx, reqcontext.SourceCLI), req)
	if err != nil {
		return fmt.Errorf("failed to call tool '%s': %w", toolName, err)
	}
	return writeCallResult(out, callOutput, resp)
}

// serveCallback serves the HTTP API on the listen address until the returned stop func runs
func serveCallback(cfg *config.Config, a *app, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s for the OAuth callback: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           httpapi.NewServer(a.manager, logger, a.obs),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("OAuth callback listener stopped", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func daemonCallError(w io.Writer, serverName, toolName string, err error) error {
	var apiErr *cliclient.APIError
	if errors.As(err, &apiErr) && apiErr.AuthorizationURL != "" {
		serr := output.NewStructuredError(output.ErrCodeAuthRequired, apiErr.Message).
			WithGuidance("open " + apiErr.AuthorizationURL + " in a browser, then run the call again").
			WithRequestID(apiErr.RequestID)
		printError(w, callOutput, serr)
		return fmt.Errorf("server '%s' %w", serverName, upstream.ErrOAuthRequired)
	}
	return cliError(fmt.Sprintf("failed to call tool '%s'", toolName), err)
}

func writeCallResult(w io.Writer, format string, resp *manager.FormattedToolResponse) error {
	if output.ResolveFormat(format) != "table" {
		return printData(w, format, resp)
	}

	if resp.IsError {
		fmt.Fprintln(w, "Tool reported an error:")
	}
	fmt.Fprintln(w, resp.Content)
	for i, artifact := range resp.Artifacts {
		target := artifact.URL
		if target == "" {
			target = artifact.URI
		}
		if len(target) > 80 {
			target = target[:77] + "..."
		}
		fmt.Fprintf(w, "Artifact %d: %s %s %s\n", i+1, artifact.Type, artifact.MIMEType, target)
	}
	return nil
}
