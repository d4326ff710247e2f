package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/u2sebau2/librechat-custom-sub004/internal/oauth"
)

var (
	authCmd = &cobra.Command{
		Use:   "auth",
		Short: "Manage per-user OAuth authorization for MCP servers",
		Long: `Inspect and manage the OAuth tokens stored for users of OAuth-protected servers.

Examples:
  mcpconnect auth status --user=alice --server=github
  mcpconnect auth revoke --user=alice --server=github
  mcpconnect auth cancel --user=alice --server=github`,
	}

	authStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the stored token state for a user and server",
		RunE:  runAuthStatus,
	}

	authRevokeCmd = &cobra.Command{
		Use:   "revoke",
		Short: "Revoke and delete a user's tokens for a server",
		Long: `Revoke the user's access and refresh tokens at the server's authorization
server and delete them locally. The user's connection to the server is closed;
the next call starts a new authorization.`,
		RunE: runAuthRevoke,
	}

	authCancelCmd = &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a user's pending authorization for a server",
		RunE:  runAuthCancel,
	}

	authUser    string
	authServer  string
	authTimeout time.Duration
	authOutput  string
)

// GetAuthCommand returns the auth command for adding to the root command
func GetAuthCommand() *cobra.Command {
	return authCmd
}

func init() {
	authCmd.PersistentFlags().StringVarP(&authUser, "user", "u", "", "User ID (required)")
	authCmd.PersistentFlags().StringVarP(&authServer, "server", "s", "", "Server name (required)")
	authCmd.PersistentFlags().DurationVarP(&authTimeout, "timeout", "t", 30*time.Second, "Operation timeout")
	authStatusCmd.Flags().StringVarP(&authOutput, "output", "o", "", "Output format (table, json, yaml)")

	_ = authCmd.MarkPersistentFlagRequired("user")
	_ = authCmd.MarkPersistentFlagRequired("server")

	authCmd.AddCommand(authStatusCmd, authRevokeCmd, authCancelCmd)
}

// tokenStatus is the printable view of a stored token set; secrets never leave it
type tokenStatus struct {
	UserID          string    `json:"user_id" yaml:"user_id"`
	Server          string    `json:"server" yaml:"server"`
	Stored          bool      `json:"stored" yaml:"stored"`
	Expired         bool      `json:"expired" yaml:"expired"`
	HasRefreshToken bool      `json:"has_refresh_token" yaml:"has_refresh_token"`
	ExpiresAt       time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Scope           string    `json:"scope,omitempty" yaml:"scope,omitempty"`
}

func newTokenStatus(userID, serverName string, tokens *oauth.TokenSet, now time.Time) tokenStatus {
	status := tokenStatus{UserID: userID, Server: serverName}
	if tokens == nil {
		return status
	}
	status.Stored = true
	status.Expired = tokens.Expired(now, 0)
	status.HasRefreshToken = tokens.RefreshToken != ""
	status.ExpiresAt = tokens.ExpiresAt
	status.Scope = tokens.Scope
	return status
}

func writeTokenStatus(w io.Writer, format string, status tokenStatus) error {
	expires := "-"
	if !status.ExpiresAt.IsZero() {
		expires = status.ExpiresAt.Local().Format(time.RFC3339)
	}
	return printTable(w, format,
		[]string{"USER", "SERVER", "STORED", "EXPIRED", "REFRESHABLE", "EXPIRES"},
		[][]string{{
			status.UserID,
			status.Server,
			yesNo(status.Stored),
			yesNo(status.Stored && status.Expired),
			yesNo(status.HasRefreshToken),
			expires,
		}})
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// Token status reads storage directly, which a running server holds locked
func runAuthStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), authTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonClient(ctx, cfg) != nil {
		return fmt.Errorf("auth status reads local storage; stop the server listening on %s first", cfg.Listen)
	}
	logger, redactor, err := setupLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger, redactor)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	tokens, err := a.oauth.Tokens().StoredTokens(ctx, authUser, authServer)
	if err != nil {
		return fmt.Errorf("failed to read tokens: %w", err)
	}
	status := newTokenStatus(authUser, authServer, tokens, time.Now())
	if format := authOutput; format != "" && format != "table" {
		return printData(cmd.OutOrStdout(), format, status)
	}
	return writeTokenStatus(cmd.OutOrStdout(), authOutput, status)
}

func runAuthRevoke(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), authTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if client := daemonClient(ctx, cfg); client != nil {
		if err := client.RevokeTokens(ctx, authUser, authServer); err != nil {
			return cliError("failed to revoke tokens", err)
		}
	} else {
		logger, redactor, err := setupLogger(cfg, false)
		if err != nil {
			return fmt.Errorf("failed to setup logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		a, err := newApp(ctx, cfg, logger, redactor)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		if err := a.manager.RevokeUserTokens(ctx, authUser, authServer); err != nil {
			return fmt.Errorf("failed to revoke tokens: %w", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Tokens for user '%s' on server '%s' revoked\n", authUser, authServer)
	return nil
}

// Pending flows only exist in a running server's flow store
func runAuthCancel(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), authTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := daemonClient(ctx, cfg)
	if client == nil {
		return fmt.Errorf("no server is listening on %s; pending authorizations only exist in a running server", cfg.Listen)
	}
	canceled, err := client.CancelOAuth(ctx, authUser, authServer)
	if err != nil {
		return cliError("failed to cancel authorization", err)
	}
	if canceled {
		fmt.Fprintf(cmd.OutOrStdout(), "Pending authorization for user '%s' on server '%s' canceled\n", authUser, authServer)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "No pending authorization for user '%s' on server '%s'\n", authUser, authServer)
	}
	return nil
}
