package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/oauth"
	"github.com/u2sebau2/librechat-custom-sub004/internal/transport"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	"go.uber.org/zap"
)

// SessionFactory builds the protocol session for a resolved server config
type SessionFactory func(ctx context.Context, cfg *config.ServerConfig, headers transport.HeaderFunc) (Session, error)

// DefaultSessionFactory builds mcp-go clients over the configured transport
func DefaultSessionFactory(logger *zap.Logger, trace bool) SessionFactory {
	return func(_ context.Context, cfg *config.ServerConfig, headers transport.HeaderFunc) (Session, error) {
		c, err := transport.NewClient(cfg, transport.Options{
			Headers:    cfg.Headers,
			HeaderFunc: headers,
			Timeout:    cfg.Timeout.Std(),
			Trace:      trace,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// FactoryConfig configures a ConnectionFactory
type FactoryConfig struct {
	Settings *config.MCPSettings
	// OAuth drives authorization for user-scoped connections; nil disables OAuth
	OAuth    *oauth.Handler
	Sessions SessionFactory
	// Env backs ${NAME} placeholders
	Env map[string]string
	// Listener is subscribed to every connection the factory creates
	Listener types.Listener
	Trace    bool
}

// CreateOptions describes one connection to build
type CreateOptions struct {
	ServerName     string
	Config         *config.ServerConfig
	User           *config.UserInfo
	CustomUserVars map[string]string
	RequestBody    map[string]string
	RequestHeaders map[string]string

	// RequiresOAuth is the registry's detection result for the server
	RequiresOAuth bool
	// ReturnOnOAuth returns *OAuthPendingError instead of blocking for the user
	ReturnOnOAuth bool
	// OAuthStart surfaces the authorization URL to the end user
	OAuthStart func(ctx context.Context, authorizationURL string) error
	// OAuthEnd runs after the post-authorization connect succeeds
	OAuthEnd func(ctx context.Context)
	// ConnectionTimeout overrides the init timeout for this connection
	ConnectionTimeout time.Duration
}

// ConnectionFactory builds connections, wiring token retrieval, refresh
// and the OAuth flow for servers that require it
type ConnectionFactory struct {
	settings *config.MCPSettings
	oauth    *oauth.Handler
	sessions SessionFactory
	env      map[string]string
	listener types.Listener
	logger   *zap.Logger
}

// NewConnectionFactory creates a connection factory
func NewConnectionFactory(cfg FactoryConfig, logger *zap.Logger) *ConnectionFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := cfg.Settings
	if settings == nil {
		settings = config.DefaultMCPSettings()
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = DefaultSessionFactory(logger, cfg.Trace)
	}
	return &ConnectionFactory{
		settings: settings,
		oauth:    cfg.OAuth,
		sessions: sessions,
		env:      cfg.Env,
		listener: cfg.Listener,
		logger:   logger.Named("factory"),
	}
}

// Settings returns the lifecycle settings applied to new connections
func (f *ConnectionFactory) Settings() *config.MCPSettings {
	return f.settings
}

func (f *ConnectionFactory) reconnectPolicy() ReconnectPolicy {
	policy := DefaultReconnectPolicy()
	policy.MaxAttempts = f.settings.MaxReconnectAttempts
	policy.BaseDelay = f.settings.ReconnectBaseDelay.Std()
	policy.MaxDelay = f.settings.ReconnectMaxDelay.Std()
	return policy
}

// Create builds and connects a connection. For OAuth servers without usable
// tokens it starts the authorization flow, calls OAuthStart, and then either
// waits for the callback or, with ReturnOnOAuth, returns *OAuthPendingError.
func (f *ConnectionFactory) Create(ctx context.Context, opts CreateOptions) (*Connection, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, opts.ServerName)
	}

	userID := ""
	if opts.User != nil {
		userID = opts.User.ID
	}
	resolved := config.ResolvePlaceholders(opts.Config, config.PlaceholderContext{
		User:           opts.User,
		CustomUserVars: opts.CustomUserVars,
		RequestBody:    opts.RequestBody,
		Env:            f.env,
	})
	resolved.Name = opts.ServerName

	initTimeout := resolved.EffectiveInitTimeout(f.settings.InitTimeout.Std())
	if opts.ConnectionTimeout > 0 {
		initTimeout = opts.ConnectionTimeout
	}

	conn := NewConnection(ConnectionOptions{
		ServerName: opts.ServerName,
		UserID:     userID,
		Config:     resolved,
		Builder: func(ctx context.Context, headers transport.HeaderFunc) (Session, error) {
			return f.sessions(ctx, resolved, headers)
		},
		Reconnect:   f.reconnectPolicy(),
		InitTimeout: initTimeout,
		CheckTTL:    f.settings.ConnectionCheckTTL.Std(),
		Logger:      f.logger,
	})
	conn.SetRequestHeaders(opts.RequestHeaders)
	if f.listener != nil {
		conn.Subscribe(f.listener)
	}

	useOAuth := userID != "" && f.oauth != nil && resolved.IsRemote()
	if useOAuth {
		tokens, err := f.loadTokens(ctx, conn, resolved)
		if err != nil {
			_ = conn.Disconnect()
			return nil, err
		}
		if tokens == nil && opts.RequiresOAuth {
			return f.authorize(ctx, conn, resolved, opts)
		}
	}

	err := conn.Connect(ctx)
	if err == nil {
		return conn, nil
	}
	if useOAuth && errors.Is(err, ErrOAuthRequired) {
		f.logger.Info("Server rejected credentials, starting OAuth",
			zap.String("server", opts.ServerName),
			zap.String("user_id", userID))
		return f.authorize(ctx, conn, resolved, opts)
	}
	_ = conn.Disconnect()
	return nil, err
}

func (f *ConnectionFactory) tokenSource(userID string, resolved *config.ServerConfig) TokenSource {
	return func(ctx context.Context) (*oauth.TokenSet, error) {
		return f.oauth.Tokens().GetTokens(ctx, oauth.GetTokensRequest{
			UserID:     userID,
			ServerName: resolved.Name,
			Refresh:    f.oauth.RefreshFunc(resolved.URL, resolved.OAuth),
		})
	}
}

// loadTokens installs stored tokens on conn, refreshing them if needed.
// Unusable tokens are reported as nil so the caller re-authorizes.
func (f *ConnectionFactory) loadTokens(ctx context.Context, conn *Connection, resolved *config.ServerConfig) (*oauth.TokenSet, error) {
	source := f.tokenSource(conn.UserID(), resolved)
	tokens, err := source(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Info("Stored OAuth tokens unusable, re-authorization required",
			zap.String("server", resolved.Name),
			zap.String("user_id", conn.UserID()),
			zap.Error(err))
		return nil, nil
	}
	if tokens != nil {
		conn.SetOAuthTokens(tokens)
		conn.SetTokenSource(source)
	}
	return tokens, nil
}

func (f *ConnectionFactory) authorize(ctx context.Context, conn *Connection, resolved *config.ServerConfig, opts CreateOptions) (*Connection, error) {
	userID := conn.UserID()
	auth, err := f.oauth.InitiateOAuthFlow(ctx, opts.ServerName, resolved.URL, userID, resolved.OAuth)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("failed to initiate OAuth for %s: %w", opts.ServerName, err)
	}
	f.logger.Info("OAuth authorization required",
		zap.String("server", opts.ServerName),
		zap.String("user_id", userID),
		zap.String("flow_id", auth.FlowID))

	if opts.OAuthStart != nil {
		if err := opts.OAuthStart(ctx, auth.AuthorizationURL); err != nil {
			_ = conn.Disconnect()
			return nil, fmt.Errorf("oauthStart hook failed for %s: %w", opts.ServerName, err)
		}
	}

	wait := func(wctx context.Context) (*Connection, error) {
		tokens, err := f.oauth.Flows().WaitForFlow(wctx, auth.FlowID, oauth.FlowTypeOAuth)
		if err != nil {
			_ = conn.Disconnect()
			return nil, fmt.Errorf("OAuth flow for %s did not complete: %w", opts.ServerName, err)
		}
		conn.SetOAuthTokens(tokens)
		conn.SetTokenSource(f.tokenSource(userID, resolved))
		if err := conn.Connect(wctx); err != nil {
			_ = conn.Disconnect()
			return nil, err
		}
		if opts.OAuthEnd != nil {
			opts.OAuthEnd(wctx)
		}
		return conn, nil
	}

	if opts.ReturnOnOAuth {
		return nil, &OAuthPendingError{
			ServerName:       opts.ServerName,
			UserID:           userID,
			FlowID:           auth.FlowID,
			AuthorizationURL: auth.AuthorizationURL,
			wait:             wait,
		}
	}
	return wait(ctx)
}
