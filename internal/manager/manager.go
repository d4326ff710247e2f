// Package manager is the facade the host application talks to. It owns the
// servers registry, the shared app-level pool and the per-user pools, and
// routes tool calls to the right connection.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/oauth"
	"github.com/u2sebau2/librechat-custom-sub004/internal/observability"
	"github.com/u2sebau2/librechat-custom-sub004/internal/registry"
	"github.com/u2sebau2/librechat-custom-sub004/internal/reqcontext"
	"github.com/u2sebau2/librechat-custom-sub004/internal/storage"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	"go.uber.org/zap"
)

var (
	// ErrUserRequired is returned when a server can only be reached with a user context
	ErrUserRequired = errors.New("user context required")
	// ErrOAuthDisabled is returned by OAuth operations when no OAuth handler is configured
	ErrOAuthDisabled = errors.New("OAuth is not configured")
	// ErrMissingUserVars is returned when required custom user variables were not supplied
	ErrMissingUserVars = errors.New("missing custom user variables")
)

// Activity statuses
const (
	statusSuccess = "success"
	statusError   = "error"
	statusPending = "pending"
)

// Options wires the manager's collaborators
type Options struct {
	Config   *config.Config
	OAuth    *oauth.Handler
	Sessions upstream.SessionFactory
	// Activity receives the audit trail; nil disables it
	Activity      *storage.ActivityLog
	Observability *observability.Manager
	Notifications *upstream.NotificationManager
	// HTTPClient is used for OAuth detection probes
	HTTPClient *http.Client
	Env        map[string]string
}

// CallToolRequest describes one tool invocation
type CallToolRequest struct {
	User           *config.UserInfo
	ServerName     string
	ToolName       string
	Arguments      map[string]interface{}
	CustomUserVars map[string]string
	RequestBody    map[string]string
	RequestHeaders map[string]string

	// ReturnOnOAuth makes the call fail fast with *upstream.OAuthPendingError
	// instead of waiting for the user to authorize
	ReturnOnOAuth bool
	OAuthStart    func(ctx context.Context, authorizationURL string) error
	OAuthEnd      func(ctx context.Context)

	// Timeout bounds the tool call itself; zero leaves it to ctx
	Timeout time.Duration
}

func (r CallToolRequest) userID() string {
	if r.User == nil {
		return ""
	}
	return r.User.ID
}

// Manager is constructed once by the host and shared by its request handlers
type Manager struct {
	factory       *upstream.ConnectionFactory
	registry      *registry.ServersRegistry
	app           *upstream.ConnectionsRepository
	users         *upstream.UserConnectionManager
	oauth         *oauth.Handler
	activity      *storage.ActivityLog
	obs           *observability.Manager
	notifications *upstream.NotificationManager
	logger        *zap.Logger

	shutdownOnce sync.Once
}

// New builds a manager. Nothing connects until Initialize.
func New(opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("manager requires a configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("manager")

	settings := opts.Config.MCP
	if settings == nil {
		settings = config.DefaultMCPSettings()
	}

	obs := opts.Observability
	if obs == nil {
		var err error
		obs, err = observability.NewManager(logger.Sugar(), observability.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create observability manager: %w", err)
		}
	}

	notifications := opts.Notifications
	if notifications == nil {
		notifications = upstream.NewNotificationManager()
		notifications.AddHandler(upstream.LogNotificationHandler(logger))
	}

	m := &Manager{
		oauth:         opts.OAuth,
		activity:      opts.Activity,
		obs:           obs,
		notifications: notifications,
		logger:        logger,
	}

	metricsListener := obs.Metrics().ConnectionListener()
	notify := upstream.EventNotifier(notifications)
	m.factory = upstream.NewConnectionFactory(upstream.FactoryConfig{
		Settings: settings,
		OAuth:    opts.OAuth,
		Sessions: opts.Sessions,
		Env:      opts.Env,
		Listener: func(ev types.Event) {
			metricsListener(ev)
			notify(ev)
			m.recordConnectionEvent(ev)
		},
	}, logger)

	m.registry = registry.New(opts.Config.Servers, m.factory, registry.Options{HTTPClient: opts.HTTPClient}, logger)
	m.app = upstream.NewConnectionsRepository(nil, m.factory, logger)
	m.users = upstream.NewUserConnectionManager(m.registry.ServerConfigs(), m.factory, logger)
	m.users.SetEvictionHook(func(_ string, connections int) {
		m.obs.Metrics().RecordIdleEviction(connections)
		m.updatePoolStats()
	})
	return m, nil
}

// Initialize probes every server, connects the app-level pool and starts
// the idle sweep. App connections that fail are logged and retried lazily
// on first use.
func (m *Manager) Initialize(ctx context.Context) error {
	start := time.Now()
	if err := m.registry.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize servers registry: %w", err)
	}

	for name, cfg := range m.registry.AppServerConfigs() {
		if cfg.UsesUserContext() {
			continue
		}
		m.app.SetServerConfig(name, cfg)
	}
	conns, err := m.app.GetAll(ctx)
	if err != nil {
		m.logger.Warn("Some app-level connections failed", zap.Error(err))
	}

	m.users.Start()
	m.refreshGauges()

	m.logger.Info("MCP manager initialized",
		zap.Int("servers", len(m.registry.ServerNames())),
		zap.Int("app_connections", len(conns)),
		zap.Strings("oauth_servers", m.registry.OAuthServers()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Initialized reports whether Initialize has completed
func (m *Manager) Initialized() bool {
	return m.registry.Initialized()
}

// CallTool invokes a tool. App-level servers use the shared pool; every
// other server is reached through the caller's own connection.
func (m *Manager) CallTool(ctx context.Context, req CallToolRequest) (resp *FormattedToolResponse, err error) {
	userID := req.userID()
	ctx, span := m.obs.Tracing().TraceToolCall(ctx, req.ServerName, req.ToolName, userID)
	defer span.End()

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		m.obs.RecordToolCall(ctx, req.ServerName, req.ToolName, elapsed, err)
		m.recordToolActivity(ctx, req, elapsed, err)
	}()

	conn, err := m.connectionFor(ctx, req)
	if err != nil {
		return nil, connectionError(req.ServerName, userID, err)
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	m.logger.Debug("Calling tool",
		zap.String("server", req.ServerName),
		zap.String("tool", req.ToolName),
		zap.String("user_id", userID))
	result, err := conn.CallTool(callCtx, req.ToolName, req.Arguments)
	if err != nil {
		return nil, toolError(req.ServerName, req.ToolName, err)
	}

	if userID != "" {
		m.users.UpdateUserLastActivity(userID)
	}
	return FormatToolContent(result), nil
}

func (m *Manager) connectionFor(ctx context.Context, req CallToolRequest) (*upstream.Connection, error) {
	cfg, ok := m.registry.ServerConfig(req.ServerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", upstream.ErrUnknownServer, req.ServerName)
	}
	if m.app.Has(req.ServerName) {
		return m.app.Get(ctx, req.ServerName)
	}

	userID := req.userID()
	if userID == "" {
		return nil, ErrUserRequired
	}
	if missing := config.MissingCustomUserVars(cfg, req.CustomUserVars); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingUserVars, strings.Join(missing, ", "))
	}

	conn, err := m.users.GetUserConnection(ctx, upstream.UserConnectionRequest{
		User:           req.User,
		ServerName:     req.ServerName,
		CustomUserVars: req.CustomUserVars,
		RequestBody:    req.RequestBody,
		RequestHeaders: req.RequestHeaders,
		RequiresOAuth:  m.registry.RequiresOAuth(req.ServerName),
		ReturnOnOAuth:  req.ReturnOnOAuth,
		OAuthStart:     req.OAuthStart,
		OAuthEnd:       req.OAuthEnd,
	})
	m.updatePoolStats()
	return conn, err
}

// GetAllConnections returns the pooled app-level connections
func (m *Manager) GetAllConnections() map[string]*upstream.Connection {
	return m.app.GetLoaded()
}

// GetUserConnections returns the pooled connections of one user
func (m *Manager) GetUserConnections(userID string) map[string]*upstream.Connection {
	return m.users.GetUserConnections(userID)
}

// ListActivity returns recorded activity newest first. Without an activity
// log it returns nothing.
func (m *Manager) ListActivity(filter storage.ActivityFilter) ([]*storage.ActivityRecord, error) {
	if m.activity == nil {
		return nil, nil
	}
	return m.activity.List(filter)
}

// GetOAuthServers returns the servers that require per-user OAuth
func (m *Manager) GetOAuthServers() []string {
	return m.registry.OAuthServers()
}

// GetAllServers returns what the registry knows about every server
func (m *Manager) GetAllServers() []registry.ServerState {
	return m.registry.Servers()
}

// GetAppToolFunctions returns the tools available to every user
func (m *Manager) GetAppToolFunctions() registry.ToolFunctions {
	return m.registry.ToolFunctions()
}

// GetAllToolFunctions returns the app tools plus the tools of every server
// the user is currently connected to. A server that fails to list its
// tools is skipped.
func (m *Manager) GetAllToolFunctions(ctx context.Context, userID string) registry.ToolFunctions {
	out := m.registry.ToolFunctions()
	if userID == "" {
		return out
	}
	conns := m.users.GetUserConnections(userID)
	names := make([]string, 0, len(conns))
	for name := range conns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tools, err := conns[name].FetchTools(ctx)
		if err != nil {
			m.logger.Warn("Failed to list user server tools",
				zap.String("server", name),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		out.Merge(registry.BuildToolFunctions(name, tools))
	}
	return out
}

// GetInstructions returns server instructions keyed by server name. With
// no names every server that has instructions is included.
func (m *Manager) GetInstructions(serverNames ...string) map[string]string {
	return m.registry.Instructions(serverNames...)
}

// FormatInstructionsForContext renders instructions for a system prompt
func (m *Manager) FormatInstructionsForContext(serverNames ...string) string {
	return FormatInstructions(m.registry.Instructions(serverNames...))
}

// Reinitialize drops every connection to the server, re-probes it and
// reconnects the app-level connection when the server is still eligible
func (m *Manager) Reinitialize(ctx context.Context, serverName string) (registry.ServerState, error) {
	if _, ok := m.registry.ServerConfig(serverName); !ok {
		return registry.ServerState{}, fmt.Errorf("%w: %s", upstream.ErrUnknownServer, serverName)
	}
	m.logger.Info("Reinitializing server", zap.String("server", serverName))

	if err := m.app.Disconnect(serverName); err != nil {
		m.logger.Debug("Closing app connection", zap.String("server", serverName), zap.Error(err))
	}
	for _, userID := range m.users.UserIDs() {
		if err := m.users.DisconnectUserConnection(userID, serverName); err != nil {
			m.logger.Debug("Closing user connection",
				zap.String("server", serverName),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	state, err := m.registry.Reprobe(ctx, serverName)
	if err != nil {
		return registry.ServerState{}, err
	}

	cfg, _ := m.registry.ServerConfig(serverName)
	if !state.AppEligible || cfg.UsesUserContext() {
		m.app.SetServerConfig(serverName, nil)
		m.refreshGauges()
		return state, nil
	}

	m.app.SetServerConfig(serverName, cfg)
	_, err = m.app.Get(ctx, serverName)
	m.refreshGauges()
	if err != nil {
		return state, fmt.Errorf("failed to reconnect %s: %w", serverName, err)
	}
	return state, nil
}

// CancelOAuth fails the user's pending authorization for the server and
// drops the connection that was waiting on it. It reports whether a flow
// was pending.
func (m *Manager) CancelOAuth(ctx context.Context, serverName, userID string) (bool, error) {
	if m.oauth == nil {
		return false, ErrOAuthDisabled
	}
	ctx, span := m.obs.Tracing().TraceOAuth(ctx, serverName, "cancel")
	defer span.End()

	canceled, err := m.oauth.CancelOAuthFlow(ctx, userID, serverName)
	if err != nil {
		m.obs.Tracing().SetSpanError(ctx, err)
		return false, fmt.Errorf("failed to cancel OAuth for %s: %w", serverName, err)
	}
	if err := m.users.DisconnectUserConnection(userID, serverName); err != nil {
		m.logger.Debug("Closing pending user connection", zap.String("server", serverName), zap.Error(err))
	}
	m.updatePoolStats()

	if canceled {
		m.obs.Metrics().RecordOAuthFlow(serverName, observability.OAuthCanceled)
		m.saveActivity(ctx, &storage.ActivityRecord{
			Type:       storage.ActivityOAuth,
			UserID:     userID,
			ServerName: serverName,
			Status:     statusError,
			Metadata:   map[string]string{"operation": "cancel"},
		})
	}
	return canceled, nil
}

// CompleteOAuth finishes the flow named by the callback state. Callers
// waiting on the flow are released with the new tokens.
func (m *Manager) CompleteOAuth(ctx context.Context, state, code string) (*oauth.CallbackResult, error) {
	if m.oauth == nil {
		return nil, ErrOAuthDisabled
	}
	ctx, span := m.obs.Tracing().TraceOAuth(ctx, "", "callback")
	defer span.End()

	start := time.Now()
	result, err := m.oauth.CompleteOAuthCallback(ctx, state, code)
	if err != nil {
		m.obs.Tracing().SetSpanError(ctx, err)
		metadata := map[string]string{"operation": "callback"}
		if oauth.IsCanceled(err) {
			// CancelOAuth already counted this flow
			m.logger.Info("OAuth callback arrived for a canceled flow")
			metadata["reason"] = observability.OAuthCanceled
		} else {
			m.obs.Metrics().RecordOAuthFlow("unknown", observability.OAuthFailed)
		}
		m.saveActivity(ctx, &storage.ActivityRecord{
			Type:         storage.ActivityOAuth,
			Status:       statusError,
			ErrorMessage: err.Error(),
			DurationMs:   time.Since(start).Milliseconds(),
			Metadata:     metadata,
		})
		return nil, err
	}

	m.obs.Metrics().RecordOAuthFlow(result.ServerName, observability.OAuthCompleted)
	m.saveActivity(ctx, &storage.ActivityRecord{
		Type:       storage.ActivityOAuth,
		UserID:     result.UserID,
		ServerName: result.ServerName,
		Status:     statusSuccess,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata:   map[string]string{"operation": "callback", "flow_id": result.FlowID},
	})
	m.logger.Info("OAuth authorization completed",
		zap.String("server", result.ServerName),
		zap.String("user_id", result.UserID))
	return result, nil
}

// RevokeUserTokens revokes the user's tokens at the authorization server,
// deletes them locally and drops the user's connection. Revocation failures
// are logged; the local tokens are deleted regardless.
func (m *Manager) RevokeUserTokens(ctx context.Context, userID, serverName string) error {
	if m.oauth == nil {
		return ErrOAuthDisabled
	}
	cfg, ok := m.registry.ServerConfig(serverName)
	if !ok {
		return fmt.Errorf("%w: %s", upstream.ErrUnknownServer, serverName)
	}
	ctx, span := m.obs.Tracing().TraceOAuth(ctx, serverName, "revoke")
	defer span.End()
	logger := m.logger.With(zap.String("server", serverName), zap.String("user_id", userID))

	store := m.oauth.Tokens()
	tokens, err := store.StoredTokens(ctx, userID, serverName)
	if err != nil {
		logger.Warn("Failed to read stored tokens for revocation", zap.Error(err))
	}
	clientInfo, metadata, err := store.GetClientInfoAndMetadata(ctx, userID, serverName)
	if err != nil {
		logger.Warn("Failed to read stored OAuth client for revocation", zap.Error(err))
	}

	if revoke := revokeRequest(cfg, clientInfo, metadata); tokens != nil && revoke.ClientID != "" {
		for _, t := range []struct{ token, hint string }{
			{tokens.AccessToken, oauth.TokenHintAccess},
			{tokens.RefreshToken, oauth.TokenHintRefresh},
		} {
			if t.token == "" {
				continue
			}
			if err := m.oauth.RevokeOAuthToken(ctx, serverName, t.token, t.hint, revoke); err != nil {
				logger.Warn("Token revocation failed", zap.String("token_type_hint", t.hint), zap.Error(err))
			}
		}
	}

	if err := store.DeleteUserTokens(ctx, userID, serverName); err != nil {
		m.obs.Tracing().SetSpanError(ctx, err)
		return fmt.Errorf("failed to delete tokens for %s: %w", serverName, err)
	}
	if err := m.users.DisconnectUserConnection(userID, serverName); err != nil {
		logger.Debug("Closing user connection", zap.Error(err))
	}
	m.updatePoolStats()

	m.obs.Metrics().RecordOAuthFlow(serverName, observability.OAuthRevoked)
	m.saveActivity(ctx, &storage.ActivityRecord{
		Type:       storage.ActivityOAuth,
		UserID:     userID,
		ServerName: serverName,
		Status:     statusSuccess,
		Metadata:   map[string]string{"operation": "revoke"},
	})
	return nil
}

func revokeRequest(cfg *config.ServerConfig, client *oauth.ClientInformation, metadata *oauth.AuthorizationServerMetadata) oauth.RevokeRequest {
	req := oauth.RevokeRequest{ServerURL: cfg.URL}
	if client != nil {
		req.ClientID = client.ClientID
		req.ClientSecret = client.ClientSecret
	}
	if metadata != nil {
		req.RevocationEndpoint = metadata.RevocationEndpoint
		req.AuthMethods = metadata.RevocationEndpointAuthMethodsSupported
	}
	if o := cfg.OAuth; o != nil {
		if o.ClientID != "" {
			req.ClientID = o.ClientID
			req.ClientSecret = o.ClientSecret
		}
		if o.RevocationEndpoint != "" {
			req.RevocationEndpoint = o.RevocationEndpoint
		}
		if len(o.RevocationAuth) > 0 {
			req.AuthMethods = o.RevocationAuth
		}
	}
	return req
}

// Shutdown stops the idle sweep and disconnects every connection
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.users.Stop()

		done := make(chan error, 1)
		go func() {
			done <- errors.Join(m.users.DisconnectAll(), m.app.DisconnectAll())
		}()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		m.refreshGauges()
		m.logger.Info("MCP manager shut down", zap.Error(err))
	})
	return err
}

func (m *Manager) updatePoolStats() {
	users := m.users.UserIDs()
	total := 0
	for _, userID := range users {
		total += len(m.users.GetUserConnections(userID))
	}
	m.obs.Metrics().SetPoolStats(len(m.app.GetLoaded()), len(users), total)
}

func (m *Manager) refreshGauges() {
	m.updatePoolStats()
	m.obs.Metrics().SetServerStates(m.registry.StateCounts())
}

func (m *Manager) recordToolActivity(ctx context.Context, req CallToolRequest, elapsed time.Duration, err error) {
	record := &storage.ActivityRecord{
		Type:       storage.ActivityToolCall,
		UserID:     req.userID(),
		ServerName: req.ServerName,
		ToolName:   req.ToolName,
		Status:     statusSuccess,
		DurationMs: elapsed.Milliseconds(),
	}
	var pending *upstream.OAuthPendingError
	switch {
	case errors.As(err, &pending):
		record.Status = statusPending
		record.Metadata = map[string]string{"flow_id": pending.FlowID}
	case err != nil:
		record.Status = statusError
		record.ErrorMessage = err.Error()
	}
	m.saveActivity(ctx, record)
}

// recordConnectionEvent keeps significant lifecycle changes in the audit trail
func (m *Manager) recordConnectionEvent(ev types.Event) {
	record := &storage.ActivityRecord{
		Type:       storage.ActivityConnection,
		UserID:     ev.UserID,
		ServerName: ev.ServerName,
		Timestamp:  ev.Time,
		Metadata:   map[string]string{"event": ev.Kind.String(), "connection_id": ev.ConnectionID},
	}
	switch {
	case ev.Kind == types.EventStateChanged && ev.To == types.StateConnected && ev.From != types.StateConnected:
		record.Status = statusSuccess
	case ev.Kind == types.EventOAuthRequired:
		record.Status = statusPending
	case ev.Kind == types.EventReconnectFailed:
		record.Status = statusError
	default:
		return
	}
	if ev.Err != nil {
		record.ErrorMessage = ev.Err.Error()
	}
	m.saveActivity(context.Background(), record)
}

func (m *Manager) saveActivity(ctx context.Context, record *storage.ActivityRecord) {
	if m.activity == nil {
		return
	}
	if record.RequestID == "" {
		record.RequestID = reqcontext.GetRequestID(ctx)
	}
	if err := m.activity.Save(record); err != nil {
		m.logger.Warn("Failed to save activity record",
			zap.String("type", string(record.Type)),
			zap.String("server", record.ServerName),
			zap.Error(err))
	}
}
