package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/oauth"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream/types"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	clientName    = "mcpconnect"
	clientVersion = "1.0.0"

	pingTimeout = 5 * time.Second
	// connectKey is the single singleflight key: connect and reconnect share it
	// so at most one attempt runs per connection
	connectKey = "connect"
)

// ReconnectPolicy bounds the reconnection state machine
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the backoff randomization factor in [0,1)
	Jitter float64
}

// DefaultReconnectPolicy returns 3 attempts starting at 1s, doubling, capped at 30s, with 50% jitter
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: config.DefaultMaxReconnectAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.5,
	}
}

func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// TokenSource yields current OAuth tokens, refreshing them when needed
type TokenSource func(ctx context.Context) (*oauth.TokenSet, error)

// ConnectionOptions configures a Connection
type ConnectionOptions struct {
	ServerName  string
	UserID      string
	Config      *config.ServerConfig
	Builder     SessionBuilder
	Reconnect   ReconnectPolicy
	InitTimeout time.Duration
	// CheckTTL is how long a successful liveness probe is trusted
	CheckTTL time.Duration
	Logger   *zap.Logger
}

// Connection wraps one protocol session to one server and owns its
// reconnection state machine. It is safe for concurrent use.
type Connection struct {
	id          string
	serverName  string
	userID      string
	cfg         *config.ServerConfig
	builder     SessionBuilder
	policy      ReconnectPolicy
	initTimeout time.Duration
	checkTTL    time.Duration
	logger      *zap.Logger
	state       *types.StateManager
	now         func() time.Time

	flights singleflight.Group

	mu             sync.RWMutex
	session        Session
	serverInfo     *mcp.InitializeResult
	instructions   string
	lastPing       time.Time
	tokens         *oauth.TokenSet
	tokenSource    TokenSource
	requestHeaders map[string]string
	stopped        bool
	stopCh         chan struct{}
}

// NewConnection creates a disconnected connection
func NewConnection(opts ConnectionOptions) *Connection {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect = DefaultReconnectPolicy()
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = config.DefaultInitTimeout
	}
	if opts.CheckTTL <= 0 {
		opts.CheckTTL = config.DefaultConnectionCheckTTL
	}

	id := ulid.Make().String()
	logger := opts.Logger.Named("connection").With(
		zap.String("server", opts.ServerName),
		zap.String("connection_id", id))
	if opts.UserID != "" {
		logger = logger.With(zap.String("user_id", opts.UserID))
	}

	return &Connection{
		id:          id,
		serverName:  opts.ServerName,
		userID:      opts.UserID,
		cfg:         opts.Config,
		builder:     opts.Builder,
		policy:      opts.Reconnect,
		initTimeout: opts.InitTimeout,
		checkTTL:    opts.CheckTTL,
		logger:      logger,
		state: types.NewStateManager(types.Event{
			ConnectionID: id,
			ServerName:   opts.ServerName,
			UserID:       opts.UserID,
		}),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// ID returns the sortable per-instance identifier
func (c *Connection) ID() string { return c.id }

// ServerName returns the configured server name
func (c *Connection) ServerName() string { return c.serverName }

// UserID returns the owning user, empty for app-level connections
func (c *Connection) UserID() string { return c.userID }

// Config returns the resolved server configuration
func (c *Connection) Config() *config.ServerConfig { return c.cfg }

// State returns the current lifecycle state
func (c *Connection) State() types.ConnectionState { return c.state.GetState() }

// Info returns a snapshot of the lifecycle bookkeeping
func (c *Connection) Info() types.ConnectionInfo { return c.state.GetConnectionInfo() }

// Subscribe registers a listener for lifecycle events
func (c *Connection) Subscribe(l types.Listener) func() { return c.state.Subscribe(l) }

// Instructions returns the instructions the server reported during initialization
func (c *Connection) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// ServerInfo returns the initialize result of the current session
func (c *Connection) ServerInfo() *mcp.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// SetOAuthTokens installs the bearer token applied to every request
func (c *Connection) SetOAuthTokens(tokens *oauth.TokenSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = tokens
}

// SetTokenSource installs a supplier consulted when the cached tokens expire
func (c *Connection) SetTokenSource(source TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenSource = source
}

// SetRequestHeaders replaces the custom per-request headers; nil clears them
func (c *Connection) SetRequestHeaders(headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if headers == nil {
		c.requestHeaders = nil
		return
	}
	c.requestHeaders = make(map[string]string, len(headers))
	for k, v := range headers {
		c.requestHeaders[k] = v
	}
}

// headers is the transport HeaderFunc: custom headers plus the bearer token
func (c *Connection) headers(ctx context.Context) map[string]string {
	c.mu.RLock()
	tokens := c.tokens
	source := c.tokenSource
	out := make(map[string]string, len(c.requestHeaders)+1)
	for k, v := range c.requestHeaders {
		out[k] = v
	}
	c.mu.RUnlock()

	if source != nil && tokens != nil && tokens.Expired(c.now(), oauth.DefaultExpiryLeeway) {
		fresh, err := source(ctx)
		if err != nil {
			c.logger.Warn("Failed to renew OAuth tokens", zap.Error(err))
		} else if fresh != nil {
			c.SetOAuthTokens(fresh)
			tokens = fresh
		}
	}
	if tokens != nil && tokens.AccessToken != "" {
		out["Authorization"] = tokens.AuthorizationHeader()
	}
	return out
}

// Connect establishes the session. Concurrent callers share one attempt,
// and a caller arriving while the reconnect loop runs waits for its outcome.
// Cancelling ctx abandons the wait, not the attempt.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.stopped = false
		c.stopCh = make(chan struct{})
	}
	ready := c.session != nil && c.state.IsState(types.StateConnected)
	c.mu.Unlock()
	if ready {
		return nil
	}

	ch := c.flights.DoChan(connectKey, func() (interface{}, error) {
		return nil, c.connect(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Connection) connect(ctx context.Context) error {
	c.mu.RLock()
	ready := c.session != nil && c.state.IsState(types.StateConnected)
	c.mu.RUnlock()
	if ready {
		return nil
	}

	if err := c.state.TransitionTo(types.StateConnecting, nil); err != nil {
		return fmt.Errorf("connect %s: %w", c.serverName, err)
	}
	c.logger.Debug("Connecting")

	if err := c.dial(ctx); err != nil {
		return c.fail(err)
	}
	if err := c.state.TransitionTo(types.StateConnected, nil); err != nil {
		return ErrConnectionClosed
	}
	c.logger.Info("Connected", zap.String("remote", c.Info().ServerName))
	return nil
}

// dial builds, starts and initializes a new session and installs it
func (c *Connection) dial(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, c.initTimeout)
	defer cancel()

	session, err := c.builder(ctx, c.headers)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	session.OnConnectionLost(func(err error) {
		c.handleConnectionLost(session, err)
	})

	// The session outlives this attempt, so it starts on a detached context
	// while the attempt itself stays bounded by the init timeout
	started := make(chan error, 1)
	go func() {
		started <- session.Start(context.WithoutCancel(ctx))
	}()
	select {
	case err = <-started:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = session.Close()
		return c.classify(ctx, fmt.Errorf("failed to start transport: %w", err))
	}

	result, err := session.Initialize(ctx, c.initializeRequest())
	if err != nil {
		_ = session.Close()
		return c.classify(ctx, fmt.Errorf("MCP initialize failed: %w", err))
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = session.Close()
		return ErrConnectionClosed
	}
	c.session = session
	c.serverInfo = result
	c.instructions = result.Instructions
	c.lastPing = c.now()
	c.mu.Unlock()

	c.state.SetServerInfo(result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

func (c *Connection) initializeRequest() mcp.InitializeRequest {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	req.Params.Capabilities = mcp.ClientCapabilities{}
	return req
}

// classify turns attempt deadline expiry into ErrConnectionTimeout so callers
// can tell a slow server from a refusing one
func (c *Connection) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s did not respond within %s: %v", ErrConnectionTimeout, c.serverName, c.initTimeout, err)
	}
	return err
}

// fail records a failed attempt. Auth failures become OAuthRequiredError.
func (c *Connection) fail(err error) error {
	if errors.Is(err, ErrConnectionClosed) {
		return err
	}

	if IsAuthError(err) {
		c.state.SetOAuthRequired(true)
		_ = c.state.TransitionTo(types.StateError, err)
		c.state.Emit(types.Event{Kind: types.EventOAuthRequired, Err: err})
		c.logger.Info("Server requires OAuth authentication", zap.Error(err))
		return &OAuthRequiredError{ServerName: c.serverName, UserID: c.userID, Err: err}
	}

	_ = c.state.TransitionTo(types.StateError, err)
	c.state.Emit(types.Event{Kind: types.EventError, Err: err})
	c.logger.Warn("Connection attempt failed", zap.Error(err))
	return err
}

func (c *Connection) handleConnectionLost(session Session, err error) {
	c.mu.RLock()
	current := c.session == session && !c.stopped
	c.mu.RUnlock()
	if !current {
		return
	}

	c.logger.Warn("Connection lost", zap.Error(err))
	c.state.Emit(types.Event{Kind: types.EventError, Err: err})
	c.scheduleReconnect(session, err)
}

// scheduleReconnect starts the backoff loop for the session that failed.
// Later reports against an already replaced session are ignored.
func (c *Connection) scheduleReconnect(failed Session, cause error) {
	_ = c.flights.DoChan(connectKey, func() (interface{}, error) {
		return nil, c.reconnect(failed, cause)
	})
}

func (c *Connection) reconnect(failed Session, cause error) error {
	c.mu.Lock()
	if c.stopped || c.session == nil || c.session != failed {
		c.mu.Unlock()
		return nil
	}
	c.session = nil
	stopCh := c.stopCh
	c.mu.Unlock()
	_ = failed.Close()

	if err := c.state.TransitionTo(types.StateReconnecting, cause); err != nil {
		return err
	}

	b := c.policy.newBackOff()
	lastErr := cause
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		delay := b.NextBackOff()
		c.state.RecordRetry()
		c.state.Emit(types.Event{Kind: types.EventReconnectScheduled, Attempt: attempt, Delay: delay})
		c.logger.Info("Scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-stopCh:
			timer.Stop()
			return ErrConnectionClosed
		case <-timer.C:
		}

		err := c.dial(context.Background())
		if err == nil {
			if err := c.state.TransitionTo(types.StateConnected, nil); err != nil {
				return ErrConnectionClosed
			}
			c.logger.Info("Reconnected", zap.Int("attempt", attempt))
			return nil
		}
		if errors.Is(err, ErrConnectionClosed) {
			return err
		}
		if IsAuthError(err) {
			// Credentials are the problem; more attempts would not help
			return c.fail(err)
		}
		lastErr = err
		c.logger.Warn("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	c.state.Emit(types.Event{Kind: types.EventReconnectFailed, Attempt: c.policy.MaxAttempts, Err: lastErr})
	c.logger.Error("Reconnect attempts exhausted", zap.Int("attempts", c.policy.MaxAttempts), zap.Error(lastErr))
	_ = c.Disconnect()
	return fmt.Errorf("reconnect to %s failed after %d attempts: %w", c.serverName, c.policy.MaxAttempts, lastErr)
}

// IsConnected reports liveness. A cached positive result is trusted for
// CheckTTL; after that the server is pinged.
func (c *Connection) IsConnected(ctx context.Context) bool {
	if !c.state.IsState(types.StateConnected) {
		return false
	}
	c.mu.RLock()
	session := c.session
	last := c.lastPing
	c.mu.RUnlock()
	if session == nil {
		return false
	}
	if c.now().Sub(last) < c.checkTTL {
		return true
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := session.Ping(pingCtx); err != nil && !isMethodNotFound(err) {
		c.logger.Debug("Liveness probe failed", zap.Error(err))
		return false
	}

	c.mu.Lock()
	if c.session == session {
		c.lastPing = c.now()
	}
	c.mu.Unlock()
	return true
}

// Disconnect releases the session, stops any reconnect loop, moves to
// Disconnected and drops every listener. It is idempotent.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	wasActive := !c.stopped || c.session != nil
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
	session := c.session
	c.session = nil
	c.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	_ = c.state.TransitionTo(types.StateDisconnected, nil)
	if wasActive {
		c.logger.Info("Disconnected")
	}
	c.state.ClearListeners()
	return err
}

func (c *Connection) activeSession() (Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil || !c.state.IsState(types.StateConnected) {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, c.serverName)
	}
	return c.session, nil
}

// FetchTools lists the server's tools
func (c *Connection) FetchTools(ctx context.Context) ([]mcp.Tool, error) {
	session, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	result, err := session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.observe(session, err)
		return nil, fmt.Errorf("failed to list tools from %s: %w", c.serverName, err)
	}
	return result.Tools, nil
}

// FetchResources lists the server's resources
func (c *Connection) FetchResources(ctx context.Context) ([]mcp.Resource, error) {
	session, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	result, err := session.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		c.observe(session, err)
		return nil, fmt.Errorf("failed to list resources from %s: %w", c.serverName, err)
	}
	return result.Resources, nil
}

// FetchPrompts lists the server's prompts
func (c *Connection) FetchPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	session, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	result, err := session.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		c.observe(session, err)
		return nil, fmt.Errorf("failed to list prompts from %s: %w", c.serverName, err)
	}
	return result.Prompts, nil
}

// CallTool invokes a tool, bounded by the server's configured timeout
func (c *Connection) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	session, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	if c.cfg != nil && c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout.Std())
		defer cancel()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	result, err := session.CallTool(ctx, req)
	if err != nil {
		c.observe(session, err)
		return nil, fmt.Errorf("tool %s on %s failed: %w", toolName, c.serverName, err)
	}

	c.mu.Lock()
	if c.session == session {
		c.lastPing = c.now()
	}
	c.mu.Unlock()
	return result, nil
}

// observe feeds request failures into the state machine. JSON-RPC error
// responses arrived over a working session and leave it alone.
func (c *Connection) observe(session Session, err error) {
	switch {
	case IsApplicationError(err):
		return
	case IsAuthError(err):
		c.state.SetOAuthRequired(true)
		c.mu.Lock()
		if c.session == session {
			c.session = nil
		}
		c.mu.Unlock()
		_ = session.Close()
		_ = c.state.TransitionTo(types.StateError, err)
		c.state.Emit(types.Event{Kind: types.EventOAuthRequired, Err: err})
	case IsConnectionError(err):
		c.state.Emit(types.Event{Kind: types.EventError, Err: err})
		c.scheduleReconnect(session, err)
	}
}
