// Package registry discovers, at startup, which configured servers require
// OAuth, which may share app-level connections, and what they expose.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/oauth"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MethodConnectionAuthError marks servers that were not detected as OAuth
// but rejected an unauthenticated connection
const MethodConnectionAuthError oauth.DetectionMethod = "connection-auth-error"

// MethodConfigured marks servers whose requiresOAuth flag was set explicitly
const MethodConfigured oauth.DetectionMethod = "configured"

// ServerState is what the registry learned about one server
type ServerState struct {
	Name          string                `json:"name"`
	Startup       bool                  `json:"startup"`
	Probed        bool                  `json:"probed"`
	RequiresOAuth bool                  `json:"requires_oauth"`
	OAuthMethod   oauth.DetectionMethod `json:"oauth_method,omitempty"`
	AppEligible   bool                  `json:"app_eligible"`
	Available     bool                  `json:"available"`
	Error         string                `json:"error,omitempty"`
	Instructions  string                `json:"instructions,omitempty"`
	ToolCount     int                   `json:"tool_count"`
	ToolsHash     string                `json:"tools_hash,omitempty"`
	ServerVersion string                `json:"server_version,omitempty"`
	ProbedAt      time.Time             `json:"probed_at,omitempty"`
}

// Options tunes the registry
type Options struct {
	// HTTPClient is used for OAuth detection probes
	HTTPClient *http.Client
}

// ServersRegistry holds per-server metadata gathered by probing. Probe
// connections live in the registry's own repository and are closed once
// initialization finishes.
type ServersRegistry struct {
	configs     map[string]*config.ServerConfig
	settings    *config.MCPSettings
	connections *upstream.ConnectionsRepository
	httpClient  *http.Client
	logger      *zap.Logger
	now         func() time.Time
	detect      func(ctx context.Context, serverURL string, opts oauth.DetectOptions) *oauth.DetectionResult

	mu          sync.RWMutex
	states      map[string]*ServerState
	tools       map[string]ToolFunctions
	initialized bool
}

// New creates a registry over a read-only copy of configs
func New(configs map[string]*config.ServerConfig, factory *upstream.ConnectionFactory, opts Options, logger *zap.Logger) *ServersRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	owned := make(map[string]*config.ServerConfig, len(configs))
	for name, cfg := range configs {
		owned[name] = cfg.Clone()
		owned[name].Name = name
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &ServersRegistry{
		configs:     owned,
		settings:    factory.Settings(),
		connections: upstream.NewConnectionsRepository(owned, factory, logger),
		httpClient:  client,
		logger:      logger.Named("registry"),
		now:         time.Now,
		detect:      oauth.DetectOAuthRequirement,
		states:      make(map[string]*ServerState, len(owned)),
		tools:       make(map[string]ToolFunctions, len(owned)),
	}
}

// Initialize probes every startup-enabled server concurrently. A failed
// probe marks that server unavailable and never aborts the others.
func (r *ServersRegistry) Initialize(ctx context.Context) error {
	start := r.now()
	g, gctx := errgroup.WithContext(ctx)
	if r.settings.ProbeConcurrency > 0 {
		g.SetLimit(r.settings.ProbeConcurrency)
	}

	for _, name := range r.ServerNames() {
		cfg := r.configs[name]
		if !cfg.IsStartupEnabled() {
			r.record(r.unprobedState(name, cfg), nil)
			continue
		}
		g.Go(func() error {
			state, tools := r.probe(gctx, name, cfg)
			r.record(state, tools)
			return nil
		})
	}
	_ = g.Wait()

	if err := r.connections.DisconnectAll(); err != nil {
		r.logger.Debug("Closing probe connections", zap.Error(err))
	}

	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()

	r.logger.Info("Servers registry initialized",
		zap.Int("servers", len(r.configs)),
		zap.Strings("oauth_servers", r.OAuthServers()),
		zap.Strings("app_servers", r.AppServerNames()),
		zap.Duration("duration", r.now().Sub(start)))
	return ctx.Err()
}

// Initialized reports whether Initialize has completed
func (r *ServersRegistry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Reprobe re-runs discovery for one server and replaces its state
func (r *ServersRegistry) Reprobe(ctx context.Context, serverName string) (ServerState, error) {
	cfg, ok := r.configs[serverName]
	if !ok {
		return ServerState{}, fmt.Errorf("%w: %s", upstream.ErrUnknownServer, serverName)
	}
	state, tools := r.probe(ctx, serverName, cfg)
	if err := r.connections.Disconnect(serverName); err != nil {
		r.logger.Debug("Closing probe connection", zap.String("server", serverName), zap.Error(err))
	}
	if r.record(state, tools) {
		r.logger.Info("Tool definitions changed",
			zap.String("server", serverName),
			zap.Int("tools", state.ToolCount),
			zap.String("tools_hash", state.ToolsHash))
	} else {
		r.logger.Debug("Tool definitions unchanged", zap.String("server", serverName))
	}
	return *state, nil
}

func (r *ServersRegistry) unprobedState(name string, cfg *config.ServerConfig) *ServerState {
	state := &ServerState{Name: name, Startup: cfg.IsStartupEnabled(), Available: true}
	if value, set := cfg.ExplicitOAuth(); set {
		state.RequiresOAuth = value
		state.OAuthMethod = MethodConfigured
	}
	if cfg.ServerInstructions.Text != "" {
		state.Instructions = cfg.ServerInstructions.Text
	}
	return state
}

func (r *ServersRegistry) probe(ctx context.Context, name string, cfg *config.ServerConfig) (*ServerState, ToolFunctions) {
	logger := r.logger.With(zap.String("server", name))
	state := r.unprobedState(name, cfg)
	state.Probed = true
	state.ProbedAt = r.now()

	if state.OAuthMethod == "" {
		state.RequiresOAuth, state.OAuthMethod = r.detectOAuth(ctx, cfg)
	}

	var tools ToolFunctions
	if !state.RequiresOAuth {
		var err error
		tools, err = r.inspect(ctx, name, cfg, state)
		switch {
		case errors.Is(err, upstream.ErrOAuthRequired):
			state.RequiresOAuth = true
			state.OAuthMethod = MethodConnectionAuthError
			state.Error = ""
		case err != nil:
			state.Available = false
			state.Error = err.Error()
			logger.Warn("Server probe failed", zap.Error(err))
		}
	}

	state.AppEligible = state.Startup && !state.RequiresOAuth
	state.ToolCount = len(tools)
	if tools != nil {
		toolsHash, err := tools.Hash(name)
		if err != nil {
			logger.Warn("Failed to hash tool definitions", zap.Error(err))
		}
		state.ToolsHash = toolsHash
	}
	logger.Debug("Server probed",
		zap.Bool("requires_oauth", state.RequiresOAuth),
		zap.String("oauth_method", string(state.OAuthMethod)),
		zap.Bool("available", state.Available),
		zap.Int("tools", state.ToolCount))
	return state, tools
}

func (r *ServersRegistry) detectOAuth(ctx context.Context, cfg *config.ServerConfig) (bool, oauth.DetectionMethod) {
	if !cfg.IsRemote() {
		return false, ""
	}
	result := r.detect(ctx, cfg.URL, oauth.DetectOptions{
		HTTPClient:  r.httpClient,
		OnAuthError: r.settings.OAuthOnAuthError,
		Timeout:     r.settings.OAuthDetectionTimeout.Std(),
	})
	if result == nil {
		return false, ""
	}
	return result.RequiresOAuth, result.Method
}

// inspect connects without user credentials and collects tools and instructions
func (r *ServersRegistry) inspect(ctx context.Context, name string, cfg *config.ServerConfig, state *ServerState) (ToolFunctions, error) {
	conn, err := r.connections.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if info := conn.ServerInfo(); info != nil {
		state.ServerVersion = info.ServerInfo.Version
	}
	if cfg.ServerInstructions.UseServer {
		state.Instructions = conn.Instructions()
	}

	tools, err := conn.FetchTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return BuildToolFunctions(name, tools), nil
}

// record stores a probe result and reports whether the server's tool
// definitions changed. Unchanged definitions keep the existing tool map.
func (r *ServersRegistry) record(state *ServerState, tools ToolFunctions) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var previousHash string
	if prev := r.states[state.Name]; prev != nil {
		previousHash = prev.ToolsHash
	}
	r.states[state.Name] = state
	if tools == nil {
		_, had := r.tools[state.Name]
		delete(r.tools, state.Name)
		return had
	}
	if _, had := r.tools[state.Name]; had && state.ToolsHash != "" && state.ToolsHash == previousHash {
		return false
	}
	r.tools[state.Name] = tools
	return true
}

// ServerNames returns every configured server in sorted order
func (r *ServersRegistry) ServerNames() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerConfig returns the configuration of one server
func (r *ServersRegistry) ServerConfig(serverName string) (*config.ServerConfig, bool) {
	cfg, ok := r.configs[serverName]
	return cfg, ok
}

// ServerConfigs returns every server configuration. Callers must not mutate them.
func (r *ServersRegistry) ServerConfigs() map[string]*config.ServerConfig {
	out := make(map[string]*config.ServerConfig, len(r.configs))
	for name, cfg := range r.configs {
		out[name] = cfg
	}
	return out
}

// ServerState returns a copy of one server's state
func (r *ServersRegistry) ServerState(serverName string) (ServerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[serverName]
	if !ok {
		return ServerState{}, false
	}
	return *state, true
}

// Servers returns a snapshot of all server states, sorted by name
func (r *ServersRegistry) Servers() []ServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerState, 0, len(r.states))
	for _, state := range r.states {
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RequiresOAuth reports the detection result for a server
func (r *ServersRegistry) RequiresOAuth(serverName string) bool {
	state, ok := r.ServerState(serverName)
	return ok && state.RequiresOAuth
}

// OAuthServers returns the servers that require per-user OAuth
func (r *ServersRegistry) OAuthServers() []string {
	return r.filter(func(s *ServerState) bool { return s.RequiresOAuth })
}

// AppServerNames returns the servers eligible for the shared app-level pool
func (r *ServersRegistry) AppServerNames() []string {
	return r.filter(func(s *ServerState) bool { return s.AppEligible })
}

// AppServerConfigs returns configurations of app-eligible servers
func (r *ServersRegistry) AppServerConfigs() map[string]*config.ServerConfig {
	names := r.AppServerNames()
	out := make(map[string]*config.ServerConfig, len(names))
	for _, name := range names {
		out[name] = r.configs[name]
	}
	return out
}

func (r *ServersRegistry) filter(keep func(*ServerState) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, state := range r.states {
		if keep(state) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ToolFunctions returns the tools discovered on app-eligible servers
func (r *ServersRegistry) ToolFunctions() ToolFunctions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(ToolFunctions)
	for name, tools := range r.tools {
		if state := r.states[name]; state != nil && state.AppEligible {
			out.Merge(tools)
		}
	}
	return out
}

// Instructions returns server instructions keyed by server name. With no
// names every server that has instructions is included.
func (r *ServersRegistry) Instructions(serverNames ...string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	if len(serverNames) == 0 {
		for name, state := range r.states {
			if state.Instructions != "" {
				out[name] = state.Instructions
			}
		}
		return out
	}
	for _, name := range serverNames {
		if state := r.states[name]; state != nil && state.Instructions != "" {
			out[name] = state.Instructions
		}
	}
	return out
}

// StateCounts groups servers for the registry gauge
func (r *ServersRegistry) StateCounts() map[string]int {
	counts := map[string]int{"app": 0, "oauth": 0, "unavailable": 0, "user": 0}
	for _, state := range r.Servers() {
		switch {
		case !state.Available:
			counts["unavailable"]++
		case state.RequiresOAuth:
			counts["oauth"]++
		case state.AppEligible:
			counts["app"]++
		default:
			counts["user"]++
		}
	}
	return counts
}
