package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/flow"
	"github.com/u2sebau2/librechat-custom-sub004/internal/hash"
)

// CallbackPath is where authorization servers redirect users back to
const CallbackPath = "/api/mcp/oauth/callback"

// initiationTimeout bounds metadata discovery and client registration
const initiationTimeout = 2 * time.Minute

const (
	defaultClientName = "mcpconnect"
	maxResponseBytes  = 1 << 20
)

// HandlerConfig configures a Handler
type HandlerConfig struct {
	// RedirectBase is the public base URL of the callback endpoint
	RedirectBase string
	HTTPClient   *http.Client
	// ClientName is sent during dynamic client registration
	ClientName string
}

// Authorization is the outcome of InitiateOAuthFlow
type Authorization struct {
	AuthorizationURL string
	FlowID           string
	Metadata         *FlowMetadata
}

// CallbackResult describes a completed authorization callback
type CallbackResult struct {
	FlowID     string
	ServerName string
	UserID     string
	Tokens     *TokenSet
}

// RefreshRequest carries what RefreshOAuthTokens needs to reach the token endpoint
type RefreshRequest struct {
	ServerName string
	ServerURL  string
	ClientInfo *ClientInformation
	Metadata   *AuthorizationServerMetadata
	Config     *config.OAuthConfig
}

// RevokeRequest carries what RevokeOAuthToken needs to reach the revocation endpoint
type RevokeRequest struct {
	ServerURL          string
	ClientID           string
	ClientSecret       string
	RevocationEndpoint string
	AuthMethods        []string
}

// Token type hints for revocation (RFC 7009)
const (
	TokenHintAccess  = "access_token"
	TokenHintRefresh = "refresh_token"
)

// Handler drives the OAuth authorization-code flow with PKCE against MCP
// servers. Pending flows live in the flow manager under a flow ID derived
// from (user, server), so concurrent initiations share one authorization URL.
type Handler struct {
	flows        *flow.Manager[*TokenSet]
	tokens       *TokenStorage
	discoverer   *Discoverer
	httpClient   *http.Client
	redirectBase string
	clientName   string
	logger       *zap.Logger
	now          func() time.Time

	initiations singleflight.Group
}

// NewHandler creates an OAuth handler
func NewHandler(flows *flow.Manager[*TokenSet], tokens *TokenStorage, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	name := cfg.ClientName
	if name == "" {
		name = defaultClientName
	}
	return &Handler{
		flows:        flows,
		tokens:       tokens,
		discoverer:   NewDiscoverer(client, logger),
		httpClient:   client,
		redirectBase: strings.TrimSuffix(cfg.RedirectBase, "/"),
		clientName:   name,
		logger:       logger.Named("oauth"),
		now:          time.Now,
	}
}

// Flows exposes the OAuth flow manager so callers can wait on pending flows
func (h *Handler) Flows() *flow.Manager[*TokenSet] {
	return h.flows
}

// Tokens exposes the token storage the handler persists into
func (h *Handler) Tokens() *TokenStorage {
	return h.tokens
}

// GenerateFlowID returns the deterministic flow ID for (user, server)
func (h *Handler) GenerateFlowID(userID, serverName string) string {
	return hash.FlowID(userID, serverName)
}

// RedirectURI returns the callback URL for a server, honoring a configured override
func (h *Handler) RedirectURI(cfg *config.OAuthConfig) string {
	if cfg != nil && cfg.RedirectURI != "" {
		return cfg.RedirectURI
	}
	return h.redirectBase + CallbackPath
}

// DiscoverMetadata resolves authorization server metadata for serverURL
func (h *Handler) DiscoverMetadata(ctx context.Context, serverURL string) (*DiscoveryResult, error) {
	return h.discoverer.Discover(ctx, serverURL)
}

// InitiateOAuthFlow starts, or joins, the authorization flow of userID against
// serverName. A live PENDING flow is reused so that concurrent callers hand
// out one authorization URL and register at most one client.
func (h *Handler) InitiateOAuthFlow(ctx context.Context, serverName, serverURL, userID string, cfg *config.OAuthConfig) (*Authorization, error) {
	flowID := h.GenerateFlowID(userID, serverName)

	// The initiation is shared, so it runs detached from whichever caller
	// started it and is bounded by its own timeout
	ch := h.initiations.DoChan(flowID, func() (interface{}, error) {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initiationTimeout)
		defer cancel()
		return h.initiate(ictx, flowID, serverName, serverURL, userID, cfg)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			h.logger.Debug("Joined concurrent OAuth initiation", zap.String("server", serverName), zap.String("flow_id", flowID))
		}
		return res.Val.(*Authorization), nil
	}
}

func (h *Handler) initiate(ctx context.Context, flowID, serverName, serverURL, userID string, cfg *config.OAuthConfig) (*Authorization, error) {
	if ctx.Value(correlationKey{}) == nil {
		ctx = WithCorrelationID(ctx, NewCorrelationID())
	}
	logger := flowLogger(ctx, h.logger, serverName, userID, flowID)

	existing, err := h.pendingAuthorization(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.Debug("Reusing pending OAuth flow")
		return existing, nil
	}

	logger.Info("Initiating OAuth flow", zap.String("server_url", serverURL))
	redirectURI := h.RedirectURI(cfg)

	metadata, resourceMetadata, err := h.resolveMetadata(ctx, serverURL, cfg)
	if err != nil {
		return nil, err
	}

	clientInfo, err := h.resolveClient(ctx, serverName, userID, redirectURI, metadata, cfg, logger)
	if err != nil {
		return nil, err
	}

	if !supportsS256(metadata, cfg) {
		logger.Warn("Authorization server does not advertise S256 PKCE support, sending it anyway")
	}

	random, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	state := flowID + "." + random
	verifier := oauth2.GenerateVerifier()

	conf := h.oauth2Config(clientInfo, metadata, redirectURI, scopesFor(cfg, resourceMetadata, clientInfo), exchangeMethod(cfg))
	authOpts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if resource := resourceParam(serverURL, resourceMetadata); resource != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("resource", resource))
	}
	authURL := conf.AuthCodeURL(state, authOpts...)

	flowMeta := &FlowMetadata{
		ServerName:       serverName,
		UserID:           userID,
		ServerURL:        serverURL,
		State:            state,
		CodeVerifier:     verifier,
		RedirectURI:      redirectURI,
		AuthorizationURL: authURL,
		ClientInfo:       clientInfo,
		Metadata:         metadata,
		ResourceMetadata: resourceMetadata,
		TokenExchange:    exchangeMethod(cfg),
	}

	created, err := h.flows.InitFlow(ctx, flowID, FlowTypeOAuth, flowMeta)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another process initiated between our read and write
		if existing, err := h.pendingAuthorization(ctx, flowID); err != nil || existing != nil {
			return existing, err
		}
		return nil, fmt.Errorf("OAuth flow %s settled while initiating", flowID)
	}

	logger.Info("OAuth flow pending user authorization",
		zap.String("authorization_endpoint", metadata.AuthorizationEndpoint),
		zap.String("client_id", MaskToken(clientInfo.ClientID)))
	return &Authorization{AuthorizationURL: authURL, FlowID: flowID, Metadata: flowMeta}, nil
}

// pendingAuthorization returns the authorization of a live PENDING flow, and
// clears a settled one so a new attempt can start
func (h *Handler) pendingAuthorization(ctx context.Context, flowID string) (*Authorization, error) {
	state, err := h.flows.GetFlowState(ctx, flowID, FlowTypeOAuth)
	if err != nil || state == nil {
		return nil, err
	}
	if state.Terminal() {
		_, err := h.flows.DeleteFlow(ctx, flowID, FlowTypeOAuth)
		return nil, err
	}

	var meta FlowMetadata
	if err := state.DecodeMetadata(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode OAuth flow metadata: %w", err)
	}
	if meta.AuthorizationURL == "" {
		return nil, nil
	}
	return &Authorization{AuthorizationURL: meta.AuthorizationURL, FlowID: flowID, Metadata: &meta}, nil
}

// resolveMetadata uses configured endpoints when both are present and
// discovery otherwise, letting configured values override discovered ones
func (h *Handler) resolveMetadata(ctx context.Context, serverURL string, cfg *config.OAuthConfig) (*AuthorizationServerMetadata, *ProtectedResourceMetadata, error) {
	var (
		metadata         *AuthorizationServerMetadata
		resourceMetadata *ProtectedResourceMetadata
	)

	if cfg.HasStaticEndpoints() && cfg.HasPreconfiguredClient() {
		metadata = &AuthorizationServerMetadata{}
	} else {
		discovered, err := h.discoverer.Discover(ctx, serverURL)
		if err != nil {
			return nil, nil, fmt.Errorf("OAuth metadata discovery failed: %w", err)
		}
		copied := *discovered.Metadata
		metadata = &copied
		resourceMetadata = discovered.ResourceMetadata
	}

	if cfg != nil {
		if cfg.AuthorizationURL != "" {
			metadata.AuthorizationEndpoint = cfg.AuthorizationURL
		}
		if cfg.TokenURL != "" {
			metadata.TokenEndpoint = cfg.TokenURL
		}
		if cfg.RevocationEndpoint != "" {
			metadata.RevocationEndpoint = cfg.RevocationEndpoint
		}
		if len(cfg.GrantTypes) > 0 {
			metadata.GrantTypesSupported = cfg.GrantTypes
		}
		if len(cfg.ResponseTypes) > 0 {
			metadata.ResponseTypesSupported = cfg.ResponseTypes
		}
		if len(cfg.TokenAuthMethods) > 0 {
			metadata.TokenEndpointAuthMethodsSupported = cfg.TokenAuthMethods
		}
		if len(cfg.CodeChallenge) > 0 {
			metadata.CodeChallengeMethodsSupported = cfg.CodeChallenge
		}
		if len(cfg.RevocationAuth) > 0 {
			metadata.RevocationEndpointAuthMethodsSupported = cfg.RevocationAuth
		}
	}
	if metadata.Issuer == "" {
		if u, err := url.Parse(metadata.AuthorizationEndpoint); err == nil && u.Host != "" {
			metadata.Issuer = origin(u)
		}
	}
	return metadata, resourceMetadata, nil
}

// resolveClient prefers a configured client, then a stored registration that
// still matches the redirect URI, then registers a new one
func (h *Handler) resolveClient(ctx context.Context, serverName, userID, redirectURI string, metadata *AuthorizationServerMetadata, cfg *config.OAuthConfig, logger *zap.Logger) (*ClientInformation, error) {
	if cfg.HasPreconfiguredClient() {
		method := "client_secret_post"
		if cfg.ClientSecret == "" {
			method = "none"
		} else if exchangeMethod(cfg) == config.TokenExchangeBasicHeader {
			method = "client_secret_basic"
		}
		return &ClientInformation{
			ClientID:                cfg.ClientID,
			ClientSecret:            cfg.ClientSecret,
			RedirectURIs:            []string{redirectURI},
			TokenEndpointAuthMethod: method,
			Scope:                   cfg.Scope,
		}, nil
	}

	stored, _, err := h.tokens.GetClientInfoAndMetadata(ctx, userID, serverName)
	if err != nil {
		logger.Warn("Failed to read stored OAuth client, registering a new one", zap.Error(err))
	} else if stored != nil && clientUsable(stored, redirectURI, h.now()) {
		logger.Debug("Reusing stored OAuth client", zap.String("client_id", MaskToken(stored.ClientID)))
		return stored, nil
	}

	return h.RegisterClient(ctx, serverName, metadata, redirectURI, cfg)
}

func clientUsable(info *ClientInformation, redirectURI string, now time.Time) bool {
	if info.ClientID == "" {
		return false
	}
	if info.ClientSecretExpiresAt > 0 && !now.Before(time.Unix(info.ClientSecretExpiresAt, 0)) {
		return false
	}
	if len(info.RedirectURIs) == 0 {
		return true
	}
	for _, uri := range info.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// RegisterClient performs RFC 7591 dynamic client registration
func (h *Handler) RegisterClient(ctx context.Context, serverName string, metadata *AuthorizationServerMetadata, redirectURI string, cfg *config.OAuthConfig) (*ClientInformation, error) {
	if metadata.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("server %s does not support dynamic client registration and no client_id is configured", serverName)
	}

	authMethod := "client_secret_basic"
	if methods := metadata.TokenEndpointAuthMethodsSupported; len(methods) > 0 && !slices.Contains(methods, authMethod) {
		authMethod = methods[0]
	}
	grantTypes := []string{"authorization_code", "refresh_token"}
	if cfg != nil && len(cfg.GrantTypes) > 0 {
		grantTypes = cfg.GrantTypes
	}
	responseTypes := []string{"code"}
	if cfg != nil && len(cfg.ResponseTypes) > 0 {
		responseTypes = cfg.ResponseTypes
	}

	request := ClientInformation{
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
	}
	if cfg != nil {
		request.Scope = cfg.Scope
	}
	body, err := json.Marshal(struct {
		ClientName string `json:"client_name"`
		ClientInformation
	}{ClientName: h.clientName, ClientInformation: request})
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	respBody, err := h.do(req)
	if err != nil {
		return nil, fmt.Errorf("client registration failed: %w", err)
	}

	var registered ClientInformation
	if err := json.Unmarshal(respBody, &registered); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if registered.ClientID == "" {
		return nil, fmt.Errorf("registration response from %s has no client_id", metadata.RegistrationEndpoint)
	}
	if len(registered.RedirectURIs) == 0 {
		registered.RedirectURIs = request.RedirectURIs
	}
	if registered.TokenEndpointAuthMethod == "" {
		registered.TokenEndpointAuthMethod = authMethod
	}

	h.logger.Info("Registered OAuth client",
		zap.String("server", serverName),
		zap.String("client_id", MaskToken(registered.ClientID)),
		zap.String("auth_method", registered.TokenEndpointAuthMethod))
	return &registered, nil
}

// CompleteOAuthFlow exchanges the authorization code of a pending flow for
// tokens, persists them and completes the flow so every waiter receives them
func (h *Handler) CompleteOAuthFlow(ctx context.Context, flowID, code string) (*TokenSet, error) {
	meta, err := h.GetFlowMetadata(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return h.complete(ctx, flowID, meta, code)
}

// CompleteOAuthCallback validates the state returned by the authorization
// server and completes the flow it names
func (h *Handler) CompleteOAuthCallback(ctx context.Context, state, code string) (*CallbackResult, error) {
	flowID, _, ok := strings.Cut(state, ".")
	if !ok || flowID == "" {
		return nil, ErrStateMismatch
	}

	meta, err := h.GetFlowMetadata(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(meta.State), []byte(state)) != 1 {
		return nil, ErrStateMismatch
	}

	tokens, err := h.complete(ctx, flowID, meta, code)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{FlowID: flowID, ServerName: meta.ServerName, UserID: meta.UserID, Tokens: tokens}, nil
}

// GetFlowMetadata returns the metadata of a pending OAuth flow
func (h *Handler) GetFlowMetadata(ctx context.Context, flowID string) (*FlowMetadata, error) {
	state, err := h.flows.GetFlowState(ctx, flowID, FlowTypeOAuth)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrFlowNotPending
	}
	if state.Terminal() {
		if state.Status == flow.StatusFailed && state.Error == ErrFlowCanceled.Error() {
			return nil, fmt.Errorf("%w: %w", ErrFlowNotPending, ErrFlowCanceled)
		}
		return nil, ErrFlowNotPending
	}
	var meta FlowMetadata
	if err := state.DecodeMetadata(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode OAuth flow metadata: %w", err)
	}
	return &meta, nil
}

func (h *Handler) complete(ctx context.Context, flowID string, meta *FlowMetadata, code string) (*TokenSet, error) {
	logger := flowLogger(ctx, h.logger, meta.ServerName, meta.UserID, flowID)
	if code == "" {
		return nil, fmt.Errorf("authorization code is empty")
	}

	conf := h.oauth2Config(meta.ClientInfo, meta.Metadata, meta.RedirectURI, nil, meta.TokenExchange)
	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(meta.CodeVerifier)}
	if resource := resourceParam(meta.ServerURL, meta.ResourceMetadata); resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", resource))
	}

	started := h.now()
	tok, err := conf.Exchange(h.clientContext(ctx), code, opts...)
	if err != nil {
		err = fmt.Errorf("token exchange failed: %w", err)
		logger.Warn("OAuth code exchange failed", zap.Duration("duration", time.Since(started)), zap.Error(err))
		if _, failErr := h.flows.FailFlow(ctx, flowID, FlowTypeOAuth, err); failErr != nil {
			logger.Error("Failed to record OAuth flow failure", zap.Error(failErr))
		}
		return nil, err
	}

	tokens := newTokenSet(tok, h.now())
	tokens.ClientInfo = meta.ClientInfo

	if err := h.tokens.StoreTokens(ctx, StoreTokensRequest{
		UserID:     meta.UserID,
		ServerName: meta.ServerName,
		Tokens:     tokens,
		ClientInfo: meta.ClientInfo,
		Metadata:   meta.Metadata,
	}); err != nil {
		if _, failErr := h.flows.FailFlow(ctx, flowID, FlowTypeOAuth, err); failErr != nil {
			logger.Error("Failed to record OAuth flow failure", zap.Error(failErr))
		}
		return nil, err
	}

	if _, err := h.flows.CompleteFlow(ctx, flowID, FlowTypeOAuth, tokens); err != nil {
		return nil, err
	}
	logTokenMetadata(logger, "OAuth flow completed", tokens)
	return tokens, nil
}

// CancelOAuthFlow fails the pending flow of (user, server) so every waiter
// unblocks. It reports whether a pending flow existed.
func (h *Handler) CancelOAuthFlow(ctx context.Context, userID, serverName string) (bool, error) {
	flowID := h.GenerateFlowID(userID, serverName)
	canceled, err := h.flows.FailFlow(ctx, flowID, FlowTypeOAuth, ErrFlowCanceled)
	if err != nil {
		return false, err
	}
	if canceled {
		h.logger.Info("OAuth flow canceled", zap.String("server", serverName), zap.String("user_id", userID))
	}
	return canceled, nil
}

// RefreshOAuthTokens exchanges refreshToken at the token endpoint (RFC 6749 §6).
// Callers serialize concurrent refreshes; TokenStorage.GetTokens does so.
func (h *Handler) RefreshOAuthTokens(ctx context.Context, refreshToken string, req RefreshRequest) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	clientInfo := req.ClientInfo
	if req.Config.HasPreconfiguredClient() {
		clientInfo = &ClientInformation{ClientID: req.Config.ClientID, ClientSecret: req.Config.ClientSecret}
	}
	if clientInfo == nil || clientInfo.ClientID == "" {
		return nil, fmt.Errorf("%w: no OAuth client for %s", ErrRefreshFailed, req.ServerName)
	}

	metadata := req.Metadata
	if req.Config != nil && req.Config.TokenURL != "" {
		metadata = &AuthorizationServerMetadata{TokenEndpoint: req.Config.TokenURL}
	}
	if metadata == nil || metadata.TokenEndpoint == "" {
		if req.ServerURL == "" {
			return nil, fmt.Errorf("%w: no token endpoint for %s", ErrRefreshFailed, req.ServerName)
		}
		discovered, err := h.discoverer.Discover(ctx, req.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		metadata = discovered.Metadata
	}

	conf := h.oauth2Config(clientInfo, metadata, "", nil, exchangeMethod(req.Config))
	tok, err := conf.TokenSource(h.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	tokens := newTokenSet(tok, h.now())
	tokens.ClientInfo = clientInfo
	return tokens, nil
}

// RefreshFunc adapts RefreshOAuthTokens to TokenStorage.GetTokens for one server
func (h *Handler) RefreshFunc(serverURL string, cfg *config.OAuthConfig) RefreshFunc {
	return func(ctx context.Context, refreshToken string, info RefreshInfo) (*TokenSet, error) {
		return h.RefreshOAuthTokens(ctx, refreshToken, RefreshRequest{
			ServerName: info.ServerName,
			ServerURL:  serverURL,
			ClientInfo: info.ClientInfo,
			Metadata:   info.Metadata,
			Config:     cfg,
		})
	}
}

// RevokeOAuthToken revokes token at the authorization server (RFC 7009).
// Client credentials go in a Basic header unless the server only accepts
// client_secret_post.
func (h *Handler) RevokeOAuthToken(ctx context.Context, serverName, token, tokenHint string, req RevokeRequest) error {
	endpoint := req.RevocationEndpoint
	if endpoint == "" {
		base, err := url.Parse(req.ServerURL)
		if err != nil || base.Host == "" {
			return fmt.Errorf("no revocation endpoint for %s", serverName)
		}
		endpoint = origin(base) + "/revoke"
	}

	form := url.Values{}
	form.Set("token", token)
	if tokenHint != "" {
		form.Set("token_type_hint", tokenHint)
	}

	useBasic := req.ClientSecret != "" &&
		(len(req.AuthMethods) == 0 || slices.Contains(req.AuthMethods, "client_secret_basic") || !slices.Contains(req.AuthMethods, "client_secret_post"))
	if !useBasic {
		form.Set("client_id", req.ClientID)
		if req.ClientSecret != "" {
			form.Set("client_secret", req.ClientSecret)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if useBasic {
		httpReq.SetBasicAuth(url.QueryEscape(req.ClientID), url.QueryEscape(req.ClientSecret))
	}

	if _, err := h.do(httpReq); err != nil {
		return fmt.Errorf("token revocation failed for %s: %w", serverName, err)
	}
	h.logger.Info("Revoked OAuth token", zap.String("server", serverName), zap.String("token_type_hint", tokenHint))
	return nil
}

func (h *Handler) do(req *http.Request) ([]byte, error) {
	started := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	logHTTPExchange(h.logger, req, resp.StatusCode, started)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", req.URL.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Endpoint: req.URL.Redacted(), StatusCode: resp.StatusCode, Body: RedactURL(strings.TrimSpace(string(body)))}
	}
	return body, nil
}

func (h *Handler) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
}

func (h *Handler) oauth2Config(client *ClientInformation, metadata *AuthorizationServerMetadata, redirectURI string, scopes []string, exchange string) *oauth2.Config {
	conf := &oauth2.Config{
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}
	if metadata != nil {
		conf.Endpoint = oauth2.Endpoint{
			AuthURL:  metadata.AuthorizationEndpoint,
			TokenURL: metadata.TokenEndpoint,
		}
	}
	if client != nil {
		conf.ClientID = client.ClientID
		conf.ClientSecret = client.ClientSecret
		conf.Endpoint.AuthStyle = authStyle(client, exchange)
	}
	return conf
}

// authStyle maps the configured token exchange method and the registered
// client auth method onto how x/oauth2 sends client credentials
func authStyle(client *ClientInformation, exchange string) oauth2.AuthStyle {
	if client.ClientSecret == "" {
		return oauth2.AuthStyleInParams
	}
	if exchange == config.TokenExchangeBasicHeader || client.TokenEndpointAuthMethod == "client_secret_basic" {
		return oauth2.AuthStyleInHeader
	}
	return oauth2.AuthStyleInParams
}

func exchangeMethod(cfg *config.OAuthConfig) string {
	if cfg == nil || cfg.TokenExchangeMethod == "" {
		return config.TokenExchangeDefault
	}
	return cfg.TokenExchangeMethod
}

func scopesFor(cfg *config.OAuthConfig, resource *ProtectedResourceMetadata, client *ClientInformation) []string {
	switch {
	case cfg != nil && cfg.Scope != "":
		return strings.Fields(cfg.Scope)
	case resource != nil && len(resource.ScopesSupported) > 0:
		return resource.ScopesSupported
	case client != nil && client.Scope != "":
		return strings.Fields(client.Scope)
	}
	return nil
}

func supportsS256(metadata *AuthorizationServerMetadata, cfg *config.OAuthConfig) bool {
	if cfg != nil && cfg.SkipCodeChallenge {
		return true
	}
	return len(metadata.CodeChallengeMethodsSupported) == 0 || slices.Contains(metadata.CodeChallengeMethodsSupported, "S256")
}

// resourceParam is the RFC 8707 resource indicator sent with authorization
// and token requests when the server published protected resource metadata
func resourceParam(serverURL string, resource *ProtectedResourceMetadata) string {
	if resource == nil {
		return ""
	}
	if resource.Resource != "" {
		return resource.Resource
	}
	return serverURL
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IsCanceled reports whether err is the stored failure of a canceled flow
func IsCanceled(err error) bool {
	if errors.Is(err, ErrFlowCanceled) {
		return true
	}
	var failed *flow.FailedError
	return errors.As(err, &failed) && failed.Message == ErrFlowCanceled.Error()
}
