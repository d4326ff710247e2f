package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/u2sebau2/librechat-custom-sub004/internal/flow"
	"github.com/u2sebau2/librechat-custom-sub004/internal/hash"
	"github.com/u2sebau2/librechat-custom-sub004/internal/storage"
)

// RefreshFlowTTL bounds a deduplicated refresh; it only needs to cover one
// token endpoint round trip
const RefreshFlowTTL = 3 * time.Minute

// TokenMethods is the per-user credential persistence backend
type TokenMethods interface {
	FindToken(ctx context.Context, q storage.TokenQuery) (*storage.TokenRecord, error)
	CreateToken(ctx context.Context, record *storage.TokenRecord) error
	UpdateToken(ctx context.Context, q storage.TokenQuery, update *storage.TokenRecord) error
	DeleteTokens(ctx context.Context, q storage.TokenQuery) (int, error)
}

// RefreshInfo is handed to a RefreshFunc alongside the refresh token
type RefreshInfo struct {
	UserID     string
	ServerName string
	Identifier string
	ClientInfo *ClientInformation
	Metadata   *AuthorizationServerMetadata
}

// RefreshFunc exchanges a refresh token for a new token set
type RefreshFunc func(ctx context.Context, refreshToken string, info RefreshInfo) (*TokenSet, error)

// StoreTokensRequest is the input of StoreTokens
type StoreTokensRequest struct {
	UserID     string
	ServerName string
	Tokens     *TokenSet
	// ClientInfo and Metadata are persisted together as the client record when set
	ClientInfo *ClientInformation
	Metadata   *AuthorizationServerMetadata
}

// GetTokensRequest is the input of GetTokens
type GetTokensRequest struct {
	UserID     string
	ServerName string
	// Refresh is invoked when the stored access token expired; nil disables refresh
	Refresh RefreshFunc
}

// clientRecord is the JSON document stored under the mcp_oauth_client type
type clientRecord struct {
	ClientInfo *ClientInformation           `json:"client_info"`
	Metadata   *AuthorizationServerMetadata `json:"metadata,omitempty"`
}

// TokenStorage persists OAuth credentials per (user, server) and refreshes
// them on read. Concurrent refreshes for one (user, server) collapse into a
// single token endpoint call.
type TokenStorage struct {
	methods TokenMethods
	refresh *flow.Manager[*TokenSet]
	logger  *zap.Logger
	now     func() time.Time
	leeway  time.Duration
}

// NewTokenStorage creates token storage over methods. refreshFlows
// deduplicates refreshes; it should use RefreshFlowTTL.
func NewTokenStorage(methods TokenMethods, refreshFlows *flow.Manager[*TokenSet], logger *zap.Logger) *TokenStorage {
	if logger == nil {
		logger = zap.L()
	}
	return &TokenStorage{
		methods: methods,
		refresh: refreshFlows,
		logger:  logger.Named("oauth.tokens"),
		now:     time.Now,
		leeway:  DefaultExpiryLeeway,
	}
}

// TokenIdentifier is the record identifier of a server's token set
func TokenIdentifier(serverName string) string {
	return "mcp:" + serverName
}

// ClientIdentifier is the record identifier of a server's OAuth client
func ClientIdentifier(serverName string) string {
	return "mcp:" + serverName + ":client"
}

// StoreTokens upserts the token set and, when given, the client record.
// Each record is written whole so a reader never sees half of an update.
func (s *TokenStorage) StoreTokens(ctx context.Context, req StoreTokensRequest) error {
	if req.Tokens == nil || req.Tokens.AccessToken == "" {
		return fmt.Errorf("refusing to store empty token set for %s", req.ServerName)
	}

	if req.ClientInfo != nil {
		payload, err := json.Marshal(clientRecord{ClientInfo: req.ClientInfo, Metadata: req.Metadata})
		if err != nil {
			return fmt.Errorf("failed to encode client information: %w", err)
		}
		record := &storage.TokenRecord{
			UserID:     req.UserID,
			Type:       TokenTypeClient,
			Identifier: ClientIdentifier(req.ServerName),
			Token:      string(payload),
		}
		if req.ClientInfo.ClientSecretExpiresAt > 0 {
			record.ExpiresAt = time.Unix(req.ClientInfo.ClientSecretExpiresAt, 0)
		}
		if err := s.upsert(ctx, record); err != nil {
			return fmt.Errorf("failed to store client information: %w", err)
		}
	}

	tokens := *req.Tokens
	tokens.ClientInfo = nil
	if tokens.ObtainedAt.IsZero() {
		tokens.ObtainedAt = s.now()
	}
	payload, err := json.Marshal(&tokens)
	if err != nil {
		return fmt.Errorf("failed to encode token set: %w", err)
	}
	record := &storage.TokenRecord{
		UserID:     req.UserID,
		Type:       TokenTypeOAuth,
		Identifier: TokenIdentifier(req.ServerName),
		Token:      string(payload),
		ExpiresAt:  tokens.ExpiresAt,
		Metadata: map[string]string{
			"has_refresh_token": fmt.Sprintf("%t", tokens.RefreshToken != ""),
		},
	}
	if err := s.upsert(ctx, record); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}

	s.logger.Debug("Stored OAuth tokens",
		zap.String("server", req.ServerName),
		zap.String("user_id", req.UserID),
		zap.Bool("client_info", req.ClientInfo != nil))
	return nil
}

func (s *TokenStorage) upsert(ctx context.Context, record *storage.TokenRecord) error {
	q := storage.TokenQuery{UserID: record.UserID, Type: record.Type, Identifier: record.Identifier}

	err := s.methods.UpdateToken(ctx, q, record)
	if !errors.Is(err, storage.ErrTokenNotFound) {
		return err
	}
	err = s.methods.CreateToken(ctx, record)
	if errors.Is(err, storage.ErrTokenExists) {
		// Lost a create race; the record exists now
		return s.methods.UpdateToken(ctx, q, record)
	}
	return err
}

// readTokens returns the stored token set, or nil
func (s *TokenStorage) readTokens(ctx context.Context, userID, serverName string) (*TokenSet, error) {
	record, err := s.methods.FindToken(ctx, storage.TokenQuery{
		UserID:     userID,
		Type:       TokenTypeOAuth,
		Identifier: TokenIdentifier(serverName),
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	var tokens TokenSet
	if err := json.Unmarshal([]byte(record.Token), &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode stored tokens for %s: %w", serverName, err)
	}
	return &tokens, nil
}

// StoredTokens returns the persisted token set as is, expired or not, or nil
func (s *TokenStorage) StoredTokens(ctx context.Context, userID, serverName string) (*TokenSet, error) {
	return s.readTokens(ctx, userID, serverName)
}

// GetTokens returns the usable token set for (user, server), or nil when none
// was ever stored. An expired access token is refreshed through req.Refresh,
// persisted and returned. Expired tokens without a refresh token yield
// ErrNoRefreshToken so the caller can restart authorization.
func (s *TokenStorage) GetTokens(ctx context.Context, req GetTokensRequest) (*TokenSet, error) {
	var (
		tokens *TokenSet
		err    error
	)
	// A concurrent caller clearing a settled refresh flow can remove the one
	// this caller joined; the stored tokens are then re-read
	for attempt := 0; attempt < 3; attempt++ {
		tokens, err = s.getTokens(ctx, req)
		if !errors.Is(err, flow.ErrFlowExpired) {
			break
		}
	}
	return tokens, err
}

func (s *TokenStorage) getTokens(ctx context.Context, req GetTokensRequest) (*TokenSet, error) {
	tokens, err := s.readTokens(ctx, req.UserID, req.ServerName)
	if err != nil || tokens == nil {
		return nil, err
	}
	if !tokens.Expired(s.now(), s.leeway) {
		return tokens, nil
	}

	logger := s.logger.With(zap.String("server", req.ServerName), zap.String("user_id", req.UserID))
	if tokens.RefreshToken == "" {
		logger.Info("Access token expired and no refresh token is stored")
		return nil, ErrNoRefreshToken
	}
	if req.Refresh == nil {
		return nil, ErrTokenExpired
	}

	flowID := hash.FlowID(req.UserID, req.ServerName)

	// A settled refresh from an earlier round would otherwise be replayed
	state, err := s.refresh.GetFlowState(ctx, flowID, FlowTypeGetTokens)
	if err != nil {
		return nil, err
	}
	if state != nil && state.Terminal() {
		if _, err := s.refresh.DeleteFlow(ctx, flowID, FlowTypeGetTokens); err != nil {
			return nil, err
		}
	}

	refreshed, err := s.refresh.CreateFlowWithHandler(ctx, flowID, FlowTypeGetTokens, func(ctx context.Context) (*TokenSet, error) {
		return s.refreshTokens(ctx, req, logger)
	})
	if err != nil {
		var failed *flow.FailedError
		if errors.As(err, &failed) {
			return nil, fmt.Errorf("%w: %s", ErrRefreshFailed, failed.Message)
		}
		return nil, err
	}
	return refreshed, nil
}

func (s *TokenStorage) refreshTokens(ctx context.Context, req GetTokensRequest, logger *zap.Logger) (*TokenSet, error) {
	// Re-read inside the flow: a refresh finished by another caller may have
	// already rotated the refresh token
	current, err := s.readTokens(ctx, req.UserID, req.ServerName)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("tokens for %s were deleted during refresh", req.ServerName)
	}
	if !current.Expired(s.now(), s.leeway) {
		return current, nil
	}
	if current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	clientInfo, metadata, err := s.GetClientInfoAndMetadata(ctx, req.UserID, req.ServerName)
	if err != nil {
		return nil, err
	}

	logger.Info("Refreshing OAuth tokens")
	started := s.now()
	refreshed, err := req.Refresh(ctx, current.RefreshToken, RefreshInfo{
		UserID:     req.UserID,
		ServerName: req.ServerName,
		Identifier: TokenIdentifier(req.ServerName),
		ClientInfo: clientInfo,
		Metadata:   metadata,
	})
	if err != nil {
		logger.Warn("OAuth token refresh failed", zap.Duration("duration", time.Since(started)), zap.Error(err))
		return nil, err
	}
	if refreshed.RefreshToken == "" {
		// Servers that do not rotate refresh tokens omit them from the response
		refreshed.RefreshToken = current.RefreshToken
	}

	if err := s.StoreTokens(ctx, StoreTokensRequest{
		UserID:     req.UserID,
		ServerName: req.ServerName,
		Tokens:     refreshed,
	}); err != nil {
		return nil, err
	}
	logTokenMetadata(logger, "OAuth tokens refreshed", refreshed)
	return refreshed, nil
}

// GetClientInfoAndMetadata returns the stored OAuth client and authorization
// server metadata, or nils when no client was stored
func (s *TokenStorage) GetClientInfoAndMetadata(ctx context.Context, userID, serverName string) (*ClientInformation, *AuthorizationServerMetadata, error) {
	record, err := s.methods.FindToken(ctx, storage.TokenQuery{
		UserID:     userID,
		Type:       TokenTypeClient,
		Identifier: ClientIdentifier(serverName),
	})
	if err != nil || record == nil {
		return nil, nil, err
	}
	var client clientRecord
	if err := json.Unmarshal([]byte(record.Token), &client); err != nil {
		return nil, nil, fmt.Errorf("failed to decode stored client for %s: %w", serverName, err)
	}
	return client.ClientInfo, client.Metadata, nil
}

// DeleteUserTokens removes the token set and client record for (user, server)
func (s *TokenStorage) DeleteUserTokens(ctx context.Context, userID, serverName string) error {
	for _, q := range []storage.TokenQuery{
		{UserID: userID, Type: TokenTypeOAuth, Identifier: TokenIdentifier(serverName)},
		{UserID: userID, Type: TokenTypeClient, Identifier: ClientIdentifier(serverName)},
	} {
		if _, err := s.methods.DeleteTokens(ctx, q); err != nil {
			return fmt.Errorf("failed to delete %s for %s: %w", q.Type, serverName, err)
		}
	}
	s.logger.Info("Deleted OAuth tokens", zap.String("server", serverName), zap.String("user_id", userID))
	return nil
}
