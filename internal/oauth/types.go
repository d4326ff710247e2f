// Package oauth implements the OAuth 2.1 authorization-code flow used to
// authenticate users against remote MCP servers: metadata discovery, dynamic
// client registration, PKCE, code exchange, refresh and revocation, plus the
// per-user token storage that sits on top of it.
package oauth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Flow types used with the flow manager
const (
	FlowTypeOAuth     = "mcp_oauth"
	FlowTypeGetTokens = "mcp_get_tokens"
)

// Token record types in TokenMethods storage
const (
	TokenTypeOAuth  = "mcp_oauth"
	TokenTypeClient = "mcp_oauth_client"
)

// DefaultExpiryLeeway refreshes tokens slightly before they actually expire
const DefaultExpiryLeeway = 30 * time.Second

// TokenSet is the credential bundle persisted per (user, server)
type TokenSet struct {
	AccessToken  string             `json:"access_token"`
	TokenType    string             `json:"token_type,omitempty"`
	RefreshToken string             `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time          `json:"expires_at,omitempty"`
	Scope        string             `json:"scope,omitempty"`
	ObtainedAt   time.Time          `json:"obtained_at"`
	ClientInfo   *ClientInformation `json:"client_info,omitempty"`
}

// Expired reports whether the access token is unusable at now, allowing leeway
func (t *TokenSet) Expired(now time.Time, leeway time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(t.ExpiresAt)
}

// AuthorizationHeader returns the value for the Authorization header
func (t *TokenSet) AuthorizationHeader() string {
	tokenType := t.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return tokenType + " " + t.AccessToken
}

// newTokenSet converts a token endpoint response. When the server omits
// expires_in and the access token is a JWT, the exp claim is used instead.
func newTokenSet(tok *oauth2.Token, now time.Time) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		ObtainedAt:   now,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	if set.ExpiresAt.IsZero() {
		set.ExpiresAt = jwtExpiry(tok.AccessToken)
	}
	return set
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// is only inspected to schedule refresh, never trusted for authorization.
func jwtExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// ClientInformation is an OAuth client, either pre-configured or obtained
// through dynamic client registration (RFC 7591)
type ClientInformation struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ProtectedResourceMetadata represents RFC 9728 Protected Resource Metadata
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	ResourceName           string   `json:"resource_name,omitempty"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// AuthorizationServerMetadata represents RFC 8414 OAuth Authorization Server Metadata
type AuthorizationServerMetadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	RegistrationEndpoint                   string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                     string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported                        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                 []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported                    []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported,omitempty"`
}

// FlowMetadata is stored with a pending OAuth flow and read back on callback
type FlowMetadata struct {
	ServerName       string                       `json:"server_name"`
	UserID           string                       `json:"user_id"`
	ServerURL        string                       `json:"server_url"`
	State            string                       `json:"state"`
	CodeVerifier     string                       `json:"code_verifier,omitempty"`
	RedirectURI      string                       `json:"redirect_uri"`
	AuthorizationURL string                       `json:"authorization_url"`
	ClientInfo       *ClientInformation           `json:"client_info"`
	Metadata         *AuthorizationServerMetadata `json:"metadata"`
	ResourceMetadata *ProtectedResourceMetadata   `json:"resource_metadata,omitempty"`
	TokenExchange    string                       `json:"token_exchange_method,omitempty"`
}
