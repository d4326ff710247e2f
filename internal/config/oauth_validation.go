package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Token exchange methods understood by the OAuth handler
const (
	TokenExchangeDefault     = "default_post"
	TokenExchangeBasicHeader = "basic_auth_header"
)

var knownClientAuthMethods = map[string]bool{
	"client_secret_basic": true,
	"client_secret_post":  true,
	"none":                true,
}

// Validate performs validation on OAuthConfig
func (o *OAuthConfig) Validate() error {
	if o == nil {
		return nil
	}

	for field, raw := range map[string]string{
		"authorization_url":   o.AuthorizationURL,
		"token_url":           o.TokenURL,
		"redirect_uri":        o.RedirectURI,
		"revocation_endpoint": o.RevocationEndpoint,
	} {
		if raw == "" || strings.Contains(raw, "{{") || strings.Contains(raw, "${") {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("oauth config validation failed: %s must be an absolute URL", field)
		}
	}

	switch o.TokenExchangeMethod {
	case "", TokenExchangeDefault, TokenExchangeBasicHeader:
	default:
		return fmt.Errorf("oauth config validation failed: unknown token_exchange_method %q", o.TokenExchangeMethod)
	}

	var unknown []string
	for _, method := range append(append([]string{}, o.TokenAuthMethods...), o.RevocationAuth...) {
		if !knownClientAuthMethods[method] {
			unknown = append(unknown, method)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("oauth config validation failed: unsupported client auth methods: %s", strings.Join(unknown, ", "))
	}

	if o.ClientSecret != "" && o.ClientID == "" {
		return fmt.Errorf("oauth config validation failed: client_secret requires client_id")
	}
	return nil
}

// HasPreconfiguredClient reports whether dynamic client registration can be skipped
func (o *OAuthConfig) HasPreconfiguredClient() bool {
	return o != nil && o.ClientID != ""
}

// HasStaticEndpoints reports whether metadata discovery can be skipped
func (o *OAuthConfig) HasStaticEndpoints() bool {
	return o != nil && o.AuthorizationURL != "" && o.TokenURL != ""
}
