package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/u2sebau2/librechat-custom-sub004/internal/hash"
)

// Transport types supported by the connection layer
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
	TransportHTTP           = "http"
	TransportSSE            = "sse"
	transportWebSocket      = "websocket"
)

// ServerConfig represents upstream MCP server configuration.
// It is loaded once at startup and treated as read-only afterwards; per-user
// variants are produced by ResolvePlaceholders.
type ServerConfig struct {
	Name    string            `json:"-" yaml:"-" mapstructure:"-"`
	Type    string            `json:"type,omitempty" yaml:"type,omitempty" mapstructure:"type"` // stdio, streamable-http, http, sse
	URL     string            `json:"url,omitempty" yaml:"url,omitempty" mapstructure:"url"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty" mapstructure:"env"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" mapstructure:"headers"`

	// Startup controls whether the server is probed at startup and may join the app-level pool
	Startup *bool `json:"startup,omitempty" yaml:"startup,omitempty" mapstructure:"startup"`

	// Timeout bounds a single tool call; InitTimeout bounds connection establishment
	Timeout     Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
	InitTimeout Duration `json:"initTimeout,omitempty" yaml:"initTimeout,omitempty" mapstructure:"init-timeout"`

	ServerInstructions Instructions `json:"serverInstructions,omitempty" yaml:"serverInstructions,omitempty" mapstructure:"server-instructions"`

	// RequiresOAuth short-circuits detection when set explicitly
	RequiresOAuth *bool        `json:"requiresOAuth,omitempty" yaml:"requiresOAuth,omitempty" mapstructure:"requires-oauth"`
	OAuth         *OAuthConfig `json:"oauth,omitempty" yaml:"oauth,omitempty" mapstructure:"oauth"`

	CustomUserVars map[string]CustomUserVar `json:"customUserVars,omitempty" yaml:"customUserVars,omitempty" mapstructure:"custom-user-vars"`

	IconPath string `json:"iconPath,omitempty" yaml:"iconPath,omitempty" mapstructure:"icon-path"`
	ChatMenu *bool  `json:"chatMenu,omitempty" yaml:"chatMenu,omitempty" mapstructure:"chat-menu"`
}

// OAuthConfig represents declared OAuth settings for an upstream server.
// Every field is optional; missing endpoints are discovered and a missing
// client is registered dynamically.
type OAuthConfig struct {
	AuthorizationURL    string   `json:"authorization_url,omitempty" yaml:"authorization_url,omitempty" mapstructure:"authorization-url"`
	TokenURL            string   `json:"token_url,omitempty" yaml:"token_url,omitempty" mapstructure:"token-url"`
	ClientID            string   `json:"client_id,omitempty" yaml:"client_id,omitempty" mapstructure:"client-id"`
	ClientSecret        string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty" mapstructure:"client-secret"`
	Scope               string   `json:"scope,omitempty" yaml:"scope,omitempty" mapstructure:"scope"`
	RedirectURI         string   `json:"redirect_uri,omitempty" yaml:"redirect_uri,omitempty" mapstructure:"redirect-uri"`
	TokenExchangeMethod string   `json:"token_exchange_method,omitempty" yaml:"token_exchange_method,omitempty" mapstructure:"token-exchange-method"`
	GrantTypes          []string `json:"grant_types_supported,omitempty" yaml:"grant_types_supported,omitempty" mapstructure:"grant-types-supported"`
	ResponseTypes       []string `json:"response_types_supported,omitempty" yaml:"response_types_supported,omitempty" mapstructure:"response-types-supported"`
	TokenAuthMethods    []string `json:"token_endpoint_auth_methods_supported,omitempty" yaml:"token_endpoint_auth_methods_supported,omitempty" mapstructure:"token-endpoint-auth-methods-supported"`
	CodeChallenge       []string `json:"code_challenge_methods_supported,omitempty" yaml:"code_challenge_methods_supported,omitempty" mapstructure:"code-challenge-methods-supported"`
	SkipCodeChallenge   bool     `json:"skip_code_challenge_check,omitempty" yaml:"skip_code_challenge_check,omitempty" mapstructure:"skip-code-challenge-check"`
	RevocationEndpoint  string   `json:"revocation_endpoint,omitempty" yaml:"revocation_endpoint,omitempty" mapstructure:"revocation-endpoint"`
	RevocationAuth      []string `json:"revocation_endpoint_auth_methods_supported,omitempty" yaml:"revocation_endpoint_auth_methods_supported,omitempty" mapstructure:"revocation-endpoint-auth-methods-supported"`
}

// CustomUserVar declares a per-user variable that users supply themselves
type CustomUserVar struct {
	Title       string `json:"title" yaml:"title" mapstructure:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
}

// Instructions holds the serverInstructions setting, which is either a
// boolean (use what the server reports) or a literal override.
type Instructions struct {
	UseServer bool
	Text      string
}

// IsSet reports whether any instructions were configured
func (i Instructions) IsSet() bool {
	return i.UseServer || i.Text != ""
}

// MarshalJSON implements json.Marshaler
func (i Instructions) MarshalJSON() ([]byte, error) {
	if i.Text != "" {
		return json.Marshal(i.Text)
	}
	return json.Marshal(i.UseServer)
}

// UnmarshalJSON implements json.Unmarshaler
func (i *Instructions) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return i.set(raw)
}

// MarshalYAML implements yaml.Marshaler
func (i Instructions) MarshalYAML() (interface{}, error) {
	if i.Text != "" {
		return i.Text, nil
	}
	return i.UseServer, nil
}

// UnmarshalYAML implements the yaml.v3 obsolete-style unmarshaler
func (i *Instructions) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return i.set(raw)
}

func (i *Instructions) set(raw interface{}) error {
	switch v := raw.(type) {
	case nil:
		*i = Instructions{}
	case bool:
		*i = Instructions{UseServer: v}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			*i = Instructions{UseServer: true}
		case "false", "":
			*i = Instructions{}
		default:
			*i = Instructions{Text: v}
		}
	default:
		return fmt.Errorf("serverInstructions must be a boolean or a string, got %T", raw)
	}
	return nil
}

// IsStartupEnabled reports whether the server participates in startup probing
func (s *ServerConfig) IsStartupEnabled() bool {
	return s.Startup == nil || *s.Startup
}

// TransportType returns the effective transport kind
func (s *ServerConfig) TransportType() string {
	if s.Type != "" && s.Type != "auto" {
		if s.Type == TransportHTTP {
			return TransportStreamableHTTP
		}
		return s.Type
	}
	if s.Command != "" {
		return TransportStdio
	}
	if s.URL != "" {
		return TransportStreamableHTTP
	}
	return TransportStdio
}

// IsRemote reports whether the server is reached over the network
func (s *ServerConfig) IsRemote() bool {
	return s.TransportType() != TransportStdio
}

// ExplicitOAuth reports the configured requiresOAuth value and whether it was set
func (s *ServerConfig) ExplicitOAuth() (value bool, set bool) {
	if s.RequiresOAuth == nil {
		return false, false
	}
	return *s.RequiresOAuth, true
}

// EffectiveInitTimeout returns the connection establishment bound
func (s *ServerConfig) EffectiveInitTimeout(fallback time.Duration) time.Duration {
	if s.InitTimeout > 0 {
		return s.InitTimeout.Std()
	}
	return fallback
}

// Clone returns a deep copy so per-user substitutions never mutate the shared config
func (s *ServerConfig) Clone() *ServerConfig {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Args = append([]string(nil), s.Args...)
	clone.Env = cloneStringMap(s.Env)
	clone.Headers = cloneStringMap(s.Headers)
	if s.Startup != nil {
		v := *s.Startup
		clone.Startup = &v
	}
	if s.RequiresOAuth != nil {
		v := *s.RequiresOAuth
		clone.RequiresOAuth = &v
	}
	if s.ChatMenu != nil {
		v := *s.ChatMenu
		clone.ChatMenu = &v
	}
	if s.OAuth != nil {
		oauthCopy := *s.OAuth
		oauthCopy.GrantTypes = append([]string(nil), s.OAuth.GrantTypes...)
		oauthCopy.ResponseTypes = append([]string(nil), s.OAuth.ResponseTypes...)
		oauthCopy.TokenAuthMethods = append([]string(nil), s.OAuth.TokenAuthMethods...)
		oauthCopy.CodeChallenge = append([]string(nil), s.OAuth.CodeChallenge...)
		oauthCopy.RevocationAuth = append([]string(nil), s.OAuth.RevocationAuth...)
		clone.OAuth = &oauthCopy
	}
	if s.CustomUserVars != nil {
		clone.CustomUserVars = make(map[string]CustomUserVar, len(s.CustomUserVars))
		for k, v := range s.CustomUserVars {
			clone.CustomUserVars[k] = v
		}
	}
	return &clone
}

// Validate checks transport consistency for one server
func (s *ServerConfig) Validate() error {
	if s.Type == transportWebSocket {
		return fmt.Errorf("websocket transport is not supported")
	}

	switch s.TransportType() {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportStreamableHTTP, TransportSSE:
		if s.URL == "" {
			return fmt.Errorf("%s transport requires a url", s.TransportType())
		}
		// Placeholders are substituted per user, so only validate literal URLs
		if !strings.Contains(s.URL, "{{") && !strings.Contains(s.URL, "${") {
			parsed, err := url.Parse(s.URL)
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				return fmt.Errorf("invalid url %q", s.URL)
			}
		}
	default:
		return fmt.Errorf("unknown transport type %q", s.Type)
	}

	if err := s.OAuth.Validate(); err != nil {
		return err
	}
	return nil
}

var serverNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// NormalizeServerName maps a server name onto ^[a-zA-Z0-9_.-]+$, the shape
// tool-calling providers accept inside function names.
func NormalizeServerName(name string) string {
	if name == "" {
		return "server"
	}
	normalized := serverNameSanitizer.ReplaceAllString(name, "_")
	normalized = strings.Trim(normalized, "_")
	if normalized == "" {
		return "server_" + hash.StringHash(name)[:8]
	}
	return normalized
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
