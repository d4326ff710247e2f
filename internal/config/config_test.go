package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1:3180", cfg.Listen)
	assert.NotNil(t, cfg.Logging)
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NotNil(t, cfg.MCP)
	assert.True(t, cfg.MCP.OAuthOnAuthError)
	assert.Equal(t, DefaultConnectionCheckTTL, cfg.MCP.ConnectionCheckTTL.Std())
	assert.Equal(t, DefaultUserConnectionIdleTimeout, cfg.MCP.UserConnectionIdleTimeout.Std())
	assert.Equal(t, DefaultMaxReconnectAttempts, cfg.MCP.MaxReconnectAttempts)
	assert.Equal(t, DefaultOAuthFlowTTL, cfg.MCP.FlowTTL.Std())
	assert.Empty(t, cfg.Servers)
}

func TestValidateFillsDefaultsAndNames(t *testing.T) {
	cfg := &Config{
		MCP: &MCPSettings{ConnectionCheckTTL: Duration(5 * time.Second)},
		Servers: map[string]*ServerConfig{
			"github": {URL: "https://api.example.com/mcp"},
			"local":  {Command: "npx", Args: []string{"-y", "server-everything"}},
		},
	}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "github", cfg.Servers["github"].Name)
	assert.Equal(t, "local", cfg.Servers["local"].Name)
	assert.Equal(t, 5*time.Second, cfg.MCP.ConnectionCheckTTL.Std())
	assert.Equal(t, DefaultOAuthDetectionTimeout, cfg.MCP.OAuthDetectionTimeout.Std())
	assert.Equal(t, []string{"github", "local"}, cfg.ServerNames())
}

func TestValidateRejectsBadServers(t *testing.T) {
	tests := []struct {
		name   string
		server *ServerConfig
		errMsg string
	}{
		{
			name:   "websocket",
			server: &ServerConfig{Type: "websocket", URL: "ws://localhost:9000"},
			errMsg: "websocket transport is not supported",
		},
		{
			name:   "stdio without command",
			server: &ServerConfig{Type: TransportStdio},
			errMsg: "stdio transport requires a command",
		},
		{
			name:   "sse without url",
			server: &ServerConfig{Type: TransportSSE},
			errMsg: "sse transport requires a url",
		},
		{
			name:   "relative url",
			server: &ServerConfig{Type: TransportHTTP, URL: "/mcp"},
			errMsg: "invalid url",
		},
		{
			name:   "unknown type",
			server: &ServerConfig{Type: "carrier-pigeon", URL: "https://example.com"},
			errMsg: "unknown transport type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Servers: map[string]*ServerConfig{"bad": tt.server}}
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Contains(t, err.Error(), `server "bad"`)
		})
	}
}

func TestValidateAcceptsPlaceholderURL(t *testing.T) {
	cfg := &Config{Servers: map[string]*ServerConfig{
		"tenant": {Type: TransportSSE, URL: "{{TENANT_URL}}/sse"},
	}}
	assert.NoError(t, cfg.Validate())
}

func TestTransportType(t *testing.T) {
	assert.Equal(t, TransportStdio, (&ServerConfig{Command: "node"}).TransportType())
	assert.Equal(t, TransportStreamableHTTP, (&ServerConfig{URL: "https://x"}).TransportType())
	assert.Equal(t, TransportStreamableHTTP, (&ServerConfig{Type: TransportHTTP, URL: "https://x"}).TransportType())
	assert.Equal(t, TransportSSE, (&ServerConfig{Type: TransportSSE, URL: "https://x"}).TransportType())
	assert.True(t, (&ServerConfig{Type: TransportSSE, URL: "https://x"}).IsRemote())
	assert.False(t, (&ServerConfig{Command: "node"}).IsRemote())
}

func TestExplicitOAuthAndStartup(t *testing.T) {
	yes, no := true, false

	value, set := (&ServerConfig{}).ExplicitOAuth()
	assert.False(t, set)
	assert.False(t, value)

	value, set = (&ServerConfig{RequiresOAuth: &yes}).ExplicitOAuth()
	assert.True(t, set)
	assert.True(t, value)

	assert.True(t, (&ServerConfig{}).IsStartupEnabled())
	assert.False(t, (&ServerConfig{Startup: &no}).IsStartupEnabled())
}

func TestCloneIsDeep(t *testing.T) {
	original := &ServerConfig{
		Name:    "s",
		URL:     "https://example.com",
		Args:    []string{"a"},
		Headers: map[string]string{"X-Key": "1"},
		Env:     map[string]string{"TOKEN": "t"},
		OAuth:   &OAuthConfig{ClientID: "id", GrantTypes: []string{"authorization_code"}},
		CustomUserVars: map[string]CustomUserVar{
			"API_KEY": {Title: "API key"},
		},
	}

	clone := original.Clone()
	clone.Args[0] = "changed"
	clone.Headers["X-Key"] = "changed"
	clone.Env["TOKEN"] = "changed"
	clone.OAuth.ClientID = "changed"
	clone.OAuth.GrantTypes[0] = "changed"
	delete(clone.CustomUserVars, "API_KEY")

	assert.Equal(t, "a", original.Args[0])
	assert.Equal(t, "1", original.Headers["X-Key"])
	assert.Equal(t, "t", original.Env["TOKEN"])
	assert.Equal(t, "id", original.OAuth.ClientID)
	assert.Equal(t, "authorization_code", original.OAuth.GrantTypes[0])
	assert.Contains(t, original.CustomUserVars, "API_KEY")
}

func TestNormalizeServerName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"github", "github"},
		{"my server", "my_server"},
		{"a/b:c", "a_b_c"},
		{"__x__", "x"},
		{"v1.2-beta", "v1.2-beta"},
		{"", "server"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeServerName(tt.in), tt.in)
	}

	fallback := NormalizeServerName("日本")
	assert.Regexp(t, `^server_[0-9a-f]{8}$`, fallback)
	assert.NotEqual(t, fallback, NormalizeServerName("中文"))
}

func TestDurationDecoding(t *testing.T) {
	var settings MCPSettings
	require.NoError(t, json.Unmarshal([]byte(`{"connection_check_ttl":"90s","oauth_detection_timeout":2500}`), &settings))
	assert.Equal(t, 90*time.Second, settings.ConnectionCheckTTL.Std())
	assert.Equal(t, 2500*time.Millisecond, settings.OAuthDetectionTimeout.Std())

	var fromYAML MCPSettings
	require.NoError(t, yaml.Unmarshal([]byte("connection_check_ttl: 2m\nflow_ttl: 1000\n"), &fromYAML))
	assert.Equal(t, 2*time.Minute, fromYAML.ConnectionCheckTTL.Std())
	assert.Equal(t, time.Second, fromYAML.FlowTTL.Std())

	var bad MCPSettings
	assert.Error(t, json.Unmarshal([]byte(`{"flow_ttl":"soon"}`), &bad))
}

func TestServerInstructionsDecoding(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Instructions
	}{
		{"bool true", `true`, Instructions{UseServer: true}},
		{"bool false", `false`, Instructions{}},
		{"string true", `"true"`, Instructions{UseServer: true}},
		{"literal", `"Always cite sources."`, Instructions{Text: "Always cite sources."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Instructions
			require.NoError(t, json.Unmarshal([]byte(tt.json), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	var invalid Instructions
	assert.Error(t, json.Unmarshal([]byte(`42`), &invalid))

	var fromYAML ServerConfig
	require.NoError(t, yaml.Unmarshal([]byte("url: https://x\nserverInstructions: Use the search tool first.\n"), &fromYAML))
	assert.Equal(t, "Use the search tool first.", fromYAML.ServerInstructions.Text)
	assert.True(t, fromYAML.ServerInstructions.IsSet())
}
