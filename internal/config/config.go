package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const (
	defaultListen = "127.0.0.1:3180"

	// DefaultMaxReconnectAttempts bounds the reconnection state machine
	DefaultMaxReconnectAttempts = 3
	// DefaultConnectionCheckTTL is how long a successful liveness probe is trusted
	DefaultConnectionCheckTTL = 60 * time.Second
	// DefaultUserConnectionIdleTimeout is how long a user may stay inactive before their connections are evicted
	DefaultUserConnectionIdleTimeout = 15 * time.Minute
	// DefaultOAuthDetectionTimeout bounds each OAuth detection request
	DefaultOAuthDetectionTimeout = 5 * time.Second
	// DefaultOAuthFlowTTL must cover realistic end-user authorization latency
	DefaultOAuthFlowTTL = 10 * time.Minute
	// DefaultInitTimeout bounds the transport start plus protocol initialization
	DefaultInitTimeout = 30 * time.Second
)

// Config represents the main configuration structure
type Config struct {
	Listen  string                   `json:"listen" yaml:"listen" mapstructure:"listen"`
	DataDir string                   `json:"data_dir" yaml:"data_dir" mapstructure:"data-dir"`
	Logging *LogConfig               `json:"logging,omitempty" yaml:"logging,omitempty" mapstructure:"logging"`
	MCP     *MCPSettings             `json:"mcp,omitempty" yaml:"mcp,omitempty" mapstructure:"mcp"`
	Tracing *TracingConfig           `json:"tracing,omitempty" yaml:"tracing,omitempty" mapstructure:"tracing"`
	Servers map[string]*ServerConfig `json:"mcpServers" yaml:"mcpServers" mapstructure:"servers"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" yaml:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" yaml:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" yaml:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" yaml:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" yaml:"log_dir,omitempty" mapstructure:"log-dir"` // Custom log directory
	MaxSize       int    `json:"max_size" yaml:"max_size" mapstructure:"max-size"`                  // MB
	MaxBackups    int    `json:"max_backups" yaml:"max_backups" mapstructure:"max-backups"`         // number of backup files
	MaxAge        int    `json:"max_age" yaml:"max_age" mapstructure:"max-age"`                     // days
	Compress      bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" yaml:"json_format" mapstructure:"json-format"`
}

// MCPSettings holds the lifecycle tunables shared by every server connection
type MCPSettings struct {
	// OAuthOnAuthError treats any 401/403 during detection as an OAuth requirement
	OAuthOnAuthError      bool     `json:"oauth_on_auth_error" yaml:"oauth_on_auth_error" mapstructure:"oauth-on-auth-error"`
	OAuthDetectionTimeout Duration `json:"oauth_detection_timeout" yaml:"oauth_detection_timeout" mapstructure:"oauth-detection-timeout"`
	ConnectionCheckTTL    Duration `json:"connection_check_ttl" yaml:"connection_check_ttl" mapstructure:"connection-check-ttl"`

	UserConnectionIdleTimeout Duration `json:"user_connection_idle_timeout" yaml:"user_connection_idle_timeout" mapstructure:"user-connection-idle-timeout"`
	IdleSweepInterval         Duration `json:"idle_sweep_interval" yaml:"idle_sweep_interval" mapstructure:"idle-sweep-interval"`

	MaxReconnectAttempts int      `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts" mapstructure:"max-reconnect-attempts"`
	ReconnectBaseDelay   Duration `json:"reconnect_base_delay" yaml:"reconnect_base_delay" mapstructure:"reconnect-base-delay"`
	ReconnectMaxDelay    Duration `json:"reconnect_max_delay" yaml:"reconnect_max_delay" mapstructure:"reconnect-max-delay"`

	FlowTTL          Duration `json:"flow_ttl" yaml:"flow_ttl" mapstructure:"flow-ttl"`
	FlowPollInterval Duration `json:"flow_poll_interval" yaml:"flow_poll_interval" mapstructure:"flow-poll-interval"`
	InitTimeout      Duration `json:"init_timeout" yaml:"init_timeout" mapstructure:"init-timeout"`

	// OAuthRedirectBase is the public base URL the authorization server redirects back to
	OAuthRedirectBase string `json:"oauth_redirect_base" yaml:"oauth_redirect_base" mapstructure:"oauth-redirect-base"`
	ProbeConcurrency  int    `json:"probe_concurrency" yaml:"probe_concurrency" mapstructure:"probe-concurrency"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName  string  `json:"service_name" yaml:"service_name" mapstructure:"service-name"`
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint" mapstructure:"otlp-endpoint"`
	SampleRate   float64 `json:"sample_rate" yaml:"sample_rate" mapstructure:"sample-rate"`
}

// DefaultMCPSettings returns the lifecycle defaults
func DefaultMCPSettings() *MCPSettings {
	return &MCPSettings{
		OAuthOnAuthError:          true,
		OAuthDetectionTimeout:     Duration(DefaultOAuthDetectionTimeout),
		ConnectionCheckTTL:        Duration(DefaultConnectionCheckTTL),
		UserConnectionIdleTimeout: Duration(DefaultUserConnectionIdleTimeout),
		IdleSweepInterval:         Duration(time.Minute),
		MaxReconnectAttempts:      DefaultMaxReconnectAttempts,
		ReconnectBaseDelay:        Duration(time.Second),
		ReconnectMaxDelay:         Duration(30 * time.Second),
		FlowTTL:                   Duration(DefaultOAuthFlowTTL),
		FlowPollInterval:          Duration(500 * time.Millisecond),
		InitTimeout:               Duration(DefaultInitTimeout),
		OAuthRedirectBase:         "http://" + defaultListen,
		ProbeConcurrency:          8,
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:  defaultListen,
		DataDir: "", // Will be set to ~/.mcpconnect by loader
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10, // 10MB
			MaxBackups:    5,  // 5 backup files
			MaxAge:        30, // 30 days
			Compress:      true,
			JSONFormat:    false,
		},
		MCP: DefaultMCPSettings(),
		Tracing: &TracingConfig{
			Enabled:     false,
			ServiceName: "mcpconnect",
			SampleRate:  1.0,
		},
		Servers: map[string]*ServerConfig{},
	}
}

// Validate fills zero values with defaults and checks every server entry
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Logging == nil {
		c.Logging = DefaultConfig().Logging
	}
	if c.MCP == nil {
		c.MCP = DefaultMCPSettings()
	}
	c.MCP.applyDefaults()
	if c.Servers == nil {
		c.Servers = map[string]*ServerConfig{}
	}

	for name, server := range c.Servers {
		if server == nil {
			return fmt.Errorf("server %q: empty configuration", name)
		}
		server.Name = name
		if err := server.Validate(); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
	}
	return nil
}

func (m *MCPSettings) applyDefaults() {
	defaults := DefaultMCPSettings()
	if m.OAuthDetectionTimeout <= 0 {
		m.OAuthDetectionTimeout = defaults.OAuthDetectionTimeout
	}
	if m.ConnectionCheckTTL <= 0 {
		m.ConnectionCheckTTL = defaults.ConnectionCheckTTL
	}
	if m.UserConnectionIdleTimeout <= 0 {
		m.UserConnectionIdleTimeout = defaults.UserConnectionIdleTimeout
	}
	if m.IdleSweepInterval <= 0 {
		m.IdleSweepInterval = defaults.IdleSweepInterval
	}
	if m.MaxReconnectAttempts <= 0 {
		m.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if m.ReconnectBaseDelay <= 0 {
		m.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if m.ReconnectMaxDelay < m.ReconnectBaseDelay {
		m.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if m.FlowTTL <= 0 {
		m.FlowTTL = defaults.FlowTTL
	}
	if m.FlowPollInterval <= 0 {
		m.FlowPollInterval = defaults.FlowPollInterval
	}
	if m.InitTimeout <= 0 {
		m.InitTimeout = defaults.InitTimeout
	}
	if m.OAuthRedirectBase == "" {
		m.OAuthRedirectBase = defaults.OAuthRedirectBase
	}
	if m.ProbeConcurrency <= 0 {
		m.ProbeConcurrency = defaults.ProbeConcurrency
	}
}

// ServerNames returns configured server names in a stable order
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Duration is a time.Duration that decodes from "30s" style strings or from
// plain numbers interpreted as milliseconds.
type Duration time.Duration

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements the yaml.v3 obsolete-style unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(raw interface{}) (Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case int:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case int64:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case uint64:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case string:
		if v == "" {
			return 0, nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		return Duration(parsed), nil
	default:
		return 0, fmt.Errorf("invalid duration value %v", raw)
	}
}
