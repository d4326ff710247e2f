package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir = ".mcpconnect"
	ConfigFileName = "mcp_config.json"
	EnvPrefix      = "MCPC"
)

// SecretExpander expands ${type:name} references inside configuration values
type SecretExpander interface {
	ExpandSecretRefs(ctx context.Context, input string) (string, error)
}

// SetupViper configures viper with environment variable handling.
// No defaults are registered here: viper treats a default as "set", which
// would mask values coming from the config file.
func SetupViper() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()

	// Replace - and . with _ for environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
}

// Load loads configuration from the file named by viper's "config" key, or the
// first config file found in the usual locations, then applies overrides.
func Load() (*Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		if found, ok := findConfigFile(); ok {
			configPath = found
		}
	}
	return LoadFromFile(configPath)
}

// LoadFromFile loads configuration from a specific file. An empty path yields defaults.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	applyViperOverrides(cfg)

	// Set data directory if not specified
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse decodes configuration bytes; format is "yaml" or "json"
func Parse(data []byte, format string) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeInto(data, format, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// findConfigFile tries to find config file in common locations
func findConfigFile() (string, bool) {
	locations := []string{
		ConfigFileName,
		"mcp_config.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		locations = append(locations,
			filepath.Join(homeDir, DefaultDataDir, ConfigFileName),
			filepath.Join(homeDir, DefaultDataDir, "mcp_config.yaml"))
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location, true
		}
	}
	return "", false
}

// loadConfigFile loads configuration from a JSON or YAML file
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Empty file (including /dev/null) is treated as no configuration
	if len(data) == 0 {
		return nil
	}

	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	return decodeInto(data, format, cfg)
}

func decodeInto(data []byte, format string, cfg *Config) error {
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse json config: %w", err)
		}
	}
	return nil
}

// applyViperOverrides applies flag and MCPC_* environment overrides for scalar settings
func applyViperOverrides(cfg *Config) {
	if viper.IsSet("data-dir") && viper.GetString("data-dir") != "" {
		cfg.DataDir = viper.GetString("data-dir")
	}
	if viper.IsSet("listen") && viper.GetString("listen") != "" {
		cfg.Listen = viper.GetString("listen")
	}
	if cfg.Logging != nil && viper.IsSet("log-level") && viper.GetString("log-level") != "" {
		cfg.Logging.Level = viper.GetString("log-level")
	}
	if cfg.MCP == nil {
		cfg.MCP = DefaultMCPSettings()
	}
	if viper.IsSet("mcp.oauth-on-auth-error") {
		cfg.MCP.OAuthOnAuthError = viper.GetBool("mcp.oauth-on-auth-error")
	}
	if viper.IsSet("mcp.connection-check-ttl") {
		cfg.MCP.ConnectionCheckTTL = Duration(viper.GetDuration("mcp.connection-check-ttl"))
	}
	if viper.IsSet("mcp.user-connection-idle-timeout") {
		cfg.MCP.UserConnectionIdleTimeout = Duration(viper.GetDuration("mcp.user-connection-idle-timeout"))
	}
	if viper.IsSet("mcp.oauth-detection-timeout") {
		cfg.MCP.OAuthDetectionTimeout = Duration(viper.GetDuration("mcp.oauth-detection-timeout"))
	}
	if viper.IsSet("mcp.oauth-redirect-base") && viper.GetString("mcp.oauth-redirect-base") != "" {
		cfg.MCP.OAuthRedirectBase = viper.GetString("mcp.oauth-redirect-base")
	}
}

// ExpandSecrets resolves ${env:NAME} and ${keyring:NAME} references in every
// server's url, headers and env. Per-user placeholders are left untouched.
func ExpandSecrets(ctx context.Context, cfg *Config, expander SecretExpander) error {
	for _, name := range cfg.ServerNames() {
		server := cfg.Servers[name]

		expanded, err := expander.ExpandSecretRefs(ctx, server.URL)
		if err != nil {
			return fmt.Errorf("server %q url: %w", name, err)
		}
		server.URL = expanded

		for key, value := range server.Headers {
			if server.Headers[key], err = expander.ExpandSecretRefs(ctx, value); err != nil {
				return fmt.Errorf("server %q header %s: %w", name, key, err)
			}
		}
		for key, value := range server.Env {
			if server.Env[key], err = expander.ExpandSecretRefs(ctx, value); err != nil {
				return fmt.Errorf("server %q env %s: %w", name, key, err)
			}
		}
		if server.OAuth != nil && server.OAuth.ClientSecret != "" {
			if server.OAuth.ClientSecret, err = expander.ExpandSecretRefs(ctx, server.OAuth.ClientSecret); err != nil {
				return fmt.Errorf("server %q oauth client_secret: %w", name, err)
			}
		}
	}
	return nil
}

// SaveConfig saves configuration to file as indented JSON
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// MarshalYAML renders the configuration for display
func MarshalYAML(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
