package transport

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"
)

// inheritedEnv lists the process variables a stdio server receives in
// addition to its configured env
var inheritedEnv = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TMPDIR", "TEMP", "TMP",
	"LANG", "LC_ALL", "SYSTEMROOT", "APPDATA", "LOCALAPPDATA", "USERPROFILE",
}

// StdioTransportConfig holds configuration for stdio transport
type StdioTransportConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// CreateStdioClient creates a new MCP client that spawns the server process on Start
func CreateStdioClient(cfg *StdioTransportConfig, opts Options) (*client.Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("no command specified for stdio transport")
	}

	env := BuildEnvironment(cfg.Env, opts.Env)
	logger := opts.logger().Named("transport")
	logger.Debug("Creating stdio client",
		zap.String("command", cfg.Command),
		zap.Strings("args", cfg.Args),
		zap.Int("env_count", len(env)))

	stdioTransport := transport.NewStdio(cfg.Command, env, cfg.Args...)
	if opts.Trace {
		return client.NewClient(NewTracingTransport(stdioTransport, logger, cfg.Command)), nil
	}
	return client.NewClient(stdioTransport), nil
}

// BuildEnvironment returns KEY=VALUE pairs from a minimal inherited set
// overlaid with the given maps in order. Keys are sorted for stable output.
func BuildEnvironment(overlays ...map[string]string) []string {
	merged := make(map[string]string)
	for _, key := range inheritedEnv {
		if value, ok := os.LookupEnv(key); ok {
			merged[key] = value
		}
	}
	for _, overlay := range overlays {
		for k, v := range overlay {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// ParseCommand parses a command string into command and arguments
func ParseCommand(cmd string) []string {
	var result []string
	var current strings.Builder
	var inQuote bool
	var quoteChar rune

	flush := func() {
		if current.Len() > 0 {
			result = append(result, current.String())
			current.Reset()
		}
	}

	for _, r := range cmd {
		switch {
		case (r == ' ' || r == '\t') && !inQuote:
			flush()
		case r == '"' || r == '\'':
			switch {
			case inQuote && r == quoteChar:
				inQuote = false
				quoteChar = 0
			case !inQuote:
				inQuote = true
				quoteChar = r
			default:
				current.WriteRune(r)
			}
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return result
}

// CreateStdioTransportConfig creates a stdio transport config from server config.
// A command with embedded arguments and no args list is split on whitespace.
func CreateStdioTransportConfig(serverConfig *config.ServerConfig) *StdioTransportConfig {
	command := serverConfig.Command
	args := serverConfig.Args

	if len(args) == 0 && strings.ContainsAny(command, " \t") {
		if parsed := ParseCommand(command); len(parsed) > 0 {
			command = parsed[0]
			args = parsed[1:]
		}
	}

	return &StdioTransportConfig{
		Command: command,
		Args:    args,
		Env:     serverConfig.Env,
	}
}
