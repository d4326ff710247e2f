package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/u2sebau2/librechat-custom-sub004/internal/hash"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolDelimiter joins tool and server names in tool keys
const ToolDelimiter = "_mcp_"

// ToolFunction is the function-calling definition of one server tool
type ToolFunction struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec describes the callable function
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolFunctions maps tool keys (<tool>_mcp_<server>) to definitions
type ToolFunctions map[string]ToolFunction

// ToolKey builds the key a tool is exposed under
func ToolKey(toolName, serverName string) string {
	return toolName + ToolDelimiter + serverName
}

// ParseToolKey splits a tool key on the last delimiter
func ParseToolKey(key string) (toolName, serverName string, ok bool) {
	idx := strings.LastIndex(key, ToolDelimiter)
	if idx <= 0 || idx+len(ToolDelimiter) >= len(key) {
		return "", "", false
	}
	return key[:idx], key[idx+len(ToolDelimiter):], true
}

// BuildToolFunctions converts a server's tool list into tool functions
func BuildToolFunctions(serverName string, tools []mcp.Tool) ToolFunctions {
	out := make(ToolFunctions, len(tools))
	for _, tool := range tools {
		key := ToolKey(tool.Name, serverName)
		out[key] = ToolFunction{
			Type: "function",
			Function: FunctionSpec{
				Name:        key,
				Description: tool.Description,
				Parameters:  toolParameters(tool),
			},
		}
	}
	return out
}

func toolParameters(tool mcp.Tool) json.RawMessage {
	if len(tool.RawInputSchema) > 0 {
		return tool.RawInputSchema
	}
	data, err := json.Marshal(tool.InputSchema)
	if err != nil || string(data) == "null" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}

// Merge copies every entry of other into f
func (f ToolFunctions) Merge(other ToolFunctions) {
	for key, fn := range other {
		f[key] = fn
	}
}

// Keys returns the tool keys in sorted order
func (f ToolFunctions) Keys() []string {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Hash fingerprints every tool definition of one server. Equal hashes mean
// the server exposes the same names, descriptions and parameter schemas.
func (f ToolFunctions) Hash(serverName string) (string, error) {
	var b strings.Builder
	for _, key := range f.Keys() {
		h, err := hash.ToolHash(serverName, key, f[key].Function)
		if err != nil {
			return "", fmt.Errorf("tool %s: %w", key, err)
		}
		b.WriteString(h)
	}
	return hash.StringHash(b.String()), nil
}
