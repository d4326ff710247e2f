package upstream

import (
	"context"

	"github.com/u2sebau2/librechat-custom-sub004/internal/transport"

	"github.com/mark3labs/mcp-go/mcp"
)

// Session is the protocol client a Connection drives. *client.Client from
// mcp-go satisfies it for every transport.
type Session interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	Ping(ctx context.Context) error
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListResources(ctx context.Context, request mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	ListPrompts(ctx context.Context, request mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	OnConnectionLost(handler func(error))
	Close() error
}

// SessionBuilder creates a fresh, unstarted session. It is called once per
// connect or reconnect attempt; headers is consulted on every request.
type SessionBuilder func(ctx context.Context, headers transport.HeaderFunc) (Session, error)
