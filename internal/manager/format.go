package manager

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const noResponse = "(No response)"

// Artifact is non-text tool output surfaced to the host alongside the text
type Artifact struct {
	Type     string `json:"type"` // image_url, audio, resource
	URL      string `json:"url,omitempty"`
	URI      string `json:"uri,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// FormattedToolResponse is a tool result reduced to model-ready text plus artifacts
type FormattedToolResponse struct {
	Content   string     `json:"content"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
}

// FormatToolContent flattens a tool result. Text parts and text resources
// become the content; images, audio and blob resources become artifacts.
func FormatToolContent(result *mcp.CallToolResult) *FormattedToolResponse {
	resp := &FormattedToolResponse{}
	if result == nil {
		resp.Content = noResponse
		return resp
	}
	resp.IsError = result.IsError

	var parts []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = appendText(parts, c.Text)
		case *mcp.TextContent:
			parts = appendText(parts, c.Text)
		case mcp.ImageContent:
			resp.Artifacts = append(resp.Artifacts, dataArtifact("image_url", c.MIMEType, c.Data))
		case *mcp.ImageContent:
			resp.Artifacts = append(resp.Artifacts, dataArtifact("image_url", c.MIMEType, c.Data))
		case mcp.AudioContent:
			resp.Artifacts = append(resp.Artifacts, dataArtifact("audio", c.MIMEType, c.Data))
		case mcp.EmbeddedResource:
			parts = appendResource(parts, resp, c.Resource)
		case *mcp.EmbeddedResource:
			parts = appendResource(parts, resp, c.Resource)
		case mcp.ResourceLink:
			parts = append(parts, resourceText(c.URI, c.MIMEType, c.Description))
		}
	}

	if len(parts) == 0 && result.StructuredContent != nil {
		parts = append(parts, fmt.Sprintf("%v", result.StructuredContent))
	}
	resp.Content = strings.Join(parts, "\n\n")
	if resp.Content == "" {
		resp.Content = noResponse
	}
	return resp
}

func appendText(parts []string, text string) []string {
	if strings.TrimSpace(text) == "" {
		return parts
	}
	return append(parts, text)
}

func appendResource(parts []string, resp *FormattedToolResponse, resource mcp.ResourceContents) []string {
	switch r := resource.(type) {
	case mcp.TextResourceContents:
		return append(parts, resourceText(r.URI, r.MIMEType, r.Text))
	case *mcp.TextResourceContents:
		return append(parts, resourceText(r.URI, r.MIMEType, r.Text))
	case mcp.BlobResourceContents:
		resp.Artifacts = append(resp.Artifacts, Artifact{Type: "resource", URI: r.URI, MIMEType: r.MIMEType})
	case *mcp.BlobResourceContents:
		resp.Artifacts = append(resp.Artifacts, Artifact{Type: "resource", URI: r.URI, MIMEType: r.MIMEType})
	}
	return parts
}

func resourceText(uri, mimeType, text string) string {
	var lines []string
	if text != "" {
		lines = append(lines, "Resource Text: "+text)
	}
	if uri != "" {
		lines = append(lines, "Resource URI: "+uri)
	}
	if mimeType != "" {
		lines = append(lines, "Resource MIME Type: "+mimeType)
	}
	return strings.Join(lines, "\n")
}

func dataArtifact(kind, mimeType, data string) Artifact {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return Artifact{Type: kind, URL: "data:" + mimeType + ";base64," + data, MIMEType: mimeType}
}

// FormatInstructions renders server instructions as a system prompt section,
// ordered by server name
func FormatInstructions(instructions map[string]string) string {
	if len(instructions) == 0 {
		return ""
	}
	names := make([]string, 0, len(instructions))
	for name := range instructions {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("# MCP Server Instructions\n\n")
	b.WriteString("The following MCP servers are available with their specific instructions:")
	for _, name := range names {
		fmt.Fprintf(&b, "\n\n## %s MCP Server Instructions\n\n%s", name, strings.TrimSpace(instructions[name]))
	}
	return b.String()
}
