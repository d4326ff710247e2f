package oauth

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const mcpProtocolVersion = mcp.LATEST_PROTOCOL_VERSION

// DetectionMethod names which probe established the OAuth decision
type DetectionMethod string

// Detection methods, in the order they are tried
const (
	MethodProtectedResource DetectionMethod = "protected-resource-metadata"
	Method401Challenge      DetectionMethod = "401-challenge-metadata"
	MethodNoMetadata        DetectionMethod = "no-metadata-found"
)

// DetectionResult reports whether a server requires OAuth and how that was learned
type DetectionResult struct {
	RequiresOAuth       bool
	Method              DetectionMethod
	Metadata            *ProtectedResourceMetadata
	ResourceMetadataURL string
	// StatusCode is the status of the unauthenticated probe, when one was sent
	StatusCode int
}

// DetectOptions tunes DetectOAuthRequirement
type DetectOptions struct {
	HTTPClient *http.Client
	// OnAuthError treats any 401/403 answer as an OAuth requirement even
	// without published metadata
	OnAuthError bool
	// Timeout bounds each probe request
	Timeout time.Duration
}

// DetectOAuthRequirement decides whether serverURL requires OAuth by trying,
// in order: RFC 9728 protected resource metadata, the resource_metadata URL in
// a 401 challenge, and (when enabled) any 401/403 answer. Network failures
// yield RequiresOAuth=false rather than an error.
func DetectOAuthRequirement(ctx context.Context, serverURL string, opts DetectOptions) *DetectionResult {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	discoverer := NewDiscoverer(client, nil)

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	prm, err := discoverer.FetchProtectedResourceMetadata(probeCtx, serverURL)
	cancel()
	if err == nil {
		return &DetectionResult{RequiresOAuth: true, Method: MethodProtectedResource, Metadata: prm}
	}

	probeCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	status, challenge := probeUnauthenticated(probeCtx, client, serverURL)
	if status == http.StatusUnauthorized {
		if metadataURL := ExtractResourceMetadataURL(challenge); metadataURL != "" {
			result := &DetectionResult{
				RequiresOAuth:       true,
				Method:              Method401Challenge,
				ResourceMetadataURL: metadataURL,
				StatusCode:          status,
			}
			if prm, err := discoverer.FetchResourceMetadataURL(probeCtx, metadataURL); err == nil {
				result.Metadata = prm
			}
			return result
		}
	}

	if opts.OnAuthError && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
		return &DetectionResult{RequiresOAuth: true, Method: MethodNoMetadata, StatusCode: status}
	}
	return &DetectionResult{RequiresOAuth: false, Method: MethodNoMetadata, StatusCode: status}
}

// probeUnauthenticated sends a HEAD request, retrying as a JSON-RPC POST when
// the server does not allow HEAD. It returns the status and WWW-Authenticate
// header, or status 0 when the server could not be reached.
func probeUnauthenticated(ctx context.Context, client *http.Client, serverURL string) (int, string) {
	status, challenge := sendProbe(ctx, client, http.MethodHead, serverURL, nil)
	if status != http.StatusMethodNotAllowed && status != http.StatusNotFound {
		return status, challenge
	}
	body := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	return sendProbe(ctx, client, http.MethodPost, serverURL, body)
}

func sendProbe(ctx context.Context, client *http.Client, method, serverURL string, body io.Reader) (int, string) {
	req, err := http.NewRequestWithContext(ctx, method, serverURL, body)
	if err != nil {
		return 0, ""
	}
	req.Header.Set("MCP-Protocol-Version", mcpProtocolVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, ""
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, resp.Header.Get("WWW-Authenticate")
}
