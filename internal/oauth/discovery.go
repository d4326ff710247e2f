package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	protectedResourceWellKnown = "/.well-known/oauth-protected-resource"
	authServerWellKnown        = "/.well-known/oauth-authorization-server"
	openIDWellKnown            = "/.well-known/openid-configuration"

	// discoveryCacheTTL bounds how long discovered endpoints are reused
	discoveryCacheTTL = 30 * time.Minute
	// maxMetadataBytes caps metadata documents read from remote servers
	maxMetadataBytes = 1 << 20
)

// DiscoveryResult is everything learned about a resource server's authorization setup
type DiscoveryResult struct {
	Metadata         *AuthorizationServerMetadata
	ResourceMetadata *ProtectedResourceMetadata
	// Defaulted is set when no metadata was published and the MCP default
	// endpoints (/authorize, /token, /register) were assumed
	Defaulted bool
}

type cachedDiscovery struct {
	result  *DiscoveryResult
	fetched time.Time
}

// Discoverer resolves authorization server metadata for MCP servers.
// Results are cached per server URL and concurrent lookups share one fetch.
type Discoverer struct {
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	cache sync.Map // server URL -> cachedDiscovery
	group singleflight.Group
}

// NewDiscoverer creates a metadata discoverer
func NewDiscoverer(client *http.Client, logger *zap.Logger) *Discoverer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Discoverer{
		client: client,
		logger: logger.Named("oauth.discovery"),
		now:    time.Now,
	}
}

// Discover walks RFC 9728 protected resource metadata to the authorization
// server, then reads its RFC 8414 (or OpenID) metadata. When nothing is
// published the MCP default endpoints under the server origin are used.
func (d *Discoverer) Discover(ctx context.Context, serverURL string) (*DiscoveryResult, error) {
	if result := d.cached(serverURL); result != nil {
		return result, nil
	}

	ch := d.group.DoChan(serverURL, func() (interface{}, error) {
		if result := d.cached(serverURL); result != nil {
			return result, nil
		}
		result, err := d.discover(ctx, serverURL)
		if err != nil {
			return nil, err
		}
		d.cache.Store(serverURL, cachedDiscovery{result: result, fetched: d.now()})
		return result, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*DiscoveryResult), nil
	}
}

func (d *Discoverer) cached(serverURL string) *DiscoveryResult {
	value, ok := d.cache.Load(serverURL)
	if !ok {
		return nil
	}
	entry := value.(cachedDiscovery)
	if d.now().Sub(entry.fetched) >= discoveryCacheTTL {
		d.cache.Delete(serverURL)
		return nil
	}
	return entry.result
}

// Forget drops the cached discovery result for serverURL
func (d *Discoverer) Forget(serverURL string) {
	d.cache.Delete(serverURL)
}

func (d *Discoverer) discover(ctx context.Context, serverURL string) (*DiscoveryResult, error) {
	base, err := url.Parse(serverURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", serverURL)
	}

	result := &DiscoveryResult{}
	authServer := origin(base)

	if prm, err := d.FetchProtectedResourceMetadata(ctx, serverURL); err == nil {
		result.ResourceMetadata = prm
		if len(prm.AuthorizationServers) > 0 && prm.AuthorizationServers[0] != "" {
			authServer = prm.AuthorizationServers[0]
		}
	} else {
		d.logger.Debug("No protected resource metadata", zap.String("server_url", serverURL), zap.Error(err))
	}

	metadata, err := d.FetchAuthorizationServerMetadata(ctx, authServer)
	if err != nil {
		d.logger.Info("Authorization server metadata not published, using default endpoints",
			zap.String("server_url", serverURL),
			zap.String("authorization_server", authServer),
			zap.Error(err))
		metadata, err = defaultMetadata(authServer)
		if err != nil {
			return nil, err
		}
		result.Defaulted = true
	}
	result.Metadata = metadata

	d.logger.Debug("OAuth metadata discovered",
		zap.String("server_url", serverURL),
		zap.String("issuer", metadata.Issuer),
		zap.String("authorization_endpoint", metadata.AuthorizationEndpoint),
		zap.String("token_endpoint", metadata.TokenEndpoint),
		zap.Bool("registration_supported", metadata.RegistrationEndpoint != ""))
	return result, nil
}

// FetchProtectedResourceMetadata tries the path-suffixed well-known location
// first, then the origin root
func (d *Discoverer) FetchProtectedResourceMetadata(ctx context.Context, serverURL string) (*ProtectedResourceMetadata, error) {
	base, err := url.Parse(serverURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", serverURL)
	}

	var lastErr error
	for _, candidate := range wellKnownCandidates(base, protectedResourceWellKnown) {
		prm, err := d.FetchResourceMetadataURL(ctx, candidate)
		if err == nil {
			return prm, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// FetchResourceMetadataURL reads a protected resource metadata document from
// an explicit URL, such as the one advertised in a WWW-Authenticate challenge
func (d *Discoverer) FetchResourceMetadataURL(ctx context.Context, metadataURL string) (*ProtectedResourceMetadata, error) {
	var prm ProtectedResourceMetadata
	if err := d.getJSON(ctx, metadataURL, &prm); err != nil {
		return nil, err
	}
	if len(prm.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("protected resource metadata at %s lists no authorization servers", metadataURL)
	}
	return &prm, nil
}

// FetchAuthorizationServerMetadata reads RFC 8414 metadata for issuer, falling
// back to OpenID Connect discovery
func (d *Discoverer) FetchAuthorizationServerMetadata(ctx context.Context, issuer string) (*AuthorizationServerMetadata, error) {
	base, err := url.Parse(issuer)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid authorization server url %q", issuer)
	}

	candidates := wellKnownCandidates(base, authServerWellKnown)
	candidates = append(candidates, wellKnownCandidates(base, openIDWellKnown)...)
	if path := strings.TrimSuffix(base.EscapedPath(), "/"); path != "" {
		// OpenID Connect Discovery appends the well-known suffix to the issuer path
		candidates = append(candidates, origin(base)+path+openIDWellKnown)
	}

	var lastErr error
	for _, candidate := range candidates {
		var metadata AuthorizationServerMetadata
		if err := d.getJSON(ctx, candidate, &metadata); err != nil {
			lastErr = err
			continue
		}
		if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
			lastErr = fmt.Errorf("metadata at %s is missing required endpoints", candidate)
			continue
		}
		return &metadata, nil
	}
	return nil, lastErr
}

func (d *Discoverer) getJSON(ctx context.Context, target string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", mcpProtocolVersion)

	started := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	logHTTPExchange(d.logger, req, resp.StatusCode, started)

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetadataBytes))
		return &HTTPError{Endpoint: target, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(into); err != nil {
		return fmt.Errorf("failed to parse metadata from %s: %w", target, err)
	}
	return nil
}

// wellKnownCandidates returns the path-inserted well-known URL followed by
// the root one. For https://host/tenant/mcp that is
// https://host/.well-known/x/tenant/mcp then https://host/.well-known/x.
func wellKnownCandidates(base *url.URL, suffix string) []string {
	root := origin(base) + suffix
	path := strings.TrimSuffix(base.EscapedPath(), "/")
	if path == "" {
		return []string{root}
	}
	return []string{root + path, root}
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func defaultMetadata(authServer string) (*AuthorizationServerMetadata, error) {
	base, err := url.Parse(authServer)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid authorization server url %q", authServer)
	}
	root := origin(base)
	return &AuthorizationServerMetadata{
		Issuer:                        root,
		AuthorizationEndpoint:         root + "/authorize",
		TokenEndpoint:                 root + "/token",
		RegistrationEndpoint:          root + "/register",
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{"S256"},
	}, nil
}

// ExtractResourceMetadataURL parses a WWW-Authenticate header to extract the resource_metadata URL.
// Format: Bearer error="invalid_request", resource_metadata="https://..."
func ExtractResourceMetadataURL(wwwAuthHeader string) string {
	idx := strings.Index(strings.ToLower(wwwAuthHeader), "resource_metadata=")
	if idx == -1 {
		return ""
	}
	value := wwwAuthHeader[idx+len("resource_metadata="):]
	if strings.HasPrefix(value, `"`) {
		value = value[1:]
		end := strings.Index(value, `"`)
		if end == -1 {
			return ""
		}
		return value[:end]
	}
	if end := strings.IndexAny(value, ", "); end != -1 {
		value = value[:end]
	}
	return value
}
