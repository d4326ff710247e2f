package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAuthServer is an MCP resource server and authorization server in one
type fakeAuthServer struct {
	*httptest.Server

	publishResource atomic.Bool
	publishAS       atomic.Bool
	refreshDelay    atomic.Int64 // nanoseconds
	expiresIn       int

	registrations atomic.Int32
	exchanges     atomic.Int32
	refreshes     atomic.Int32
	revocations   atomic.Int32

	mu             sync.Mutex
	codes          map[string]string // code -> code_challenge
	lastRevokeAuth string
	lastRevokeForm map[string]string
	lastResource   string

	registerEntered chan struct{}
	registerRelease chan struct{}
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	f := &fakeAuthServer{
		expiresIn: 3600,
		codes:     make(map[string]string),
	}
	f.publishResource.Store(true)
	f.publishAS.Store(true)

	mux := http.NewServeMux()
	prm := func(w http.ResponseWriter, _ *http.Request) {
		if !f.publishResource.Load() {
			http.NotFound(w, nil)
			return
		}
		writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
			Resource:             f.URL + "/mcp",
			AuthorizationServers: []string{f.URL},
			ScopesSupported:      []string{"read", "write"},
		})
	}
	mux.HandleFunc("/.well-known/oauth-protected-resource", prm)
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", prm)
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		if !f.publishAS.Load() {
			http.NotFound(w, nil)
			return
		}
		writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
			Issuer:                            f.URL,
			AuthorizationEndpoint:             f.URL + "/authorize",
			TokenEndpoint:                     f.URL + "/token",
			RegistrationEndpoint:              f.URL + "/register",
			RevocationEndpoint:                f.URL + "/revoke",
			CodeChallengeMethodsSupported:     []string{"S256"},
			TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		})
	})
	mux.HandleFunc("/register", f.handleRegister)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/revoke", f.handleRevoke)
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s/.well-known/oauth-protected-resource"`, f.URL))
		w.WriteHeader(http.StatusUnauthorized)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// holdRegistration parks registration requests until release is closed.
// entered receives once a request is parked.
func (f *fakeAuthServer) holdRegistration() (entered <-chan struct{}, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerEntered = make(chan struct{}, 1)
	f.registerRelease = make(chan struct{})
	return f.registerEntered, f.registerRelease
}

func (f *fakeAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	entered, release := f.registerEntered, f.registerRelease
	f.mu.Unlock()
	if release != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
	}

	var req ClientInformation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client_metadata"})
		return
	}
	n := f.registrations.Add(1)
	req.ClientID = fmt.Sprintf("client-%d", n)
	req.ClientSecret = fmt.Sprintf("secret-%d", n)
	req.ClientIDIssuedAt = time.Now().Unix()
	writeJSON(w, http.StatusCreated, req)
}

// issueCode simulates the user approving access at the authorization endpoint
func (f *fakeAuthServer) issueCode(challenge string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	code := fmt.Sprintf("code-%d", len(f.codes)+1)
	f.codes[code] = challenge
	return code
}

func (f *fakeAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	clientID, _, basic := r.BasicAuth()
	if !basic {
		clientID = r.PostForm.Get("client_id")
	}
	if !strings.HasPrefix(clientID, "client-") && clientID != "static-client" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		f.exchanges.Add(1)
		f.mu.Lock()
		challenge, ok := f.codes[r.PostForm.Get("code")]
		delete(f.codes, r.PostForm.Get("code"))
		f.lastResource = r.PostForm.Get("resource")
		f.mu.Unlock()

		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if !ok || base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "access-initial-token",
			"token_type":    "Bearer",
			"refresh_token": "refresh-1",
			"expires_in":    f.expiresIn,
			"scope":         "read write",
		})
	case "refresh_token":
		n := f.refreshes.Add(1)
		time.Sleep(time.Duration(f.refreshDelay.Load()))
		if r.PostForm.Get("refresh_token") == "revoked" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  fmt.Sprintf("access-refreshed-%d", n),
			"token_type":    "Bearer",
			"refresh_token": fmt.Sprintf("refresh-%d", n+1),
			"expires_in":    3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (f *fakeAuthServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.revocations.Add(1)
	f.mu.Lock()
	f.lastRevokeAuth = r.Header.Get("Authorization")
	f.lastRevokeForm = map[string]string{}
	for k := range r.PostForm {
		f.lastRevokeForm[k] = r.PostForm.Get(k)
	}
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *fakeAuthServer) lastRevoke() (string, map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRevokeAuth, f.lastRevokeForm
}

func (f *fakeAuthServer) exchangedResource() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastResource
}
