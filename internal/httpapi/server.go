// Package httpapi exposes the connection manager to the host over HTTP.
// Callers identify the end user with the X-User-ID header; authenticating
// that header is the host's concern.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/u2sebau2/librechat-custom-sub004/internal/config"
	"github.com/u2sebau2/librechat-custom-sub004/internal/flow"
	"github.com/u2sebau2/librechat-custom-sub004/internal/manager"
	"github.com/u2sebau2/librechat-custom-sub004/internal/oauth"
	"github.com/u2sebau2/librechat-custom-sub004/internal/observability"
	"github.com/u2sebau2/librechat-custom-sub004/internal/registry"
	"github.com/u2sebau2/librechat-custom-sub004/internal/reqcontext"
	"github.com/u2sebau2/librechat-custom-sub004/internal/storage"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream"
)

const (
	defaultActivityLimit = 50
	maxRequestBodyBytes  = 1 << 20
)

// Controller is the part of the manager the API drives
type Controller interface {
	GetAllServers() []registry.ServerState
	GetAllConnections() map[string]*upstream.Connection
	GetUserConnections(userID string) map[string]*upstream.Connection
	GetAllToolFunctions(ctx context.Context, userID string) registry.ToolFunctions
	CallTool(ctx context.Context, req manager.CallToolRequest) (*manager.FormattedToolResponse, error)
	Reinitialize(ctx context.Context, serverName string) (registry.ServerState, error)
	CancelOAuth(ctx context.Context, serverName, userID string) (bool, error)
	CompleteOAuth(ctx context.Context, state, code string) (*oauth.CallbackResult, error)
	RevokeUserTokens(ctx context.Context, userID, serverName string) error
	ListActivity(filter storage.ActivityFilter) ([]*storage.ActivityRecord, error)
}

var _ Controller = (*manager.Manager)(nil)

// Server provides HTTP API endpoints with chi router
type Server struct {
	controller    Controller
	logger        *zap.Logger
	router        *chi.Mux
	observability *observability.Manager
}

// NewServer creates a new HTTP API server. obs may be nil, in which case
// health and metrics endpoints are not mounted.
func NewServer(controller Controller, logger *zap.Logger, obs *observability.Manager) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		controller:    controller,
		logger:        logger.Named("httpapi"),
		router:        chi.NewRouter(),
		observability: obs,
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	if s.observability != nil {
		s.router.Use(s.observability.HTTPMiddleware())
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLoggerMiddleware(s.logger))

	if s.observability != nil {
		s.observability.Mount(s.router)
	}

	s.router.Route("/api/mcp", func(r chi.Router) {
		r.Get("/servers", s.handleGetServers)
		r.Get("/connections", s.handleGetAppConnections)
		r.Get("/tools", s.handleGetTools)
		r.Get("/activity", s.handleGetActivity)
		r.Get("/oauth/callback", s.handleOAuthCallback)

		r.Route("/servers/{server}", func(r chi.Router) {
			r.Post("/reinitialize", s.handleReinitialize)
			r.Post("/oauth/cancel", s.handleCancelOAuth)
			r.Post("/tools/{tool}/call", s.handleCallTool)
		})

		r.Route("/users/{user}", func(r chi.Router) {
			r.Get("/connections", s.handleGetUserConnections)
			r.Delete("/servers/{server}/tokens", s.handleRevokeTokens)
		})
	})
}

func (s *Server) handleGetServers(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, s.controller.GetAllServers())
}

func (s *Server) handleGetAppConnections(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, ConnectionsResponse{Connections: connectionViews(s.controller.GetAllConnections())})
}

func (s *Server) handleGetUserConnections(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	s.writeSuccess(w, ConnectionsResponse{
		UserID:      userID,
		Connections: connectionViews(s.controller.GetUserConnections(userID)),
	})
}

func (s *Server) handleGetTools(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(reqcontext.UserIDHeader)
	s.writeSuccess(w, s.controller.GetAllToolFunctions(r.Context(), userID))
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ActivityFilter{
		Type:   storage.ActivityType(q.Get("type")),
		UserID: q.Get("user_id"),
		Server: q.Get("server"),
		Status: q.Get("status"),
		Limit:  defaultActivityLimit,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}

	records, err := s.controller.ListActivity(filter)
	if err != nil {
		GetLogger(r.Context()).Error("Failed to list activity", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "failed to list activity")
		return
	}
	if records == nil {
		records = []*storage.ActivityRecord{}
	}
	s.writeSuccess(w, records)
}

func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	serverName := chi.URLParam(r, "server")
	state, err := s.controller.Reinitialize(r.Context(), serverName)
	if err != nil {
		s.writeControllerError(w, r, err)
		return
	}
	GetLogger(r.Context()).Info("Server reinitialized", zap.String("server", serverName))
	s.writeSuccess(w, state)
}

func (s *Server) handleCancelOAuth(w http.ResponseWriter, r *http.Request) {
	serverName := chi.URLParam(r, "server")
	userID := r.Header.Get(reqcontext.UserIDHeader)
	if userID == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing "+reqcontext.UserIDHeader+" header")
		return
	}

	canceled, err := s.controller.CancelOAuth(r.Context(), serverName, userID)
	if err != nil {
		s.writeControllerError(w, r, err)
		return
	}
	s.writeSuccess(w, ActionResponse{Server: serverName, Action: "oauth_cancel", Done: canceled})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		msg := "authorization failed: " + providerErr
		if desc := q.Get("error_description"); desc != "" {
			msg += " (" + desc + ")"
		}
		s.writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing state or code parameter")
		return
	}

	ctx := reqcontext.WithRequestSource(r.Context(), reqcontext.SourceOAuthCallback)
	result, err := s.controller.CompleteOAuth(ctx, state, code)
	if err != nil {
		s.writeControllerError(w, r, err)
		return
	}

	resp := CallbackResponse{ServerName: result.ServerName, UserID: result.UserID, FlowID: result.FlowID}
	if result.Tokens != nil {
		resp.ExpiresAt = result.Tokens.ExpiresAt
	}
	s.writeSuccess(w, resp)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	serverName := chi.URLParam(r, "server")
	toolName := chi.URLParam(r, "tool")

	var body CallToolBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&body); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	req := manager.CallToolRequest{
		ServerName:     serverName,
		ToolName:       toolName,
		Arguments:      body.Arguments,
		CustomUserVars: body.CustomUserVars,
		RequestBody:    body.RequestBody,
		RequestHeaders: body.RequestHeaders,
		ReturnOnOAuth:  true,
	}
	if userID := r.Header.Get(reqcontext.UserIDHeader); userID != "" {
		req.User = &config.UserInfo{ID: userID}
	}

	resp, err := s.controller.CallTool(r.Context(), req)
	if err != nil {
		s.writeControllerError(w, r, err)
		return
	}
	s.writeSuccess(w, resp)
}

func (s *Server) handleRevokeTokens(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	serverName := chi.URLParam(r, "server")
	if err := s.controller.RevokeUserTokens(r.Context(), userID, serverName); err != nil {
		s.writeControllerError(w, r, err)
		return
	}
	s.writeSuccess(w, ActionResponse{Server: serverName, Action: "revoke_tokens", Done: true})
}

// writeControllerError maps manager errors to HTTP statuses
func (s *Server) writeControllerError(w http.ResponseWriter, r *http.Request, err error) {
	var pending *upstream.OAuthPendingError
	if errors.As(err, &pending) {
		s.writeJSON(w, http.StatusUnauthorized, OAuthRequiredResponse{
			Error:            err.Error(),
			ServerName:       pending.ServerName,
			FlowID:           pending.FlowID,
			AuthorizationURL: pending.AuthorizationURL,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, upstream.ErrUnknownServer):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrUserRequired), errors.Is(err, upstream.ErrOAuthRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, manager.ErrMissingUserVars),
		errors.Is(err, oauth.ErrStateMismatch),
		errors.Is(err, oauth.ErrFlowNotPending),
		errors.Is(err, flow.ErrFlowNotFound),
		errors.Is(err, flow.ErrFlowExpired):
		status = http.StatusBadRequest
	case errors.Is(err, manager.ErrOAuthDisabled):
		status = http.StatusNotImplemented
	case errors.Is(err, upstream.ErrConnectionTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case upstream.IsConnectionError(err):
		status = http.StatusBadGateway
	}

	logger := GetLogger(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Debug("Request rejected", zap.Int("status", status), zap.Error(err))
	}
	s.writeError(w, r, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message, RequestID: reqcontext.GetRequestID(r.Context())})
}

func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: data})
}

func connectionViews(conns map[string]*upstream.Connection) []ConnectionView {
	views := make([]ConnectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, connectionView(conn))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ServerName < views[j].ServerName })
	return views
}
