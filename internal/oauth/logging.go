package oauth

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Parameter names whose values never reach the logs in full
var sensitiveParams = []string{
	"access_token",
	"refresh_token",
	"client_secret",
	"code_verifier",
	"code",
	"id_token",
}

var sensitiveParamPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(sensitiveParams, "|") + `)=[^&\s]+`)

// MaskToken shows the first 3 and last 4 characters of a secret.
// Values of 8 characters or fewer are fully masked.
func MaskToken(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}

// RedactURL masks sensitive query parameters in a URL string
func RedactURL(raw string) string {
	if raw == "" {
		return raw
	}
	return sensitiveParamPattern.ReplaceAllString(raw, "${1}=***")
}

type correlationKey struct{}

// NewCorrelationID generates a new unique correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID attaches id to ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GetCorrelationID returns the correlation ID stored in ctx, or ""
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// flowLogger tags a logger with everything needed to follow one OAuth flow
func flowLogger(ctx context.Context, logger *zap.Logger, serverName, userID, flowID string) *zap.Logger {
	fields := []zap.Field{
		zap.String("server", serverName),
		zap.String("user_id", userID),
		zap.String("flow_id", flowID),
	}
	if id := GetCorrelationID(ctx); id != "" {
		fields = append(fields, zap.String("correlation_id", id))
	}
	return logger.With(fields...)
}

// logTokenMetadata logs token shape without token values
func logTokenMetadata(logger *zap.Logger, msg string, tokens *TokenSet) {
	if tokens == nil {
		return
	}
	fields := []zap.Field{
		zap.String("token_type", tokens.TokenType),
		zap.Bool("has_refresh_token", tokens.RefreshToken != ""),
		zap.String("scope", tokens.Scope),
	}
	if !tokens.ExpiresAt.IsZero() {
		fields = append(fields,
			zap.Time("expires_at", tokens.ExpiresAt),
			zap.Duration("expires_in", time.Until(tokens.ExpiresAt).Round(time.Second)))
	}
	logger.Info(msg, fields...)
}

// logHTTPExchange logs one authorization-server round trip at debug level
func logHTTPExchange(logger *zap.Logger, req *http.Request, status int, started time.Time) {
	logger.Debug("OAuth HTTP exchange",
		zap.String("method", req.Method),
		zap.String("url", RedactURL(req.URL.String())),
		zap.Int("status_code", status),
		zap.Duration("duration", time.Since(started)))
}
