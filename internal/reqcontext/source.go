package reqcontext

import "context"

// RequestSource indicates where the request originated
type RequestSource string

const (
	// SourceRESTAPI indicates request came from the HTTP control surface
	SourceRESTAPI RequestSource = "REST_API"

	// SourceCLI indicates request came from a CLI command
	SourceCLI RequestSource = "CLI"

	// SourceOAuthCallback indicates an authorization server redirect
	SourceOAuthCallback RequestSource = "OAUTH_CALLBACK"

	// SourceInternal indicates background work such as the idle sweep
	SourceInternal RequestSource = "INTERNAL"

	// SourceUnknown indicates source could not be determined
	SourceUnknown RequestSource = "UNKNOWN"
)

// WithRequestSource adds request source to the context
func WithRequestSource(ctx context.Context, source RequestSource) context.Context {
	return context.WithValue(ctx, RequestSourceKey, source)
}

// GetRequestSource retrieves the request source from context
func GetRequestSource(ctx context.Context) RequestSource {
	if ctx == nil {
		return SourceUnknown
	}
	if source, ok := ctx.Value(RequestSourceKey).(RequestSource); ok {
		return source
	}
	return SourceUnknown
}

// WithMetadata stamps a fresh request ID and the source on ctx
func WithMetadata(ctx context.Context, source RequestSource) context.Context {
	ctx = WithRequestID(ctx, GenerateRequestID())
	return WithRequestSource(ctx, source)
}
