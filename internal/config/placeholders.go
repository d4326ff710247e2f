package config

import (
	"regexp"
	"sort"
	"strings"
)

// UserInfo is the subset of the requesting user exposed to server configs
type UserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// PlaceholderContext carries every value a server config template may reference.
// The host supplies Env explicitly so substitution stays free of process state.
type PlaceholderContext struct {
	User           *UserInfo
	CustomUserVars map[string]string
	RequestBody    map[string]string
	Env            map[string]string
}

// Supported placeholders:
//
//	{{USER_ID}} {{USER_EMAIL}} {{USER_USERNAME}} {{USER_NAME}} {{USER_PROVIDER}}
//	{{BODY_<FIELD>}}   request body field, matched case-insensitively
//	{{<VAR>}}          custom user variable
//	${NAME}            environment value from the context
//
// Secret references such as ${env:NAME} contain a colon and are left for the secret resolver.
var placeholderRegex = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}|\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const bodyPlaceholderPrefix = "BODY_"

// ResolvePlaceholders returns a copy of template with every known placeholder
// substituted from ctx. Unknown placeholders are kept verbatim. Substituted
// values are never scanned again, so user-controlled values cannot inject
// further placeholders.
func ResolvePlaceholders(template *ServerConfig, ctx PlaceholderContext) *ServerConfig {
	if template == nil {
		return nil
	}

	resolved := template.Clone()
	resolved.URL = ResolveString(resolved.URL, ctx)
	resolved.Command = ResolveString(resolved.Command, ctx)
	for i, arg := range resolved.Args {
		resolved.Args[i] = ResolveString(arg, ctx)
	}
	for k, v := range resolved.Env {
		resolved.Env[k] = ResolveString(v, ctx)
	}
	for k, v := range resolved.Headers {
		resolved.Headers[k] = ResolveString(v, ctx)
	}
	if resolved.OAuth != nil {
		resolved.OAuth.AuthorizationURL = ResolveString(resolved.OAuth.AuthorizationURL, ctx)
		resolved.OAuth.TokenURL = ResolveString(resolved.OAuth.TokenURL, ctx)
		resolved.OAuth.ClientID = ResolveString(resolved.OAuth.ClientID, ctx)
		resolved.OAuth.ClientSecret = ResolveString(resolved.OAuth.ClientSecret, ctx)
		resolved.OAuth.RedirectURI = ResolveString(resolved.OAuth.RedirectURI, ctx)
	}
	return resolved
}

// ResolveString substitutes placeholders in a single value
func ResolveString(value string, ctx PlaceholderContext) string {
	if !strings.Contains(value, "{{") && !strings.Contains(value, "${") {
		return value
	}

	return placeholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		groups := placeholderRegex.FindStringSubmatch(match)
		if groups[1] != "" {
			if replacement, ok := ctx.lookupTemplate(groups[1]); ok {
				return replacement
			}
			return match
		}
		if replacement, ok := ctx.Env[groups[2]]; ok {
			return replacement
		}
		return match
	})
}

func (ctx PlaceholderContext) lookupTemplate(name string) (string, bool) {
	if ctx.User != nil {
		switch name {
		case "USER_ID":
			return ctx.User.ID, true
		case "USER_EMAIL":
			return ctx.User.Email, true
		case "USER_USERNAME":
			return ctx.User.Username, true
		case "USER_NAME":
			return ctx.User.Name, true
		case "USER_PROVIDER":
			return ctx.User.Provider, true
		}
	}

	if field, ok := strings.CutPrefix(name, bodyPlaceholderPrefix); ok && field != "" {
		for key, value := range ctx.RequestBody {
			if strings.EqualFold(key, field) {
				return value, true
			}
		}
	}

	if value, ok := ctx.CustomUserVars[name]; ok {
		return value, true
	}
	return "", false
}

// MissingCustomUserVars lists declared custom variables the user has not supplied
func MissingCustomUserVars(server *ServerConfig, supplied map[string]string) []string {
	var missing []string
	for name := range server.CustomUserVars {
		if strings.TrimSpace(supplied[name]) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// UsesUserContext reports whether resolving the server needs per-user values,
// which rules out sharing one connection across users
func (s *ServerConfig) UsesUserContext() bool {
	if len(s.CustomUserVars) > 0 {
		return true
	}
	values := append([]string{s.URL, s.Command}, s.Args...)
	for _, v := range s.Env {
		values = append(values, v)
	}
	for _, v := range s.Headers {
		values = append(values, v)
	}
	for _, v := range values {
		for _, m := range placeholderRegex.FindAllStringSubmatch(v, -1) {
			if m[1] != "" {
				return true
			}
		}
	}
	return false
}
