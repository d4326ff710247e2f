package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// Redactor wraps a zapcore.Core and masks credentials before entries are encoded.
// Tokens registered at runtime (access tokens, client secrets) are masked by
// value; well-known shapes (bearer headers, JWTs, OAuth query parameters) by pattern.
type Redactor struct {
	zapcore.Core
	known *sync.Map
}

var redactionPatterns = []struct {
	regex *regexp.Regexp
	mask  func(groups []string) string
}{
	{
		regex: regexp.MustCompile(`(?i)\b(Bearer)\s+([A-Za-z0-9\-._~+/]+=*)`),
		mask: func(g []string) string {
			return g[1] + " " + maskValue(g[2])
		},
	},
	{
		regex: regexp.MustCompile(`\beyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.([A-Za-z0-9\-_]+)`),
		mask: func(g []string) string {
			return "eyJ***." + maskValue(g[1])
		},
	},
	{
		regex: regexp.MustCompile(`(?i)\b(code|code_verifier|access_token|refresh_token|client_secret|id_token)=([^&\s"]+)`),
		mask: func(g []string) string {
			return g[1] + "=" + maskValue(g[2])
		},
	},
	{
		regex: regexp.MustCompile(`(?i)"(access_token|refresh_token|client_secret|code_verifier)"\s*:\s*"([^"]+)"`),
		mask: func(g []string) string {
			return `"` + g[1] + `":"` + maskValue(g[2]) + `"`
		},
	},
}

// NewRedactor wraps core
func NewRedactor(core zapcore.Core) *Redactor {
	return &Redactor{Core: core, known: &sync.Map{}}
}

// Register adds a secret value to mask wherever it appears
func (r *Redactor) Register(value string) {
	if len(value) < 8 {
		return
	}
	r.known.Store(value, struct{}{})
}

// Forget removes a previously registered value
func (r *Redactor) Forget(value string) {
	r.known.Delete(value)
}

// Redact applies value and pattern masking to s
func (r *Redactor) Redact(s string) string {
	r.known.Range(func(key, _ interface{}) bool {
		if secretValue, ok := key.(string); ok {
			s = strings.ReplaceAll(s, secretValue, maskValue(secretValue))
		}
		return true
	})

	for _, pattern := range redactionPatterns {
		p := pattern
		s = p.regex.ReplaceAllStringFunc(s, func(match string) string {
			return p.mask(p.regex.FindStringSubmatch(match))
		})
	}
	return s
}

func (r *Redactor) redactField(field zapcore.Field) zapcore.Field {
	switch field.Type {
	case zapcore.StringType:
		field.String = r.Redact(field.String)
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok && err != nil {
			msg := err.Error()
			if redacted := r.Redact(msg); redacted != msg {
				return zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: redacted}
			}
		}
	case zapcore.StringerType:
		if stringer, ok := field.Interface.(interface{ String() string }); ok {
			original := stringer.String()
			if redacted := r.Redact(original); redacted != original {
				return zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: redacted}
			}
		}
	}
	return field
}

func (r *Redactor) redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		out[i] = r.redactField(field)
	}
	return out
}

// Write masks the entry before writing
func (r *Redactor) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = r.Redact(entry.Message)
	return r.Core.Write(entry, r.redactFields(fields))
}

// With creates a redacting child core sharing the registered values
func (r *Redactor) With(fields []zapcore.Field) zapcore.Core {
	return &Redactor{Core: r.Core.With(r.redactFields(fields)), known: r.known}
}

// Check delegates to the wrapped core
func (r *Redactor) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if r.Enabled(entry.Level) {
		return checked.AddCore(entry, r)
	}
	return checked
}

// maskValue keeps the first three and last two characters of long values
func maskValue(value string) string {
	if len(value) <= 5 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
