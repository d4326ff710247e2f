package secret

import (
	"regexp"
	"strings"
)

// secretRefRegex matches ${type:name} patterns
var secretRefRegex = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// IsSecretRef returns true if the string contains a secret reference
func IsSecretRef(input string) bool {
	return secretRefRegex.MatchString(input)
}

// FindRefs finds all secret references in a string
func FindRefs(input string) []Ref {
	matches := secretRefRegex.FindAllStringSubmatch(input, -1)
	refs := make([]Ref, 0, len(matches))
	for _, match := range matches {
		refs = append(refs, refFromMatch(match))
	}
	return refs
}

func refFromMatch(match []string) Ref {
	return Ref{
		Type:     strings.TrimSpace(match[1]),
		Name:     strings.TrimSpace(match[2]),
		Original: match[0],
	}
}

// MaskSecretValue masks a secret value for safe display
func MaskSecretValue(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "****" + value[len(value)-2:]
}
