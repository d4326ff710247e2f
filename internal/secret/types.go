package secret

import (
	"context"
)

// Ref is a parsed ${type:name} reference found in a configuration value
type Ref struct {
	Type     string // env, keyring
	Name     string // environment variable name or keyring entry
	Original string // the full reference text
}

// Provider resolves one kind of secret reference
type Provider interface {
	// Resolve retrieves the secret value
	Resolve(ctx context.Context, ref Ref) (string, error)

	// Store saves a secret, for providers that support writes
	Store(ctx context.Context, ref Ref, value string) error

	// Delete removes a secret, for providers that support writes
	Delete(ctx context.Context, ref Ref) error

	// IsAvailable checks if the provider works on the current system
	IsAvailable() bool
}

// ValueObserver is notified of every resolved secret value so it can be
// masked in log output
type ValueObserver interface {
	Register(value string)
}
