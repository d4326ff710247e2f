package secret

import (
	"context"
	"fmt"
	"strings"
)

// Resolver expands secret references using the registered providers
type Resolver struct {
	providers map[string]Provider
	observer  ValueObserver
}

// NewResolver creates a resolver with the env and keyring providers
func NewResolver() *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	r.RegisterProvider(SecretTypeEnv, NewEnvProvider())
	r.RegisterProvider(SecretTypeKeyring, NewKeyringProvider())
	return r
}

// RegisterProvider registers a provider for a secret type
func (r *Resolver) RegisterProvider(secretType string, provider Provider) {
	r.providers[secretType] = provider
}

// SetObserver installs a hook that sees every resolved value
func (r *Resolver) SetObserver(observer ValueObserver) {
	r.observer = observer
}

func (r *Resolver) provider(secretType string) (Provider, error) {
	provider, exists := r.providers[secretType]
	if !exists {
		return nil, fmt.Errorf("no provider for secret type: %s", secretType)
	}
	if !provider.IsAvailable() {
		return nil, fmt.Errorf("provider for %s is not available on this system", secretType)
	}
	return provider, nil
}

// Resolve resolves a single secret reference
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (string, error) {
	provider, err := r.provider(ref.Type)
	if err != nil {
		return "", err
	}
	value, err := provider.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	if r.observer != nil {
		r.observer.Register(value)
	}
	return value, nil
}

// Store stores a secret using the appropriate provider
func (r *Resolver) Store(ctx context.Context, ref Ref, value string) error {
	provider, err := r.provider(ref.Type)
	if err != nil {
		return err
	}
	return provider.Store(ctx, ref, value)
}

// Delete deletes a secret using the appropriate provider
func (r *Resolver) Delete(ctx context.Context, ref Ref) error {
	provider, err := r.provider(ref.Type)
	if err != nil {
		return err
	}
	return provider.Delete(ctx, ref)
}

// ExpandSecretRefs replaces all secret references in a string with resolved values
func (r *Resolver) ExpandSecretRefs(ctx context.Context, input string) (string, error) {
	if !IsSecretRef(input) {
		return input, nil
	}

	result := input
	for _, ref := range FindRefs(input) {
		value, err := r.Resolve(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("failed to resolve secret %s: %w", ref.Original, err)
		}
		result = strings.ReplaceAll(result, ref.Original, value)
	}
	return result, nil
}
