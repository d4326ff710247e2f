package secret

import (
	"context"
	"fmt"
	"os"
)

const SecretTypeEnv = "env"

// EnvProvider resolves secrets from environment variables
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates a provider backed by the process environment
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// Resolve retrieves the secret value from the environment
func (p *EnvProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	value, ok := p.lookup(ref.Name)
	if !ok || value == "" {
		return "", fmt.Errorf("environment variable %s not found or empty", ref.Name)
	}
	return value, nil
}

// Store is not supported for environment variables
func (p *EnvProvider) Store(context.Context, Ref, string) error {
	return fmt.Errorf("env provider does not support storing secrets")
}

// Delete is not supported for environment variables
func (p *EnvProvider) Delete(context.Context, Ref) error {
	return fmt.Errorf("env provider does not support deleting secrets")
}

// IsAvailable always returns true
func (p *EnvProvider) IsAvailable() bool {
	return true
}
