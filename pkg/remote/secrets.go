package remote

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretResolver turns a reference string into a credential value at the
// moment it is needed. Resolved values must never be logged.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvResolver resolves "env:NAME" references from the process environment.
// A bare reference is treated as an environment variable name.
type EnvResolver struct{}

// Resolve implements SecretResolver
func (EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	name := strings.TrimPrefix(ref, "env:")
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secret reference %q: environment variable %s not set", ref, name)
	}
	return v, nil
}

// StaticResolver resolves references from a fixed map
type StaticResolver map[string]string

// Resolve implements SecretResolver
func (s StaticResolver) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("secret reference %q not found", ref)
	}
	return v, nil
}

// ResolveSecrets resolves every reference in refs (env var name -> reference)
// into env var name -> value.
func ResolveSecrets(ctx context.Context, resolver SecretResolver, refs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for name, ref := range refs {
		v, err := resolver.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolving secret for %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
