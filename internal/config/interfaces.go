package config

import "context"

// SecretProvider resolves secret references (file paths, parameter
// names) to plaintext values.
type SecretProvider interface {
	// Resolve returns a value for every reference it could resolve.
	// References it does not know are omitted from the result.
	Resolve(ctx context.Context, refs []string) (map[string]string, error)
}
