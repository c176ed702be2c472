package config

import "context"

// SecretProvider resolves the values behind _SSM_PARAM pointers. Deployed
// environments use SSMProvider; local runs skip resolution entirely.
type SecretProvider interface {
	// GetParametersBatch resolves the given keys. Keys it cannot resolve
	// fail the call.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
