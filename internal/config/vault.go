package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// fetchVaultKV2 reads one secret from a Vault KV v2 backend and returns the
// inner data map. The pipeline processes call this once at startup; secrets
// found here override their environment counterparts.
func fetchVaultKV2(addr, token, path string) (map[string]any, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)

	secret, err := client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("read vault secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no vault data at %s", path)
	}
	// KV v2 wraps the payload in a nested "data" key.
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected vault data format at %s", path)
	}
	return data, nil
}
