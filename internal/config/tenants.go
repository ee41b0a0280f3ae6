package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantOverrides holds the per-tenant settings that may diverge from the
// global config. Today that is only the inbound ACP webhook secret; the
// file exists so a PSP can be rotated for one tenant without a redeploy.
type TenantOverrides struct {
	ACPWebhookSecret string `yaml:"acp_webhook_secret"`
}

// TenantsFile is the on-disk shape of the overrides file.
type TenantsFile struct {
	Tenants map[string]TenantOverrides `yaml:"tenants"`
}

// TenantManager resolves the effective per-tenant configuration.
type TenantManager struct {
	global    *Config
	overrides map[string]TenantOverrides
	mu        sync.RWMutex
}

// NewTenantManager loads the overrides file. A missing file just means
// no overrides.
func NewTenantManager(global *Config) (*TenantManager, error) {
	tm := &TenantManager{global: global, overrides: make(map[string]TenantOverrides)}
	if global.TenantsFile == "" {
		return tm, nil
	}
	f, err := os.Open(global.TenantsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return tm, nil
		}
		return nil, err
	}
	defer f.Close()

	var tf TenantsFile
	if err := yaml.NewDecoder(f).Decode(&tf); err != nil {
		return nil, err
	}
	if tf.Tenants != nil {
		tm.overrides = tf.Tenants
	}
	return tm, nil
}

// ACPSecret returns the inbound ACP webhook secret for a tenant, falling
// back to the global secret.
func (tm *TenantManager) ACPSecret(tenantID string) string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if o, ok := tm.overrides[tenantID]; ok && o.ACPWebhookSecret != "" {
		return o.ACPWebhookSecret
	}
	return tm.global.ACPWebhookSecret
}
