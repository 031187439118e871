// Package vault loads the exchange credentials from HashiCorp Vault.
// When Vault is disabled the client falls back to whatever keys were
// seeded through Store, which keeps local development working without
// a Vault server.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"bithumb-trading-bot/internal/logging"
)

// Credentials are the exchange API keys stored in Vault
type Credentials struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// Config holds the Vault connection settings
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 mount, usually "secret"
	SecretPath string `json:"secret_path"` // path under the mount holding the keys
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// DefaultConfig returns the standard Vault settings
func DefaultConfig() *Config {
	return &Config{
		Address:    "http://localhost:8200",
		MountPath:  "secret",
		SecretPath: "trading-core/exchange-keys",
	}
}

// Client wraps the Vault API client with a read-through cache
type Client struct {
	client *api.Client
	cfg    *Config
	logger *logging.Logger

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a Vault client. A disabled config returns a client
// that only serves seeded credentials.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &Client{cfg: cfg, logger: logging.WithComponent("vault")}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("vault tls: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// Enabled reports whether Vault lookups are active
func (c *Client) Enabled() bool { return c.cfg.Enabled }

// Store seeds credentials. With Vault enabled they are written to the
// KV store; otherwise they only populate the cache.
func (c *Client) Store(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()

	if !c.cfg.Enabled {
		return nil
	}

	_, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), map[string]interface{}{
		"data": map[string]interface{}{
			"access_key": creds.AccessKey,
			"secret_key": creds.SecretKey,
		},
	})
	if err != nil {
		return fmt.Errorf("vault write: %w", err)
	}
	return nil
}

// Load returns the exchange credentials, from cache when present
func (c *Client) Load(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		defer c.mu.RUnlock()
		return c.cached, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return nil, fmt.Errorf("no credentials seeded and vault is disabled")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return nil, fmt.Errorf("vault read: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("exchange credentials not found at %s", c.dataPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at %s", c.dataPath())
	}

	creds := &Credentials{
		AccessKey: stringField(data, "access_key"),
		SecretKey: stringField(data, "secret_key"),
	}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("incomplete credentials at %s", c.dataPath())
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return creds, nil
}

// Invalidate drops the cached credentials so the next Load re-reads Vault
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health verifies the Vault connection and seal state
func (c *Client) Health(_ context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
