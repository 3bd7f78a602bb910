// Package vault loads exchange API credentials from HashiCorp Vault,
// falling back to environment variables when Vault is disabled so local
// and dry-run deployments need no secret store.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Credentials is the exchange API credential set.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Testnet   bool   `json:"is_testnet"`
}

// Config holds Vault connection settings.
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	CACert     string `json:"ca_cert"`
}

// Client reads credentials from Vault KV v2 with a read-through cache.
type Client struct {
	client *api.Client
	cfg    Config

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient builds the client. With Enabled false no connection is made
// and LoadCredentials reads the environment instead.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configuring vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// LoadCredentials returns the exchange credentials. Vault reads are
// cached for the process lifetime; rotation requires a restart.
func (c *Client) LoadCredentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		defer c.mu.RUnlock()
		return c.cached, nil
	}
	c.mu.RUnlock()

	creds, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return creds, nil
}

func (c *Client) fetch(ctx context.Context) (*Credentials, error) {
	if !c.cfg.Enabled {
		creds := &Credentials{
			APIKey:    os.Getenv("EXCHANGE_API_KEY"),
			SecretKey: os.Getenv("EXCHANGE_SECRET_KEY"),
			Testnet:   os.Getenv("EXCHANGE_TESTNET") == "true",
		}
		if creds.APIKey == "" || creds.SecretKey == "" {
			return nil, fmt.Errorf("vault disabled and EXCHANGE_API_KEY/EXCHANGE_SECRET_KEY not set")
		}
		return creds, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials at vault path %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at vault path %s", path)
	}

	return &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Testnet:   getBool(data, "is_testnet"),
	}, nil
}

// Health verifies the Vault connection and seal state.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// IsEnabled reports whether Vault is in use.
func (c *Client) IsEnabled() bool {
	return c.cfg.Enabled
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		}
	}
	return false
}
