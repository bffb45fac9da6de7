package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"copy-trading-bot/config"
)

var ErrCredentialsNotFound = errors.New("credentials not found")

// Credentials is the exchange key pair of one account binding.
type Credentials struct {
	AccountID string `json:"account_id"`
	BindingID string `json:"binding_id"`
	Exchange  string `json:"exchange"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client. With Vault disabled it keeps
// credentials in memory (development and paper trading).
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[string]*Credentials
	cacheEnabled bool
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config:       cfg,
		cache:        make(map[string]*Credentials),
		cacheEnabled: true,
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// StoreCredentials writes a binding's key pair.
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	key := cacheKey(creds.AccountID, creds.BindingID)
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[key] = &creds
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"account_id": creds.AccountID,
			"binding_id": creds.BindingID,
			"exchange":   creds.Exchange,
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"is_testnet": creds.IsTestnet,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(creds.AccountID, creds.BindingID), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[key] = &creds
		c.mu.Unlock()
	}
	return nil
}

// GetCredentials reads a binding's key pair.
func (c *Client) GetCredentials(ctx context.Context, accountID, bindingID string) (*Credentials, error) {
	key := cacheKey(accountID, bindingID)
	if c.cacheEnabled {
		c.mu.RLock()
		cached, ok := c.cache[key]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("%w for %s and vault is disabled", ErrCredentialsNotFound, key)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(accountID, bindingID))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w for %s", ErrCredentialsNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", key)
	}

	creds := &Credentials{
		AccountID: accountID,
		BindingID: bindingID,
		Exchange:  getString(data, "exchange"),
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[key] = creds
		c.mu.Unlock()
	}
	return creds, nil
}

// DeleteCredentials removes a binding's key pair.
func (c *Client) DeleteCredentials(ctx context.Context, accountID, bindingID string) error {
	c.mu.Lock()
	delete(c.cache, cacheKey(accountID, bindingID))
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}
	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(accountID, bindingID)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*Credentials)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
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

func (c *Client) secretPath(accountID, bindingID string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", c.config.MountPath, c.config.SecretPath, accountID, bindingID)
}

func (c *Client) metadataPath(accountID, bindingID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/%s", c.config.MountPath, c.config.SecretPath, accountID, bindingID)
}

func cacheKey(accountID, bindingID string) string {
	return accountID + "/" + bindingID
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
		case json.Number:
			n, _ := v.Int64()
			return n != 0
		}
	}
	return false
}
