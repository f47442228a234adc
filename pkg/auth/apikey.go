// Package auth protects the pipeline's administrative endpoints with API
// keys. Keys are loaded from configuration and can be swapped at runtime
// when the config file changes.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Permissions understood by the aggregator endpoints.
const (
	PermDrain = "drain"
	PermQuery = "query"
	PermPurge = "purge"
)

// APIKey represents an API key with its metadata and permissions.
type APIKey struct {
	ID          string     `json:"id" yaml:"id"`
	Secret      string     `json:"-" yaml:"secret"` // Never serialize the secret
	Permissions []string   `json:"permissions" yaml:"permissions"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Name        string     `json:"name" yaml:"name"`
}

// IsExpired checks if the API key has expired.
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*k.ExpiresAt)
}

// HasPermission checks if the API key has a specific permission.
func (k *APIKey) HasPermission(permission string) bool {
	for _, p := range k.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// APIKeyManager manages API keys with thread-safe operations.
type APIKeyManager struct {
	keys map[string]*APIKey // key ID -> API key
	mu   sync.RWMutex
}

// NewAPIKeyManager creates a new API key manager.
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{
		keys: make(map[string]*APIKey),
	}
}

// AddKey adds an API key to the manager.
func (m *APIKeyManager) AddKey(key *APIKey) error {
	if key.ID == "" {
		return fmt.Errorf("API key ID cannot be empty")
	}
	if key.Secret == "" {
		return fmt.Errorf("API key secret cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys[key.ID] = key
	return nil
}

// Validate validates an API key secret and returns the key if valid.
func (m *APIKeyManager) Validate(secret string) (*APIKey, error) {
	if secret == "" {
		return nil, fmt.Errorf("API key secret cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Linear scan with constant-time comparison; the key set is small.
	for _, key := range m.keys {
		if subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) == 1 {
			if key.IsExpired() {
				return nil, fmt.Errorf("API key has expired")
			}
			return key, nil
		}
	}

	return nil, fmt.Errorf("invalid API key")
}

// ReplaceKeys swaps the whole key set atomically. Used by the config
// watcher to rotate keys without a restart.
func (m *APIKeyManager) ReplaceKeys(configKeys []APIKeyConfig) error {
	next := NewAPIKeyManager()
	if err := next.LoadKeys(configKeys); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = next.keys
	return nil
}

// GenerateAPIKey generates a new API key with a random secret.
func GenerateAPIKey(name string, permissions []string, expiresAt *time.Time) (*APIKey, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random secret: %w", err)
	}

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random ID: %w", err)
	}

	key := &APIKey{
		ID:          hex.EncodeToString(idBytes),
		Secret:      hex.EncodeToString(secretBytes),
		Permissions: make([]string, len(permissions)),
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
		Name:        name,
	}
	copy(key.Permissions, permissions)

	return key, nil
}

// LoadKeys loads API keys from a configuration list.
func (m *APIKeyManager) LoadKeys(configKeys []APIKeyConfig) error {
	for _, config := range configKeys {
		permissions := make([]string, len(config.Permissions))
		copy(permissions, config.Permissions)

		var expiresAt *time.Time
		if config.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, config.ExpiresAt)
			if err != nil {
				return fmt.Errorf("invalid expiration time format for key %s: %w", config.ID, err)
			}
			expiresAt = &t
		}

		key := &APIKey{
			ID:          config.ID,
			Secret:      config.Secret,
			Permissions: permissions,
			CreatedAt:   time.Now(),
			ExpiresAt:   expiresAt,
			Name:        config.Name,
		}

		if err := m.AddKey(key); err != nil {
			return fmt.Errorf("failed to add key %s: %w", config.ID, err)
		}
	}

	return nil
}

// APIKeyConfig represents the configuration for an API key.
type APIKeyConfig struct {
	ID          string   `json:"id" yaml:"id"`
	Secret      string   `json:"secret" yaml:"secret"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	ExpiresAt   string   `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Name        string   `json:"name" yaml:"name"`
}
