package auth

import (
	"testing"
	"time"
)

func TestAPIKeyManager_Validate(t *testing.T) {
	manager := NewAPIKeyManager()

	key := &APIKey{
		ID:          "ops-key",
		Secret:      "secret123",
		Permissions: []string{PermDrain, PermQuery},
		CreatedAt:   time.Now(),
		Name:        "Operations Key",
	}

	if err := manager.AddKey(key); err != nil {
		t.Fatalf("Failed to add key: %v", err)
	}

	// Test valid key
	validKey, err := manager.Validate("secret123")
	if err != nil {
		t.Fatalf("Failed to validate valid key: %v", err)
	}
	if validKey.ID != "ops-key" {
		t.Errorf("Expected key ID 'ops-key', got '%s'", validKey.ID)
	}

	// Test invalid key
	if _, err := manager.Validate("invalid-secret"); err == nil {
		t.Fatal("Expected error for invalid key, got nil")
	}

	// Test empty key
	if _, err := manager.Validate(""); err == nil {
		t.Fatal("Expected error for empty key, got nil")
	}
}

func TestAPIKeyManager_AddKeyValidation(t *testing.T) {
	manager := NewAPIKeyManager()

	if err := manager.AddKey(&APIKey{Secret: "secret123"}); err == nil {
		t.Error("Expected error for key without ID")
	}
	if err := manager.AddKey(&APIKey{ID: "no-secret"}); err == nil {
		t.Error("Expected error for key without secret")
	}
}

func TestAPIKeyManager_ExpiredKey(t *testing.T) {
	manager := NewAPIKeyManager()

	pastTime := time.Now().Add(-1 * time.Hour)
	key := &APIKey{
		ID:          "expired-key",
		Secret:      "secret123",
		Permissions: []string{PermQuery},
		CreatedAt:   time.Now(),
		ExpiresAt:   &pastTime,
		Name:        "Expired Key",
	}

	if err := manager.AddKey(key); err != nil {
		t.Fatalf("Failed to add key: %v", err)
	}

	_, err := manager.Validate("secret123")
	if err == nil {
		t.Fatal("Expected error for expired key, got nil")
	}
	if err.Error() != "API key has expired" {
		t.Errorf("Expected 'API key has expired' error, got '%s'", err.Error())
	}
}

func TestAPIKey_HasPermission(t *testing.T) {
	key := &APIKey{
		ID:          "test-key",
		Secret:      "secret123",
		Permissions: []string{PermDrain, PermQuery},
	}

	if !key.HasPermission(PermDrain) {
		t.Error("Expected key to have drain permission")
	}
	if !key.HasPermission(PermQuery) {
		t.Error("Expected key to have query permission")
	}
	if key.HasPermission(PermPurge) {
		t.Error("Expected key to lack purge permission")
	}
}

func TestAPIKey_IsExpired(t *testing.T) {
	if (&APIKey{}).IsExpired() {
		t.Error("Key without expiration must never expire")
	}

	future := time.Now().Add(time.Hour)
	if (&APIKey{ExpiresAt: &future}).IsExpired() {
		t.Error("Key expiring in the future must not be expired")
	}

	past := time.Now().Add(-time.Hour)
	if !(&APIKey{ExpiresAt: &past}).IsExpired() {
		t.Error("Key with past expiration must be expired")
	}
}

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey("Generated Key", []string{PermQuery}, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	if key.ID == "" || key.Secret == "" {
		t.Error("Generated key must have ID and secret")
	}
	if len(key.Secret) != 64 {
		t.Errorf("Expected 64 hex chars of secret, got %d", len(key.Secret))
	}
	if !key.HasPermission(PermQuery) {
		t.Error("Generated key must carry the requested permissions")
	}

	other, err := GenerateAPIKey("Other", nil, nil)
	if err != nil {
		t.Fatalf("Failed to generate second key: %v", err)
	}
	if other.Secret == key.Secret {
		t.Error("Generated secrets must be unique")
	}
}

func TestAPIKeyManager_LoadKeys(t *testing.T) {
	manager := NewAPIKeyManager()

	configs := []APIKeyConfig{
		{ID: "ops", Secret: "secret-a", Permissions: []string{PermDrain}},
		{ID: "reader", Secret: "secret-b", Permissions: []string{PermQuery}, ExpiresAt: "2030-01-01T00:00:00Z"},
	}

	if err := manager.LoadKeys(configs); err != nil {
		t.Fatalf("LoadKeys returned error: %v", err)
	}

	key, err := manager.Validate("secret-b")
	if err != nil {
		t.Fatalf("Failed to validate loaded key: %v", err)
	}
	if key.ExpiresAt == nil {
		t.Error("Expected parsed expiration time")
	}
}

func TestAPIKeyManager_LoadKeysBadExpiration(t *testing.T) {
	manager := NewAPIKeyManager()

	err := manager.LoadKeys([]APIKeyConfig{
		{ID: "bad", Secret: "secret", ExpiresAt: "next tuesday"},
	})
	if err == nil {
		t.Error("Expected error for malformed expiration time")
	}
}

func TestAPIKeyManager_ReplaceKeys(t *testing.T) {
	manager := NewAPIKeyManager()

	if err := manager.LoadKeys([]APIKeyConfig{
		{ID: "old", Secret: "old-secret", Permissions: []string{PermDrain}},
	}); err != nil {
		t.Fatalf("LoadKeys returned error: %v", err)
	}

	if err := manager.ReplaceKeys([]APIKeyConfig{
		{ID: "new", Secret: "new-secret", Permissions: []string{PermDrain}},
	}); err != nil {
		t.Fatalf("ReplaceKeys returned error: %v", err)
	}

	if _, err := manager.Validate("old-secret"); err == nil {
		t.Error("Rotated-out key must no longer validate")
	}
	if _, err := manager.Validate("new-secret"); err != nil {
		t.Errorf("Rotated-in key must validate, got %v", err)
	}
}

func TestAPIKeyManager_ReplaceKeysInvalidSetKeepsOld(t *testing.T) {
	manager := NewAPIKeyManager()

	if err := manager.LoadKeys([]APIKeyConfig{
		{ID: "old", Secret: "old-secret", Permissions: []string{PermDrain}},
	}); err != nil {
		t.Fatalf("LoadKeys returned error: %v", err)
	}

	// A broken replacement set must leave the current keys untouched.
	if err := manager.ReplaceKeys([]APIKeyConfig{{ID: "broken"}}); err == nil {
		t.Fatal("Expected error for invalid replacement set")
	}
	if _, err := manager.Validate("old-secret"); err != nil {
		t.Errorf("Old key must survive a failed rotation, got %v", err)
	}
}
