// Package auth issues and verifies API keys and master tokens, and fronts
// the per-key usage ledger.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/IvanSolovey/transcription-api/pkg/log"
	"github.com/IvanSolovey/transcription-api/pkg/storage"
	"github.com/IvanSolovey/transcription-api/pkg/types"
)

// Manager is a thin facade over the store for credential and usage concerns
type Manager struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewManager creates a key manager backed by the given store
func NewManager(store storage.Store) *Manager {
	return &Manager{
		store:  store,
		logger: log.WithComponent("auth"),
	}
}

// generateToken returns 256 bits of cryptographic randomness, URL-safe encoded
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// EnsureMasterToken creates the master token on first startup. The fresh
// token is logged exactly once, at creation. Returns whether a token was
// created by this call.
func (m *Manager) EnsureMasterToken() (bool, error) {
	tokens, err := m.store.ListMasterTokens()
	if err != nil {
		return false, fmt.Errorf("failed to list master tokens: %w", err)
	}
	if len(tokens) > 0 {
		return false, nil
	}

	token, err := generateToken()
	if err != nil {
		return false, err
	}
	if err := m.store.CreateMasterToken(&types.MasterToken{Token: token}); err != nil {
		return false, err
	}

	m.logger.Info().Str("master_token", token).Msg("Master token created; store it now, it is not shown again")
	return true, nil
}

// VerifyAPIKey reports whether the key exists and is active. The comparison
// against the stored key is constant-time.
func (m *Manager) VerifyAPIKey(key string) bool {
	if key == "" {
		return false
	}
	stored, err := m.store.GetAPIKey(key)
	if err != nil {
		return false
	}
	match := subtle.ConstantTimeCompare([]byte(stored.Key), []byte(key)) == 1
	return match && stored.Active
}

// VerifyMasterToken compares the token against every stored master token
// in constant time per candidate
func (m *Manager) VerifyMasterToken(token string) bool {
	if token == "" {
		return false
	}
	tokens, err := m.store.ListMasterTokens()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to load master tokens")
		return false
	}
	valid := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			valid = true
		}
	}
	return valid
}

// GenerateAPIKey issues a fresh active key for the client
func (m *Manager) GenerateAPIKey(clientName string) (*types.APIKey, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	key := &types.APIKey{
		Key:        token,
		ClientName: clientName,
		Active:     true,
	}
	if err := m.store.CreateAPIKey(key); err != nil {
		return nil, err
	}
	m.logger.Info().Str("client", clientName).Msg("API key generated")
	return key, nil
}

// LogUsage records one request outcome against a key. Best-effort: a ledger
// failure is logged and swallowed so it can never fail the request itself.
func (m *Manager) LogUsage(key string, success bool, processingTimeSec float64) {
	if err := m.store.LogUsage(key, success, processingTimeSec); err != nil {
		m.logger.Warn().Err(err).Str("api_key", key).Msg("failed to record usage")
	}
}

// GetKey returns one key row
func (m *Manager) GetKey(key string) (*types.APIKey, error) {
	return m.store.GetAPIKey(key)
}

// ListKeys returns every key, newest first
func (m *Manager) ListKeys() ([]*types.APIKey, error) {
	return m.store.ListAPIKeys()
}

// DeleteKey removes a key and reports whether it existed
func (m *Manager) DeleteKey(key string) (bool, error) {
	return m.store.DeleteAPIKey(key)
}

// ToggleKey flips a key's active flag and returns the updated row
func (m *Manager) ToggleKey(key string) (*types.APIKey, error) {
	return m.store.ToggleAPIKeyActive(key)
}

// UpdateNotes sets a key's notes and reports whether the key exists
func (m *Manager) UpdateNotes(key, notes string) (bool, error) {
	return m.store.UpdateAPIKeyNotes(key, notes)
}

// Stats holds aggregate figures over all keys
type Stats struct {
	TotalKeys     int   `json:"total_keys"`
	ActiveKeys    int   `json:"active_keys"`
	InactiveKeys  int   `json:"inactive_keys"`
	TotalRequests int64 `json:"total_requests"`
}

// GetStats aggregates over all keys in the read path
func (m *Manager) GetStats() (*Stats, error) {
	keys, err := m.store.ListAPIKeys()
	if err != nil {
		return nil, err
	}
	stats := &Stats{TotalKeys: len(keys)}
	for _, k := range keys {
		if k.Active {
			stats.ActiveKeys++
		} else {
			stats.InactiveKeys++
		}
		stats.TotalRequests += k.TotalRequests
	}
	return stats, nil
}
