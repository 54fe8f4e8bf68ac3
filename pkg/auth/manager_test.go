package auth

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanSolovey/transcription-api/pkg/storage"
)

func newTestManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store), store
}

func TestEnsureMasterTokenIdempotent(t *testing.T) {
	m, store := newTestManager(t)

	created, err := m.EnsureMasterToken()
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.EnsureMasterToken()
	require.NoError(t, err)
	assert.False(t, created)

	tokens, err := store.ListMasterTokens()
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}

func TestVerifyMasterToken(t *testing.T) {
	m, store := newTestManager(t)

	created, err := m.EnsureMasterToken()
	require.NoError(t, err)
	require.True(t, created)

	tokens, err := store.ListMasterTokens()
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	assert.True(t, m.VerifyMasterToken(tokens[0].Token))
	assert.False(t, m.VerifyMasterToken("wrong"))
	assert.False(t, m.VerifyMasterToken(""))
}

func TestGenerateAndVerifyAPIKey(t *testing.T) {
	m, _ := newTestManager(t)

	key, err := m.GenerateAPIKey("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", key.ClientName)
	assert.True(t, key.Active)
	// 32 random bytes, URL-safe base64 without padding
	assert.Len(t, key.Key, 43)

	assert.True(t, m.VerifyAPIKey(key.Key))
	assert.False(t, m.VerifyAPIKey("unknown"))
	assert.False(t, m.VerifyAPIKey(""))

	// Deactivated keys stop verifying but keep their ledger
	toggled, err := m.ToggleKey(key.Key)
	require.NoError(t, err)
	assert.False(t, toggled.Active)
	assert.False(t, m.VerifyAPIKey(key.Key))
}

func TestKeysAreUnique(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.GenerateAPIKey("a")
	require.NoError(t, err)
	b, err := m.GenerateAPIKey("b")
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)
}

func TestLogUsage(t *testing.T) {
	m, _ := newTestManager(t)

	key, err := m.GenerateAPIKey("acme")
	require.NoError(t, err)

	m.LogUsage(key.Key, true, 2.5)
	m.LogUsage(key.Key, false, 1.0)
	// Unknown keys are a no-op, never an error surfaced to the caller
	m.LogUsage("missing", true, 1.0)

	got, err := m.GetKey(key.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalRequests)
	assert.Equal(t, int64(1), got.SuccessfulRequests)
	assert.Equal(t, int64(1), got.FailedRequests)
	assert.InDelta(t, 3.5, got.TotalProcessingTime, 0.001)
}

func TestGetStats(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.GenerateAPIKey("a")
	require.NoError(t, err)
	b, err := m.GenerateAPIKey("b")
	require.NoError(t, err)

	_, err = m.ToggleKey(b.Key)
	require.NoError(t, err)
	m.LogUsage(a.Key, true, 1.0)
	m.LogUsage(a.Key, true, 1.0)

	stats, err := m.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalKeys)
	assert.Equal(t, 1, stats.ActiveKeys)
	assert.Equal(t, 1, stats.InactiveKeys)
	assert.Equal(t, int64(2), stats.TotalRequests)
}
