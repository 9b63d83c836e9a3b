package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memConfigStore struct {
	values map[string]string
}

func newMemConfigStore() *memConfigStore {
	return &memConfigStore{values: map[string]string{}}
}

func (s *memConfigStore) GetConfig(key string) (string, error) {
	return s.values[key], nil
}

func (s *memConfigStore) SetConfig(key, value string) error {
	s.values[key] = value
	return nil
}

func TestManagerDefaultsWhenUnpersisted(t *testing.T) {
	m := NewManager(newMemConfigStore())

	cfg := m.Get()
	assert.Equal(t, DefaultPort, cfg.Proxy.Port)
	assert.Equal(t, "off", cfg.Proxy.AuthMode)
	assert.Equal(t, ModeCacheFirst, cfg.Proxy.Scheduling.Mode)
	assert.EqualValues(t, 30, cfg.Proxy.Scheduling.MaxWaitSeconds)
	assert.False(t, cfg.WarmupEnabled)
}

func TestManagerUpdatePersistsAndReloads(t *testing.T) {
	store := newMemConfigStore()
	m := NewManager(store)

	err := m.Update(func(cfg *AppConfig) {
		cfg.Proxy.Port = 4000
		cfg.Proxy.APIKey = "secret"
		cfg.Proxy.Scheduling.Mode = ModePerformanceFirst
		cfg.WarmupEnabled = true
	})
	require.NoError(t, err)

	assert.Equal(t, 4000, m.Get().Proxy.Port)
	assert.Equal(t, ModePerformanceFirst, m.Scheduling().Mode)

	// A second manager over the same store sees the persisted state.
	reloaded := NewManager(store)
	cfg := reloaded.Get()
	assert.Equal(t, 4000, cfg.Proxy.Port)
	assert.Equal(t, "secret", cfg.Proxy.APIKey)
	assert.True(t, cfg.WarmupEnabled)
}

func TestManagerGetReturnsSnapshot(t *testing.T) {
	m := NewManager(newMemConfigStore())

	snapshot := m.Get()
	snapshot.Proxy.Port = 9999

	assert.Equal(t, DefaultPort, m.Get().Proxy.Port)
}

func TestParseTierID(t *testing.T) {
	assert.Equal(t, TierUltra, ParseTierID("g1-ultra"))
	assert.Equal(t, TierUltra, ParseTierID("GEMINI_ULTRA"))
	assert.Equal(t, TierPro, ParseTierID("g1-pro"))
	assert.Equal(t, TierFree, ParseTierID("free-tier"))
	assert.Equal(t, TierUnknown, ParseTierID(""))
	assert.Equal(t, TierUnknown, ParseTierID("legacy"))

	// Ordering drives scheduling priority.
	assert.Less(t, TierUltra, TierPro)
	assert.Less(t, TierPro, TierFree)
	assert.Less(t, TierFree, TierUnknown)
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "ULTRA", TierUltra.String())
	assert.Equal(t, "PRO", TierPro.String())
	assert.Equal(t, "FREE", TierFree.String())
	assert.Equal(t, "UNKNOWN", TierUnknown.String())
}
