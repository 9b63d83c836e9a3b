package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-hub/internal/config"
)

func TestEnsureDeviceBaselineCreatesOnce(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureDeviceBaseline(dir)
	require.NoError(t, err)
	_, err = uuid.Parse(first.DeviceID)
	assert.NoError(t, err)
	_, err = uuid.Parse(first.MachineID)
	assert.NoError(t, err)
	assert.NotZero(t, first.CreatedAt)

	// A second call returns the persisted baseline, never a new one.
	second, err := EnsureDeviceBaseline(dir)
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, first.MachineID, second.MachineID)
}

func TestEnsureDeviceBaselineKeepsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.DeviceBaselineFile)
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	baseline, err := EnsureDeviceBaseline(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, baseline.DeviceID)

	// The unreadable file is left untouched.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "not json", string(raw))
}
