package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/poemonsense/antigravity-hub/internal/config"
)

// DeviceBaseline is the machine fingerprint presented to the vendor. It
// is generated once per data directory and never regenerated, so the
// upstream sees a stable device across restarts.
type DeviceBaseline struct {
	DeviceID  string `json:"device_id"`
	MachineID string `json:"machine_id"`
	CreatedAt int64  `json:"created_at"`
}

// EnsureDeviceBaseline loads the baseline fingerprint from the data
// directory, creating it on first run. An existing file is never
// overwritten.
func EnsureDeviceBaseline(dataDir string) (*DeviceBaseline, error) {
	path := filepath.Join(dataDir, config.DeviceBaselineFile)

	if raw, err := os.ReadFile(path); err == nil {
		baseline := &DeviceBaseline{}
		if err := json.Unmarshal(raw, baseline); err == nil && baseline.DeviceID != "" {
			return baseline, nil
		}
		// Unreadable baseline: keep the file, fall back to a volatile one.
		return &DeviceBaseline{
			DeviceID:  uuid.NewString(),
			MachineID: uuid.NewString(),
			CreatedAt: time.Now().Unix(),
		}, nil
	}

	baseline := &DeviceBaseline{
		DeviceID:  uuid.NewString(),
		MachineID: uuid.NewString(),
		CreatedAt: time.Now().Unix(),
	}
	raw, err := json.MarshalIndent(baseline, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	return baseline, nil
}
