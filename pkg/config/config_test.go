package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadFrom(t.TempDir())
	require.NoError(t, err)

	assert.True(t, cfg.ShowMetadata)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, MinPassInterval, cfg.PassInterval)
	assert.Equal(t, 6*time.Hour, cfg.FullResyncEvery)
	assert.NotEmpty(t, cfg.DeviceStorePath)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	body := `{
		"projectId": "bob-prod",
		"fullSync": true,
		"showMetadata": false,
		"triageEnabled": true,
		"triageWorkList": "Work Inbox",
		"retentionDays": 14,
		"passInterval": "30m"
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0600))

	cfg, err := loadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "bob-prod", cfg.ProjectID)
	assert.True(t, cfg.FullSync)
	assert.False(t, cfg.ShowMetadata)
	assert.True(t, cfg.TriageEnabled)
	assert.Equal(t, "Work Inbox", cfg.TriageWorkList)
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, 30*time.Minute, cfg.PassInterval)
}

func TestPassIntervalClampedToFloor(t *testing.T) {
	dir := t.TempDir()
	body := `{"passInterval": "1m", "retentionDays": -3}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0600))

	cfg, err := loadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, MinPassInterval, cfg.PassInterval, "sub-floor intervals are clamped")
	assert.Equal(t, 30, cfg.RetentionDays, "nonsense retention falls back to default")
}
