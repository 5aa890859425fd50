package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, 1000, cfg.HistorySize)
	assert.Equal(t, 50, cfg.RetrainEvery)
	assert.Equal(t, 5, cfg.Folds)
	assert.Equal(t, 0.001, cfg.Regularization)
	assert.Equal(t, 10, cfg.Sequence.Length)
	assert.True(t, cfg.Sequence.Enabled)
	assert.True(t, cfg.Storage.AutoSave)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
historySize: 200
retrainEvery: 25
unrecognizedOption: ignored
sequence:
  enabled: false
  timeout: 5s
anomaly:
  contamination: 0.2
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.HistorySize)
	assert.Equal(t, 25, cfg.RetrainEvery)
	assert.False(t, cfg.Sequence.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Sequence.Timeout)
	assert.Equal(t, 0.2, cfg.Anomaly.Contamination)
	// untouched keys keep their defaults
	assert.Equal(t, 5, cfg.Folds)
	assert.Equal(t, 32, cfg.BatchSize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("INSIGHT_RETRAINEVERY", "10")
	t.Setenv("INSIGHT_SEQUENCE_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.RetrainEvery)
	assert.False(t, cfg.Sequence.Enabled)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("historySize: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCatchesBadContamination(t *testing.T) {
	cfg := Default()
	cfg.Anomaly.Contamination = 0.9
	assert.Error(t, Validate(cfg))
}
