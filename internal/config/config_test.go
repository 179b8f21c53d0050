package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  db_path: data/test.db
vault:
  master_key: secret
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.App.Env)
	assert.Equal(t, ":9980", cfg.App.HTTPAddr)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 256, cfg.Worker.QueueDepth)
	assert.Equal(t, 30, cfg.Monitor.IntervalSeconds)
	assert.Equal(t, 10, cfg.Monitor.TickTimeoutSeconds)
	assert.Equal(t, 5, cfg.Health.IntervalMinutes)
	assert.Equal(t, 587, cfg.Notify.SMTP.Port)
}

func TestLoadExplicitValuesWin(t *testing.T) {
	path := writeConfig(t, `
app:
  env: prod
  log_level: warn
  http_addr: ":8080"
  db_path: /var/lib/signaltrader.db
vault:
  master_key: secret
worker:
  count: 8
monitor:
  interval_seconds: 15
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, ":8080", cfg.App.HTTPAddr)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, 15, cfg.Monitor.IntervalSeconds)
}

func TestLoadRejectsMissingDBPath(t *testing.T) {
	path := writeConfig(t, `
vault:
  master_key: secret
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "db_path")
}

func TestLoadRejectsMissingMasterKey(t *testing.T) {
	path := writeConfig(t, `
app:
  db_path: data/test.db
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "master_key")
}

func TestLoadRejectsTooShortInterval(t *testing.T) {
	path := writeConfig(t, `
app:
  db_path: data/test.db
vault:
  master_key: secret
monitor:
  interval_seconds: 1
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "interval_seconds")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
	_, err = Load("")
	assert.Error(t, err)
}
