package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, exchange, dbPath string, perm os.FileMode) string {
	t.Helper()
	body := fmt.Sprintf(`app:
  exchange: %s
  database_path: %s
accounts:
  - name: lead
    api_key: k1
    secret_key: s1
  - name: follower
    api_key: k2
    secret_key: s2
proxies:
  - 127.0.0.1:3128
system:
  log_level: ERROR
`, exchange, dbPath)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadConfig_PreFlight(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "copytrade.db")

	t.Run("paper config", func(t *testing.T) {
		cfg, err := LoadConfig(writeConfig(t, "mock", db, 0644))
		require.NoError(t, err)
		assert.Len(t, cfg.Accounts, 2)
	})

	t.Run("missing database directory", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "mock", filepath.Join(dir, "nope", "x.db"), 0644))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database directory")
	})

	t.Run("live config readable by others", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "binance", db, 0644))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure permissions")
	})

	t.Run("live config private", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "binance", db, 0600))
		require.NoError(t, err)
	})
}

func TestNewApp_PaperWiring(t *testing.T) {
	db := filepath.Join(t.TempDir(), "copytrade.db")
	app, err := NewApp(writeConfig(t, "mock", db, 0600))
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, 2, app.Pool.Len())
	assert.Equal(t, "lead", app.Pool.Reference().Name)
	assert.Equal(t, []string{"accounts", "dispatch_pool", "reconciler", "store"}, app.Health.Components())
	assert.Empty(t, app.Alerts.Channels())

	ctx := context.Background()
	require.NoError(t, app.Operator.VerifyCredentials(ctx))
	status, healthy := app.Health.GetStatus(ctx)
	assert.True(t, healthy, status)

	settings, err := app.Operator.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2000", settings.LimitBalance.String())
}
