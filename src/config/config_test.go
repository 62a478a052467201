package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/daget/src/data"
	"github.com/stake-plus/daget/src/data/datatest"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Settlement.ConfirmTimeout)
	assert.Equal(t, 5, cfg.Settlement.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daget.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://file
worker:
  poll_interval: 2s
  batch_size: 25
settlement:
  confirm_timeout: 2m
`), 0o600))

	t.Setenv("DAGET_DATABASE_DSN", "postgres://env")
	t.Setenv("DAGET_WORKER_CONCURRENCY", "8")
	t.Setenv("DAGET_REDIS_URL", "redis://cache:6379/1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://env", cfg.Database.DSN)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Settlement.ConfirmTimeout)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Worker.BatchSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
	assert.Contains(t, err.Error(), "worker.batch_size")
}

func TestApplySettingsOverrides(t *testing.T) {
	db := datatest.NewDB(t)
	require.NoError(t, data.PutSetting(db, "discord_token", "from-db"))
	require.NoError(t, data.LoadSettings(db))

	cfg := Default()
	cfg.Discord.Token = "from-env"
	cfg.Discord.GuildID = "guild-env"
	cfg.ApplySettings()
	assert.Equal(t, "from-db", cfg.Discord.Token)
	assert.Equal(t, "guild-env", cfg.Discord.GuildID)
}

func TestCheckSetting(t *testing.T) {
	for _, name := range []string{"discord_token", "guild_id", "rpc_endpoint"} {
		assert.NoError(t, CheckSetting(name), name)
	}
	assert.EqualError(t, CheckSetting("jwt_secret"), `unknown setting "jwt_secret"`)
}

func TestMasterKey(t *testing.T) {
	cfg := Default()
	cfg.Custody.MasterKey = "0x" + strings.Repeat("ab", 32)
	key, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	cfg.Custody.MasterKey = "abcd"
	_, err = cfg.MasterKey()
	assert.Error(t, err)
}

func TestValidatePairedSettings(t *testing.T) {
	cfg := Default()
	cfg.Database.DSN = "file:daget.db"
	cfg.HTTP.TLSCertFile = "/etc/daget/tls.crt"
	cfg.Discord.Commands = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_key_file")
	assert.Contains(t, err.Error(), "discord.commands")

	cfg.HTTP.TLSKeyFile = "/etc/daget/tls.key"
	cfg.Discord.Token = "bot-token"
	require.NoError(t, cfg.Validate())
}
