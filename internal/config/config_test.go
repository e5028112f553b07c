package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("PORT", "9090")
	for _, k := range []string{"PUBLIC_BASE_URL", "RENDER_EXTERNAL_URL", "RENDER_EXTERNAL_HOSTNAME", "WEBAPP_URL", "DATABASE_URL", "TURSO_URL", "REMOTE_STORE", "JWT_SECRET", "PLAYER_REFERRALS"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "http://127.0.0.1:9090", cfg.PublicBaseURL)
	assert.Equal(t, cfg.PublicBaseURL, cfg.WebappURL)
	assert.Equal(t, "tonTapMaster", cfg.StorageNamespace)
	assert.Equal(t, RemoteMemory, cfg.RemoteStore)
	assert.Equal(t, "123:abc", cfg.JWTSecret, "JWT secret falls back to the bot token")
	assert.Equal(t, 5*time.Minute, cfg.EnergyRegenInterval)
	assert.False(t, cfg.PlayerReferrals)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("DATABASE_URL", "psql 'postgresql://u:p@host/db?sslmode=require&channel_binding=require'")
	t.Setenv("REDIS_URL", "redis-cli -u redis://default:pw@cache:6379")
	t.Setenv("ENERGY_REGEN_INTERVAL", "1500")
	t.Setenv("BOOST_DURATION", "30m")
	t.Setenv("ENERGY_MAX", "250")
	t.Setenv("REWARD_PROMPT_ENABLED", "off")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,https://a.example")

	cfg := Load()

	assert.Equal(t, RemotePostgres, cfg.RemoteStore)
	assert.Equal(t, "postgresql://u:p@host/db?sslmode=require", cfg.DatabaseURL)
	assert.Equal(t, "redis://default:pw@cache:6379", cfg.RedisURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)

	r := cfg.Rules()
	assert.Equal(t, 1500*time.Millisecond, r.EnergyRegenInterval)
	assert.Equal(t, 30*time.Minute, r.BoostDuration)
	assert.Equal(t, 250, r.MaxEnergy)
	assert.False(t, r.RewardPromptEnabled)
	assert.Contains(t, r.ShareURL, "TonTapMasterBot")
}

func TestValidate(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("REMOTE_STORE", "libsql")
	t.Setenv("ADS_REQUIRE_VERIFIED", "true")
	t.Setenv("BOOST_MULTIPLIER", "0.5")

	err := Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TURSO_URL")
	assert.Contains(t, err.Error(), "ADS_WEBHOOK_SECRET")
	assert.Contains(t, err.Error(), "BOOST_MULTIPLIER")
}
