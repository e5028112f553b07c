package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	AdminPort     string
	PublicBaseURL string
	WebappURL     string
	BotToken      string
	BotLink       string
	AdLink        string
	CORSOrigins   []string
	RunBot        bool

	RedisURL         string
	StorageNamespace string
	RemoteStore      string
	DatabaseURL      string
	TursoURL         string
	TursoToken       string
	LeaderboardSize  int

	JWTSecret   string
	JWTTTL      time.Duration
	AllowGuests bool

	AdminUser         string
	AdminPasswordHash string

	TapRatePerSec  float64
	TapRateBurst   int
	SessionIdleTTL time.Duration

	AdsWebhookSecret   string
	AdsRequireVerified bool

	// PlayerReferrals exposes POST /api/v1/referrals so a player can credit
	// their own session. Test deployments only.
	PlayerReferrals bool

	RewardPromptEnabled bool
	EnergyMax           int64
	EnergyRegenInterval time.Duration
	BoostDuration       time.Duration
	BoostMultiplier     float64
	TapRewardCap        float64
}

const (
	RemotePostgres    = "postgres"
	RemoteLibSQL      = "libsql"
	RemoteSQLPostgres = "sql-postgres"
	RemoteMemory      = "memory"
)

func mustEnv(key string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		log.Printf("missing env: %s, using default", key)
		return ""
	}
	return val
}

func envString(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func normalizeDatabaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Neon sometimes shows `psql 'postgresql://...'` examples. Accept them too.
	if i := strings.Index(s, "postgresql://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "postgres://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}

	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	q := u.Query()
	// pgx does not need channel_binding and may treat it as a runtime param.
	q.Del("channel_binding")
	u.RawQuery = q.Encode()
	return u.String()
}

func normalizeRedisURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Some consoles show `redis-cli -u redis://...` examples. Accept them too.
	// Also allow rediss:// (TLS).
	if i := strings.Index(s, "rediss://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "redis://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}

	return s
}

func envInt64(key string, def int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	switch val {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envDuration accepts Go durations ("90s", "5m") or plain milliseconds.
func envDuration(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func Load() Config {
	// PUBLIC_BASE_URL and WEBAPP_URL are required for local development, but on Render we can
	// derive them from platform-provided env vars.
	port := envString("PORT", "8080")
	publicBase := strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))
	if publicBase == "" {
		publicBase = strings.TrimSpace(os.Getenv("RENDER_EXTERNAL_URL"))
	}
	if publicBase == "" {
		host := strings.TrimSpace(os.Getenv("RENDER_EXTERNAL_HOSTNAME"))
		if host != "" {
			publicBase = "https://" + host
		}
	}
	if publicBase == "" {
		publicBase = "http://127.0.0.1:" + port
	}

	webappURL := strings.TrimSpace(os.Getenv("WEBAPP_URL"))
	if webappURL == "" {
		webappURL = publicBase
	}

	publicBase = strings.TrimRight(publicBase, "/")
	webappURL = strings.TrimRight(webappURL, "/")

	cfg := Config{
		Port:          port,
		AdminPort:     strings.TrimSpace(os.Getenv("ADMIN_PORT")),
		PublicBaseURL: publicBase,
		WebappURL:     webappURL,
		BotToken:      mustEnv("BOT_TOKEN"),
		BotLink:       envString("BOT_LINK", "https://t.me/TonTapMasterBot"),
		AdLink:        strings.TrimSpace(os.Getenv("AD_LINK")),
		CORSOrigins:   parseCSV(strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))),
		RunBot:        envBool("RUN_BOT", true),

		RedisURL:         normalizeRedisURL(os.Getenv("REDIS_URL")),
		StorageNamespace: envString("STORAGE_NAMESPACE", "tonTapMaster"),
		RemoteStore:      strings.ToLower(strings.TrimSpace(os.Getenv("REMOTE_STORE"))),
		DatabaseURL:      normalizeDatabaseURL(os.Getenv("DATABASE_URL")),
		TursoURL:         strings.TrimSpace(os.Getenv("TURSO_URL")),
		TursoToken:       strings.TrimSpace(os.Getenv("TURSO_TOKEN")),
		LeaderboardSize:  int(envInt64("LEADERBOARD_SIZE", 100)),

		JWTSecret:   strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTTTL:      envDuration("JWT_TTL", 24*time.Hour),
		AllowGuests: envBool("ALLOW_GUESTS", true),

		AdminUser:         envString("ADMIN_USER", "admin"),
		AdminPasswordHash: strings.TrimSpace(os.Getenv("ADMIN_PASSWORD_HASH")),

		TapRatePerSec:  envFloat64("TAP_RATE_PER_SEC", 20),
		TapRateBurst:   int(envInt64("TAP_RATE_BURST", 40)),
		SessionIdleTTL: envDuration("SESSION_IDLE_TTL", 30*time.Minute),

		AdsWebhookSecret:   strings.TrimSpace(os.Getenv("ADS_WEBHOOK_SECRET")),
		AdsRequireVerified: envBool("ADS_REQUIRE_VERIFIED", false),

		PlayerReferrals: envBool("PLAYER_REFERRALS", false),

		RewardPromptEnabled: envBool("REWARD_PROMPT_ENABLED", true),
		EnergyMax:           envInt64("ENERGY_MAX", 100),
		EnergyRegenInterval: envDuration("ENERGY_REGEN_INTERVAL", 5*time.Minute),
		BoostDuration:       envDuration("BOOST_DURATION", time.Hour),
		BoostMultiplier:     envFloat64("BOOST_MULTIPLIER", 2),
		TapRewardCap:        envFloat64("TAP_REWARD_CAP", 5),
	}

	if cfg.RemoteStore == "" {
		switch {
		case cfg.DatabaseURL != "":
			cfg.RemoteStore = RemotePostgres
		case cfg.TursoURL != "":
			cfg.RemoteStore = RemoteLibSQL
		default:
			cfg.RemoteStore = RemoteMemory
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = cfg.BotToken
	}

	return cfg
}

// Validate rejects combinations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.RemoteStore {
	case RemotePostgres, RemoteSQLPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("REMOTE_STORE=%s requires DATABASE_URL", c.RemoteStore))
		}
	case RemoteLibSQL:
		if c.TursoURL == "" {
			errs = append(errs, errors.New("REMOTE_STORE=libsql requires TURSO_URL"))
		}
	case RemoteMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown REMOTE_STORE %q", c.RemoteStore))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET (or BOT_TOKEN) must be set"))
	}
	if c.EnergyMax < 1 {
		errs = append(errs, errors.New("ENERGY_MAX must be >= 1"))
	}
	if c.EnergyRegenInterval <= 0 || c.BoostDuration <= 0 {
		errs = append(errs, errors.New("ENERGY_REGEN_INTERVAL and BOOST_DURATION must be > 0"))
	}
	if c.BoostMultiplier < 1 {
		errs = append(errs, errors.New("BOOST_MULTIPLIER must be >= 1"))
	}
	if c.TapRewardCap <= 0 {
		errs = append(errs, errors.New("TAP_REWARD_CAP must be > 0"))
	}
	if c.TapRatePerSec <= 0 || c.TapRateBurst < 1 {
		errs = append(errs, errors.New("TAP_RATE_PER_SEC must be > 0 and TAP_RATE_BURST >= 1"))
	}
	if c.AdsRequireVerified && c.AdsWebhookSecret == "" {
		errs = append(errs, errors.New("ADS_REQUIRE_VERIFIED needs ADS_WEBHOOK_SECRET"))
	}
	return errors.Join(errs...)
}

func parseCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
