package config

import (
	"fmt"
	"time"

	"github.com/scribeworks/controlplane/internal/logger"
)

// Config is the typed configuration surface of spec.md §6. It is
// populated from environment variables the way the teacher's
// internal/app.Config is, not from a layered config service —
// "configuration parsing" beyond this is explicitly out of scope.
type Config struct {
	// Postgres / Redis connection.
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSchema   string

	RedisAddr string

	// Dispatcher / session surface (spec.md §6).
	HeartbeatTimeout         time.Duration
	AudioChunkBytes          int
	SessionExpiration        time.Duration
	RollingRefresh           time.Duration
	FinishedJobRetentionDays *int // nil disables jobs cleanup
	UserRetentionDays        *int // nil disables users cleanup

	// Auth stub (the out-of-scope auth provider's minimal shape).
	JWTSecretKey string

	// HTTP surface.
	Port string

	// Admin.
	AdminToken string

	// Mailer (spec.md §4.1 "Users" cleanup's account-deletion-warning
	// emails). An unset or empty SMTP_ADDR falls back to the
	// localhost:25 relay; an empty SMTPUsername sends without SMTP
	// authentication.
	SMTPAddr     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	ClientURL    string
}

const (
	minSessionExpiration = 15 * time.Minute
	minUserRetentionDays = 90
	rollingRefreshFactor = 0.4
)

// Load reads configuration from the environment, applying spec.md's
// defaults, and validates invariant 6: rolling_refresh_minutes must
// be <= 0.4 * session_expiration_minutes.
func Load(log *logger.Logger) (Config, error) {
	cfg := Config{
		PostgresHost:     GetEnv("POSTGRES_HOST", "localhost", log),
		PostgresPort:     GetEnv("POSTGRES_PORT", "5432", log),
		PostgresUser:     GetEnv("POSTGRES_USER", "postgres", log),
		PostgresPassword: GetEnv("POSTGRES_PASSWORD", "", log),
		PostgresDB:       GetEnv("POSTGRES_NAME", "controlplane", log),
		PostgresSchema:   GetEnv("POSTGRES_SCHEMA", "controlplane", log),

		RedisAddr: GetEnv("REDIS_ADDR", "localhost:6379", log),

		HeartbeatTimeout:  GetEnvAsDuration("HEARTBEAT_TIMEOUT_SECONDS", 60*time.Second, log),
		AudioChunkBytes:   GetEnvAsInt("AUDIO_CHUNK_BYTES", 10*1024*1024, log),
		SessionExpiration: time.Duration(GetEnvAsInt("SESSION_EXPIRATION_MINUTES", 60, log)) * time.Minute,
		RollingRefresh:    time.Duration(GetEnvAsInt("ROLLING_REFRESH_MINUTES", 10, log)) * time.Minute,

		JWTSecretKey: GetEnv("JWT_SECRET_KEY", "dev-secret-change-me", log),
		Port:         GetEnv("PORT", "8080", log),
		AdminToken:   GetEnv("ADMIN_TOKEN", "", log),

		SMTPAddr:     GetEnv("SMTP_ADDR", "localhost:25", log),
		SMTPFrom:     GetEnv("SMTP_FROM", "no-reply@localhost", log),
		SMTPUsername: GetEnv("SMTP_USERNAME", "", log),
		SMTPPassword: GetEnv("SMTP_PASSWORD", "", log),
		ClientURL:    GetEnv("CLIENT_URL", "http://localhost:3000", log),
	}

	if days := GetEnvAsInt("CLEANUP_FINISHED_JOB_RETENTION_DAYS", -1, log); days >= 0 {
		cfg.FinishedJobRetentionDays = &days
	}
	if days := GetEnvAsInt("CLEANUP_USER_RETENTION_DAYS", -1, log); days >= 0 {
		cfg.UserRetentionDays = &days
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants spec.md §8 #6 names explicitly.
func (c Config) Validate() error {
	if c.SessionExpiration < minSessionExpiration {
		return fmt.Errorf("session_expiration_minutes must be >= %s, got %s", minSessionExpiration, c.SessionExpiration)
	}
	if float64(c.RollingRefresh) > rollingRefreshFactor*float64(c.SessionExpiration) {
		return fmt.Errorf("rolling_refresh_minutes (%s) must be <= 0.4 * session_expiration_minutes (%s)", c.RollingRefresh, c.SessionExpiration)
	}
	if c.UserRetentionDays != nil && *c.UserRetentionDays < minUserRetentionDays {
		return fmt.Errorf("cleanup.user_retention_days must be >= %d when set, got %d", minUserRetentionDays, *c.UserRetentionDays)
	}
	if c.AudioChunkBytes <= 0 {
		return fmt.Errorf("audio_chunk_bytes must be positive, got %d", c.AudioChunkBytes)
	}
	return nil
}

func (c Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB)
}
