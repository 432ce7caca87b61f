package config

import "time"

// ServerConfig holds runtime configuration for the deployd service.
type ServerConfig struct {
	Environment      string
	Addr             string
	DatabaseURL      string
	WebhookSecret    string
	JWTSecret        string
	EnvEncryptionKey string
	WorkspaceRoot    string
	GitBaseURL       string
	DeployTimeout    time.Duration
	SubscriberBuffer int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("DEPLOYD_ADDR", ":4000"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://deployd:deployd@db:5432/deployd?sslmode=disable"),
		WebhookSecret:    GetString("GIT_WEBHOOK_SECRET", ""),
		JWTSecret:        GetString("JWT_SECRET", "supersecuresecret"),
		EnvEncryptionKey: GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),
		WorkspaceRoot:    GetString("WORKSPACE_ROOT", "/var/lib/deployd/workspaces"),
		GitBaseURL:       GetString("GIT_BASE_URL", "https://github.com"),
		DeployTimeout:    GetDuration("DEPLOY_TIMEOUT", 15*time.Minute),
		SubscriberBuffer: GetInt("SUBSCRIBER_BUFFER", 128),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
