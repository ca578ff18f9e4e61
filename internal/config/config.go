// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port           string
	RedisAddr      string
	LockBackend    string // "postgres" or "redis"
	RendererURL    string
	StorageDir     string
	StorageBaseURL string
	SigningBaseURL string
	TokenSecret    string
	MasterKey      string // credential-envelope master secret
	FanoutWorkers  int

	WebhookBackoff     string // "exponential" or "fixed"
	WebhookMaxAttempts int

	TSAURL       string // empty disables hash anchoring
	TSAPolicyOID string
}

func Load() Config {
	return Config{
		Port:           env("SERVICE_PORT", "8080"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		LockBackend:    env("LOCK_BACKEND", "postgres"),
		RendererURL:    env("RENDERER_URL", "http://localhost:3005"),
		StorageDir:     env("STORAGE_DIR", "/var/lib/signlane/blobs"),
		StorageBaseURL: env("STORAGE_BASE_URL", "http://localhost:8080/blobs"),
		SigningBaseURL: env("SIGNING_BASE_URL", "http://localhost:8080"),
		TokenSecret:    env("TOKEN_SECRET", "dev-token-secret"),
		MasterKey:      env("CREDENTIALS_MASTER_KEY", "dev-master-key"),
		FanoutWorkers:  envInt("FANOUT_WORKERS", 2),

		WebhookBackoff:     env("WEBHOOK_BACKOFF", "exponential"),
		WebhookMaxAttempts: envInt("WEBHOOK_MAX_ATTEMPTS", 3),

		TSAURL:       os.Getenv("TSA_URL"),
		TSAPolicyOID: os.Getenv("TSA_POLICY_OID"),
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
