// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Auth
	AuthURL             string
	AuthAnonKey         string
	AuthTimeout         time.Duration
	AuthRateLimit       int
	AuthRefreshInterval time.Duration
	AuthAllowPrivate    bool

	// Profile store
	DatabaseURL          string
	ProfileRetryAttempts int
	ProfileRetryDelay    time.Duration
	PhoneDefaultRegion   string

	// Redis
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string

	// Session
	SequencedWrites bool

	// Rate Limit
	RateLimitCredentials int
	TrustProxyHeaders    bool // X-Forwarded-For等をクライアントIPとして信頼する（リバースプロキシ配下のみ）

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	CookieSecure      bool

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.AuthURL = strings.TrimRight(os.Getenv("AUTH_URL"), "/")
	if cfg.AuthURL == "" {
		missing = append(missing, "AUTH_URL")
	}

	cfg.AuthAnonKey = os.Getenv("AUTH_ANON_KEY")
	if cfg.AuthAnonKey == "" {
		missing = append(missing, "AUTH_ANON_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AuthTimeout = getEnvDuration("AUTH_TIMEOUT", 10*time.Second)
	cfg.AuthRateLimit = getEnvInt("AUTH_RATE_LIMIT", 30)
	cfg.AuthRefreshInterval = getEnvDuration("AUTH_REFRESH_INTERVAL", time.Minute)
	cfg.AuthAllowPrivate = getEnvBool("AUTH_ALLOW_PRIVATE", false)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.ProfileRetryAttempts = getEnvInt("PROFILE_RETRY_ATTEMPTS", 3)
	cfg.ProfileRetryDelay = getEnvDuration("PROFILE_RETRY_DELAY", 500*time.Millisecond)
	cfg.PhoneDefaultRegion = strings.ToUpper(getEnvString("PHONE_DEFAULT_REGION", "US"))
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.RedisNamespace = getEnvString("REDIS_NAMESPACE", "rentsession")
	cfg.SequencedWrites = getEnvBool("SEQUENCED_WRITES", false)
	cfg.RateLimitCredentials = getEnvInt("RATE_LIMIT_CREDENTIALS", 10)
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:5173")
	cfg.CookieSecure = strings.HasPrefix(cfg.CORSAllowedOrigin, "https://")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvDuration は期間を読み込む。0以下の値はタイマーに渡せないため既定値を使う。
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
