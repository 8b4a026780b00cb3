// Package config loads runtime configuration from environment variables,
// using getEnv's fallback pattern throughout rather than a third-party
// config loader, mirroring the teacher's own internal/config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CacheSystem selects the Cache Store backend (spec §3.2).
type CacheSystem string

const (
	CacheSystemFile      CacheSystem = "phpfs"
	CacheSystemRedis     CacheSystem = "redis"
	CacheSystemMemcached CacheSystem = "memcached"
)

// GeolocationConfig carries the MaxMind GeoIP2 lookup settings (spec §4.5,
// country scope).
type GeolocationConfig struct {
	Enabled       bool
	DatabaseType  string
	DatabasePath  string
	SaveResult    bool
	CacheDuration time.Duration
}

// Config captures runtime configuration sourced from environment
// variables, covering both the ambient web-server surface the teacher
// already exposes and the bouncer's own knobs (spec §6).
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	FrontendDir  string

	// Cache Store selection (spec §3.2).
	CacheSystem  CacheSystem
	FSCachePath  string
	RedisDSN     string
	MemcachedDSN string

	// Resolver tunables (spec §4.5, §6).
	StreamMode            bool
	CleanIPCacheDuration  time.Duration
	BadIPCacheDuration    time.Duration
	CaptchaCacheDuration  time.Duration
	FallbackRemediation   string
	BouncingLevel         string
	MaxRemediationLevel   string
	TrustIPForwardArray   []string
	ExcludedURIs          []string
	ForcedTestIP          string
	ForcedTestForwardedIP string
	DisplayErrors         bool

	Geolocation GeolocationConfig

	// LAPI client (spec §4.4, §6).
	APIKey        string
	APIURL        string
	APITimeout    time.Duration
	APIUserAgent  string
	TLSCertPath   string
	TLSKeyPath    string
	TLSCACertPath string
	TLSVerifyPeer bool
	UseCurl       bool
}

// Load reads env vars and falls back to defaults so the bouncer can
// boot with zero configuration beyond an API key or TLS material.
func Load() (Config, error) {
	cfg := Config{
		Environment:  getEnv("CPM_ENV", "development"),
		HTTPPort:     getEnv("CPM_HTTP_PORT", "8080"),
		DatabasePath: getEnv("CPM_DB_PATH", filepath.Join("data", "cpm.db")),
		FrontendDir:  getEnv("CPM_FRONTEND_DIR", filepath.Clean(filepath.Join("..", "frontend", "dist"))),

		CacheSystem:  CacheSystem(getEnv("CHARON_BOUNCER_CACHE_SYSTEM", string(CacheSystemFile))),
		FSCachePath:  getEnv("CHARON_BOUNCER_FS_CACHE_PATH", filepath.Join("data", "bouncer-cache.db")),
		RedisDSN:     getEnv("CHARON_BOUNCER_REDIS_DSN", ""),
		MemcachedDSN: getEnv("CHARON_BOUNCER_MEMCACHED_DSN", ""),

		StreamMode:            getEnvBool("CHARON_BOUNCER_STREAM_MODE", false),
		CleanIPCacheDuration:  getEnvDuration("CHARON_BOUNCER_CLEAN_IP_CACHE_DURATION", 60*time.Second),
		BadIPCacheDuration:    getEnvDuration("CHARON_BOUNCER_BAD_IP_CACHE_DURATION", 120*time.Second),
		CaptchaCacheDuration:  getEnvDuration("CHARON_BOUNCER_CAPTCHA_CACHE_DURATION", 86400*time.Second),
		FallbackRemediation:   getEnv("CHARON_BOUNCER_FALLBACK_REMEDIATION", "captcha"),
		BouncingLevel:         getEnv("CHARON_BOUNCER_BOUNCING_LEVEL", "normal"),
		MaxRemediationLevel:   getEnv("CHARON_BOUNCER_MAX_REMEDIATION_LEVEL", "ban"),
		TrustIPForwardArray:   getEnvList("CHARON_BOUNCER_TRUST_IP_FORWARD_ARRAY"),
		ExcludedURIs:          getEnvList("CHARON_BOUNCER_EXCLUDED_URIS"),
		ForcedTestIP:          getEnv("CHARON_BOUNCER_FORCED_TEST_IP", ""),
		ForcedTestForwardedIP: getEnv("CHARON_BOUNCER_FORCED_TEST_FORWARDED_IP", ""),
		DisplayErrors:         getEnvBool("CHARON_BOUNCER_DISPLAY_ERRORS", false),

		Geolocation: GeolocationConfig{
			Enabled:       getEnvBool("CHARON_BOUNCER_GEOLOCATION_ENABLED", false),
			DatabaseType:  getEnv("CHARON_BOUNCER_GEOLOCATION_DATABASE_TYPE", "country"),
			DatabasePath:  getEnv("CHARON_BOUNCER_GEOLOCATION_DATABASE_PATH", ""),
			SaveResult:    getEnvBool("CHARON_BOUNCER_GEOLOCATION_SAVE_RESULT", true),
			CacheDuration: getEnvDuration("CHARON_BOUNCER_GEOLOCATION_CACHE_DURATION", 86400*time.Second),
		},

		APIKey:        getEnv("CHARON_BOUNCER_API_KEY", ""),
		APIURL:        getEnv("CHARON_BOUNCER_API_URL", "http://localhost:8080"),
		APITimeout:    getEnvDuration("CHARON_BOUNCER_API_TIMEOUT", time.Second),
		APIUserAgent:  getEnv("CHARON_BOUNCER_API_USER_AGENT", "charonguard-bouncer"),
		TLSCertPath:   getEnv("CHARON_BOUNCER_TLS_CERT_PATH", ""),
		TLSKeyPath:    getEnv("CHARON_BOUNCER_TLS_KEY_PATH", ""),
		TLSCACertPath: getEnv("CHARON_BOUNCER_TLS_CA_CERT_PATH", ""),
		TLSVerifyPeer: getEnvBool("CHARON_BOUNCER_TLS_VERIFY_PEER", true),
		UseCurl:       getEnvBool("CHARON_BOUNCER_USE_CURL", false),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	if cfg.CacheSystem == CacheSystemFile {
		if err := os.MkdirAll(filepath.Dir(cfg.FSCachePath), 0o755); err != nil {
			return Config{}, fmt.Errorf("ensure cache directory: %w", err)
		}
	}

	if cfg.APIKey == "" && cfg.TLSCertPath == "" {
		return Config{}, fmt.Errorf("either CHARON_BOUNCER_API_KEY or CHARON_BOUNCER_TLS_CERT_PATH must be set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
