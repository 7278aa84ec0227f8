// Package config loads the SoundTime node's runtime configuration from
// environment variables, following the same getEnv/getEnvAsInt pattern the
// rest of this project's ancestry uses.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in the P2P node, health monitor, and
// plugin runtime specifications.
type Config struct {
	// HTTP edge (out-of-scope surface, kept narrow).
	Port string

	// P2P identity and transport.
	SecretKeyPath    string
	BindAddr         string
	LocalDiscovery   bool
	SeedPeers        []string
	RelayWaitTimeout time.Duration
	BootstrapDelay   time.Duration
	PexInterval      time.Duration

	// Storage locations.
	BlobsDir   string
	PluginDir  string
	ThemeDir   string
	CatalogDSN string

	// Health monitor.
	HealthMonitorInterval time.Duration
	MaxConcurrentRecovery int
	MaxRetryAttempts      int
	HealthBatchSize       int

	// Plugin runtime.
	PluginWASMMaxSizeMB int
	PluginHTTPTimeout   time.Duration
	ThemeMaxSizeMB      int

	// Secrets / external collaborators, out of scope for this subsystem but
	// still plumbed through so the HTTP edge and the Last.fm HKDF box (see
	// SPEC_FULL.md §9) have what they need.
	JWTSecret       string
	SoundtimeScheme string
	AICredentials   string
	LastFMKey       string
	LastFMSecret    string
}

// Load reads Config from the environment, applying defaults matching the
// values named in SPEC_FULL.md's AMBIENT STACK / SUPPLEMENTED FEATURES
// sections.
func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8000"),

		SecretKeyPath:    getEnv("SOUNDTIME_SECRET_KEY_PATH", "./data/secret_key"),
		BindAddr:         getEnv("SOUNDTIME_BIND_ADDR", ":4433"),
		LocalDiscovery:   getEnvAsBool("SOUNDTIME_LOCAL_DISCOVERY", false),
		SeedPeers:        getEnvAsList("SOUNDTIME_SEED_PEERS"),
		RelayWaitTimeout: getEnvAsDuration("SOUNDTIME_RELAY_WAIT", 15*time.Second),
		BootstrapDelay:   getEnvAsDuration("SOUNDTIME_BOOTSTRAP_DELAY", 3*time.Second),
		PexInterval:      getEnvAsDuration("SOUNDTIME_PEX_INTERVAL", 5*time.Minute),

		BlobsDir:   getEnv("SOUNDTIME_BLOBS_DIR", "./data/blobs"),
		PluginDir:  getEnv("SOUNDTIME_PLUGIN_DIR", "./data/plugins"),
		ThemeDir:   getEnv("SOUNDTIME_THEME_DIR", "./data/themes"),
		CatalogDSN: getEnv("SOUNDTIME_CATALOG_DSN", "./data/catalog.db"),

		HealthMonitorInterval: getEnvAsDuration("SOUNDTIME_HEALTH_INTERVAL", 10*time.Minute),
		MaxConcurrentRecovery: getEnvAsInt("SOUNDTIME_MAX_CONCURRENT_RECOVERY", 32),
		MaxRetryAttempts:      getEnvAsInt("SOUNDTIME_MAX_RETRY_ATTEMPTS", 3),
		HealthBatchSize:       getEnvAsInt("SOUNDTIME_HEALTH_BATCH_SIZE", 500),

		PluginWASMMaxSizeMB: getEnvAsInt("SOUNDTIME_PLUGIN_WASM_MAX_MB", 50),
		PluginHTTPTimeout:   getEnvAsDuration("SOUNDTIME_PLUGIN_HTTP_TIMEOUT", 10*time.Second),
		ThemeMaxSizeMB:      getEnvAsInt("SOUNDTIME_THEME_MAX_MB", 20),

		JWTSecret:       getEnv("JWT_SECRET", "change-me-in-production-please"),
		SoundtimeScheme: getEnv("SOUNDTIME_SCHEME", "https"),
		AICredentials:   getEnv("SOUNDTIME_AI_CREDENTIALS", ""),
		LastFMKey:       getEnv("LASTFM_API_KEY", ""),
		LastFMSecret:    getEnv("LASTFM_API_SECRET", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultVal int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}

func getEnvAsList(name string) []string {
	raw, exists := os.LookupEnv(name)
	if !exists || strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
