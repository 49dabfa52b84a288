// Package config wraps viper configuration for the memory core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()

	v.SetConfigType("yaml")

	// Explicitly locate palace.yaml and use SetConfigFile to avoid picking
	// up unrelated files. Precedence: project .palace/palace.yaml >
	// ~/.config/palace/palace.yaml > ~/.palace/palace.yaml
	configFileSet := false

	// 1. Walk up from CWD to find the project config.
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".palace", "palace.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory.
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "palace", "palace.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory.
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".palace", "palace.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g., PALACE_DB_PATH, PALACE_MCP_API_KEY, PALACE_VITALITY_MAX.
	v.SetEnvPrefix("PALACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults()

	// Legacy un-prefixed env names kept for drop-in compatibility with
	// existing deployments.
	_ = v.BindEnv("mcp.api-key", "MCP_API_KEY")
	_ = v.BindEnv("mcp.allow-insecure-local", "MCP_API_KEY_ALLOW_INSECURE_LOCAL")
	_ = v.BindEnv("db.migration-lock-file", "DB_MIGRATION_LOCK_FILE")
	_ = v.BindEnv("db.migration-lock-timeout", "DB_MIGRATION_LOCK_TIMEOUT_SEC")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

func setDefaults() {
	// Store.
	v.SetDefault("db.path", "")
	v.SetDefault("db.migration-lock-file", "")
	v.SetDefault("db.migration-lock-timeout", "10s")

	// Resolver.
	v.SetDefault("domains.valid", []string{"core", "notes", "skills", "lessons", "sessions"})
	v.SetDefault("domains.core-memory-uris", []string{"core://agent/identity", "core://agent/rules"})

	// Governance.
	v.SetDefault("vitality.max", 3.0)
	v.SetDefault("vitality.floor", 0.05)
	v.SetDefault("vitality.reinforce-delta", 0.25)
	v.SetDefault("vitality.decay-half-life-days", 30.0)
	v.SetDefault("cleanup.threshold", 0.35)
	v.SetDefault("cleanup.inactive-days", 21)
	v.SetDefault("cleanup.review-ttl", "900s")
	v.SetDefault("cleanup.max-pending-reviews", 64)

	// Write lane.
	v.SetDefault("lane.global-concurrency", 4)
	v.SetDefault("lane.wait-timeout", "10s")

	// Index worker.
	v.SetDefault("index.queue-capacity", 256)
	v.SetDefault("index.recent-jobs-ring", 30)
	v.SetDefault("index.defer-on-write", false)

	// Retrieval.
	v.SetDefault("search.default-mode", "hybrid")
	v.SetDefault("retrieval.hybrid-keyword-weight", 0.45)
	v.SetDefault("retrieval.hybrid-semantic-weight", 0.45)
	v.SetDefault("retrieval.reranker-weight", 0.30)
	v.SetDefault("retrieval.reranker-enabled", false)
	v.SetDefault("retrieval.chunk-size", 500)
	v.SetDefault("retrieval.chunk-overlap", 80)
	v.SetDefault("retrieval.intent-ambiguous-margin", 0.06)

	// Embedding adapter: none | hash | api.
	v.SetDefault("retrieval.embedding-backend", "hash")
	v.SetDefault("retrieval.embedding-api-base", "")
	v.SetDefault("retrieval.embedding-api-key", "")
	v.SetDefault("retrieval.embedding-model", "")
	v.SetDefault("retrieval.embedding-dim", 64)

	// Rerank adapter.
	v.SetDefault("retrieval.reranker-api-base", "")
	v.SetDefault("retrieval.reranker-api-key", "")
	v.SetDefault("retrieval.reranker-model", "")

	// LLM arbitration (write guard) and gist generation.
	v.SetDefault("guard.llm-enabled", false)
	v.SetDefault("guard.llm-api-key", "")
	v.SetDefault("guard.llm-model", "claude-3-5-haiku-latest")
	v.SetDefault("compact.gist-llm-enabled", false)
	v.SetDefault("compact.gist-llm-api-key", "")
	v.SetDefault("compact.gist-llm-model", "")
	v.SetDefault("compact.max-lines", 12)
	v.SetDefault("compact.flush-parent", "notes://sessions")

	// Sleep consolidation.
	v.SetDefault("sleep.dedup-threshold", 0.90)
	v.SetDefault("sleep.rollup-max-chars", 1200)
	v.SetDefault("sleep.dedup-apply", false)
	v.SetDefault("sleep.rollup-apply", false)

	// Auth.
	v.SetDefault("mcp.api-key", "")
	v.SetDefault("mcp.allow-insecure-local", false)

	// Remote call policy.
	v.SetDefault("remote.timeout", "15s")
	v.SetDefault("remote.max-retries", 3)

	// HTTP control plane.
	v.SetDefault("http.listen", "127.0.0.1:8765")

	// Logging.
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetFloat64 retrieves a float configuration value
func GetFloat64(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value
func GetStringSlice(key string) []string {
	if v == nil {
		return []string{}
	}
	return v.GetStringSlice(key)
}

// Set sets a configuration value
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
