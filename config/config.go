// Package config provides environment-variable configuration loading for
// library code that must not depend on cobra/viper (e.g. the dialect
// adapters), plus the per-service config structs the cmd/ binaries load
// from TRAC_-prefixed environment variables through the same EnvConfig.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig reads configuration directly from the process environment with an
// optional key prefix, for packages that can't pull in viper.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates an environment reader scoped to prefix (e.g. "TRAC").
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix == "" {
		return key
	}
	return ec.prefix + "_" + key
}

// GetString returns the named variable or defaultValue if unset.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

// MustGetString returns the named variable or panics if unset.
func (ec *EnvConfig) MustGetString(key string) string {
	full := ec.buildKey(key)
	v := os.Getenv(full)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s not set", full))
	}
	return v
}

// GetInt returns the named variable parsed as int, or defaultValue.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBool returns the named variable parsed as bool, or defaultValue.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration returns the named variable parsed as a duration, or defaultValue.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetStringSlice splits a comma-separated env value.
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// DBDialect is the closed set of relational dialects named in spec §6.
type DBDialect string

const (
	DialectMySQL    DBDialect = "mysql"
	DialectPostgres DBDialect = "postgres"
	DialectH2       DBDialect = "h2"
	DialectSQLServer DBDialect = "sqlserver"
	DialectOracle   DBDialect = "oracle"
)

// MetadataConfig configures the trac-metadata service.
type MetadataConfig struct {
	Port           int
	IdleTimeout    time.Duration
	DBDialect      DBDialect
	DBURL          string
	DBPoolSize     int
	AuthPublicKeyRef string
	AuthDisableAuth    bool
	AuthDisableSigning bool
}

// LoadMetadataConfig loads MetadataConfig from the environment, following the
// "db.*"/"auth.*" naming in spec §6 translated to SCREAMING_SNAKE env vars.
func LoadMetadataConfig() MetadataConfig {
	env := NewEnvConfig("TRAC")
	return MetadataConfig{
		Port:               env.GetInt("PORT", 8081),
		IdleTimeout:        env.GetDuration("IDLE_TIMEOUT", 60*time.Second),
		DBDialect:          DBDialect(env.GetString("DB_DIALECT", string(DialectPostgres))),
		DBURL:              env.GetString("DB_URL", "postgres://localhost:5432/trac?sslmode=disable"),
		DBPoolSize:         env.GetInt("DB_POOL_SIZE", 10),
		AuthPublicKeyRef:   env.GetString("AUTH_PUBLIC_KEY_REF", ""),
		AuthDisableAuth:    env.GetBool("AUTH_DISABLE_AUTH", false),
		AuthDisableSigning: env.GetBool("AUTH_DISABLE_SIGNING", false),
	}
}

// ExecutorConfig configures the trac-orchestrator service's batch executor.
type ExecutorConfig struct {
	Port          int
	IdleTimeout   time.Duration
	Kind          string // "local", "ssh", "container"
	VenvPath      string
	BatchDir      string
	BatchPersist  bool
	SSHHost       string
	SSHPort       int
	SSHUser       string
	SSHKeyRef     string
	ContainerImage string
	RuntimeAPI       bool
	LogVolumeEnabled bool
}

// LoadExecutorConfig loads ExecutorConfig from the environment.
func LoadExecutorConfig() ExecutorConfig {
	env := NewEnvConfig("TRAC")
	return ExecutorConfig{
		Port:             env.GetInt("PORT", 8082),
		IdleTimeout:      env.GetDuration("IDLE_TIMEOUT", 60*time.Second),
		Kind:             env.GetString("EXECUTOR_KIND", "local"),
		VenvPath:         env.GetString("EXECUTOR_VENV_PATH", ""),
		BatchDir:         env.GetString("EXECUTOR_BATCH_DIR", "/tmp/trac-batch"),
		BatchPersist:     env.GetBool("EXECUTOR_BATCH_PERSIST", false),
		SSHHost:          env.GetString("SSH_HOST", ""),
		SSHPort:          env.GetInt("SSH_PORT", 22),
		SSHUser:          env.GetString("SSH_USER", ""),
		SSHKeyRef:        env.GetString("SSH_KEY_REF", ""),
		ContainerImage:   env.GetString("EXECUTOR_CONTAINER_IMAGE", "tracdap/trac-runtime:latest"),
		RuntimeAPI:       env.GetBool("EXECUTOR_RUNTIME_API", false),
		LogVolumeEnabled: env.GetBool("EXECUTOR_LOG_VOLUME", true),
	}
}

// CacheConfig configures the trac-orchestrator service's job cache (C3).
type CacheConfig struct {
	Kind          string // "memory" or "redis"
	RedisURL      string
	KeyPrefix     string
	SweepInterval time.Duration
	SweepMaxAge   time.Duration
}

// LoadCacheConfig loads CacheConfig from the environment.
func LoadCacheConfig() CacheConfig {
	env := NewEnvConfig("TRAC")
	return CacheConfig{
		Kind:          env.GetString("CACHE_KIND", "memory"),
		RedisURL:      env.GetString("CACHE_REDIS_URL", "redis://localhost:6379/0"),
		KeyPrefix:     env.GetString("CACHE_KEY_PREFIX", "trac"),
		SweepInterval: env.GetDuration("CACHE_SWEEP_INTERVAL", time.Minute),
		SweepMaxAge:   env.GetDuration("CACHE_SWEEP_MAX_AGE", time.Hour),
	}
}

// GatewayConfig configures the trac-gateway service.
type GatewayConfig struct {
	Port               int
	IdleTimeout        time.Duration
	AuthPublicKeyRef   string
	AuthDisableAuth    bool
	AuthDisableSigning bool
	InitialWindow      int
}

// LoadGatewayConfig loads GatewayConfig from the environment.
func LoadGatewayConfig() GatewayConfig {
	env := NewEnvConfig("TRAC")
	return GatewayConfig{
		Port:               env.GetInt("PORT", 8080),
		IdleTimeout:        env.GetDuration("IDLE_TIMEOUT", 60*time.Second),
		AuthPublicKeyRef:   env.GetString("AUTH_PUBLIC_KEY_REF", ""),
		AuthDisableAuth:    env.GetBool("AUTH_DISABLE_AUTH", false),
		AuthDisableSigning: env.GetBool("AUTH_DISABLE_SIGNING", false),
		InitialWindow:      env.GetInt("GATEWAY_INITIAL_WINDOW", 65535),
	}
}
