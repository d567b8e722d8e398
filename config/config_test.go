package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvConfigDefaults(t *testing.T) {
	ec := NewEnvConfig("TRACTEST")
	assert.Equal(t, "fallback", ec.GetString("UNSET_KEY", "fallback"))
	assert.Equal(t, 7, ec.GetInt("UNSET_KEY", 7))
	assert.Equal(t, true, ec.GetBool("UNSET_KEY", true))
	assert.Equal(t, time.Minute, ec.GetDuration("UNSET_KEY", time.Minute))
	assert.Equal(t, []string{"a", "b"}, ec.GetStringSlice("UNSET_KEY", []string{"a", "b"}))
}

func TestEnvConfigReadsOverrides(t *testing.T) {
	ec := NewEnvConfig("TRACTEST")
	t.Setenv("TRACTEST_PORT", "9999")
	t.Setenv("TRACTEST_ENABLED", "true")
	t.Setenv("TRACTEST_TIMEOUT", "5s")
	t.Setenv("TRACTEST_NAMES", "one, two ,three")

	assert.Equal(t, 9999, ec.GetInt("PORT", 1))
	assert.Equal(t, true, ec.GetBool("ENABLED", false))
	assert.Equal(t, 5*time.Second, ec.GetDuration("TIMEOUT", 0))
	assert.Equal(t, []string{"one", "two", "three"}, ec.GetStringSlice("NAMES", nil))
}

func TestEnvConfigNoPrefix(t *testing.T) {
	ec := NewEnvConfig("")
	t.Setenv("BARE_KEY", "value")
	assert.Equal(t, "value", ec.GetString("BARE_KEY", "default"))
}

func TestEnvConfigInvalidValuesFallBackToDefault(t *testing.T) {
	ec := NewEnvConfig("TRACTEST")
	t.Setenv("TRACTEST_BADINT", "not-an-int")
	t.Setenv("TRACTEST_BADBOOL", "not-a-bool")
	t.Setenv("TRACTEST_BADDUR", "not-a-duration")

	assert.Equal(t, 42, ec.GetInt("BADINT", 42))
	assert.Equal(t, false, ec.GetBool("BADBOOL", false))
	assert.Equal(t, time.Second, ec.GetDuration("BADDUR", time.Second))
}

func TestMustGetStringPanicsWhenUnset(t *testing.T) {
	ec := NewEnvConfig("TRACTEST")
	assert.Panics(t, func() {
		ec.MustGetString("DEFINITELY_NOT_SET")
	})
}

func TestMustGetStringReturnsValue(t *testing.T) {
	ec := NewEnvConfig("TRACTEST")
	t.Setenv("TRACTEST_REQUIRED", "present")
	assert.Equal(t, "present", ec.MustGetString("REQUIRED"))
}

func TestLoadMetadataConfigDefaults(t *testing.T) {
	cfg := LoadMetadataConfig()
	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, DialectPostgres, cfg.DBDialect)
	assert.False(t, cfg.AuthDisableAuth)
}

func TestLoadExecutorConfigDefaults(t *testing.T) {
	cfg := LoadExecutorConfig()
	assert.Equal(t, "local", cfg.Kind)
	assert.Equal(t, "/tmp/trac-batch", cfg.BatchDir)
	assert.True(t, cfg.LogVolumeEnabled)
}

func TestLoadCacheConfigDefaults(t *testing.T) {
	cfg := LoadCacheConfig()
	assert.Equal(t, "memory", cfg.Kind)
	assert.Equal(t, "trac", cfg.KeyPrefix)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}

func TestLoadGatewayConfigDefaults(t *testing.T) {
	cfg := LoadGatewayConfig()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 65535, cfg.InitialWindow)
}
