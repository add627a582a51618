package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvConfigDefaultsWhenUnset(t *testing.T) {
	ec := NewEnvConfig("NUCLEUS_TEST_UNSET")
	assert.Equal(t, "fallback", ec.GetString("MISSING", "fallback"))
	assert.Equal(t, 7, ec.GetInt("MISSING", 7))
	assert.Equal(t, true, ec.GetBool("MISSING", true))
	assert.Equal(t, time.Second, ec.GetDuration("MISSING", time.Second))
}

func TestEnvConfigReadsPrefixedVariable(t *testing.T) {
	os.Setenv("NUCLEUS_TEST_READS_URL", "redis://example/1")
	defer os.Unsetenv("NUCLEUS_TEST_READS_URL")

	ec := NewEnvConfig("NUCLEUS_TEST_READS")
	assert.Equal(t, "redis://example/1", ec.GetString("URL", "redis://localhost:6379/0"))
}

func TestMustGetStringPanicsWhenMissing(t *testing.T) {
	ec := NewEnvConfig("NUCLEUS_TEST_MUST")
	assert.Panics(t, func() {
		ec.MustGetString("ABSENT")
	})
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "redis://localhost:6379/0", cfg.StoreURL)
	assert.Equal(t, "default", cfg.DefaultQueue)
	assert.Equal(t, Development, cfg.Environment)
}

func TestLoadReadsEnvironmentOverride(t *testing.T) {
	os.Setenv("NUCLEUS_ENV", "production")
	defer os.Unsetenv("NUCLEUS_ENV")

	cfg := Load()
	assert.Equal(t, Production, cfg.Environment)
}
