package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestLoadDefaults(t *testing.T) {
	baseDir := t.TempDir()
	cfg, err := Load(baseDir, WithEnv(noEnv))
	require.NoError(t, err)

	assert.Equal(t, baseDir, cfg.BaseDir)
	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, "gpt-4o", cfg.LLMModel)
	assert.Equal(t, 50, cfg.MaxIterations)
	assert.Equal(t, 4, cfg.MaxRuntimes)
	assert.Equal(t, 30, cfg.CommandTimeoutSeconds)
	assert.Equal(t, "127.0.0.1:7341", cfg.Addr())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join(baseDir, "state"), cfg.StateDir())
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	baseDir := t.TempDir()
	yaml := []byte("llmProvider: deepseek\nllmModel: deepseek-chat\nserverPort: 9000\nmaxIterations: 12\nmetrics:\n  enabled: true\n  prometheusPort: 9464\n")
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "seed.yaml"), yaml, 0o644))

	cfg, err := Load(baseDir, WithEnv(noEnv))
	require.NoError(t, err)
	assert.Equal(t, "deepseek", cfg.LLMProvider)
	assert.Equal(t, "deepseek-chat", cfg.LLMModel)
	assert.Equal(t, 9000, cfg.ServerPort)
	assert.Equal(t, 12, cfg.MaxIterations)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9464, cfg.Metrics.PrometheusPort)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "seed.yaml"), []byte(": not yaml"), 0o644))

	_, err := Load(baseDir, WithEnv(noEnv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed.yaml")
}

func TestEnvOverridesFile(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "seed.yaml"), []byte("llmModel: from-file\n"), 0o644))

	env := map[string]string{
		"SEED_LLM_MODEL":       "from-env",
		"SEED_API_KEY":         "sk-test",
		"SEED_SERVER_PORT":     "8080",
		"SEED_METRICS_ENABLED": "true",
	}
	cfg, err := Load(baseDir, WithEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLMModel)
	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, 8080, cfg.ServerPort)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestEnvIgnoresBlankAndBadValues(t *testing.T) {
	env := map[string]string{
		"SEED_LLM_MODEL":   "   ",
		"SEED_SERVER_PORT": "not-a-number",
	}
	cfg, err := Load(t.TempDir(), WithEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.LLMModel)
	assert.Equal(t, 7341, cfg.ServerPort)
}

func TestOverridesApplyLast(t *testing.T) {
	cfg, err := Load(t.TempDir(),
		WithEnv(func(string) (string, bool) { return "from-env", true }),
		WithOverride(func(c *Config) {
			c.LLMModel = "from-flag"
			c.ServerPort = 7500
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.LLMModel)
	assert.Equal(t, 7500, cfg.ServerPort)
}

func TestNormalizeClampsInvalidValues(t *testing.T) {
	cfg, err := Load(t.TempDir(), WithEnv(noEnv), WithOverride(func(c *Config) {
		c.MaxIterations = -1
		c.MaxRuntimes = 0
		c.CommandTimeoutSeconds = -5
		c.ServerPort = 0
		c.ServerHost = ""
		c.LogLevel = "LOUD"
	}))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxIterations)
	assert.Equal(t, 4, cfg.MaxRuntimes)
	assert.Equal(t, 30, cfg.CommandTimeoutSeconds)
	assert.Equal(t, 7341, cfg.ServerPort)
	assert.Equal(t, "127.0.0.1", cfg.ServerHost)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestMissingFileIsFine(t *testing.T) {
	cfg, err := Load(t.TempDir(), WithEnv(noEnv), WithFileReader(func(string) ([]byte, error) {
		return nil, os.ErrNotExist
	}))
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.LLMProvider)
}
