// Package config loads the orchestrator's runtime configuration: defaults,
// then the workspace's seed.yaml, then SEED_* environment overrides, then
// caller overrides. Env lookup and file reading are injectable for tests.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"seed/internal/observability"
)

const configFileName = "seed.yaml"

// Config is the resolved runtime configuration.
type Config struct {
	// BaseDir is the workspace root. State, sandboxes and the master lock
	// all live under it.
	BaseDir string `yaml:"baseDir"`

	LLMProvider string `yaml:"llmProvider"`
	LLMModel    string `yaml:"llmModel"`
	APIKey      string `yaml:"apiKey"`
	BaseURL     string `yaml:"baseURL"`

	MaxIterations         int `yaml:"maxIterations"`
	MaxRuntimes           int `yaml:"maxRuntimes"`
	CommandTimeoutSeconds int `yaml:"commandTimeoutSeconds"`
	MaxOutputBytes        int `yaml:"maxOutputBytes"`
	UIChunkCap            int `yaml:"uiChunkCap"`

	ServerHost string `yaml:"serverHost"`
	ServerPort int    `yaml:"serverPort"`

	Metrics observability.MetricsConfig `yaml:"metrics"`

	LogLevel string `yaml:"logLevel"`
}

type loadOptions struct {
	envLookup func(string) (string, bool)
	readFile  func(string) ([]byte, error)
	overrides []func(*Config)
}

// Option adjusts loading.
type Option func(*loadOptions)

// WithEnv injects the environment lookup, for tests.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithFileReader injects the config file reader, for tests.
func WithFileReader(read func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = read }
}

// WithOverride applies a caller mutation after file and env.
func WithOverride(mutate func(*Config)) Option {
	return func(o *loadOptions) { o.overrides = append(o.overrides, mutate) }
}

// Load resolves the configuration for a workspace.
func Load(baseDir string, opts ...Option) (Config, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := defaults(baseDir)

	if err := applyFile(&cfg, baseDir, options); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg, options.envLookup)
	for _, mutate := range options.overrides {
		mutate(&cfg)
	}
	normalize(&cfg, baseDir)
	return cfg, nil
}

func defaults(baseDir string) Config {
	return Config{
		BaseDir:               baseDir,
		LLMProvider:           "openai",
		LLMModel:              "gpt-4o",
		MaxIterations:         50,
		MaxRuntimes:           4,
		CommandTimeoutSeconds: 30,
		MaxOutputBytes:        64 * 1024,
		UIChunkCap:            5000,
		ServerHost:            "127.0.0.1",
		ServerPort:            7341,
		LogLevel:              "info",
	}
}

func applyFile(cfg *Config, baseDir string, options loadOptions) error {
	raw, err := options.readFile(filepath.Join(baseDir, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", configFileName, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", configFileName, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	setString("SEED_LLM_PROVIDER", &cfg.LLMProvider)
	setString("SEED_LLM_MODEL", &cfg.LLMModel)
	setString("SEED_API_KEY", &cfg.APIKey)
	setString("SEED_BASE_URL", &cfg.BaseURL)
	setString("SEED_SERVER_HOST", &cfg.ServerHost)
	setString("SEED_LOG_LEVEL", &cfg.LogLevel)
	setInt("SEED_SERVER_PORT", &cfg.ServerPort)
	setInt("SEED_MAX_ITERATIONS", &cfg.MaxIterations)
	setInt("SEED_MAX_RUNTIMES", &cfg.MaxRuntimes)
	setInt("SEED_COMMAND_TIMEOUT_SECONDS", &cfg.CommandTimeoutSeconds)
	setInt("SEED_METRICS_PORT", &cfg.Metrics.PrometheusPort)
	if v, ok := lookup("SEED_METRICS_ENABLED"); ok {
		cfg.Metrics.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
}

func normalize(cfg *Config, baseDir string) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		cfg.BaseDir = baseDir
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50
	}
	if cfg.MaxRuntimes <= 0 {
		cfg.MaxRuntimes = 4
	}
	if cfg.CommandTimeoutSeconds <= 0 {
		cfg.CommandTimeoutSeconds = 30
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 * 1024
	}
	if cfg.UIChunkCap <= 0 {
		cfg.UIChunkCap = 5000
	}
	if cfg.ServerPort <= 0 {
		cfg.ServerPort = 7341
	}
	if cfg.ServerHost == "" {
		cfg.ServerHost = "127.0.0.1"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		cfg.LogLevel = "info"
	}
}

// StateDir returns the workspace's durable state directory.
func (c Config) StateDir() string { return filepath.Join(c.BaseDir, "state") }

// Addr returns the HTTP listen address.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort) }
