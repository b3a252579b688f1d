package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for brokerbot.
type Config struct {
	General GeneralConfig `json:"general"`
	Model   ModelConfig   `json:"model"`
	Gateway GatewayConfig `json:"gateway"`
	Memory  MemoryConfig  `json:"memory"`
	Policy  PolicyConfig  `json:"policy"`
	Limits  LimitsConfig  `json:"limits"`
	Metrics MetricsConfig `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
	DataDir  string `json:"dataDir"`
}

// ModelConfig is the model service boundary configuration: one
// OpenAI-compatible endpoint, identifier, and credential.
type ModelConfig struct {
	Model         string  `json:"model"`
	APIBase       string  `json:"apiBase"`
	APIKey        string  `json:"apiKey,omitempty"`
	MaxTokens     int     `json:"maxTokens"`
	Temperature   float64 `json:"temperature"`
	RatePerMinute float64 `json:"ratePerMinute"`
	RateBurst     int     `json:"rateBurst"`
}

// GatewayConfig locates the brokerage gateway session.
type GatewayConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	ClientID           int    `json:"clientId"`
	CallTimeoutSeconds int    `json:"callTimeoutSeconds"`
	ReadRetries        int    `json:"readRetries"`
	MaxConcurrentReads int    `json:"maxConcurrentReads"`
}

type MemoryConfig struct {
	Enabled                   bool   `json:"enabled"`
	DBPath                    string `json:"dbPath"`
	MaxHistoryPerConversation int    `json:"maxHistoryPerConversation"`
}

// PolicyConfig drives the authorization stage for mutating tools.
type PolicyConfig struct {
	DefaultPolicy        string  `json:"defaultPolicy"` // allow | deny | confirm
	ConfirmNotionalAbove float64 `json:"confirmNotionalAbove"`
	PriceBandPct         float64 `json:"priceBandPct"` // 0 disables the band check
	RulesPath            string  `json:"rulesPath,omitempty"`
	AuditLog             bool    `json:"auditLog"`
}

// LimitsConfig holds the resolver-level sanity bounds for orders.
type LimitsConfig struct {
	MaxOrderQuantity float64 `json:"maxOrderQuantity"`
	MaxOrderNotional float64 `json:"maxOrderNotional"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Listen   string `json:"listen"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.brokerbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".brokerbot"
	}
	return filepath.Join(home, ".brokerbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = expandPath(cfg.General.DataDir)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = expandPath(cfg.Memory.DBPath)
	cfg.Policy.RulesPath = expandPath(cfg.Policy.RulesPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if val := os.Getenv(name); val != "" {
			return val
		}
		return def
	})
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Sanitize returns a copy of the config with credentials masked, for
// display purposes.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	if out.Model.APIKey != "" {
		out.Model.APIKey = "***"
	}
	return &out
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if cfg.Gateway.ClientID < 0 {
		errs = append(errs, "gateway.clientId must be >= 0")
	}
	if cfg.Gateway.MaxConcurrentReads < 1 {
		errs = append(errs, "gateway.maxConcurrentReads must be >= 1")
	}
	if cfg.Model.Model == "" {
		errs = append(errs, "model.model must be set")
	}
	switch cfg.Policy.DefaultPolicy {
	case "allow", "deny", "confirm":
	default:
		errs = append(errs, "policy.defaultPolicy must be one of: allow, deny, confirm")
	}
	if cfg.Policy.ConfirmNotionalAbove < 0 {
		errs = append(errs, "policy.confirmNotionalAbove must be >= 0")
	}
	if cfg.Policy.PriceBandPct < 0 {
		errs = append(errs, "policy.priceBandPct must be >= 0")
	}
	if cfg.Memory.Enabled && cfg.Memory.MaxHistoryPerConversation < 1 {
		errs = append(errs, "memory.maxHistoryPerConversation must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
