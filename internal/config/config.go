// Package config loads and validates the server configuration from
// environment variables (FHIR_ prefix) and an optional YAML file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// FHIR versions the server can announce.
const (
	VersionR4  = "R4"
	VersionR4B = "R4B"
	VersionR5  = "R5"
)

type Config struct {
	ControllerName string `mapstructure:"controller-name"`
	BaseURL        string `mapstructure:"base-url"`
	FHIRVersion    string `mapstructure:"fhir-version"`

	SupportedFormats []string `mapstructure:"supported-formats"`

	MaxSubscriptionExpirationMinutes int `mapstructure:"max-subscription-expiration-minutes"`
	MaxResourceCount                 int `mapstructure:"max-resource-count"`

	AllowCreateAsUpdate  bool `mapstructure:"allow-create-as-update"`
	AllowExistingID      bool `mapstructure:"allow-existing-id"`
	SupportNotChanged    bool `mapstructure:"support-not-changed"`
	ProtectLoadedContent bool `mapstructure:"protect-loaded-content"`

	SMARTRequired   bool   `mapstructure:"smart-required"`
	SMARTAllowed    bool   `mapstructure:"smart-allowed"`
	SMARTSigningKey string `mapstructure:"smart-signing-key"`

	LoadDirectory string `mapstructure:"load-directory"`

	Port        string   `mapstructure:"port"`
	Env         string   `mapstructure:"env"`
	LogLevel    string   `mapstructure:"log-level"`
	CORSOrigins []string `mapstructure:"cors-origins"`
}

// keys lists every recognized option so env binding stays explicit.
var keys = []string{
	"controller-name", "base-url", "fhir-version", "supported-formats",
	"max-subscription-expiration-minutes", "max-resource-count",
	"allow-create-as-update", "allow-existing-id", "support-not-changed",
	"protect-loaded-content", "smart-required", "smart-allowed",
	"smart-signing-key", "load-directory", "port", "env", "log-level",
	"cors-origins",
}

// Load reads configuration from the environment and, when file is
// non-empty, a YAML config file. Missing files are not an error; the
// environment always wins.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FHIR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("fhir-version", VersionR4B)
	v.SetDefault("supported-formats", []string{"json"})
	v.SetDefault("max-subscription-expiration-minutes", 60)
	v.SetDefault("max-resource-count", 0)
	v.SetDefault("allow-create-as-update", true)
	v.SetDefault("allow-existing-id", false)
	v.SetDefault("support-not-changed", true)
	v.SetDefault("protect-loaded-content", false)
	v.SetDefault("smart-required", false)
	v.SetDefault("smart-allowed", false)
	v.SetDefault("port", "8000")
	v.SetDefault("env", "development")
	v.SetDefault("log-level", "info")
	v.SetDefault("cors-origins", []string{"*"})

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated list values arrive as one string through the env.
	cfg.SupportedFormats = splitSingle(cfg.SupportedFormats)
	cfg.CORSOrigins = splitSingle(cfg.CORSOrigins)

	return cfg, nil
}

func splitSingle(list []string) []string {
	if len(list) != 1 || !strings.Contains(list[0], ",") {
		return list
	}
	parts := strings.Split(list[0], ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// SupportsFormat reports whether a wire format is enabled.
func (c *Config) SupportsFormat(format string) bool {
	for _, f := range c.SupportedFormats {
		if f == format {
			return true
		}
	}
	return false
}

// Validate fails fast on configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.ControllerName == "" {
		return fmt.Errorf("controller-name is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	switch c.FHIRVersion {
	case VersionR4, VersionR4B, VersionR5:
	default:
		return fmt.Errorf("fhir-version must be R4, R4B, or R5, got %q", c.FHIRVersion)
	}
	if len(c.SupportedFormats) == 0 {
		return fmt.Errorf("supported-formats must list at least one format")
	}
	for _, f := range c.SupportedFormats {
		if f != "json" && f != "xml" {
			return fmt.Errorf("unsupported format %q (json and xml are recognized)", f)
		}
	}
	if c.MaxResourceCount < 0 {
		return fmt.Errorf("max-resource-count must not be negative")
	}
	if c.MaxSubscriptionExpirationMinutes < 0 {
		return fmt.Errorf("max-subscription-expiration-minutes must not be negative")
	}
	if c.SMARTRequired && !c.SMARTAllowed {
		return fmt.Errorf("smart-required needs smart-allowed")
	}
	return nil
}
