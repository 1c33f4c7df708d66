// Package config loads the gateway configuration from defaults, an optional
// YAML file and OGW_-prefixed environment variables, in that precedence
// order. The configuration is fixed at process start; nothing here is
// runtime-mutable.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "OGW"

// Config is the full configuration surface of the gateway binary.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	Origin  OriginConfig  `koanf:"origin"`
	Shell   ShellConfig   `koanf:"shell"`
	Policy  PolicyConfig  `koanf:"policy"`
	Store   StoreConfig   `koanf:"store"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig tells the HTTP listener where to bind.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// OriginConfig points the gateway at the application origin.
type OriginConfig struct {
	// URL of the origin server. Origins with paths are not supported.
	URL string `koanf:"url"`
	// Hostname override for HTTP requests and TLS negotiation.
	Host string `koanf:"host"`
	// Cap on a single origin fetch.
	TimeoutSeconds int `koanf:"timeoutSeconds"`
}

// ShellConfig describes the deployment the gateway serves.
type ShellConfig struct {
	// Version of the deployment, determines the generation names.
	Version string `koanf:"version"`
	// Paths stored in the shell generation at install time.
	Manifest []string `koanf:"manifest"`
	// Path of the application root document.
	RootDocument string `koanf:"rootDocument"`
	// Path of the offline fallback document, empty disables the tier.
	OfflineDocument string `koanf:"offlineDocument"`
}

// PolicyConfig tunes request classification.
type PolicyConfig struct {
	// Hostnames always passed through untouched.
	BypassOrigins []string `koanf:"bypassOrigins"`
	// Resource kinds treated as static assets.
	StaticKinds []string `koanf:"staticKinds"`
}

// StoreConfig selects and configures the generation store backend.
type StoreConfig struct {
	// One of "sqlite", "memory" or "valkey".
	Backend string            `koanf:"backend"`
	SQLite  SQLiteStoreConfig `koanf:"sqlite"`
	Valkey  ValkeyStoreConfig `koanf:"valkey"`
}

type SQLiteStoreConfig struct {
	// Database file, "memory" for an in-memory database.
	File string `koanf:"file"`
}

type ValkeyStoreConfig struct {
	Address  string `koanf:"address"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// LoggingConfig expresses log level and optional log file.
type LoggingConfig struct {
	Level string `koanf:"level"`
	File  string `koanf:"file"`
}

// DefaultConfig returns the baseline values used when neither the file nor
// the environment overrides them.
func DefaultConfig() Config {
	return Config{
		Listen: ListenConfig{
			Address: "0.0.0.0",
			Port:    8080,
		},
		Origin: OriginConfig{
			TimeoutSeconds: 30,
		},
		Shell: ShellConfig{
			Version:      "v1",
			RootDocument: "/",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			SQLite:  SQLiteStoreConfig{File: "cache.db"},
		},
		Logging: LoggingConfig{
			Level: "debug",
		},
	}
}

// Load assembles the effective configuration with overrides > env > file >
// default precedence and validates the result. Overrides are koanf paths
// like "listen.port", typically built from CLI flags.
func Load(path string, overrides map[string]any) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return Config{}, fmt.Errorf("config: load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envTransform maps OGW_STORE__VALKEY__ADDRESS style variables onto koanf
// paths. Double underscores signal nesting, camel-cased keys are restored
// from the canonical table.
func envTransform(s string) string {
	canonical := map[string]string{
		"origin.timeoutseconds": "origin.timeoutSeconds",
		"shell.rootdocument":    "shell.rootDocument",
		"shell.offlinedocument": "shell.offlineDocument",
		"policy.bypassorigins":  "policy.bypassOrigins",
		"policy.statickinds":    "policy.staticKinds",
	}
	key := strings.TrimPrefix(s, envPrefix+"_")
	key = strings.ReplaceAll(key, "__", ".")
	lower := strings.ToLower(key)
	if mapped, ok := canonical[lower]; ok {
		return mapped
	}
	return lower
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Listen.Port)
	}
	if strings.TrimSpace(c.Origin.URL) == "" {
		return errors.New("config: origin.url required")
	}
	u, err := url.Parse(c.Origin.URL)
	if err != nil {
		return fmt.Errorf("config: origin.url invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: origin.url scheme unsupported: %s", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("config: origin.url must not have a path: %s", u.Path)
	}
	if c.Origin.TimeoutSeconds < 0 {
		return fmt.Errorf("config: origin.timeoutSeconds invalid: %d", c.Origin.TimeoutSeconds)
	}
	if strings.TrimSpace(c.Shell.Version) == "" {
		return errors.New("config: shell.version required")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Store.Backend))
	switch backend {
	case "", "memory", "sqlite":
	case "valkey":
		if strings.TrimSpace(c.Store.Valkey.Address) == "" {
			return errors.New("config: store.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: store.backend unsupported: %s", c.Store.Backend)
	}
	return nil
}

// OriginURL returns the parsed origin URL. Call Validate first.
func (c *Config) OriginURL() (url.URL, error) {
	u, err := url.Parse(c.Origin.URL)
	if err != nil {
		return url.URL{}, fmt.Errorf("config: origin.url invalid: %w", err)
	}
	return *u, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap
// provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"listen": map[string]any{
			"address": cfg.Listen.Address,
			"port":    cfg.Listen.Port,
		},
		"origin": map[string]any{
			"url":            cfg.Origin.URL,
			"host":           cfg.Origin.Host,
			"timeoutSeconds": cfg.Origin.TimeoutSeconds,
		},
		"shell": map[string]any{
			"version":         cfg.Shell.Version,
			"manifest":        cfg.Shell.Manifest,
			"rootDocument":    cfg.Shell.RootDocument,
			"offlineDocument": cfg.Shell.OfflineDocument,
		},
		"policy": map[string]any{
			"bypassOrigins": cfg.Policy.BypassOrigins,
			"staticKinds":   cfg.Policy.StaticKinds,
		},
		"store": map[string]any{
			"backend": cfg.Store.Backend,
			"sqlite": map[string]any{
				"file": cfg.Store.SQLite.File,
			},
			"valkey": map[string]any{
				"address":  cfg.Store.Valkey.Address,
				"username": cfg.Store.Valkey.Username,
				"password": cfg.Store.Valkey.Password,
				"db":       cfg.Store.Valkey.DB,
			},
		},
		"logging": map[string]any{
			"level": cfg.Logging.Level,
			"file":  cfg.Logging.File,
		},
	}
}
