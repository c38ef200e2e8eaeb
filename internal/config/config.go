package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Fuabioo/merge-gate/internal/policy"
	"github.com/Fuabioo/merge-gate/internal/structval"
)

// Config is the top-level merge-gate configuration.
type Config struct {
	Policies []PolicyEntry `yaml:"policies"`
	Audit    *AuditConfig  `yaml:"audit,omitempty"`
	Server   *ServerConfig `yaml:"server,omitempty"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Disabled  bool   `yaml:"disabled"` // default: false (audit enabled)
	DBPath    string `yaml:"db_path,omitempty"`
	Retention string `yaml:"retention,omitempty"` // e.g. "7d", "30d"
}

// ServerConfig controls the HTTP host started by `merge-gate serve`.
type ServerConfig struct {
	Address      string `yaml:"address,omitempty"`        // default ":8070"
	AuthToken    string `yaml:"auth_token,omitempty"`     // empty = no auth
	MaxBodyBytes int64  `yaml:"max_body_bytes,omitempty"` // default 1 MiB
}

// PolicyEntry declares one named merge policy. The canonical denied keys
// are always in force; denied_keys only adds to them.
type PolicyEntry struct {
	Name        string            `yaml:"name"`
	DeniedKeys  []string          `yaml:"denied_keys,omitempty"`
	AllowedKeys []string          `yaml:"allowed_keys,omitempty"`
	Schema      map[string]string `yaml:"schema,omitempty"` // field -> kind name
	MaxDepth    int               `yaml:"max_depth,omitempty"`
}

// Build compiles the entry into an immutable policy.
func (e PolicyEntry) Build() (*policy.Policy, error) {
	opts := policy.Options{
		DeniedKeys:  e.DeniedKeys,
		AllowedKeys: e.AllowedKeys,
		MaxDepth:    e.MaxDepth,
	}
	if len(e.Schema) > 0 {
		opts.FieldSchema = make(map[string]structval.Kind, len(e.Schema))
		for field, kindName := range e.Schema {
			kind, err := structval.ParseKind(kindName)
			if err != nil {
				return nil, fmt.Errorf("config: policy %q, field %q: %w", e.Name, field, err)
			}
			opts.FieldSchema[field] = kind
		}
	}
	p, err := policy.New(opts)
	if err != nil {
		return nil, fmt.Errorf("config: policy %q: %w", e.Name, err)
	}
	return p, nil
}

// Load searches for the config file in standard locations and parses it.
// Search order: $MERGE_GATE_CONFIG → $XDG_CONFIG_HOME/merge-gate/config.yaml
// → ~/.config/merge-gate/config.yaml.
// Returns zero-value Config if no file is found. Returns error if the file
// exists but contains invalid YAML.
func Load() (Config, error) {
	path, err := findConfigPath()
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		return Config{}, nil
	}
	return LoadFrom(path)
}

// LoadFrom parses a config from the given file path.
func LoadFrom(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(cfg.Policies))
	for _, e := range cfg.Policies {
		if e.Name == "" {
			return Config{}, fmt.Errorf("config: %s: policy with empty name", path)
		}
		if _, dup := seen[e.Name]; dup {
			return Config{}, fmt.Errorf("config: %s: duplicate policy %q", path, e.Name)
		}
		seen[e.Name] = struct{}{}
	}

	return cfg, nil
}

// Resolve returns the policy entry with the given name. An empty name
// resolves to the entry named "default" when one exists, otherwise to a
// bare entry that carries only the canonical deny-list.
func (c Config) Resolve(name string) (PolicyEntry, bool) {
	lookup := name
	if lookup == "" {
		lookup = "default"
	}
	for _, e := range c.Policies {
		if e.Name == lookup {
			return e, true
		}
	}
	if name == "" {
		return PolicyEntry{Name: "default"}, true
	}
	return PolicyEntry{}, false
}

// ParseRetention parses a retention duration. Accepts Go duration syntax
// plus a day suffix ("7d", "30d").
func ParseRetention(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("config: invalid retention %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid retention %q", s)
	}
	return d, nil
}

// findConfigPath returns the path to the first config file found,
// or empty string if none exists.
func findConfigPath() (string, error) {
	// 1. Explicit env var.
	if p := os.Getenv("MERGE_GATE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("config: $MERGE_GATE_CONFIG points to %s which does not exist", p)
			}
			return "", fmt.Errorf("config: stat %s: %w", p, err)
		}
		return p, nil
	}

	// 2. XDG_CONFIG_HOME.
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		p := filepath.Join(xdg, "merge-gate", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	// 3. Default ~/.config.
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil // Can't determine home, treat as no config.
	}
	p := filepath.Join(home, ".config", "merge-gate", "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}

	return "", nil
}
