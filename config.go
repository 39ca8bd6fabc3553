package apishim

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "yaml"
	envPrefix  = "APISHIM"
)

// ErrInvalidMatchType is returned for scope rules that match on anything other than "host" or "url"
var ErrInvalidMatchType = errors.New("match type must be host or url")

// ScopeRule is a journal filter as it is stored in the configuration file
type ScopeRule struct {
	Pattern string `mapstructure:"pattern"` // Regular expression
	Match   string `mapstructure:"match"`   // "host" or "url"
}

// JournalConfig controls which exchanges end up in the journal
type JournalConfig struct {
	DefaultAllow bool        `mapstructure:"default_allow"` // Journal exchanges that match no rule
	Include      []ScopeRule `mapstructure:"include"`
	Exclude      []ScopeRule `mapstructure:"exclude"`
}

// Config is the apishim configuration, read from config.yaml in the config dir.
// Every key can be overridden with an APISHIM_ prefixed environment variable.
type Config struct {
	viper             *viper.Viper
	ConfigDir         string        `mapstructure:"config_dir"`          // Current config dir
	APIBaseURL        string        `mapstructure:"api_base_url"`        // Runtime override of the API base URL
	EnvFile           string        `mapstructure:"env_file"`            // .env file of the build environment
	PageHost          string        `mapstructure:"page_host"`           // Host the client application is served from
	ProductionBaseURL string        `mapstructure:"production_base_url"` // Used when PageHost is not loopback
	LocalBaseURL      string        `mapstructure:"local_base_url"`      // Last resort
	APIPrefix         string        `mapstructure:"api_prefix"`
	LegacyHosts       []string      `mapstructure:"legacy_hosts"`
	LegacyPorts       []string      `mapstructure:"legacy_ports"`
	ListenAddress     string        `mapstructure:"listen_address"`
	ListenPort        string        `mapstructure:"listen_port"`
	InsecureUpstream  bool          `mapstructure:"insecure_upstream"` // Skip certificate verification upstream
	JournalFile       string        `mapstructure:"journal_file"`      // Relative paths are resolved against ConfigDir
	Journal           JournalConfig `mapstructure:"journal"`
	ChromePaths       []ChromePath  `mapstructure:"chrome_paths"` // Checked after the usual install locations
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_base_url", "")
	v.SetDefault("env_file", ".env")
	v.SetDefault("page_host", "localhost")
	v.SetDefault("production_base_url", DefaultProductionBaseURL)
	v.SetDefault("local_base_url", DefaultLocalBaseURL)
	v.SetDefault("api_prefix", DefaultAPIPrefix)
	v.SetDefault("legacy_hosts", DefaultLegacyHosts)
	v.SetDefault("legacy_ports", DefaultLegacyPorts)
	v.SetDefault("listen_address", "127.0.0.1")
	v.SetDefault("listen_port", "8080")
	v.SetDefault("insecure_upstream", false)
	v.SetDefault("journal_file", "journal.db")
	v.SetDefault("journal.default_allow", true)
	v.SetDefault("journal.include", []ScopeRule{})
	v.SetDefault("journal.exclude", []ScopeRule{})
	v.SetDefault("chrome_paths", []ChromePath{})
}

// DefaultConfigDir returns the apishim folder under the user configuration directory
func DefaultConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("getting user config dir : %w", err)
	}
	return filepath.Join(dir, "apishim"), nil
}

// LoadConfig reads config.yaml from dir into a Config, creating the directory and a file
// holding the defaults on first run. Flags bound to v before the call take precedence over the file.
// A nil v gets a fresh viper instance.
func LoadConfig(v *viper.Viper, dir string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating config dir %s : %w", dir, err)
	}

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(dir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file : %w", err)
		}

		// Written from a separate instance so overrides from flags and env never end up in the file
		defaults := viper.New()
		defaults.SetConfigType(configType)
		setDefaults(defaults)
		if err := defaults.SafeWriteConfigAs(filepath.Join(dir, configName+"."+configType)); err != nil {
			return nil, fmt.Errorf("writing config file : %w", err)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file : %w", err)
		}
	}

	cfg := &Config{viper: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	cfg.ConfigDir = dir
	return cfg, nil
}

// Rules returns the rewrite rules for baseURL
func (cfg *Config) Rules(baseURL string) Rules {
	return Rules{
		BaseURL:     baseURL,
		APIPrefix:   cfg.APIPrefix,
		LegacyHosts: cfg.LegacyHosts,
		LegacyPorts: cfg.LegacyPorts,
	}
}

// ListenAddr returns the address:port the dev proxy listens on
func (cfg *Config) ListenAddr() string {
	return net.JoinHostPort(cfg.ListenAddress, cfg.ListenPort)
}

// JournalPath returns the location of the journal database
func (cfg *Config) JournalPath() string {
	if cfg.JournalFile == "" || filepath.IsAbs(cfg.JournalFile) {
		return cfg.JournalFile
	}
	return filepath.Join(cfg.ConfigDir, cfg.JournalFile)
}

// Scope compiles the journal rules into a Scope
func (cfg *Config) Scope() (*Scope, error) {
	scope := NewScope(cfg.Journal.DefaultAllow)
	for _, rule := range cfg.Journal.Include {
		if err := scope.AddRule(rule.Pattern, rule.Match, false); err != nil {
			return nil, fmt.Errorf("adding include rule %q : %w", rule.Pattern, err)
		}
	}
	for _, rule := range cfg.Journal.Exclude {
		if err := scope.AddRule(rule.Pattern, rule.Match, true); err != nil {
			return nil, fmt.Errorf("adding exclude rule %q : %w", rule.Pattern, err)
		}
	}
	return scope, nil
}

// AddScopeRule appends a journal rule and saves the configuration file
func (cfg *Config) AddScopeRule(pattern, match string, exclude bool) error {
	rule := ScopeRule{Pattern: pattern, Match: strings.ToLower(match)}
	if rule.Match != matchHost && rule.Match != matchURL {
		return fmt.Errorf("%w : %q", ErrInvalidMatchType, match)
	}
	if _, err := compileRule(rule.Pattern); err != nil {
		return err
	}

	if exclude {
		if slices.Contains(cfg.Journal.Exclude, rule) {
			return fmt.Errorf("rule already exists in exclude list")
		}
		return cfg.saveRules("journal.exclude", append(cfg.Journal.Exclude, rule))
	}
	if slices.Contains(cfg.Journal.Include, rule) {
		return fmt.Errorf("rule already exists in include list")
	}
	return cfg.saveRules("journal.include", append(cfg.Journal.Include, rule))
}

// DeleteScopeRule removes a journal rule and saves the configuration file
func (cfg *Config) DeleteScopeRule(pattern, match string, exclude bool) error {
	rule := ScopeRule{Pattern: pattern, Match: strings.ToLower(match)}
	key, rules := "journal.include", cfg.Journal.Include
	if exclude {
		key, rules = "journal.exclude", cfg.Journal.Exclude
	}
	if !slices.Contains(rules, rule) {
		return fmt.Errorf("rule not found in %s", key)
	}
	return cfg.saveRules(key, slices.DeleteFunc(slices.Clone(rules), func(r ScopeRule) bool {
		return r == rule
	}))
}

func (cfg *Config) saveRules(key string, rules []ScopeRule) error {
	if cfg.viper == nil {
		return errors.New("config was not loaded from a file")
	}
	values := make([]map[string]string, 0, len(rules))
	for _, rule := range rules {
		values = append(values, map[string]string{"pattern": rule.Pattern, "match": rule.Match})
	}
	cfg.viper.Set(key, values)
	if err := cfg.viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	// Unmarshal into a fresh struct, decoding over the old one keeps stale slice entries
	fresh := &Config{viper: cfg.viper}
	if err := cfg.viper.Unmarshal(fresh); err != nil {
		return fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	fresh.ConfigDir = cfg.ConfigDir
	*cfg = *fresh
	return nil
}
