// Package config loads the agent configuration from the INI file at
// $HOME/.pennsieve/config.ini. The file carries a [global] section
// naming the default profile, an [agent] section with worker settings,
// and one section per credential profile. Environment variables may
// inject an ad-hoc profile that overrides the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/ini.v1"

	"github.com/pennsieve/agent/internal/bytesize"
)

// envProfileName is the synthetic profile injected from environment
// variables. It always overrides the configured default.
const envProfileName = "environment"

// Config is the resolved agent configuration.
type Config struct {
	Global   GlobalConfig       `mapstructure:"global"`
	Agent    AgentConfig        `mapstructure:"agent"`
	Profiles map[string]Profile `mapstructure:"-"`

	// useEnvProfile is set when credentials came from the environment.
	useEnvProfile bool
}

// GlobalConfig is the [global] section.
type GlobalConfig struct {
	DefaultProfile string `mapstructure:"default_profile"`
}

// AgentConfig is the [agent] section. Every worker can be switched off
// individually; all default to on.
type AgentConfig struct {
	CacheBasePath string            `mapstructure:"cache_base_path"`
	CachePageSize int64             `mapstructure:"cache_page_size" validate:"gt=0"`
	CacheSoftSize bytesize.ByteSize `mapstructure:"cache_soft_cache_size" validate:"gt=0"`
	CacheHardSize bytesize.ByteSize `mapstructure:"cache_hard_cache_size" validate:"gt=0,gtefield=CacheSoftSize"`

	Proxy          bool `mapstructure:"proxy"`
	ProxyLocalPort int  `mapstructure:"proxy_local_port" validate:"min=1,max=65535"`

	Timeseries          bool `mapstructure:"timeseries"`
	TimeseriesLocalPort int  `mapstructure:"timeseries_local_port" validate:"min=1,max=65535"`

	Uploader bool `mapstructure:"uploader"`
	Metrics  bool `mapstructure:"metrics"`

	StatusPort int `mapstructure:"status_port" validate:"min=1,max=65535"`
}

// Profile is one credential section of the config file, or the
// environment-injected profile.
type Profile struct {
	Name        string `mapstructure:"-"`
	APIToken    string `mapstructure:"api_token"`
	APISecret   string `mapstructure:"api_secret"`
	Environment string `mapstructure:"environment"`
}

// BaseDir returns the agent's home directory, $HOME/.pennsieve.
func BaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pennsieve"
	}
	return filepath.Join(home, ".pennsieve")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(BaseDir(), "config.ini")
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(BaseDir(), "agent.db")
}

// CachePath returns the page cache base directory, honoring the
// cache_base_path override.
func (c *Config) CachePath() string {
	if c.Agent.CacheBasePath != "" {
		return c.Agent.CacheBasePath
	}
	return filepath.Join(BaseDir(), "cache")
}

// Load reads the config file at path (DefaultConfigPath when empty),
// folds in environment credentials, applies defaults, and validates.
// A missing file is an error only when the environment supplies no
// profile either.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := &Config{Profiles: make(map[string]Profile)}
	ApplyDefaults(cfg)

	file, err := ini.Load(path)
	switch {
	case err == nil:
		if err := decodeSections(file, cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		if envProfile() == nil {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if p := envProfile(); p != nil {
		cfg.Profiles[envProfileName] = *p
		cfg.useEnvProfile = true
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeSections maps the parsed INI file onto the Config. Any section
// other than [global] and [agent] is a credential profile.
func decodeSections(file *ini.File, cfg *Config) error {
	if err := decode(sectionValues(file, "global"), &cfg.Global); err != nil {
		return fmt.Errorf("invalid [global] section: %w", err)
	}
	if err := decode(sectionValues(file, "agent"), &cfg.Agent); err != nil {
		return fmt.Errorf("invalid [agent] section: %w", err)
	}

	for _, section := range file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || name == "global" || name == "agent" {
			continue
		}
		var p Profile
		if err := decode(section.KeysHash(), &p); err != nil {
			return fmt.Errorf("invalid profile section [%s]: %w", name, err)
		}
		p.Name = name
		cfg.Profiles[name] = p
	}
	return nil
}

func sectionValues(file *ini.File, name string) map[string]string {
	section, err := file.GetSection(name)
	if err != nil {
		return nil
	}
	return section.KeysHash()
}

// decode unmarshals one section map, converting human-readable sizes.
// Keys absent from the map keep the values already in out, so defaults
// survive partial sections.
func decode(values map[string]string, out any) error {
	if len(values) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       byteSizeDecodeHook(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(values)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		if s, ok := data.(string); ok {
			return bytesize.ParseByteSize(s)
		}
		return data, nil
	}
}

// envProfile builds the environment-injected profile, or nil when the
// environment carries no credentials. Both the current and the legacy
// variable names are accepted.
func envProfile() *Profile {
	token := firstEnv("PENNSIEVE_API_TOKEN", "PENNSIEVE_API_KEY")
	secret := firstEnv("PENNSIEVE_API_SECRET", "PENNSIEVE_SECRET_KEY")
	if token == "" || secret == "" {
		return nil
	}
	return &Profile{
		Name:        envProfileName,
		APIToken:    token,
		APISecret:   secret,
		Environment: strings.ToLower(os.Getenv("PENNSIEVE_API_ENVIRONMENT")),
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// ActiveProfile resolves the profile to use for platform calls: the
// environment profile when present, otherwise the [global] default.
func (c *Config) ActiveProfile() (*Profile, error) {
	if c.useEnvProfile {
		p := c.Profiles[envProfileName]
		return &p, nil
	}

	name := c.Global.DefaultProfile
	if name == "" {
		return nil, fmt.Errorf("%w: no default_profile in [global]", ErrMissingProfile)
	}
	p, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingProfile, name)
	}
	if p.APIToken == "" || p.APISecret == "" {
		return nil, fmt.Errorf("%w: profile %q needs api_token and api_secret",
			ErrMissingConfigValue, name)
	}
	return &p, nil
}

// Validate checks the [agent] section against its constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(&cfg.Agent); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
