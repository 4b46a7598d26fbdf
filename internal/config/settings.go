package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by tablemigrate.
const EnvPrefix = "TABLEMIGRATE"

// Setting keys shared by flags, environment and settings files.
const (
	KeySource      = "source"
	KeyTarget      = "target"
	KeyPolicy      = "policy"
	KeyConcurrency = "concurrency"
	KeyTimeout     = "timeout"
	KeyWorkDir     = "work-dir"
	KeyFormat      = "format"
)

// Defaults.
const (
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Minute
	DefaultFormat      = "table"
)

// Settings are the runtime options of a command.
type Settings struct {
	Source      string
	Target      string
	Policy      string
	Concurrency int
	Timeout     time.Duration
	WorkDir     string
	Format      string
}

// NewViper returns a viper instance reading TABLEMIGRATE_* variables, with
// defaults applied. Dashes in keys become underscores in variable names.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyConcurrency, DefaultConcurrency)
	v.SetDefault(KeyTimeout, DefaultTimeout)
	v.SetDefault(KeyFormat, DefaultFormat)
	return v
}

// LoadEnvFile loads variables from a dotenv file. A missing file is not an
// error; variables already set in the environment win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ReadSettingsFile merges a settings file (any format viper understands)
// into v.
func ReadSettingsFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading settings file %s: %w", path, err)
	}
	return nil
}

// LoadSettings reads the settings from v.
func LoadSettings(v *viper.Viper) (Settings, error) {
	s := Settings{
		Source:      v.GetString(KeySource),
		Target:      v.GetString(KeyTarget),
		Policy:      v.GetString(KeyPolicy),
		Concurrency: v.GetInt(KeyConcurrency),
		Timeout:     v.GetDuration(KeyTimeout),
		WorkDir:     v.GetString(KeyWorkDir),
		Format:      v.GetString(KeyFormat),
	}
	if s.Concurrency < 1 {
		return Settings{}, fmt.Errorf("%s must be at least 1, got %d", KeyConcurrency, s.Concurrency)
	}
	if s.Timeout < 0 {
		return Settings{}, fmt.Errorf("%s must not be negative, got %s", KeyTimeout, s.Timeout)
	}
	switch s.Format {
	case "table", "json", "yaml":
	default:
		return Settings{}, fmt.Errorf("%s must be one of table, json, yaml; got %q", KeyFormat, s.Format)
	}
	return s, nil
}

// RequireSource returns an error when no source connection is configured.
func (s Settings) RequireSource() error {
	if s.Source == "" {
		return fmt.Errorf("%s is required (flag --%s or %s_SOURCE)", KeySource, KeySource, EnvPrefix)
	}
	return nil
}

// RequireTarget returns an error when no target connection is configured.
func (s Settings) RequireTarget() error {
	if s.Target == "" {
		return fmt.Errorf("%s is required (flag --%s or %s_TARGET)", KeyTarget, KeyTarget, EnvPrefix)
	}
	return nil
}
