package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/analysis"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/state"
)

// EnvPrefix prefixes every environment override, e.g. EVOLVE_STORE_MAX_HISTORY.
const EnvPrefix = "EVOLVE_"

// Formatter modes.
const (
	FormatterNone   = "none"
	FormatterLocal  = "local"
	FormatterRemote = "remote"
)

// #region config-types
// Config is the full runtime configuration.
type Config struct {
	Log          logging.Config     `yaml:"log" envPrefix:"LOG_"`
	Store        StoreConfig        `yaml:"store" envPrefix:"STORE_"`
	Analysis     AnalysisConfig     `yaml:"analysis" envPrefix:"ANALYSIS_"`
	Regeneration RegenerationConfig `yaml:"regeneration" envPrefix:"REGEN_"`
	Formatter    FormatterConfig    `yaml:"formatter" envPrefix:"FORMATTER_"`
	Archive      ArchiveConfig      `yaml:"archive" envPrefix:"ARCHIVE_"`
}

// StoreConfig is the retention config for every registered domain. Zero
// MaxHistory keeps everything.
type StoreConfig struct {
	MaxHistory   int  `yaml:"max_history" env:"MAX_HISTORY"`
	AutoSnapshot bool `yaml:"auto_snapshot" env:"AUTO_SNAPSHOT"`
}

type AnalysisConfig struct {
	BufferSize   int `yaml:"buffer_size" env:"BUFFER_SIZE"`
	AnalyzeEvery int `yaml:"analyze_every" env:"ANALYZE_EVERY"`
}

// RegenerationConfig picks the regeneration policy. A non-empty Expression
// takes precedence over Every.
type RegenerationConfig struct {
	Every      int    `yaml:"every" env:"EVERY"`
	Expression string `yaml:"expression" env:"EXPRESSION"`
}

type FormatterConfig struct {
	Mode    string        `yaml:"mode" env:"MODE"`
	Addr    string        `yaml:"addr" env:"ADDR"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ArchiveConfig enables the SQLite archive when Path is set.
type ArchiveConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// #endregion config-types

// #region defaults
// Default returns the built-in configuration.
func Default() Config {
	a := analysis.DefaultConfig()
	return Config{
		Log:          logging.Config{Level: "info"},
		Analysis:     AnalysisConfig{BufferSize: a.BufferSize, AnalyzeEvery: a.AnalyzeEvery},
		Regeneration: RegenerationConfig{Every: evolution.DefaultRegenerateEvery},
		Formatter:    FormatterConfig{Mode: FormatterLocal, Timeout: 2 * time.Second},
	}
}

// #endregion defaults

// #region load
// Load applies, in order: defaults, the YAML file at path (skipped when path
// is empty), then EVOLVE_* environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// #endregion load

// #region validate
// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Store.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("store.max_history must be >= 0, got %d", c.Store.MaxHistory))
	}
	if c.Analysis.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("analysis.buffer_size must be >= 0, got %d", c.Analysis.BufferSize))
	}
	if c.Analysis.AnalyzeEvery < 0 {
		errs = append(errs, fmt.Errorf("analysis.analyze_every must be >= 0, got %d", c.Analysis.AnalyzeEvery))
	}
	if c.Regeneration.Every < 0 {
		errs = append(errs, fmt.Errorf("regeneration.every must be >= 0, got %d", c.Regeneration.Every))
	}
	if c.Regeneration.Expression != "" {
		if _, err := evolution.NewExprPolicy(c.Regeneration.Expression); err != nil {
			errs = append(errs, fmt.Errorf("regeneration.expression: %w", err))
		}
	}
	switch c.Formatter.Mode {
	case FormatterNone, FormatterLocal:
	case FormatterRemote:
		if c.Formatter.Addr == "" {
			errs = append(errs, errors.New("formatter.addr is required in remote mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("formatter.mode %q is not one of none, local, remote", c.Formatter.Mode))
	}
	if c.Formatter.Timeout < 0 {
		errs = append(errs, fmt.Errorf("formatter.timeout must be >= 0, got %s", c.Formatter.Timeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// #endregion validate

// #region conversions
// StoreConfig converts the store block for evolution.WithStoreConfig.
func (c Config) StoreConfig() state.Config {
	return state.Config{MaxHistory: c.Store.MaxHistory, AutoSnapshot: c.Store.AutoSnapshot}
}

// AnalysisConfig converts the analysis block for analysis.NewEngine.
func (c Config) AnalysisConfig() analysis.Config {
	return analysis.Config{BufferSize: c.Analysis.BufferSize, AnalyzeEvery: c.Analysis.AnalyzeEvery}
}

// Policy builds the configured regeneration policy.
func (c Config) Policy() (evolution.Policy, error) {
	if c.Regeneration.Expression != "" {
		return evolution.NewExprPolicy(c.Regeneration.Expression)
	}
	return evolution.EveryN(c.Regeneration.Every), nil
}

// #endregion conversions
