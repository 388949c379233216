package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/engram/internal/compiler"
	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/executor"
	"github.com/lazypower/engram/internal/introspect"
	"github.com/lazypower/engram/internal/logging"
	"github.com/lazypower/engram/internal/memory"
)

// EnvDatabase overrides Database.Path when set.
const EnvDatabase = "ENGRAM_DB"

// Config holds all engram configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Memory     MemoryConfig     `yaml:"memory"`
	Compiler   CompilerConfig   `yaml:"compiler"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Introspect IntrospectConfig `yaml:"introspect"`
	Decay      DecayConfig      `yaml:"decay"`
	Log        logging.Config   `yaml:"log"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type MemoryConfig struct {
	HopLimit      int                 `yaml:"hop_limit"`
	DecayUnit     time.Duration       `yaml:"decay_unit"`
	MinDecayRate  float64             `yaml:"min_decay_rate"`
	EdgeDecayRate float64             `yaml:"edge_decay_rate"`
	Weights       memory.ScoreWeights `yaml:"weights"`
}

type CompilerConfig struct {
	MaxGapAttempts int            `yaml:"max_gap_attempts"`
	Costs          compiler.Costs `yaml:"costs"`
	StrictBudget   bool           `yaml:"strict_budget"`
}

type ExecutorConfig struct {
	RelaxFactor           float64 `yaml:"relax_factor"`
	PlaceholderConfidence float64 `yaml:"placeholder_confidence"`
	MaxTrace              int     `yaml:"max_trace"`
	LearningRate          float64 `yaml:"learning_rate"`
}

type IntrospectConfig struct {
	HistoryCapacity int               `yaml:"history_capacity"`
	Fossilize       introspect.Config `yaml:"fossilize"`
}

type DecayConfig struct {
	Policy   engine.DecayPolicy `yaml:"policy"` // manual, on_load, interval
	Interval time.Duration      `yaml:"interval"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	mem := memory.DefaultOptions()
	comp := compiler.DefaultOptions()
	exec := executor.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultPath()
		},
		Memory: MemoryConfig{
			HopLimit:      mem.HopLimit,
			DecayUnit:     mem.DecayUnit,
			MinDecayRate:  mem.MinDecayRate,
			EdgeDecayRate: mem.EdgeDecayRate,
			Weights:       mem.Weights,
		},
		Compiler: CompilerConfig{
			MaxGapAttempts: comp.MaxGapAttempts,
			Costs:          comp.Costs,
		},
		Executor: ExecutorConfig{
			RelaxFactor:           exec.RelaxFactor,
			PlaceholderConfidence: exec.PlaceholderConfidence,
			MaxTrace:              exec.MaxTrace,
			LearningRate:          exec.LearningRate,
		},
		Introspect: IntrospectConfig{
			HistoryCapacity: introspect.DefaultCapacity,
			Fossilize:       introspect.DefaultConfig(),
		},
		Decay: DecayConfig{
			Policy:   engine.DecayManual,
			Interval: 24 * time.Hour,
		},
		Log: logging.Config{Level: "info"},
	}
}

// DefaultPath returns ~/.engram/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".engram", "config.yaml")
}

// Load reads path over Default. A missing file yields the defaults. Keys
// the file does not set keep their default values; unknown keys are an
// error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvDatabase); v != "" {
		cfg.Database.Path = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no component would accept.
func (c *Config) Validate() error {
	var problems []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !c.Decay.Policy.Valid() {
		problems = append(problems, fmt.Errorf("decay.policy %q is not one of manual, on_load, interval", c.Decay.Policy))
	}
	if c.Decay.Policy == engine.DecayInterval && c.Decay.Interval <= 0 {
		problems = append(problems, errors.New("decay.interval must be positive under the interval policy"))
	}
	if c.Memory.HopLimit < 0 {
		problems = append(problems, fmt.Errorf("memory.hop_limit %d is negative", c.Memory.HopLimit))
	}
	f := c.Introspect.Fossilize
	if f.MinPathLength < 0 || f.MaxPathLength < 0 {
		problems = append(problems, errors.New("introspect.fossilize path lengths must not be negative"))
	} else if f.MinPathLength > 0 && f.MaxPathLength > 0 && f.MaxPathLength < f.MinPathLength {
		problems = append(problems, fmt.Errorf("introspect.fossilize.max_path_length %d is below min_path_length %d", f.MaxPathLength, f.MinPathLength))
	}
	if f.TimeWindow < 0 {
		problems = append(problems, errors.New("introspect.fossilize.time_window must not be negative"))
	}
	if r := c.Executor.RelaxFactor; r < 0 || r > 1 {
		problems = append(problems, fmt.Errorf("executor.relax_factor %v outside [0,1]", r))
	}
	return errors.Join(problems...)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// MemoryOptions converts the memory section for memory.New.
func (c *Config) MemoryOptions() memory.Options {
	return memory.Options{
		HopLimit:      c.Memory.HopLimit,
		DecayUnit:     c.Memory.DecayUnit,
		MinDecayRate:  c.Memory.MinDecayRate,
		EdgeDecayRate: c.Memory.EdgeDecayRate,
		Weights:       c.Memory.Weights,
	}
}

// EngineOptions converts the compiler, executor, introspection and decay
// sections for engine.New. The logger and meter are left to the caller.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Compiler: compiler.Options{
			MaxGapAttempts: c.Compiler.MaxGapAttempts,
			Costs:          c.Compiler.Costs,
			StrictBudget:   c.Compiler.StrictBudget,
		},
		Executor: executor.Options{
			RelaxFactor:           c.Executor.RelaxFactor,
			PlaceholderConfidence: c.Executor.PlaceholderConfidence,
			MaxTrace:              c.Executor.MaxTrace,
			LearningRate:          c.Executor.LearningRate,
		},
		HistoryCapacity: c.Introspect.HistoryCapacity,
		Fossilize:       c.Introspect.Fossilize,
		DecayPolicy:     c.Decay.Policy,
		DecayInterval:   c.Decay.Interval,
	}
}
