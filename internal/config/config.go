package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Runner    RunnerConfig    `toml:"runner"`
	Store     StoreConfig     `toml:"store"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
}

type PipelineConfig struct {
	MinEpisodes    int    `toml:"min_episodes"`
	Concurrency    int    `toml:"n_concurrent"`
	MaxIterations  *int   `toml:"max_iterations"`
	DatasetName    string `toml:"dataset_name"`
	DatasetVersion string `toml:"dataset_version"`
	TaskFolder     string `toml:"task_folder"`
	RunsDir        string `toml:"runs_dir"`
	UnitTimeoutSec int    `toml:"unit_timeout_sec"`
	// Mode selects the round k >= 1 producer: "replay" or "fresh".
	Mode string `toml:"mode"`
	// SeedStrategy selects the replay seed: "longest-failed" or "latest-failed".
	SeedStrategy string `toml:"seed_strategy"`
}

type RunnerConfig struct {
	Command                 []string `toml:"command"`
	Agent                   string   `toml:"agent"`
	ReplayAgentImportPath   string   `toml:"replay_agent_import_path"`
	GlobalTimeoutMultiplier float64  `toml:"global_timeout_multiplier"`
	LocalRegistryPath       string   `toml:"local_registry_path"`
	CleanupContainers       bool     `toml:"cleanup_containers"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
	Endpoint    string `toml:"endpoint"`
	Insecure    bool   `toml:"insecure"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

const defaultMaxIterations = 3

func Default() Config {
	maxIter := defaultMaxIterations
	return Config{
		Pipeline: PipelineConfig{
			MinEpisodes:    10,
			Concurrency:    4,
			MaxIterations:  &maxIter,
			DatasetName:    "terminal-bench-core",
			DatasetVersion: "0.2.15",
			TaskFolder:     filepath.ToSlash(filepath.Join("terminal-bench", "tasks")),
			RunsDir:        "runs",
			UnitTimeoutSec: 0,
			Mode:           "replay",
			SeedStrategy:   "longest-failed",
		},
		Runner: RunnerConfig{
			Command:                 []string{"tb", "run"},
			Agent:                   "terminus",
			ReplayAgentImportPath:   "recovery-bench.replay_agent:ReplayAgent",
			GlobalTimeoutMultiplier: 2.0,
			LocalRegistryPath:       filepath.ToSlash(filepath.Join(".", "registry.json")),
		},
		Store:     StoreConfig{Path: filepath.ToSlash(filepath.Join(".recoverybench", "recoverybench.db"))},
		Telemetry: TelemetryConfig{ServiceName: "recoverybench", Endpoint: "http://127.0.0.1:4318"},
		Log:       LogConfig{Level: "info"},
		Server:    ServerConfig{Addr: "127.0.0.1:8318"},
	}
}

// MaxIterations returns the configured iteration cap; zero is a valid value.
func (c Config) MaxIterations() int {
	if c.Pipeline.MaxIterations == nil {
		return defaultMaxIterations
	}
	return *c.Pipeline.MaxIterations
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Path returns the config file location under root.
func Path(root string) string {
	return filepath.Join(root, ".recoverybench", "config.toml")
}

func Load(root string) LoadResult {
	return LoadFile(Path(root))
}

func LoadFile(path string) LoadResult {
	res := LoadResult{Config: Default(), Path: path}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	merged := merge(Default(), parsed)
	if err := merged.Validate(); err != nil {
		res.ParseError = err
		return res
	}
	res.Config = merged
	return res
}

// Validate checks value ranges that the pipeline relies on.
func (c Config) Validate() error {
	if c.Pipeline.MinEpisodes <= 0 {
		return fmt.Errorf("%w: min_episodes must be positive", ErrInvalid)
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("%w: n_concurrent must be positive", ErrInvalid)
	}
	if c.MaxIterations() < 0 {
		return fmt.Errorf("%w: max_iterations must not be negative", ErrInvalid)
	}
	switch c.Pipeline.Mode {
	case "replay", "fresh":
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Pipeline.Mode)
	}
	switch c.Pipeline.SeedStrategy {
	case "longest-failed", "latest-failed":
	default:
		return fmt.Errorf("%w: unknown seed_strategy %q", ErrInvalid, c.Pipeline.SeedStrategy)
	}
	if len(c.Runner.Command) == 0 {
		return fmt.Errorf("%w: runner command must not be empty", ErrInvalid)
	}
	return nil
}

func merge(def Config, cfg Config) Config {
	// Pipeline
	if cfg.Pipeline.MinEpisodes != 0 {
		def.Pipeline.MinEpisodes = cfg.Pipeline.MinEpisodes
	}
	if cfg.Pipeline.Concurrency != 0 {
		def.Pipeline.Concurrency = cfg.Pipeline.Concurrency
	}
	if cfg.Pipeline.MaxIterations != nil {
		def.Pipeline.MaxIterations = cfg.Pipeline.MaxIterations
	}
	if cfg.Pipeline.DatasetName != "" {
		def.Pipeline.DatasetName = cfg.Pipeline.DatasetName
	}
	if cfg.Pipeline.DatasetVersion != "" {
		def.Pipeline.DatasetVersion = cfg.Pipeline.DatasetVersion
	}
	if cfg.Pipeline.TaskFolder != "" {
		def.Pipeline.TaskFolder = cfg.Pipeline.TaskFolder
	}
	if cfg.Pipeline.RunsDir != "" {
		def.Pipeline.RunsDir = cfg.Pipeline.RunsDir
	}
	if cfg.Pipeline.UnitTimeoutSec != 0 {
		def.Pipeline.UnitTimeoutSec = cfg.Pipeline.UnitTimeoutSec
	}
	if cfg.Pipeline.Mode != "" {
		def.Pipeline.Mode = cfg.Pipeline.Mode
	}
	if cfg.Pipeline.SeedStrategy != "" {
		def.Pipeline.SeedStrategy = cfg.Pipeline.SeedStrategy
	}
	// Runner
	if len(cfg.Runner.Command) != 0 {
		def.Runner.Command = cfg.Runner.Command
	}
	if cfg.Runner.Agent != "" {
		def.Runner.Agent = cfg.Runner.Agent
	}
	if cfg.Runner.ReplayAgentImportPath != "" {
		def.Runner.ReplayAgentImportPath = cfg.Runner.ReplayAgentImportPath
	}
	if cfg.Runner.GlobalTimeoutMultiplier != 0 {
		def.Runner.GlobalTimeoutMultiplier = cfg.Runner.GlobalTimeoutMultiplier
	}
	if cfg.Runner.LocalRegistryPath != "" {
		def.Runner.LocalRegistryPath = cfg.Runner.LocalRegistryPath
	}
	def.Runner.CleanupContainers = cfg.Runner.CleanupContainers
	// Store
	if cfg.Store.Path != "" {
		def.Store.Path = cfg.Store.Path
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	def.Telemetry.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.Endpoint != "" {
		def.Telemetry.Endpoint = cfg.Telemetry.Endpoint
	}
	// Log
	if cfg.Log.Level != "" {
		def.Log.Level = cfg.Log.Level
	}
	if cfg.Log.File != "" {
		def.Log.File = cfg.Log.File
	}
	// Server
	if cfg.Server.Addr != "" {
		def.Server.Addr = cfg.Server.Addr
	}
	return def
}

// ApplyEnv overlays environment overrides. getenv is usually os.Getenv; the
// caller loads .env files beforehand.
func ApplyEnv(cfg Config, getenv func(string) string) (Config, error) {
	if v := getenv("TASK_FOLDER"); v != "" {
		cfg.Pipeline.TaskFolder = v
	}
	if v := getenv("RECOVERYBENCH_TASK_FOLDER"); v != "" {
		cfg.Pipeline.TaskFolder = v
	}
	if v := getenv("RECOVERYBENCH_RUNS_DIR"); v != "" {
		cfg.Pipeline.RunsDir = v
	}
	if v := getenv("RECOVERYBENCH_DB"); v != "" {
		cfg.Store.Path = v
	}
	if v := getenv("RECOVERYBENCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("RECOVERYBENCH_N_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: RECOVERYBENCH_N_CONCURRENT: %v", ErrInvalid, err)
		}
		cfg.Pipeline.Concurrency = n
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := strings.ToLower(getenv("RECOVERYBENCH_TELEMETRY")); v != "" {
		cfg.Telemetry.Enabled = v == "1" || v == "true" || v == "on"
	}
	return cfg, cfg.Validate()
}
