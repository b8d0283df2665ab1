package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "~/.config/histalign/config.json"
	defaultParallel   = 2
	envPrefix         = "HISTALIGN"
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "HISTALIGN_CONFIG"
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing   Processing   `json:"processing"`
	Logging      Logging      `json:"logging"`
	Paths        Paths        `json:"paths"`
	Registration Registration `json:"registration"`
	Device       Device       `json:"device"`
	Tracing      Tracing      `json:"tracing"`
	Server       Server       `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"` // concurrent runs in the job queue
	Workers      int    `json:"workers"`       // per-stage fan-out, 0 = all CPUs
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Registration holds the defaults for a registration run.
type Registration struct {
	ProcessingCap   int            `json:"processing_cap"`
	MinMatches      int            `json:"min_matches"`
	MicroRigid      bool           `json:"micro_rigid"`
	MicroRigidScale float64        `json:"micro_rigid_scale"`
	MicroRigidTile  int            `json:"micro_rigid_tile"`
	SkipNonRigid    bool           `json:"skip_non_rigid"`
	Strategy        string         `json:"strategy"` // serial, groupwise
	Solver          string         `json:"solver"`   // empty picks by strategy
	NonRigidCap     int            `json:"non_rigid_cap"`
	Micro           bool           `json:"micro"`
	MicroCap        int            `json:"micro_cap"`
	Channels        map[string]int `json:"channels"`
	MaxFeatures     int            `json:"max_features"`
	MatchRatio      float64        `json:"match_ratio"`
	WarpMaxDim      int            `json:"warp_max_dim"`
	OutputFormat    string         `json:"output_format"` // tiff, png
	CropToTissue    bool           `json:"crop_to_tissue"`
}

// Device selects where accelerated units run.
type Device struct {
	Mode string `json:"mode"` // auto, cpu, accelerator
}

// Tracing configures OpenTelemetry export.
type Tracing struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter"` // stdout, file, otlp
	FilePath     string  `json:"file_path"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate"`
	ServiceName  string  `json:"service_name"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `json:"addr"`
}

// Path returns the config file location after ~ expansion.
func Path() (string, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
// HISTALIGN_<SECTION>_<KEY> environment variables override file values.
func Load() (*Config, error) {
	cfg := defaultConfig()

	expanded, err := Path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v, cfg); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	if _, err := os.Stat(expanded); err == nil {
		v.SetConfigFile(expanded)
		if ext := strings.TrimPrefix(filepath.Ext(expanded), "."); ext != "" {
			v.SetConfigType(ext)
		}
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", expanded, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper with the default config so every key is known
// to AutomaticEnv before the file is merged on top.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	v.SetConfigType("json")
	return v.ReadConfig(bytes.NewReader(data))
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./registered",
			DatabasePath:  filepath.Join(os.TempDir(), "histalign.db"),
		},
		Registration: Registration{
			ProcessingCap:   850,
			MinMatches:      6,
			MicroRigidScale: 0.125,
			MicroRigidTile:  512,
			Strategy:        "serial",
			NonRigidCap:     2048,
			MicroCap:        4096,
			MaxFeatures:     2000,
			MatchRatio:      0.8,
			WarpMaxDim:      0,
			OutputFormat:    "tiff",
		},
		Device: Device{Mode: "auto"},
		Tracing: Tracing{
			Enabled:     false,
			Exporter:    "stdout",
			SampleRate:  1.0,
			ServiceName: "histalign",
		},
		Server: Server{Addr: ":8080"},
	}
}

// Default returns a fresh default configuration.
func Default() *Config {
	return defaultConfig()
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
