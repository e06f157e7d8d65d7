// Package config provides configuration management for the compiler driver.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Supported instruction sets.
var supportedInstructionSets = map[string]bool{
	"arm":    true,
	"arm64":  true,
	"x86":    true,
	"x86_64": true,
}

// Config holds all configuration for the driver.
type Config struct {
	Compiler CompilerConfig `mapstructure:"compiler"`
	Output   OutputConfig   `mapstructure:"output"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
}

// CompilerConfig holds the compilation-run configuration.
type CompilerConfig struct {
	// InstructionSet selects the target: arm, arm64, x86, x86_64.
	InstructionSet string `mapstructure:"instruction_set"`
	// InstructionSetFeatures is a free-form feature string handed to the
	// backend (e.g. "div,lpae").
	InstructionSetFeatures string `mapstructure:"instruction_set_features"`
	// Image enables base-image compilation: image-class restriction and
	// eager class initialization.
	Image bool `mapstructure:"image"`
	// ImageClassesFile optionally lists image-class descriptors, one per
	// line. Empty means every reachable class is an image class.
	ImageClassesFile string `mapstructure:"image_classes_file"`
	// ThreadCount sizes the worker pool.
	ThreadCount int `mapstructure:"thread_count"`
	// ProfileFile optionally points at a CPU profile; when set, only hot
	// methods are compiled to native code.
	ProfileFile string `mapstructure:"profile_file"`
	// DumpStats logs the compilation statistics at the end of the run.
	DumpStats bool `mapstructure:"dump_stats"`
	// DumpTimings logs per-phase timings.
	DumpTimings bool `mapstructure:"dump_timings"`
	// DexToDexOnVerifyError selects the fallback for classes that fail
	// verification: "skip", "required" or "optimize".
	DexToDexOnVerifyError string `mapstructure:"dex_to_dex_on_verify_error"`
}

// OutputConfig holds image-output configuration.
type OutputConfig struct {
	// Dir is where the image-input file and trampolines are written.
	Dir string `mapstructure:"dir"`
	// Compression selects the blob compression: zstd, gzip or none.
	Compression string `mapstructure:"compression"`
	// Upload pushes the emitted files to object storage when true.
	Upload bool `mapstructure:"upload"`
	// RecordRun persists a run record to the database when true.
	RecordRun bool `mapstructure:"record_run"`
}

// DatabaseConfig holds run-record database configuration.
type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // sqlite, postgres or mysql
	Path     string `mapstructure:"path"` // for sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int    `mapstructure:"max_conns"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // cos or local
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"`
	Domain    string `mapstructure:"domain"`
	Scheme    string `mapstructure:"scheme"`
	LocalPath string `mapstructure:"local_path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the specified file path.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/dex-aot")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file: defaults apply.
		} else if os.IsNotExist(err) {
			// Explicit path missing: defaults apply.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadFromReader loads configuration from raw content (useful for testing).
func LoadFromReader(configType string, content []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("compiler.instruction_set", "arm64")
	v.SetDefault("compiler.thread_count", 4)
	v.SetDefault("compiler.image", false)
	v.SetDefault("compiler.dump_stats", false)
	v.SetDefault("compiler.dump_timings", false)
	v.SetDefault("compiler.dex_to_dex_on_verify_error", "required")

	v.SetDefault("output.dir", "./out")
	v.SetDefault("output.compression", "zstd")
	v.SetDefault("output.upload", false)
	v.SetDefault("output.record_run", false)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./dex-aot.db")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./storage")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate validates the configuration. Configuration errors are fatal at
// startup, before any phase runs.
func (c *Config) Validate() error {
	if !supportedInstructionSets[c.Compiler.InstructionSet] {
		return fmt.Errorf("unsupported instruction set: %s", c.Compiler.InstructionSet)
	}
	if c.Compiler.ThreadCount < 1 {
		return fmt.Errorf("thread count must be at least 1")
	}
	switch c.Compiler.DexToDexOnVerifyError {
	case "skip", "required", "optimize":
	default:
		return fmt.Errorf("invalid dex_to_dex_on_verify_error: %s", c.Compiler.DexToDexOnVerifyError)
	}
	switch c.Output.Compression {
	case "zstd", "gzip", "none":
	default:
		return fmt.Errorf("unsupported compression: %s", c.Output.Compression)
	}
	if c.Output.RecordRun {
		switch c.Database.Type {
		case "sqlite", "postgres", "mysql":
		default:
			return fmt.Errorf("unsupported database type: %s", c.Database.Type)
		}
	}
	return nil
}

// EnsureOutputDir creates the output directory if it doesn't exist.
func (c *Config) EnsureOutputDir() error {
	if c.Output.Dir == "" {
		return nil
	}
	return os.MkdirAll(c.Output.Dir, 0755)
}
