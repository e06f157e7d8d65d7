package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "arm64", cfg.Compiler.InstructionSet)
	assert.Equal(t, 4, cfg.Compiler.ThreadCount)
	assert.False(t, cfg.Compiler.Image)
	assert.Equal(t, "required", cfg.Compiler.DexToDexOnVerifyError)
	assert.Equal(t, "./out", cfg.Output.Dir)
	assert.Equal(t, "zstd", cfg.Output.Compression)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
compiler:
  instruction_set: x86_64
  thread_count: 8
  image: true
  dump_stats: true
output:
  dir: /tmp/images
  compression: gzip
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "x86_64", cfg.Compiler.InstructionSet)
	assert.Equal(t, 8, cfg.Compiler.ThreadCount)
	assert.True(t, cfg.Compiler.Image)
	assert.True(t, cfg.Compiler.DumpStats)
	assert.Equal(t, "/tmp/images", cfg.Output.Dir)
	assert.Equal(t, "gzip", cfg.Output.Compression)
	// Untouched sections keep their defaults.
	assert.Equal(t, "sqlite", cfg.Database.Type)
}

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader("yaml", []byte(`
compiler:
  instruction_set: arm
storage:
  type: cos
  bucket: images-1250000000
  region: ap-guangzhou
`))
	require.NoError(t, err)

	assert.Equal(t, "arm", cfg.Compiler.InstructionSet)
	assert.Equal(t, "cos", cfg.Storage.Type)
	assert.Equal(t, "images-1250000000", cfg.Storage.Bucket)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadFromReader("yaml", []byte("{}"))
		require.NoError(t, err)
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("bad instruction set", func(t *testing.T) {
		cfg := base()
		cfg.Compiler.InstructionSet = "riscv64"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported instruction set")
	})

	t.Run("bad thread count", func(t *testing.T) {
		cfg := base()
		cfg.Compiler.ThreadCount = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad verify-error fallback", func(t *testing.T) {
		cfg := base()
		cfg.Compiler.DexToDexOnVerifyError = "aggressive"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad compression", func(t *testing.T) {
		cfg := base()
		cfg.Output.Compression = "lz4"
		assert.Error(t, cfg.Validate())
	})

	t.Run("database type checked only when recording", func(t *testing.T) {
		cfg := base()
		cfg.Database.Type = "oracle"
		assert.NoError(t, cfg.Validate())

		cfg.Output.RecordRun = true
		assert.Error(t, cfg.Validate())
	})
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compiler:\n  instruction_set: mips\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestEnsureOutputDir(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{}
	cfg.Output.Dir = filepath.Join(dir, "nested", "out")
	require.NoError(t, cfg.EnsureOutputDir())

	info, err := os.Stat(cfg.Output.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
