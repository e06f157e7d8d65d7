package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dex-aot/pkg/config"
	"github.com/dex-aot/pkg/utils"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger utils.Logger
	cfg    *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dex-aot",
	Short: "An ahead-of-time bytecode compiler driver",
	Long: `dex-aot compiles bytecode containers to native code ahead of time.

It runs the class pipeline (resolve, verify, initialize, compile) over a
set of containers, generates per-method native code with a deterministic
baseline backend, and emits an image-input file for the image builder.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := utils.LevelInfo
		if verbose {
			logLevel = utils.LevelDebug
		}
		logger = utils.NewDefaultLogger(logLevel, os.Stdout)
		utils.SetGlobalLogger(logger)

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	binName := BinName()
	rootCmd.Example = `  # Compile two containers for arm64
  ` + binName + ` compile --instruction-set arm64 boot.json app.json

  # Image build restricted to listed image classes
  ` + binName + ` compile --image --image-classes ./image_classes.txt boot.json

  # Profile-guided compilation
  ` + binName + ` compile --profile ./cpu.pprof app.json`
}

// GetLogger returns the configured logger
func GetLogger() utils.Logger {
	return logger
}

// BinName returns the base name of the current executable
func BinName() string {
	return filepath.Base(os.Args[0])
}
