package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dex-aot/internal/service"
)

var (
	// Compile command flags
	instructionSet  string
	imageBuild      bool
	imageClasses    string
	threadCount     int
	profileFile     string
	outputDir       string
	compression     string
	dumpStats       bool
	dumpTimings     bool
	uploadArtifacts bool
	recordRun       bool
)

// compileCmd represents the compile command
var compileCmd = &cobra.Command{
	Use:   "compile [containers...]",
	Short: "Compile bytecode containers to native code",
	Long: `Compile one or more bytecode containers, in search-path order.

The compile command runs the full pipeline over the given containers and
writes the image-input file into the output directory. When enabled, the
result is uploaded to object storage and a run record is persisted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCompile,
}

func init() {
	rootCmd.AddCommand(compileCmd)

	compileCmd.Flags().StringVarP(&instructionSet, "instruction-set", "s", "", "Target instruction set: arm, arm64, x86, x86_64")
	compileCmd.Flags().BoolVar(&imageBuild, "image", false, "Build a base image (image-class restriction, eager initialization)")
	compileCmd.Flags().StringVar(&imageClasses, "image-classes", "", "File listing image-class descriptors, one per line")
	compileCmd.Flags().IntVarP(&threadCount, "threads", "j", 0, "Worker count (0 = from config)")
	compileCmd.Flags().StringVar(&profileFile, "profile", "", "pprof profile restricting native compilation to hot methods")
	compileCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory for the image-input file")
	compileCmd.Flags().StringVar(&compression, "compression", "", "Output compression: zstd, gzip, none")
	compileCmd.Flags().BoolVar(&dumpStats, "dump-stats", false, "Log compilation statistics at the end of the run")
	compileCmd.Flags().BoolVar(&dumpTimings, "dump-timings", false, "Log per-phase timings")
	compileCmd.Flags().BoolVar(&uploadArtifacts, "upload", false, "Upload the emitted files to object storage")
	compileCmd.Flags().BoolVar(&recordRun, "record", false, "Persist a run record to the database")
}

func runCompile(cmd *cobra.Command, args []string) error {
	log := GetLogger()

	for _, p := range args {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("container not found: %s", p)
		}
	}

	applyCompileFlags(cmd)

	svc, err := service.New(cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Initialize(cmd.Context()); err != nil {
		return err
	}

	res, err := svc.Compile(cmd.Context(), args)
	if err != nil {
		return err
	}

	log.Info("run %s finished in %v", res.RunUUID, res.Duration)
	fmt.Printf("Compiled %d methods across %d classes (%d patches)\n",
		res.Methods, res.Classes, res.Patches)
	fmt.Printf("Image input: %s\n", res.OutputPath)
	if res.UploadedURL != "" {
		fmt.Printf("Uploaded to: %s\n", res.UploadedURL)
	}
	return nil
}

// applyCompileFlags copies set flags over the loaded configuration.
func applyCompileFlags(cmd *cobra.Command) {
	if instructionSet != "" {
		cfg.Compiler.InstructionSet = instructionSet
	}
	if cmd.Flags().Changed("image") {
		cfg.Compiler.Image = imageBuild
	}
	if imageClasses != "" {
		cfg.Compiler.ImageClassesFile = imageClasses
	}
	if threadCount > 0 {
		cfg.Compiler.ThreadCount = threadCount
	}
	if profileFile != "" {
		cfg.Compiler.ProfileFile = profileFile
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if compression != "" {
		cfg.Output.Compression = compression
	}
	if cmd.Flags().Changed("dump-stats") {
		cfg.Compiler.DumpStats = dumpStats
	}
	if cmd.Flags().Changed("dump-timings") {
		cfg.Compiler.DumpTimings = dumpTimings
	}
	if cmd.Flags().Changed("upload") {
		cfg.Output.Upload = uploadArtifacts
	}
	if cmd.Flags().Changed("record") {
		cfg.Output.RecordRun = recordRun
	}
}
