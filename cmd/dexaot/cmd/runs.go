package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dex-aot/internal/service"
)

var runsLimit int

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent compilation runs",
	Long:  `List recorded compilation runs from the database, newest first.`,
	RunE:  runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to show")
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg.Output.RecordRun = true

	svc, err := service.New(cfg, GetLogger())
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Initialize(cmd.Context()); err != nil {
		return err
	}

	runs, err := svc.RecentRuns(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tISA\tSTATUS\tCLASSES\tMETHODS\tPATCHES\tDURATION\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%dms\t%s\n",
			r.UUID, r.InstructionSet, r.Status,
			r.ClassesVerified, r.MethodsCompiled, r.PatchCount,
			r.DurationMS, r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
