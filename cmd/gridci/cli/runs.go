package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/davarch/gridci/internal/domain"
	"github.com/davarch/gridci/internal/infrastructure/archive_fs"
	"github.com/davarch/gridci/internal/infrastructure/config"
)

var (
	runsJSON  bool
	runsLogs  bool
	runsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs [run_id]",
	Short: "Browse archived runs",
	Long: `Browse archived runs.

Without arguments the newest runs are listed. With a run ID (a unique
prefix is enough) the full matrix and per-step results are shown;
--logs adds the captured output of every failed step.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		store := archive_fs.NewStore(runsRoot(cfg))
		ctx := cmd.Context()

		if len(args) == 0 {
			return listRuns(ctx, store)
		}
		return showRun(ctx, store, args[0])
	},
}

func listRuns(ctx context.Context, store *archive_fs.Store) error {
	runs, err := store.Runs(ctx)
	if err != nil {
		return err
	}
	if runsLimit > 0 && len(runs) > runsLimit {
		runs = runs[:runsLimit]
	}

	if runsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Println("no archived runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tWORKFLOW\tEVENT\tSTATUS\tRESULT\tCREATED")
	for _, run := range runs {
		succeeded, failed, _ := run.Tally()
		result := fmt.Sprintf("%d/%d", succeeded, len(run.Instances))
		if failed > 0 {
			result += fmt.Sprintf(" (%d failed)", failed)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(run.ID), run.Workflow, describeEvent(run.Event),
			run.Status, result, run.Created.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func showRun(ctx context.Context, store *archive_fs.Store, idArg string) error {
	run, err := findRun(ctx, store, idArg)
	if err != nil {
		return err
	}

	if runsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	fmt.Printf("run %s\n", run.ID)
	fmt.Printf("workflow: %s\n", run.Workflow)
	fmt.Printf("event:    %s\n", describeEvent(run.Event))
	fmt.Printf("status:   %s\n", run.Status)
	fmt.Printf("created:  %s\n", run.Created.Format("2006-01-02 15:04:05"))
	if !run.Finished.IsZero() {
		fmt.Printf("duration: %s\n", run.Duration().Round(durationPrecision))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INSTANCE\tSTEP\tSTATUS\tEXIT\tDURATION")
	for _, in := range run.Instances {
		for _, step := range in.Steps {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				in.Instance.Name(), step.Name, step.Status, step.ExitCode,
				step.Duration().Round(durationPrecision))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if runsLogs {
		return printFailedLogs(ctx, store, run)
	}
	return nil
}

func printFailedLogs(ctx context.Context, store *archive_fs.Store, run domain.Run) error {
	for _, in := range run.Instances {
		for i, step := range in.Steps {
			if step.Status != domain.StatusFailed {
				continue
			}
			data, err := store.Log(ctx, run.ID, in.Instance.Slug(), i)
			if err != nil {
				fmt.Printf("\n=== %s / %s: log unavailable: %v\n", in.Instance.Name(), step.Name, err)
				continue
			}
			fmt.Printf("\n=== %s / %s (exit %d) ===\n", in.Instance.Name(), step.Name, step.ExitCode)
			os.Stdout.Write(data)
			if len(data) > 0 && data[len(data)-1] != '\n' {
				fmt.Println()
			}
		}
	}
	return nil
}

// findRun accepts a full run ID or any unambiguous prefix.
func findRun(ctx context.Context, store *archive_fs.Store, idArg string) (domain.Run, error) {
	run, err := store.Run(ctx, idArg)
	if err == nil {
		return run, nil
	}

	runs, listErr := store.Runs(ctx)
	if listErr != nil {
		return domain.Run{}, err
	}

	var matches []domain.Run
	for _, r := range runs {
		if strings.HasPrefix(r.ID, idArg) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return domain.Run{}, err
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, shortRunID(m.ID))
		}
		return domain.Run{}, fmt.Errorf("run id %q is ambiguous: %s", idArg, strings.Join(ids, ", "))
	}
}

func describeEvent(ev domain.Event) string {
	out := string(ev.Type)
	if ev.Branch != "" {
		out += " " + ev.Branch
	}
	return out
}

func init() {
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON")
	runsCmd.Flags().BoolVar(&runsLogs, "logs", false, "print logs of failed steps")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "show at most N runs (0 for all)")

	rootCmd.AddCommand(runsCmd)
}
