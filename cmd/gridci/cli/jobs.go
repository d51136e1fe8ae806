package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davarch/gridci/internal/domain"
	"github.com/davarch/gridci/internal/infrastructure/config"
	"github.com/davarch/gridci/internal/infrastructure/logging"
	"github.com/davarch/gridci/internal/infrastructure/workflow_file"
)

var jobsJSON bool

var jobsCmd = &cobra.Command{
	Use:   "jobs <workflow>",
	Short: "Show the matrix instances a workflow expands into",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}

		path, err := resolveWorkflowPath(args[0], cfg)
		if err != nil {
			log.Fatal("workflow", zap.Error(err))
		}

		wf, err := workflow_file.Load(path)
		if err != nil {
			log.Fatal("workflow", zap.Error(err))
		}

		instances := domain.ExpandWorkflow(wf)

		if jobsJSON {
			type instanceJSON struct {
				Job    string            `json:"job"`
				Name   string            `json:"name"`
				Slug   string            `json:"slug"`
				Steps  int               `json:"steps"`
				Matrix map[string]string `json:"matrix,omitempty"`
			}
			out := make([]instanceJSON, 0, len(instances))
			for _, in := range instances {
				var matrix map[string]string
				for _, sel := range in.Combo {
					if matrix == nil {
						matrix = make(map[string]string)
					}
					matrix[sel.Axis] = sel.Value
				}
				out = append(out, instanceJSON{
					Job:    in.Job,
					Name:   in.Name(),
					Slug:   in.Slug(),
					Steps:  len(in.Steps),
					Matrix: matrix,
				})
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				log.Fatal("encode", zap.Error(err))
			}
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "JOB\tINSTANCE\tSLUG\tSTEPS")
		for _, in := range instances {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", in.Job, in.Name(), in.Slug(), len(in.Steps))
		}
		_ = w.Flush()
		fmt.Printf("%d instances\n", len(instances))
	},
}

func init() {
	jobsCmd.Flags().BoolVar(&jobsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(jobsCmd)
}
