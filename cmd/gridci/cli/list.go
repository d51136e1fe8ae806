package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/davarch/gridci/internal/domain"
	"github.com/davarch/gridci/internal/infrastructure/config"
	"github.com/davarch/gridci/internal/infrastructure/workflow_file"
)

var (
	listOnlyEnabled  bool
	listOnlyDisabled bool
	listJSON         bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows from config.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		items := make([]config.Workflow, 0, len(cfg.Workflows))
		for _, w := range cfg.Workflows {
			if listOnlyEnabled && !w.Enabled {
				continue
			}
			if listOnlyDisabled && w.Enabled {
				continue
			}
			items = append(items, w)
		}

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "NAME\tFILE\tTRIGGERS\tENABLED")
		for _, item := range items {
			name := item.Name
			if name == "" {
				name = "(unnamed)"
			}
			en := "false"
			if item.Enabled {
				en = "true"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, item.File, triggersColumn(item.File), en)
		}
		_ = w.Flush()
		return nil
	},
}

// triggersColumn reads the workflow file just to show its trigger
// names. A file that does not load still gets a row, and validation
// issues do not hide triggers that parsed fine.
func triggersColumn(path string) string {
	wf, err := workflow_file.Load(path)
	var verr *domain.ValidationError
	if err != nil && !errors.As(err, &verr) {
		return "(unreadable)"
	}
	names := wf.On.Names()
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ",")
}

func init() {
	listCmd.Flags().BoolVar(&listOnlyEnabled, "enabled", false, "show only enabled workflows")
	listCmd.Flags().BoolVar(&listOnlyDisabled, "disabled", false, "show only disabled workflows")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	listCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if listOnlyEnabled && listOnlyDisabled {
			return fmt.Errorf("flags --enabled and --disabled are mutually exclusive")
		}
		return nil
	}

	rootCmd.AddCommand(listCmd)
}
