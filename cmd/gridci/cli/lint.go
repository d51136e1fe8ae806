package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/davarch/gridci/internal/domain"
	"github.com/davarch/gridci/internal/infrastructure/workflow_file"
)

var lintCmd = &cobra.Command{
	Use:   "lint <file> [file...]",
	Short: "Check workflow files for problems",
	Long: `Check workflow files for problems.

Each file is parsed and validated; every issue is printed. The exit
code is 0 only when all files are clean.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		broken := 0
		for _, path := range args {
			issues := lintFile(path)
			if len(issues) == 0 {
				fmt.Printf("%s: ok\n", path)
				continue
			}
			broken++
			for _, issue := range issues {
				fmt.Printf("%s: %s\n", path, issue)
			}
		}
		if broken > 0 {
			fmt.Fprintf(os.Stderr, "%d of %d files have problems\n", broken, len(args))
			os.Exit(1)
		}
	},
}

func lintFile(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return []string{err.Error()}
	}

	wf, issues, err := workflow_file.Parse(path, data)
	if err != nil {
		return []string{err.Error()}
	}
	wf.Path = path

	// Matrix expansion surfaces problems validation alone cannot see,
	// like an axis that expands to nothing.
	issues = append(issues, workflow_file.Validate(wf)...)
	if len(issues) == 0 && len(domain.ExpandWorkflow(wf)) == 0 {
		issues = append(issues, "workflow expands to zero instances")
	}
	return issues
}

func init() {
	rootCmd.AddCommand(lintCmd)
}
