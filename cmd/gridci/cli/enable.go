package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davarch/gridci/internal/infrastructure/config"
)

var enableCmd = &cobra.Command{
	Use:   "enable <workflow_name>",
	Short: "Enable workflow by name in config.yaml",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		changed := false
		for i := range cfg.Workflows {
			if cfg.Workflows[i].Name == name {
				if !cfg.Workflows[i].Enabled {
					cfg.Workflows[i].Enabled = true
					changed = true
				}
			}
		}

		if !changed {
			fmt.Printf("no change (workflow %q already enabled or not found)\n", name)
			return nil
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}

		fmt.Printf("enabled: %s\n", name)
		return nil
	},
}

func init() {
	enableCmd.ValidArgsFunction = func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		out := make([]string, 0, len(cfg.Workflows))
		for _, w := range cfg.Workflows {
			if w.Name == "" {
				continue
			}

			if toComplete == "" || startsWith(w.Name, toComplete) {
				out = append(out, w.Name)
			}
		}

		return out, cobra.ShellCompDirectiveNoFileComp
	}

	rootCmd.AddCommand(enableCmd)
}

func startsWith(s, pref string) bool {
	if len(pref) > len(s) {
		return false
	}

	return s[:len(pref)] == pref
}
