package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davarch/gridci/internal/infrastructure/config"
)

var disableCmd = &cobra.Command{
	Use:   "disable <workflow_name>",
	Short: "Disable workflow by name in config.yaml",
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
				if cfg.Workflows[i].Enabled {
					cfg.Workflows[i].Enabled = false
					changed = true
				}
			}
		}

		if !changed {
			fmt.Printf("no change (workflow %q already disabled or not found)\n", name)
			return nil
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Printf("disabled: %s\n", name)

		return nil
	},
}

func init() {
	disableCmd.ValidArgsFunction = enableCmd.ValidArgsFunction

	rootCmd.AddCommand(disableCmd)
}
