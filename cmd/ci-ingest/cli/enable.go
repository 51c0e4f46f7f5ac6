package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/davarch/ci-ingest/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <project_name|project_id>",
	Short: "Enable project in config.yaml",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggle(cmd, args[0], true)
	},
}

func init() {
	enableCmd.ValidArgsFunction = func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		cfg, err := config.Read(cfgPath)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		out := make([]string, 0, len(cfg.Poll.Projects))
		for _, p := range cfg.Poll.Projects {
			if p.Name == "" {
				continue
			}
			if strings.HasPrefix(p.Name, toComplete) {
				out = append(out, p.Name)
			}
		}

		return out, cobra.ShellCompDirectiveNoFileComp
	}

	rootCmd.AddCommand(enableCmd)
}

func toggle(cmd *cobra.Command, key string, enabled bool) error {
	cfg, err := config.Read(cfgPath)
	if err != nil {
		return err
	}

	verb := "disabled"
	if enabled {
		verb = "enabled"
	}

	if !setEnabled(&cfg, key, enabled) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "no change (project %q already %s or not found)\n", key, verb)
		return nil
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", verb, key)
	return nil
}

// setEnabled matches key against project names, then numeric ids.
func setEnabled(cfg *config.Config, key string, enabled bool) bool {
	id, idErr := strconv.ParseInt(key, 10, 64)

	changed := false
	for i := range cfg.Poll.Projects {
		p := &cfg.Poll.Projects[i]
		if p.Name != key && (idErr != nil || p.ProjectID != id) {
			continue
		}
		if p.Enabled != enabled {
			p.Enabled = enabled
			changed = true
		}
	}
	return changed
}
