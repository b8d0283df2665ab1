package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"histalign/internal/config"
	"histalign/internal/tasks"
)

const version = "0.3.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return cmd
}

func (r *Root) configShow(w io.Writer) error {
	cfgPath := os.Getenv(config.EnvConfigPath)
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/histalign/config.json"
	}
	fmt.Fprintf(w, "# config file: %s\n", cfgPath)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.cfg)
}

func newSolversCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "solvers",
		Short: "List non-rigid solvers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := tasks.NewSolverManager(root.cfg.Processing.Workers)
			for _, name := range mgr.Names() {
				s, _ := mgr.Get(name)
				mode := "pairwise"
				if s.SupportsGroupwise() {
					mode = "pairwise, groupwise"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", name, mode)
			}
			return nil
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and device information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "histalign v%s\n", version)
			fmt.Fprintf(w, "Built with Go %s\n", runtime.Version())
			probe, err := tasks.NewDeviceProbe(root.cfg.Device.Mode, root.log)
			if err != nil {
				return err
			}
			st := probe.Status()
			switch {
			case st.Available:
				fmt.Fprintf(w, "Accelerator: %s (mode %s)\n", st.Name, probe.Mode())
			case st.Error != nil:
				fmt.Fprintf(w, "Accelerator: unavailable, %v (mode %s)\n", st.Error, probe.Mode())
			default:
				fmt.Fprintf(w, "Accelerator: unavailable (mode %s)\n", probe.Mode())
			}
			return nil
		},
	}
}
