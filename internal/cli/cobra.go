package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"histalign/internal/config"
	"histalign/internal/fsutil"
	"histalign/internal/pipeline"
	"histalign/internal/registration"
	"histalign/internal/storage"
	"histalign/internal/tasks"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newCommandTree(NewRoot(pipe, cfg, log, store))
}

func newCommandTree(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "histalign",
		Short: "histalign registers serial whole-slide images",
		Long: `histalign aligns a stack of whole-slide microscopy images into a common
reference frame using rigid, non-rigid and optional micro passes, and
reports residual registration error at each stage.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newWarpCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newReportCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newSolversCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

type warpFlags struct {
	maxDim int
	format string
	crop   bool
}

func (w *warpFlags) bind(cmd *cobra.Command, cfg *config.Config) {
	d := WarpOptions(cfg)
	cmd.Flags().IntVar(&w.maxDim, "max-dim", d.MaxDim, "longest output side in pixels, 0 keeps full resolution")
	cmd.Flags().StringVar(&w.format, "format", d.Ext, "output format (tiff|png)")
	cmd.Flags().BoolVar(&w.crop, "crop", d.Crop, "crop outputs to the combined tissue region")
}

func (w *warpFlags) options() registration.WarpOptions {
	return registration.WarpOptions{MaxDim: w.maxDim, Ext: w.format, Crop: w.crop}
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		output       string
		runID        string
		reference    string
		order        []string
		strategy     string
		solver       string
		microRigid   bool
		skipNonRigid bool
		micro        bool
		noGPU        bool
		warp         warpFlags
	)

	cmd := &cobra.Command{
		Use:   "register <slide|directory>...",
		Short: "Register a stack of slides and write warped outputs",
		Long: `Register slides into the frame of a reference slide. Directories are
expanded to the slide files they contain. Slides that fail to load or align
are skipped and listed in the run manifest.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			if noGPU {
				root.cfg.Device.Mode = tasks.DeviceCPU
			}
			if cmd.Flags().Changed("solver") {
				root.cfg.Registration.Solver = solver
			}

			opts, err := RegistrationOptions(root.cfg)
			if err != nil {
				return err
			}
			opts.Reference = reference
			opts.Order = order
			if cmd.Flags().Changed("strategy") {
				if opts.Strategy, err = registration.ParseStrategy(strategy); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("micro-rigid") {
				opts.MicroRigid = microRigid
			}
			if cmd.Flags().Changed("skip-non-rigid") {
				opts.SkipNonRigid = skipNonRigid
			}
			if cmd.Flags().Changed("micro") {
				opts.Micro = micro
			}

			if runID == "" {
				runID = newID("run")
			}
			job := pipeline.Job{
				ID:           runID,
				Type:         pipeline.JobRegister,
				InputPath:    strings.Join(args, ","),
				Output:       output,
				Registration: opts,
				Warp:         warp.options(),
				Options: map[string]any{
					"reference":      reference,
					"order":          order,
					"strategy":       string(opts.Strategy),
					"solver":         root.cfg.Registration.Solver,
					"micro_rigid":    opts.MicroRigid,
					"skip_non_rigid": opts.SkipNonRigid,
					"micro":          opts.Micro,
					"device":         root.cfg.Device.Mode,
					"source":         "cli",
				},
			}
			if job.Sources, err = fsutil.ExpandSources(args); err != nil {
				return err
			}
			if len(job.Sources) == 0 {
				return fmt.Errorf("no slide files found in %s", job.InputPath)
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory for warped slides and the manifest")
	cmd.Flags().StringVar(&runID, "run-id", "", "identifier for the run, generated when empty")
	cmd.Flags().StringVarP(&reference, "reference", "r", "", "slide to register to, chosen automatically when empty")
	cmd.Flags().StringSliceVar(&order, "order", nil, "explicit stack order as comma separated slide names")
	cmd.Flags().StringVar(&strategy, "strategy", "", "non-rigid strategy (serial|groupwise)")
	cmd.Flags().StringVar(&solver, "solver", "", "non-rigid solver name, see 'histalign solvers'")
	cmd.Flags().BoolVar(&microRigid, "micro-rigid", false, "refine rigid alignment on high resolution tiles")
	cmd.Flags().BoolVar(&skipNonRigid, "skip-non-rigid", false, "stop after rigid alignment")
	cmd.Flags().BoolVar(&micro, "micro", false, "run a second non-rigid pass at higher resolution")
	cmd.Flags().BoolVar(&noGPU, "no-gpu", false, "never use an accelerator")
	warp.bind(cmd, root.cfg)
	return cmd
}

func newWarpCmd(root *Root) *cobra.Command {
	var (
		output string
		noGPU  bool
		warp   warpFlags
	)
	cmd := &cobra.Command{
		Use:   "warp <run-id>",
		Short: "Render a stored run again without solving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			if noGPU {
				root.cfg.Device.Mode = tasks.DeviceCPU
			}
			opts, err := RegistrationOptions(root.cfg)
			if err != nil {
				return err
			}
			// restored runs never solve, so skip solver selection
			opts.SkipNonRigid, opts.Micro = true, false
			job := pipeline.Job{
				ID:           newID("warp"),
				Type:         pipeline.JobWarp,
				Output:       output,
				RunID:        args[0],
				Registration: opts,
				Warp:         warp.options(),
				Options:      map[string]any{"run_id": args[0], "source": "cli"},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().BoolVar(&noGPU, "no-gpu", false, "never use an accelerator")
	warp.bind(cmd, root.cfg)
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored registration runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tREFERENCE\tSLIDES\tFAILED\tSKIPPED\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", r.ID, r.Reference, r.Slides, r.Failed, r.Skipped, r.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newReportCmd(root *Root) *cobra.Command {
	var (
		checkpoint string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Show the registration error table of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := root.store.LoadRun(args[0])
			if err != nil {
				return err
			}
			rows := snap.Errors
			if checkpoint != "" {
				rows = registration.NewErrorTable(rows).At(registration.Checkpoint(checkpoint))
			}
			return writeReport(cmd.OutOrStdout(), format, snap, rows)
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "only rows of this checkpoint (pre|rigid|non-rigid|micro)")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|yaml|json)")
	return cmd
}

func writeReport(w io.Writer, format string, snap registration.Snapshot, rows []registration.ErrorRow) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
	default:
		return fmt.Errorf("unknown report format %q", format)
	}

	fmt.Fprintf(w, "run %s, reference %s\n", snap.RunID, snap.Ordering.Reference())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SLIDE\tTARGET\tCHECKPOINT\tPAIRS\tMEAN\tMEDIAN\tP90\tDEVICE\tNOTES\t")
	for _, r := range rows {
		var notes []string
		if r.Fallback {
			notes = append(notes, "cpu-fallback")
		}
		if r.NoRigidSolution {
			notes = append(notes, "no-rigid-solution")
		}
		target := r.Target
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%s\t%s\t\n",
			r.Slide, target, r.Checkpoint, r.Pairs, r.Mean, r.Median, r.P90, r.Device, strings.Join(notes, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, sk := range snap.Skipped {
		fmt.Fprintf(w, "skipped %s at %s: %s\n", sk.Slide, sk.Stage, sk.Reason)
	}
	return nil
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API, live progress and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			return root.serveFn(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	return cmd
}

func printSummary(w io.Writer, res pipeline.Result) {
	if s, ok := res.Meta["summary"].(string); ok {
		fmt.Fprintln(w, s)
	}
	if outputs, ok := res.Meta["outputs"].(map[string]string); ok {
		fmt.Fprintf(w, "%d slides written\n", len(outputs))
	}
	if n, ok := res.Meta["skipped"].(int); ok && n > 0 {
		fmt.Fprintf(w, "%d skip entries, see the manifest\n", n)
	}
	if m, ok := res.Meta["manifest"].(string); ok {
		fmt.Fprintf(w, "manifest: %s\n", m)
	}
}
