package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"histalign/internal/fsutil"
	"histalign/internal/pipeline"
)

func newWatchCmd(root *Root) *cobra.Command {
	var (
		output string
		settle time.Duration
		once   bool
		warp   warpFlags
	)
	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Register a directory's slides whenever the set changes",
		Long: `Watch a directory that a scanner writes into. Once the slide files stop
changing for the settle period the whole set is registered as one run, with
outputs under <output>/<run-id>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			opts, err := RegistrationOptions(root.cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			w, err := fsutil.NewWatcher(args[0], settle, root.log)
			if err != nil {
				return err
			}
			errCh := make(chan error, 1)
			go func() { errCh <- w.Run(ctx) }()

			for batch := range w.Batches {
				id := newID("watch")
				job := pipeline.Job{
					ID:           id,
					Type:         pipeline.JobRegister,
					InputPath:    args[0],
					Sources:      batch,
					Output:       filepath.Join(output, id),
					Registration: opts,
					Warp:         warp.options(),
					Options:      map[string]any{"source": "watch", "slides": len(batch)},
				}
				res, err := root.enqueueAndWait(ctx, job)
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					root.log.Error("watched stack failed", "run_id", id, "dir", args[0], "error", err)
					fmt.Fprintf(cmd.ErrOrStderr(), "run %s failed: %v\n", id, err)
				} else {
					printSummary(cmd.OutOrStdout(), res)
				}
				if once {
					cancel()
				}
			}
			cancel()
			return <-errCh
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "parent directory for per-run outputs")
	cmd.Flags().DurationVar(&settle, "settle", fsutil.DefaultSettle, "quiet period before a changed stack is registered")
	cmd.Flags().BoolVar(&once, "once", false, "exit after the first registered stack")
	warp.bind(cmd, root.cfg)
	return cmd
}
