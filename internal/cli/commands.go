package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/BartekS5/pagesync/internal/etl"
	"github.com/BartekS5/pagesync/internal/store"
	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/spf13/cobra"
)

type jobOptions struct {
	TenantID string
	Source   string
	JobID    string
}

func (o *jobOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.TenantID, "tenant", "t", "default", "Tenant id")
	cmd.Flags().StringVarP(&o.Source, "source", "s", "", "Mapping name of the source, e.g. hubspot_deals")
	cmd.Flags().StringVar(&o.JobID, "job-id", "", "Job id (generated when empty)")
}

func newSubmitCmd(root *rootOptions) *cobra.Command {
	opts := &jobOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a pending job for a worker to pick up",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			j, err := a.controller.Submit(c.Context(), opts.TenantID, opts.Source, opts.JobID)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), j.ID)
			return nil
		},
	}
	opts.bind(cmd)
	cmd.MarkFlagRequired("source")
	return cmd
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &jobOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a job in the foreground",
		Long: `Run creates the job when --job-id is new (or empty) and runs it in the
foreground. An existing failed, cancelled or paused job with the same id
resumes from its checkpoint. The first Ctrl+C stops at the next page
boundary, a second one aborts immediately.`,
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := c.Context()
			var existing *models.Job
			if opts.JobID != "" {
				j, err := a.store.Get(ctx, opts.JobID)
				switch {
				case err == nil:
					existing = j
				case !errors.Is(err, store.ErrNotFound):
					return err
				}
			}

			jobID := opts.JobID
			resume := existing != nil && existing.Status != models.StatusPending
			if existing == nil {
				if opts.Source == "" {
					return fmt.Errorf("--source is required for a new job")
				}
				j, err := a.controller.Submit(ctx, opts.TenantID, opts.Source, jobID)
				if err != nil {
					return err
				}
				jobID = j.ID
			}

			return a.runInForeground(c, jobID, func(ctx context.Context) (etl.Outcome, error) {
				if resume {
					return a.controller.Resume(ctx, jobID)
				}
				return a.controller.Start(ctx, jobID)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func newResumeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused, failed or cancelled job from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			return a.runInForeground(c, args[0], func(ctx context.Context) (etl.Outcome, error) {
				return a.controller.Resume(ctx, args[0])
			})
		},
	}
}

func newCancelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			return a.controller.Cancel(c.Context(), args[0])
		},
	}
}

func newPauseCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Pause a running job at its next page boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			return a.controller.Pause(c.Context(), args[0])
		},
	}
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job and its latest checkpoint as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.controller.Status(c.Context(), args[0])
			if err != nil {
				return err
			}
			if history {
				if report.History, err = a.controller.History(c.Context(), args[0]); err != nil {
					return err
				}
			}
			return writeJSON(c.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Include every checkpoint of the job")
	return cmd
}

func newJobsCmd(root *rootOptions) *cobra.Command {
	var (
		statuses []string
		tenantID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		RunE: func(c *cobra.Command, args []string) error {
			filter := store.ListFilter{TenantID: tenantID, Limit: limit, NewestFirst: true}
			for _, s := range statuses {
				st, err := models.ParseStatus(s)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, st)
			}

			a, err := newApp(c.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			list, err := a.controller.List(c.Context(), filter)
			if err != nil {
				return err
			}
			return writeJobTable(c.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only jobs with these statuses")
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Only jobs of this tenant")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of jobs")
	return cmd
}

func newWorkerCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run pending jobs with a bounded pool of workers until interrupted",
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.close()

			err = a.controller.Run(ctx, a.sweeper)
			a.logger.Info().Msg("workers stopped")
			return err
		},
	}
}

func newSweepCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail running jobs whose heartbeat is stale",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			ids, err := a.sweeper.SweepStale(c.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(c.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newCleanupCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal jobs older than jobs.retention",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.sweeper.Cleanup(c.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "deleted %d jobs\n", n)
			return nil
		},
	}
}

// runInForeground runs fn with interrupt handling: the first signal asks the
// job to stop cooperatively, the second cancels its context.
func (a *app) runInForeground(c *cobra.Command, jobID string, fn func(ctx context.Context) (etl.Outcome, error)) error {
	ctx, cancel := context.WithCancel(c.Context())
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		select {
		case <-sigs:
		case <-ctx.Done():
			return
		}
		a.logger.Warn().Str("job_id", jobID).Msg("interrupt: stopping at the next page boundary, interrupt again to abort")
		if err := a.controller.Cancel(context.WithoutCancel(ctx), jobID); err != nil {
			a.logger.Warn().Err(err).Msg("cannot request cancellation")
		}
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()

	out, err := fn(ctx)
	if err != nil {
		return err
	}
	if err := writeJSON(c.OutOrStdout(), outcomeView(jobID, out)); err != nil {
		return err
	}
	if out.Status == models.StatusFailed {
		return fmt.Errorf("job %s failed: %w", jobID, out.Err)
	}
	return nil
}

type outcomeJSON struct {
	JobID            string             `json:"job_id"`
	Status           models.Status      `json:"status"`
	Error            *models.JobError   `json:"error,omitempty"`
	RecordsProcessed int64              `json:"records_processed"`
	FailedRecords    int64              `json:"failed_records"`
	Pages            int                `json:"pages"`
	Checkpoint       *models.Checkpoint `json:"checkpoint,omitempty"`
}

func outcomeView(jobID string, out etl.Outcome) outcomeJSON {
	return outcomeJSON{
		JobID:            jobID,
		Status:           out.Status,
		Error:            etl.AsJobError(out.Err),
		RecordsProcessed: out.RecordsProcessed,
		FailedRecords:    out.FailedRecords,
		Pages:            out.Pages,
		Checkpoint:       out.Checkpoint,
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJobTable(w io.Writer, list []*models.Job) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTENANT\tSOURCE\tSTATUS\tRECORDS\tFAILED\tCREATED\tERROR")
	for _, j := range list {
		errKind := ""
		if j.Error != nil {
			errKind = string(j.Error.Kind)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			j.ID, j.TenantID, j.Source, j.Status, j.TotalRecords, j.FailedRecords,
			j.CreatedAt.Local().Format(time.DateTime), errKind)
	}
	return tw.Flush()
}
