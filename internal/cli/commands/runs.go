package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/release-gate/internal/api"
	"github.com/alvesdmateus/release-gate/internal/app"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
)

type queuedRun struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
}

func (r *root) runCmd() *cobra.Command {
	var (
		req    models.DeploymentRequest
		strat  string
		inline bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a deployment through its environment's gates",
		Long: `Run checks policy, takes the service lease, snapshots the current release
and executes every gate in order. With pipeline.async set the request is
queued for the worker unless --inline is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Strategy = models.Strategy(strat)
			req.Timestamp = time.Now().UTC()
			return r.withApp(cmd, func(ctx context.Context, a *app.App, p printer) error {
				if a.Jobs != nil && !inline {
					if _, err := a.Controller.Validate(ctx, req); err != nil {
						return err
					}
					id, err := a.Jobs.TriggerRun(ctx, req)
					if err != nil {
						return err
					}
					q := queuedRun{DeploymentID: id, Status: "queued"}
					return p.print(q, func(tw *tabwriter.Writer) {
						fmt.Fprintf(tw, "Queued run %s\n", q.DeploymentID)
					})
				}

				run, cause := a.Controller.RunPipeline(ctx, req)
				if run == nil {
					return cause
				}
				if err := p.print(run, func(tw *tabwriter.Writer) { printRun(tw, run) }); err != nil {
					return err
				}
				return cause
			})
		},
	}
	cmd.Flags().StringVarP(&req.Environment, "env", "e", "", "target environment")
	cmd.Flags().StringVarP(&req.ServiceName, "service", "s", "", "service to deploy")
	cmd.Flags().StringVar(&req.VersionRef, "version", "", "version reference to deploy")
	cmd.Flags().StringVar(&strat, "strategy", string(models.StrategyRolling), "rolling, blue_green, canary or recreate")
	cmd.Flags().StringVar(&req.RequestedBy, "requested-by", currentUser(), "identity recorded on the run")
	cmd.Flags().StringVar(&req.Branch, "branch", "", "source branch the version was built from")
	cmd.Flags().BoolVar(&inline, "inline", false, "run in this process even when runs are queued")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func (r *root) abortCmd() *cobra.Command {
	var by, reason string
	cmd := &cobra.Command{
		Use:   "abort <deployment-id>",
		Short: "Fail a running run whose process has stopped",
		Long: `Abort marks a running run as failed when nothing holds its service lease
any more, for instance after the worker executing it was killed. A run that
is still executing is refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App, p printer) error {
				run, err := a.Controller.Abort(ctx, args[0], by, reason)
				if err != nil {
					return err
				}
				return p.print(run, func(tw *tabwriter.Writer) { printRun(tw, run) })
			})
		},
	}
	cmd.Flags().StringVar(&by, "as", currentUser(), "identity recorded on the abort")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the abort")
	return cmd
}

func (r *root) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Requeue orphaned jobs and fail runs nobody is executing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App, p printer) error {
				report, err := a.Recovery.Run(ctx)
				if err != nil {
					return err
				}
				return p.print(report, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "Requeued:\t%d\n", report.Requeued)
					fmt.Fprintf(tw, "Abandoned:\t%d\n", report.Abandoned)
				})
			})
		},
	}
}

func (r *root) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show a run and its gate results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withStore(cmd, func(ctx context.Context, store *state.Repository, p printer) error {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return p.print(run, func(tw *tabwriter.Writer) { printRun(tw, run) })
			})
		},
	}
}

func (r *root) listCmd() *cobra.Command {
	var (
		filter state.RunFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = models.RunStatus(status)
			return r.withStore(cmd, func(ctx context.Context, store *state.Repository, p printer) error {
				runs, err := store.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				return p.print(runs, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tENVIRONMENT\tSERVICE\tVERSION\tSTRATEGY\tSTATUS\tCREATED")
					for _, run := range runs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
							run.DeploymentID, run.Environment, run.ServiceName, run.Version,
							run.Strategy, run.OverallStatus, formatTime(run.CreatedAt))
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&filter.Environment, "env", "e", "", "filter by environment")
	cmd.Flags().StringVarP(&filter.ServiceName, "service", "s", "", "filter by service")
	cmd.Flags().StringVar(&status, "status", "", "filter by overall status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of runs")
	return cmd
}

func (r *root) logsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <deployment-id>",
		Short: "Show the audit log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withStore(cmd, func(ctx context.Context, store *state.Repository, p printer) error {
				entries, err := store.ListDeploymentLogs(ctx, args[0], limit)
				if err != nil {
					return err
				}
				resp := api.DeploymentLogsToResponse(entries)
				return p.print(resp, func(tw *tabwriter.Writer) {
					for _, e := range resp {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(e.CreatedAt), e.Level, e.Phase, e.Message)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")
	return cmd
}
