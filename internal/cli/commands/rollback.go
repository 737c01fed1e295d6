package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/release-gate/internal/app"
	"github.com/alvesdmateus/release-gate/internal/orchestrator"
	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/pkg/models"
)

func (r *root) rollbackPointsCmd() *cobra.Command {
	var env, service string
	cmd := &cobra.Command{
		Use:   "rollback-points",
		Short: "List the snapshots a service can be restored to, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App, p printer) error {
				points, err := a.Rollbacks.ListRollbackPoints(ctx, env, service)
				if err != nil {
					return err
				}
				return p.print(points, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tVERSION\tRUN\tIMAGE\tCREATED")
					for _, pt := range points {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
							pt.ID, pt.Version, pt.DeploymentID, pt.ArtifactRefs[models.ArtifactImage], formatTime(pt.CreatedAt))
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&env, "env", "e", "", "environment")
	cmd.Flags().StringVarP(&service, "service", "s", "", "service")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func (r *root) rollbackCmd() *cobra.Command {
	var (
		req    orchestrator.ManualRollback
		inline bool
	)
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore a service to a rollback point",
		Long: `Rollback restores the newest restorable snapshot, or the one named by
--snapshot, under the service lease and verifies it with a health check.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App, p printer) error {
				if a.Jobs != nil && !inline {
					id, err := a.Jobs.TriggerRollback(ctx, &queue.RollbackPayload{
						Environment: req.Environment,
						ServiceName: req.ServiceName,
						SnapshotID:  req.SnapshotID,
						RequestedBy: req.RequestedBy,
					})
					if err != nil {
						return err
					}
					return p.print(map[string]string{"job_id": id, "status": "queued"}, func(tw *tabwriter.Writer) {
						fmt.Fprintf(tw, "Queued rollback %s\n", id)
					})
				}

				res, err := a.Controller.Rollback(ctx, req)
				if err != nil {
					return err
				}
				return p.print(res, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "Restored:\t%s/%s\n", req.Environment, req.ServiceName)
					fmt.Fprintf(tw, "Snapshot:\t%s\n", res.SnapshotID)
					fmt.Fprintf(tw, "Version:\t%s\n", res.Version)
					fmt.Fprintf(tw, "Workload:\t%s\n", res.Workload)
					fmt.Fprintf(tw, "Verified:\t%t\n", res.Verified)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&req.Environment, "env", "e", "", "environment")
	cmd.Flags().StringVarP(&req.ServiceName, "service", "s", "", "service")
	cmd.Flags().StringVar(&req.SnapshotID, "snapshot", "", "snapshot to restore, newest when empty")
	cmd.Flags().StringVar(&req.RequestedBy, "requested-by", currentUser(), "identity recorded on the rollback")
	cmd.Flags().BoolVar(&inline, "inline", false, "restore in this process even when runs are queued")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}
