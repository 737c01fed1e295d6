package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/release-gate/internal/app"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/models"
)

func (r *root) approvalsCmd() *cobra.Command {
	var (
		filter state.ApprovalFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = models.ApprovalStatus(status)
			return r.withStore(cmd, func(ctx context.Context, store *state.Repository, p printer) error {
				reqs, err := store.ListApprovals(ctx, filter)
				if err != nil {
					return err
				}
				return p.print(reqs, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tRUN\tGATE\tSTATUS\tAPPROVALS\tEXPIRES")
					for _, req := range reqs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
							req.RequestID, req.DeploymentID, req.GateName, req.Status,
							len(req.Approvals), req.RequiredCount, formatTime(req.ExpiresAt))
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&filter.Environment, "env", "e", "", "filter by environment")
	cmd.Flags().StringVarP(&filter.ServiceName, "service", "s", "", "filter by service")
	cmd.Flags().StringVar(&status, "status", string(models.ApprovalPending), "filter by status, empty for all")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of requests")
	return cmd
}

func (r *root) approveCmd() *cobra.Command {
	return r.decisionCmd("approve", "Approve a pending request", models.DecisionApprove)
}

func (r *root) rejectCmd() *cobra.Command {
	return r.decisionCmd("reject", "Reject a pending request", models.DecisionReject)
}

func (r *root) decisionCmd(use, short string, decision models.Decision) *cobra.Command {
	var approver, reason string
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App, p printer) error {
				req, err := a.Approvals.Resolve(ctx, args[0], approver, decision, reason)
				if err != nil {
					return err
				}
				return p.print(req, func(tw *tabwriter.Writer) { printApproval(tw, req) })
			})
		},
	}
	cmd.Flags().StringVar(&approver, "as", currentUser(), "approver identity")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	return cmd
}

func (r *root) cancelCmd() *cobra.Command {
	var by, reason string
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a pending approval request, failing its gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App, p printer) error {
				req, err := a.Approvals.Cancel(ctx, args[0], by, reason)
				if err != nil {
					return err
				}
				return p.print(req, func(tw *tabwriter.Writer) { printApproval(tw, req) })
			})
		},
	}
	cmd.Flags().StringVar(&by, "as", currentUser(), "identity recorded on the cancellation")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the cancellation")
	return cmd
}
