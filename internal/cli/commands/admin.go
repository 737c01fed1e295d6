package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/release-gate/internal/api"
	"github.com/alvesdmateus/release-gate/internal/app"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/database"
	"github.com/alvesdmateus/release-gate/pkg/models"
)

func (r *root) incidentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Open, resolve and list incidents that block deployments",
	}

	var inc models.Incident
	open := &cobra.Command{
		Use:   "open",
		Short: "Open an incident for a service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if inc.Title == "" {
				return errors.New("--title is required")
			}
			inc.OpenedAt = time.Now().UTC()
			return r.withStore(cmd, func(ctx context.Context, store *state.Repository, p printer) error {
				if err := store.OpenIncident(ctx, &inc); err != nil {
					return err
				}
				return p.print(inc, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "Opened incident %s for %s/%s\n", inc.ID, inc.Environment, inc.ServiceName)
				})
			})
		},
	}
	open.Flags().StringVarP(&inc.Environment, "env", "e", "", "environment")
	open.Flags().StringVarP(&inc.ServiceName, "service", "s", "", "service")
	open.Flags().StringVar(&inc.Title, "title", "", "short description")
	open.Flags().StringVar(&inc.OpenedBy, "as", currentUser(), "identity recorded on the incident")
	_ = open.MarkFlagRequired("env")
	_ = open.MarkFlagRequired("service")

	resolve := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Resolve an active incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withStore(cmd, func(ctx context.Context, store *state.Repository, p printer) error {
				if err := store.ResolveIncident(ctx, args[0], time.Now().UTC()); err != nil {
					return err
				}
				return p.print(map[string]string{"id": args[0], "status": "resolved"}, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "Resolved incident %s\n", args[0])
				})
			})
		},
	}

	var (
		env    string
		active bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List incidents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withStore(cmd, func(ctx context.Context, store *state.Repository, p printer) error {
				incidents, err := store.ListIncidents(ctx, env, active)
				if err != nil {
					return err
				}
				return p.print(incidents, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tENVIRONMENT\tSERVICE\tACTIVE\tTITLE\tOPENED")
					for _, i := range incidents {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
							i.ID, i.Environment, i.ServiceName, i.Active, i.Title, formatTime(i.OpenedAt))
					}
				})
			})
		},
	}
	list.Flags().StringVarP(&env, "env", "e", "", "filter by environment")
	list.Flags().BoolVar(&active, "active", false, "only active incidents")

	cmd.AddCommand(open, resolve, list)
	return cmd
}

func (r *root) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.config()
			if err != nil {
				return err
			}
			db, err := database.New(app.DatabaseConfig(cfg))
			if err != nil {
				return err
			}
			defer database.Close(db)
			models := state.AllModels()
			missing, err := database.MissingTables(db, models...)
			if err != nil {
				return err
			}
			if err := database.Migrate(db, models...); err != nil {
				return err
			}
			for _, table := range missing {
				fmt.Fprintf(cmd.OutOrStdout(), "Created table %s\n", table)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

func (r *root) operatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage API operators",
	}

	var username, password, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an operator that can log in to the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("GATECTL_PASSWORD")
			}
			return r.withStore(cmd, func(ctx context.Context, store *state.Repository, p printer) error {
				op, err := api.CreateOperator(ctx, store, username, password, role)
				if err != nil {
					return err
				}
				resp := api.OperatorResponse{
					ID:        op.ID,
					Username:  op.Username,
					Role:      op.Role,
					Active:    op.Active,
					CreatedAt: op.CreatedAt,
				}
				return p.print(resp, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "Created operator %s (%s)\n", resp.Username, resp.Role)
				})
			})
		},
	}
	create.Flags().StringVar(&username, "username", "", "login name, recorded on runs and approvals")
	create.Flags().StringVar(&password, "password", "", "password, at least 8 characters (or GATECTL_PASSWORD)")
	create.Flags().StringVar(&role, "role", api.RoleDeployer, "admin, deployer or approver")
	_ = create.MarkFlagRequired("username")

	cmd.AddCommand(create)
	return cmd
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
