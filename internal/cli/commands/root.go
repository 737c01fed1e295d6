package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/release-gate/internal/app"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/config"
	"github.com/alvesdmateus/release-gate/pkg/database"
)

// Version is stamped at build time
var Version = "dev"

// AppFactory builds the release gate for one command invocation
type AppFactory func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app.App, error)

type root struct {
	configPath string
	output     string
	verbose    bool
	newApp     AppFactory
}

// NewRootCommand builds the gatectl command tree. A nil factory uses app.New
// against the configured backends.
func NewRootCommand(newApp AppFactory) *cobra.Command {
	r := &root{newApp: newApp}
	if r.newApp == nil {
		r.newApp = func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app.App, error) {
			return app.New(ctx, cfg, app.Options{}, logger)
		}
	}

	cmd := &cobra.Command{
		Use:   "gatectl",
		Short: "gatectl - drive and inspect gated deployments",
		Long: `gatectl runs deployments through their environment's gate sequence,
inspects run history, resolves approvals and restores rollback points.

Core Flow:
  Request → Policy → Lease → Snapshot → Gates → Record → Notify`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&r.configPath, "config", "c", "", "path to the configuration file")
	cmd.PersistentFlags().StringVarP(&r.output, "output", "o", formatText, "output format (text, json, yaml)")
	cmd.PersistentFlags().BoolVarP(&r.verbose, "verbose", "v", false, "log pipeline progress to stderr")

	cmd.AddCommand(
		r.runCmd(),
		r.statusCmd(),
		r.listCmd(),
		r.logsCmd(),
		r.abortCmd(),
		r.recoverCmd(),
		r.rollbackPointsCmd(),
		r.rollbackCmd(),
		r.approvalsCmd(),
		r.approveCmd(),
		r.rejectCmd(),
		r.cancelCmd(),
		r.incidentCmd(),
		r.migrateCmd(),
		r.operatorCmd(),
		versionCmd(),
	)
	return cmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand(nil).Execute(); err != nil {
		os.Exit(1)
	}
}

func (r *root) logger(cmd *cobra.Command) zerolog.Logger {
	level := zerolog.WarnLevel
	if r.verbose {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
		Level(level).
		With().Timestamp().Logger()
}

func (r *root) printer(cmd *cobra.Command) (printer, error) {
	switch r.output {
	case formatText, formatJSON, formatYAML:
		return printer{w: cmd.OutOrStdout(), format: r.output}, nil
	default:
		return printer{}, fmt.Errorf("unknown output format %q", r.output)
	}
}

func (r *root) config() (*config.Config, error) {
	cfg, err := config.LoadFile(r.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// withApp builds the full pipeline for commands that deploy, restore or decide
func (r *root) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, p printer) error) error {
	p, err := r.printer(cmd)
	if err != nil {
		return err
	}
	cfg, err := r.config()
	if err != nil {
		return err
	}
	a, err := r.newApp(cmd.Context(), cfg, r.logger(cmd))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a, p)
}

// withStore opens only the database, for read-only and bookkeeping commands
func (r *root) withStore(cmd *cobra.Command, fn func(ctx context.Context, store *state.Repository, p printer) error) error {
	p, err := r.printer(cmd)
	if err != nil {
		return err
	}
	cfg, err := r.config()
	if err != nil {
		return err
	}
	db, err := database.New(app.DatabaseConfig(cfg))
	if err != nil {
		return err
	}
	defer database.Close(db)
	return fn(cmd.Context(), state.NewRepository(db), p)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gatectl %s\n", Version)
		},
	}
}
