package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/registry"
	"github.com/spf13/cobra"
)

// cli carries state shared by every command.
type cli struct {
	configPath string
	cfg        *Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "fleetd",
		Short: "Cyber range fleet controller",
		Long: `fleetd registers container hosts, places lab assets on them and keeps
every host's containers in their desired state.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(c.configPath)
			if err != nil {
				return &ServerError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
			}
			c.cfg = cfg
			c.logger = SetupLogger(cfg)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to config file")
	root.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "%s" .Version}}
`)

	hosts := &cobra.Command{
		Use:   "hosts",
		Short: "Manage registered hosts",
	}
	hosts.AddCommand(c.hostsImportCmd())

	root.AddCommand(
		c.serveCmd(),
		c.sweepCmd(),
		c.healthCmd(),
		c.discoverCmd(),
		hosts,
		versionCmd(),
	)
	return root
}

// =============================================================================
// Commands
// =============================================================================

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c.logger.Info("starting fleetd", "version", Version, "config", c.configPath)
			server, err := NewServer(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			return server.Start(ctx)
		},
	}
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) (any, error) {
				result := app.Engine.SyncNeedingReconciliation(ctx)
				if result.Error != "" {
					return result, &ServerError{Op: "sweep", Err: errors.New(result.Error), ExitCode: ExitRuntimeError}
				}
				return result, nil
			})
		},
	}
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Health-check every host once and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.Registry.BatchHealthCheck(ctx), nil
			})
		},
	}
}

func (c *cli) discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List containers on every active host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) (any, error) {
				return app.Scanner.DiscoverAllContainers(ctx)
			})
		},
	}
}

func (c *cli) hostsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <inventory.yaml>",
		Short: "Create or update hosts from a YAML inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return &ServerError{Op: "hosts import", Err: err, ExitCode: ExitConfigError}
			}
			defer f.Close()

			nodes, err := registry.LoadInventory(f)
			if err != nil {
				return &ServerError{Op: "hosts import", Err: err, ExitCode: ExitConfigError}
			}
			return c.withApp(cmd, func(ctx context.Context, app *App) (any, error) {
				result := app.Registry.ImportInventory(ctx, nodes)
				if len(result.Errors) > 0 {
					return result, &ServerError{
						Op:       "hosts import",
						Err:      fmt.Errorf("%d hosts rejected", len(result.Errors)),
						ExitCode: ExitRuntimeError,
					}
				}
				return result, nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetd %s (built %s)\n", Version, BuildTime)
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

// withApp builds the app, runs fn and prints its result as JSON. The
// result is printed even when fn fails.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) (any, error)) error {
	ctx := cmd.Context()
	app, err := NewApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer app.Close()

	result, runErr := fn(ctx, app)
	if result != nil {
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
