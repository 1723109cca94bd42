package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/flatblocks"
	"github.com/unkn0wn-root/flatblocks/api"
	"github.com/unkn0wn-root/flatblocks/config"
	"github.com/unkn0wn-root/flatblocks/repo/postgres"
	"github.com/unkn0wn-root/flatblocks/repo/postgres/migrations"
)

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:   "flatblocks",
	Short: "Serve reusable content blocks",
	Long: `Serve flat blocks and block sets over HTTP, with a generation-checked cache in front of the database.

Settings are read from FLATBLOCKS_* environment variables.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  serve,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Apply schema migrations to the configured postgres database. sqlite migrates on open and memory needs none.",
	RunE:  migrate,
}

var purgeCmd = &cobra.Command{
	Use:   "purge-cache",
	Short: "Delete every cached block and block set from redis",
	Long:  "Remove cached entries under FLATBLOCKS_CACHE_PREFIX from the redis provider. Generations stay, so running servers refill on their next read.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		n, err := config.PurgeCache(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d cache keys\n", n)
		return err
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables flatblocks reads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		usage, err := config.Usage()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), usage)
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, purgeCmd, envCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := config.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			app.Log.Error("shutdown", flatblocks.Fields{"err": err})
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHandler(app.Store, app.Log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Log.Info("listening", flatblocks.Fields{"addr": cfg.HTTPAddr, "database": cfg.RedactedDatabaseURL(), "cache": cfg.Cache.Provider})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.Log.Info("shutting down", nil)
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func migrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	kind, err := cfg.DatabaseKind()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if kind != "postgres" {
		_, err = fmt.Fprintf(out, "%s database needs no migrations\n", kind)
		return err
	}

	ctx := cmd.Context()
	r, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer r.Close()

	if err := migrations.Up(ctx, r.Pool()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	_, err = fmt.Fprintln(out, "migrations applied")
	return err
}
