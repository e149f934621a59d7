// Command fishtestd is the orchestrator's process entrypoint: a root
// cobra.Command with a "serve" subcommand that boots the store, registry,
// dispatcher, scavenger and HTTP API, and a "createdb" subcommand that runs
// the sqlite migrations standalone.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fishtest-net/orchestrator/internal/config"
	"github.com/fishtest-net/orchestrator/internal/dispatcher"
	"github.com/fishtest-net/orchestrator/internal/domain"
	"github.com/fishtest-net/orchestrator/internal/infra/sqlite"
	"github.com/fishtest-net/orchestrator/internal/registry"
	"github.com/fishtest-net/orchestrator/internal/scavenger"
	"github.com/fishtest-net/orchestrator/internal/spsasession"
	"github.com/fishtest-net/orchestrator/internal/taskupdater"

	"github.com/fishtest-net/orchestrator/internal/api"
)

var configPath string

// logNotifier stands in for the external mail collaborator: finished runs
// are logged rather than mailed, since notification delivery is owned by an
// external service reached through the domain.Notifier interface.
type logNotifier struct{}

func (logNotifier) RunFinished(_ context.Context, run *domain.Run) {
	log.Printf("[notify] run %s finished: %s", run.ID, run.StopReason)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fishtestd",
	Short: "Distributed chess-engine A/B test orchestrator",
	Long: `fishtestd runs the fishtest-style orchestrator: it dispatches game
chunks to volunteer workers, applies the SPRT/SPSA sequential decision rules
to their reported results, and serves the worker RPC and submitter HTTP
surface described in config.toml.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (optional; built-in defaults used if omitted)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createdbCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP server",
	RunE:  runServe,
}

var createdbCmd = &cobra.Command{
	Use:   "createdb",
	Short: "Apply sqlite migrations and exit",
	RunE:  runCreateDB,
}

func runCreateDB(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("createdb: %w", err)
	}
	return db.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}
	defer store.Close()

	reg := registry.New(store, logNotifier{}, registry.Config{
		FlushInterval: cfg.Run.FlushInterval(),
		Now:           time.Now,
	})
	purger := scavenger.NewPurger()
	reg.SetPurger(purger)

	disp := dispatcher.New(reg, store, dispatcher.Config{
		CacheTTL:           cfg.Dispatcher.CacheTTL(),
		ConcurrentRequests: cfg.Dispatcher.ConcurrentRequests,
		Now:                time.Now,
	})

	sessions := spsasession.New()
	reg.SetSessionClearer(sessions)
	updater := taskupdater.New(reg, sessions)

	scav := scavenger.New(reg, scavenger.Config{
		ScanInterval: cfg.Scavenger.ScanInterval(),
		StaleAfter:   cfg.Scavenger.StaleAfter(),
		Now:          time.Now,
	})

	server := api.NewServer(api.Deps{
		Store:      store,
		Registry:   reg,
		Dispatcher: disp,
		Updater:    updater,
		Sessions:   sessions,
		Purger:     purger,
	})
	if cfg.Server.EnableMetrics {
		server.EnableMetrics()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg.Start(ctx)
	scav.Start(ctx)

	httpServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: server.Handler()}
	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("fishtestd: listening on %s\n", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		return err
	}

	// On SIGINT/SIGTERM, drain the HTTP listener, stop the scavenger, then
	// flush every dirty run best-effort before exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	scav.Stop()
	reg.Shutdown(shutdownCtx)
	return nil
}
