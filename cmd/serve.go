package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tracelight/marketscan/internal/api"
	"github.com/tracelight/marketscan/internal/health"
)

var servePort int

// serveCmd runs the read API with an embedded cycle scheduler. The scheduler
// mirrors watch: cycles run sequentially, and a store outage stops the whole
// process so the supervisor can restart it against a healthy backend.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the detection read API with an embedded scan scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		orch, client, err := buildOrchestrator(st)
		if err != nil {
			return err
		}
		defer client.Close()

		router := api.NewRouter(api.Deps{
			Store:     st,
			Collector: health.NewCollector(st, orch),
			Reports:   orch,
		})

		runCycle := func(ctx context.Context) error {
			_, err := orch.RunCycle(ctx)
			return err
		}

		port := resolvePort(servePort, cfg.Server.Port)
		return runScanServer(ctx, router, port, runCycle, cfg.Scan.Interval)
	},
}

// resolvePort prefers the flag value over the configured one.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// runScanServer serves handler on port while driving runCycle once
// immediately and then every interval. It returns after both the server and
// the scheduler have stopped: on ctx cancellation with a nil error, or with
// the scheduler's error when a cycle fails. The scheduler is always drained
// before returning so the caller can safely close the store behind it.
func runScanServer(ctx context.Context, handler http.Handler, port int, runCycle func(context.Context) error, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	schedErr := make(chan error, 1)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := runCycle(ctx); err != nil {
				schedErr <- err
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	// Graceful shutdown
	go func() {
		select {
		case <-ctx.Done():
			zap.L().Info("shutting down server")
		case <-schedDone:
			zap.L().Info("scheduler stopped, shutting down server")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	err := srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		// Listen failed outright; release the scheduler too.
		cancel()
	}

	// The last cycle may still be writing; wait for it before the caller
	// tears down the store and client.
	<-schedDone

	if err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	select {
	case err := <-schedErr:
		return err
	default:
		return nil
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
