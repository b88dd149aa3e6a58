// Command eventsd serves the shared event document store that sofiasync
// clients synchronise against.
//
//	eventsd --addr :8080 --db ./events.db --token s3cret
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sofiatracker/syncengine/internal/docstore"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr    string
		dbPath  string
		token   string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:           "eventsd",
		Short:         "Serve the event document store over HTTP",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			if token == "" {
				token = os.Getenv("EVENTSD_TOKEN")
			}
			if token == "" {
				logger.Warn("no token configured, the store accepts unauthenticated requests")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, addr, dbPath, token, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "events.db", "path to the document database")
	cmd.Flags().StringVar(&token, "token", "", "bearer token required on every request (or $EVENTSD_TOKEN)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	return cmd
}

func serve(ctx context.Context, addr, dbPath, token string, logger *slog.Logger) error {
	st, err := docstore.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("opening document DB at %q: %w", dbPath, err)
	}
	defer st.Close()

	srv := docstore.NewServer(st, token, logger)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("eventsd listening", "addr", addr, "db", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		// Subscriptions are long-lived; close them before draining.
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
