package cli

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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/engram/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: "Load the snapshot, serve the engine over HTTP and save the snapshot again on shutdown. " +
		"Fossilization needs the query history a long-running server accumulates.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	eng, path, err := openEngine()
	if err != nil {
		return err
	}
	eng.StartDecayTimer()

	srv := server.New(eng, server.Options{
		SnapshotPath: path,
		Version:      VersionString(),
		Logger:       logger,
	})
	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("engram serving",
			zap.String("addr", addr),
			zap.String("db", path),
			zap.String("decay_policy", string(cfg.Decay.Policy)),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := eg.Wait()
	eng.Stop()

	if err := eng.Save(path); err != nil {
		return errors.Join(runErr, err)
	}
	logger.Info("snapshot saved", zap.String("path", path))
	return runErr
}
