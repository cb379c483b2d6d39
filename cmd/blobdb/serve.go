package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/maruel/blobdb/internal/auth"
	"github.com/maruel/blobdb/internal/server"
)

func newServeCommand(opts *rootOptions, stop context.CancelFunc) *cobra.Command {
	var (
		httpAddr       string
		watch          bool
		requireSession bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the collections over a REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := opts.open(ctx)
			if err != nil {
				return err
			}
			cfg := opts.cfg
			svc := auth.New(store, cfg.Auth, auth.WithSender(cfg.Sender()), auth.WithLogger(slog.Default()))
			version, _, _, _ := getBuildInfo()
			h := server.New(store, svc, server.Config{
				WriteRatePerMin: *cfg.WriteRatePerMin,
				RequireSession:  requireSession,
				Version:         version,
			})
			defer h.Close()
			if watch {
				if err := watchExecutable(ctx, stop); err != nil {
					return fmt.Errorf("failed to watch executable: %w", err)
				}
			}
			return serveHTTP(ctx, httpAddr, h)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "localhost:8080", "address to listen on")
	cmd.Flags().BoolVar(&watch, "watch", false, "exit when the executable is replaced")
	cmd.Flags().BoolVar(&requireSession, "require-session", false, "require a bearer session for writes")
	return cmd
}

// serveHTTP runs until ctx is canceled, then shuts down gracefully.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", l.Addr().String())
		serverErr <- srv.Serve(l)
	}()
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

// watchExecutable calls stop when the running binary is rewritten, so a
// supervisor can restart the new build.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
