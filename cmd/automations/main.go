// Package main is the entry point for the automations service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/config"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/validator"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "automations",
		Short:        "Workflow automation execution service",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newReconcileCmd(), newValidateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, queue workers and schedule reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if port != "" {
				cfg.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one schedule reconciliation sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := newLogger(cfg)

			a, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.schedules.ReconcileOnce(cmd.Context())
			if report != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.json | ->",
		Short: "Check a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			v, err := validator.New()
			if err != nil {
				return err
			}
			res := v.ValidateWorkflowJSON(data)
			if res.Valid {
				fmt.Fprintln(cmd.OutOrStdout(), "valid")
				return nil
			}
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", e.Path, e.Message)
			}
			return errors.New("workflow is invalid")
		},
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	logger.Info("starting automations",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "automations",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Enabled:        cfg.OTelEnabled,
		SampleRate:     cfg.OTelSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.broker.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		a.schedules.Run(ctx)
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.handler().Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case runErr = <-serveErr:
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	stop()
	<-reconcileDone
	a.broker.Stop()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return runErr
}
