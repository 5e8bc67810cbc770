package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/handlers"
	"github.com/MegaGrindStone/chat-stream/internal/services"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

const completionsPath = "/api/chat/completions"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:          "chat-server",
		Short:        "Serve streamed chat completions over the UI message stream protocol",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "",
		"path of the config file (default <user config dir>/chatstream/config.yaml)")

	return cmd
}

func newHandler(cfg config, logger *slog.Logger) (http.Handler, handlers.Main, error) {
	llm, err := cfg.LLM.llm(logger)
	if err != nil {
		return nil, handlers.Main{}, fmt.Errorf("error creating llm: %w", err)
	}

	tools := services.NewToolbox(logger)
	if !cfg.Weather.Disabled {
		services.RegisterWeather(tools, services.NewWeather(cfg.Weather.BaseURL))
	}

	m, err := handlers.NewMain(llm, logger,
		handlers.WithTools(tools),
		handlers.WithSystemPrompt(cfg.SystemPrompt),
		handlers.WithRateLimit(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
		handlers.WithMaxToolCalls(cfg.MaxToolCalls),
	)
	if err != nil {
		return nil, handlers.Main{}, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(completionsPath, m.HandleCompletions)

	return mux, m, nil
}

func run(cfg config) error {
	level, err := cfg.logLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	handler, m, err := newHandler(cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown handlers", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.String("path", completionsPath))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("error forcing server close: %w", err)
			}
		}
	}

	return nil
}
