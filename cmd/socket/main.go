package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elliotttmiller/sentinel.ai-sub002/config"
	"github.com/elliotttmiller/sentinel.ai-sub002/providers"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/logging"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const shutdownTimeout = 10 * time.Second

func runGracefulShutdown(srv *fasthttp.Server, plugin *providers.SocketPlugin, logger zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// hijacked websocket connections are closed by the hub, not the server
		if err := plugin.Deactivate(ctx); err != nil {
			logger.Error().Err(err).Msg("hub shutdown incomplete")
		}
		if err := srv.ShutdownWithContext(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		close(done)
	}()

	return done
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	plugin := providers.NewSocketPlugin(cfg, logger)
	if err := plugin.Activate(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to activate websocket plugin")
	}

	app := fiber.New()
	plugin.RegisterRoutes(app)

	srv := &fasthttp.Server{
		Name:    "socket",
		Handler: plugin.Handler(app.Handler()),
	}

	done := runGracefulShutdown(srv, plugin, logger)

	logger.Info().Str("addr", cfg.Addr).Str("version", cfg.ServerVersion).Msg("server starting")
	if err := srv.ListenAndServe(cfg.Addr); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}

	<-done
}
