package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/presence"
	"github.com/Tyrowin/gochat-relay/internal/responder"
	"github.com/Tyrowin/gochat-relay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	host := flag.String("host", "", "listen host (overrides config)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Server.Host = *host
		case "port":
			cfg.Server.Port = *port
		}
	})

	logging.Init(cfg.Log)
	logger := logging.L()
	logger.Info().Str("addr", cfg.Server.Addr()).Msg("starting chat relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithResponder(responder.NewOpenAI(responder.OpenAIConfig{
			APIKey:      cfg.Assistant.APIKey,
			BaseURL:     cfg.Assistant.BaseURL,
			Model:       cfg.Assistant.Model,
			MaxTokens:   cfg.Assistant.MaxTokens,
			Temperature: cfg.Assistant.Temperature,
		})),
	}
	if cfg.Assistant.APIKey == "" {
		logger.Warn().Msg("assistant api key not configured; chats will be answered with a fallback")
	}

	var mirror *presence.RedisMirror
	if cfg.Presence.Address != "" {
		mirror, err = presence.NewRedisMirror(ctx, cfg.Presence, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start presence mirror")
		}
		opts = append(opts, server.WithPresence(mirror))
	}

	relay := server.New(*cfg, opts...)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := relay.ListenAndServe(""); err != nil && !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})

	var httpServer *http.Server
	if cfg.HTTP.Addr != "" {
		httpServer = server.CreateServer(cfg.HTTP.Addr, relay.SetupRoutes())
		g.Go(func() error {
			logger.Info().Str("addr", cfg.HTTP.Addr).Msg("admin HTTP server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if mirror != nil {
		g.Go(func() error { return mirror.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		if httpServer != nil {
			_ = server.ShutdownServer(httpServer, shutdownTimeout, logger)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := relay.Shutdown(shutdownCtx)
		if mirror != nil {
			if cerr := mirror.Close(); cerr != nil {
				logger.Warn().Err(cerr).Msg("error closing presence mirror")
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("chat relay stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("chat relay stopped")
}
