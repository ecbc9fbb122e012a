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

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/actions"
	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/bulk"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/crypto"
	"github.com/Martian-dev/mailsync/internal/dedupe"
	"github.com/Martian-dev/mailsync/internal/insights"
	"github.com/Martian-dev/mailsync/internal/logging"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

func main() {
	cfg, err := config.Load(os.Getenv("MAILSYNC_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewLogger(cfg)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	key, err := crypto.LoadKey(cfg.Crypto)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load credential key")
	}
	box, err := crypto.NewBox(key)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create credential box")
	}

	guard := sync.NewGuard(cfg.Provider, log)
	connector := sync.NewConnector(st, box, providers.NewFactory(cfg.Google, cfg.Provider, log), guard)
	runner := sync.NewRunner(st, connector, cfg.Sync, log)
	manager := sync.NewManager(runner, st, cfg.Sync, log)

	executor := bulk.NewExecutor(connector, st, log)
	scanner := dedupe.NewScanner(st, executor, log)

	var publisher natsjs.Publisher = natsjs.Discard{}
	if cfg.NATS.URL != "" {
		js, err := natsjs.Connect(cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer js.Close()
		if err := js.EnsureStream(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure event stream")
		}
		publisher = js
	} else {
		log.Warn().Msg("nats.url not set, outbox events are discarded")
	}
	go natsjs.NewDispatcher(st, publisher, log).Run(ctx)

	var resolver auth.UserResolver
	if cfg.Auth.JWKSURL != "" {
		v, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise JWT verifier")
		}
		resolver = v
	} else {
		log.Warn().Msg("auth.jwks_url not set, every /v1 request is rejected")
		resolver = auth.ResolverFunc(func(*http.Request) (*auth.User, error) {
			return nil, errors.New("authentication not configured")
		})
	}

	srv := api.NewServer(api.Deps{
		Store:      st,
		Runner:     runner,
		Manager:    manager,
		Actions:    actions.NewService(st, executor, scanner, connector, log),
		Duplicates: scanner,
		Insights:   insights.New(st),
		Resolver:   resolver,
	}, log)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	if err := manager.StartAll(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start sync loops")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	manager.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown")
	}
}
