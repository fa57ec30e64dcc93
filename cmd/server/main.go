package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	router "github.com/akosev/ringlet/internal/adapters/http"
	"github.com/akosev/ringlet/internal/adapters/presence"
	signaladapter "github.com/akosev/ringlet/internal/adapters/signal"
	"github.com/akosev/ringlet/internal/adapters/store"
	"github.com/akosev/ringlet/internal/app"
	"github.com/akosev/ringlet/internal/app/orch"
	"github.com/akosev/ringlet/internal/config"
	"github.com/akosev/ringlet/internal/turncred"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	mongoCtx, mongoCancel := context.WithTimeout(ctx, 10*time.Second)
	defer mongoCancel()
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatal().Err(err).Msg("mongo connect")
	}
	if err := mongoClient.Ping(mongoCtx, nil); err != nil {
		log.Warn().Err(err).Msg("mongo unreachable at startup, writes will retry lazily")
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	redisOpt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("bad redis url")
	}
	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable at startup, presence checks will error")
	}

	issuer, err := turncred.NewIssuer(turncred.Config{
		SharedSecret: cfg.Relay.SharedSecret,
		TTL:          cfg.Relay.CredentialTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("relay credential issuer")
	}

	hub := signaladapter.NewHub()
	callStore := store.NewMongoStore(db)
	reg := app.NewRegistry()
	relay := app.NewRelay(reg, callStore, hub, cfg.Call.BatchDelay)

	o := &orch.Orchestrator{
		Registry:  reg,
		Relay:     relay,
		Creds:     issuer,
		Store:     callStore,
		Presence:  presence.NewRedisPresence(redisClient),
		Directory: store.NewMongoDirectory(db),
		Notify:    hub,
		Servers: orch.RelayServers{
			STUNURLs: cfg.Relay.STUNURLs,
			TURNURLs: cfg.Relay.TURNURLs,
		},
		Limits: orch.Limits{
			RingTimeout:     cfg.Call.RingTimeout,
			MaxCallDuration: cfg.Call.MaxDuration,
			SweepInterval:   cfg.Call.SweepInterval,
			QualityInterval: cfg.Call.QualityInterval,
			EvictGrace:      cfg.Call.EvictGrace,
		},
	}

	go o.Run(ctx)

	r := router.SetupRouter(ctx, cfg, o, hub)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Ringlet server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("mongo disconnect")
	}
	_ = redisClient.Close()
	log.Info().Msg("Server exited gracefully")
}
