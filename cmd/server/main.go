// Package main is the entry point for the trivia duel matchmaking server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trivia-duel/internal/api"
	"trivia-duel/internal/bot"
	"trivia-duel/internal/config"
	"trivia-duel/internal/events"
	"trivia-duel/internal/ledger"
	"trivia-duel/internal/matchmaking"
	"trivia-duel/internal/opponent"
	"trivia-duel/internal/pkg/db"
	"trivia-duel/internal/pkg/secret"
	"trivia-duel/internal/queue"
	"trivia-duel/internal/repository"
	"trivia-duel/internal/scheduler"
	"trivia-duel/internal/sequence"
	"trivia-duel/internal/service"
)

func main() {
	// Missing .env is fine outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)
	log.Info().Str("environment", cfg.Server.Environment).Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := db.RunMigrations(cfg.Database.DSN()); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	rdb, err := queue.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	defer rdb.Close()

	// Repositories
	accountRepo := repository.NewAccountRepository(dbPool.Pool, cfg.Ledger.InitialGrantAmount())
	matchRepo := repository.NewMatchRepository(dbPool.Pool)
	sequenceRepo := repository.NewSequenceRepository(dbPool.Pool)
	queueStore := queue.NewStore(rdb)

	credits := ledger.New(accountRepo, ledger.Config{
		MaxRetries: cfg.Ledger.MaxRetries,
		RetryBase:  cfg.Ledger.RetryBase,
	})

	publisher := newPublisher(cfg)
	defer publisher.Close()

	// Matchmaking
	synth := opponent.NewSynthesizer(newLabeler(cfg), cfg.Opponent.LabelTimeout, cfg.Matchmaking.MaxPingDiffMs)
	creator := matchmaking.NewCreator(credits, sequence.NewSelector(sequenceRepo), matchRepo)
	processor := matchmaking.NewProcessor(queueStore, creator, synth, publisher, matchmaking.ProcessorConfig{
		Rules: matchmaking.Rules{
			MaxPingDiffMs: cfg.Matchmaking.MaxPingDiffMs,
			MaxFeeDiff:    cfg.Matchmaking.MaxFeeDiffAmount(),
		},
		WaitThreshold: cfg.Matchmaking.WaitThreshold,
	})
	results := matchmaking.NewResultApplier(matchRepo, credits, publisher)

	sched, err := scheduler.New(processor, cfg.Matchmaking.Interval, cfg.Matchmaking.PassTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}
	sched.Start()

	// Services
	queueService := service.NewQueueService(queueStore, credits, sched, service.QueueConfig{
		QueueTTL:  cfg.Matchmaking.QueueTTL,
		SafetyFee: cfg.Matchmaking.SafetyFeeAmount(),
		Durations: cfg.Matchmaking.Durations,
	})
	creditService := service.NewCreditService(credits, matchRepo)

	server := api.NewServer(cfg.Server.Port, api.NewRouter(api.Dependencies{
		Queue:         queueService,
		Credits:       creditService,
		Results:       results,
		Passes:        processor,
		Checks: map[string]func(context.Context) error{
			"postgres": dbPool.HealthCheck,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		JWTSecret:     cfg.Auth.JWTSecret,
		InternalToken: cfg.Auth.InternalToken,
		Production:    cfg.IsProduction(),
	}))
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP API stopped")
		}
	}()

	var telegramBot *bot.Bot
	if cfg.Bot.Token != "" {
		telegramBot, err = bot.New(&bot.Dependencies{
			Config:        cfg,
			QueueService:  queueService,
			CreditService: creditService,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create bot")
		}
		go telegramBot.Start()
	} else {
		log.Info().Msg("Bot token not set, Telegram surface disabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	if telegramBot != nil {
		telegramBot.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP API shutdown failed")
	}
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown failed")
	}
	log.Info().Msg("Server stopped gracefully")
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

type closingPublisher interface {
	matchmaking.Publisher
	Close()
}

func newPublisher(cfg *config.Config) closingPublisher {
	if cfg.Events.AMQPURL == "" {
		log.Info().Msg("Events AMQP URL not set, match events disabled")
		return events.Noop{}
	}
	p, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to AMQP broker, match events disabled")
		return events.Noop{}
	}
	return p
}

// newLabeler returns nil when no label service is configured so the
// synthesizer falls back to its fixed label.
func newLabeler(cfg *config.Config) opponent.Labeler {
	if cfg.Opponent.LabelURL == "" {
		return nil
	}
	var loaders []secret.Loader
	if cfg.Opponent.APIKeyFile != "" {
		loaders = append(loaders, secret.FromFile(cfg.Opponent.APIKeyFile))
	}
	if cfg.Opponent.APIKeyEnv != "" {
		loaders = append(loaders, secret.FromEnv(cfg.Opponent.APIKeyEnv))
	}
	key := secret.NewCache("label-api-key", secret.FirstOf(loaders...), cfg.Opponent.KeyTTL)
	return opponent.NewHTTPLabeler(cfg.Opponent.LabelURL, key, cfg.Opponent.LabelTimeout)
}
