package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"blacksky.com/maurice/internal/api"
	"blacksky.com/maurice/internal/auth"
	"blacksky.com/maurice/internal/config"
	"blacksky.com/maurice/internal/core"
	"blacksky.com/maurice/internal/identity"
	"blacksky.com/maurice/internal/llm"
	"blacksky.com/maurice/internal/logger"
	"blacksky.com/maurice/internal/metrics"
	"blacksky.com/maurice/internal/notify"
	"blacksky.com/maurice/internal/rag"
	"blacksky.com/maurice/internal/store"
)

const sweepInterval = time.Minute

func main() {
	// Command line flag for data ingestion
	ingestFlag := flag.Bool("ingest", false, "Ingest the knowledge directory and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL, log.DbLogger("sqlite"), m)
	if err != nil {
		log.Fatal("failed to initialize database").Err(err).Send()
	}
	defer dbStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gemini, err := llm.NewGemini(ctx, llm.GeminiConfig{
		APIKey:         cfg.GeminiAPIKey,
		ChatModel:      cfg.ChatModel,
		EmbeddingModel: cfg.EmbeddingModel,
		Temperature:    float32(cfg.Temperature),
		MaxTokens:      int32(cfg.MaxTokens),
	}, log.Component("llm"))
	if err != nil {
		log.Fatal("failed to initialize LLM client").Err(err).Send()
	}
	defer gemini.Close()

	ingester := rag.NewIngester(dbStore, gemini, cfg.ChunkSize, cfg.ChunkOverlap, log.Component("ingest"))

	// Handle data ingestion if flag is set
	if *ingestFlag {
		n, err := ingester.IngestDir(ctx, cfg.KnowledgeDir)
		if err != nil {
			log.Fatal("data ingestion failed").Err(err).Send()
		}
		log.Info("data ingestion complete").Int("chunks", n).Str("dir", cfg.KnowledgeDir).Send()
		return
	}

	searcher, err := rag.NewEmbeddingSearcher(ctx, dbStore, gemini, cfg.RAGMinSimilarity, log.Component("rag"))
	if err != nil {
		log.Fatal("failed to initialize knowledge search").Err(err).Send()
	}

	var sessions identity.SessionStore = identity.NewMemorySessions(cfg.PendingMatchTTL())
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL").Err(err).Send()
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to reach redis").Err(err).Send()
		}
		sessions = identity.NewRedisSessions(client, cfg.PendingMatchTTL())
		log.Info("pending identity matches kept in redis").Send()
	}

	var notifier notify.Notifier = notify.NewLogNotifier(log.Component("leads"))
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.LeadQueue)
		if err != nil {
			log.Fatal("failed to connect to message broker").Err(err).Send()
		}
		defer publisher.Close()
		notifier = publisher
		log.Info("lead events published").Str("queue", cfg.LeadQueue).Send()
	}

	orchestrator := core.NewOrchestrator(core.Deps{
		Store:      dbStore,
		Resolver:   identity.NewResolver(dbStore, sessions, log.Component("identity")),
		Context:    rag.NewContextBuilder(searcher, cfg.RAGTopK, cfg.RAGContextBudget, log.Component("rag")),
		Streamer:   gemini,
		Summarizer: gemini,
		Notifier:   notifier,
		Metrics:    m,
		Log:        log.Component("orchestrator"),
	}, core.Options{
		MaxHistoryTurns:  cfg.MaxHistoryTurns,
		HotLeadThreshold: cfg.HotLeadThreshold,
		IdleAfter:        cfg.ConversationIdle(),
	})
	go orchestrator.RunSweeper(ctx, sweepInterval)

	apiHandler := api.NewAPIHandler(orchestrator, dbStore, auth.NewTokenIssuer(cfg.JWTSecret), ingester, searcher, api.Options{
		AdminPassword:    cfg.AdminPassword,
		UserTokenTTL:     cfg.UserTokenTTL(),
		HotLeadThreshold: cfg.HotLeadThreshold,
	}, log.Component("api"))
	router := api.NewRouter(apiHandler, api.RouterConfig{
		CORSOrigins: cfg.CORSOrigins,
		Log:         log,
		Metrics:     m,
		Gatherer:    reg,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // the streaming handler lifts this per request
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("starting server").Str("addr", serverAddr).Send()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("could not listen").Err(err).Str("addr", serverAddr).Send()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server").Send()

	// This gives active streams time to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown").Err(err).Send()
	}
	log.Info("server exiting gracefully").Send()
}
