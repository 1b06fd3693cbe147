package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gwi.com/persona-chat/internal/api"
	"gwi.com/persona-chat/internal/auth"
	"gwi.com/persona-chat/internal/config"
	"gwi.com/persona-chat/internal/core"
	"gwi.com/persona-chat/internal/logger"
	"gwi.com/persona-chat/internal/store"
)

func main() {
	ingestDataFlag := flag.Bool("ingest", false, "Embed the passages of a markdown table into the vector store and exit")
	dataFile := flag.String("data", "data.md", "Markdown table read by -ingest")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog, *ingestDataFlag, *dataFile); err != nil {
		zlog.Fatal("Service stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger, ingest bool, dataFile string) error {
	ctx := context.Background()

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	backend, err := core.NewBackend(ctx, cfg)
	if err != nil {
		return err
	}

	memory, closeMemory, err := newMemory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMemory()

	llmService := core.NewLLMService(backend, memory, cfg.GenerationTimeout, zlog.Named("llm"))
	defer llmService.Close()

	ragService := core.NewRAGService(dbStore, llmService, cfg.RAGMinSimilarity, cfg.RetrievalTimeout, zlog.Named("rag"))

	if ingest {
		zlog.Info("Starting data ingestion", zap.String("path", dataFile))
		n, err := ragService.IngestMarkdownTable(ctx, dataFile)
		if err != nil {
			return fmt.Errorf("data ingestion failed: %w", err)
		}
		zlog.Info("Data ingestion complete", zap.Int("stored", n))
		return nil
	}

	chatService := core.NewChatService(dbStore, llmService, ragService, core.ChatOptions{
		PersistInbound:  cfg.PersistInbound,
		RAGEnabled:      cfg.RAGEnabled,
		RAGTopK:         cfg.RAGTopK,
		SelfAuthoredTTL: cfg.WebhookDedupeTTL,
	}, zlog.Named("chat"))
	defer chatService.Close()

	webhook := core.NewWebhookHandler(chatService, cfg.WebhookDedupeTTL, zlog.Named("webhook"))
	defer webhook.Close()

	apiHandler := api.NewAPIHandler(chatService, llmService, ragService, webhook, auth.NewVerifier(cfg.JWTSecret), zlog.Named("api"))
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.GenerationTimeout + 30*time.Second, // a request may wait on generation and retrieval
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zlog.Info("Starting server", zap.String("addr", serverAddr), zap.String("llm_provider", cfg.LLMProvider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
	case <-quit:
	}
	zlog.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	zlog.Info("Server exiting gracefully")
	return nil
}

func newMemory(ctx context.Context, cfg *config.Config) (core.ConversationMemory, func(), error) {
	switch cfg.MemoryBackend {
	case config.MemoryBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return core.NewRedisMemory(client, cfg.MemoryTTL, cfg.MemoryMaxTurns), func() { client.Close() }, nil
	default:
		m := core.NewInMemoryMemory(cfg.MemoryTTL, cfg.MemoryMaxSessions, cfg.MemoryMaxTurns)
		return m, m.Close, nil
	}
}
