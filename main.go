package main

import (
	"context"
	"log"
	"os"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/auth"
	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/relay"
	"chatrelay/internal/service/chat"
	"chatrelay/internal/storage"

	"github.com/gin-gonic/gin"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

func main() {
	cfgPath := os.Getenv("CHATRELAY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	dbType := os.Getenv("CHATRELAY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	// The cache is optional: without redis the relay falls back to the store
	// for history and token validation always hits the database.
	var cacheClient *cache.Client
	if cfg.Redis.Host != "" {
		cacheClient, err = cache.NewClient(cfg)
		if err != nil {
			logger.Warn("redis unavailable, running without cache", zap.Error(err))
			cacheClient = nil
		} else {
			defer cacheClient.Close()
		}
	}

	chatService := chat.NewService(db)
	authService := auth.NewService(db, cacheClient, 24*time.Hour)

	historyTTL := time.Duration(cfg.Relay.HistoryTTLSeconds) * time.Second
	history := cache.NewHistory(cacheClient, cfg.Relay.HistoryTurns, historyTTL, logger)

	embedder := newEmbedder(cfg, logger)
	factory := relay.StreamerFactory(func(ctx context.Context, provider, modelType string) (relay.ChatStreamer, error) {
		return relay.NewChatModel(ctx, provider, modelType, cfg)
	})
	relayService := relay.NewService(chatService, history, factory, embedder, cfg.Relay, logger)

	handlers := api.NewHandler(chatService, authService, relayService, history, db, cacheClient, logger)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	logger.Info("listening", zap.String("addr", addr))
	if err := router.Run(addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// newEmbedder builds the similarity-search embedder from the openai provider
// config. Returns nil when no key is configured; similarity context is then
// skipped.
func newEmbedder(cfg *config.Config, logger *zap.Logger) relay.Embedder {
	provCfg, ok := cfg.Providers["openai"]
	if !ok || provCfg.APIKey == "" {
		logger.Info("no openai provider configured, similarity search disabled")
		return nil
	}
	opts := []lcopenai.Option{
		lcopenai.WithToken(provCfg.APIKey),
		lcopenai.WithEmbeddingModel(cfg.Relay.EmbeddingModel),
	}
	if provCfg.BaseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(provCfg.BaseURL))
	}
	llm, err := lcopenai.New(opts...)
	if err != nil {
		logger.Warn("embedder init failed, similarity search disabled", zap.Error(err))
		return nil
	}
	return llm
}
