package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/semantis-ai/semantis/auth"
	"github.com/semantis-ai/semantis/cache"
	"github.com/semantis-ai/semantis/config"
	"github.com/semantis-ai/semantis/embedding"
	"github.com/semantis-ai/semantis/persistence"
	openaiProvider "github.com/semantis-ai/semantis/provider/openai"
	"github.com/semantis-ai/semantis/server"
	"github.com/semantis-ai/semantis/utils"
)

func setupRegistry(cfg *config.Config, clk clock.Clock, logger *zap.SugaredLogger) (auth.Registry, *auth.FileRegistry, error) {
	if cfg.ValkeyEndpoint == "" {
		fileRegistry := auth.NewFileRegistry(cfg.KeysPath, clk, logger)
		return fileRegistry, fileRegistry, nil
	}
	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyEndpoint},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
	}
	return auth.NewValkeyRegistry(valkeyClient), nil, nil
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	endpoint, err := openaiProvider.NewEndpoint(cfg.OpenAiBaseUrl, cfg.OpenAiApiKey, cfg.EmbeddingModel, cfg.ChatModel)
	if err != nil {
		sugar.Fatalw("Failed to create OpenAI endpoint", "error", err)
	}

	embedCache, err := embedding.NewCache(cfg.EmbeddingCacheSize)
	if err != nil {
		sugar.Fatalw("Failed to create embedding cache", "error", err)
	}

	systemClock := clock.New()
	embedder := cache.NewContextEmbedder(endpoint, embedCache)
	engine := cache.NewService(embedder, endpoint, cfg.DefaultTtlSeconds, systemClock, sugar)

	store := persistence.NewStore(cfg.SnapshotPath, sugar)
	if snapshot := store.Load(); snapshot != nil {
		engine.Restore(snapshot)
		sugar.Infow("Restored cache snapshot", "path", store.Path(), "tenants", len(snapshot.Tenants))
	}

	registry, fileRegistry, err := setupRegistry(cfg, systemClock, sugar)
	if err != nil {
		sugar.Fatalw("Failed to setup key registry", "error", err)
	}

	saveNow := func() error {
		return store.Save(engine.Snapshot())
	}
	httpServer := server.New(engine, registry, saveNow, systemClock, sugar)

	router := mux.NewRouter()
	httpServer.RegisterRoutes(router)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	address := fmt.Sprintf(":%d", cfg.Port)
	listener := &http.Server{
		Addr:    address,
		Handler: corsMiddleware.Handler(router),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go store.RunSaver(ctx, engine.SaveSignal(), engine.Snapshot)

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		if err := saveNow(); err != nil {
			sugar.Errorw("Final snapshot failed", "error", err)
		}
		if fileRegistry != nil {
			if err := fileRegistry.Flush(); err != nil {
				sugar.Errorw("Failed to flush key registry", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := listener.Shutdown(shutdownCtx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address)
	if err := listener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Server failed", "error", err)
	}
}
