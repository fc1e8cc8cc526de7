package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/flow/backend/internal/config"
	"github.com/zhouzirui/flow/backend/internal/handler"
	"github.com/zhouzirui/flow/backend/internal/service/ai"
	"github.com/zhouzirui/flow/backend/internal/service/flow"
	"github.com/zhouzirui/flow/backend/internal/service/rag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	retriever := rag.NewRetriever(
		func(ctx context.Context, apiKey string) (embedding.Embedder, error) {
			return cfg.AI.NewEmbedder(ctx, apiKey)
		},
		rag.RetrieverConfig{
			ChunkSize:    cfg.Flow.ChunkSize,
			ChunkOverlap: cfg.Flow.ChunkOverlap,
			TopK:         cfg.Flow.TopK,
		},
	)

	generator := ai.NewGenerator(
		func(ctx context.Context, apiKey string) (model.ChatModel, error) {
			return cfg.AI.NewChatModel(ctx, apiKey)
		},
		ai.GeneratorConfig{HistoryLimit: cfg.Flow.HistoryLimit},
	)

	flowService := flow.NewService(retriever, generator, flow.Config{
		QuietPeriod: cfg.Flow.QuietPeriod,
	})

	log.Printf("burst quiet period set to %s", cfg.Flow.QuietPeriod)
	if cfg.AI.Model == "" {
		log.Println("warning: ARK_MODEL not configured, turns will fail until it is set")
	}

	router := handler.NewRouter(flowService)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Flow backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
