package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/OpenDate/OpenDate_Match/signal-server/internal/config"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/handlers"
	httpx "github.com/OpenDate/OpenDate_Match/signal-server/internal/http"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/repo"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/service"
)

func main() {
	// ローカル開発では .env から環境変数を読み込みます
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment variables")
	}
	cfg := config.Load()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	// 一時的な接続障害はクライアント側で有限回リトライします
	// （バックオフ付き）。使い尽くした場合はハンドラーがエラーイベントを返します
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = 2 * time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.PoolSize = 10
	opt.MinIdleConns = 5
	rdb := redis.NewClient(opt)

	// Redis接続確認
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	log.Println("connected to redis")

	st := repo.NewRedisStore(rdb)
	sessions := service.NewSessionService(st)
	queue := service.NewQueueService(st)
	calls := service.NewCallService(st)
	ws := handlers.NewWebSocketHandler(sessions, queue, calls)
	router := httpx.NewRouter(ws, cfg.AllowedOrigins)

	presenceCtx, stopPresence := context.WithCancel(context.Background())
	go ws.StartPresenceLoop(presenceCtx)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown用のシグナルチャネル
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// サーバーを別goroutineで起動
	go func() {
		log.Printf("listening on %s", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// シャットダウンシグナルを待つ
	<-sigChan
	log.Println("shutdown signal received, shutting down gracefully...")
	stopPresence()

	// 30秒のタイムアウトでGraceful Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	log.Println("server stopped")
}
