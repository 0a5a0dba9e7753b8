package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/rentsession/internal/auth"
	"github.com/hitoshi/rentsession/internal/config"
	"github.com/hitoshi/rentsession/internal/database"
	"github.com/hitoshi/rentsession/internal/handler"
	"github.com/hitoshi/rentsession/internal/logger"
	"github.com/hitoshi/rentsession/internal/metrics"
	"github.com/hitoshi/rentsession/internal/middleware"
	"github.com/hitoshi/rentsession/internal/repository"
	"github.com/hitoshi/rentsession/internal/security"
	"github.com/hitoshi/rentsession/internal/session"
	"github.com/hitoshi/rentsession/internal/user"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数（と.env）からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// .envでLOG_LEVELが指定された場合に備えてレベルを再設定する
	log = logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("auth_url", cfg.AuthURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, log)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, log)
	}
}

// runServe はBFFサーバーモードで起動する。
// 全依存関係をワイヤリングしてセッションを初期化し、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 1. 送信用HTTPクライアント
	guard := security.NewSSRFGuard(cfg.AuthAllowPrivate)
	if err := guard.ValidateServiceURL(cfg.AuthURL); err != nil {
		return fmt.Errorf("invalid AUTH_URL: %w", err)
	}
	httpClient := guard.NewClient(cfg.AuthTimeout)

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	healthChecks := map[string]handler.HealthCheck{}

	// 3. トークンストア（REDIS_ADDR未設定時はプロセス内メモリ）
	var tokenStore auth.TokenStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("redis connection established", slog.String("addr", cfg.RedisAddr))

		tokenStore = auth.NewRedisTokenStore(rdb, log, cfg.RedisNamespace)
		healthChecks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}

	// 4. 認証ゲートウェイ
	gateway := auth.NewGoTrueClient(httpClient, log, tokenStore, collector, auth.ClientConfig{
		BaseURL:   cfg.AuthURL,
		AnonKey:   cfg.AuthAnonKey,
		RateLimit: cfg.AuthRateLimit,
	})

	// 5. プロフィールストア（DATABASE_URL未設定時はPostgREST経由）
	var profiles repository.ProfileRepository
	if cfg.DatabaseURL != "" {
		db, err := database.Open(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
		if err != nil {
			return err
		}
		defer db.Close()

		log.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		profiles = repository.NewPostgresProfileRepo(db)
		healthChecks["database"] = db.PingContext
	} else {
		profiles = repository.NewRESTProfileRepo(httpClient, log, cfg.AuthURL, cfg.AuthAnonKey, gateway)
	}

	// 6. セッション
	store := session.NewStore(log, collector, cfg.SequencedWrites)
	normalizer := user.NewNormalizer(security.NewTextSanitizer(), cfg.PhoneDefaultRegion)
	orch := session.NewOrchestrator(gateway, profiles, store, normalizer, log, collector, session.Config{
		ProfileRetryAttempts: cfg.ProfileRetryAttempts,
		ProfileRetryDelay:    cfg.ProfileRetryDelay,
	})
	defer orch.Close()

	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()
	gateway.StartAutoRefresh(bgCtx, cfg.AuthRefreshInterval)
	gateway.WatchBroadcasts(bgCtx)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	// 7. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitCredentials), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CookieSecure:      cfg.CookieSecure,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		RateLimiter:       rateLimiter,
		Service:           orch,
		State:             orch.Store(),
		HealthChecks:      healthChecks,
		Metrics:           metrics.Handler(reg),
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("BFF server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down BFF server...")

	// WebSocket購読者に切断を通知するため、先にセッションを閉じる
	orch.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("BFF server stopped gracefully")
	return nil
}

// runMigrate はprofilesテーブルのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
// パースできない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User == nil {
		return u.String()
	}
	u.User = nil
	return strings.Replace(u.String(), "://", "://***@", 1)
}
