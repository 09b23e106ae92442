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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/watertrack/internal/auth"
	"github.com/hitoshi/watertrack/internal/config"
	"github.com/hitoshi/watertrack/internal/database"
	"github.com/hitoshi/watertrack/internal/events"
	"github.com/hitoshi/watertrack/internal/handler"
	"github.com/hitoshi/watertrack/internal/logger"
	"github.com/hitoshi/watertrack/internal/metrics"
	"github.com/hitoshi/watertrack/internal/repository"
	"github.com/hitoshi/watertrack/internal/security"
	"github.com/hitoshi/watertrack/internal/token"
	"github.com/hitoshi/watertrack/internal/tracking"
	"github.com/hitoshi/watertrack/internal/user"
	"github.com/hitoshi/watertrack/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数（と.env）からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
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

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("port", cfg.ServerPort),
		slog.String("timezone", cfg.Location.String()),
	)

	// SIGINTまたはSIGTERMでキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// stores は選択されたバックエンドのリポジトリ群。
type stores struct {
	users   repository.UserRepository
	records repository.WaterRecordRepository
	health  repository.HealthChecker
	close   func() error
}

// openStores はSTORE_BACKENDに応じてストアを開き、疎通を確認する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		store := repository.NewMemoryStore()
		slog.Warn("using in-memory store; data is lost on restart")
		return &stores{
			users:   store.Users(),
			records: store.WaterRecords(),
			health:  store,
			close:   func() error { return nil },
		}, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
		users := repository.NewRedisUserRepo(rdb, cfg.RedisKeyPrefix)
		return &stores{
			users:   users,
			records: repository.NewRedisWaterRecordRepo(rdb, cfg.RedisKeyPrefix),
			health:  users,
			close:   rdb.Close,
		}, nil

	default:
		db, err := database.OpenWithPool(cfg.DatabaseURL, database.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		return &stores{
			users:   repository.NewPostgresUserRepo(db),
			records: repository.NewPostgresWaterRecordRepo(db),
			health:  db,
			close:   db.Close,
		}, nil
	}
}

// newPublisher はKAFKA_BROKERSが設定されていればKafkaPublisherを、なければNoopPublisherを返す。
func newPublisher(cfg *config.Config) events.Publisher {
	if cfg.KafkaBrokers == "" {
		return events.NoopPublisher{}
	}
	slog.Info("domain events enabled",
		slog.String("brokers", cfg.KafkaBrokers),
		slog.String("topic", cfg.KafkaTopic),
	)
	return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
}

// newTokenManager は設定からトークンマネージャーを生成する。
func newTokenManager(cfg *config.Config) (*token.Manager, error) {
	return token.NewManager(token.Config{
		AccessSecret:  []byte(cfg.JWTAccessSecret),
		RefreshSecret: []byte(cfg.JWTRefreshSecret),
		AccessKeyID:   cfg.JWTAccessKeyID,
		RefreshKeyID:  cfg.JWTRefreshKeyID,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
}

// newRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// buildHandler は全依存関係をワイヤリングしたHTTPハンドラーを構築する。
func buildHandler(cfg *config.Config, st *stores, publisher events.Publisher, reg *prometheus.Registry, collector metrics.MetricsCollector) (http.Handler, error) {
	// 1. トークンとセキュリティサービス
	tokens, err := newTokenManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}
	hasher := security.NewPasswordHasher(cfg.BcryptCost)
	sanitizer := security.NewTextSanitizer()
	urlGuard := security.NewURLGuard(cfg.AvatarProbe, 5*time.Second)

	// 2. ドメインサービス
	authService := auth.NewService(auth.Deps{
		Users:     st.users,
		Tokens:    tokens,
		Hasher:    hasher,
		Sanitizer: sanitizer,
		Publisher: publisher,
		Metrics:   collector,
	})
	profileService := user.NewService(st.users, sanitizer, urlGuard)
	trackingService := tracking.NewService(tracking.Deps{
		Records:   st.records,
		Publisher: publisher,
		Metrics:   collector,
		Location:  cfg.Location,
	})

	// 3. ルーター
	return handler.NewRouter(&handler.RouterDeps{
		TokenValidator:    tokens,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Logger:            slog.Default(),
		Metrics:           collector,
		HealthChecker:     st.health,
		MetricsHandler:    metrics.Handler(reg),
		UserService:       handler.NewUserServiceAdapter(authService, profileService),
		TrackingService:   trackingService,
	}), nil
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	publisher := newPublisher(cfg)
	defer publisher.Close()

	reg, collector := newRegistry()
	router, err := buildHandler(cfg, st, publisher, reg, collector)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	// インメモリストアは別プロセスのworkerから見えないため、サーバー内でクリーンアップする
	if cfg.StoreBackend == config.BackendMemory {
		job := cleanup.NewCleanupJob(st.users, slog.Default(), collector)
		g.Go(func() error {
			job.Start(gctx, cfg.CleanupInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newWorkerHandler はワーカーの/metricsと/healthを提供するハンドラーを返す。
func newWorkerHandler(st *stores, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handler.NewHealthHandler(st.health))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	return r
}

// runWorker はワーカーモードで起動する。
// ストアを開き、期限切れリフレッシュトークンのクリーンアップを定期実行する。
// 削除件数などのメトリクスはWORKER_METRICS_PORTの/metricsで公開する。
// ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	reg, collector := newRegistry()
	server := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           newWorkerHandler(st, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.String("metrics_addr", server.Addr),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("worker metrics listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		job := cleanup.NewCleanupJob(st.users, slog.Default(), collector)
		job.Start(gctx, cfg.CleanupInterval)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。Postgres以外のバックエンドでは何もしない。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend != config.BackendPostgres {
		slog.Info("store backend has no schema; skipping migrations",
			slog.String("store_backend", cfg.StoreBackend),
		)
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.MigrateUp(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
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
func maskDatabaseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
