package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/OasisLMF/OasisApi/internal/application"
	appanalyses "github.com/OasisLMF/OasisApi/internal/application/analyses"
	appfiles "github.com/OasisLMF/OasisApi/internal/application/files"
	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
	"github.com/OasisLMF/OasisApi/internal/domain/files"
	"github.com/OasisLMF/OasisApi/internal/config"
	"github.com/OasisLMF/OasisApi/internal/infra/db/memory"
	mysqlp "github.com/OasisLMF/OasisApi/internal/infra/db/mysql"
	"github.com/OasisLMF/OasisApi/internal/infra/db/postgres"
	"github.com/OasisLMF/OasisApi/internal/infra/httpserver"
	queue "github.com/OasisLMF/OasisApi/internal/infra/queue/redis"
	minioStore "github.com/OasisLMF/OasisApi/internal/infra/storage"
	"github.com/OasisLMF/OasisApi/internal/middleware"
	"github.com/OasisLMF/OasisApi/internal/platform/logger"
	"github.com/OasisLMF/OasisApi/internal/platform/tracing"
)

const serviceName = "oasis-api"

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	lg, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("server exited", "error", err)
	}
	lg.Info("server stopped")
}

type storage struct {
	analyses domain.Repository
	files    files.Repository
	blobs    files.BlobStore
	db       *sql.DB
	ping     func(context.Context) error
}

func run(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: serviceName,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			lg.Warn("tracing shutdown", "error", err)
		}
	}()

	st, err := openStorage(ctx, cfg, lg)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pctx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	keys := queue.Keys{Prefix: cfg.Redis.KeyPrefix}

	clock := application.SystemClock{}
	filesSvc := &appfiles.Service{
		Repo:  st.files,
		Blobs: st.blobs,
		HTTP:  &http.Client{Timeout: 5 * time.Minute},
		Clock: clock,
		Log:   lg.With("component", "files"),
	}
	analysesSvc := &appanalyses.Service{
		Repo:       st.analyses,
		Files:      filesSvc,
		Dispatcher: queue.NewDispatcher(rdb, keys, lg),
		Clock:      clock,
		Log:        lg.With("component", "analyses"),
	}
	consumer := queue.NewConsumer(rdb, keys, analysesSvc, lg, middleware.QueueObserver{})

	checkers := map[string]middleware.HealthChecker{
		"queue": &middleware.QueueHealthChecker{Consumer: consumer},
	}
	if st.db != nil {
		checkers["database"] = &middleware.DatabaseHealthChecker{DB: st.db}
	}
	if st.ping != nil {
		checkers["storage"] = middleware.CheckFunc(st.ping)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpserver.NewRouter(httpserver.Deps{
			Analyses:       analysesSvc,
			Files:          filesSvc,
			Log:            lg,
			APIKeys:        cfg.Auth.APIKeys,
			RateLimiter:    limiter,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			HealthCheckers: checkers,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("server listening", "addr", srv.Addr, "database", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		limiter.Cleanup(gctx, time.Minute, 10*time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openStorage(ctx context.Context, cfg *config.Config, lg *logger.Logger) (*storage, error) {
	if cfg.Database.Driver == "memory" {
		lg.Warn("using in-memory storage; data is lost on restart")
		return &storage{
			analyses: memory.NewAnalysisRepository(),
			files:    memory.NewFileRepository(),
			blobs:    memory.NewBlobStore(),
		}, nil
	}

	st := &storage{}
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		if err := mysqlp.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mysql migrate: %w", err)
		}
		st.db = db
		st.analyses = mysqlp.NewAnalysisRepository(db)
		st.files = mysqlp.NewFileRepository(db)
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		st.db = db
		st.analyses = postgres.NewAnalysisRepository(db)
		st.files = postgres.NewFileRepository(db)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	store, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		_ = st.db.Close()
		return nil, fmt.Errorf("minio init: %w", err)
	}
	st.blobs = store
	st.ping = store.Ping
	return st, nil
}
