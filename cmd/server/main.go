package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Драйвер PostgreSQL
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/stashresearch/server/internal/encryption"
	"github.com/stashresearch/server/internal/handlers"
	appmiddleware "github.com/stashresearch/server/internal/middleware"
	"github.com/stashresearch/server/internal/queue"
	"github.com/stashresearch/server/internal/repository"
	"github.com/stashresearch/server/internal/services"
	"github.com/stashresearch/server/internal/storage"
)

const (
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 5 * time.Minute // Загрузка ждет завершения цикла в очереди
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultJobTimeout      = 10 * time.Minute
)

// Подменяются в тестах.
var (
	newPostgresDB = repository.NewPostgresDB
	newBlobStore  = func(ctx context.Context, cfg storage.MinioConfig) (storage.BlobStore, error) {
		return storage.NewMinioClient(ctx, cfg)
	}
)

// Структура для хранения инициализированных зависимостей.
type dependencies struct {
	db                *sqlx.DB
	blobs             storage.BlobStore
	queue             *queue.Queue
	authHandler       *handlers.AuthHandler
	dataSourceHandler *handlers.DataSourceHandler
}

// main - точка входа. Вызывает run и обрабатывает ошибку.
func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Ошибка выполнения сервера", "err", err)
		os.Exit(1)
	}
}

// run содержит основную логику запуска сервера и возвращает ошибку.
func run() error {
	slog.Info("Запуск сервера Stash...")

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := setupDependencies(ctx, cfg)
	if err != nil {
		return fmt.Errorf("ошибка инициализации зависимостей: %w", err)
	}
	defer func() {
		if closeErr := deps.db.Close(); closeErr != nil {
			slog.Error("Ошибка закрытия соединения с БД", "err", closeErr)
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      setupRouter(deps.authHandler, deps.dataSourceHandler, cfg.JWTSecret),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.queue.Run(gctx)
	})
	g.Go(func() error {
		var serveErr error
		if cfg.TLSEnabled() {
			slog.Info("Запуск HTTPS-сервера", "port", cfg.Port, "cert", cfg.CertFile)
			serveErr = server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			slog.Info("Запуск HTTP-сервера", "port", cfg.Port)
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("ошибка запуска сервера: %w", serveErr)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Остановка сервера...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err = g.Wait(); err != nil {
		return err
	}
	slog.Info("Сервер остановлен")
	return nil
}

// setupDependencies инициализирует и возвращает все необходимые зависимости сервера.
func setupDependencies(ctx context.Context, cfg *config) (*dependencies, error) {
	deps := &dependencies{}
	var err error

	// 1. Подключение к БД и схема
	deps.db, err = newPostgresDB(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации БД: %w", err)
	}
	if err = repository.EnsureSchema(ctx, deps.db); err != nil {
		closeDB(deps.db)
		return nil, fmt.Errorf("ошибка инициализации схемы БД: %w", err)
	}

	// 2. Хранилище снимков
	deps.blobs, err = newBlobStore(ctx, storage.MinioConfig{
		Endpoint:        cfg.MinioEndpoint,
		AccessKeyID:     cfg.MinioUser,
		SecretAccessKey: cfg.MinioPassword,
		UseSSL:          cfg.MinioUseSSL,
		BucketName:      cfg.MinioBucket,
	})
	if err != nil {
		closeDB(deps.db)
		return nil, fmt.Errorf("ошибка инициализации клиента MinIO: %w", err)
	}

	// 3. Шифрование и очередь
	pgp, err := encryption.NewPGP(0)
	if err != nil {
		closeDB(deps.db)
		return nil, fmt.Errorf("ошибка инициализации шифрования: %w", err)
	}
	deps.queue = queue.New(queue.Config{
		MaxAttempts: cfg.QueueMaxAttempts,
		JobTimeout:  defaultJobTimeout,
	})

	// 4. Сервисы
	store := repository.NewStore(deps.db)
	userRepo := repository.NewPostgresUserRepository(deps.db)
	authService := services.NewAuthService(userRepo, cfg.JWTSecret, services.DefaultTokenTTL)
	ingestion := services.NewIngestionService(store, deps.blobs, userRepo, pgp, deps.queue)
	dataSourceService := services.NewDataSourceService(store, ingestion, deps.queue)

	// 5. Обработчики
	deps.authHandler = handlers.NewAuthHandler(authService)
	deps.dataSourceHandler = handlers.NewDataSourceHandler(dataSourceService)

	return deps, nil
}

func closeDB(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		slog.Error("Ошибка закрытия соединения с БД", "err", err)
	}
}

// setupRouter настраивает и возвращает роутер chi.
func setupRouter(
	authHandler *handlers.AuthHandler,
	dataSourceHandler *handlers.DataSourceHandler,
	jwtSecret string,
) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- Маршруты --- //
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Публичные маршруты (регистрация, вход)
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)

		// Приватные маршруты (требуют аутентификации)
		r.Group(func(r chi.Router) {
			r.Use(appmiddleware.Authenticator(jwtSecret))

			r.Put("/user/key", authHandler.SetPublicKey)
			r.Route("/datasources", dataSourceHandler.Routes)
		})
	})
	return r
}
