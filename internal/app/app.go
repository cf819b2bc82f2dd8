// Package app инициализирует все компоненты приложения.
// app.go — точка сборки: выбирает хранилище, создаёт репозитории, сервисы,
// обработчики, HTTP-роутер, Telegram-бота и планировщик.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mymmrac/telego"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"qwikker.com/loyalty/internal/api"
	"qwikker.com/loyalty/internal/api/middleware"
	"qwikker.com/loyalty/internal/bot"
	"qwikker.com/loyalty/internal/config"
	"qwikker.com/loyalty/internal/db/postgres"
	"qwikker.com/loyalty/internal/features/contacts"
	"qwikker.com/loyalty/internal/features/editrequests"
	"qwikker.com/loyalty/internal/features/loyalty"
	"qwikker.com/loyalty/internal/jobs"
	"qwikker.com/loyalty/internal/notify"
	"qwikker.com/loyalty/internal/seed"
)

const shutdownTimeout = 15 * time.Second

// App содержит все компоненты приложения.
type App struct {
	HTTP      *http.Server
	Loyalty   *loyalty.Service
	Scheduler *jobs.Scheduler
	Bot       *bot.Bot      // nil, если Telegram выключен
	BotAPI    *telego.Bot   // nil, если Telegram выключен
	DB        *pgxpool.Pool // nil при STORAGE_DRIVER=memory

	rateLimiter *middleware.RateLimiter
	closeOnce   sync.Once
}

type repositories struct {
	loyalty      loyalty.Repository
	editRequests editrequests.Repository
	contacts     contacts.Repository
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}

	// === 1. Хранилище ===
	repos, err := a.openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// === 2. Telegram Bot API ===
	if cfg.TelegramEnabled() {
		var opts []telego.BotOption
		if cfg.AppEnv == "development" {
			opts = append(opts, telego.WithDefaultDebugLogger())
		}
		botAPI, err := telego.NewBot(cfg.TelegramBotToken, opts...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ошибка создания Telegram API: %w", err)
		}
		me, err := botAPI.GetMe(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ошибка авторизации Telegram: %w", err)
		}
		log.Infof("Авторизован как @%s", me.Username)
		a.BotAPI = botAPI
	}

	// === 3. Уведомления ===
	contactService := contacts.NewService(repos.contacts, cfg.TelegramLinkTTL)
	notifier := notify.Multi{notify.Log{}}
	if a.BotAPI != nil {
		notifier = append(notifier, notify.NewTelegram(a.BotAPI, contactService))
	}
	if cfg.SlackWebhookURL != "" {
		notifier = append(notifier, notify.NewSlack(cfg.SlackWebhookURL, &http.Client{Timeout: 10 * time.Second}))
	}

	// === 4. Метрики ===
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// === 5. Сервисы ===
	loyaltyService := loyalty.NewService(repos.loyalty, notifier, loyalty.NewMetrics(registry), cfg)
	editService := editrequests.NewService(repos.editRequests, loyaltyService, notifier)
	a.Loyalty = loyaltyService

	// === 6. Фикстуры ===
	if cfg.SeedFile != "" {
		if err := applySeed(ctx, cfg.SeedFile, loyaltyService); err != nil {
			a.Close()
			return nil, err
		}
	}

	// === 7. HTTP ===
	a.rateLimiter = middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	router := api.NewRouter(api.Deps{
		Loyalty:      loyalty.NewHandler(loyaltyService),
		EditRequests: editrequests.NewHandler(editService),
		Contacts:     contacts.NewHandler(contactService),
		Auth:         middleware.NewAuthenticator(cfg.AuthJWTSecret, cfg.AuthJWTIssuer),
		RateLimiter:  a.rateLimiter,
		Metrics:      middleware.NewHTTPMetrics(registry),
		Gatherer:     registry,
		Health:       a.health,
	})
	a.HTTP = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       2 * cfg.HTTPWriteTimeout,
	}

	// === 8. Бот ===
	if a.BotAPI != nil {
		a.Bot = bot.New(a.BotAPI, cfg, contactService, loyaltyService)
	}

	// === 9. Планировщик задач ===
	a.Scheduler = jobs.NewScheduler(loyaltyService, cfg)

	return a, nil
}

// openStorage выбирает драйвер хранилища и создаёт репозитории.
func (a *App) openStorage(ctx context.Context, cfg *config.Config) (*repositories, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		log.Warn("STORAGE_DRIVER=memory: данные живут только в памяти процесса")
		return &repositories{
			loyalty:      loyalty.NewMemoryRepository(),
			editRequests: editrequests.NewMemoryRepository(),
			contacts:     contacts.NewMemoryRepository(),
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}
	a.DB = pool

	if err := postgres.RunMigrations(ctx, pool, migrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}

	return &repositories{
		loyalty:      loyalty.NewPostgresRepository(pool),
		editRequests: editrequests.NewPostgresRepository(pool),
		contacts:     contacts.NewPostgresRepository(pool),
	}, nil
}

func applySeed(ctx context.Context, path string, programs seed.Programs) error {
	file, err := seed.Load(path)
	if err != nil {
		return err
	}
	created, err := seed.Apply(ctx, programs, file)
	if err != nil {
		return fmt.Errorf("ошибка сидинга: %w", err)
	}
	log.WithFields(log.Fields{"file": path, "created": created}).Info("Фикстуры применены")
	return nil
}

func (a *App) health(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Ping(ctx)
}

// Run запускает планировщик, бота и HTTP-сервер и блокируется до отмены ctx
// или ошибки сервера. После возврата все фоновые задачи остановлены.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.Scheduler.Stop()

	var wg sync.WaitGroup
	if a.Bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Bot.Run(ctx, a.BotAPI); err != nil {
				log.WithError(err).Error("Бот остановился с ошибкой")
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", a.HTTP.Addr).Info("HTTP-сервер запущен")
		if err := a.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := a.HTTP.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP-сервер остановлен не чисто")
	}

	cancel()
	wg.Wait()
	return runErr
}

// Close дожидается фоновых уведомлений и освобождает ресурсы.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.Loyalty != nil {
			a.Loyalty.Wait()
		}
		if a.rateLimiter != nil {
			a.rateLimiter.Close()
		}
		if a.DB != nil {
			a.DB.Close()
		}
	})
}
