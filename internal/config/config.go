// Package config загружает конфигурацию сервиса лояльности из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Драйверы хранилища.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- HTTP ---
	HTTPAddr         string        `envconfig:"HTTP_ADDR" default:":8080"`
	HTTPReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	HTTPWriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`

	// --- Auth ---
	// Секрет, которым веб-приложение подписывает JWT (HS256).
	AuthJWTSecret string `envconfig:"AUTH_JWT_SECRET" required:"true"`
	AuthJWTIssuer string `envconfig:"AUTH_JWT_ISSUER" default:""`

	// --- Database ---
	// postgres — боевой режим, memory — локальная разработка без БД.
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	DBHost        string `envconfig:"DB_HOST" default:"postgres"`
	DBPort        int    `envconfig:"DB_PORT" default:"5432"`
	DBUser        string `envconfig:"DB_USER" default:"qwikker"`
	DBPassword    string `envconfig:"DB_PASSWORD" default:""`
	DBName        string `envconfig:"DB_NAME" default:"qwikker_loyalty"`
	DBSSLMode     string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns    int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns    int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"info"`
	// Если задан — логи дублируются в файл с ротацией.
	AppLogFile  string `envconfig:"APP_LOG_FILE" default:""`
	AppTimezone string `envconfig:"APP_TIMEZONE" default:"Europe/London"`
	// Часовые пояса городов-тенантов: "bournemouth=Europe/London,calgary=America/Edmonton"
	CityTimezonesRaw string            `envconfig:"CITY_TIMEZONES" default:""`
	CityTimezones    map[string]string `envconfig:"-"` // заполним вручную

	// --- Loyalty ---
	RedemptionRevealTTL time.Duration `envconfig:"REDEMPTION_REVEAL_TTL" default:"10m"`
	PINMaxAttempts      int           `envconfig:"PIN_MAX_ATTEMPTS" default:"3"`
	PINLockoutWindow    time.Duration `envconfig:"PIN_LOCKOUT_WINDOW" default:"1h"`
	ReminderInterval    time.Duration `envconfig:"REMINDER_INTERVAL" default:"72h"`
	HistoryMaxLimit     int           `envconfig:"HISTORY_MAX_LIMIT" default:"100"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"30"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// --- Telegram ---
	TelegramBotToken        string        `envconfig:"TELEGRAM_BOT_TOKEN" default:""`
	BotMaxInflight          int           `envconfig:"BOT_MAX_INFLIGHT" default:"64"`
	BotUpdateTimeoutSeconds int           `envconfig:"BOT_UPDATE_TIMEOUT_SECONDS" default:"60"`
	TelegramLinkTTL         time.Duration `envconfig:"TELEGRAM_LINK_TTL" default:"15m"`

	// --- Slack ---
	SlackWebhookURL string `envconfig:"SLACK_WEBHOOK_URL" default:""`

	// --- Seed ---
	SeedFile string `envconfig:"SEED_FILE" default:""`

	// --- Feature Flags ---
	FeatureTelegramEnabled  bool `envconfig:"FEATURE_TELEGRAM_ENABLED" default:"false"`
	FeatureRemindersEnabled bool `envconfig:"FEATURE_REMINDERS_ENABLED" default:"true"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// TimezoneFor возвращает часовой пояс города. Если город не настроен — APP_TIMEZONE.
func (c *Config) TimezoneFor(city string) string {
	if tz, ok := c.CityTimezones[strings.ToLower(strings.TrimSpace(city))]; ok {
		return tz
	}
	return c.AppTimezone
}

// TelegramEnabled — бот включён флагом и токен задан.
func (c *Config) TelegramEnabled() bool {
	return c.FeatureTelegramEnabled && c.TelegramBotToken != ""
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD обязателен для STORAGE_DRIVER=postgres")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
		}
	case StorageDriverMemory:
		if c.AppEnv == "production" {
			return fmt.Errorf("STORAGE_DRIVER=memory запрещён в production")
		}
	default:
		return fmt.Errorf("неизвестный STORAGE_DRIVER %q", c.StorageDriver)
	}
	if len(c.AuthJWTSecret) < 16 {
		return fmt.Errorf("AUTH_JWT_SECRET должен быть не короче 16 символов")
	}
	if c.RedemptionRevealTTL <= 0 {
		return fmt.Errorf("REDEMPTION_REVEAL_TTL должен быть > 0")
	}
	if c.PINMaxAttempts <= 0 {
		return fmt.Errorf("PIN_MAX_ATTEMPTS должен быть > 0")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS и RATE_LIMIT_WINDOW должны быть > 0")
	}
	if c.FeatureTelegramEnabled {
		if c.TelegramBotToken == "" {
			return fmt.Errorf("FEATURE_TELEGRAM_ENABLED=true, но TELEGRAM_BOT_TOKEN не задан")
		}
		if c.BotMaxInflight <= 0 {
			return fmt.Errorf("BOT_MAX_INFLIGHT должен быть > 0")
		}
		if c.BotUpdateTimeoutSeconds <= 0 {
			return fmt.Errorf("BOT_UPDATE_TIMEOUT_SECONDS должен быть > 0")
		}
	}
	if _, err := time.LoadLocation(c.AppTimezone); err != nil {
		return fmt.Errorf("APP_TIMEZONE %q: %w", c.AppTimezone, err)
	}
	for city, tz := range c.CityTimezones {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("CITY_TIMEZONES %s=%q: %w", city, tz, err)
		}
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	zones, err := parseKeyValueCSV(cfg.CityTimezonesRaw)
	if err != nil {
		return nil, fmt.Errorf("CITY_TIMEZONES parse: %w", err)
	}
	cfg.CityTimezones = zones

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseKeyValueCSV разбирает строку вида "a=1,b=2". Ключи приводятся к нижнему регистру.
func parseKeyValueCSV(s string) (map[string]string, error) {
	out := make(map[string]string)
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, ok := strings.Cut(p, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("bad pair %s", strconv.Quote(p))
		}
		out[k] = v
	}
	return out, nil
}
