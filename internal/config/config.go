// Package config предоставляет структуры и функции для парсинга и загрузки конфига
// планировщика жизненного цикла подписок и сервиса доставки сообщений.
package config

import (
	"fmt"
	"log"
	"os"
	"time"
	// база часовых поясов нужна в контейнерах без tzdata
	_ "time/tzdata"

	"github.com/ilyakaznacheev/cleanenv"
)

// Режимы доставки сообщений.
const (
	// MessagingModeDirect отправка напрямую через Telegram Bot API.
	MessagingModeDirect = "direct"
	// MessagingModeQueue публикация в RabbitMQ, доставку выполняет sender.
	MessagingModeQueue = "queue"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env" env:"ENV" env-default:"local"`
	StorageConnectionString string `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
	RedisConnection         `yaml:"redis_connection"`
	HTTPServer              `yaml:"http_server"`
	JWTToken                `yaml:"jwttoken"`
	Admin                   Admin     `yaml:"admin"`
	Gateway                 Gateway   `yaml:"gateway"`
	Telegram                Telegram  `yaml:"telegram"`
	Messaging               Messaging `yaml:"messaging"`
	RabbitMQ                RabbitMQ  `yaml:"rabbitmq"`
	Scheduler               Scheduler `yaml:"scheduler"`
}

// HTTPServer структура для настройки административного сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env:"HTTP_ADDRESS" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"30s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`

	// RateLimit запросов в секунду ко всему API, RateBurst допустимый всплеск.
	RateLimit float64 `yaml:"rate_limit" env-default:"5"`
	RateBurst int     `yaml:"rate_burst" env-default:"10"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis" env:"REDIS_ADDRESS"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
}

// JWTToken структура для работы с jwt-токеном администратора
type JWTToken struct {
	JWTSecretKey string        `yaml:"jwt_secret_key" env:"JWT_SECRET_KEY"`
	TokenTTL     time.Duration `yaml:"token_ttl" env-default:"12h"`
}

// Admin описывает администраторов сервиса.
// Список идентификаторов передается в сервисы явно при их создании.
type Admin struct {
	IDs          []int64 `yaml:"ids" env:"ADMIN_IDS" env-separator:","`
	PasswordHash string  `yaml:"password_hash" env:"ADMIN_PASSWORD_HASH"`
}

// Gateway настройки клиента сервиса управления доступом (wg-easy).
type Gateway struct {
	URL      string        `yaml:"url" env:"WIREGUARD_API"`
	Password string        `yaml:"password" env:"WIREGUARD_PASSWORD"`
	Timeout  time.Duration `yaml:"timeout" env-default:"10s"`
	QRSize   int           `yaml:"qr_size" env-default:"512"`
}

// Telegram настройки бота, через которого доставляются сообщения.
type Telegram struct {
	Token       string        `yaml:"token" env:"BOT_TOKEN"`
	APIEndpoint string        `yaml:"api_endpoint" env-default:"https://api.telegram.org/bot%s/%s"`
	Timeout     time.Duration `yaml:"timeout" env-default:"10s"`
}

// Messaging настройки отправки уведомлений.
type Messaging struct {
	Mode           string        `yaml:"mode" env:"MESSAGING_MODE" env-default:"direct"`
	SendDelay      time.Duration `yaml:"send_delay" env-default:"100ms"`
	BroadcastDelay time.Duration `yaml:"broadcast_delay" env-default:"50ms"`
	EnableDelay    time.Duration `yaml:"enable_delay" env-default:"50ms"`
}

// RabbitMQ настройки брокера для режима доставки через очередь.
type RabbitMQ struct {
	URL        string        `yaml:"url" env:"RABBITMQ_URL"`
	MaxRetries int           `yaml:"max_retries" env-default:"5"`
	RetryDelay time.Duration `yaml:"retry_delay" env-default:"3s"`
	Exchange   string        `yaml:"exchange" env-default:"notifications"`
	Queue      string        `yaml:"queue" env-default:"notification.outbound"`
	RoutingKey string        `yaml:"routing_key" env-default:"outbound"`
	Workers    int           `yaml:"workers" env-default:"4"`
}

// Scheduler расписания задач планировщика и часовой пояс, в котором они считаются.
type Scheduler struct {
	Timezone          string        `yaml:"timezone" env:"SCHEDULER_TIMEZONE" env-default:"Europe/Moscow"`
	WeekReminder      string        `yaml:"week_reminder" env-default:"0 9 * * *"`
	OneDayReminder    string        `yaml:"one_day_reminder" env-default:"0 10 * * *"`
	ThreeDayReminder  string        `yaml:"three_day_reminder" env-default:"0 11 * * *"`
	ExpiredToday      string        `yaml:"expired_today" env-default:"0 10 * * *"`
	AccessSync        string        `yaml:"access_sync" env-default:"0 0 * * *"`
	WeeklyStats       string        `yaml:"weekly_stats" env-default:"0 8 * * 1"`
	JobTimeout        time.Duration `yaml:"job_timeout" env-default:"30m"`
	LockTTL           time.Duration `yaml:"lock_ttl" env-default:"1h"`
	StatsCacheTTL     time.Duration `yaml:"stats_cache_ttl" env-default:"5m"`
	DisableJobLocking bool          `yaml:"disable_job_locking"`
}

// Location возвращает часовой пояс планировщика.
func (s Scheduler) Location() (*time.Location, error) {
	const op = "config.Location"
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return loc, nil
}

// Load читает конфиг из файла path и переменных окружения.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: file %s does not exist", op, path)
	}
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// MustLoad функция для загрузки конфига по пути из CONFIG_PATH, завершает процесс при ошибке
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

func (c *Config) validate() error {
	switch c.Messaging.Mode {
	case MessagingModeDirect, MessagingModeQueue:
	default:
		return fmt.Errorf("unknown messaging mode %q", c.Messaging.Mode)
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}
	if !c.Scheduler.DisableJobLocking {
		// блокировка задачи должна пережить самый долгий прогон
		if c.Scheduler.JobTimeout <= 0 {
			return fmt.Errorf("scheduler job_timeout must be positive when job locking is enabled")
		}
		if c.Scheduler.LockTTL <= c.Scheduler.JobTimeout {
			return fmt.Errorf("scheduler lock_ttl %s must be longer than job_timeout %s",
				c.Scheduler.LockTTL, c.Scheduler.JobTimeout)
		}
	}
	return nil
}

// String печатает конфиг без секретов.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"MigrationsPath: %s\n"+
			"Redis: %s (db %d)\n"+
			"HTTPServer: %s (timeout %s, idle %s)\n"+
			"Admins: %d\n"+
			"Gateway: %s (timeout %s)\n"+
			"Messaging: %s (send delay %s, broadcast delay %s)\n"+
			"RabbitMQ queue: %s\n"+
			"Scheduler timezone: %s\n",
		c.Env,
		c.MigrationsPath,
		c.AddressRedis, c.DB,
		c.AddressHTTP, c.TimeoutHTTP, c.IdleTimeout,
		len(c.Admin.IDs),
		c.Gateway.URL, c.Gateway.Timeout,
		c.Messaging.Mode, c.Messaging.SendDelay, c.Messaging.BroadcastDelay,
		c.RabbitMQ.Queue,
		c.Scheduler.Timezone,
	)
}
