package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config 애플리케이션 전체 설정
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Encryption EncryptionConfig `yaml:"encryption"`
	JWT        JWTConfig        `yaml:"jwt"`
	Turnstile  TurnstileConfig  `yaml:"turnstile"`
	Queue      QueueConfig      `yaml:"queue"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Jobs       JobsConfig       `yaml:"jobs"`
	CORS       CORSConfig       `yaml:"cors"`
	App        AppConfig        `yaml:"app"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // gin mode: debug, release, test
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// GetDSN postgres DSN 생성
func (d DatabaseConfig) GetDSN() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		d.Host, d.Port, d.User, d.Password, d.DBName, sslmode)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type EncryptionConfig struct {
	// base64 인코딩된 32바이트 마스터 키
	MasterKey string `yaml:"master_key"`
}

// Key decodes the master key. Empty key returns nil (encryption disabled).
func (e EncryptionConfig) Key() ([]byte, error) {
	if e.MasterKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(e.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("encryption.master_key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption.master_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

type JWTConfig struct {
	Secret       string        `yaml:"secret"`
	MagicLinkTTL time.Duration `yaml:"magic_link_ttl"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

type TurnstileConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Secret    string        `yaml:"secret"`
	VerifyURL string        `yaml:"verify_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	Workers            int           `yaml:"workers"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	SendTimeout        time.Duration `yaml:"send_timeout"`
	LeaseTimeout       time.Duration `yaml:"lease_timeout"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
}

type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type JobsConfig struct {
	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	CounterSyncInterval time.Duration `yaml:"counter_sync_interval"`
	StartupDelay        time.Duration `yaml:"startup_delay"`
	RetentionInterval   time.Duration `yaml:"retention_interval"`
	AutoArchiveDays     int           `yaml:"auto_archive_days"`
	TickInterval        time.Duration `yaml:"tick_interval"`
}

type CORSConfig struct {
	AllowOrigins string `yaml:"allow_origins"`
}

type AppConfig struct {
	PublicURL string `yaml:"public_url"`
}

// Default 기본값이 채워진 설정
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8082, Mode: "debug", Env: "local"},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, User: "bagtag", DBName: "bagtag", MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: time.Hour},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, PoolSize: 20},
		JWT:      JWTConfig{MagicLinkTTL: 72 * time.Hour, SessionTTL: 30 * 24 * time.Hour},
		Turnstile: TurnstileConfig{
			VerifyURL: "https://challenges.cloudflare.com/turnstile/v0/siteverify",
			Timeout:   5 * time.Second,
		},
		Queue: QueueConfig{
			Workers:            4,
			PollInterval:       time.Second,
			MaxAttempts:        3,
			BackoffBase:        2 * time.Second,
			SendTimeout:        2 * time.Second,
			LeaseTimeout:       5 * time.Minute,
			CompletedRetention: 24 * time.Hour,
		},
		Breaker: BreakerConfig{Threshold: 5, Cooldown: time.Minute},
		Jobs: JobsConfig{
			ReconcileInterval:   time.Hour,
			CounterSyncInterval: 5 * time.Minute,
			StartupDelay:        30 * time.Second,
			RetentionInterval:   24 * time.Hour,
			AutoArchiveDays:     30,
			TickInterval:        10 * time.Second,
		},
		App: AppConfig{PublicURL: "http://localhost:3000"},
	}
}

// Load YAML 설정 파일 로드 (없으면 기본값) 후 환경변수 오버라이드 적용
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// 설정 파일 없이 환경변수만으로도 기동 가능
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 비밀 값은 환경변수가 우선
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("APP_ENV", &cfg.Server.Env)
	setInt("PORT", &cfg.Server.Port)
	setString("DB_HOST", &cfg.Database.Host)
	setInt("DB_PORT", &cfg.Database.Port)
	setString("DB_USER", &cfg.Database.User)
	setString("DB_PASSWORD", &cfg.Database.Password)
	setString("DB_NAME", &cfg.Database.DBName)
	setString("REDIS_HOST", &cfg.Redis.Host)
	setInt("REDIS_PORT", &cfg.Redis.Port)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setString("ENCRYPTION_MASTER_KEY", &cfg.Encryption.MasterKey)
	setString("JWT_SECRET", &cfg.JWT.Secret)
	setString("TURNSTILE_SECRET", &cfg.Turnstile.Secret)
	setString("APP_PUBLIC_URL", &cfg.App.PublicURL)
	if v := os.Getenv("TURNSTILE_ENABLED"); v != "" {
		cfg.Turnstile.Enabled = v == "true" || v == "1"
	}
}

// Validate 명백히 잘못된 설정 거부
func (c *Config) Validate() error {
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be >= 1")
	}
	if c.Queue.Workers < 1 {
		return errors.New("queue.workers must be >= 1")
	}
	if c.Queue.SendTimeout <= 0 {
		return errors.New("queue.send_timeout must be positive")
	}
	if c.Breaker.Threshold < 1 || c.Breaker.Cooldown <= 0 {
		return errors.New("breaker.threshold and breaker.cooldown must be positive")
	}
	if c.Jobs.AutoArchiveDays < 1 {
		return errors.New("jobs.auto_archive_days must be >= 1")
	}
	if c.Turnstile.Enabled && c.Turnstile.Secret == "" {
		return errors.New("turnstile.secret is required when turnstile is enabled")
	}
	if _, err := c.Encryption.Key(); err != nil {
		return err
	}
	return nil
}

// LogResolved 비밀 값을 제외한 최종 설정 로그
func LogResolved(cfg *Config, log *zerolog.Logger) {
	log.Info().
		Str("env", cfg.Server.Env).
		Int("port", cfg.Server.Port).
		Str("db_host", cfg.Database.Host).
		Str("db_name", cfg.Database.DBName).
		Str("redis", fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)).
		Bool("encryption", cfg.Encryption.MasterKey != "").
		Bool("turnstile", cfg.Turnstile.Enabled).
		Int("queue_workers", cfg.Queue.Workers).
		Dur("reconcile_interval", cfg.Jobs.ReconcileInterval).
		Msg("config resolved")
}

// LoadDotEnv loads .env files with priority: .env.<APP_ENV>.local > .env.local > .env
// godotenv.Load does NOT overwrite already-set env vars,
// so OS env vars always win.
// Returns list of files actually loaded.
func LoadDotEnv() []string {
	candidates := []string{".env.local", ".env"}
	if env := os.Getenv("APP_ENV"); env != "" {
		candidates = append([]string{".env." + env + ".local"}, candidates...)
	}
	var loaded []string
	for _, f := range candidates {
		if _, err := os.Stat(f); err == nil {
			loaded = append(loaded, f)
		}
	}
	if len(loaded) > 0 {
		_ = godotenv.Load(loaded...)
	}
	return loaded
}
