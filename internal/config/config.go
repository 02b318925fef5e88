package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "huihui_ai/deepseek-r1-abliterated:14b"
	defaultMaxHistory    = 20
)

// Config is built once at process start and passed explicitly into the
// components that need it. Nothing re-reads the environment afterwards.
type Config struct {
	HTTPAddr string
	LogLevel string

	DBDriver string
	DBDSN    string

	// Inference endpoint
	OllamaBaseURL string
	OllamaModel   string
	OllamaTimeout time.Duration
	MaxHistory    int
	SystemPrompt  string

	// Session lock
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SessionLockWait time.Duration
	SessionLockTTL  time.Duration

	// rabbitMQ, async turns are disabled when RabbitURL is empty
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int
}

// fileConfig mirrors the env keys so a CONFIG_FILE can seed the same values.
type fileConfig struct {
	HTTPAddr          string `yaml:"http_addr"`
	LogLevel          string `yaml:"log_level"`
	DBDriver          string `yaml:"db_driver"`
	DBDSN             string `yaml:"db_dsn"`
	OllamaBaseURL     string `yaml:"ollama_base_url"`
	OllamaModel       string `yaml:"ollama_model"`
	OllamaTimeout     int    `yaml:"ollama_timeout"`
	MaxHistory        int    `yaml:"max_history_messages"`
	SystemPrompt      string `yaml:"system_prompt"`
	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"redis_password"`
	RedisDB           int    `yaml:"redis_db"`
	SessionLockWait   int    `yaml:"session_lock_wait"`
	SessionLockTTL    int    `yaml:"session_lock_ttl"`
	RabbitURL         string `yaml:"rabbit_url"`
	RabbitQueue       string `yaml:"rabbit_queue"`
	WorkerConcurrency int    `yaml:"worker_concurrency"`
}

func defaults() fileConfig {
	return fileConfig{
		HTTPAddr:          ":8000",
		LogLevel:          "info",
		DBDriver:          "sqlite",
		DBDSN:             "chat.db",
		OllamaBaseURL:     defaultOllamaBaseURL,
		OllamaModel:       defaultOllamaModel,
		OllamaTimeout:     120,
		MaxHistory:        defaultMaxHistory,
		SessionLockWait:   30,
		SessionLockTTL:    600,
		RabbitQueue:       "chat_jobs",
		WorkerConcurrency: 2,
	}
}

// Load reads CONFIG_FILE (if set) and then applies environment overrides.
func Load() (Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit config file path; an empty path skips the file.
func LoadFile(path string) (Config, error) {
	fc := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	fc.HTTPAddr = envString("HTTP_ADDR", fc.HTTPAddr)
	fc.LogLevel = envString("LOG_LEVEL", fc.LogLevel)
	fc.DBDriver = envString("DB_DRIVER", fc.DBDriver)
	fc.DBDSN = envString("DB_DSN", fc.DBDSN)
	fc.OllamaBaseURL = envString("OLLAMA_BASE_URL", fc.OllamaBaseURL)
	fc.OllamaModel = envString("OLLAMA_MODEL", fc.OllamaModel)
	fc.OllamaTimeout = envInt("OLLAMA_TIMEOUT", fc.OllamaTimeout)
	fc.MaxHistory = envInt("OLLAMA_MAX_HISTORY_MESSAGES", fc.MaxHistory)
	fc.SystemPrompt = envString("OLLAMA_SYSTEM_PROMPT", fc.SystemPrompt)
	fc.RedisAddr = envString("REDIS_ADDR", fc.RedisAddr)
	fc.RedisPassword = envString("REDIS_PASSWORD", fc.RedisPassword)
	fc.RedisDB = envInt("REDIS_DB", fc.RedisDB)
	fc.SessionLockWait = envInt("SESSION_LOCK_WAIT", fc.SessionLockWait)
	fc.SessionLockTTL = envInt("SESSION_LOCK_TTL", fc.SessionLockTTL)
	fc.RabbitURL = envString("RABBIT_URL", fc.RabbitURL)
	fc.RabbitQueue = envString("RABBIT_QUEUE", fc.RabbitQueue)
	fc.WorkerConcurrency = envInt("WORKER_CONCURRENCY", fc.WorkerConcurrency)

	return fc.build(), nil
}

func (fc fileConfig) build() Config {
	baseURL := strings.TrimRight(strings.TrimSpace(fc.OllamaBaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model := strings.TrimSpace(fc.OllamaModel)
	if model == "" {
		model = defaultOllamaModel
	}
	timeout := fc.OllamaTimeout
	if timeout <= 0 {
		timeout = 120
	}
	maxHist := fc.MaxHistory
	if maxHist <= 0 {
		maxHist = defaultMaxHistory
	}
	lockWait := fc.SessionLockWait
	if lockWait <= 0 {
		lockWait = 30
	}
	lockTTL := fc.SessionLockTTL
	if lockTTL <= 0 {
		lockTTL = 600
	}
	concurrency := fc.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	if concurrency > 50 {
		concurrency = 50
	}

	return Config{
		HTTPAddr: fc.HTTPAddr,
		LogLevel: strings.ToLower(strings.TrimSpace(fc.LogLevel)),

		DBDriver: strings.ToLower(strings.TrimSpace(fc.DBDriver)),
		DBDSN:    fc.DBDSN,

		OllamaBaseURL: baseURL,
		OllamaModel:   model,
		OllamaTimeout: time.Duration(timeout) * time.Second,
		MaxHistory:    maxHist,
		SystemPrompt:  strings.TrimSpace(fc.SystemPrompt),

		RedisAddr:       strings.TrimSpace(fc.RedisAddr),
		RedisPassword:   fc.RedisPassword,
		RedisDB:         fc.RedisDB,
		SessionLockWait: time.Duration(lockWait) * time.Second,
		SessionLockTTL:  time.Duration(lockTTL) * time.Second,

		RabbitURL:         strings.TrimSpace(fc.RabbitURL),
		RabbitQueue:       fc.RabbitQueue,
		WorkerConcurrency: concurrency,
	}
}

// AsyncEnabled reports whether queued turns can be published.
func (c Config) AsyncEnabled() bool { return c.RabbitURL != "" }

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
