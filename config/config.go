package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort   int
	Log          LogConfig
	Database     DatabaseConfig
	TestDatabase DatabaseConfig
	Auth         AuthConfig
	Tasks        TasksConfig
	MQ           MQConfig
	Storage      StorageConfig
	SMTP         SMTPConfig
}

type LogConfig struct {
	Env   string
	Level string
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	MinConns int
	MaxConns int

	OperationTimeout time.Duration
	AcquireTimeout   time.Duration
	InitRetries      int
	InitBackoff      time.Duration
	ShutdownGrace    time.Duration
}

type AuthConfig struct {
	JWTSecret  string
	JWTAlg     string
	TokenTTL   time.Duration
	BcryptCost int
	HashWorker int

	// KeySource, when set, overrides JWTSecret/JWTAlg and is consulted on
	// every token operation.
	KeySource func() (secret, alg string)
}

type TasksConfig struct {
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	WelcomeNote bool
}

type MQConfig struct {
	Backend       string
	RegisterTopic string
	RabbitMQ      RabbitMQConfig
	PubSub        PubSubConfig
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

type StorageConfig struct {
	Backend string
	Minio   MinioConfig
	GCS     GCSConfig
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	// TLSMode is "auto" (STARTTLS when offered), "ssl" or "none".
	TLSMode string
}

// Enabled reports whether outbound mail is configured.
func (c SMTPConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != "" && strings.TrimSpace(c.From) != ""
}

// Keys returns the signing secret and algorithm in effect right now.
func (c AuthConfig) Keys() (string, string) {
	if c.KeySource != nil {
		return c.KeySource()
	}
	return c.JWTSecret, c.JWTAlg
}

var envOnce sync.Once

func LoadConfig() Config {
	envOnce.Do(loadEnvFile)

	dbConfig := DatabaseConfig{
		Driver:           getEnv("DB_DRIVER", "postgres"),
		Host:             getEnv("DB_HOST", "localhost"),
		Port:             getEnvInt("DB_PORT", 5432),
		User:             getEnv("DB_USER", "postgres"),
		Password:         getEnv("DB_PASSWORD", "postgres"),
		DBName:           getEnv("DB_NAME", "postgres"),
		SSLMode:          getEnv("DB_SSL_MODE", "disable"),
		MinConns:         getEnvInt("DB_POOL_MIN", 1),
		MaxConns:         getEnvInt("DB_POOL_MAX", 10),
		OperationTimeout: getEnvSeconds("DB_TIMEOUT", 10),
		AcquireTimeout:   getEnvSeconds("DB_ACQUIRE_TIMEOUT", 10),
		InitRetries:      getEnvInt("DB_INIT_RETRIES", 3),
		InitBackoff:      getEnvSeconds("DB_INIT_BACKOFF", 2),
		ShutdownGrace:    getEnvSeconds("DB_SHUTDOWN_GRACE", 15),
	}

	// The test database reads only TEST_DB_* variables, apart from its
	// name, which defaults to the live name with a _test suffix.
	testDBConfig := DatabaseConfig{
		Driver:           getEnv("TEST_DB_DRIVER", "postgres"),
		Host:             getEnv("TEST_DB_HOST", "localhost"),
		Port:             getEnvInt("TEST_DB_PORT", 5432),
		User:             getEnv("TEST_DB_USER", "postgres"),
		Password:         getEnv("TEST_DB_PASSWORD", "postgres"),
		DBName:           getEnv("TEST_DB_NAME", dbConfig.DBName+"_test"),
		SSLMode:          "disable",
		MinConns:         1,
		MaxConns:         5,
		OperationTimeout: 10 * time.Second,
		AcquireTimeout:   5 * time.Second,
		InitRetries:      1,
		InitBackoff:      time.Second,
		ShutdownGrace:    5 * time.Second,
	}

	return Config{
		ServerPort:   getEnvInt("SERVER_PORT", 8080),
		Database:     dbConfig,
		TestDatabase: testDBConfig,
		Log: LogConfig{
			Env:   getEnv("APP_ENV", "prod"),
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:  strings.TrimSpace(getEnv("JWT_SECRET", "")),
			JWTAlg:     getEnv("JWT_ALG", "HS256"),
			TokenTTL:   time.Duration(getEnvInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60)) * time.Minute,
			BcryptCost: getEnvInt("BCRYPT_COST", 0),
			HashWorker: getEnvInt("HASH_WORKERS", 0),
		},
		Tasks: TasksConfig{
			Workers:     getEnvInt("TASK_WORKERS", 2),
			QueueSize:   getEnvInt("TASK_QUEUE_SIZE", 64),
			Timeout:     getEnvSeconds("TASK_TIMEOUT", 30),
			WelcomeNote: getEnvBool("WELCOME_NOTE", true),
		},
		MQ: MQConfig{
			Backend:       strings.ToLower(getEnv("MQ_BACKEND", "")),
			RegisterTopic: getEnv("MQ_REGISTER_TOPIC", "user.registered"),
			RabbitMQ: RabbitMQConfig{
				URL:             getEnv("RABBITMQ_URL", ""),
				QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
				QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
				PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 0),
			},
			PubSub: PubSubConfig{
				ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
				CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
				SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
			},
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", "")),
			Minio: MinioConfig{
				Endpoint:  getEnv("MINIO_ENDPOINT", ""),
				AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
				SecretKey: getEnv("MINIO_SECRET_KEY", ""),
				Bucket:    getEnv("MINIO_BUCKET", "notes-exports"),
				UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			},
			GCS: GCSConfig{
				Bucket:          getEnv("GCS_BUCKET", ""),
				ProjectID:       getEnv("GCS_PROJECT_ID", ""),
				CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
			},
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			User:     getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			TLSMode:  getEnv("SMTP_TLS_MODE", "auto"),
		},
	}
}

func loadEnvFile() {
	var file string
	switch os.Getenv("APP_ENV") {
	case "dev":
		file = ".env.dev"
	case "test":
		file = ".env.test"
	default:
		file = ".env.prod"
	}
	if _, err := os.Stat(file); err == nil {
		_ = godotenv.Overload(file)
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(valueStr)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
