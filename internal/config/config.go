package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName string
	AppEnv  string
	Debug   bool
	Port    string
	GinMode string

	// Inference engine
	InferenceServiceURL string
	InferenceClientID   string
	InferenceAPIKey     string
	SSLVerify           bool

	// Engine connection timing
	AuthTimeout             time.Duration
	SessionCreateTimeout    time.Duration
	StreamInactivityTimeout time.Duration
	ReconnectBackoffInitial time.Duration
	ReconnectBackoffMax     time.Duration

	// JotaDB conversation store
	JotaDBURL    string
	JotaDBAPIKey string

	// Ingress
	ClientKeyRequired bool

	// Usage tracking database (empty disables tracking)
	DatabaseURL string

	// Distributed abort (empty disables NATS)
	NatsURL string

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Usage tracking worker pool
	TrackingWorkerPoolSize int
	TrackingBufferSize     int
	TrackingTimeoutSeconds int
	TrackingRetentionDays  int // 0 keeps rows forever

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// Inference defaults loaded from the config file.
	Inference *InferenceConfig `yaml:"inference"`
}

// InferenceConfig holds inference defaults that live in the config file
// rather than environment variables.
type InferenceConfig struct {
	DefaultParams map[string]interface{} `yaml:"default_params"`
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		AppName: getEnvOrDefault("APP_NAME", "JotaOrchestrator"),
		AppEnv:  getEnvOrDefault("APP_ENV", "development"),
		Debug:   getEnvOrDefault("DEBUG", "false") == "true",
		Port:    getEnvOrDefault("PORT", "8000"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Inference engine
		InferenceServiceURL: getEnvOrDefault("INFERENCE_SERVICE_URL", "ws://greenhouse.local/api/inference"),
		InferenceClientID:   getEnvOrDefault("INFERENCE_CLIENT_ID", "sito"),
		InferenceAPIKey:     getEnvOrDefault("INFERENCE_API_KEY", ""),
		SSLVerify:           getEnvOrDefault("SSL_VERIFY", "true") == "true",

		// Engine connection timing
		AuthTimeout:             getEnvAsDuration("AUTH_TIMEOUT", 10*time.Second),
		SessionCreateTimeout:    getEnvAsDuration("SESSION_CREATE_TIMEOUT", 5*time.Second),
		StreamInactivityTimeout: getEnvAsDuration("STREAM_INACTIVITY_TIMEOUT", 30*time.Second),
		ReconnectBackoffInitial: getEnvAsDuration("RECONNECT_BACKOFF_INITIAL", time.Second),
		ReconnectBackoffMax:     getEnvAsDuration("RECONNECT_BACKOFF_MAX", 60*time.Second),

		// JotaDB conversation store
		JotaDBURL:    getEnvOrDefault("JOTA_DB_URL", "http://green-house.local/api/db/"),
		JotaDBAPIKey: getEnvOrDefault("JOTA_DB_API_KEY", ""),

		// Ingress
		ClientKeyRequired: getEnvOrDefault("CLIENT_KEY_REQUIRED", "false") == "true",

		// Usage tracking database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),

		// Distributed abort
		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Usage tracking worker pool
		TrackingWorkerPoolSize: getEnvAsInt("TRACKING_WORKER_POOL_SIZE", 8),
		TrackingBufferSize:     getEnvAsInt("TRACKING_BUFFER_SIZE", 1024),
		TrackingTimeoutSeconds: getEnvAsInt("TRACKING_TIMEOUT_SECONDS", 30),
		TrackingRetentionDays:  getEnvAsInt("TRACKING_RETENTION_DAYS", 0),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Load settings from a configuration file. The file is optional: only
	// inference defaults live there and they have hardcoded fallbacks.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")

	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Printf("No config file at %s, using built-in inference defaults", configFilePath)
	} else {
		defer configFile.Close()
		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.Inference == nil || len(AppConfig.Inference.DefaultParams) == 0 {
		AppConfig.Inference = &InferenceConfig{
			DefaultParams: map[string]interface{}{"temp": 0.7},
		}
	}

	if AppConfig.InferenceAPIKey == "" {
		log.Println("Warning: Inference API key is missing. Please set INFERENCE_API_KEY environment variable.")
	}

	if AppConfig.JotaDBAPIKey == "" {
		log.Println("Warning: JotaDB API key is missing. Please set JOTA_DB_API_KEY environment variable.")
	}

	if AppConfig.DatabaseURL == "" {
		log.Println("DATABASE_URL not set, usage tracking disabled")
	}

	if AppConfig.NatsURL == "" {
		log.Println("NATS_URL not set, session aborts are instance-local")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
