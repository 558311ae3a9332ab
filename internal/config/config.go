package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	Server   ServerConfig
	DICOM    DICOMConfig
	Storage  StorageConfig
	Print    PrintConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

// ServerConfig configures the management HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DICOMConfig configures the DICOM listeners and association policy.
type DICOMConfig struct {
	AETitle      string
	Host         string
	Port         int
	WorklistPort int
	MaxPDULength uint32

	// Empty list accepts any calling AE title.
	AllowedCallingAETitles []string

	EnableCGet  bool
	EnableCMove bool

	// MoveDestinations maps AE title to "host:port" for C-MOVE.
	MoveDestinations map[string]string

	AssociationTimeout  time.Duration
	SubOperationTimeout time.Duration
}

// StorageConfig configures where received instances land on disk.
type StorageConfig struct {
	Path                string
	TempPath            string
	MaxConcurrentStores int
	// PreferredTransferSyntax recompresses stored image instances when set
	// and a transcoder is installed.
	PreferredTransferSyntax string
}

// PrintConfig holds defaults for the print management SCP.
type PrintConfig struct {
	Enabled bool
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

// CacheConfig selects the query cache backend.
type CacheConfig struct {
	Enabled bool
	Type    string
	TTL     time.Duration
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CORSConfig configures the management API CORS policy.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. A .env file is applied first
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		DICOM: DICOMConfig{
			AETitle:                getEnv("DICOM_AE_TITLE", "STORESCP"),
			Host:                   getEnv("DICOM_HOST", "0.0.0.0"),
			Port:                   getEnvInt("DICOM_PORT", 11112),
			WorklistPort:           getEnvInt("DICOM_WORKLIST_PORT", 11113),
			MaxPDULength:           uint32(getEnvInt("DICOM_MAX_PDU_LENGTH", 16384)),
			AllowedCallingAETitles: getEnvList("DICOM_ALLOWED_CALLING_AE_TITLES"),
			EnableCGet:             getEnvBool("DICOM_ENABLE_CGET", true),
			EnableCMove:            getEnvBool("DICOM_ENABLE_CMOVE", true),
			MoveDestinations:       getEnvMap("DICOM_MOVE_DESTINATIONS"),
			AssociationTimeout:     getEnvDuration("DICOM_ASSOCIATION_TIMEOUT", 2*time.Minute),
			SubOperationTimeout:    getEnvDuration("DICOM_SUB_OPERATION_TIMEOUT", 10*time.Second),
		},
		Storage: StorageConfig{
			Path:                getEnv("STORAGE_PATH", "./data/dicom"),
			TempPath:            getEnv("STORAGE_TEMP_PATH", ""),
			MaxConcurrentStores: getEnvInt("STORAGE_MAX_CONCURRENT_STORES", 0),

			PreferredTransferSyntax: getEnv("STORAGE_PREFERRED_TRANSFER_SYNTAX", ""),
		},
		Print: PrintConfig{
			Enabled: getEnvBool("PRINT_ENABLED", true),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "dicomscp"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("CACHE_ENABLED", true),
			Type:    getEnv("CACHE_TYPE", "memory"),
			TTL:     getEnvDuration("CACHE_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvListDefault("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvListDefault("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvListDefault("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "Authorization"}),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}

	if cfg.Storage.TempPath == "" {
		cfg.Storage.TempPath = cfg.Storage.Path + "/tmp"
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.DICOM.AETitle == "" {
		return fmt.Errorf("DICOM_AE_TITLE must not be empty")
	}
	if len(c.DICOM.AETitle) > 16 {
		return fmt.Errorf("DICOM_AE_TITLE %q exceeds 16 characters", c.DICOM.AETitle)
	}
	if c.DICOM.Port <= 0 || c.DICOM.Port > 65535 {
		return fmt.Errorf("DICOM_PORT %d out of range", c.DICOM.Port)
	}
	if c.DICOM.WorklistPort <= 0 || c.DICOM.WorklistPort > 65535 {
		return fmt.Errorf("DICOM_WORKLIST_PORT %d out of range", c.DICOM.WorklistPort)
	}
	if c.DICOM.Port == c.DICOM.WorklistPort {
		return fmt.Errorf("DICOM_PORT and DICOM_WORKLIST_PORT must differ")
	}
	if c.DICOM.MaxPDULength < 1024 {
		return fmt.Errorf("DICOM_MAX_PDU_LENGTH %d too small", c.DICOM.MaxPDULength)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("STORAGE_PATH must not be empty")
	}
	for ae, addr := range c.DICOM.MoveDestinations {
		if ae == "" || !strings.Contains(addr, ":") {
			return fmt.Errorf("invalid move destination %q=%q", ae, addr)
		}
	}
	if c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		return fmt.Errorf("CACHE_TYPE %q must be memory or redis", c.Cache.Type)
	}
	return nil
}

// CallingAEAllowed reports whether the allow-list admits callingAE.
func (c *DICOMConfig) CallingAEAllowed(callingAE string) bool {
	if len(c.AllowedCallingAETitles) == 0 {
		return true
	}
	for _, ae := range c.AllowedCallingAETitles {
		if ae == callingAE {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvListDefault(key string, fallback []string) []string {
	if list := getEnvList(key); list != nil {
		return list
	}
	return fallback
}

// getEnvMap parses "KEY1=val1,KEY2=val2" style variables.
func getEnvMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvList(key) {
		if idx := strings.Index(pair, "="); idx > 0 {
			out[strings.TrimSpace(pair[:idx])] = strings.TrimSpace(pair[idx+1:])
		}
	}
	return out
}
