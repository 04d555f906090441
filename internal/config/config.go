package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/spec-kit/token-auth-service/pkg/tokens"
)

const jwtEnvPrefix = "JWT_"

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	// JWT holds the JWT_* variables understood by tokens.ParseSettings, prefix
	// stripped and lowercased.
	JWT map[string]string
	// IgnoredJWT lists JWT_* variables that are not token settings.
	IgnoredJWT []string
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level       string
	Development bool
}

// AuthConfig defines account and key-set parameters that sit next to the token settings.
type AuthConfig struct {
	BcryptCost               int
	KeySetCacheTTLSeconds    int
	KeySetHTTPTimeoutSeconds int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	env := getEnv("APP_ENV", "development")
	jwt, ignored := jwtSettings(os.Environ())

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "token-auth-service"),
			Env:                   env,
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: env == "development",
		},
		Auth: AuthConfig{
			BcryptCost:               getEnvAsInt("AUTH_BCRYPT_COST", 12),
			KeySetCacheTTLSeconds:    getEnvAsInt("AUTH_KEY_SET_CACHE_TTL_SECONDS", 300),
			KeySetHTTPTimeoutSeconds: getEnvAsInt("AUTH_KEY_SET_HTTP_TIMEOUT_SECONDS", 5),
		},
		JWT:        jwt,
		IgnoredJWT: ignored,
	}

	if env == "development" && !hasKeyMaterial(cfg.JWT) {
		cfg.JWT["signing_key"] = "dev-secret"
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// KeySetCacheTTL is how long a fetched key set stays in the shared cache.
func (a AuthConfig) KeySetCacheTTL() time.Duration {
	if a.KeySetCacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(a.KeySetCacheTTLSeconds) * time.Second
}

// KeySetHTTPTimeout bounds a single key-set fetch.
func (a AuthConfig) KeySetHTTPTimeout() time.Duration {
	if a.KeySetHTTPTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.KeySetHTTPTimeoutSeconds) * time.Second
}

func jwtSettings(environ []string) (map[string]string, []string) {
	out := make(map[string]string)
	var ignored []string
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, jwtEnvPrefix) || value == "" {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, jwtEnvPrefix))
		if !tokens.IsSettingKey(name) {
			ignored = append(ignored, key)
			continue
		}
		out[name] = value
	}
	sort.Strings(ignored)
	return out, ignored
}

func hasKeyMaterial(jwt map[string]string) bool {
	for _, key := range []string{"signing_key", "verifying_key", "jwk_url", "key_set_url"} {
		if jwt[key] != "" {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
