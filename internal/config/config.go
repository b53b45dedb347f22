package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port        int    `validate:"min=1,max=65535"`
	Environment string `validate:"oneof=production development test"`
	LogLevel    string `validate:"oneof=debug info warn error"`

	Database DatabaseConfig
	Tokens   TokenConfig
	GitHub   GitHubConfig
	UI       UIConfig
	Cache    CacheConfig

	// IssuerURL is the public base URL of this server, without trailing slash
	IssuerURL           string `validate:"required,url"`
	IntrospectionSecret string
	AllowedProfileHosts []string
	ScopesSupported     []string `validate:"min=1,dive,required"`
	CORSOrigins         []string `validate:"min=1"`

	FetchTimeout       time.Duration `validate:"gt=0"`
	AllowPrivateIPs    bool
	TokenRatePerMinute int `validate:"min=1"`
	GeneratedJWTSecret bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string `validate:"oneof=postgres sqlite memory"`
	DSN          string `validate:"required_unless=Type memory"`
	MaxOpenConns int    `validate:"min=1"`
	MaxIdleConns int    `validate:"min=0"`
}

// TokenConfig holds signing and lifetime settings for codes and tokens
type TokenConfig struct {
	JWTSecret            string        `validate:"min=32"`
	AccessTokenLifetime  time.Duration `validate:"gt=0"`
	AuthCodeLifetime     time.Duration `validate:"gt=0"`
	RefreshTokenLifetime time.Duration `validate:"gt=0"`
	SessionLifetime      time.Duration `validate:"gt=0"`
}

// GitHubConfig holds the GitHub OAuth application credentials
type GitHubConfig struct {
	ClientID     string `validate:"required_with=ClientSecret"`
	ClientSecret string `validate:"required_with=ClientID"`
}

// Enabled reports whether GitHub sign-in is configured
func (g GitHubConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

// UIConfig holds the presentation-layer pages the authorization flow redirects to
type UIConfig struct {
	SelectProviderURL string `validate:"omitempty,url"`
	ConsentURL        string `validate:"omitempty,url"`
	ProfileURL        string `validate:"omitempty,url"`
}

// CacheConfig holds the optional Redis client-metadata cache settings
type CacheConfig struct {
	RedisURL string `validate:"omitempty,url"`
	TTL      time.Duration
}

var insecureSecrets = []string{
	"change-this-secret-in-production",
	"change-me-in-production",
	"secret",
	"password",
	"changeme",
}

// Load loads configuration from an optional .env file and the environment
func Load() (*Config, error) {
	// A missing .env is fine; real deployments use the environment
	_ = godotenv.Load()

	env := getEnv("ENVIRONMENT", "production")
	issuer := strings.TrimRight(getEnv("ISSUER_URL", fmt.Sprintf("http://localhost:%d", getEnvInt("PORT", 8080))), "/")

	jwtSecret, generated, err := loadJWTSecret(env)
	if err != nil {
		return nil, err
	}

	dbType := getEnv("DATABASE_TYPE", "postgres")

	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		Environment: env,
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Database: DatabaseConfig{
			Type:         dbType,
			DSN:          getEnv("DATABASE_DSN", defaultDSN(dbType)),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		Tokens: TokenConfig{
			JWTSecret:            jwtSecret,
			AccessTokenLifetime:  time.Duration(getEnvInt("ACCESS_TOKEN_MINUTES", 15)) * time.Minute,
			AuthCodeLifetime:     time.Duration(getEnvInt("AUTH_CODE_MINUTES", 10)) * time.Minute,
			RefreshTokenLifetime: time.Duration(getEnvInt("REFRESH_TOKEN_DAYS", 30)) * 24 * time.Hour,
			SessionLifetime:      time.Duration(getEnvInt("SESSION_MINUTES", 15)) * time.Minute,
		},
		GitHub: GitHubConfig{
			ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
			ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		},
		UI: UIConfig{
			SelectProviderURL: getEnv("UI_SELECT_URL", issuer+"/select-provider"),
			ConsentURL:        getEnv("UI_CONSENT_URL", issuer+"/consent"),
			ProfileURL:        getEnv("UI_PROFILE_URL", issuer+"/"),
		},
		Cache: CacheConfig{
			RedisURL: os.Getenv("REDIS_URL"),
			TTL:      time.Duration(getEnvInt("CLIENT_CACHE_MINUTES", 5)) * time.Minute,
		},
		IssuerURL:           issuer,
		IntrospectionSecret: os.Getenv("INTROSPECTION_SECRET"),
		AllowedProfileHosts: splitAndTrim(os.Getenv("ALLOWED_PROFILE_HOSTS"), ","),
		ScopesSupported:     splitAndTrim(getEnv("SCOPES_SUPPORTED", "profile,email,create,update,delete,media"), ","),
		CORSOrigins:         loadCORSOrigins(),
		FetchTimeout:        time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 10)) * time.Second,
		AllowPrivateIPs:     getEnvBool("ALLOW_PRIVATE_IPS", false),
		TokenRatePerMinute:  getEnvInt("TOKEN_RATE_PER_MINUTE", 60),
		GeneratedJWTSecret:  generated,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaultDSN(dbType string) string {
	switch dbType {
	case "sqlite":
		return "file:indieauth.db?_foreign_keys=on"
	case "memory":
		return ""
	default:
		return buildPostgresDSN()
	}
}

func buildPostgresDSN() string {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "indieauth")
	password := getEnv("POSTGRES_PASSWORD", "secret")
	dbName := getEnv("POSTGRES_DB", "indieauth")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Environment == "production" {
		for _, insecure := range insecureSecrets {
			if c.Tokens.JWTSecret == insecure {
				return errors.New("JWT_SECRET is set to an insecure default value. Please set a strong random secret")
			}
		}
		if c.AllowPrivateIPs {
			return errors.New("ALLOW_PRIVATE_IPS must not be enabled in production")
		}
		if !strings.HasPrefix(c.IssuerURL, "https://") {
			return errors.New("ISSUER_URL must use https in production")
		}
	}

	return nil
}

// IsProduction reports whether the server runs with production defaults
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func loadJWTSecret(env string) (string, bool, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret != "" {
		return secret, false, nil
	}

	if env == "production" {
		return "", false, errors.New("JWT_SECRET environment variable is required in production")
	}

	// Development only: tokens stop validating after a restart
	secret, err := generateRandomSecret()
	if err != nil {
		return "", false, err
	}
	return secret, true, nil
}

func loadCORSOrigins() []string {
	if origins := splitAndTrim(os.Getenv("CORS_ORIGINS"), ","); len(origins) > 0 {
		return origins
	}
	// Token and metadata endpoints are called from browser-based clients anywhere
	return []string{"*"}
}

func splitAndTrim(s, sep string) []string {
	parts := []string{}
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func generateRandomSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
