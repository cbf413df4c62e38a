package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and supporting
// services.
type Config struct {
	ListenAddr       string
	PostgresDSN      string
	GenAIAPIKey      string
	GenAIBaseURL     string
	GenAIModel       string
	ImageryAPIKey    string
	ImageryBaseURL   string
	RequestTimeout   time.Duration
	TrialGenerations int
	RateLimitMax     int
	RateLimitWindow  time.Duration
	ShareBonus       int
	PaymentProvider  string
	AdminUsername    string
	AdminPassword    string
	S3Endpoint       string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	S3Bucket         string
	S3PublicBaseURL  string
	S3UsePathStyle   bool
	S3UploadPrefix   string
	S3ResultPrefix   string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultGenAIBaseURL = "https://api.kie.ai"

	cfg := Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		GenAIBaseURL:     normalizeBaseURL(getEnv("GENAI_BASE_URL", defaultGenAIBaseURL), defaultGenAIBaseURL),
		GenAIModel:       getEnv("GENAI_MODEL", "nano-banana-pro"),
		ImageryBaseURL:   getEnv("IMAGERY_BASE_URL", "https://maps.googleapis.com"),
		RequestTimeout:   time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),
		TrialGenerations: getInt("TRIAL_GENERATIONS", 3),
		RateLimitMax:     getInt("RATE_LIMIT_MAX_REQUESTS", 3),
		RateLimitWindow:  time.Second * time.Duration(getInt("RATE_LIMIT_WINDOW_SECONDS", 60)),
		ShareBonus:       getInt("SHARE_BONUS_CREDITS", 1),
		PaymentProvider:  strings.ToLower(getEnv("PAYMENT_PROVIDER", "checkout")),
		AdminUsername:    getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:    getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3Region:         os.Getenv("S3_REGION"),
		S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
		S3Bucket:         os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:  os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:   getBool("S3_USE_PATH_STYLE", false),
		S3UploadPrefix:   getEnv("S3_UPLOAD_PREFIX", "uploads"),
		S3ResultPrefix:   getEnv("S3_RESULT_PREFIX", "results"),
	}

	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	cfg.GenAIAPIKey = os.Getenv("GENAI_API_KEY")
	cfg.ImageryAPIKey = os.Getenv("IMAGERY_API_KEY")

	var missing []string
	if cfg.PostgresDSN == "" {
		missing = append(missing, "POSTGRES_DSN")
	}
	if cfg.GenAIAPIKey == "" {
		missing = append(missing, "GENAI_API_KEY")
	}
	if cfg.ImageryAPIKey == "" {
		missing = append(missing, "IMAGERY_API_KEY")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// normalizeBaseURL ensures provider calls hit an API host even when the env
// var carries a bare domain or a marketing-site URL.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	return parsed.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// No env file is fine when everything comes from the real environment.
	return nil
}
