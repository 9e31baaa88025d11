package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	// ConfigPathEnvVar points at an optional YAML file layered under the environment.
	ConfigPathEnvVar = "CONFIG_PATH"
)

// Config is built once in main and handed to every component that needs it.
// Keys match the environment variable names, lowercased.
type Config struct {
	HTTPPort    string `koanf:"http_port" validate:"required"`
	DatabaseURL string `koanf:"database_url" validate:"required"`
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format" validate:"oneof=json console"`

	JWTSecret string        `koanf:"jwt_secret" validate:"required"`
	JWTTTL    time.Duration `koanf:"jwt_ttl" validate:"gt=0"`

	EmbeddingProvider string        `koanf:"embedding_provider" validate:"oneof=openai gemini"`
	EmbeddingModel    string        `koanf:"embedding_model"`
	EmbeddingTimeout  time.Duration `koanf:"embedding_timeout" validate:"gt=0"`
	OpenAIAPIKey      string        `koanf:"openai_api_key" validate:"required_if=EmbeddingProvider openai"`
	OpenAIBaseURL     string        `koanf:"openai_base_url" validate:"omitempty,url"`
	GeminiAPIKey      string        `koanf:"gemini_api_key" validate:"required_if=EmbeddingProvider gemini"`

	RecommendTopK int           `koanf:"recommend_top_k" validate:"gt=0"`
	BackfillDelay time.Duration `koanf:"backfill_delay" validate:"gte=0"`

	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
	AuthRateLimit      int      `koanf:"auth_rate_limit" validate:"gte=0"`
}

// Default returns the configuration used before any file or environment is applied.
func Default() *Config {
	return &Config{
		HTTPPort:           "8080",
		DatabaseURL:        "books.db",
		LogLevel:           "info",
		LogFormat:          "console",
		JWTTTL:             72 * time.Hour,
		EmbeddingProvider:  ProviderOpenAI,
		EmbeddingTimeout:   30 * time.Second,
		OpenAIBaseURL:      "https://api.openai.com/v1",
		RecommendTopK:      3,
		BackfillDelay:      20 * time.Second, // 3 requests per minute
		CORSAllowedOrigins: []string{"*"},
		AuthRateLimit:      20,
	}
}

// Load reads the configuration and validates everything the server needs.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads .env (if present), then layers defaults, an optional YAML file and
// the process environment. Nothing is validated; pick Validate or
// ValidateStorage depending on what is about to run.
func Read() (*Config, error) {
	// a missing .env is normal in containers
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultModel(cfg.EmbeddingProvider)
	}
	return cfg, nil
}

// sliceConfigPaths are keys that arrive from the environment as one
// comma-separated string.
var sliceConfigPaths = []string{"cors_allowed_origins"}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			// missing, or already a list from defaults or YAML
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks required keys and ranges.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", envName(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ValidateStorage checks only what touching the database needs, for modes such
// as the catalog import that never issue tokens or call an embedding service.
func (c *Config) ValidateStorage() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("invalid configuration: %s (required)", envName("DatabaseURL"))
	}
	return nil
}

func defaultModel(provider string) string {
	if provider == ProviderGemini {
		return "text-embedding-004"
	}
	return "text-embedding-ada-002"
}

var envNames = map[string]string{
	"HTTPPort":           "HTTP_PORT",
	"DatabaseURL":        "DATABASE_URL",
	"LogFormat":          "LOG_FORMAT",
	"JWTSecret":          "JWT_SECRET",
	"JWTTTL":             "JWT_TTL",
	"EmbeddingProvider":  "EMBEDDING_PROVIDER",
	"EmbeddingTimeout":   "EMBEDDING_TIMEOUT",
	"OpenAIAPIKey":       "OPENAI_API_KEY",
	"OpenAIBaseURL":      "OPENAI_BASE_URL",
	"GeminiAPIKey":       "GEMINI_API_KEY",
	"RecommendTopK":      "RECOMMEND_TOP_K",
	"BackfillDelay":      "BACKFILL_DELAY",
	"CORSAllowedOrigins": "CORS_ALLOWED_ORIGINS",
	"AuthRateLimit":      "AUTH_RATE_LIMIT",
}

func envName(field string) string {
	if name, ok := envNames[field]; ok {
		return name
	}
	return field
}
