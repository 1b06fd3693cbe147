package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	MemoryBackendInProcess = "memory"
	MemoryBackendRedis     = "redis"
)

type Config struct {
	Env         string
	HTTPPort    string `validate:"required,numeric"`
	LogLevel    string `validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	DatabaseURL string `validate:"required"`
	JWTSecret   string `validate:"required"`

	// Generation backends
	LLMProvider          string `validate:"oneof=openai gemini"`
	OpenAIAPIKey         string `validate:"required_if=LLMProvider openai"`
	OpenAIBaseURL        string `validate:"omitempty,url"`
	OpenAIModel          string `validate:"required_if=LLMProvider openai"`
	OpenAIEmbeddingModel string
	GeminiAPIKey         string `validate:"required_if=LLMProvider gemini"`
	GeminiModel          string `validate:"required_if=LLMProvider gemini"`
	GeminiEmbeddingModel string
	GenerationTimeout    time.Duration `validate:"gt=0"`
	RetrievalTimeout     time.Duration `validate:"gt=0"`

	// Conversation memory
	MemoryBackend     string        `validate:"oneof=memory redis"`
	MemoryTTL         time.Duration `validate:"gt=0"`
	MemoryMaxSessions int           `validate:"min=1"`
	MemoryMaxTurns    int           `validate:"min=0"`
	RedisAddr         string        `validate:"required_if=MemoryBackend redis"`
	RedisPassword     string
	RedisDB           int `validate:"min=0"`

	// Retrieval
	RAGEnabled       bool
	RAGTopK          int     `validate:"min=1"`
	RAGMinSimilarity float64 `validate:"gte=-1,lte=1"`

	// Orchestration
	PersistInbound   bool
	WebhookDedupeTTL time.Duration `validate:"gt=0"`
}

var validate = validator.New()

// LoadConfig reads the .env file if present, then the environment, and
// validates the result. A non-nil error means the process should not start.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Println("No .env file found, relying on environment variables")
		} else {
			log.Printf("Warning: error loading .env file: %v", err)
		}
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Env:         getEnv("ENV", "production"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		DatabaseURL: getEnv("DATABASE_URL", "persona_chat.db?_foreign_keys=on&_busy_timeout=5000"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		LLMProvider:          strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIEmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiModel:          getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiEmbeddingModel: getEnv("GEMINI_EMBEDDING_MODEL", "text-embedding-004"),

		MemoryBackend:     strings.ToLower(getEnv("MEMORY_BACKEND", MemoryBackendInProcess)),
		MemoryMaxSessions: getEnvAsInt("MEMORY_MAX_SESSIONS", 10000),
		MemoryMaxTurns:    getEnvAsInt("MEMORY_MAX_TURNS", 50),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvAsInt("REDIS_DB", 0),

		RAGEnabled:       getEnvAsBool("RAG_ENABLED", true),
		RAGTopK:          getEnvAsInt("RAG_TOP_K", 3),
		RAGMinSimilarity: getEnvAsFloat("RAG_MIN_SIMILARITY", 0),

		PersistInbound: getEnvAsBool("PERSIST_INBOUND", true),
	}

	var err error
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"GENERATION_TIMEOUT", 60 * time.Second, &cfg.GenerationTimeout},
		{"RETRIEVAL_TIMEOUT", 15 * time.Second, &cfg.RetrievalTimeout},
		{"MEMORY_TTL", time.Hour, &cfg.MemoryTTL},
		{"WEBHOOK_DEDUPE_TTL", 10 * time.Minute, &cfg.WebhookDedupeTTL},
	}
	for _, d := range durations {
		if *d.dest, err = getEnvAsDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and reports every offending field by its
// environment variable name.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s (%s)", envName(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

var envNames = map[string]string{
	"HTTPPort":             "HTTP_PORT",
	"LogLevel":             "LOG_LEVEL",
	"DatabaseURL":          "DATABASE_URL",
	"JWTSecret":            "JWT_SECRET",
	"LLMProvider":          "LLM_PROVIDER",
	"OpenAIAPIKey":         "OPENAI_API_KEY",
	"OpenAIBaseURL":        "OPENAI_BASE_URL",
	"OpenAIModel":          "OPENAI_MODEL",
	"GeminiAPIKey":         "GEMINI_API_KEY",
	"GeminiModel":          "GEMINI_MODEL",
	"GenerationTimeout":    "GENERATION_TIMEOUT",
	"RetrievalTimeout":     "RETRIEVAL_TIMEOUT",
	"MemoryBackend":        "MEMORY_BACKEND",
	"MemoryTTL":            "MEMORY_TTL",
	"MemoryMaxSessions":    "MEMORY_MAX_SESSIONS",
	"MemoryMaxTurns":       "MEMORY_MAX_TURNS",
	"RedisAddr":            "REDIS_ADDR",
	"RedisDB":              "REDIS_DB",
	"RAGTopK":              "RAG_TOP_K",
	"RAGMinSimilarity":     "RAG_MIN_SIMILARITY",
	"WebhookDedupeTTL":     "WEBHOOK_DEDUPE_TTL",
	"OpenAIEmbeddingModel": "OPENAI_EMBEDDING_MODEL",
	"GeminiEmbeddingModel": "GEMINI_EMBEDDING_MODEL",
}

func envName(field string) string {
	if name, ok := envNames[field]; ok {
		return name
	}
	return field
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid configuration: %s: %w", key, err)
	}
	return d, nil
}
