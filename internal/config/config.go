package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "maurice.yaml"

// Config is the resolved runtime configuration. Values come from defaults,
// then the optional YAML file, then environment variables.
type Config struct {
	GeminiAPIKey  string `yaml:"gemini_api_key"`
	JWTSecret     string `yaml:"jwt_secret"`
	AdminPassword string `yaml:"admin_password"`

	DatabaseURL string   `yaml:"database_url"`
	HTTPPort    string   `yaml:"http_port"`
	LogLevel    string   `yaml:"log_level"`
	LogPretty   bool     `yaml:"log_pretty"`
	CORSOrigins []string `yaml:"cors_origins"`

	ChatModel       string  `yaml:"chat_model"`
	EmbeddingModel  string  `yaml:"embedding_model"`
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
	MaxHistoryTurns int     `yaml:"max_history_turns"`

	RAGTopK          int     `yaml:"rag_top_k"`
	RAGContextBudget int     `yaml:"rag_context_budget"`
	RAGMinSimilarity float64 `yaml:"rag_min_similarity"`
	ChunkSize        int     `yaml:"chunk_size"`
	ChunkOverlap     int     `yaml:"chunk_overlap"`
	KnowledgeDir     string  `yaml:"knowledge_dir"`

	ConversationIdleMinutes int `yaml:"conversation_idle_minutes"`
	PendingMatchTTLMinutes  int `yaml:"pending_match_ttl_minutes"`
	HotLeadThreshold        int `yaml:"hot_lead_threshold"`
	UserTokenDays           int `yaml:"user_token_days"`

	RedisURL  string `yaml:"redis_url"`
	AMQPURL   string `yaml:"amqp_url"`
	LeadQueue string `yaml:"lead_queue"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		DatabaseURL:             "maurice.db",
		HTTPPort:                "8080",
		LogLevel:                "info",
		CORSOrigins:             []string{"*"},
		ChatModel:               "gemini-1.5-flash-latest",
		EmbeddingModel:          "text-embedding-004",
		Temperature:             0.3,
		MaxTokens:               400,
		MaxHistoryTurns:         4,
		RAGTopK:                 3,
		RAGContextBudget:        2000,
		RAGMinSimilarity:        0.6,
		ChunkSize:               500,
		ChunkOverlap:            50,
		KnowledgeDir:            "knowledge",
		ConversationIdleMinutes: 30,
		PendingMatchTTLMinutes:  30,
		HotLeadThreshold:        4,
		UserTokenDays:           30,
		LeadQueue:               "maurice.leads",
	}
}

// LoadConfig resolves the configuration. A missing .env or YAML file is not
// an error; a missing required key is.
func LoadConfig() (Config, error) {
	_ = godotenv.Load() // Load .env file if it exists

	cfg := Defaults()

	path := getEnv("MAURICE_CONFIG", defaultConfigFile)
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.AdminPassword = getEnv("ADMIN_PASSWORD", cfg.AdminPassword)

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.LogPretty = getEnvAsBool("LOG_PRETTY", cfg.LogPretty)
	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	cfg.ChatModel = getEnv("CHAT_MODEL", cfg.ChatModel)
	cfg.EmbeddingModel = getEnv("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.Temperature = getEnvAsFloat("TEMPERATURE", cfg.Temperature)
	cfg.MaxTokens = getEnvAsInt("MAX_TOKENS", cfg.MaxTokens)
	cfg.MaxHistoryTurns = getEnvAsInt("MAX_HISTORY_TURNS", cfg.MaxHistoryTurns)

	cfg.RAGTopK = getEnvAsInt("RAG_TOP_K", cfg.RAGTopK)
	cfg.RAGContextBudget = getEnvAsInt("RAG_CONTEXT_BUDGET", cfg.RAGContextBudget)
	cfg.RAGMinSimilarity = getEnvAsFloat("RAG_MIN_SIMILARITY", cfg.RAGMinSimilarity)
	cfg.ChunkSize = getEnvAsInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = getEnvAsInt("CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.KnowledgeDir = getEnv("KNOWLEDGE_DIR", cfg.KnowledgeDir)

	cfg.ConversationIdleMinutes = getEnvAsInt("CONVERSATION_IDLE_MINUTES", cfg.ConversationIdleMinutes)
	cfg.PendingMatchTTLMinutes = getEnvAsInt("PENDING_MATCH_TTL_MINUTES", cfg.PendingMatchTTLMinutes)
	cfg.HotLeadThreshold = getEnvAsInt("HOT_LEAD_THRESHOLD", cfg.HotLeadThreshold)
	cfg.UserTokenDays = getEnvAsInt("USER_TOKEN_DAYS", cfg.UserTokenDays)

	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.AMQPURL = getEnv("AMQP_URL", cfg.AMQPURL)
	cfg.LeadQueue = getEnv("LEAD_QUEUE", cfg.LeadQueue)
}

// Validate reports the first missing required key or out of range value.
func (c Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"GEMINI_API_KEY", c.GeminiAPIKey},
		{"JWT_SECRET", c.JWTSecret},
		{"ADMIN_PASSWORD", c.AdminPassword},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s environment variable is required", r.key)
		}
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.HotLeadThreshold < 1 || c.HotLeadThreshold > 5 {
		return fmt.Errorf("HOT_LEAD_THRESHOLD must be within 1..5, got %d", c.HotLeadThreshold)
	}
	return nil
}

func (c Config) ConversationIdle() time.Duration {
	return time.Duration(c.ConversationIdleMinutes) * time.Minute
}

func (c Config) PendingMatchTTL() time.Duration {
	return time.Duration(c.PendingMatchTTLMinutes) * time.Minute
}

func (c Config) UserTokenTTL() time.Duration {
	return time.Duration(c.UserTokenDays) * 24 * time.Hour
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
