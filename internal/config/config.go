package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Relay       RelayConfig               `json:"relay"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// RelayConfig tunes context assembly and upstream streaming.
type RelayConfig struct {
	// HistoryTurns bounds how many user/assistant turn pairs are kept in
	// the short-term cache and fed back as context.
	HistoryTurns int `json:"history_turns"`
	// ContextTokenBudget caps the token count of the assembled context.
	ContextTokenBudget int `json:"context_token_budget"`
	// MaxRetries bounds attempts to open the upstream stream.
	MaxRetries int `json:"max_retries"`
	// StreamTimeoutSeconds bounds a whole completion turn.
	StreamTimeoutSeconds int `json:"stream_timeout_seconds"`
	// EmbeddingModel names the model used for similarity-search embeddings.
	EmbeddingModel string `json:"embedding_model"`
	// SimilarityTopK and SimilarityThreshold control how much retrieved
	// past context is added to the system prompt.
	SimilarityTopK      int     `json:"similarity_top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	// HistoryTTLSeconds is the cache expiry for a conversation's history.
	HistoryTTLSeconds int `json:"history_ttl_seconds"`
}

const (
	DefaultHistoryTurns        = 7
	DefaultContextTokenBudget  = 3000
	DefaultMaxRetries          = 3
	DefaultStreamTimeoutSecs   = 120
	DefaultEmbeddingModel      = "text-embedding-3-small"
	DefaultSimilarityTopK      = 3
	DefaultSimilarityThreshold = 0.70
	DefaultHistoryTTLSecs      = 24 * 60 * 60
)

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	if dbCfg, ok := cfg.Databases["sqlite3"]; ok && dbCfg.DSN != "" && dbCfg.DSN != ":memory:" {
		if !filepath.IsAbs(dbCfg.DSN) {
			dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
			cfg.Databases["sqlite3"] = dbCfg
		}
	}
	cfg.Relay.applyDefaults()

	return &cfg, nil
}

func (r *RelayConfig) applyDefaults() {
	if r.HistoryTurns <= 0 {
		r.HistoryTurns = DefaultHistoryTurns
	}
	if r.ContextTokenBudget <= 0 {
		r.ContextTokenBudget = DefaultContextTokenBudget
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.StreamTimeoutSeconds <= 0 {
		r.StreamTimeoutSeconds = DefaultStreamTimeoutSecs
	}
	if r.EmbeddingModel == "" {
		r.EmbeddingModel = DefaultEmbeddingModel
	}
	if r.SimilarityTopK <= 0 {
		r.SimilarityTopK = DefaultSimilarityTopK
	}
	if r.SimilarityThreshold <= 0 {
		r.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if r.HistoryTTLSeconds <= 0 {
		r.HistoryTTLSeconds = DefaultHistoryTTLSecs
	}
}
