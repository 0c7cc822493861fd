// Package config loads engine configuration from a YAML file with
// environment overrides. Secrets come exclusively from the environment and
// never appear in the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all EchoQuery environment variables.
const EnvPrefix = "ECHOQUERY_"

// Config holds all application configuration.
type Config struct {
	ListenAddr     string  `yaml:"listen_addr"`
	MetricsPort    int     `yaml:"metrics_port"`
	QdrantAddr     string  `yaml:"qdrant_addr"`
	QdrantColl     string  `yaml:"qdrant_collection"`
	Neo4jURI       string  `yaml:"neo4j_uri"`
	Neo4jUser      string  `yaml:"neo4j_user"`
	NATSURL        string  `yaml:"nats_url"`
	EmbedProvider  string  `yaml:"embed_provider"` // "openai" or "ollama"
	EmbedModel     string  `yaml:"embed_model"`
	EmbedDims      int     `yaml:"embed_dims"`
	ChatModel      string  `yaml:"chat_model"`
	WhisperModel   string  `yaml:"whisper_model"`
	OllamaURL      string  `yaml:"ollama_url"`
	ContextBudget  int     `yaml:"context_budget_tokens"`
	RetrieveK      int     `yaml:"retrieve_k"`
	ScoreFloor     float32 `yaml:"score_floor"`
	StageTimeout   string  `yaml:"stage_timeout"`
	QueryTimeout   string  `yaml:"query_timeout"`
	WatchDir       string  `yaml:"watch_dir"`
	WatchStateFile string  `yaml:"watch_state_file"`
	ScanPerMinute  int     `yaml:"scan_per_minute"`

	// Secrets. Env vars only, never serialized to YAML.
	OpenAIAPIKey  string `yaml:"-"`
	Neo4jPassword string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:     ":8080",
		MetricsPort:    9091,
		QdrantAddr:     "localhost:6334",
		QdrantColl:     "chunks",
		Neo4jURI:       "bolt://localhost:7687",
		Neo4jUser:      "neo4j",
		NATSURL:        "nats://localhost:4222",
		EmbedProvider:  "openai",
		EmbedModel:     "",
		EmbedDims:      1536,
		ChatModel:      "",
		WhisperModel:   "",
		OllamaURL:      "http://localhost:11434",
		ContextBudget:  1200,
		RetrieveK:      8,
		ScoreFloor:     0.25,
		StageTimeout:   "3m",
		QueryTimeout:   "30s",
		WatchDir:       "data/inbox",
		WatchStateFile: "data/inbox/.processed",
		ScanPerMinute:  12,
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedStageTimeout returns StageTimeout as a duration, falling back to 3m.
func (c *Config) ParsedStageTimeout() time.Duration {
	d, err := time.ParseDuration(c.StageTimeout)
	if err != nil {
		return 3 * time.Minute
	}
	return d
}

// ParsedQueryTimeout returns QueryTimeout as a duration, falling back to 30s.
func (c *Config) ParsedQueryTimeout() time.Duration {
	d, err := time.ParseDuration(c.QueryTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && p > 0 {
			cfg.MetricsPort = p
		}
	}
	if v := os.Getenv(EnvPrefix + "QDRANT_ADDR"); v != "" {
		cfg.QdrantAddr = v
	}
	if v := os.Getenv(EnvPrefix + "QDRANT_COLLECTION"); v != "" {
		cfg.QdrantColl = v
	}
	if v := os.Getenv(EnvPrefix + "NEO4J_URI"); v != "" {
		cfg.Neo4jURI = v
	}
	if v := os.Getenv(EnvPrefix + "NEO4J_USER"); v != "" {
		cfg.Neo4jUser = v
	}
	if v := os.Getenv(EnvPrefix + "NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv(EnvPrefix + "EMBED_PROVIDER"); v != "" {
		cfg.EmbedProvider = v
	}
	if v := os.Getenv(EnvPrefix + "EMBED_MODEL"); v != "" {
		cfg.EmbedModel = v
	}
	if v := os.Getenv(EnvPrefix + "EMBED_DIMS"); v != "" {
		if d, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && d > 0 {
			cfg.EmbedDims = d
		}
	}
	if v := os.Getenv(EnvPrefix + "CHAT_MODEL"); v != "" {
		cfg.ChatModel = v
	}
	if v := os.Getenv(EnvPrefix + "WHISPER_MODEL"); v != "" {
		cfg.WhisperModel = v
	}
	if v := os.Getenv(EnvPrefix + "OLLAMA_URL"); v != "" {
		cfg.OllamaURL = v
	}
	if v := os.Getenv(EnvPrefix + "CONTEXT_BUDGET"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.ContextBudget = n
		}
	}
	if v := os.Getenv(EnvPrefix + "RETRIEVE_K"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.RetrieveK = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SCORE_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 32); err == nil && f >= 0 && f <= 1 {
			cfg.ScoreFloor = float32(f)
		}
	}
	if v := os.Getenv(EnvPrefix + "STAGE_TIMEOUT"); v != "" {
		cfg.StageTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "QUERY_TIMEOUT"); v != "" {
		cfg.QueryTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "WATCH_DIR"); v != "" {
		cfg.WatchDir = v
	}
	if v := os.Getenv(EnvPrefix + "WATCH_STATE_FILE"); v != "" {
		cfg.WatchStateFile = v
	}
	if v := os.Getenv(EnvPrefix + "SCAN_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.ScanPerMinute = n
		}
	}
}

func loadSecrets(cfg *Config) {
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if v := os.Getenv(EnvPrefix + "OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	cfg.Neo4jPassword = os.Getenv(EnvPrefix + "NEO4J_PASSWORD")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.OpenAIAPIKey == "" && cfg.EmbedProvider == "openai" {
		warnings = append(warnings, "OpenAI API key not configured. Set OPENAI_API_KEY or "+EnvPrefix+"OPENAI_API_KEY.")
	}
	if cfg.Neo4jPassword == "" {
		warnings = append(warnings, "Neo4j password not configured. Set "+EnvPrefix+"NEO4J_PASSWORD.")
	}
	if cfg.EmbedProvider != "openai" && cfg.EmbedProvider != "ollama" {
		warnings = append(warnings, fmt.Sprintf("Unknown embed_provider %q. Using openai.", cfg.EmbedProvider))
		cfg.EmbedProvider = "openai"
	}
	if _, err := time.ParseDuration(cfg.StageTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid stage_timeout %q. Using default 3m.", cfg.StageTimeout))
	}
	if _, err := time.ParseDuration(cfg.QueryTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid query_timeout %q. Using default 30s.", cfg.QueryTimeout))
	}

	return warnings
}
