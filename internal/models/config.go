package models

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`
	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`
	StoragePath string `yaml:"storage_path"`
	MockAI      bool   `yaml:"mock_ai"`
	LogFormat   string `yaml:"log_format"` // json or text

	LLM     LLMConfig     `yaml:"llm"`
	Image   ImageConfig   `yaml:"image"`
	Agent   AgentConfig   `yaml:"agent"`
	Preview PreviewConfig `yaml:"preview"`
	Tips    TipsConfig    `yaml:"tips"`
	Session SessionConfig `yaml:"session"`
	Editor  EditorConfig  `yaml:"editor"`
}

type LLMConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	TipsModel string `yaml:"tips_model"`
}

type ImageConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type AgentConfig struct {
	MaxTurnsChat     int `yaml:"max_turns_chat"`
	MaxTurnsAnalysis int `yaml:"max_turns_analysis"`
}

type PreviewConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	Retries       int           `yaml:"retries"`
	Backoff       time.Duration `yaml:"backoff"`
}

type TipsConfig struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EditorConfig is read by the terminal client only.
type EditorConfig struct {
	ServerURL string `yaml:"server_url"`
	ProjectID string `yaml:"project_id"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultConfig is what LoadConfig produces for an empty file.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("IMAGE_API_KEY"); v != "" {
		c.Image.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if os.Getenv("MOCK_AI") == "true" {
		c.MockAI = true
	}
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "photoedit-persist"
	}
	if c.StoragePath == "" {
		c.StoragePath = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "anthropic/claude-3.5-sonnet"
	}
	if c.LLM.TipsModel == "" {
		c.LLM.TipsModel = "google/gemini-2.0-flash-001"
	}
	if c.Image.BaseURL == "" {
		c.Image.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.Image.Model == "" {
		c.Image.Model = "google/gemini-3-pro-image-preview"
	}
	if c.Image.APIKey == "" {
		c.Image.APIKey = c.LLM.APIKey
	}
	if c.Image.Timeout == 0 {
		c.Image.Timeout = 120 * time.Second
	}
	if c.Agent.MaxTurnsChat == 0 {
		c.Agent.MaxTurnsChat = 5
	}
	if c.Agent.MaxTurnsAnalysis == 0 {
		c.Agent.MaxTurnsAnalysis = 2
	}
	if c.Preview.MaxConcurrent == 0 {
		c.Preview.MaxConcurrent = 6
	}
	if c.Preview.Retries == 0 {
		c.Preview.Retries = 2
	}
	if c.Preview.Backoff == 0 {
		c.Preview.Backoff = time.Second
	}
	if c.Tips.Retries == 0 {
		c.Tips.Retries = 2
	}
	if c.Tips.Backoff == 0 {
		c.Tips.Backoff = time.Second
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 30 * time.Minute
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = 5 * time.Minute
	}
	if c.Editor.ServerURL == "" {
		c.Editor.ServerURL = "http://localhost:8080"
	}
}
